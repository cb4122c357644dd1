// Package exchange records single HTTP interactions, inbound or outbound,
// so they can be stored alongside the events they belong to.
package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Direction of an exchange relative to this service.
type Direction string

const (
	Incoming Direction = "INCOMING"
	Outgoing Direction = "OUTGOING"
)

// State of an exchange.
type State string

const (
	Requested State = "Requested"
	Retrieved State = "Retrieved"
	Timeout   State = "Timeout"
	Failed    State = "Failed"
)

// DefaultMaxBody caps how much of a response body is kept.
const DefaultMaxBody = 1 << 20

// Request is the captured request half.
type Request struct {
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Headers map[string][]string `json:"headers"`
	Body    *string             `json:"body"`
}

// Response is the captured response half. Code is zero when no response
// was received. Truncated is set when the body was longer than the
// recorder keeps.
type Response struct {
	Code      int                 `json:"code"`
	Headers   map[string][]string `json:"headers"`
	Body      *string             `json:"body"`
	Truncated bool                `json:"truncated,omitempty"`
}

// Exchange is one recorded request/response pair. Error is set only when
// State is Timeout or Failed.
type Exchange struct {
	Direction  Direction `json:"direction"`
	RemoteAddr string    `json:"remoteAddr,omitempty"`
	Request    Request   `json:"request"`
	Response   Response  `json:"response"`
	State      State     `json:"state"`
	Error      string    `json:"error,omitempty"`
}

// NewIncoming returns an exchange for a request received from remoteAddr.
func NewIncoming(remoteAddr string) *Exchange {
	return &Exchange{
		Direction:  Incoming,
		RemoteAddr: remoteAddr,
		Request:    Request{Headers: map[string][]string{}},
		Response:   Response{Headers: map[string][]string{}},
		State:      Requested,
	}
}

// NewOutgoing returns an exchange for a request this service sends.
func NewOutgoing() *Exchange {
	return &Exchange{
		Direction: Outgoing,
		Request:   Request{Headers: map[string][]string{}},
		Response:  Response{Headers: map[string][]string{}},
		State:     Requested,
	}
}

// SetTimeout marks the exchange as timed out.
func (ex *Exchange) SetTimeout() {
	ex.State = Timeout
	ex.Error = "Timeout"
}

// SetFailed marks the exchange as failed with the given message.
func (ex *Exchange) SetFailed(msg string) {
	ex.State = Failed
	ex.Error = msg
}

// Succeeded reports whether a response was received with a 2xx code.
func (ex *Exchange) Succeeded() bool {
	return ex.State == Retrieved && ex.Response.Code >= 200 && ex.Response.Code < 300
}

// RequestFromHTTP captures method, URL and every header value of an
// inbound request. The body is left to the caller since it has usually
// been consumed already.
func RequestFromHTTP(r *http.Request) Request {
	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	return Request{
		Method:  r.Method,
		URL:     u.String(),
		Headers: copyHeader(r.Header),
	}
}

func copyHeader(h http.Header) map[string][]string {
	m := make(map[string][]string, len(h))
	for k, v := range h {
		m[k] = append([]string(nil), v...)
	}
	return m
}

// Recorder performs outbound requests and records them.
type Recorder struct {
	client  *http.Client
	maxBody int64
}

// NewRecorder returns a recorder using client. A nil client uses a client
// without its own timeout since every call carries one. A maxBody of zero
// or less uses DefaultMaxBody.
func NewRecorder(client *http.Client, maxBody int64) *Recorder {
	if client == nil {
		client = &http.Client{}
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	return &Recorder{client: client, maxBody: maxBody}
}

// Do sends one request and returns the recorded exchange. It never
// returns an error: every failure is classified into the exchange state.
func (r *Recorder) Do(ctx context.Context, method, rawURL string, header http.Header, body []byte, timeout time.Duration) *Exchange {
	ex := NewOutgoing()
	ex.Request.Method = method
	ex.Request.URL = rawURL
	ex.Request.Headers = copyHeader(header)
	if body != nil {
		s := string(body)
		ex.Request.Body = &s
	}

	if err := validateURL(rawURL); err != nil {
		ex.SetFailed("Invalid URI: " + err.Error())
		return ex
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		ex.SetFailed("Invalid URI: " + err.Error())
		return ex
	}
	for k, v := range header {
		req.Header[k] = append([]string(nil), v...)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.classify(ctx, ex, err)
		return ex
	}
	defer resp.Body.Close()

	data, err := ioutil.ReadAll(io.LimitReader(resp.Body, r.maxBody+1))
	if err != nil {
		r.classify(ctx, ex, err)
		return ex
	}
	if int64(len(data)) > r.maxBody {
		data = data[:r.maxBody]
		ex.Response.Truncated = true
	}
	s := string(data)
	ex.Response.Code = resp.StatusCode
	ex.Response.Headers = copyHeader(resp.Header)
	ex.Response.Body = &s
	ex.State = Retrieved
	return ex
}

func (r *Recorder) classify(ctx context.Context, ex *Exchange, err error) {
	var netErr net.Error
	switch {
	case ctx.Err() != nil,
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &netErr) && netErr.Timeout():
		ex.SetTimeout()
	default:
		ex.SetFailed("IO error: " + unwrapURLError(err).Error())
	}
}

func unwrapURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return unwrapURLError(err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%q is not an absolute URL", rawURL)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return nil
}
