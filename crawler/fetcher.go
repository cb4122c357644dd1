package crawler

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/cpacia/fdpindex/exchange"
	"github.com/tidwall/gjson"
)

// acceptHeader lists the self-description formats we can validate.
const acceptHeader = "text/turtle, application/ld+json;q=0.9, application/json;q=0.8"

// Fetcher retrieves the self-description of a peer. It never returns an
// error: failures are classified into the exchange state.
type Fetcher interface {
	Fetch(ctx context.Context, clientURL string, timeout time.Duration) *exchange.Exchange
}

// Metadata is what a valid self-description yields.
type Metadata struct {
	RepositoryURI   string
	MetadataVersion string
	Content         string
}

// Validator checks a retrieved self-description.
type Validator interface {
	Validate(clientURL, contentType string, body []byte) (*Metadata, error)
}

type httpFetcher struct {
	recorder *exchange.Recorder
}

// NewHTTPFetcher returns a Fetcher issuing GET requests through recorder.
func NewHTTPFetcher(recorder *exchange.Recorder) Fetcher {
	return &httpFetcher{recorder: recorder}
}

func (f *httpFetcher) Fetch(ctx context.Context, clientURL string, timeout time.Duration) *exchange.Exchange {
	header := http.Header{}
	header.Set("Accept", acceptHeader)
	return f.recorder.Do(ctx, http.MethodGet, clientURL, header, nil, timeout)
}

type defaultValidator struct{}

// NewValidator returns the default validator. JSON and JSON-LD documents
// must be objects; the repository URI is read from repositoryUri, @id or
// uri and the version from metadataVersion, version or hasVersion. Turtle
// documents must mention the client URL as an IRI. Anything else is
// invalid.
func NewValidator() Validator {
	return defaultValidator{}
}

func (defaultValidator) Validate(clientURL, contentType string, body []byte) (*Metadata, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil && contentType != "" {
		return nil, fmt.Errorf("invalid content type %q", contentType)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, errors.New("empty self-description")
	}

	switch {
	case mediaType == "text/turtle":
		if !strings.Contains(string(body), "<"+clientURL+">") {
			return nil, fmt.Errorf("self-description does not describe %s", clientURL)
		}
		return &Metadata{
			RepositoryURI: clientURL,
			Content:       string(body),
		}, nil
	case mediaType == "application/json", mediaType == "application/ld+json", strings.HasSuffix(mediaType, "+json"):
		if !gjson.ValidBytes(body) {
			return nil, errors.New("malformed JSON self-description")
		}
		doc := gjson.ParseBytes(body)
		if !doc.IsObject() {
			return nil, errors.New("self-description is not a JSON object")
		}
		md := &Metadata{
			RepositoryURI: clientURL,
			Content:       string(body),
		}
		if r := firstString(doc, "repositoryUri", "@id", "uri"); r != "" {
			md.RepositoryURI = r
		}
		md.MetadataVersion = firstString(doc, "metadataVersion", "version", "hasVersion")
		return md, nil
	}
	return nil, fmt.Errorf("unsupported content type %q", contentType)
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		// @ starts a gjson modifier, escape it.
		v := doc.Get(strings.Replace(p, "@", `\@`, 1))
		if v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
