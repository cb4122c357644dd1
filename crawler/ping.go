package crawler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cpacia/fdpindex/events"
	"github.com/cpacia/fdpindex/exchange"
	"github.com/cpacia/fdpindex/metrics"
	"github.com/jinzhu/gorm"
)

// Ping is the announcement a peer posts to the index.
type Ping struct {
	ClientURL string `json:"clientUrl"`
}

// ValidateClientURL checks that s is an absolute http or https URL.
func ValidateClientURL(s string) error {
	if s == "" {
		return fmt.Errorf("%w: clientUrl is required", ErrInvalidPing)
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPing, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: clientUrl must be an absolute URL", ErrInvalidPing)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: clientUrl must use http or https", ErrInvalidPing)
	}
	return nil
}

// AcceptIncomingPing records a ping from remoteAddr and schedules a
// harvest of the announced URL. req is the captured inbound request; its
// body is replaced by the serialized ping.
//
// Invalid, denied and rate limited pings leave no trace in the ledger.
func (c *Crawler) AcceptIncomingPing(ping Ping, remoteAddr string, req exchange.Request) (*events.Event, error) {
	if err := ValidateClientURL(ping.ClientURL); err != nil {
		metrics.Pings.WithLabelValues("invalid").Inc()
		return nil, err
	}
	for _, re := range c.denyList {
		if re.MatchString(ping.ClientURL) {
			log.Debugf("Denied ping for %s from %s", ping.ClientURL, remoteAddr)
			metrics.Pings.WithLabelValues("denied").Inc()
			return nil, ErrPingDenied
		}
	}
	if !c.ipLimiter.Allow(remoteAddr) || !c.urlLimiter.Allow(ping.ClientURL) {
		log.Debugf("Rate limited ping for %s from %s", ping.ClientURL, remoteAddr)
		metrics.Pings.WithLabelValues("rate_limited").Inc()
		return nil, ErrRateLimited
	}

	ex := exchange.NewIncoming(remoteAddr)
	ex.Request = req
	if ex.Request.Headers == nil {
		ex.Request.Headers = map[string][]string{}
	}
	ex.Request.Body = nil
	if body, err := json.Marshal(ping); err == nil {
		s := string(body)
		ex.Request.Body = &s
	}
	ex.Response.Code = http.StatusNoContent
	ex.State = exchange.Retrieved

	ev, err := c.ledger.AppendWith(func(tx *gorm.DB) (*events.Event, error) {
		entry, created, err := c.registry.UpsertTx(tx, ping.ClientURL, c.now())
		if err != nil {
			return nil, err
		}
		return events.New(&events.IncomingPing{
			Exchange: ex,
			NewEntry: created,
		}, &events.EntryRef{UUID: entry.UUID, ClientURL: entry.ClientURL}), nil
	})
	if err != nil {
		metrics.Pings.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.Pings.WithLabelValues("accepted").Inc()

	c.enqueue(&job{ClientURL: ping.ClientURL})
	return ev, nil
}
