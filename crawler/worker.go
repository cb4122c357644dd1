package crawler

import (
	"errors"
	"fmt"
	"time"

	"github.com/cpacia/fdpindex/events"
	"github.com/cpacia/fdpindex/exchange"
	"github.com/cpacia/fdpindex/metrics"
	"github.com/cpacia/fdpindex/registry"
	"github.com/jinzhu/gorm"
)

type job struct {
	ClientURL string

	// Forced jobs come from an administrator and bypass the retrieval
	// rate limit.
	Forced bool
}

// enqueue hands a job to the workers without blocking. A job that does not
// fit is dropped; the next ping or trigger schedules it again.
func (c *Crawler) enqueue(j *job) bool {
	select {
	case c.workChan <- j:
		return true
	default:
		log.Warningf("Harvest queue full, dropping harvest of %s", j.ClientURL)
		metrics.HarvestsSkipped.WithLabelValues("queue_full").Inc()
		return false
	}
}

func (c *Crawler) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.shutdown:
			return
		case j := <-c.workChan:
			c.processJob(j)
		}
	}
}

func (c *Crawler) processJob(j *job) {
	if !j.Forced && c.retrievalLimiter != nil && !c.retrievalLimiter.Allow(j.ClientURL) {
		log.Debugf("Skipping harvest of %s, retrieved too recently", j.ClientURL)
		metrics.HarvestsSkipped.WithLabelValues("rate_limited").Inc()
		return
	}
	if _, err := c.Harvest(j.ClientURL, j.Forced); err != nil && !errors.Is(err, ErrShuttingDown) {
		log.Errorf("Error harvesting %s: %s", j.ClientURL, err)
	}
}

// Harvest retrieves and validates the self-description of clientURL,
// writes the outcome to the registry and appends a METADATA_RETRIEVAL
// event in the same transaction. Harvests of one client URL are
// serialized. Retrieval failures are not errors, they are recorded. A
// harvest cut short by shutdown writes nothing and returns ErrShuttingDown.
func (c *Crawler) Harvest(clientURL string, forced bool) (*events.Event, error) {
	unlock := c.registry.Lock(clientURL)
	defer unlock()

	log.Debugf("Starting harvest of %s", clientURL)
	start := time.Now()

	ex := c.fetcher.Fetch(c.ctx, clientURL, c.cfg.RetrievalTimeout)
	if c.ctx.Err() != nil {
		// Cut short by shutdown, the peer was never judged.
		log.Debugf("Harvest of %s aborted by shutdown", clientURL)
		return nil, ErrShuttingDown
	}
	outcome, errMsg := c.classify(clientURL, ex)
	outcome.RetrievedAt = c.now()

	ev, err := c.ledger.AppendWith(func(tx *gorm.DB) (*events.Event, error) {
		entry, err := c.registry.ApplyHarvestTx(tx, clientURL, outcome)
		if err != nil {
			return nil, err
		}
		return events.New(&events.MetadataRetrieval{
			ClientURL: clientURL,
			State:     string(outcome.State),
			Error:     errMsg,
			Forced:    forced,
			Exchange:  ex,
		}, &events.EntryRef{UUID: entry.UUID, ClientURL: entry.ClientURL}), nil
	})
	if err != nil {
		return nil, err
	}
	metrics.Harvests.WithLabelValues(string(outcome.State)).Inc()
	log.Infof("Harvest of %s finished in %s: %s", clientURL, time.Since(start), outcome.State)
	return ev, nil
}

// classify maps a retrieval exchange to an entry state. The message
// explains any state other than VALID.
func (c *Crawler) classify(clientURL string, ex *exchange.Exchange) (registry.Outcome, string) {
	switch ex.State {
	case exchange.Timeout, exchange.Failed:
		return registry.Outcome{State: registry.Unreachable}, ex.Error
	case exchange.Requested:
		return registry.Outcome{State: registry.Unreachable}, "no response"
	case exchange.Retrieved:
	}

	if !ex.Succeeded() {
		return registry.Outcome{State: registry.Unreachable}, fmt.Sprintf("unexpected status code %d", ex.Response.Code)
	}

	var contentType string
	if v := ex.Response.Headers["Content-Type"]; len(v) > 0 {
		contentType = v[0]
	}
	var body []byte
	if ex.Response.Body != nil {
		body = []byte(*ex.Response.Body)
	}
	if ex.Response.Truncated {
		return registry.Outcome{State: registry.Invalid}, fmt.Sprintf("self-description too large, exceeds %d bytes", len(body))
	}
	md, err := c.validator.Validate(clientURL, contentType, body)
	if err != nil {
		return registry.Outcome{State: registry.Invalid}, err.Error()
	}
	return registry.Outcome{
		State:           registry.Valid,
		RepositoryURI:   md.RepositoryURI,
		MetadataVersion: md.MetadataVersion,
		Metadata:        md.Content,
	}, ""
}
