package crawler

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cpacia/fdpindex/events"
	"github.com/cpacia/fdpindex/exchange"
	"github.com/cpacia/fdpindex/ratelimit"
	"github.com/cpacia/fdpindex/registry"
	"github.com/cpacia/fdpindex/repo"
	"github.com/cpacia/fdpindex/webhook"
)

func testConfig() *repo.Config {
	return &repo.Config{
		RateLimitPolicy:        "fixed",
		PingRateLimitHits:      2,
		PingRateLimitWindow:    time.Hour,
		DenyList:               repo.DefaultDenyList,
		ValidDuration:          time.Hour,
		NumWorkers:             2,
		HarvestQueue:           16,
		RetrievalTimeout:       time.Second * 5,
		RetrievalMaxBody:       exchange.DefaultMaxBody,
		WebhookWorkers:         1,
		WebhookQueue:           16,
		WebhookTimeout:         time.Second * 5,
		WebhookSignature:       "hmac-sha256",
		WebhookBackpressure:    "drop",
		RetrievalRateLimitWait: 0,
	}
}

func mockCrawler(t *testing.T, cfg *repo.Config) *Crawler {
	t.Helper()
	db, err := repo.NewDatabase("", repo.Dialect("test"))
	if err != nil {
		t.Fatal(err)
	}
	c, err := newCrawler(cfg, db, NewHTTPFetcher(exchange.NewRecorder(nil, cfg.RetrievalMaxBody)), NewValidator())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Stop() })
	return c
}

// mockPeer serves a self-description with the given content type.
func mockPeer(t *testing.T, status int, contentType, body string, delay time.Duration) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func ping(t *testing.T, c *Crawler, clientURL, remoteAddr string) *events.Event {
	t.Helper()
	ev, err := c.AcceptIncomingPing(Ping{ClientURL: clientURL}, remoteAddr, exchange.Request{Method: http.MethodPost, URL: "http://index.example/"})
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func listEvents(t *testing.T, c *Crawler, q events.Query) []*events.Event {
	t.Helper()
	evs, _, err := c.ledger.List(q)
	if err != nil {
		t.Fatal(err)
	}
	return evs
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
	t.Fatal("timed out waiting for condition")
}

func TestCrawler_AcceptIncomingPing(t *testing.T) {
	c := mockCrawler(t, testConfig())

	ev := ping(t, c, "https://fdp.example.org", "10.0.0.1")
	if ev.Type != events.ETIncomingPing {
		t.Fatalf("expected %s, got %s", events.ETIncomingPing, ev.Type)
	}
	payload := ev.Payload.(*events.IncomingPing)
	if !payload.NewEntry {
		t.Error("expected first ping to create the entry")
	}
	if payload.Exchange.Direction != exchange.Incoming || payload.Exchange.Response.Code != http.StatusNoContent {
		t.Errorf("unexpected exchange %+v", payload.Exchange)
	}
	if payload.Exchange.Request.Body == nil || *payload.Exchange.Request.Body != `{"clientUrl":"https://fdp.example.org"}` {
		t.Error("expected the ping body to be recorded")
	}

	entry, err := c.registry.GetByClientURL("https://fdp.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != registry.Unknown || entry.Permit != registry.Pending {
		t.Errorf("unexpected entry %+v", entry)
	}
	if ev.RelatedTo == nil || ev.RelatedTo.UUID != entry.UUID {
		t.Error("event is not related to the entry")
	}

	// A repeated ping from another address updates the same entry.
	ev2 := ping(t, c, "https://fdp.example.org", "10.0.0.2")
	if ev2.Payload.(*events.IncomingPing).NewEntry {
		t.Error("expected second ping to reuse the entry")
	}
	entries, total, err := c.registry.List(registry.Filter{Threshold: c.ValidThreshold()})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", total)
	}
	if len(listEvents(t, c, events.Query{RelatedTo: entry.UUID})) != 2 {
		t.Error("expected two ping events")
	}
	if len(c.workChan) != 2 {
		t.Errorf("expected two queued harvests, got %d", len(c.workChan))
	}
}

func TestCrawler_AutoPermit(t *testing.T) {
	cfg := testConfig()
	cfg.AutoPermit = true
	c := mockCrawler(t, cfg)

	ping(t, c, "https://fdp.example.org", "10.0.0.1")
	entry, err := c.registry.GetByClientURL("https://fdp.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Permit != registry.Accepted {
		t.Errorf("expected %s, got %s", registry.Accepted, entry.Permit)
	}
}

func TestCrawler_RejectedPingsLeaveNoTrace(t *testing.T) {
	c := mockCrawler(t, testConfig())

	tests := []struct {
		clientURL string
		err       error
	}{
		{"", ErrInvalidPing},
		{"not a url", ErrInvalidPing},
		{"/relative/path", ErrInvalidPing},
		{"ftp://fdp.example.org", ErrInvalidPing},
		{"http://localhost:8080/fdp", ErrPingDenied},
		{"https://localhost", ErrPingDenied},
	}
	for _, test := range tests {
		_, err := c.AcceptIncomingPing(Ping{ClientURL: test.clientURL}, "10.0.0.1", exchange.Request{})
		if !errors.Is(err, test.err) {
			t.Errorf("%q: expected %v, got %v", test.clientURL, test.err, err)
		}
	}
	if evs := listEvents(t, c, events.Query{}); len(evs) != 0 {
		t.Errorf("expected no events, got %d", len(evs))
	}
	if _, total, _ := c.registry.List(registry.Filter{}); total != 0 {
		t.Errorf("expected no entries, got %d", total)
	}
}

func TestCrawler_PingRateLimit(t *testing.T) {
	c := mockCrawler(t, testConfig())

	now := time.Now()
	clock := func() time.Time { return now }
	var err error
	c.ipLimiter, err = ratelimit.New(ratelimit.Fixed, 2, time.Hour, ratelimit.WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	c.urlLimiter, err = ratelimit.New(ratelimit.Fixed, 2, time.Hour, ratelimit.WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}

	ping(t, c, "https://a.example.org", "10.0.0.1")
	ping(t, c, "https://b.example.org", "10.0.0.1")
	if _, err := c.AcceptIncomingPing(Ping{ClientURL: "https://c.example.org"}, "10.0.0.1", exchange.Request{}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected source address to be limited, got %v", err)
	}

	// The client URL is limited independent of the source address.
	ping(t, c, "https://a.example.org", "10.0.0.2")
	if _, err := c.AcceptIncomingPing(Ping{ClientURL: "https://a.example.org"}, "10.0.0.3", exchange.Request{}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected client url to be limited, got %v", err)
	}

	if evs := listEvents(t, c, events.Query{}); len(evs) != 3 {
		t.Fatalf("expected three events, got %d", len(evs))
	}

	now = now.Add(time.Hour + time.Second)
	ping(t, c, "https://c.example.org", "10.0.0.1")
}

func TestCrawler_SeparatePingRateLimits(t *testing.T) {
	cfg := testConfig()
	cfg.IPRateLimitHits = 1
	cfg.URLRateLimitHits = 3
	c := mockCrawler(t, cfg)

	ping(t, c, "https://a.example.org", "10.0.0.1")
	if _, err := c.AcceptIncomingPing(Ping{ClientURL: "https://b.example.org"}, "10.0.0.1", exchange.Request{}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected source address to be limited after one ping, got %v", err)
	}

	ping(t, c, "https://a.example.org", "10.0.0.2")
	ping(t, c, "https://a.example.org", "10.0.0.3")
	if _, err := c.AcceptIncomingPing(Ping{ClientURL: "https://a.example.org"}, "10.0.0.4", exchange.Request{}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected client url to be limited after three pings, got %v", err)
	}
}

func TestCrawler_Harvest(t *testing.T) {
	const jsonld = `{"@id": "https://repo.example.org", "metadataVersion": "1.2", "title": "Repository"}`

	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		state       registry.State
		exState     exchange.State
		metadata    bool
	}{
		{"valid json-ld", http.StatusOK, "application/ld+json", jsonld, registry.Valid, exchange.Retrieved, true},
		{"valid turtle", http.StatusOK, "text/turtle; charset=utf-8", "<%s> a <http://www.w3.org/ns/dcat#Resource> .", registry.Valid, exchange.Retrieved, true},
		{"malformed json", http.StatusOK, "application/json", "{", registry.Invalid, exchange.Retrieved, false},
		{"unsupported type", http.StatusOK, "text/plain", "hello", registry.Invalid, exchange.Retrieved, false},
		{"server error", http.StatusInternalServerError, "text/plain", "oops", registry.Unreachable, exchange.Retrieved, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := mockCrawler(t, testConfig())
			var server *httptest.Server
			server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", test.contentType)
				w.WriteHeader(test.status)
				w.Write([]byte(strings.Replace(test.body, "%s", server.URL, 1)))
			}))
			defer server.Close()

			ping(t, c, server.URL, "10.0.0.1")
			ev, err := c.Harvest(server.URL, false)
			if err != nil {
				t.Fatal(err)
			}

			payload := ev.Payload.(*events.MetadataRetrieval)
			if payload.State != string(test.state) {
				t.Fatalf("expected %s, got %s (%s)", test.state, payload.State, payload.Error)
			}
			if payload.Exchange.State != test.exState {
				t.Errorf("expected exchange %s, got %s", test.exState, payload.Exchange.State)
			}
			if test.state != registry.Valid && payload.Error == "" {
				t.Error("expected an error message")
			}

			entry, err := c.registry.GetByClientURL(server.URL)
			if err != nil {
				t.Fatal(err)
			}
			if entry.State != test.state {
				t.Errorf("expected entry state %s, got %s", test.state, entry.State)
			}
			if entry.LastRetrievalAt.IsZero() {
				t.Error("expected last retrieval to be set")
			}
			if (entry.Metadata != "") != test.metadata {
				t.Errorf("unexpected metadata %q", entry.Metadata)
			}
			if test.name == "valid json-ld" && (entry.RepositoryURI != "https://repo.example.org" || entry.MetadataVersion != "1.2") {
				t.Errorf("unexpected repository fields %+v", entry)
			}

			retrievals := listEvents(t, c, events.Query{RelatedTo: entry.UUID, Types: []events.Type{events.ETMetadataRetrieval}})
			if len(retrievals) != 1 {
				t.Fatalf("expected one retrieval event, got %d", len(retrievals))
			}
		})
	}
}

func TestCrawler_HarvestTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RetrievalTimeout = time.Millisecond * 50
	c := mockCrawler(t, cfg)

	server := mockPeer(t, http.StatusOK, "application/json", "{}", time.Second*5)
	ping(t, c, server.URL, "10.0.0.1")

	ev, err := c.Harvest(server.URL, false)
	if err != nil {
		t.Fatal(err)
	}
	payload := ev.Payload.(*events.MetadataRetrieval)
	if payload.State != string(registry.Unreachable) {
		t.Errorf("expected %s, got %s", registry.Unreachable, payload.State)
	}
	if payload.Exchange.State != exchange.Timeout || payload.Error != "Timeout" {
		t.Errorf("expected a timed out exchange, got %s: %s", payload.Exchange.State, payload.Error)
	}
	if n := len(listEvents(t, c, events.Query{Types: []events.Type{events.ETMetadataRetrieval}})); n != 1 {
		t.Errorf("expected one retrieval event, got %d", n)
	}
}

func TestCrawler_HarvestKeepsMetadataOnFailure(t *testing.T) {
	c := mockCrawler(t, testConfig())

	var (
		mtx  sync.Mutex
		fail bool
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mtx.Lock()
		defer mtx.Unlock()
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"repositoryUri": "https://repo.example.org"}`))
	}))
	defer server.Close()

	ping(t, c, server.URL, "10.0.0.1")
	if _, err := c.Harvest(server.URL, false); err != nil {
		t.Fatal(err)
	}
	mtx.Lock()
	fail = true
	mtx.Unlock()
	if _, err := c.Harvest(server.URL, false); err != nil {
		t.Fatal(err)
	}

	entry, err := c.registry.GetByClientURL(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != registry.Unreachable {
		t.Errorf("expected %s, got %s", registry.Unreachable, entry.State)
	}
	if entry.RepositoryURI != "https://repo.example.org" {
		t.Error("expected metadata of the last valid harvest to be kept")
	}
}

func TestCrawler_HarvestOversizedBody(t *testing.T) {
	cfg := testConfig()
	cfg.RetrievalMaxBody = 64
	c := mockCrawler(t, cfg)

	body := `{"@id": "https://repo.example.org", "title": "` + strings.Repeat("x", 200) + `"}`
	server := mockPeer(t, http.StatusOK, "application/json", body, 0)
	ping(t, c, server.URL, "10.0.0.1")

	ev, err := c.Harvest(server.URL, false)
	if err != nil {
		t.Fatal(err)
	}
	payload := ev.Payload.(*events.MetadataRetrieval)
	if payload.State != string(registry.Invalid) {
		t.Fatalf("expected %s, got %s", registry.Invalid, payload.State)
	}
	if !strings.Contains(payload.Error, "too large") {
		t.Errorf("expected a size error, got %q", payload.Error)
	}
	if !payload.Exchange.Response.Truncated || len(*payload.Exchange.Response.Body) != 64 {
		t.Error("expected the recorded body to be capped and marked truncated")
	}
}

func TestCrawler_HarvestAbortedByShutdown(t *testing.T) {
	c := mockCrawler(t, testConfig())

	var (
		mtx  sync.Mutex
		slow bool
	)
	requested := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mtx.Lock()
		s := slow
		mtx.Unlock()
		if s {
			requested <- struct{}{}
			<-r.Context().Done()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"repositoryUri": "https://repo.example.org"}`))
	}))
	defer server.Close()

	ping(t, c, server.URL, "10.0.0.1")
	if _, err := c.Harvest(server.URL, false); err != nil {
		t.Fatal(err)
	}

	mtx.Lock()
	slow = true
	mtx.Unlock()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Harvest(server.URL, true)
		errCh <- err
	}()
	select {
	case <-requested:
	case <-time.After(time.Second * 5):
		t.Fatal("timed out waiting for the retrieval")
	}
	c.cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrShuttingDown) {
			t.Fatalf("expected ErrShuttingDown, got %v", err)
		}
	case <-time.After(time.Second * 5):
		t.Fatal("harvest did not return after cancel")
	}

	entry, err := c.registry.GetByClientURL(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != registry.Valid {
		t.Errorf("expected entry to stay %s, got %s", registry.Valid, entry.State)
	}
	if n := len(listEvents(t, c, events.Query{Types: []events.Type{events.ETMetadataRetrieval}})); n != 1 {
		t.Errorf("expected only the first retrieval event, got %d", n)
	}
}

func TestCrawler_HarvestUnknownEntry(t *testing.T) {
	c := mockCrawler(t, testConfig())
	server := mockPeer(t, http.StatusOK, "application/json", "{}", 0)

	if _, err := c.Harvest(server.URL, false); !errors.Is(err, registry.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
	if evs := listEvents(t, c, events.Query{}); len(evs) != 0 {
		t.Errorf("expected no events, got %d", len(evs))
	}
}

func TestCrawler_RetrievalRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RetrievalRateLimitWait = time.Hour
	c := mockCrawler(t, cfg)

	server := mockPeer(t, http.StatusOK, "application/json", "{}", 0)
	ping(t, c, server.URL, "10.0.0.1")

	c.processJob(&job{ClientURL: server.URL})
	c.processJob(&job{ClientURL: server.URL})

	q := events.Query{Types: []events.Type{events.ETMetadataRetrieval}}
	if n := len(listEvents(t, c, q)); n != 1 {
		t.Fatalf("expected the second harvest to be skipped, got %d retrievals", n)
	}

	c.processJob(&job{ClientURL: server.URL, Forced: true})
	evs := listEvents(t, c, q)
	if len(evs) != 2 {
		t.Fatalf("expected a forced harvest to bypass the limit, got %d retrievals", len(evs))
	}
	if !evs[1].Payload.(*events.MetadataRetrieval).Forced {
		t.Error("expected the retrieval to be marked forced")
	}
}

func TestCrawler_TriggerAllWithoutEntries(t *testing.T) {
	c := mockCrawler(t, testConfig())

	ev, err := c.TriggerAll("10.0.0.9")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != events.ETAdminTrigger || ev.RelatedTo != nil {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Payload.(*events.AdminTrigger).ClientURL != nil {
		t.Error("expected no client url")
	}

	evs := listEvents(t, c, events.Query{})
	if len(evs) != 1 || evs[0].UUID != ev.UUID {
		t.Fatalf("expected only the trigger event, got %d events", len(evs))
	}
	if len(c.workChan) != 0 {
		t.Error("expected no harvest to be scheduled")
	}
}

func TestCrawler_TriggerAll(t *testing.T) {
	c := mockCrawler(t, testConfig())
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}

	server := mockPeer(t, http.StatusOK, "application/json", "{}", 0)
	ping(t, c, server.URL, "10.0.0.1")
	waitFor(t, time.Second*5, func() bool {
		return len(listEvents(t, c, events.Query{Types: []events.Type{events.ETMetadataRetrieval}})) == 1
	})

	if _, err := c.TriggerAll("10.0.0.9"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second*5, func() bool {
		evs := listEvents(t, c, events.Query{Types: []events.Type{events.ETMetadataRetrieval}})
		return len(evs) == 2 && evs[1].Payload.(*events.MetadataRetrieval).Forced
	})
}

func TestCrawler_Trigger(t *testing.T) {
	c := mockCrawler(t, testConfig())

	if _, err := c.Trigger("https://unknown.example.org", "10.0.0.9"); !errors.Is(err, registry.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
	if evs := listEvents(t, c, events.Query{}); len(evs) != 0 {
		t.Fatalf("expected no events, got %d", len(evs))
	}

	ping(t, c, "https://fdp.example.org", "10.0.0.1")
	ev, err := c.Trigger("https://fdp.example.org", "10.0.0.9")
	if err != nil {
		t.Fatal(err)
	}
	payload := ev.Payload.(*events.AdminTrigger)
	if payload.ClientURL == nil || *payload.ClientURL != "https://fdp.example.org" {
		t.Error("expected the client url in the payload")
	}
	if ev.RelatedTo == nil || ev.RelatedTo.ClientURL != "https://fdp.example.org" {
		t.Error("expected the event to be related to the entry")
	}
}

func TestCrawler_TriggerAfterStop(t *testing.T) {
	c := mockCrawler(t, testConfig())
	ping(t, c, "https://fdp.example.org", "10.0.0.1")

	// Stop the crawler the way Stop begins, leaving the db open.
	c.stopOnce.Do(func() {
		close(c.shutdown)
		c.cancel()
	})

	if _, err := c.TriggerAll("10.0.0.9"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
	if _, err := c.Trigger("https://fdp.example.org", "10.0.0.9"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
	if n := len(listEvents(t, c, events.Query{Types: []events.Type{events.ETAdminTrigger}})); n != 0 {
		t.Errorf("expected no trigger events, got %d", n)
	}
}

func TestCrawler_Subscribe(t *testing.T) {
	c := mockCrawler(t, testConfig())

	sub, err := c.Subscribe()
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	ev := ping(t, c, "https://fdp.example.org", "10.0.0.1")

	select {
	case got := <-sub.Out:
		if got.UUID != ev.UUID {
			t.Fatalf("expected %s, got %s", ev.UUID, got.UUID)
		}
	case <-time.After(time.Second * 5):
		t.Fatal("Timed out waiting on subscription")
	}

	sub.Close()
	ping(t, c, "https://fdp2.example.org", "10.0.0.1")
	select {
	case <-sub.Out:
		t.Fatal("closed subscription received an event")
	case <-time.After(time.Millisecond * 50):
	}
}

func TestCrawler_WebhookDelivery(t *testing.T) {
	type delivery struct {
		Event events.Type `json:"event"`
		UUID  string      `json:"uuid"`
	}
	var (
		mtx      sync.Mutex
		bodies   []delivery
		verified []bool
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := ioutil.ReadAll(r.Body)
		var body delivery
		json.Unmarshal(b, &body)
		mtx.Lock()
		bodies = append(bodies, body)
		verified = append(verified, webhook.Verify("s3cret", b, r.Header.Get(webhook.SignatureHeader)))
		mtx.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	c := mockCrawler(t, testConfig())
	err := c.Webhooks().Create(&webhook.Webhook{
		PayloadURL: receiver.URL,
		Secret:     "s3cret",
		Events:     []events.Type{events.ETMetadataRetrieval},
		AllEntries: true,
		Enabled:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}

	peer := mockPeer(t, http.StatusOK, "application/ld+json", `{"@id": "https://repo.example.org"}`, 0)
	ping(t, c, peer.URL, "10.0.0.1")

	count := func() int {
		mtx.Lock()
		defer mtx.Unlock()
		return len(bodies)
	}
	waitFor(t, time.Second*5, func() bool { return count() == 1 })
	time.Sleep(time.Millisecond * 100)
	if count() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", count())
	}

	mtx.Lock()
	defer mtx.Unlock()
	if bodies[0].Event != events.ETMetadataRetrieval {
		t.Errorf("expected %s, got %s", events.ETMetadataRetrieval, bodies[0].Event)
	}
	if !verified[0] {
		t.Error("delivery signature does not verify")
	}
}

func TestValidator(t *testing.T) {
	v := NewValidator()
	const clientURL = "https://fdp.example.org"

	tests := []struct {
		contentType string
		body        string
		valid       bool
		repoURI     string
		version     string
	}{
		{"application/json", `{"repositoryUri": "https://r.example.org", "version": "2"}`, true, "https://r.example.org", "2"},
		{"application/ld+json", `{"@id": "https://r.example.org", "hasVersion": "3"}`, true, "https://r.example.org", "3"},
		{"application/vnd.fdp+json", `{}`, true, clientURL, ""},
		{"application/json", `[1, 2]`, false, "", ""},
		{"application/json", ``, false, "", ""},
		{"text/turtle", `<https://fdp.example.org> a <http://example.org/Thing> .`, true, clientURL, ""},
		{"text/turtle", `<https://other.example.org> a <http://example.org/Thing> .`, false, "", ""},
		{"text/html", `<html></html>`, false, "", ""},
		{";;;", `{}`, false, "", ""},
	}
	for i, test := range tests {
		md, err := v.Validate(clientURL, test.contentType, []byte(test.body))
		if test.valid != (err == nil) {
			t.Errorf("test %d: expected valid=%t, got %v", i, test.valid, err)
			continue
		}
		if !test.valid {
			continue
		}
		if md.RepositoryURI != test.repoURI || md.MetadataVersion != test.version {
			t.Errorf("test %d: unexpected metadata %+v", i, md)
		}
	}
}
