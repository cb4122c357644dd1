package crawler

import (
	"context"
	"fmt"
	mrand "math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/cpacia/fdpindex/events"
	"github.com/cpacia/fdpindex/exchange"
	"github.com/cpacia/fdpindex/ratelimit"
	"github.com/cpacia/fdpindex/registry"
	"github.com/cpacia/fdpindex/repo"
	"github.com/cpacia/fdpindex/rpc"
	"github.com/cpacia/fdpindex/webhook"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("CRWLR")

// recheckBatch is how many stale entries one recheck tick enqueues.
const recheckBatch = 10

// Crawler ties the index together: it accepts pings, harvests peers on a
// pool of workers and fans events out to webhooks and subscribers.
type Crawler struct {
	cfg        *repo.Config
	db         *repo.Database
	ledger     *events.Ledger
	registry   *registry.Registry
	webhooks   *webhook.Store
	dispatcher *webhook.Dispatcher
	fetcher    Fetcher
	validator  Validator

	ipLimiter        ratelimit.Limiter
	urlLimiter       ratelimit.Limiter
	retrievalLimiter ratelimit.Limiter
	denyList         []*regexp.Regexp

	workChan chan *job
	subs     map[uint64]*rpc.Subscription
	subMtx   sync.RWMutex
	grpc     *grpcServer

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	stopOnce sync.Once
	stopMtx  sync.Mutex
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewCrawler opens the database described by cfg and builds a crawler
// harvesting over HTTP.
func NewCrawler(cfg *repo.Config) (*Crawler, error) {
	db, err := repo.OpenDatabase(cfg)
	if err != nil {
		return nil, err
	}
	fetcher := NewHTTPFetcher(exchange.NewRecorder(nil, cfg.RetrievalMaxBody))
	return newCrawler(cfg, db, fetcher, NewValidator())
}

func newCrawler(cfg *repo.Config, db *repo.Database, fetcher Fetcher, validator Validator) (*Crawler, error) {
	policy, err := ratelimit.ParsePolicy(cfg.RateLimitPolicy)
	if err != nil {
		return nil, err
	}
	hits, window := cfg.IPRateLimit()
	ipLimiter, err := ratelimit.New(policy, hits, window)
	if err != nil {
		return nil, err
	}
	hits, window = cfg.URLRateLimit()
	urlLimiter, err := ratelimit.New(policy, hits, window)
	if err != nil {
		return nil, err
	}
	var retrievalLimiter ratelimit.Limiter
	if cfg.RetrievalRateLimitWait > 0 {
		retrievalLimiter, err = ratelimit.New(ratelimit.Fixed, 1, cfg.RetrievalRateLimitWait)
		if err != nil {
			return nil, err
		}
	}

	var denyList []*regexp.Regexp
	for _, expr := range cfg.DenyList {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("deny list: %w", err)
		}
		denyList = append(denyList, re)
	}

	signer, err := webhook.NewSigner(cfg.WebhookSignature)
	if err != nil {
		return nil, err
	}

	defaultPermit := registry.Pending
	if cfg.AutoPermit {
		defaultPermit = registry.Accepted
	}

	ctx, cancel := context.WithCancel(context.Background())
	ledger := events.NewLedger(db)
	store := webhook.NewStore(db)
	crawler := &Crawler{
		cfg:       cfg,
		db:        db,
		ledger:    ledger,
		registry:  registry.New(db, defaultPermit),
		webhooks:  store,
		fetcher:   fetcher,
		validator: validator,
		dispatcher: webhook.NewDispatcher(store, ledger, exchange.NewRecorder(nil, 0), webhook.Config{
			Workers:      cfg.WebhookWorkers,
			QueueSize:    cfg.WebhookQueue,
			Timeout:      cfg.WebhookTimeout,
			Signer:       signer,
			Backpressure: webhook.Backpressure(cfg.WebhookBackpressure),
		}),
		ipLimiter:        ipLimiter,
		urlLimiter:       urlLimiter,
		retrievalLimiter: retrievalLimiter,
		denyList:         denyList,
		workChan:         make(chan *job, cfg.HarvestQueue),
		subs:             make(map[uint64]*rpc.Subscription),
		ctx:              ctx,
		cancel:           cancel,
		shutdown:         make(chan struct{}),
		now:              time.Now,
	}

	// Order matters: webhooks see an event before live subscribers do.
	ledger.Listen(crawler.dispatcher.Trigger)
	ledger.Listen(crawler.notifySubscribers)
	return crawler, nil
}

// Ledger returns the event ledger.
func (c *Crawler) Ledger() *events.Ledger {
	return c.ledger
}

// Registry returns the entry registry.
func (c *Crawler) Registry() *registry.Registry {
	return c.registry
}

// Webhooks returns the webhook store.
func (c *Crawler) Webhooks() *webhook.Store {
	return c.webhooks
}

// PingWebhook sends a test delivery to the webhook.
func (c *Crawler) PingWebhook(webhookUUID, remoteAddr string) (*events.Event, error) {
	return c.dispatcher.Ping(webhookUUID, remoteAddr)
}

// ValidThreshold is the time after which a VALID entry must have been
// retrieved to be reported as ACTIVE.
func (c *Crawler) ValidThreshold() time.Time {
	return c.now().Add(-c.cfg.ValidDuration)
}

// Subscribe returns a subscription receiving every appended event. Events
// are dropped for a subscriber that does not keep up.
func (c *Crawler) Subscribe() (*rpc.Subscription, error) {
	i := mrand.Uint64()
	sub := &rpc.Subscription{
		Out: make(chan *events.Event, 32),
		Close: func() error {
			c.subMtx.Lock()
			defer c.subMtx.Unlock()

			delete(c.subs, i)
			return nil
		},
	}

	c.subMtx.Lock()
	defer c.subMtx.Unlock()

	c.subs[i] = sub

	return sub, nil
}

func (c *Crawler) notifySubscribers(ev *events.Event) {
	c.subMtx.RLock()
	defer c.subMtx.RUnlock()

	for _, sub := range c.subs {
		select {
		case sub.Out <- ev:
		default:
			log.Warningf("Subscriber is not keeping up, dropping event %s", ev.UUID)
		}
	}
}

// TriggerAll records an ADMIN_TRIGGER event and schedules a forced
// harvest of every entry.
func (c *Crawler) TriggerAll(remoteAddr string) (*events.Event, error) {
	if !c.track() {
		return nil, ErrShuttingDown
	}
	ev := events.New(&events.AdminTrigger{RemoteAddr: remoteAddr}, nil)
	if err := c.ledger.Append(ev); err != nil {
		c.wg.Done()
		return nil, err
	}

	entries, err := c.registry.All()
	if err != nil {
		c.wg.Done()
		return nil, err
	}
	log.Infof("Admin %s triggered a harvest of %d entries", remoteAddr, len(entries))
	if len(entries) == 0 {
		c.wg.Done()
		return ev, nil
	}
	go func() {
		defer c.wg.Done()
		for _, e := range entries {
			select {
			case c.workChan <- &job{ClientURL: e.ClientURL, Forced: true}:
			case <-c.shutdown:
				return
			}
		}
	}()
	return ev, nil
}

// Trigger records an ADMIN_TRIGGER event for one entry and schedules a
// forced harvest of it.
func (c *Crawler) Trigger(clientURL, remoteAddr string) (*events.Event, error) {
	if !c.track() {
		return nil, ErrShuttingDown
	}
	entry, err := c.registry.GetByClientURL(clientURL)
	if err != nil {
		c.wg.Done()
		return nil, err
	}
	u := entry.ClientURL
	ev := events.New(&events.AdminTrigger{ClientURL: &u, RemoteAddr: remoteAddr},
		&events.EntryRef{UUID: entry.UUID, ClientURL: entry.ClientURL})
	if err := c.ledger.Append(ev); err != nil {
		c.wg.Done()
		return nil, err
	}
	log.Infof("Admin %s triggered a harvest of %s", remoteAddr, clientURL)
	go func() {
		defer c.wg.Done()
		select {
		case c.workChan <- &job{ClientURL: entry.ClientURL, Forced: true}:
		case <-c.shutdown:
		}
	}()
	return ev, nil
}

// track adds one to the wait group unless the crawler is stopping, so
// Add never races Stop's Wait.
func (c *Crawler) track() bool {
	c.stopMtx.Lock()
	defer c.stopMtx.Unlock()
	select {
	case <-c.shutdown:
		return false
	default:
	}
	c.wg.Add(1)
	return true
}

// Start launches the harvest workers, the webhook dispatcher, the
// maintenance loop and, if configured, the gRPC server.
func (c *Crawler) Start() error {
	c.dispatcher.Start()
	for i := 0; i < int(c.cfg.NumWorkers); i++ {
		c.wg.Add(1)
		go c.worker()
	}

	c.wg.Add(1)
	go c.maintenance()

	if c.cfg.GrpcListener != "" {
		netAddrs, err := parseListeners([]string{c.cfg.GrpcListener})
		if err != nil {
			return err
		}
		server, err := newGrpcServer(netAddrs, c, c.cfg)
		if err != nil {
			return err
		}
		c.grpc = server
	}
	return nil
}

func (c *Crawler) maintenance() {
	defer c.wg.Done()

	cleanupTicker := time.NewTicker(c.cleanupInterval())
	defer cleanupTicker.Stop()

	var recheck <-chan time.Time
	if c.cfg.RecheckInterval > 0 {
		recheckTicker := time.NewTicker(c.cfg.RecheckInterval)
		defer recheckTicker.Stop()
		recheck = recheckTicker.C
	}

	for {
		select {
		case <-cleanupTicker.C:
			c.ipLimiter.Cleanup()
			c.urlLimiter.Cleanup()
			if c.retrievalLimiter != nil {
				c.retrievalLimiter.Cleanup()
			}
		case <-recheck:
			c.recheckStale()
		case <-c.shutdown:
			return
		}
	}
}

func (c *Crawler) cleanupInterval() time.Duration {
	d := c.cfg.PingRateLimitWindow
	if d <= 0 || d > time.Hour {
		d = time.Hour
	}
	return d
}

func (c *Crawler) recheckStale() {
	entries, err := c.registry.Stale(c.ValidThreshold(), recheckBatch)
	if err != nil {
		log.Errorf("Error loading stale entries: %s", err)
		return
	}
	for _, e := range entries {
		c.enqueue(&job{ClientURL: e.ClientURL})
	}
}

// Stop shuts the workers down and cancels in-flight retrievals and
// deliveries.
func (c *Crawler) Stop() error {
	c.stopOnce.Do(func() {
		c.stopMtx.Lock()
		close(c.shutdown)
		c.stopMtx.Unlock()
		c.cancel()
	})
	if c.grpc != nil {
		c.grpc.Stop()
	}
	c.dispatcher.Stop()
	c.wg.Wait()
	return c.db.Close()
}
