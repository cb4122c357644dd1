package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cpacia/fdpindex/events"
	"github.com/cpacia/fdpindex/exchange"
	"github.com/cpacia/fdpindex/metrics"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("HOOK")

// Backpressure decides what happens to a delivery when the queue is full.
type Backpressure string

const (
	// Drop records the delivery as failed without attempting it.
	Drop Backpressure = "drop"

	// Block waits for room in the queue. Trigger runs as a ledger
	// listener, so the caller appending the event waits too, a ping
	// request included.
	Block Backpressure = "block"
)

const queueFullError = "delivery queue full"

// Config holds the dispatcher settings.
type Config struct {
	Workers      uint
	QueueSize    uint
	Timeout      time.Duration
	Signer       Signer
	Backpressure Backpressure
}

type delivery struct {
	webhook *Webhook
	event   *events.Event
}

// Dispatcher delivers events to matching webhooks on a pool of workers.
// Each delivery is attempted exactly once and recorded as a
// WEBHOOK_TRIGGER event.
type Dispatcher struct {
	store    *Store
	ledger   *events.Ledger
	recorder *exchange.Recorder
	cfg      Config

	queue    chan *delivery
	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher returns a dispatcher. Call Start to begin delivering.
func NewDispatcher(store *Store, ledger *events.Ledger, recorder *exchange.Recorder, cfg Config) *Dispatcher {
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.Signer == nil {
		cfg.Signer = HMACSigner{}
	}
	if cfg.Backpressure == "" {
		cfg.Backpressure = Drop
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:    store,
		ledger:   ledger,
		recorder: recorder,
		cfg:      cfg,
		queue:    make(chan *delivery, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		shutdown: make(chan struct{}),
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start() {
	for i := 0; i < int(d.cfg.Workers); i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop cancels in-flight deliveries and waits for the workers to exit.
// Queued deliveries are abandoned.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.shutdown)
		d.cancel()
	})
	d.wg.Wait()
}

// Trigger enqueues a delivery of ev to every matching webhook. Webhook
// events themselves are never delivered this way.
func (d *Dispatcher) Trigger(ev *events.Event) {
	switch ev.Type {
	case events.ETWebhookTrigger, events.ETWebhookPing:
		return
	case events.ETIncomingPing, events.ETMetadataRetrieval, events.ETAdminTrigger:
	}

	hooks, err := d.store.Enabled()
	if err != nil {
		log.Errorf("Error loading webhooks for event %s: %s", ev.UUID, err)
		return
	}
	for _, w := range hooks {
		if Matches(w, ev) {
			d.enqueue(&delivery{webhook: w, event: ev})
		}
	}
}

// Ping records a WEBHOOK_PING event and delivers it to the webhook
// regardless of its filters.
func (d *Dispatcher) Ping(webhookUUID, remoteAddr string) (*events.Event, error) {
	w, err := d.store.Get(webhookUUID)
	if err != nil {
		return nil, err
	}
	ev := events.New(&events.WebhookPing{
		WebhookUUID: w.UUID,
		RemoteAddr:  remoteAddr,
	}, nil)
	if err := d.ledger.Append(ev); err != nil {
		return nil, err
	}
	d.enqueue(&delivery{webhook: w, event: ev})
	return ev, nil
}

func (d *Dispatcher) enqueue(dl *delivery) {
	if d.cfg.Backpressure == Block {
		select {
		case d.queue <- dl:
		case <-d.shutdown:
		}
		return
	}

	select {
	case d.queue <- dl:
	default:
		log.Warningf("Webhook delivery queue full, dropping %s event %s for webhook %s", dl.event.Type, dl.event.UUID, dl.webhook.UUID)
		metrics.WebhookDropped.Inc()
		ex := exchange.NewOutgoing()
		ex.Request.Method = http.MethodPost
		ex.Request.URL = dl.webhook.PayloadURL
		ex.SetFailed(queueFullError)
		d.record(dl, ex)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.shutdown:
			return
		case dl := <-d.queue:
			d.deliver(dl)
		}
	}
}

// Body is the JSON document posted to a webhook.
type Body struct {
	Event       events.Type      `json:"event"`
	UUID        string           `json:"uuid"`
	WebhookUUID string           `json:"webhookUuid"`
	Version     int              `json:"version"`
	RelatedTo   *events.EntryRef `json:"relatedTo"`
	Payload     events.Payload   `json:"payload"`
	CreatedAt   time.Time        `json:"createdAt"`
}

func (d *Dispatcher) deliver(dl *delivery) {
	start := time.Now()
	body, err := json.Marshal(Body{
		Event:       dl.event.Type,
		UUID:        dl.event.UUID,
		WebhookUUID: dl.webhook.UUID,
		Version:     dl.event.Version,
		RelatedTo:   dl.event.RelatedTo,
		Payload:     dl.event.Payload,
		CreatedAt:   dl.event.CreatedAt,
	})
	if err != nil {
		log.Errorf("Error encoding %s event %s for webhook %s: %s", dl.event.Type, dl.event.UUID, dl.webhook.UUID, err)
		return
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(SignatureHeader, d.cfg.Signer.Sign(dl.webhook.Secret, body))

	ex := d.recorder.Do(d.ctx, http.MethodPost, dl.webhook.PayloadURL, header, body, d.cfg.Timeout)
	log.Debugf("Delivered %s event %s to webhook %s in %s: %s", dl.event.Type, dl.event.UUID, dl.webhook.UUID, time.Since(start), ex.State)
	d.record(dl, ex)
}

func (d *Dispatcher) record(dl *delivery, ex *exchange.Exchange) {
	metrics.WebhookDeliveries.WithLabelValues(string(ex.State)).Inc()
	ev := events.New(&events.WebhookTrigger{
		WebhookUUID:      dl.webhook.UUID,
		TriggerEventUUID: dl.event.UUID,
		TriggerEventType: dl.event.Type,
		Exchange:         ex,
	}, dl.event.RelatedTo)
	if err := d.ledger.Append(ev); err != nil {
		log.Errorf("Error recording delivery of event %s to webhook %s: %s", dl.event.UUID, dl.webhook.UUID, err)
	}
}
