package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cpacia/fdpindex/repo"
	"github.com/jinzhu/gorm"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("EVNT")

// Listener is called with every event after it has been committed.
type Listener func(ev *Event)

// Ledger is the append-only event store. It exposes no way to update or
// delete an event.
type Ledger struct {
	db        *repo.Database
	listeners []Listener
	mtx       sync.RWMutex
}

// NewLedger returns a ledger backed by db.
func NewLedger(db *repo.Database) *Ledger {
	return &Ledger{db: db}
}

// Listen registers fn to be called after each append commits. Listeners
// run on the appending goroutine in registration order and must not
// block for long.
func (l *Ledger) Listen(fn Listener) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Append stores ev and notifies listeners.
func (l *Ledger) Append(ev *Event) error {
	_, err := l.AppendWith(func(tx *gorm.DB) (*Event, error) {
		return ev, nil
	})
	return err
}

// AppendWith runs fn inside a transaction and stores the event it returns
// in that same transaction. State written by fn is therefore committed no
// later than the event. If fn or the insert fails nothing is stored.
// Listeners are notified only after the commit succeeds.
func (l *Ledger) AppendWith(fn func(tx *gorm.DB) (*Event, error)) (*Event, error) {
	var ev *Event
	err := l.db.Update(func(tx *gorm.DB) error {
		var err error
		ev, err = fn(tx)
		if err != nil {
			return err
		}
		rec, err := toRecord(ev)
		if err != nil {
			return err
		}
		return tx.Create(rec).Error
	})
	if err != nil {
		return nil, err
	}
	log.Debugf("Appended %s event %s", ev.Type, ev.UUID)

	l.mtx.RLock()
	listeners := make([]Listener, len(l.listeners))
	copy(listeners, l.listeners)
	l.mtx.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
	return ev, nil
}

// Get returns the event with the given uuid.
func (l *Ledger) Get(id string) (*Event, error) {
	var rec repo.IndexEvent
	err := l.db.View(func(db *gorm.DB) error {
		return db.Where("uuid=?", id).First(&rec).Error
	})
	if gorm.IsRecordNotFoundError(err) {
		return nil, ErrEventNotFound
	} else if err != nil {
		return nil, err
	}
	return fromRecord(&rec)
}

// Query selects events. Zero values mean no restriction; a Limit of zero
// returns every matching event.
type Query struct {
	RelatedTo string
	Types     []Type
	Offset    int
	Limit     int
}

// List returns the events matching q in append order along with the total
// number of matches ignoring Offset and Limit.
func (l *Ledger) List(q Query) ([]*Event, int, error) {
	var (
		recs  []repo.IndexEvent
		total int
	)
	err := l.db.View(func(db *gorm.DB) error {
		db = db.Model(&repo.IndexEvent{})
		if q.RelatedTo != "" {
			db = db.Where("related_to=?", q.RelatedTo)
		}
		if len(q.Types) > 0 {
			types := make([]string, 0, len(q.Types))
			for _, t := range q.Types {
				types = append(types, string(t))
			}
			db = db.Where("type IN (?)", types)
		}
		if err := db.Count(&total).Error; err != nil {
			return err
		}
		db = db.Order("id asc")
		if q.Offset > 0 {
			db = db.Offset(q.Offset)
		}
		if q.Limit > 0 {
			db = db.Limit(q.Limit)
		}
		return db.Find(&recs).Error
	})
	if err != nil && !gorm.IsRecordNotFoundError(err) {
		return nil, 0, err
	}

	ret := make([]*Event, 0, len(recs))
	for i := range recs {
		ev, err := fromRecord(&recs[i])
		if err != nil {
			return nil, 0, err
		}
		ret = append(ret, ev)
	}
	return ret, total, nil
}

func toRecord(ev *Event) (*repo.IndexEvent, error) {
	if ev == nil || ev.Payload == nil {
		return nil, fmt.Errorf("event has no payload")
	}
	if ev.Payload.Type() != ev.Type {
		return nil, fmt.Errorf("event type %s does not match payload type %s", ev.Type, ev.Payload.Type())
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, err
	}
	rec := &repo.IndexEvent{
		UUID:      ev.UUID,
		Version:   ev.Version,
		Type:      string(ev.Type),
		Payload:   string(payload),
		CreatedAt: ev.CreatedAt,
	}
	if ev.RelatedTo != nil {
		id, u := ev.RelatedTo.UUID, ev.RelatedTo.ClientURL
		rec.RelatedTo = &id
		rec.RelatedClientURL = &u
	}
	return rec, nil
}

func fromRecord(rec *repo.IndexEvent) (*Event, error) {
	payload, err := decodePayload(Type(rec.Type), []byte(rec.Payload))
	if err != nil {
		return nil, err
	}
	ev := &Event{
		UUID:      rec.UUID,
		Version:   rec.Version,
		Type:      Type(rec.Type),
		Payload:   payload,
		CreatedAt: rec.CreatedAt.UTC(),
	}
	if rec.RelatedTo != nil {
		ev.RelatedTo = &EntryRef{UUID: *rec.RelatedTo}
		if rec.RelatedClientURL != nil {
			ev.RelatedTo.ClientURL = *rec.RelatedClientURL
		}
	}
	return ev, nil
}
