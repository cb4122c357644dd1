// Package webhook stores webhook registrations and delivers matching
// events to them.
package webhook

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/cpacia/fdpindex/events"
	"github.com/cpacia/fdpindex/repo"
	"github.com/google/uuid"
	"github.com/jinzhu/gorm"
)

// ErrWebhookNotFound is returned when no webhook has the requested uuid.
var ErrWebhookNotFound = errors.New("webhook not found")

// Webhook is a registered subscriber. Events is only consulted when
// AllEvents is false and Entries only when AllEntries is false.
type Webhook struct {
	UUID       string        `json:"uuid"`
	PayloadURL string        `json:"payloadUrl"`
	Secret     string        `json:"secret"`
	AllEvents  bool          `json:"allEvents"`
	Events     []events.Type `json:"events"`
	AllEntries bool          `json:"allEntries"`
	Entries    []string      `json:"entries"`
	Enabled    bool          `json:"enabled"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// Matches reports whether ev should be delivered to w.
func Matches(w *Webhook, ev *events.Event) bool {
	return w.Enabled && matchesEvent(w, ev.Type) && matchesEntry(w, ev.RelatedTo)
}

func matchesEvent(w *Webhook, t events.Type) bool {
	if w.AllEvents {
		return true
	}
	for _, e := range w.Events {
		if e == t {
			return true
		}
	}
	return false
}

func matchesEntry(w *Webhook, ref *events.EntryRef) bool {
	if w.AllEntries || ref == nil {
		return true
	}
	for _, u := range w.Entries {
		if u == ref.ClientURL {
			return true
		}
	}
	return false
}

// Store persists webhooks.
type Store struct {
	db *repo.Database
}

// NewStore returns a store backed by db.
func NewStore(db *repo.Database) *Store {
	return &Store{db: db}
}

// Create saves a new webhook and assigns its uuid.
func (s *Store) Create(w *Webhook) error {
	w.UUID = uuid.New().String()
	rec, err := toRecord(w)
	if err != nil {
		return err
	}
	err = s.db.Update(func(db *gorm.DB) error {
		return db.Create(rec).Error
	})
	if err != nil {
		return err
	}
	w.CreatedAt, w.UpdatedAt = rec.CreatedAt, rec.UpdatedAt
	return nil
}

// Update overwrites the stored webhook with the same uuid.
func (s *Store) Update(w *Webhook) error {
	rec, err := toRecord(w)
	if err != nil {
		return err
	}
	err = s.db.Update(func(db *gorm.DB) error {
		var existing repo.IndexWebhook
		if err := db.Where("uuid=?", w.UUID).First(&existing).Error; err != nil {
			return err
		}
		rec.CreatedAt = existing.CreatedAt
		return db.Save(rec).Error
	})
	if gorm.IsRecordNotFoundError(err) {
		return ErrWebhookNotFound
	} else if err != nil {
		return err
	}
	w.CreatedAt, w.UpdatedAt = rec.CreatedAt, rec.UpdatedAt
	return nil
}

// Get returns the webhook with the given uuid.
func (s *Store) Get(id string) (*Webhook, error) {
	var rec repo.IndexWebhook
	err := s.db.View(func(db *gorm.DB) error {
		return db.Where("uuid=?", id).First(&rec).Error
	})
	if gorm.IsRecordNotFoundError(err) {
		return nil, ErrWebhookNotFound
	} else if err != nil {
		return nil, err
	}
	return fromRecord(&rec)
}

// List returns every webhook, oldest first.
func (s *Store) List() ([]*Webhook, error) {
	return s.find(false)
}

// Enabled returns every enabled webhook.
func (s *Store) Enabled() ([]*Webhook, error) {
	return s.find(true)
}

func (s *Store) find(enabledOnly bool) ([]*Webhook, error) {
	var recs []repo.IndexWebhook
	err := s.db.View(func(db *gorm.DB) error {
		if enabledOnly {
			db = db.Where("enabled=?", true)
		}
		return db.Order("created_at asc").Find(&recs).Error
	})
	if err != nil && !gorm.IsRecordNotFoundError(err) {
		return nil, err
	}
	ret := make([]*Webhook, 0, len(recs))
	for i := range recs {
		w, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		ret = append(ret, w)
	}
	return ret, nil
}

// Delete removes the webhook with the given uuid.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(db *gorm.DB) error {
		res := db.Where("uuid=?", id).Delete(&repo.IndexWebhook{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrWebhookNotFound
		}
		return nil
	})
}

func toRecord(w *Webhook) (*repo.IndexWebhook, error) {
	evs := w.Events
	if evs == nil {
		evs = []events.Type{}
	}
	entries := w.Entries
	if entries == nil {
		entries = []string{}
	}
	evsJSON, err := json.Marshal(evs)
	if err != nil {
		return nil, err
	}
	entriesJSON, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	return &repo.IndexWebhook{
		UUID:       w.UUID,
		PayloadURL: w.PayloadURL,
		Secret:     w.Secret,
		AllEvents:  w.AllEvents,
		Events:     string(evsJSON),
		AllEntries: w.AllEntries,
		Entries:    string(entriesJSON),
		Enabled:    w.Enabled,
		CreatedAt:  w.CreatedAt,
	}, nil
}

func fromRecord(rec *repo.IndexWebhook) (*Webhook, error) {
	w := &Webhook{
		UUID:       rec.UUID,
		PayloadURL: rec.PayloadURL,
		Secret:     rec.Secret,
		AllEvents:  rec.AllEvents,
		AllEntries: rec.AllEntries,
		Enabled:    rec.Enabled,
		CreatedAt:  rec.CreatedAt.UTC(),
		UpdatedAt:  rec.UpdatedAt.UTC(),
		Events:     []events.Type{},
		Entries:    []string{},
	}
	if rec.Events != "" {
		if err := json.Unmarshal([]byte(rec.Events), &w.Events); err != nil {
			return nil, err
		}
	}
	if rec.Entries != "" {
		if err := json.Unmarshal([]byte(rec.Entries), &w.Entries); err != nil {
			return nil, err
		}
	}
	return w, nil
}
