package registry

import (
	"time"

	"github.com/cpacia/fdpindex/repo"
	"github.com/google/uuid"
	"github.com/jinzhu/gorm"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("RGSTR")

// Registry is the store of index entries. State is only written through
// ApplyHarvestTx and permit only through SetPermit.
type Registry struct {
	db            *repo.Database
	defaultPermit Permit
	locks         *keyLock
}

// New returns a registry backed by db. New entries get defaultPermit.
func New(db *repo.Database, defaultPermit Permit) *Registry {
	return &Registry{
		db:            db,
		defaultPermit: defaultPermit,
		locks:         newKeyLock(),
	}
}

// Lock serializes work on one client URL. Call the returned function to
// release it.
func (r *Registry) Lock(clientURL string) func() {
	return r.locks.lock(clientURL)
}

// UpsertTx creates an UNKNOWN entry for an unseen clientURL, or bumps the
// updated timestamp of the existing one. It reports whether the entry was
// created.
func (r *Registry) UpsertTx(tx *gorm.DB, clientURL string, now time.Time) (*Entry, bool, error) {
	var rec repo.IndexEntry
	err := tx.Where("client_url=?", clientURL).First(&rec).Error
	if err != nil && !gorm.IsRecordNotFoundError(err) {
		return nil, false, err
	}
	created := gorm.IsRecordNotFoundError(err)
	if created {
		rec = repo.IndexEntry{
			UUID:      uuid.New().String(),
			ClientURL: clientURL,
			State:     string(Unknown),
			Permit:    string(r.defaultPermit),
			CreatedAt: now.UTC(),
			UpdatedAt: now.UTC(),
		}
		if err := tx.Create(&rec).Error; err != nil {
			return nil, false, err
		}
		log.Infof("Detected new entry: %s", clientURL)
		return fromRecord(&rec), true, nil
	}
	err = tx.Model(&rec).UpdateColumn("updated_at", now.UTC()).Error
	if err != nil {
		return nil, false, err
	}
	return fromRecord(&rec), false, nil
}

// ApplyHarvestTx writes the outcome of a harvest. lastRetrievalAt is set
// on every attempt; metadata fields only change on a VALID outcome.
func (r *Registry) ApplyHarvestTx(tx *gorm.DB, clientURL string, o Outcome) (*Entry, error) {
	var rec repo.IndexEntry
	err := tx.Where("client_url=?", clientURL).First(&rec).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, ErrEntryNotFound
	} else if err != nil {
		return nil, err
	}

	rec.State = string(o.State)
	rec.LastRetrievalAt = o.RetrievedAt.UTC()
	if o.State == Valid {
		rec.RepositoryURI = o.RepositoryURI
		rec.MetadataVersion = o.MetadataVersion
		rec.Metadata = o.Metadata
	}
	if err := tx.Save(&rec).Error; err != nil {
		return nil, err
	}
	return fromRecord(&rec), nil
}

// SetPermit changes the administrator decision of an entry.
func (r *Registry) SetPermit(id string, permit Permit) (*Entry, error) {
	var rec repo.IndexEntry
	err := r.db.Update(func(tx *gorm.DB) error {
		if err := tx.Where("uuid=?", id).First(&rec).Error; err != nil {
			return err
		}
		rec.Permit = string(permit)
		return tx.Save(&rec).Error
	})
	if gorm.IsRecordNotFoundError(err) {
		return nil, ErrEntryNotFound
	} else if err != nil {
		return nil, err
	}
	return fromRecord(&rec), nil
}

// Get returns the entry with the given uuid.
func (r *Registry) Get(id string) (*Entry, error) {
	return r.first("uuid=?", id)
}

// GetByClientURL returns the entry announced under clientURL.
func (r *Registry) GetByClientURL(clientURL string) (*Entry, error) {
	return r.first("client_url=?", clientURL)
}

func (r *Registry) first(query string, arg string) (*Entry, error) {
	var rec repo.IndexEntry
	err := r.db.View(func(db *gorm.DB) error {
		return db.Where(query, arg).First(&rec).Error
	})
	if gorm.IsRecordNotFoundError(err) {
		return nil, ErrEntryNotFound
	} else if err != nil {
		return nil, err
	}
	return fromRecord(&rec), nil
}

// Filter selects entries for List. Zero values mean no restriction; a
// Limit of zero returns every match.
type Filter struct {
	Presentation Presentation
	Permit       Permit
	Threshold    time.Time
	Offset       int
	Limit        int
}

// List returns a page of entries, oldest first, along with the total
// number of matches.
func (r *Registry) List(f Filter) ([]*Entry, int, error) {
	var (
		recs  []repo.IndexEntry
		total int
	)
	err := r.db.View(func(db *gorm.DB) error {
		db = presentationScope(db.Model(&repo.IndexEntry{}), f.Presentation, f.Threshold)
		if f.Permit != "" {
			db = db.Where("permit=?", string(f.Permit))
		}
		if err := db.Count(&total).Error; err != nil {
			return err
		}
		db = db.Order("created_at asc").Order("client_url asc")
		if f.Offset > 0 {
			db = db.Offset(f.Offset)
		}
		if f.Limit > 0 {
			db = db.Limit(f.Limit)
		}
		return db.Find(&recs).Error
	})
	if err != nil && !gorm.IsRecordNotFoundError(err) {
		return nil, 0, err
	}
	return fromRecords(recs), total, nil
}

func presentationScope(db *gorm.DB, p Presentation, threshold time.Time) *gorm.DB {
	switch p {
	case "":
		return db
	case PresentActive:
		return db.Where("state=?", string(Valid)).Where("last_retrieval_at>?", threshold.UTC())
	case PresentInactive:
		return db.Where("state=?", string(Valid)).Where("last_retrieval_at<=?", threshold.UTC())
	case PresentUnknown:
		return db.Where("state=?", string(Unknown))
	case PresentInvalid:
		return db.Where("state=?", string(Invalid))
	case PresentUnreachable:
		return db.Where("state=?", string(Unreachable))
	}
	return db.Where("1=0")
}

// Counts returns the number of entries per presentation state.
func (r *Registry) Counts(threshold time.Time) (map[Presentation]int, error) {
	counts := make(map[Presentation]int)
	err := r.db.View(func(db *gorm.DB) error {
		for _, p := range []Presentation{PresentUnknown, PresentActive, PresentInactive, PresentInvalid, PresentUnreachable} {
			var n int
			if err := presentationScope(db.Model(&repo.IndexEntry{}), p, threshold).Count(&n).Error; err != nil {
				return err
			}
			counts[p] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// All returns every entry.
func (r *Registry) All() ([]*Entry, error) {
	entries, _, err := r.List(Filter{})
	return entries, err
}

// Stale returns up to limit entries not retrieved since before, least
// recently retrieved first. Rejected entries are skipped.
func (r *Registry) Stale(before time.Time, limit int) ([]*Entry, error) {
	var recs []repo.IndexEntry
	err := r.db.View(func(db *gorm.DB) error {
		return db.Where("permit<>?", string(Rejected)).
			Where("last_retrieval_at<?", before.UTC()).
			Order("last_retrieval_at asc").
			Limit(limit).
			Find(&recs).Error
	})
	if err != nil && !gorm.IsRecordNotFoundError(err) {
		return nil, err
	}
	return fromRecords(recs), nil
}

func fromRecord(rec *repo.IndexEntry) *Entry {
	return &Entry{
		UUID:            rec.UUID,
		ClientURL:       rec.ClientURL,
		State:           State(rec.State),
		Permit:          Permit(rec.Permit),
		RepositoryURI:   rec.RepositoryURI,
		MetadataVersion: rec.MetadataVersion,
		Metadata:        rec.Metadata,
		LastRetrievalAt: rec.LastRetrievalAt.UTC(),
		CreatedAt:       rec.CreatedAt.UTC(),
		UpdatedAt:       rec.UpdatedAt.UTC(),
	}
}

func fromRecords(recs []repo.IndexEntry) []*Entry {
	ret := make([]*Entry, 0, len(recs))
	for i := range recs {
		ret = append(ret, fromRecord(&recs[i]))
	}
	return ret
}
