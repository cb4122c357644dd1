package repo

import (
	"time"
)

// IndexEntry is the database model holding a known peer and the
// result of its most recent harvest.
type IndexEntry struct {
	UUID            string    `gorm:"primary_key;column:uuid"`
	ClientURL       string    `gorm:"column:client_url;unique_index;not null"`
	State           string    `gorm:"column:state;index"`
	Permit          string    `gorm:"column:permit;index"`
	RepositoryURI   string    `gorm:"column:repository_uri"`
	MetadataVersion string    `gorm:"column:metadata_version"`
	Metadata        string    `gorm:"column:metadata;type:text"`
	LastRetrievalAt time.Time `gorm:"column:last_retrieval_at;index"`
	CreatedAt       time.Time `gorm:"column:created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

// TableName pins the table name regardless of the gorm pluralizer.
func (IndexEntry) TableName() string { return "index_entries" }

// IndexEvent is a row of the append-only event ledger. The payload is
// stored as JSON and decoded according to Type.
type IndexEvent struct {
	ID               uint      `gorm:"primary_key;column:id"`
	UUID             string    `gorm:"column:uuid;unique_index;not null"`
	Version          int       `gorm:"column:version"`
	Type             string    `gorm:"column:type;index"`
	Payload          string    `gorm:"column:payload;type:text"`
	RelatedTo        *string   `gorm:"column:related_to;index"`
	RelatedClientURL *string   `gorm:"column:related_client_url"`
	CreatedAt        time.Time `gorm:"column:created_at;index"`
}

// TableName pins the table name regardless of the gorm pluralizer.
func (IndexEvent) TableName() string { return "index_events" }

// IndexWebhook is a registered webhook subscriber. Events and Entries
// hold JSON encoded string lists.
type IndexWebhook struct {
	UUID       string    `gorm:"primary_key;column:uuid"`
	PayloadURL string    `gorm:"column:payload_url;not null"`
	Secret     string    `gorm:"column:secret"`
	AllEvents  bool      `gorm:"column:all_events"`
	Events     string    `gorm:"column:events;type:text"`
	AllEntries bool      `gorm:"column:all_entries"`
	Entries    string    `gorm:"column:entries;type:text"`
	Enabled    bool      `gorm:"column:enabled;index"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

// TableName pins the table name regardless of the gorm pluralizer.
func (IndexWebhook) TableName() string { return "index_webhooks" }
