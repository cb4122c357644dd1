// Package events defines the event types recorded by the index and the
// append-only ledger that stores them.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cpacia/fdpindex/exchange"
	"github.com/google/uuid"
)

// ErrEventNotFound is returned when no event has the requested uuid.
var ErrEventNotFound = errors.New("event not found")

// Version is the payload schema version written for every current
// payload type.
const Version = 1

// Type is the tag of an event and selects its payload.
type Type string

const (
	// ETIncomingPing is recorded for every accepted ping.
	// payload is *IncomingPing
	ETIncomingPing = Type("INCOMING_PING")

	// ETMetadataRetrieval is recorded after every harvest attempt,
	// whatever its outcome.
	// payload is *MetadataRetrieval
	ETMetadataRetrieval = Type("METADATA_RETRIEVAL")

	// ETAdminTrigger is recorded when an administrator requests a
	// re-harvest of one or all entries.
	// payload is *AdminTrigger
	ETAdminTrigger = Type("ADMIN_TRIGGER")

	// ETWebhookPing is recorded when an administrator pings a webhook.
	// payload is *WebhookPing
	ETWebhookPing = Type("WEBHOOK_PING")

	// ETWebhookTrigger is recorded for every webhook delivery attempt.
	// payload is *WebhookTrigger
	ETWebhookTrigger = Type("WEBHOOK_TRIGGER")
)

// Types lists every event type.
var Types = []Type{
	ETIncomingPing,
	ETMetadataRetrieval,
	ETAdminTrigger,
	ETWebhookPing,
	ETWebhookTrigger,
}

// ParseType returns the event type with the given name.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// Payload is implemented by the payload struct of each event type only.
type Payload interface {
	Type() Type
	isPayload()
}

// IncomingPing records a ping received from a peer.
type IncomingPing struct {
	Exchange *exchange.Exchange `json:"exchange"`
	NewEntry bool               `json:"newEntry"`
}

// MetadataRetrieval records one harvest of a peer's self-description.
type MetadataRetrieval struct {
	ClientURL string             `json:"clientUrl"`
	State     string             `json:"state"`
	Error     string             `json:"error,omitempty"`
	Forced    bool               `json:"forced"`
	Exchange  *exchange.Exchange `json:"exchange"`
}

// AdminTrigger records an administrative harvest request. ClientURL is
// nil when every entry was triggered.
type AdminTrigger struct {
	ClientURL  *string `json:"clientUrl"`
	RemoteAddr string  `json:"remoteAddr"`
}

// WebhookPing records an administrative test delivery.
type WebhookPing struct {
	WebhookUUID string `json:"webhookUuid"`
	RemoteAddr  string `json:"remoteAddr"`
}

// WebhookTrigger records one delivery of an event to a webhook.
type WebhookTrigger struct {
	WebhookUUID      string             `json:"webhookUuid"`
	TriggerEventUUID string             `json:"triggerEventUuid"`
	TriggerEventType Type               `json:"triggerEventType"`
	Exchange         *exchange.Exchange `json:"exchange"`
}

func (*IncomingPing) Type() Type      { return ETIncomingPing }
func (*MetadataRetrieval) Type() Type { return ETMetadataRetrieval }
func (*AdminTrigger) Type() Type      { return ETAdminTrigger }
func (*WebhookPing) Type() Type       { return ETWebhookPing }
func (*WebhookTrigger) Type() Type    { return ETWebhookTrigger }

func (*IncomingPing) isPayload()      {}
func (*MetadataRetrieval) isPayload() {}
func (*AdminTrigger) isPayload()      {}
func (*WebhookPing) isPayload()       {}
func (*WebhookTrigger) isPayload()    {}

// newPayload returns an empty payload for t.
func newPayload(t Type) (Payload, error) {
	switch t {
	case ETIncomingPing:
		return &IncomingPing{}, nil
	case ETMetadataRetrieval:
		return &MetadataRetrieval{}, nil
	case ETAdminTrigger:
		return &AdminTrigger{}, nil
	case ETWebhookPing:
		return &WebhookPing{}, nil
	case ETWebhookTrigger:
		return &WebhookTrigger{}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", t)
}

// EntryRef points at the index entry an event is about.
type EntryRef struct {
	UUID      string `json:"uuid"`
	ClientURL string `json:"clientUrl"`
}

// Event is one immutable ledger record.
type Event struct {
	UUID      string
	Version   int
	Type      Type
	Payload   Payload
	RelatedTo *EntryRef
	CreatedAt time.Time
}

// New returns an unsaved event wrapping payload. related may be nil.
func New(payload Payload, related *EntryRef) *Event {
	return &Event{
		UUID:      uuid.New().String(),
		Version:   Version,
		Type:      payload.Type(),
		Payload:   payload,
		RelatedTo: related,
		CreatedAt: time.Now().UTC(),
	}
}

type eventJSON struct {
	UUID      string          `json:"uuid"`
	Version   int             `json:"version"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RelatedTo *EntryRef       `json:"relatedTo"`
	CreatedAt time.Time       `json:"createdAt"`
}

// MarshalJSON implements json.Marshaler.
func (e *Event) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{
		UUID:      e.UUID,
		Version:   e.Version,
		Type:      e.Type,
		Payload:   payload,
		RelatedTo: e.RelatedTo,
		CreatedAt: e.CreatedAt,
	})
}

// UnmarshalJSON implements json.Unmarshaler. The payload is decoded into
// the struct selected by the type field.
func (e *Event) UnmarshalJSON(data []byte) error {
	var ej eventJSON
	if err := json.Unmarshal(data, &ej); err != nil {
		return err
	}
	payload, err := decodePayload(ej.Type, ej.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		UUID:      ej.UUID,
		Version:   ej.Version,
		Type:      ej.Type,
		Payload:   payload,
		RelatedTo: ej.RelatedTo,
		CreatedAt: ej.CreatedAt,
	}
	return nil
}

func decodePayload(t Type, data []byte) (Payload, error) {
	payload, err := newPayload(t)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
	}
	return payload, nil
}
