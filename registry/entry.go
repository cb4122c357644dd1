// Package registry holds the index entries announced by peers and the
// state each harvest leaves them in.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEntryNotFound is returned when no entry matches the lookup.
var ErrEntryNotFound = errors.New("entry not found")

// State is the stored outcome of the most recent harvest.
type State string

const (
	Unknown     State = "UNKNOWN"
	Valid       State = "VALID"
	Invalid     State = "INVALID"
	Unreachable State = "UNREACHABLE"
)

// Permit is the administrator's decision about an entry. It is
// independent of State.
type Permit string

const (
	Accepted Permit = "ACCEPTED"
	Rejected Permit = "REJECTED"
	Pending  Permit = "PENDING"
)

// ParsePermit returns the permit with the given (case insensitive) name.
func ParsePermit(s string) (Permit, error) {
	switch p := Permit(strings.ToUpper(s)); p {
	case Accepted, Rejected, Pending:
		return p, nil
	}
	return "", fmt.Errorf("unknown permit %q", s)
}

// Presentation is how an entry is reported. It is derived from State and
// never stored.
type Presentation string

const (
	PresentUnknown     Presentation = "UNKNOWN"
	PresentActive      Presentation = "ACTIVE"
	PresentInactive    Presentation = "INACTIVE"
	PresentInvalid     Presentation = "INVALID"
	PresentUnreachable Presentation = "UNREACHABLE"
)

// ParsePresentation returns the presentation state with the given name.
func ParsePresentation(s string) (Presentation, error) {
	switch p := Presentation(strings.ToUpper(s)); p {
	case PresentUnknown, PresentActive, PresentInactive, PresentInvalid, PresentUnreachable:
		return p, nil
	}
	return "", fmt.Errorf("unknown entry state %q", s)
}

// PresentationOf maps a stored state to its presentation. A VALID entry is
// ACTIVE only while its last retrieval is after threshold.
func PresentationOf(state State, lastRetrievalAt, threshold time.Time) Presentation {
	switch state {
	case Unknown:
		return PresentUnknown
	case Valid:
		if lastRetrievalAt.After(threshold) {
			return PresentActive
		}
		return PresentInactive
	case Invalid:
		return PresentInvalid
	case Unreachable:
		return PresentUnreachable
	}
	panic(fmt.Sprintf("unknown entry state %q", state))
}

// Entry is a peer known to the index.
type Entry struct {
	UUID            string    `json:"uuid"`
	ClientURL       string    `json:"clientUrl"`
	State           State     `json:"state"`
	Permit          Permit    `json:"permit"`
	RepositoryURI   string    `json:"repositoryUri"`
	MetadataVersion string    `json:"metadataVersion"`
	Metadata        string    `json:"metadata,omitempty"`
	LastRetrievalAt time.Time `json:"lastRetrievalAt"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Presentation returns how the entry is reported given threshold.
func (e *Entry) Presentation(threshold time.Time) Presentation {
	return PresentationOf(e.State, e.LastRetrievalAt, threshold)
}

// Outcome is the classified result of one harvest. Metadata fields are
// only applied when State is Valid.
type Outcome struct {
	State           State
	RepositoryURI   string
	MetadataVersion string
	Metadata        string
	RetrievedAt     time.Time
}
