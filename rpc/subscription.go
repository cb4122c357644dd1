package rpc

import "github.com/cpacia/fdpindex/events"

// Subscription receives ledger events on Out until Close is called.
type Subscription struct {
	Close func() error
	Out   chan *events.Event
}
