package rpc

import (
	"github.com/cpacia/fdpindex/events"
)

// Index is the part of the index exposed over gRPC.
type Index interface {
	Subscribe() (*Subscription, error)
	TriggerAll(remoteAddr string) (*events.Event, error)
	Trigger(clientURL, remoteAddr string) (*events.Event, error)
}
