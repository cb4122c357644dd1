package rpc

import "github.com/cpacia/fdpindex/events"

// TriggerAllRequest asks for a harvest of every entry.
type TriggerAllRequest struct{}

// TriggerRequest asks for a harvest of one entry.
type TriggerRequest struct {
	ClientURL string `json:"clientUrl"`
}

// TriggerResponse carries the recorded ADMIN_TRIGGER event.
type TriggerResponse struct {
	Event *events.Event `json:"event"`
}

// SubscribeRequest opens an event stream. An empty Types list streams
// every event type.
type SubscribeRequest struct {
	Types []events.Type `json:"types"`
}
