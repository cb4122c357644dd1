package rpc

import (
	"context"

	"github.com/cpacia/fdpindex/events"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
)

// Client talks to the fdpindex.Index service.
type Client struct {
	conn  *grpc.ClientConn
	token string
}

// DialOptions configures Dial. Without CertFile the connection is
// insecure.
type DialOptions struct {
	AuthToken string
	CertFile  string
}

// Dial connects to the service at addr.
func Dial(ctx context.Context, addr string, opts DialOptions) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	if opts.CertFile != "" {
		creds, err := credentials.NewClientTLSFromFile(opts.CertFile, "")
		if err != nil {
			return nil, err
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(creds))
	} else {
		dialOpts = append(dialOpts, grpc.WithInsecure())
	}
	conn, err := grpc.DialContext(ctx, addr, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, token: opts.AuthToken}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) withToken(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, AuthenticationTokenKey, c.token)
}

// TriggerAll schedules a harvest of every entry.
func (c *Client) TriggerAll(ctx context.Context) (*events.Event, error) {
	resp := new(TriggerResponse)
	err := c.conn.Invoke(c.withToken(ctx), "/"+serviceName+"/TriggerAll", &TriggerAllRequest{}, resp)
	if err != nil {
		return nil, err
	}
	return resp.Event, nil
}

// Trigger schedules a harvest of the entry announced under clientURL.
func (c *Client) Trigger(ctx context.Context, clientURL string) (*events.Event, error) {
	resp := new(TriggerResponse)
	err := c.conn.Invoke(c.withToken(ctx), "/"+serviceName+"/Trigger", &TriggerRequest{ClientURL: clientURL}, resp)
	if err != nil {
		return nil, err
	}
	return resp.Event, nil
}

// EventStream yields events of a subscription.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks until the next event arrives or the stream ends.
func (s *EventStream) Recv() (*events.Event, error) {
	ev := new(events.Event)
	if err := s.stream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Subscribe opens an event stream. It ends when ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, types ...events.Type) (*EventStream, error) {
	stream, err := c.conn.NewStream(c.withToken(ctx), &serviceDesc.Streams[0], "/"+serviceName+"/Subscribe")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&SubscribeRequest{Types: types}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}
