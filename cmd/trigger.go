package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/cpacia/fdpindex/events"
	"github.com/cpacia/fdpindex/rpc"
)

// RPCOptions are shared by the commands that talk to a running index
// over gRPC.
type RPCOptions struct {
	Addr      string `short:"a" long:"addr" description:"The gRPC address of the index" default:"127.0.0.1:8081"`
	AuthToken string `long:"authtoken" description:"The gRPC authentication token"`
	CertFile  string `long:"rpccert" description:"The server certificate when gRPC uses TLS"`
}

func (o *RPCOptions) dial(ctx context.Context) (*rpc.Client, error) {
	return rpc.Dial(ctx, o.Addr, rpc.DialOptions{
		AuthToken: o.AuthToken,
		CertFile:  o.CertFile,
	})
}

// Trigger asks a running index to harvest one entry, or every entry when
// no client URL is given.
type Trigger struct {
	RPCOptions
	Timeout time.Duration `long:"timeout" description:"How long to wait for the index" default:"30s"`
}

// Execute sends the trigger and prints the recorded event.
func (x *Trigger) Execute(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), x.Timeout)
	defer cancel()

	client, err := x.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var ev *events.Event
	if len(args) == 0 {
		ev, err = client.TriggerAll(ctx)
	} else {
		ev, err = client.Trigger(ctx, args[0])
	}
	if err != nil {
		return err
	}
	return printEvent(ev)
}

// Watch streams events from a running index until interrupted.
type Watch struct {
	RPCOptions
	Types []string `short:"t" long:"type" description:"Only show events of this type. May be repeated."`
}

// Execute prints events as they arrive.
func (x *Watch) Execute(args []string) error {
	var types []events.Type
	for _, s := range x.Types {
		t, err := events.ParseType(s)
		if err != nil {
			return err
		}
		types = append(types, t)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	go func() {
		<-sigs
		cancel()
	}()

	client, err := x.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	stream, err := client.Subscribe(ctx, types...)
	if err != nil {
		return err
	}
	for {
		ev, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := printEvent(ev); err != nil {
			return err
		}
	}
}

func printEvent(ev *events.Event) error {
	out, err := json.MarshalIndent(ev, "", "    ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
