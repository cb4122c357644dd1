package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/cpacia/fdpindex/events"
	"github.com/cpacia/fdpindex/rpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestValidateAuthenticationToken(t *testing.T) {
	withToken := func(token string) context.Context {
		return metadata.NewIncomingContext(context.Background(), metadata.Pairs(rpc.AuthenticationTokenKey, token))
	}

	if err := validateAuthenticationToken(context.Background(), ""); err != nil {
		t.Errorf("expected no check without a token, got %v", err)
	}
	if err := validateAuthenticationToken(withToken("abc"), "abc"); err != nil {
		t.Errorf("expected valid token, got %v", err)
	}
	if err := validateAuthenticationToken(withToken("xyz"), "abc"); status.Code(err) != codes.Unauthenticated {
		t.Errorf("expected Unauthenticated, got %v", err)
	}
	if err := validateAuthenticationToken(context.Background(), "abc"); status.Code(err) != codes.Unauthenticated {
		t.Errorf("expected Unauthenticated, got %v", err)
	}
}

func TestParseListeners(t *testing.T) {
	addrs, err := parseListeners([]string{":9000", "127.0.0.1:9001", "[::1]:9002"})
	if err != nil {
		t.Fatal(err)
	}
	expected := []struct{ net, addr string }{
		{"tcp4", ":9000"},
		{"tcp6", ":9000"},
		{"tcp4", "127.0.0.1:9001"},
		{"tcp6", "[::1]:9002"},
	}
	if len(addrs) != len(expected) {
		t.Fatalf("expected %d addresses, got %d", len(expected), len(addrs))
	}
	for i, e := range expected {
		if addrs[i].Network() != e.net || addrs[i].String() != e.addr {
			t.Errorf("address %d: expected %s %s, got %s %s", i, e.net, e.addr, addrs[i].Network(), addrs[i].String())
		}
	}

	if _, err := parseListeners([]string{"example.com:9000"}); err == nil {
		t.Error("expected error for host name")
	}
	if _, err := parseListeners([]string{"9000"}); err == nil {
		t.Error("expected error for missing port")
	}
}

func TestGrpcServer(t *testing.T) {
	cfg := testConfig()
	cfg.GrpcAuthToken = "letmein"
	c := mockCrawler(t, cfg)

	addrs, err := parseListeners([]string{"127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	server, err := newGrpcServer(addrs, c, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer server.Stop()
	addr := server.listeners[0].Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	anon, err := rpc.Dial(ctx, addr, rpc.DialOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer anon.Close()
	if _, err := anon.TriggerAll(ctx); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}

	client, err := rpc.Dial(ctx, addr, rpc.DialOptions{AuthToken: "letmein"})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ev, err := client.TriggerAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != events.ETAdminTrigger {
		t.Fatalf("expected %s, got %s", events.ETAdminTrigger, ev.Type)
	}
	stored, err := c.ledger.Get(ev.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Payload.(*events.AdminTrigger).RemoteAddr == "" {
		t.Error("expected the caller address to be recorded")
	}

	if _, err := client.Trigger(ctx, "https://unknown.example.org"); err == nil {
		t.Error("expected error for unknown entry")
	}
}
