//go:build integration

package natsutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func natsURL() string {
	if v := os.Getenv("NATS_URL"); v != "" {
		return v
	}
	return nats.DefaultURL
}

func connect(t *testing.T) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(natsURL())
	if err != nil {
		t.Skipf("nats unavailable: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

type submitMsg struct {
	Kind string `json:"kind"`
	Arg  string `json:"arg"`
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	nc := connect(t)

	got := make(chan submitMsg, 1)
	sub, err := Subscribe(nc, "tessera.test.submit", func(_ context.Context, m submitMsg) {
		got <- m
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	want := submitMsg{Kind: "ingest_path", Arg: "/data"}
	if err := Publish(context.Background(), nc, "tessera.test.submit", want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case m := <-got:
		if m != want {
			t.Fatalf("received %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}
