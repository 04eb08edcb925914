package natsutil

import (
	"sort"
	"testing"

	"github.com/nats-io/nats.go"
)

func TestHeaderCarrier_SetGet(t *testing.T) {
	msg := &nats.Msg{}
	c := (*headerCarrier)(msg)

	if got := c.Get("traceparent"); got != "" {
		t.Fatalf("empty carrier returned %q", got)
	}

	c.Set("traceparent", "00-abc-def-01")
	if got := c.Get("traceparent"); got != "00-abc-def-01" {
		t.Fatalf("Get = %q", got)
	}
	if msg.Header.Get("traceparent") != "00-abc-def-01" {
		t.Fatal("header not written through to message")
	}
}

func TestHeaderCarrier_Keys(t *testing.T) {
	msg := &nats.Msg{}
	c := (*headerCarrier)(msg)
	if keys := c.Keys(); len(keys) != 0 {
		t.Fatalf("expected no keys, got %v", keys)
	}

	c.Set("a", "1")
	c.Set("b", "2")
	keys := c.Keys()
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "A" && keys[0] != "a" {
		t.Fatalf("keys = %v", keys)
	}
}
