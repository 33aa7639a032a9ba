package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"callbridge/agent/internal/callstate"
	"callbridge/agent/internal/types"
)

func TestRegistryClaimReplacesOwner(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	cache := callstate.New(rdb, callstate.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRegistry()
	first := newSessionHarness(cache, nil).s
	go func() { _ = r.Run(ctx, first) }()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := cache.GetState(ctx, "call-1"); err == nil && r.Get("call-1") == first {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first owner never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	second := newSessionHarness(cache, nil).s
	secondDone := make(chan error, 1)
	go func() { secondDone <- r.Run(ctx, second) }()
	select {
	case <-first.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("previous owner not closed")
	}

	// the new owner must not start until the old one has finalized, so its
	// cache entry outlives the old owner's teardown
	deadline = time.Now().Add(3 * time.Second)
	var call types.Call
	for {
		var err error
		call, err = cache.GetState(ctx, "call-1")
		if err == nil && call.State == types.StateListening {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("new owner lost its cache entry: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := cache.GetState(ctx, "call-1"); err != nil {
		t.Fatalf("cache entry removed after handoff: %v", err)
	}
	if r.Get("call-1") != second || r.Len() != 1 {
		t.Fatalf("registry does not point at the new owner")
	}

	// a stale release from the old owner must not evict the new one
	r.Release(first)
	if r.Get("call-1") != second {
		t.Fatalf("stale release evicted the owner")
	}

	second.Close()
	select {
	case <-secondDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("second owner did not finish")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestClaimGivesUpOnStuckOwner(t *testing.T) {
	prev := HandoffTimeout
	HandoffTimeout = 20 * time.Millisecond
	defer func() { HandoffTimeout = prev }()

	r := NewRegistry()
	// never run, so Done never closes
	stuck := newHarness(t, nil).s
	r.Claim(stuck)
	next := newHarness(t, nil).s
	start := time.Now()
	if !r.Claim(next) {
		t.Fatalf("expected the stuck owner to be replaced")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("claim waited past the handoff bound")
	}
	if r.Get("call-1") != next {
		t.Fatalf("registry does not point at the new owner")
	}
}
