package room

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestRequestLockGrantsAndConfirmsToRequester(t *testing.T) {
	registry, _, _, _ := newTestRegistry(t)

	_, requesterSink := join(t, registry, "doc-1", "u1", "c1")

	if err := registry.RequestLock("doc-1", "c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	kinds := drainKinds(requesterSink)
	if len(kinds) != 1 || kinds[0] != EventLockAcquired {
		t.Fatalf("expected requester to receive lock-acquired confirmation, got %v", kinds)
	}
}

func TestRequestLockDeniedNamesHolder(t *testing.T) {
	registry, _, _, _ := newTestRegistry(t)

	join(t, registry, "doc-1", "uX", "cX")
	_, requesterSink := join(t, registry, "doc-1", "uY", "cY")

	if err := registry.RequestLock("doc-1", "cX"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drainKinds(requesterSink)

	err := registry.RequestLock("doc-1", "cY")
	var denied *LockDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected LockDeniedError, got %v", err)
	}
	if denied.HolderDisplayName != "User uX" {
		t.Fatalf("expected denial to name holder, got %q", denied.HolderDisplayName)
	}
	if kinds := drainKinds(requesterSink); len(kinds) != 0 {
		t.Fatalf("denial must not be broadcast, got %v", kinds)
	}

	// State unchanged: the holder can still release.
	if err := registry.ReleaseLock("doc-1", "cX"); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
}

func TestReleaseLockByNonHolderIsNoOp(t *testing.T) {
	registry, _, _, _ := newTestRegistry(t)

	join(t, registry, "doc-1", "uX", "cX")
	_, observerSink := join(t, registry, "doc-1", "uY", "cY")

	if err := registry.RequestLock("doc-1", "cX"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drainKinds(observerSink)

	if err := registry.ReleaseLock("doc-1", "cY"); err != nil {
		t.Fatalf("expected non-holder release to be a silent no-op, got %v", err)
	}
	if kinds := drainKinds(observerSink); len(kinds) != 0 {
		t.Fatalf("expected no events from a no-op release, got %v", kinds)
	}

	// Still locked by cX.
	if err := registry.RequestLock("doc-1", "cY"); err == nil {
		t.Fatal("expected lock to still be held")
	}
}

func TestReleaseLockBroadcastsToRoom(t *testing.T) {
	registry, _, _, _ := newTestRegistry(t)

	_, holderSink := join(t, registry, "doc-1", "uX", "cX")
	_, observerSink := join(t, registry, "doc-1", "uY", "cY")

	if err := registry.RequestLock("doc-1", "cX"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drainKinds(holderSink)
	drainKinds(observerSink)

	if err := registry.ReleaseLock("doc-1", "cX"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for name, sink := range map[string]chan Event{"holder": holderSink, "observer": observerSink} {
		kinds := drainKinds(sink)
		if len(kinds) != 1 || kinds[0] != EventLockReleased {
			t.Fatalf("expected %s to receive lock-released, got %v", name, kinds)
		}
	}
}

func TestAtMostOneLockHolderUnderContention(t *testing.T) {
	registry, _, _, _ := newTestRegistry(t)

	const contenders = 8
	for i := 0; i < contenders; i++ {
		join(t, registry, "doc-1", fmt.Sprintf("u%d", i), fmt.Sprintf("c%d", i))
	}

	var wg sync.WaitGroup
	granted := make(chan string, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(connectionID string) {
			defer wg.Done()
			if err := registry.RequestLock("doc-1", connectionID); err == nil {
				granted <- connectionID
			}
		}(fmt.Sprintf("c%d", i))
	}
	wg.Wait()
	close(granted)

	winners := make([]string, 0, contenders)
	for connectionID := range granted {
		winners = append(winners, connectionID)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one lock holder, got %d (%v)", len(winners), winners)
	}
}
