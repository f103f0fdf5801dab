package subs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dmsync/pkg/remote"
	"dmsync/pkg/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func blockingStart(started *atomic.Int32) StartFunc {
	return func(ctx context.Context) error {
		started.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestAttachIsIdempotent(t *testing.T) {
	m := NewManager(fastPolicy(), nil)
	defer m.Close()

	var started atomic.Int32
	m.Attach("room:r1", blockingStart(&started))
	m.Attach("room:r1", blockingStart(&started))
	m.Attach("room:r1", blockingStart(&started))

	time.Sleep(20 * time.Millisecond)
	if n := started.Load(); n != 1 {
		t.Fatalf("expected one live feed, got %d starts", n)
	}
	if !m.Attached("room:r1") {
		t.Fatal("feed should be attached")
	}
}

func TestDetachIsSynchronousAndIdempotent(t *testing.T) {
	m := NewManager(fastPolicy(), nil)
	defer m.Close()

	ctxSeen := make(chan context.Context, 1)
	m.Attach("room:r1", func(ctx context.Context) error {
		ctxSeen <- ctx
		<-ctx.Done()
		return ctx.Err()
	})
	ctx := <-ctxSeen

	m.Detach("room:r1")
	if ctx.Err() == nil {
		t.Fatal("detach must cancel the feed context before returning")
	}
	if m.Attached("room:r1") {
		t.Fatal("feed still registered after detach")
	}
	// unknown key is a no-op
	m.Detach("room:r1")
	m.Detach("never-attached")
}

func TestBoundedReattachThenDegraded(t *testing.T) {
	degraded := make(chan string, 1)
	m := NewManager(fastPolicy(), func(key string, err error) {
		degraded <- key
	})
	defer m.Close()

	var starts atomic.Int32
	m.Attach("room:r1", func(ctx context.Context) error {
		starts.Add(1)
		return remote.ErrTransient
	})

	select {
	case key := <-degraded:
		if key != "room:r1" {
			t.Fatalf("degraded key = %q", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("degraded callback never fired")
	}
	if n := starts.Load(); n != 3 {
		t.Fatalf("expected 3 attach attempts, got %d", n)
	}
	if m.Attached("room:r1") {
		t.Fatal("degraded feed must be released")
	}
}

func TestNonRetryableFailureDegradesImmediately(t *testing.T) {
	degraded := make(chan error, 1)
	m := NewManager(fastPolicy(), func(key string, err error) {
		degraded <- err
	})
	defer m.Close()

	var starts atomic.Int32
	m.Attach("room:r1", func(ctx context.Context) error {
		starts.Add(1)
		return remote.ErrPermissionDenied
	})

	select {
	case <-degraded:
	case <-time.After(2 * time.Second):
		t.Fatal("degraded callback never fired")
	}
	if n := starts.Load(); n != 1 {
		t.Fatalf("non-retryable failure must not reattach, got %d starts", n)
	}
}

func TestReattachOnTransientFailure(t *testing.T) {
	m := NewManager(fastPolicy(), nil)
	defer m.Close()

	var starts atomic.Int32
	recovered := make(chan struct{})
	var once sync.Once
	m.Attach("room:r1", func(ctx context.Context) error {
		if starts.Add(1) == 1 {
			return remote.ErrTransient
		}
		once.Do(func() { close(recovered) })
		<-ctx.Done()
		return ctx.Err()
	})

	select {
	case <-recovered:
	case <-time.After(2 * time.Second):
		t.Fatal("feed never reattached after transient failure")
	}
	if !m.Attached("room:r1") {
		t.Fatal("reattached feed should still be registered")
	}
}

func TestReconcileInterest(t *testing.T) {
	m := NewManager(fastPolicy(), nil)
	defer m.Close()

	var started atomic.Int32
	mk := func(key string) StartFunc { return blockingStart(&started) }

	m.Attach("room:a", blockingStart(&started))
	m.Attach("room:b", blockingStart(&started))

	m.ReconcileInterest(map[string]struct{}{
		"room:b": {},
		"room:c": {},
	}, mk)

	if m.Attached("room:a") {
		t.Fatal("room:a should have been detached")
	}
	if !m.Attached("room:b") || !m.Attached("room:c") {
		t.Fatalf("want set not honored: keys=%v", m.Keys())
	}
}

func TestCloseWaitsForFeeds(t *testing.T) {
	m := NewManager(fastPolicy(), nil)

	exited := make(chan struct{})
	m.Attach("room:r1", func(ctx context.Context) error {
		<-ctx.Done()
		close(exited)
		return ctx.Err()
	})
	m.Close()
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("Close returned before the feed exited")
	}
	if m.Attached("room:r1") {
		t.Fatal("feed survived Close")
	}
}
