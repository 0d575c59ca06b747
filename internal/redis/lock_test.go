package redisclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestLocalLocker_SerializesSameKey(t *testing.T) {
	l := NewLocalLocker()
	var mu sync.Mutex
	inside, maxInside := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.WithLock(context.Background(), "queue:a", func(context.Context) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxInside)
	}
}

func TestLocalLocker_IndependentKeys(t *testing.T) {
	l := NewLocalLocker()
	release := make(chan struct{})
	held := make(chan struct{})

	go func() {
		_ = l.WithLock(context.Background(), "queue:a", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	done := make(chan error, 1)
	go func() {
		done <- l.WithLock(context.Background(), "queue:b", func(context.Context) error { return nil })
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("lock on another key blocked")
	}
	close(release)
}

func TestLocalLocker_ReturnsFnError(t *testing.T) {
	l := NewLocalLocker()
	want := errors.New("boom")
	if err := l.WithLock(context.Background(), "k", func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestLocalLocker_CancelledContext(t *testing.T) {
	l := NewLocalLocker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := l.WithLock(ctx, "k", func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Fatal("fn ran with a cancelled context")
	}
}

func TestLocalLocker_ForgetsReleasedKeys(t *testing.T) {
	l := NewLocalLocker()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("queue:clinic:doctor:2025-01-%02d", i%7+1)
			_ = l.WithLock(context.Background(), key, func(context.Context) error {
				time.Sleep(time.Millisecond)
				return nil
			})
		}(i)
	}
	wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.locks) != 0 {
		t.Fatalf("expected no tracked keys after release, got %d", len(l.locks))
	}
}

func TestLocalLocker_KeepsKeyWhileWaiting(t *testing.T) {
	l := NewLocalLocker()
	release := make(chan struct{})
	held := make(chan struct{})

	go func() {
		_ = l.WithLock(context.Background(), "queue:a", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	done := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "queue:a", func(context.Context) error { return nil })
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		l.mu.Lock()
		refs := l.locks["queue:a"].refs
		l.mu.Unlock()
		if refs == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("waiter never registered, refs=%d", refs)
		}
		time.Sleep(time.Millisecond)
	}

	close(release)
	<-done
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.locks["queue:a"]; ok {
		t.Fatal("key must be dropped after the last holder leaves")
	}
}
