package waitlist

import (
	"context"
	"testing"
	"time"
)

func TestResolveDeliversToWaiter(t *testing.T) {
	l := New[string, int]()
	done := make(chan struct{})
	var got int
	var gotErr error
	go func() {
		got, gotErr = l.Wait(context.Background(), "a")
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	l.Resolve("a", 42)
	<-done
	if gotErr != nil || got != 42 {
		t.Fatalf("expected (42, nil), got (%d, %v)", got, gotErr)
	}
}

func TestResolveFansOutToMultipleWaiters(t *testing.T) {
	l := New[string, int]()
	const n = 3
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		go func() {
			v, _ := l.Wait(context.Background(), "a")
			results <- v
		}()
	}
	time.Sleep(10 * time.Millisecond)
	l.Resolve("a", 7)
	for i := 0; i < n; i++ {
		if v := <-results; v != 7 {
			t.Fatalf("expected 7, got %d", v)
		}
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	l := New[string, int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Wait(ctx, "never"); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestCloseFailsPendingWaiters(t *testing.T) {
	l := New[string, int]()
	done := make(chan error)
	go func() {
		_, err := l.Wait(context.Background(), "a")
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	l.Close(nil)
	if err := <-done; err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestWaitAfterCloseFailsImmediately(t *testing.T) {
	l := New[string, int]()
	l.Close(nil)
	if _, err := l.Wait(context.Background(), "a"); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestUnresolvedIDIsSilentNoOp(t *testing.T) {
	l := New[string, int]()
	l.Resolve("nobody-waiting", 1) // must not panic or block
}
