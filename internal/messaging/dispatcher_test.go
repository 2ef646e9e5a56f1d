package messaging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type chanSource chan Event

func (c chanSource) Updates(ctx context.Context) <-chan Event { return c }

// lockedBuffer is a bytes.Buffer safe for concurrent log writes
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDispatcher_BoundsConcurrency(t *testing.T) {
	src := make(chan Event, 5)
	for i := 0; i < 5; i++ {
		src <- Event{Kind: EventVoice, MessageID: i}
	}
	close(src)

	var active, peak, handled int32
	release := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, ev Event) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&active, -1)
		atomic.AddInt32(&handled, 1)
	})

	d := NewDispatcher(chanSource(src), handler, 2, zerolog.Nop())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	if d.InFlight() != 2 {
		t.Errorf("Expected 2 handlers in flight, got %d", d.InFlight())
	}

	close(release)
	if err := <-runDone; err != nil {
		t.Errorf("Expected nil once the source closes, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() failed: %v", err)
	}

	if handled != 5 {
		t.Errorf("Expected 5 handled events, got %d", handled)
	}
	if peak > 2 {
		t.Errorf("Expected at most 2 concurrent handlers, got %d", peak)
	}
}

func TestDispatcher_RecoversFromPanic(t *testing.T) {
	src := make(chan Event, 2)
	src <- Event{MessageID: 1}
	src <- Event{MessageID: 2}
	close(src)

	var handled int32
	handler := HandlerFunc(func(ctx context.Context, ev Event) {
		if ev.MessageID == 1 {
			panic("boom")
		}
		atomic.AddInt32(&handled, 1)
	})

	var buf lockedBuffer
	d := NewDispatcher(chanSource(src), handler, 1, zerolog.New(&buf))
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}

	if handled != 1 {
		t.Errorf("Expected the second event to be handled, got %d", handled)
	}
	if !strings.Contains(buf.String(), "Handler panicked") || !strings.Contains(buf.String(), "boom") {
		t.Errorf("Expected panic to be logged, got %s", buf.String())
	}
}

func TestDispatcher_ShutdownCancelsStragglers(t *testing.T) {
	src := make(chan Event, 1)
	src <- Event{MessageID: 1}
	close(src)

	started := make(chan struct{})
	seen := make(chan error, 1)
	handler := HandlerFunc(func(ctx context.Context, ev Event) {
		close(started)
		<-ctx.Done()
		seen <- ctx.Err()
	})

	d := NewDispatcher(chanSource(src), handler, 1, zerolog.Nop())
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
	if err := <-seen; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected handler context to be cancelled, got %v", err)
	}
	if d.InFlight() != 0 {
		t.Errorf("Expected no handlers in flight, got %d", d.InFlight())
	}
}

func TestDispatcher_StopIntakeDoesNotCancelRuns(t *testing.T) {
	src := make(chan Event, 1)
	src <- Event{MessageID: 1}

	started := make(chan struct{})
	finish := make(chan struct{})
	var runErr atomic.Value
	handler := HandlerFunc(func(ctx context.Context, ev Event) {
		close(started)
		<-finish
		if err := ctx.Err(); err != nil {
			runErr.Store(err)
		}
	})

	d := NewDispatcher(chanSource(src), handler, 1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()

	<-started
	cancel()
	if err := <-runDone; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected Run to return context.Canceled, got %v", err)
	}

	close(finish)
	if err := d.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() failed: %v", err)
	}
	if v := runErr.Load(); v != nil {
		t.Errorf("Expected in-flight run to keep its context, got %v", v)
	}
}

func TestDispatcher_LogsEventDroppedWhileWaitingForSlot(t *testing.T) {
	src := make(chan Event, 2)
	src <- Event{Kind: EventVoice, ChatID: 7, MessageID: 1}
	src <- Event{Kind: EventVoice, ChatID: 7, MessageID: 2}

	release := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, ev Event) { <-release })

	var logs lockedBuffer
	d := NewDispatcher(chanSource(src), handler, 1, zerolog.New(&logs))
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(src) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expected both events to be read from the source")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-runDone; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	out := logs.String()
	if !strings.Contains(out, "Dropping event received during shutdown") || !strings.Contains(out, `"message_id":2`) {
		t.Errorf("Expected the dropped event to be logged with its ids, got %s", out)
	}

	close(release)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Second)
	defer cancelShutdown()
	if err := d.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() failed: %v", err)
	}
}
