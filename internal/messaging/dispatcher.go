package messaging

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// Dispatcher fans inbound events out to a Handler, one goroutine per event,
// with at most maxConcurrent handlers running at once.
//
// Handlers run under their own context so that stopping intake does not
// abort runs already in flight; Shutdown drains them and cancels the rest.
type Dispatcher struct {
	source  Source
	handler Handler
	slots   chan struct{}
	wg      sync.WaitGroup
	logger  zerolog.Logger

	runCtx    context.Context
	cancelRun context.CancelFunc
}

// NewDispatcher creates a dispatcher reading from source
func NewDispatcher(source Source, handler Handler, maxConcurrent int, logger zerolog.Logger) *Dispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		source:    source,
		handler:   handler,
		slots:     make(chan struct{}, maxConcurrent),
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
}

// Run consumes events until ctx is done or the source closes.
// It blocks while all handler slots are busy.
func (d *Dispatcher) Run(ctx context.Context) error {
	events := d.source.Updates(ctx)
	d.logger.Info().Int("max_concurrent", cap(d.slots)).Msg("Dispatcher started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				d.logger.Info().Msg("Event source closed")
				return nil
			}

			select {
			case d.slots <- struct{}{}:
			case <-ctx.Done():
				// The update offset has already moved past ev
				d.logger.Warn().
					Str("kind", string(ev.Kind)).
					Int64("chat_id", ev.ChatID).
					Int("message_id", ev.MessageID).
					Msg("Dropping event received during shutdown")
				return ctx.Err()
			}

			d.wg.Add(1)
			go d.dispatch(ev)
		}
	}
}

func (d *Dispatcher) dispatch(ev Event) {
	defer d.wg.Done()
	defer func() { <-d.slots }()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Int64("chat_id", ev.ChatID).
				Int("message_id", ev.MessageID).
				Msg("Handler panicked")
		}
	}()

	d.handler.Handle(d.runCtx, ev)
}

// InFlight returns the number of handlers currently running
func (d *Dispatcher) InFlight() int {
	return len(d.slots)
}

// Shutdown waits for in-flight handlers until ctx is done, then cancels
// whatever is still running and waits for it to return. Call it after Run has returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancelRun()
		return nil
	case <-ctx.Done():
		d.logger.Warn().Int("in_flight", d.InFlight()).Msg("Shutdown timeout reached, cancelling runs")
		d.cancelRun()
		<-done
		return ctx.Err()
	}
}
