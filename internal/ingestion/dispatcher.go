// Package ingestion runs the two event producers, the streaming connection
// and the poller, and feeds everything they see through one dispatcher.
package ingestion

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/admission"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Gate admits events
type Gate interface {
	Admit(ctx context.Context, ev models.Event) (admission.Verdict, error)
}

// Handler processes admitted events
type Handler interface {
	Handle(ctx context.Context, ev models.Event) error
}

// Dispatcher admits events synchronously and hands admitted ones to the
// handler on their own goroutine, bounded by maxInFlight.
type Dispatcher struct {
	gate    Gate
	handler Handler
	slots   *semaphore.Weighted
	wg      sync.WaitGroup

	received   [2]atomic.Int64 // by kind
	handled    atomic.Int64
	failed     atomic.Int64
	recovered  atomic.Int64
	admitFails atomic.Int64
}

// NewDispatcher creates a dispatcher
func NewDispatcher(gate Gate, handler Handler, maxInFlight int) *Dispatcher {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Dispatcher{
		gate:    gate,
		handler: handler,
		slots:   semaphore.NewWeighted(int64(maxInFlight)),
	}
}

// Dispatch runs admission for ev and, when admitted, starts handling it.
// It blocks only while all handler slots are busy.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.Event) {
	if int(ev.Kind) < len(d.received) {
		d.received[ev.Kind].Add(1)
	}

	verdict, err := d.gate.Admit(ctx, ev)
	if err != nil {
		d.admitFails.Add(1)
		logrus.WithFields(logrus.Fields{"event_id": ev.ID, "kind": ev.Kind.String()}).
			Errorf("Admission failed: %v", err)
		return
	}
	if verdict != admission.Admitted {
		return
	}

	if err := d.slots.Acquire(ctx, 1); err != nil {
		// shutting down; the event is already marked and will not be retried
		logrus.WithField("event_id", ev.ID).Warn("Dropping admitted event during shutdown")
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.slots.Release(1)
		d.handle(ctx, ev)
	}()
}

// handle is the per-event failure boundary
func (d *Dispatcher) handle(ctx context.Context, ev models.Event) {
	log := logrus.WithFields(logrus.Fields{
		"event_id": ev.ID,
		"kind":     ev.Kind.String(),
		"source":   ev.Source,
		"trace_id": uuid.NewString(),
	})
	log.Debug("Handling event")
	defer func() {
		if r := recover(); r != nil {
			d.recovered.Add(1)
			log.WithField("stack", string(debug.Stack())).Errorf("Recovered from panic while handling event: %v", r)
		}
	}()

	start := time.Now()
	if err := d.handler.Handle(ctx, ev); err != nil {
		d.failed.Add(1)
		log.Errorf("Failed to handle event: %v", err)
		return
	}
	d.handled.Add(1)
	log.Debugf("Handled event in %s", time.Since(start))
}

// Wait blocks until every in-flight handler has returned
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stats returns dispatcher counters
func (d *Dispatcher) Stats() map[string]int64 {
	return map[string]int64{
		"received_mentions": d.received[models.KindMention].Load(),
		"received_messages": d.received[models.KindDirectMessage].Load(),
		"handled":           d.handled.Load(),
		"handler_errors":    d.failed.Load(),
		"handler_panics":    d.recovered.Load(),
		"admission_errors":  d.admitFails.Load(),
	}
}
