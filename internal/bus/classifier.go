package bus

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Consumer receives classified events. Implementations must tolerate being
// called from different goroutines for different runs; events for a single
// run arrive in Seq order.
type Consumer interface {
	Name() string
	Consume(ctx context.Context, ev Event) error
}

var errMissingRunID = errors.New("bus: event has no run_id")

// Classifier validates incoming records, assigns missing sequence numbers and
// fans events out to the registered consumers. Unknown event types are
// counted and dropped so a newer producer never breaks the stream.
type Classifier struct {
	seq *SeqAllocator

	mu        sync.RWMutex
	consumers []Consumer

	unknown       atomic.Int64
	consumerFails atomic.Int64
}

func NewClassifier() *Classifier {
	return &Classifier{seq: NewSeqAllocator()}
}

func (c *Classifier) Register(consumer Consumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumers = append(c.consumers, consumer)
}

// Stamp validates ev and assigns its record id and sequence number without
// delivering it to any consumer. The import path stamps a whole batch, makes
// it durable, and only then dispatches it.
func (c *Classifier) Stamp(ev Event) (Event, error) {
	if ev.RunID == "" {
		return ev, errMissingRunID
	}
	if !Known(ev.Type) {
		c.unknown.Add(1)
		return ev, nil
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Seq == 0 {
		ev.Seq = c.seq.Next(ev.RunID)
	} else {
		c.seq.Observe(ev.RunID, ev.Seq)
	}
	return ev, nil
}

// Dispatch validates ev, stamps its sequence number and delivers it to every
// consumer. The returned event carries the assigned Seq. Consumer errors are
// counted and logged, never propagated: a single misbehaving consumer must
// not stall the stream.
func (c *Classifier) Dispatch(ctx context.Context, ev Event) (Event, error) {
	if ev.RunID == "" {
		return ev, errMissingRunID
	}
	if !Known(ev.Type) {
		c.unknown.Add(1)
		return ev, nil
	}
	if ev.Seq == 0 {
		// A live event arrives unstamped; the import path pre-stamps.
		var err error
		if ev, err = c.Stamp(ev); err != nil {
			return ev, err
		}
	} else {
		c.seq.Observe(ev.RunID, ev.Seq)
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
	}

	c.mu.RLock()
	consumers := c.consumers
	c.mu.RUnlock()

	for _, consumer := range consumers {
		if err := consumer.Consume(ctx, ev); err != nil {
			c.consumerFails.Add(1)
			log.Printf("bus: consumer %s failed on %s seq=%d: %v", consumer.Name(), ev.Type, ev.Seq, err)
		}
	}
	return ev, nil
}

// UnknownCount reports how many events were dropped for carrying an
// unrecognized type discriminant.
func (c *Classifier) UnknownCount() int64 { return c.unknown.Load() }

// ConsumerFailures reports how many consumer deliveries returned an error.
func (c *Classifier) ConsumerFailures() int64 { return c.consumerFails.Load() }

// Seq exposes the classifier's sequence allocator for producers that need to
// pre-assign numbers (the import path does, to keep a batch contiguous).
func (c *Classifier) Seq() *SeqAllocator { return c.seq }
