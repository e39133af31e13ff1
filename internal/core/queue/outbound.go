// Package queue buffers outbound envelopes between the simulation tick and
// the network sender.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/zeusync/simbridge/internal/core/observability/log"
	"github.com/zeusync/simbridge/internal/core/observability/metrics"
	"github.com/zeusync/simbridge/internal/core/protocol/envelope"
	"github.com/zeusync/simbridge/pkg/sequence"
)

// Item is one queued envelope. Seq increases by one per Enqueue.
type Item struct {
	Seq        uint64
	Envelope   envelope.Envelope
	EnqueuedAt time.Time
}

// Outbound is a multi-producer, single-consumer FIFO. The consumer reads the
// head with Peek and removes it with Ack only after a successful write, so an
// item whose write failed is retried first on the next connection.
type Outbound struct {
	mu       sync.Mutex
	items    *sequence.Queue[Item]
	nextSeq  uint64
	capacity int
	dropped  uint64
	ready    chan struct{}

	logger   log.Log
	recorder metrics.Recorder
	now      func() time.Time
}

type Option func(*Outbound)

// WithCapacity bounds the queue. When full, Enqueue drops the oldest item.
// Zero or less means unbounded.
func WithCapacity(n int) Option {
	return func(q *Outbound) { q.capacity = n }
}

func WithLogger(logger log.Log) Option {
	return func(q *Outbound) { q.logger = logger }
}

func WithRecorder(r metrics.Recorder) Option {
	return func(q *Outbound) { q.recorder = metrics.OrNop(r) }
}

func WithClock(now func() time.Time) Option {
	return func(q *Outbound) { q.now = now }
}

func New(opts ...Option) *Outbound {
	q := &Outbound{
		items:    sequence.NewQueue[Item](64),
		nextSeq:  1,
		ready:    make(chan struct{}, 1),
		logger:   log.Nop(),
		recorder: metrics.Nop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends env and returns its sequence number. It never blocks on
// the network.
func (q *Outbound) Enqueue(env envelope.Envelope) uint64 {
	q.mu.Lock()
	if q.capacity > 0 && q.items.Len() >= q.capacity {
		if old, ok := q.items.Pop(); ok {
			q.dropped++
			q.recorder.EnvelopeDropped(metrics.ReasonQueueFull)
			q.logger.Warn("Outbound queue full, dropping oldest envelope",
				log.Uint64("seq", old.Seq),
				log.String("kind", old.Envelope.Kind.String()),
				log.Int("capacity", q.capacity))
		}
	}

	seq := q.nextSeq
	q.nextSeq++
	q.items.Push(Item{Seq: seq, Envelope: env, EnqueuedAt: q.now()})
	depth := q.items.Len()
	q.mu.Unlock()

	q.recorder.QueueDepth(depth)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return seq
}

// Peek blocks until an item is available or ctx is done, and returns the
// head without removing it.
func (q *Outbound) Peek(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()
		item, ok := q.items.Peek()
		q.mu.Unlock()
		if ok {
			return item, nil
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			return Item{}, ctx.Err()
		}
	}
}

// Ack removes the head if it still carries seq. It reports false when the
// head has changed, e.g. because a bounded queue dropped it.
func (q *Outbound) Ack(seq uint64) bool {
	q.mu.Lock()
	head, ok := q.items.Peek()
	if !ok || head.Seq != seq {
		q.mu.Unlock()
		return false
	}
	q.items.Pop()
	depth := q.items.Len()
	q.mu.Unlock()

	q.recorder.QueueDepth(depth)
	return true
}

func (q *Outbound) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Dropped counts items discarded by the capacity bound.
func (q *Outbound) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Pending returns a copy of the queued items, head first.
func (q *Outbound) Pending() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, q.items.Len())
	q.items.Each(func(it Item) bool {
		out = append(out, it)
		return true
	})
	return out
}
