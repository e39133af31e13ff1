// Package dispatch hands work from network goroutines to the simulation
// tick.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/zeusync/simbridge/internal/core/observability/log"
)

// Action runs on the simulation goroutine during Drain.
type Action func()

// Poster accepts actions for a later tick.
type Poster interface {
	Post(action Action)
}

// TickQueue collects actions from any goroutine and runs them in post order
// when the owner calls Drain.
type TickQueue struct {
	mu      sync.Mutex
	pending []Action
	spare   []Action
	logger  log.Log
}

func NewTickQueue(logger log.Log) *TickQueue {
	if logger == nil {
		logger = log.Nop()
	}
	return &TickQueue{logger: logger.With(log.String("component", "tick_queue"))}
}

func (q *TickQueue) Post(action Action) {
	if action == nil {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, action)
	q.mu.Unlock()
}

// Drain runs the actions queued when it was called and returns how many ran.
// Actions posted meanwhile, including by the running actions, wait for the
// next Drain. A panicking action is logged and skipped.
func (q *TickQueue) Drain() int {
	q.mu.Lock()
	batch := q.pending
	q.pending = q.spare[:0]
	q.mu.Unlock()

	for i, action := range batch {
		q.run(action)
		batch[i] = nil
	}

	q.mu.Lock()
	q.spare = batch[:0]
	q.mu.Unlock()
	return len(batch)
}

func (q *TickQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *TickQueue) run(action Action) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Tick action panicked", log.String("panic", fmt.Sprint(r)))
		}
	}()
	action()
}
