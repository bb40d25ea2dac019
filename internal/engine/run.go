package engine

import (
	"context"
	"sync"

	"github.com/nerrad567/routine-core/internal/dal"
	"github.com/nerrad567/routine-core/internal/routine"
)

type controlOp int

const (
	controlPause controlOp = iota + 1
	controlResume
)

type controlRequest struct {
	op    controlOp
	reply chan error
}

// activeRun is the engine-side state of one run. run is guarded by the
// engine mutex; the rest is owned by the run goroutine once it starts.
type activeRun struct {
	id      string
	run     Run
	routine routine.Routine
	layer   *dal.Layer

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce   sync.Once
	stopCh     chan struct{}
	stopReason string

	control chan controlRequest
	events  *eventQueue
	done    chan struct{}
}

func newActiveRun(id string) *activeRun {
	ctx, cancel := context.WithCancel(context.Background())
	return &activeRun{
		id:      id,
		run:     Run{ID: id, Status: RunRunning},
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		control: make(chan controlRequest),
		events:  newEventQueue(),
		done:    make(chan struct{}),
	}
}

// requestStop asks the run to end. The first reason wins.
func (ar *activeRun) requestStop(reason string) {
	ar.stopOnce.Do(func() {
		ar.stopReason = reason
		close(ar.stopCh)
		ar.cancel()
	})
}

func (ar *activeRun) stopRequested() bool {
	select {
	case <-ar.stopCh:
		return true
	default:
		return false
	}
}

// reason is only valid once stopRequested reports true.
func (ar *activeRun) reason() string {
	return ar.stopReason
}

// eventQueue is an unbounded FIFO of device callbacks waiting for the run
// goroutine. Pushing never blocks the registry's delivery goroutine.
type eventQueue struct {
	mu     sync.Mutex
	items  []func()
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
