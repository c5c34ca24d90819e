package session

import "sync"

// inbox is an unbounded queue of events for the controller loop.
//
// Producers never block, so supervisor and watchdog callbacks may post while
// the loop is busy cancelling them.
type inbox struct {
	mu    sync.Mutex
	queue []any
	wake  chan struct{}
}

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{}, 1)}
}

func (ib *inbox) push(m any) {
	ib.mu.Lock()
	ib.queue = append(ib.queue, m)
	ib.mu.Unlock()
	select {
	case ib.wake <- struct{}{}:
	default:
	}
}

func (ib *inbox) drain() []any {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	q := ib.queue
	ib.queue = nil
	return q
}
