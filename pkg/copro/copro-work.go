// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the bounded work queue used to move work out of
// interrupt context
package copro

import (
	"sync"
)

// workQueue runs queued functions on a fixed set of goroutines. schedule never
// blocks: a full queue is reported to the caller. With one worker the queue
// preserves submission order.
type workQueue struct {
	name   string
	mu     sync.RWMutex
	closed bool
	ch     chan func()
	wg     sync.WaitGroup
}

func newWorkQueue(name string, depth, workers int) *workQueue {
	q := &workQueue{
		name: name,
		ch:   make(chan func(), depth),
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.run()
	}
	return q
}

func (q *workQueue) run() {
	defer q.wg.Done()
	for fn := range q.ch {
		fn()
	}
}

func (q *workQueue) schedule(fn func()) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- fn:
		return true
	default:
		return false
	}
}

// stop drains what was already queued and waits for the workers to exit
func (q *workQueue) stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	q.wg.Wait()
}

// kick wakes the reader of ch; wakeups that find one already pending merge
func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
