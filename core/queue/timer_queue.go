// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/aspacca/pantalaimon/core/worker"
)

// TimerQueue holds items until their deadline and then hands them to the
// handler, one at a time from the worker routine.
type TimerQueue struct {
	worker.Worker

	priq    *PriorityQueue
	handler func(interface{})

	l      sync.Mutex
	wakech chan struct{}
}

// NewTimerQueue instantiates a new TimerQueue.  Start must be called
// before items are delivered.
func NewTimerQueue(handler func(interface{})) *TimerQueue {
	return &TimerQueue{
		priq:    New(),
		handler: handler,
		wakech:  make(chan struct{}, 1),
	}
}

// Start starts the worker routine.
func (q *TimerQueue) Start() {
	q.Go(q.worker)
}

// Push schedules value for delivery at deadline.  Push never blocks, so
// handlers may reschedule from the delivery routine.
func (q *TimerQueue) Push(deadline time.Time, value interface{}) {
	q.l.Lock()
	q.priq.Enqueue(uint64(deadline.UnixNano()), value)
	q.l.Unlock()
	select {
	case q.wakech <- struct{}{}:
	default:
		// A wake is already pending; the worker re-peeks the earliest
		// deadline on every pass.
	}
}

// Remove drops the first scheduled item for which fn returns true,
// without delivering it.
func (q *TimerQueue) Remove(fn func(value interface{}) bool) bool {
	q.l.Lock()
	defer q.l.Unlock()
	return q.priq.FilterOnce(fn) != nil
}

func (q *TimerQueue) forward() {
	q.l.Lock()
	m := heap.Pop(q.priq)
	q.l.Unlock()
	if m == nil {
		return
	}
	q.handler(m.(*Entry).Value)
}

func (q *TimerQueue) worker() {
	for {
		var c <-chan time.Time
		q.l.Lock()
		if m := q.priq.Peek(); m != nil {
			until := time.Until(time.Unix(0, int64(m.Priority)))
			if until <= 0 {
				q.l.Unlock()
				q.forward()
				continue
			}
			c = time.After(until)
		}
		q.l.Unlock()
		select {
		case <-q.HaltCh():
			return
		case <-c:
			q.forward()
		case <-q.wakech:
		}
	}
}
