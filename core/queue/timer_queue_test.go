// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerQueueDelivery(t *testing.T) {
	delivered := make(chan interface{}, 8)
	q := NewTimerQueue(func(value interface{}) {
		delivered <- value
	})
	q.Start()
	defer q.Halt()

	now := time.Now()
	q.Push(now.Add(40*time.Millisecond), "second")
	q.Push(now.Add(10*time.Millisecond), "first")

	require.Equal(t, "first", <-delivered)
	require.Equal(t, "second", <-delivered)
}

func TestTimerQueueReschedulingHandler(t *testing.T) {
	// A handler that pushes its own follow-up runs on the delivery
	// routine; Push must not block on it.
	delivered := make(chan int, 8)
	var q *TimerQueue
	q = NewTimerQueue(func(value interface{}) {
		n := value.(int)
		delivered <- n
		if n < 3 {
			q.Push(time.Now().Add(5*time.Millisecond), n+1)
		}
	})
	q.Start()
	defer q.Halt()

	q.Push(time.Now().Add(5*time.Millisecond), 1)
	for want := 1; want <= 3; want++ {
		select {
		case got := <-delivered:
			require.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery %d never arrived", want)
		}
	}
}

func TestTimerQueueRemove(t *testing.T) {
	delivered := make(chan interface{}, 8)
	q := NewTimerQueue(func(value interface{}) {
		delivered <- value
	})
	q.Start()
	defer q.Halt()

	q.Push(time.Now().Add(30*time.Millisecond), "cancelled")
	q.Push(time.Now().Add(60*time.Millisecond), "kept")

	require.True(t, q.Remove(func(value interface{}) bool {
		return value == "cancelled"
	}))
	require.False(t, q.Remove(func(value interface{}) bool {
		return value == "cancelled"
	}))

	require.Equal(t, "kept", <-delivered)
	select {
	case v := <-delivered:
		t.Fatalf("unexpected delivery: %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimerQueueHalt(t *testing.T) {
	q := NewTimerQueue(func(interface{}) {})
	q.Start()
	q.Push(time.Now().Add(time.Hour), "never")
	q.Halt()

	// Push after halt must not block.
	done := make(chan struct{})
	go func() {
		q.Push(time.Now(), "late")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Push blocked after Halt")
	}
}
