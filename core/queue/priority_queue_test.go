// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdering(t *testing.T) {
	q := New()
	require.Equal(t, 0, q.Len())
	require.Nil(t, q.Peek())
	require.Nil(t, q.Dequeue())

	prios := rand.Perm(64)
	for _, p := range prios {
		q.Enqueue(uint64(p), p)
	}
	require.Equal(t, len(prios), q.Len())

	for expected := 0; expected < len(prios); expected++ {
		peek := q.Peek()
		require.NotNil(t, peek)
		require.Equal(t, uint64(expected), peek.Priority)

		e := q.Dequeue()
		require.NotNil(t, e)
		require.Equal(t, uint64(expected), e.Priority)
		require.Equal(t, expected, e.Value.(int))
	}
	require.Equal(t, 0, q.Len())
}

func TestPriorityQueueDuplicatePriorities(t *testing.T) {
	q := New()
	for i := 0; i < 16; i++ {
		q.Enqueue(42, i)
	}
	q.Enqueue(1, "first")
	q.Enqueue(99, "last")

	require.Equal(t, "first", q.Dequeue().Value)
	for i := 0; i < 16; i++ {
		require.Equal(t, uint64(42), q.Dequeue().Priority)
	}
	require.Equal(t, "last", q.Dequeue().Value)
}

func TestPriorityQueueFilterOnce(t *testing.T) {
	q := New()
	for i := 0; i < 8; i++ {
		q.Enqueue(uint64(i), i)
	}

	e := q.FilterOnce(func(value interface{}) bool {
		return value.(int) == 5
	})
	require.NotNil(t, e)
	require.Equal(t, 5, e.Value.(int))
	require.Equal(t, 7, q.Len())

	e = q.FilterOnce(func(value interface{}) bool {
		return value.(int) == 5
	})
	require.Nil(t, e)

	// Heap order survives the removal.
	for _, expected := range []int{0, 1, 2, 3, 4, 6, 7} {
		require.Equal(t, expected, q.Dequeue().Value.(int))
	}
}
