package background

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackgroundTaskRunsInOrder(t *testing.T) {
	b := New(nil)
	defer b.Shutdown()

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, b.Schedule(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	b.WaitForEmptyQueue()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i := range got {
		assert.Equal(t, i, got[i])
	}
}

func TestBackgroundTaskWaitsForNestedJobs(t *testing.T) {
	b := New(nil)
	defer b.Shutdown()

	var count atomic.Int32
	var reschedule func()
	reschedule = func() {
		if count.Add(1) < 10 {
			_ = b.Schedule(reschedule)
		}
	}
	require.NoError(t, b.Schedule(reschedule))
	b.WaitForEmptyQueue()
	assert.EqualValues(t, 10, count.Load())
	assert.Zero(t, b.Len())
}

func TestBackgroundTaskSurvivesPanic(t *testing.T) {
	b := New(nil)
	defer b.Shutdown()

	var ran atomic.Bool
	require.NoError(t, b.Schedule(func() { panic("boom") }))
	require.NoError(t, b.Schedule(func() { ran.Store(true) }))
	b.WaitForEmptyQueue()
	assert.True(t, ran.Load())
}

func TestBackgroundTaskShutdownDrainsQueue(t *testing.T) {
	b := New(nil)

	release := make(chan struct{})
	var count atomic.Int32
	require.NoError(t, b.Schedule(func() { <-release }))
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Schedule(func() { count.Add(1) }))
	}

	done := make(chan struct{})
	go func() {
		b.Shutdown()
		close(done)
	}()
	close(release)
	<-done

	assert.EqualValues(t, 5, count.Load())
	assert.ErrorIs(t, b.Schedule(func() {}), ErrClosed)

	// A second shutdown returns at once.
	b.Shutdown()
}
