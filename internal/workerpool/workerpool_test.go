package workerpool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushBackRunsJob(t *testing.T) {
	p := New(2, 50*time.Millisecond)
	defer p.Shutdown()

	h := PushBack(p, 0, func() (int, error) { return 42, nil })
	v, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestPushFrontRunsBeforeQueuedBack(t *testing.T) {
	p := New(1, 100*time.Millisecond)
	defer p.Shutdown()

	var order []int
	block := make(chan struct{})

	// Occupy the single worker so both submissions queue up. With only one
	// worker, the jobs below run strictly sequentially, so appending to
	// order from each needs no extra synchronization.
	busy := PushBack(p, time.Second, func() (int, error) {
		<-block
		return 0, nil
	})
	h1 := PushBack(p, time.Second, func() (int, error) {
		order = append(order, 1)
		return 1, nil
	})
	h2 := PushFront(p, time.Second, func() (int, error) {
		order = append(order, 2)
		return 2, nil
	})
	close(block)
	_, _ = busy.Wait()
	_, _ = h1.Wait()
	_, _ = h2.Wait()

	require.Len(t, order, 2)
	assert.Equal(t, 2, order[0], "emergency (front) job should run before the normal-priority one")
	assert.Equal(t, 1, order[1])
}

func TestJobTimeout(t *testing.T) {
	p := New(1, 20*time.Millisecond)
	defer p.Shutdown()

	h := PushBack(p, 20*time.Millisecond, func() (int, error) {
		time.Sleep(200 * time.Millisecond)
		return 0, nil
	})
	_, err := h.Wait()
	assert.ErrorIs(t, err, ErrTimeout)

	// Subsequent submissions still succeed.
	h2 := PushBack(p, 0, func() (int, error) { return 7, nil })
	v, err := h2.Wait()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestShutdownResolvesQueuedAndRejectsNew(t *testing.T) {
	p := New(1, 50*time.Millisecond)
	block := make(chan struct{})
	busy := PushBack(p, time.Second, func() (int, error) {
		<-block
		return 0, nil
	})
	queued := PushBack(p, time.Second, func() (int, error) { return 1, nil })

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(block)
	}()
	p.Shutdown()

	_, err := busy.Wait()
	assert.NoError(t, err)
	_, err = queued.Wait()
	assert.ErrorIs(t, err, ErrPoolShutdown)

	h := PushBack(p, 0, func() (int, error) { return 2, nil })
	_, err = h.Wait()
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestDefaultWorkerCount(t *testing.T) {
	p := New(0, 0)
	defer p.Shutdown()
	var n atomic.Int64
	var handles []*Handle[int]
	for i := 0; i < 4; i++ {
		handles = append(handles, PushBack(p, 0, func() (int, error) {
			n.Add(1)
			return 0, nil
		}))
	}
	for _, h := range handles {
		_, _ = h.Wait()
	}
	assert.Equal(t, int64(4), n.Load())
}
