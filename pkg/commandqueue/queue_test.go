package commandqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := New()
	defer cq.Close()

	executed := false
	result, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := New()
	defer cq.Close()

	expectedErr := errors.New("task failed")
	result, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	})

	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestCommandQueue_TaskPanic(t *testing.T) {
	cq := New()
	defer cq.Close()

	_, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// lane keeps working
	v, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestCommandQueue_SerialWithinLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	var mu sync.Mutex
	running, maxRunning := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cq.Enqueue(context.Background(), "session:a", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxRunning)
}

func TestCommandQueue_FIFOOrder(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}()
		require.Eventually(t, func() bool { return cq.Stats()["lane"].Queued == i+1 }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestCommandQueue_ConcurrentLanes(t *testing.T) {
	cq := New()
	defer cq.Close()

	block := make(chan struct{})
	go cq.Enqueue(context.Background(), "session:a", func(ctx context.Context) (interface{}, error) {
		<-block
		return nil, nil
	})
	defer close(block)

	done := make(chan struct{})
	go func() {
		cq.Enqueue(context.Background(), "session:b", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lane b was blocked by lane a")
	}
}

func TestCommandQueue_CancelWhileQueued(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	errCh := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(ctx, "lane", func(ctx context.Context) (interface{}, error) {
			ran = true
			return nil, nil
		})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return cq.Stats()["lane"].Queued == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	_, err := cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestCommandQueue_RemoveLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	assert.True(t, cq.RemoveLane("missing"))

	release := make(chan struct{})
	started := make(chan struct{})
	go cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	errCh := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) { return nil, nil })
		errCh <- err
	}()
	require.Eventually(t, func() bool { return cq.Stats()["lane"].Queued == 1 }, time.Second, time.Millisecond)

	assert.False(t, cq.RemoveLane("lane"), "busy lanes are kept")

	close(release)
	require.NoError(t, <-errCh)
	require.Eventually(t, func() bool { return cq.RemoveLane("lane") }, time.Second, time.Millisecond)
	assert.NotContains(t, cq.Stats(), "lane")
}

func TestCommandQueue_Close(t *testing.T) {
	cq := New()

	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		errCh <- err
	}()
	<-started

	require.NoError(t, cq.Close())
	assert.ErrorIs(t, <-errCh, context.Canceled)

	_, err := cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, cq.Close())
}
