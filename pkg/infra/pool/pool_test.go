package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool(t *testing.T) {
	p, err := NewPool("observers", nil)
	require.NoError(t, err)
	defer p.Release()
	assert.Equal(t, "observers", p.Name())

	_, err = NewPool("bad", &Config{Capacity: 0})
	assert.ErrorIs(t, err, ErrInvalidPoolConfig)
}

func TestPoolSubmit(t *testing.T) {
	p, err := NewPool("test", &Config{Capacity: 4, ExpiryDuration: time.Second})
	require.NoError(t, err)
	defer p.Release()

	var counter atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			counter.Add(1)
		}))
	}
	wg.Wait()

	assert.Equal(t, int32(50), counter.Load())
	assert.Eventually(t, func() bool { return p.Stats().Completed == 50 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(50), p.Stats().Submitted)
}

func TestPoolOverload(t *testing.T) {
	p, err := NewPool("test", &Config{Capacity: 1, Nonblocking: true})
	require.NoError(t, err)
	defer p.Release()

	block := make(chan struct{})
	require.NoError(t, p.Submit(func() { <-block }))
	assert.ErrorIs(t, p.Submit(func() {}), ErrPoolOverload)
	close(block)
	assert.Equal(t, int64(1), p.Stats().Rejected)
}

func TestPoolPanicRecovered(t *testing.T) {
	recovered := make(chan interface{}, 1)
	p, err := NewPool("test", &Config{
		Capacity:     1,
		PanicHandler: func(r interface{}) { recovered <- r },
	})
	require.NoError(t, err)
	defer p.Release()

	require.NoError(t, p.Submit(func() { panic("boom") }))
	assert.Equal(t, "boom", <-recovered)
	assert.Eventually(t, func() bool { return p.Stats().Panicked == 1 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, p.Stats().Completed)
}

func TestPoolRelease(t *testing.T) {
	p, err := NewPool("test", nil)
	require.NoError(t, err)

	p.Release()
	p.Release()
	assert.ErrorIs(t, p.Submit(func() {}), ErrPoolClosed)
	assert.NoError(t, p.ReleaseTimeout(time.Second))
}
