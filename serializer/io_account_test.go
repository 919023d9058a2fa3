package serializer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIOAccountRunsSubmittedWork(t *testing.T) {
	a := NewIOAccount(2)
	defer a.Close()

	var ran int32
	err := a.Submit(context.Background(), PriorityHigh, func() {
		atomic.AddInt32(&ran, 1)
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), ran)
}

func TestIOAccountBoundsConcurrency(t *testing.T) {
	a := NewIOAccount(2)
	defer a.Close()

	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Submit(context.Background(), PriorityBackground, func() {
				n := atomic.AddInt32(&active, 1)
				for {
					old := atomic.LoadInt32(&maxActive)
					if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&active, -1)
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, maxActive, int32(2))
}

func TestIOAccountSubmitRespectsContextCancellation(t *testing.T) {
	a := NewIOAccount(1)
	defer a.Close()

	gate := make(chan struct{})
	go func() {
		_ = a.Submit(context.Background(), PriorityHigh, func() { <-gate })
	}()
	time.Sleep(10 * time.Millisecond) // let the blocking job claim the one worker

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.Submit(ctx, PriorityBackground, func() {})
	assert.Error(t, err)
	close(gate)
}

func TestIOAccountCloseRejectsNewWork(t *testing.T) {
	a := NewIOAccount(1)
	a.Close()
	err := a.Submit(context.Background(), PriorityHigh, func() {})
	assert.Error(t, err)
}
