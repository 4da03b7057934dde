package groutine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGoPropagatesName(t *testing.T) {
	got := make(chan string, 1)
	Go(nil, "worker-1", func(ctx context.Context) {
		got <- GetName(ctx)
	})
	assert.Equal(t, "worker-1", <-got)
	assert.Equal(t, "", GetName(context.Background()))
}

func TestGroupStopWaits(t *testing.T) {
	g := NewGroup(context.Background())
	var exited atomic.Int32

	for i := 0; i < 3; i++ {
		g.Go("looper", func(ctx context.Context) {
			<-ctx.Done()
			exited.Add(1)
		})
	}

	g.Stop()
	assert.Equal(t, int32(3), exited.Load(), "Stop MUST wait for every goroutine")
	assert.Error(t, g.Context().Err())
}
