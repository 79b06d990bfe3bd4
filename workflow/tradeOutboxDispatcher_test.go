package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPublishBackoffDoublesUpToCap(t *testing.T) {
	d := &TradeOutboxDispatcher{InitialBackoff: 5 * time.Second, MaxBackoff: time.Minute}

	assert.Equal(t, 5*time.Second, d.publishBackoff(0))
	assert.Equal(t, 5*time.Second, d.publishBackoff(1))
	assert.Equal(t, 10*time.Second, d.publishBackoff(2))
	assert.Equal(t, 40*time.Second, d.publishBackoff(4))
	assert.Equal(t, time.Minute, d.publishBackoff(5))
	assert.Equal(t, time.Minute, d.publishBackoff(30))
}

func TestDispatchOnceWithoutDatabase(t *testing.T) {
	var d *TradeOutboxDispatcher
	assert.Equal(t, 0, d.DispatchOnce(context.Background()))
	assert.Equal(t, 0, (&TradeOutboxDispatcher{}).DispatchOnce(context.Background()))
}

func TestRunStopsWithContext(t *testing.T) {
	d := &TradeOutboxDispatcher{PollInterval: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
