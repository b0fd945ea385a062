package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/finlit/core-api/internal/logging"
)

type countingPurger struct {
	calls atomic.Int32
	err   error
}

func (p *countingPurger) PurgeExpired(context.Context, time.Time) (int64, error) {
	p.calls.Add(1)
	return 1, p.err
}

func TestRunRevocationPurge(t *testing.T) {
	for _, err := range []error{nil, errors.New("db down")} {
		p := &countingPurger{err: err}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			RunRevocationPurge(ctx, p, 5*time.Millisecond, logging.Nop{})
			close(done)
		}()

		assert.Eventually(t, func() bool { return p.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("purge loop did not stop")
		}
	}
}
