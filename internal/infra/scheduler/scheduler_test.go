package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"circle_cycle_engine/internal/app"

	"github.com/sirupsen/logrus"
)

type countingTicker struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingTicker) Tick(ctx context.Context) (app.TickReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if _, ok := ctx.Deadline(); !ok {
		return app.TickReport{}, errors.New("tick without deadline")
	}
	return app.TickReport{Evaluated: 1}, c.err
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestRunTickCallsEngineWithTimeout(t *testing.T) {
	ticker := &countingTicker{}
	s := NewTickScheduler(ticker, quietLogger(), "* * * * *", time.Second)
	s.runTick()
	ticker.err = errors.New("store down")
	s.runTick()
	if ticker.calls != 2 {
		t.Fatalf("calls = %d, want 2", ticker.calls)
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := NewTickScheduler(&countingTicker{}, quietLogger(), "every so often", time.Second)
	if err := s.Start(); err == nil {
		t.Fatalf("Start() accepted an invalid cron spec")
	}
}
