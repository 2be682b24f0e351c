package scheduler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/biequity/reconciler/internal/engine"
	"github.com/biequity/reconciler/internal/lock"
	"github.com/biequity/reconciler/internal/logging"
)

type blockingRunner struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
	err     error
}

func (r *blockingRunner) Run(context.Context) (engine.Summary, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.started != nil {
		close(r.started)
		<-r.release
	}
	return engine.Summary{Settled: 1, Buys: []engine.EventResult{{EventID: "0x1:0", Success: true}}}, r.err
}

func TestTriggerSingleFlight(t *testing.T) {
	r := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	trig := NewTrigger(r, lock.NewGuard(nil, "runs", 0, nil), nil)

	done := make(chan error, 1)
	go func() {
		_, err := trig.Process(context.Background())
		done <- err
	}()
	<-r.started

	if _, err := trig.Process(context.Background()); !errors.Is(err, lock.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	close(r.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if r.calls != 1 {
		t.Fatalf("late invocation must not queue a run, calls=%d", r.calls)
	}
}

func TestTriggerReturnsSummary(t *testing.T) {
	r := &blockingRunner{}
	trig := NewTrigger(r, lock.NewGuard(nil, "runs", 0, nil), nil)
	sum, err := trig.Process(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if sum.Settled != 1 || len(sum.Buys) != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestNewCronValidatesSchedule(t *testing.T) {
	trig := NewTrigger(&blockingRunner{}, lock.NewGuard(nil, "runs", 0, nil), nil)
	for _, expr := range []string{"", "@every 30s", "*/5 * * * *", "@hourly"} {
		if _, err := NewCron(trig, expr, nil); err != nil {
			t.Fatalf("schedule %q: %v", expr, err)
		}
	}
	if _, err := NewCron(trig, "every minute", nil); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
}

func TestCronTickLogsOutcome(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewWithWriter(&buf, "info")
	r := &blockingRunner{err: errors.New("rpc down")}
	c, err := NewCron(NewTrigger(r, lock.NewGuard(nil, "runs", 0, nil), log), "@every 1m", log)
	if err != nil {
		t.Fatalf("new cron: %v", err)
	}

	c.tick(context.Background())
	if !strings.Contains(buf.String(), "scheduled run failed") || !strings.Contains(buf.String(), "rpc down") {
		t.Fatalf("expected failure log, got %q", buf.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.tick(ctx)
	if r.calls != 1 {
		t.Fatalf("tick after shutdown should not run, calls=%d", r.calls)
	}
}
