package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/splax/tenantops/internal/domain"
)

type scriptedChecker struct {
	mu   sync.Mutex
	down map[string]bool
}

func (c *scriptedChecker) set(server string, down bool) {
	c.mu.Lock()
	c.down[server] = down
	c.mu.Unlock()
}

func (c *scriptedChecker) Check(_ context.Context, server domain.ServerRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down[server.Name] {
		return errors.New("connection refused")
	}
	return nil
}

type recordingNotifier struct {
	transitions []Transition
}

func (n *recordingNotifier) Notify(_ context.Context, t Transition) {
	n.transitions = append(n.transitions, t)
}

type gaugeFunc func(string, bool)

func (f gaugeFunc) SetServerHealth(server string, healthy bool) { f(server, healthy) }

func TestConsecutiveFailuresTransition(t *testing.T) {
	servers := []domain.ServerRecord{
		{Type: domain.ServerShared, Name: "shared-01", Address: "10.0.0.1"},
		{Type: domain.ServerDedicated, Name: "bigcorp", Address: "10.0.0.2"},
	}
	checker := &scriptedChecker{down: map[string]bool{"bigcorp": true}}
	notifier := &recordingNotifier{}
	gauge := map[string]bool{}
	m := New(servers, checker, 0, 3, slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithNotifier(notifier).
		WithGauge(gaugeFunc(func(s string, ok bool) { gauge[s] = ok }))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		m.CheckOnce(ctx)
	}
	if len(notifier.transitions) != 0 {
		t.Fatalf("server must not be marked unhealthy before the threshold")
	}
	if !gauge["bigcorp"] {
		t.Fatalf("gauge should still report healthy")
	}

	states := m.CheckOnce(ctx)
	if states[1].Healthy || states[1].Failures != 3 || states[1].LastError == "" {
		t.Fatalf("unexpected state %+v", states[1])
	}
	if !states[0].Healthy || states[0].Failures != 0 {
		t.Fatalf("healthy server affected: %+v", states[0])
	}
	if len(notifier.transitions) != 1 || notifier.transitions[0].Healthy {
		t.Fatalf("expected one unhealthy transition, got %+v", notifier.transitions)
	}
	if gauge["bigcorp"] {
		t.Fatalf("gauge should report unhealthy")
	}

	m.CheckOnce(ctx)
	if len(notifier.transitions) != 1 {
		t.Fatalf("repeated failures must not notify again")
	}

	checker.set("bigcorp", false)
	states = m.CheckOnce(ctx)
	if !states[1].Healthy || states[1].Failures != 0 {
		t.Fatalf("server should recover: %+v", states[1])
	}
	if len(notifier.transitions) != 2 || !notifier.transitions[1].Healthy {
		t.Fatalf("expected recovery transition, got %+v", notifier.transitions)
	}
}

func TestFailureStreakResetsOnSuccess(t *testing.T) {
	servers := []domain.ServerRecord{{Type: domain.ServerShared, Name: "shared-01", Address: "local"}}
	checker := &scriptedChecker{down: map[string]bool{"shared-01": true}}
	notifier := &recordingNotifier{}
	m := New(servers, checker, 0, 2, slog.New(slog.NewTextHandler(io.Discard, nil))).WithNotifier(notifier)

	ctx := context.Background()
	m.CheckOnce(ctx)
	checker.set("shared-01", false)
	m.CheckOnce(ctx)
	checker.set("shared-01", true)
	m.CheckOnce(ctx)
	if len(notifier.transitions) != 0 {
		t.Fatalf("non-consecutive failures must not trip the monitor")
	}
	if got := m.Snapshot()[0].Failures; got != 1 {
		t.Fatalf("expected streak of 1, got %d", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := New(nil, &scriptedChecker{down: map[string]bool{}}, 0, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}
