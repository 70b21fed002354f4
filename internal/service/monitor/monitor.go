package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splax/tenantops/internal/domain"
)

const probeConcurrency = 8

// Checker probes a single server.
type Checker interface {
	Check(ctx context.Context, server domain.ServerRecord) error
}

// Gauge exposes the current health of each server.
type Gauge interface {
	SetServerHealth(server string, healthy bool)
}

// Transition is emitted when a server changes health state.
type Transition struct {
	Server   string
	Healthy  bool
	Failures int
	Err      error
	At       time.Time
}

// Notifier receives health transitions.
type Notifier interface {
	Notify(ctx context.Context, t Transition)
}

// LogNotifier writes transitions to the log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, t Transition) {
	log := n.Logger
	if log == nil {
		log = slog.Default()
	}
	if t.Healthy {
		log.Info("server recovered", "server", t.Server)
		return
	}
	log.Error("server unhealthy", "server", t.Server, "consecutive_failures", t.Failures, "err", t.Err)
}

// ServerHealth is the last known state of one server.
type ServerHealth struct {
	Server    string    `json:"server"`
	Healthy   bool      `json:"healthy"`
	Failures  int       `json:"consecutive_failures"`
	LastError string    `json:"last_error,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Monitor periodically probes the fleet and tracks consecutive failures.
type Monitor struct {
	servers     []domain.ServerRecord
	checker     Checker
	interval    time.Duration
	maxFailures int
	notifier    Notifier
	gauge       Gauge
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.RWMutex
	state map[string]ServerHealth
}

// New creates a monitor. Servers start out healthy.
func New(servers []domain.ServerRecord, checker Checker, interval time.Duration, maxFailures int, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		servers:     servers,
		checker:     checker,
		interval:    interval,
		maxFailures: maxFailures,
		notifier:    LogNotifier{Logger: logger},
		logger:      logger,
		now:         time.Now,
		state:       make(map[string]ServerHealth, len(servers)),
	}
	for _, s := range servers {
		m.state[s.Name] = ServerHealth{Server: s.Name, Healthy: true}
	}
	return m
}

// WithNotifier replaces the default log notifier.
func (m *Monitor) WithNotifier(n Notifier) *Monitor {
	if n != nil {
		m.notifier = n
	}
	return m
}

// WithGauge publishes health to g after every probe.
func (m *Monitor) WithGauge(g Gauge) *Monitor {
	m.gauge = g
	return m
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.CheckOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// CheckOnce probes every server and returns the updated states in fleet order.
func (m *Monitor) CheckOnce(ctx context.Context) []ServerHealth {
	errs := make([]error, len(m.servers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for i, server := range m.servers {
		g.Go(func() error {
			errs[i] = m.checker.Check(gctx, server)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return m.Snapshot()
	}

	var transitions []Transition
	at := m.now()
	m.mu.Lock()
	for i, server := range m.servers {
		prev := m.state[server.Name]
		next := ServerHealth{Server: server.Name, Healthy: prev.Healthy, LastCheck: at}
		if err := errs[i]; err != nil {
			next.Failures = prev.Failures + 1
			next.LastError = err.Error()
			if prev.Healthy && next.Failures >= m.maxFailures {
				next.Healthy = false
				transitions = append(transitions, Transition{Server: server.Name, Failures: next.Failures, Err: err, At: at})
			}
		} else {
			next.Healthy = true
			if !prev.Healthy {
				transitions = append(transitions, Transition{Server: server.Name, Healthy: true, At: at})
			}
		}
		m.state[server.Name] = next
	}
	m.mu.Unlock()

	for _, t := range transitions {
		m.notifier.Notify(ctx, t)
	}
	out := m.Snapshot()
	if m.gauge != nil {
		for _, h := range out {
			m.gauge.SetServerHealth(h.Server, h.Healthy)
		}
	}
	m.logger.Debug("fleet probed", "servers", len(out), "transitions", len(transitions))
	return out
}

// Snapshot returns the current state of every server in fleet order.
func (m *Monitor) Snapshot() []ServerHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerHealth, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, m.state[s.Name])
	}
	return out
}
