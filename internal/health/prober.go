// Package health probes the liveness endpoint of fleet servers.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/splax/tenantops/internal/domain"
)

// Config controls the probe target and attempt budget.
type Config struct {
	Scheme      string
	Port        int
	Path        string
	Timeout     time.Duration
	Attempts    int
	AttemptWait time.Duration
}

// Prober issues bounded liveness checks.
type Prober struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewProber applies defaults to cfg.
func NewProber(cfg Config, logger *slog.Logger) *Prober {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Path == "" {
		cfg.Path = "/health/"
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, logger: logger}
}

// URL returns the liveness URL of server.
func (p *Prober) URL(server domain.ServerRecord) string {
	host := server.Address
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if strings.EqualFold(host, "local") {
		host = "127.0.0.1"
	}
	if p.cfg.Port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(p.cfg.Port))
	}
	return p.cfg.Scheme + "://" + host + p.cfg.Path
}

// Attempts returns the configured attempt budget.
func (p *Prober) Attempts() int {
	return p.cfg.Attempts
}

// Check probes server until one attempt succeeds or the attempt budget is spent.
// Each attempt is logged separately.
func (p *Prober) Check(ctx context.Context, server domain.ServerRecord) error {
	url := p.URL(server)
	var lastErr error
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		err := p.Probe(ctx, url)
		if err == nil {
			p.logger.Info("health check passed", "server", server.Name, "url", url, "attempt", attempt)
			return nil
		}
		lastErr = err
		p.logger.Warn("health check attempt failed", "server", server.Name, "url", url, "attempt", attempt, "attempts", p.cfg.Attempts, "error", err)
		if attempt == p.cfg.Attempts || p.cfg.AttemptWait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w: %w", server.Name, domain.ErrHealthCheckFailed, ctx.Err())
		case <-time.After(p.cfg.AttemptWait):
		}
	}
	return fmt.Errorf("%s: %w after %d attempts: %v", server.Name, domain.ErrHealthCheckFailed, p.cfg.Attempts, lastErr)
}

// Probe performs one GET; any non-2xx status or transport error fails.
func (p *Prober) Probe(ctx context.Context, url string) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
