package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Keeper renews a lease in the background until Stop. A pass checks Check between
// units of work and stops once the lease is lost.
type Keeper struct {
	lease  Lease
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	lost   bool
	cancel context.CancelFunc
	done   chan struct{}
}

// Keep starts renewing lease every third of ttl. A non-positive ttl never expires and
// is not renewed.
func Keep(ctx context.Context, lease Lease, ttl time.Duration, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	k := &Keeper{lease: lease, ttl: ttl, logger: logger, cancel: cancel, done: make(chan struct{})}
	if ttl <= 0 {
		close(k.done)
		return k
	}
	go k.loop(ctx)
	return k
}

func (k *Keeper) loop(ctx context.Context) {
	defer close(k.done)
	interval := k.ttl / 3
	if interval <= 0 {
		interval = k.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.Check(ctx); errors.Is(err, ErrLost) {
				return
			}
		}
	}
}

// Check renews the lease now. It returns ErrLost, wrapped, once the lease is gone;
// other errors are transient and logged.
func (k *Keeper) Check(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.lost {
		return ErrLost
	}
	if k.ttl <= 0 {
		return nil
	}
	err := k.lease.Refresh(ctx, k.ttl)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrLost):
		k.lost = true
		k.logger.Error("lock lease lost", "error", err)
	case ctx.Err() == nil:
		k.logger.Warn("lock refresh failed", "error", err)
	}
	return err
}

// Stop ends renewal. It does not release the lease.
func (k *Keeper) Stop() {
	k.cancel()
	<-k.done
}
