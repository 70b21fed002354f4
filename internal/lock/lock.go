// Package lock serializes fleet passes across operators.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var (
	// ErrHeld is returned when another holder owns the lock.
	ErrHeld = errors.New("lock: held by another process")
	// ErrLost is returned when a lease expired and is no longer owned by its holder.
	ErrLost = errors.New("lock: lease lost")
)

// Locker grants named, expiring leases.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. Refresh extends it by ttl, or fails with ErrLost once the
// lease has expired and been taken over.
type Lease interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// releaseScript deletes the key only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// refreshScript extends the key only if the caller still owns it.
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Redis implements Locker with SET NX PX.
type Redis struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedis connects to redis and verifies it answers.
func NewRedis(addr, password string, db int, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, prefix: "tenantops:lock:", logger: logger}, nil
}

// Close releases the redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Acquire implements Locker.
func (r *Redis) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	key := r.prefix + name
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrHeld)
	}
	r.logger.Debug("lock acquired", "name", name, "ttl", ttl)
	return &redisLease{owner: r, key: key, token: token}, nil
}

type redisLease struct {
	owner *Redis
	key   string
	token string
}

func (l *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.owner.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", l.key, ErrLost)
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.owner.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

// Memory implements Locker within one process.
type Memory struct {
	mu   sync.Mutex
	held map[string]memoryEntry
	now  func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// NewMemory returns an in-process locker.
func NewMemory() *Memory {
	return &Memory{held: map[string]memoryEntry{}, now: time.Now}
}

// Acquire implements Locker.
func (m *Memory) Acquire(_ context.Context, name string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.held[name]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return nil, fmt.Errorf("%s: %w", name, ErrHeld)
	}
	entry := memoryEntry{token: uuid.NewString()}
	if ttl > 0 {
		entry.expires = now.Add(ttl)
	}
	m.held[name] = entry
	return &memoryLease{owner: m, name: name, token: entry.token}, nil
}

type memoryLease struct {
	owner *Memory
	name  string
	token string
}

func (l *memoryLease) Refresh(_ context.Context, ttl time.Duration) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	now := l.owner.now()
	e, ok := l.owner.held[l.name]
	if !ok || e.token != l.token || (!e.expires.IsZero() && !now.Before(e.expires)) {
		return fmt.Errorf("%s: %w", l.name, ErrLost)
	}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	} else {
		e.expires = time.Time{}
	}
	l.owner.held[l.name] = e
	return nil
}

func (l *memoryLease) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if e, ok := l.owner.held[l.name]; ok && e.token == l.token {
		delete(l.owner.held, l.name)
	}
	return nil
}
