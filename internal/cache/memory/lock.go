// Package memory implements the coordination ports in process for
// single-instance deployments with Redis disabled, and for tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

// LockManager is an in-process domain.LockManager. Expired locks are taken
// over like Redis keys whose TTL ran out.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]lease
	next  uint64
	clock func() time.Time
}

type lease struct {
	token   uint64
	expires time.Time
}

// NewLockManager returns an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]lease), clock: time.Now}
}

// Acquire takes key for ttl or fails with domain.ErrLockHeld.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.clock()
	if l, ok := lm.held[key]; ok && now.Before(l.expires) {
		return nil, domain.ErrLockHeld
	}
	lm.next++
	token := lm.next
	lm.held[key] = lease{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if l, ok := lm.held[key]; ok && l.token == token {
				delete(lm.held, key)
			}
		})
	}, nil
}

// Deduper is an in-process domain.Deduper.
type Deduper struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock func() time.Time
}

// NewDeduper returns an empty Deduper.
func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]time.Time), clock: time.Now}
}

// Seen records key and reports whether it was already present and unexpired.
func (d *Deduper) Seen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return true, nil
	}
	// Sweep lazily so the map stays bounded by live keys.
	if len(d.seen) > 1024 {
		for k, exp := range d.seen {
			if !now.Before(exp) {
				delete(d.seen, k)
			}
		}
	}
	d.seen[key] = now.Add(ttl)
	return false, nil
}

var (
	_ domain.LockManager = (*LockManager)(nil)
	_ domain.Deduper     = (*Deduper)(nil)
)
