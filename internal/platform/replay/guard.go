// Package replay enforces single use of client assertion identifiers (jti).
package replay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrEmptyID is returned when an identifier is blank.
var ErrEmptyID = errors.New("replay: empty identifier")

// Guard records identifiers until they expire. Claim reports true the first
// time an identifier is presented and false on every later presentation
// before it expires.
type Guard interface {
	Claim(ctx context.Context, id string, expiresAt time.Time) (bool, error)
}

// MemoryGuard is an in-process Guard. Expired entries are swept lazily.
type MemoryGuard struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	now     func() time.Time
	sweepAt time.Time
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (g *MemoryGuard) Claim(_ context.Context, id string, expiresAt time.Time) (bool, error) {
	if id == "" {
		return false, ErrEmptyID
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.After(g.sweepAt) {
		for k, exp := range g.seen {
			if now.After(exp) {
				delete(g.seen, k)
			}
		}
		g.sweepAt = now.Add(time.Minute)
	}

	if exp, ok := g.seen[id]; ok && !now.After(exp) {
		return false, nil
	}
	g.seen[id] = expiresAt
	return true, nil
}

// Len returns the number of identifiers currently tracked.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
