package webhook

import (
	"context"
	"sync"
)

// DefaultLogSize bounds the in-memory delivery log.
const DefaultLogSize = 200

// Log keeps the most recent delivery attempts for observability. It is not
// a retry queue.
type Log struct {
	mu       sync.RWMutex
	attempts []*DeliveryAttempt
	max      int
}

func NewLog(max int) *Log {
	if max <= 0 {
		max = DefaultLogSize
	}
	return &Log{max: max}
}

func (l *Log) Record(_ context.Context, attempt *DeliveryAttempt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, attempt)
	if over := len(l.attempts) - l.max; over > 0 {
		l.attempts = append([]*DeliveryAttempt(nil), l.attempts[over:]...)
	}
}

// Recent returns up to limit attempts, newest last. limit <= 0 returns all.
func (l *Log) Recent(limit int) []*DeliveryAttempt {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := 0
	if limit > 0 && limit < len(l.attempts) {
		start = len(l.attempts) - limit
	}
	return append([]*DeliveryAttempt(nil), l.attempts[start:]...)
}

// BySubscription returns the retained attempts for one subscription.
func (l *Log) BySubscription(subscriptionID string) []*DeliveryAttempt {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*DeliveryAttempt
	for _, a := range l.attempts {
		if a.SubscriptionID == subscriptionID {
			out = append(out, a)
		}
	}
	return out
}
