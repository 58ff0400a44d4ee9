package api

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Limiter is the process-wide gate in front of the remote API. At most one
// outbound request holds the lease at any instant, across every browsing
// session, and a randomized delay separates the release of one lease from
// the grant of the next. Grants are FIFO.
type Limiter struct {
	tokens   chan struct{}
	minDelay time.Duration
	maxDelay time.Duration

	mu  sync.Mutex
	rng *rand.Rand

	granted atomic.Uint64
}

// NewLimiter creates a Limiter with the given spacing window. A zero or
// inverted window collapses to minDelay.
func NewLimiter(minDelay, maxDelay time.Duration) *Limiter {
	if minDelay < 0 {
		minDelay = 0
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	l := &Limiter{
		tokens:   make(chan struct{}, 1),
		minDelay: minDelay,
		maxDelay: maxDelay,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	l.tokens <- struct{}{}
	return l
}

// Acquire blocks until the caller holds the lease or the context is
// cancelled. The returned release function must be called exactly once when
// the request attempt finishes; calling it again is a no-op.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.tokens:
	}
	l.granted.Add(1)

	var once sync.Once
	release := func() {
		once.Do(func() {
			delay := l.spacing()
			log.Debugf("Rate limiter lease released, next grant in %v", delay)
			time.AfterFunc(delay, func() {
				l.tokens <- struct{}{}
			})
		})
	}
	return release, nil
}

// Acquisitions returns how many leases have been granted over the limiter's
// lifetime.
func (l *Limiter) Acquisitions() uint64 {
	return l.granted.Load()
}

func (l *Limiter) spacing() time.Duration {
	span := l.maxDelay - l.minDelay
	if span <= 0 {
		return l.minDelay
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.minDelay + time.Duration(l.rng.Int63n(int64(span)))
}
