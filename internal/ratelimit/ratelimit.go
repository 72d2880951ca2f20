package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiters hands out one limiter per client id and forgets clients
// that have been quiet for longer than idleTTL.
type ClientLimiters struct {
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	mu       sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClientLimiters(perSecond float64, burst int, idleTTL time.Duration) *ClientLimiters {
	cl := &ClientLimiters{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		idleTTL:  idleTTL,
		stop:     make(chan struct{}),
	}
	if idleTTL > 0 {
		go cl.cleanup()
	}
	return cl
}

// Allow reports whether clientID may send one more message now.
func (cl *ClientLimiters) Allow(clientID string) bool {
	return cl.Get(clientID).Allow()
}

func (cl *ClientLimiters) Get(clientID string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	e, ok := cl.limiters[clientID]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(cl.rate, cl.burst)}
		cl.limiters[clientID] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

func (cl *ClientLimiters) Remove(clientID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.limiters, clientID)
}

// Len is the number of tracked clients.
func (cl *ClientLimiters) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.limiters)
}

func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

func (cl *ClientLimiters) cleanup() {
	ticker := time.NewTicker(cl.idleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.evictBefore(time.Now().Add(-cl.idleTTL))
		}
	}
}

func (cl *ClientLimiters) evictBefore(cutoff time.Time) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for id, e := range cl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(cl.limiters, id)
		}
	}
}
