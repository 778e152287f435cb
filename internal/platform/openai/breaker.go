package openai

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker trips after consecutive provider failures: open fails fast for a
// cooldown, half-open admits a limited number of probes, closed is normal.
type breaker struct {
	mu sync.Mutex

	state            breakerState
	failures         int
	failureThreshold int
	cooldown         time.Duration
	halfOpenProbes   int
	probesInFlight   int
	openedAt         time.Time

	now func() time.Time
}

func newBreaker(failureThreshold int, cooldown time.Duration) *breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		halfOpenProbes:   1,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed. In half-open it reserves a probe
// slot that must be released via OnSuccess or OnFailure.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = breakerHalfOpen
		b.probesInFlight = 0
		fallthrough
	case breakerHalfOpen:
		if b.probesInFlight >= b.halfOpenProbes {
			return false
		}
		b.probesInFlight++
		return true
	}
	return false
}

func (b *breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == breakerHalfOpen {
		b.probesInFlight = 0
	}
	b.state = breakerClosed
}

func (b *breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = b.now()
		b.probesInFlight = 0
		return
	}

	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}
