package box

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// breakerState is the circuit state of one remote box.
type breakerState int

const (
	stateClosed   breakerState = iota // requests pass through
	stateOpen                         // failure threshold exceeded, requests blocked
	stateHalfOpen                     // probing whether the peer recovered
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "CLOSED"
	case stateOpen:
		return "OPEN"
	case stateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned while a box's breaker blocks requests.
var ErrCircuitOpen = errors.New("box: circuit breaker is open")

// breaker is a per-box circuit breaker. Consecutive transport failures trip
// it open; after openTimeout one probe request is let through, and its
// outcome decides between closing again and re-opening.
type breaker struct {
	name        string
	maxFailures int
	openTimeout time.Duration

	mu           sync.Mutex
	state        breakerState
	failures     int
	openedAt     time.Time
	probing      bool
	now          func() time.Time
}

func newBreaker(name string, maxFailures int, openTimeout time.Duration) *breaker {
	return &breaker{
		name:        name,
		maxFailures: maxFailures,
		openTimeout: openTimeout,
		now:         time.Now,
	}
}

// allow reports whether a request may go out now.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return nil
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.openTimeout {
			return ErrCircuitOpen
		}
		b.transition(stateHalfOpen)
		b.probing = true
		return nil
	case stateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// success records a delivered request.
func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	if b.state != stateClosed {
		b.transition(stateClosed)
	}
}

// failure records a transport failure.
func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	switch b.state {
	case stateHalfOpen:
		b.openedAt = b.now()
		b.transition(stateOpen)
	case stateClosed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.openedAt = b.now()
			b.transition(stateOpen)
		}
	}
}

func (b *breaker) transition(to breakerState) {
	from := b.state
	b.state = to
	log.WithFields(log.Fields{
		"box":  b.name,
		"from": from.String(),
		"to":   to.String(),
	}).Info("box: circuit breaker state change")
}
