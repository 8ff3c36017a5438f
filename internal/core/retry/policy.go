package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"
)

// Class is the retry eligibility of a failure.
type Class int

const (
	// Transient failures are requeued until the unit's retry budget runs out.
	Transient Class = iota
	// Fatal failures terminate the unit within the current run.
	Fatal
	// Contention means another worker owns the unit. Not an error; the unit
	// is dropped silently by this worker.
	Contention
)

// ErrGateExhausted reports that the access gate was never passed within its
// submission budget.
var ErrGateExhausted = errors.New("gate: attempt budget exhausted")

// ErrStoreContention reports a lost claim race against another worker. The
// built-in stores signal contention with a false Claim result instead; this
// sentinel is for store implementations that can only surface the race as an
// error (e.g. a transactional backend), and Classify maps it to Contention.
var ErrStoreContention = errors.New("tracker: unit claimed by another worker")

// ContentTimeoutError reports that a page or its content did not arrive
// within the request timeout.
type ContentTimeoutError struct {
	UnitID string
	Err    error
}

func (e *ContentTimeoutError) Error() string {
	return fmt.Sprintf("content timeout for unit %s: %v", e.UnitID, e.Err)
}
func (e *ContentTimeoutError) Unwrap() error { return e.Err }

// ParseError reports that a page loaded but expected fields were absent.
type ParseError struct {
	UnitID  string
	Missing []string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse failed for unit %s: missing fields %v", e.UnitID, e.Missing)
}

// FatalUnitError reports a unit whose retry budget is exceeded. It is
// surfaced through the run summary, never halts the run.
type FatalUnitError struct {
	UnitID   string
	Attempts int
	Err      error
}

func (e *FatalUnitError) Error() string {
	return fmt.Sprintf("unit %s failed permanently after %d attempts: %v", e.UnitID, e.Attempts, e.Err)
}
func (e *FatalUnitError) Unwrap() error { return e.Err }

// Policy classifies failures and produces the delay schedule shared by the
// gate controller and the traversal engine.
type Policy struct {
	// MaxRetries bounds automatic requeues per unit for transient failures.
	MaxRetries int
	// ParseRetries bounds requeues after a ParseError. A structure mismatch
	// that recurs on a loaded page indicates a permanently changed record.
	ParseRetries int

	Base time.Duration
	Cap  time.Duration

	// rand source injectable for tests
	randFloat func() float64
}

func NewPolicy(maxRetries int) *Policy {
	return &Policy{
		MaxRetries:   maxRetries,
		ParseRetries: 1,
		Base:         2 * time.Second,
		Cap:          2 * time.Minute,
		randFloat:    rand.Float64,
	}
}

// Classify maps a failure to its retry class. Timeouts, gate exhaustion and
// rate-limit style server errors are transient; a lost claim is contention.
func (p *Policy) Classify(err error) Class {
	if err == nil {
		return Transient
	}
	if errors.Is(err, ErrStoreContention) {
		return Contention
	}
	if errors.Is(err, ErrGateExhausted) {
		return Transient
	}
	var timeout *ContentTimeoutError
	if errors.As(err, &timeout) {
		return Transient
	}
	var parse *ParseError
	if errors.As(err, &parse) {
		return Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return Transient
	}
	return Fatal
}

// Exhausted reports whether a unit with the given attempt count is out of
// budget for the kind of failure it just hit. Parse failures get a tighter
// budget than network-shaped ones.
func (p *Policy) Exhausted(err error, attempts int) bool {
	var parse *ParseError
	if errors.As(err, &parse) {
		return attempts > p.ParseRetries
	}
	return attempts > p.MaxRetries
}

// NextDelay returns the backoff before retry number attempt (0-based):
// base * 2^attempt bounded by Cap, with up to 25% random jitter so parallel
// workers do not retry in lockstep.
func (p *Policy) NextDelay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			d = p.Cap
			break
		}
	}
	if d > p.Cap {
		d = p.Cap
	}
	jitter := time.Duration(p.randFloat() * 0.25 * float64(d))
	if d+jitter > p.Cap {
		return p.Cap
	}
	return d + jitter
}
