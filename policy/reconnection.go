package policy

import (
	"time"

	"github.com/cenkalti/backoff"
)

// ReconnectionPolicy produces the delays between reconnection attempts.
type ReconnectionPolicy interface {
	// NewSchedule starts a new schedule, one per reconnection episode.
	NewSchedule() ReconnectionSchedule
}

// ReconnectionSchedule is one reconnection episode.
type ReconnectionSchedule interface {
	// NextDelay returns the wait before the next attempt.
	NextDelay() time.Duration
}

// ConstantReconnection waits the same delay between attempts.
type ConstantReconnection struct {
	Delay time.Duration
}

var _ ReconnectionPolicy = ConstantReconnection{}

// NewConstantReconnection creates a constant delay policy.
func NewConstantReconnection(delay time.Duration) ConstantReconnection {
	return ConstantReconnection{Delay: delay}
}

// NewSchedule implements ReconnectionPolicy.
func (p ConstantReconnection) NewSchedule() ReconnectionSchedule {
	return backoffSchedule{b: backoff.NewConstantBackOff(p.Delay)}
}

// ExponentialReconnection doubles the delay between attempts, with jitter,
// up to a maximum. Schedules never give up.
type ExponentialReconnection struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

var _ ReconnectionPolicy = ExponentialReconnection{}

// NewExponentialReconnection creates an exponential policy.
//
// Parameters:
//   - base: First delay
//   - maxDelay: Cap of any delay
//
// Returns:
//   - ExponentialReconnection: The policy
func NewExponentialReconnection(base, maxDelay time.Duration) ExponentialReconnection {
	return ExponentialReconnection{BaseDelay: base, MaxDelay: maxDelay}
}

// NewSchedule implements ReconnectionPolicy.
func (p ExponentialReconnection) NewSchedule() ReconnectionSchedule {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	return backoffSchedule{b: b, cap: p.MaxDelay}
}

type backoffSchedule struct {
	b   backoff.BackOff
	cap time.Duration
}

func (s backoffSchedule) NextDelay() time.Duration {
	d := s.b.NextBackOff()
	if d == backoff.Stop {
		return s.cap
	}
	if s.cap > 0 && d > s.cap {
		return s.cap
	}

	return d
}
