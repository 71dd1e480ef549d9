package policy

import (
	"sync/atomic"
	"time"

	"github.com/arloliu/cqlwire/host"
)

// SpeculativeExecutionPolicy schedules extra attempts for slow idempotent
// requests.
type SpeculativeExecutionPolicy interface {
	// NewPlan returns the schedule of one execution.
	NewPlan(keyspace string, stmt Statement) SpeculativePlan
}

// SpeculativePlan is the speculative schedule of one execution.
type SpeculativePlan interface {
	// NextExecution returns how long to wait after the last attempt on
	// lastHost before starting another one. A negative value means no
	// further speculative attempt.
	NextExecution(lastHost *host.Host) time.Duration
}

// NoSpeculativeExecution never starts extra attempts.
type NoSpeculativeExecution struct{}

var _ SpeculativeExecutionPolicy = NoSpeculativeExecution{}

// NewPlan implements SpeculativeExecutionPolicy.
func (NoSpeculativeExecution) NewPlan(string, Statement) SpeculativePlan {
	return noSpeculativePlan{}
}

type noSpeculativePlan struct{}

func (noSpeculativePlan) NextExecution(*host.Host) time.Duration { return -1 }

// ConstantSpeculativeExecution starts up to maxExecutions extra attempts,
// each delay after the previous one.
type ConstantSpeculativeExecution struct {
	delay         time.Duration
	maxExecutions int
}

var _ SpeculativeExecutionPolicy = (*ConstantSpeculativeExecution)(nil)

// NewConstantSpeculativeExecution creates a constant delay policy.
//
// Parameters:
//   - delay: Wait before each extra attempt, must be positive
//   - maxExecutions: Maximum number of extra attempts
//
// Returns:
//   - *ConstantSpeculativeExecution: A new policy
func NewConstantSpeculativeExecution(delay time.Duration, maxExecutions int) *ConstantSpeculativeExecution {
	return &ConstantSpeculativeExecution{delay: delay, maxExecutions: maxExecutions}
}

// NewPlan implements SpeculativeExecutionPolicy.
func (p *ConstantSpeculativeExecution) NewPlan(string, Statement) SpeculativePlan {
	plan := &constantSpeculativePlan{delay: p.delay}
	plan.remaining.Store(int32(p.maxExecutions))

	return plan
}

type constantSpeculativePlan struct {
	delay     time.Duration
	remaining atomic.Int32
}

func (p *constantSpeculativePlan) NextExecution(*host.Host) time.Duration {
	if p.delay <= 0 || p.remaining.Add(-1) < 0 {
		return -1
	}

	return p.delay
}
