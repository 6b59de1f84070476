// Package throttle implements a token-bucket rate limiter guarding
// control-plane action throughput. It sits in front of the Gate: the agent
// consults it for each received Action before the Gate sees it, so a misbehaving skill
// cannot flood the ledger with SET_GOAL/SET_PHASE churn.
package throttle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rfsn/kernel/internal/kernelmodel"
)

// CostModel defines the token cost of admitting one Action of a given kind
// to the Gate. EMERGENCY_STOP is deliberately absent: it is always free, in
// keeping with the Gate's own unconditional acceptance of E-STOP actions.
var CostModel = map[kernelmodel.ActionKind]int{
	kernelmodel.ActionEnableSkill:   5,
	kernelmodel.ActionDisableSkill:  1,
	kernelmodel.ActionSetGoal:       2,
	kernelmodel.ActionSetPhase:      1,
	kernelmodel.ActionApplyEnvelope: 10,
}

// Bucket is a thread-safe token bucket for rate-limiting control-plane
// Action throughput.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	consumedTotal atomic.Uint64
	refillCount   atomic.Uint64

	stop chan struct{}
}

// New creates a Bucket with the given capacity and starts the refill
// goroutine. capacity and refillPeriod must both be positive. Call Close to
// stop the refill goroutine.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("throttle.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("throttle.Bucket: refillPeriod must be > 0")
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Consume attempts to consume cost tokens. Returns false if insufficient
// tokens remain, in which case the caller must reject the Action before it
// ever reaches the Gate (the Gate itself has no rate-limiting concept).
func (b *Bucket) Consume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= cost {
		b.tokens -= cost
		b.consumedTotal.Add(uint64(cost))
		return true
	}
	return false
}

// ConsumeForAction consumes the standard cost for the given action kind.
// EMERGENCY_STOP, and any kind absent from CostModel, is always free.
func (b *Bucket) ConsumeForAction(kind kernelmodel.ActionKind) bool {
	if kind == kernelmodel.ActionEmergencyStop {
		return true
	}
	cost, ok := CostModel[kind]
	if !ok {
		return true
	}
	return b.Consume(cost)
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the maximum token capacity.
func (b *Bucket) Capacity() int { return b.capacity }

// ConsumedTotal returns the lifetime total of tokens consumed.
func (b *Bucket) ConsumedTotal() uint64 { return b.consumedTotal.Load() }

// RefillCount returns the number of refill cycles completed.
func (b *Bucket) RefillCount() uint64 { return b.refillCount.Load() }

// Close stops the refill goroutine. Safe to call once.
func (b *Bucket) Close() { close(b.stop) }
