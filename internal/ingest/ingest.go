// Package ingest collects concurrently-produced monitor SafetyEvents and
// skill MaskedCommand proposals into the bounded, per-tick snapshots the
// pure core consumes, keeping the core itself single-threaded and
// non-suspending: callers on independent goroutines write in; the tick
// loop drains once per tick.
package ingest

import (
	"context"
	"sync"

	"github.com/rfsn/kernel/internal/kernelmodel"
)

// Collector gathers monitor events and skill proposals arriving on
// independent goroutines (one per monitor/skill source, typically) into a
// single bounded snapshot that Drain hands to the controller tick. It
// performs no computation of its own: aggregation, injection, arbitration
// and clamping all happen downstream in the pure core.
type Collector struct {
	mu sync.Mutex

	events    map[string]kernelmodel.SafetyEvent
	proposals []kernelmodel.MaskedCommand

	dropped int
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{events: make(map[string]kernelmodel.SafetyEvent)}
}

// PutEvent records the latest SafetyEvent from a monitor source, overwriting
// any event already recorded for that source this tick. This has the same
// "last write wins per source" semantics the aggregator already assumes:
// aggregator.Aggregate takes exactly one event per source id.
func (c *Collector) PutEvent(source string, event kernelmodel.SafetyEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[source] = event
}

// PutProposal enqueues a skill's MaskedCommand for this tick. maxProposals
// bounds queue growth; beyond it, new proposals are dropped and the drop
// counter is incremented.
func (c *Collector) PutProposal(cmd kernelmodel.MaskedCommand, maxProposals int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if maxProposals > 0 && len(c.proposals) >= maxProposals {
		c.dropped++
		return false
	}
	c.proposals = append(c.proposals, cmd)
	return true
}

// Snapshot is one tick's worth of collected input.
type Snapshot struct {
	Events    map[string]kernelmodel.SafetyEvent
	Proposals []kernelmodel.MaskedCommand
}

// Drain atomically takes everything collected since the last Drain and
// resets the Collector for the next tick.
func (c *Collector) Drain() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{Events: c.events, Proposals: c.proposals}
	c.events = make(map[string]kernelmodel.SafetyEvent)
	c.proposals = nil
	return snap
}

// DroppedTotal returns the lifetime count of proposals dropped for
// exceeding maxProposals.
func (c *Collector) DroppedTotal() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Source is the minimal interface a monitor or skill goroutine implements
// to feed a Collector until ctx is cancelled. Run only defines how such a
// goroutine is wired into the agent's run loop; the monitor/skill logic
// itself lives outside this package.
type Source interface {
	// Run blocks until ctx is cancelled, calling back into the Collector as
	// new events/proposals become available.
	Run(ctx context.Context, c *Collector)
}
