// Package controller implements the controller tick and the ControllerState
// lifecycle (UNINITIALIZED -> READY -> EXPIRED / ESTOPPED) that owns a
// capability lease, runs each tick through arbitration and clamping, and
// detects cross-space DOF conflicts before committing its result.
package controller

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rfsn/kernel/internal/arbiter"
	"github.com/rfsn/kernel/internal/clamp"
	"github.com/rfsn/kernel/internal/kernelmodel"
)

const (
	minDt = 0.001
	maxDt = 0.1
)

// State is the ControllerState lifecycle position.
type State int

const (
	StateUninitialized State = iota // no lease installed yet
	StateReady
	StateExpired
	StateEstopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateReady:
		return "READY"
	case StateExpired:
		return "EXPIRED"
	case StateEstopped:
		return "ESTOPPED"
	default:
		return "UNKNOWN"
	}
}

// ControllerState holds the mutable state owned by exactly one caller (the
// kernel tick loop). All mutation happens through the entry points in this
// file; there is no external setter.
type ControllerState struct {
	mu sync.Mutex

	activeLease    *kernelmodel.CapabilityLease
	activeEnvelope *kernelmodel.Envelope
	estop          bool
	expired        bool // true iff the last tick discovered lease expiry

	// lastCommands is deliberately NOT reset by InstallLease: the dynamics
	// clamp needs the prior tick's command even across a lease swap, since a
	// fresh lease does not imply a discontinuity in the robot's own motion.
	lastCommands map[kernelmodel.ControlSpace]kernelmodel.MaskedCommand
	lastTickT    float64
}

// New returns an empty ControllerState (no lease, not e-stopped).
func New() *ControllerState {
	return &ControllerState{lastCommands: map[kernelmodel.ControlSpace]kernelmodel.MaskedCommand{}}
}

// CurrentState reports the coarse lifecycle state for observability.
func (c *ControllerState) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.estop:
		return StateEstopped
	case c.expired:
		return StateExpired
	case c.activeLease == nil:
		return StateUninitialized
	default:
		return StateReady
	}
}

// ApplyEstop sets the e-stop flag and irreversibly clears the active lease.
// The kernel remains e-stopped until ClearEstop is called explicitly.
func (c *ControllerState) ApplyEstop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.estop = true
	c.activeLease = nil
}

// ClearEstop clears the e-stop flag. The controller still has no lease until
// InstallLease succeeds.
func (c *ControllerState) ClearEstop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.estop = false
}

// Estopped reports whether the controller is currently e-stopped.
func (c *ControllerState) Estopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estop
}

// InstallLease installs lease (and, optionally, its governing envelope) as
// the active capability grant. Rejected if e-stopped, if the lease is not
// active at nowT, or if lease.Seq does not exceed the currently active
// lease's Seq. A nil envelope means dynamics-clamp checks are skipped for
// every tick until a lease with an envelope is installed.
func (c *ControllerState) InstallLease(lease kernelmodel.CapabilityLease, nowT float64, envelope *kernelmodel.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.estop {
		return false
	}
	if !lease.Active(nowT) {
		return false
	}
	if c.activeLease != nil && lease.Seq <= c.activeLease.Seq {
		return false
	}

	leaseCopy := lease
	c.activeLease = &leaseCopy
	c.expired = false
	if envelope != nil {
		envCopy := *envelope
		c.activeEnvelope = &envCopy
	} else {
		c.activeEnvelope = nil
	}
	// last_commands and last_tick_t deliberately NOT reset here.
	return true
}

// LeaseInfo is the read-only lease summary exposed to operator tooling; it
// deliberately omits the full bound vectors to keep the operator protocol
// payload small.
type LeaseInfo struct {
	Seq     int64
	LeaseID string
	IssuedT float64
	ExpiryT float64
}

// ActiveLeaseInfo returns a summary of the currently installed lease, or
// (LeaseInfo{}, false) if no lease is active.
func (c *ControllerState) ActiveLeaseInfo() (LeaseInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeLease == nil {
		return LeaseInfo{}, false
	}
	return LeaseInfo{
		Seq:     c.activeLease.Seq,
		LeaseID: c.activeLease.LeaseID,
		IssuedT: c.activeLease.IssuedT,
		ExpiryT: c.activeLease.ExpiryT,
	}, true
}

// Output is the per-tick result.
type Output struct {
	OK           bool
	Reason       string
	FinalBySpace map[kernelmodel.ControlSpace]kernelmodel.MaskedCommand
}

func failOutput(reason string) Output {
	return Output{OK: false, Reason: reason, FinalBySpace: map[kernelmodel.ControlSpace]kernelmodel.MaskedCommand{}}
}

// Step runs one controller tick against proposals.
func (c *ControllerState) Step(nowT float64, proposals []kernelmodel.MaskedCommand) Output {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.estop {
		return failOutput("E-STOP active")
	}
	if c.activeLease == nil {
		return failOutput("No active lease")
	}
	if !c.activeLease.Active(nowT) {
		c.activeLease = nil
		c.expired = true
		return failOutput("Lease expired")
	}

	dt := nowT - c.lastTickT
	if dt < minDt {
		dt = minDt
	}
	if dt > maxDt {
		dt = maxDt
	}

	arb := arbiter.Arbitrate(*c.activeLease, proposals)
	if !arb.OK {
		return failOutput("Arbiter reject: " + arb.Reason)
	}

	finalBySpace := map[kernelmodel.ControlSpace]kernelmodel.MaskedCommand{}
	for _, space := range kernelmodel.SortSpaces(arb.Selected) {
		cmd := arb.Selected[space]

		clampedAbs, err := clamp.ToLease(cmd, *c.activeLease)
		if err != nil {
			return failOutput(fmt.Sprintf("Abs Clamp reject %s: %v", space, err))
		}

		if c.activeEnvelope != nil {
			var prev *kernelmodel.MaskedCommand
			if p, ok := c.lastCommands[space]; ok {
				prev = &p
			}
			clampedDyn, err := clamp.Dynamics(clampedAbs, prev, *c.activeEnvelope, dt)
			if err != nil {
				return failOutput(fmt.Sprintf("Dyn Clamp reject %s: %v", space, err))
			}
			finalBySpace[space] = clampedDyn
		} else {
			finalBySpace[space] = clampedAbs
		}
	}

	if overlap := conflictingDOFs(finalBySpace); len(overlap) > 0 {
		return failOutput(fmt.Sprintf("DOF conflict: %v", overlap))
	}

	c.lastCommands = finalBySpace
	c.lastTickT = nowT

	return Output{OK: true, Reason: "OK", FinalBySpace: finalBySpace}
}

// conflictingDOFs returns the sorted set of DOF indices commanded by more
// than one space in finalBySpace.
func conflictingDOFs(finalBySpace map[kernelmodel.ControlSpace]kernelmodel.MaskedCommand) []int {
	used := map[int]struct{}{}
	overlap := map[int]struct{}{}
	for _, space := range kernelmodel.SortSpaces(finalBySpace) {
		for _, i := range finalBySpace[space].DOFMask {
			if _, already := used[i]; already {
				overlap[i] = struct{}{}
			}
			used[i] = struct{}{}
		}
	}
	out := make([]int, 0, len(overlap))
	for i := range overlap {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
