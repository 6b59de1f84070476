// Package injector translates an aggregated SafetyEvent into masked "safety"
// commands. On any out-of-range index it falls back to a hard-zero stop for
// that space rather than attempting a partial per-index recovery; see
// DESIGN.md for the rationale.
package injector

import (
	"github.com/rfsn/kernel/internal/kernelmodel"
)

// Config configures the injector's stop behaviour.
type Config struct {
	// StopKind is the command kind used for a hard stop. Defaults to
	// JOINT_VELOCITY.
	StopKind kernelmodel.CommandKind

	// DampingGain, when > 0, makes the injector prefer active torque damping
	// over a hard stop whenever current velocities are available and every
	// masked index is in range.
	DampingGain float64

	// GlobalStop forces the injected stop to target every space in
	// spaceDOFs, ignoring event.AffectedSpaces.
	GlobalStop bool
}

// DefaultConfig returns the default injector configuration: a global hard
// velocity stop with no active damping.
func DefaultConfig() Config {
	return Config{StopKind: kernelmodel.KindVelocity, DampingGain: 0.0, GlobalStop: true}
}

// Inject computes the masked safety commands for event. spaceDOFs maps each
// control space to the full-DOF indices it owns. currentVelocities is the
// full-DOF velocity vector, or nil if unavailable (damping is then
// impossible regardless of cfg.DampingGain).
func Inject(event kernelmodel.SafetyEvent, spaceDOFs map[kernelmodel.ControlSpace][]int, cfg Config, currentVelocities []float64) []kernelmodel.MaskedCommand {
	if event.Level == kernelmodel.LevelNone || event.Level == kernelmodel.LevelWarn {
		return nil
	}

	targets := targetSpaces(event, spaceDOFs, cfg)
	useDamping := cfg.DampingGain > 0 && len(currentVelocities) > 0

	var out []kernelmodel.MaskedCommand
	for _, space := range targets {
		dofs := spaceDOFs[space]
		if len(dofs) == 0 {
			continue
		}
		cmd := injectOne(space, dofs, cfg, currentVelocities, useDamping)
		out = append(out, cmd)
	}
	return out
}

// targetSpaces resolves which spaces the stop applies to, sorted
// lexicographically.
func targetSpaces(event kernelmodel.SafetyEvent, spaceDOFs map[kernelmodel.ControlSpace][]int, cfg Config) []kernelmodel.ControlSpace {
	if cfg.GlobalStop || len(event.AffectedSpaces) == 0 {
		return kernelmodel.SortSpaces(spaceDOFs)
	}
	set := map[kernelmodel.ControlSpace]struct{}{}
	for name := range event.AffectedSpaces {
		space := kernelmodel.ControlSpace(name)
		if _, known := spaceDOFs[space]; known {
			set[space] = struct{}{}
		}
	}
	return kernelmodel.SortSpaces(set)
}

func injectOne(space kernelmodel.ControlSpace, dofs []int, cfg Config, currentVelocities []float64, useDamping bool) kernelmodel.MaskedCommand {
	if useDamping {
		inRange := true
		for _, i := range dofs {
			if i >= len(currentVelocities) {
				inRange = false
				break
			}
		}
		if inRange {
			values := make([]float64, len(dofs))
			for k, i := range dofs {
				values[k] = -cfg.DampingGain * currentVelocities[i]
			}
			cmd, _ := kernelmodel.NewMaskedCommand(space, kernelmodel.KindTorque, dofs, values, kernelmodel.SafetySource)
			return cmd
		}
		// Out-of-range index: fall back to hard-zero for the whole space.
	}
	stopKind := cfg.StopKind
	if stopKind == "" {
		stopKind = kernelmodel.KindVelocity
	}
	values := make([]float64, len(dofs))
	cmd, _ := kernelmodel.NewMaskedCommand(space, stopKind, dofs, values, kernelmodel.SafetySource)
	return cmd
}
