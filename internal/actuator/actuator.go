// Package actuator builds the final merged per-DOF actuator target vectors
// from a tick's selected commands: it checks space/kind compatibility,
// resolves mixed-kind torque policy, detects duplicate DOF claims, and
// fills every uncommanded DOF per a HOLD policy.
package actuator

import (
	"fmt"
	"sort"

	"github.com/rfsn/kernel/internal/kernelmodel"
)

// compatMatrix is the allowed (space, kind) table.
var compatMatrix = map[kernelmodel.ControlSpace]map[kernelmodel.CommandKind]bool{
	kernelmodel.SpaceArm: {
		kernelmodel.KindPosition: true,
		kernelmodel.KindVelocity: true,
	},
	kernelmodel.SpaceLegs: {
		kernelmodel.KindVelocity: true,
	},
	kernelmodel.SpaceBase: {
		kernelmodel.KindVelocity: true,
	},
	kernelmodel.SpaceWholeBody: {
		kernelmodel.KindVelocity: true,
	},
}

// HoldPolicy maps each control space to the command kind used to hold its
// uncommanded DOFs steady.
type HoldPolicy struct {
	PreferredHoldKind map[kernelmodel.ControlSpace]kernelmodel.CommandKind
}

// DefaultHoldPolicy holds the arm at its current position and every other
// space at zero velocity.
func DefaultHoldPolicy() HoldPolicy {
	return HoldPolicy{PreferredHoldKind: map[kernelmodel.ControlSpace]kernelmodel.CommandKind{
		kernelmodel.SpaceArm:       kernelmodel.KindPosition,
		kernelmodel.SpaceLegs:      kernelmodel.KindVelocity,
		kernelmodel.SpaceBase:      kernelmodel.KindVelocity,
		kernelmodel.SpaceWholeBody: kernelmodel.KindVelocity,
	}}
}

// SpaceDOFs maps each control space to the full-DOF indices it owns.
// NewSpaceDOFs enforces disjointness at construction time: a DOF claimed by
// two spaces is a configuration error, not a tick-time surprise.
type SpaceDOFs struct {
	bySpace map[kernelmodel.ControlSpace][]int
}

// NewSpaceDOFs validates that no DOF index appears under more than one
// space and returns the constructed SpaceDOFs.
func NewSpaceDOFs(bySpace map[kernelmodel.ControlSpace][]int) (SpaceDOFs, error) {
	owner := map[int]kernelmodel.ControlSpace{}
	for _, space := range kernelmodel.SortSpaces(bySpace) {
		for _, dof := range bySpace[space] {
			if other, taken := owner[dof]; taken {
				return SpaceDOFs{}, fmt.Errorf("actuator: DOF %d claimed by both %s and %s", dof, other, space)
			}
			owner[dof] = space
		}
	}
	copied := make(map[kernelmodel.ControlSpace][]int, len(bySpace))
	for space, dofs := range bySpace {
		copied[space] = append([]int(nil), dofs...)
	}
	return SpaceDOFs{bySpace: copied}, nil
}

// Targets holds the three optional full-DOF target vectors. A nil vector
// means that kind was never allocated (no command and no HOLD policy
// touched it).
type Targets struct {
	QDes   []float64
	QdDes  []float64
	TauDes []float64
}

// Result is the actuator builder's pure output.
type Result struct {
	OK      bool
	Reason  string
	Targets Targets
}

// Build merges finalBySpace (the controller tick's clamped, conflict-free
// selections) into full-DOF actuator targets, filling uncommanded DOFs per
// holdPolicy.
func Build(finalBySpace map[kernelmodel.ControlSpace]kernelmodel.MaskedCommand, nowQ []float64, dofCount int, spaceDOFs SpaceDOFs, holdPolicy HoldPolicy, allowSafetyTorqueStop bool) Result {
	if dofCount <= 0 {
		return Result{OK: false, Reason: "dof_count must be positive"}
	}
	if len(nowQ) != dofCount {
		return Result{OK: false, Reason: fmt.Sprintf("now_q length %d does not match dof_count %d", len(nowQ), dofCount)}
	}
	if len(finalBySpace) == 0 {
		return Result{OK: false, Reason: "final_by_space is empty"}
	}

	spaces := kernelmodel.SortSpaces(finalBySpace)

	if _, hasWholeBody := finalBySpace[kernelmodel.SpaceWholeBody]; hasWholeBody && len(finalBySpace) > 1 {
		return Result{OK: false, Reason: "whole_body cannot coexist with other spaces"}
	}

	kindsPresent := map[kernelmodel.CommandKind]struct{}{}
	for _, space := range spaces {
		cmd := finalBySpace[space]
		allowed, known := compatMatrix[space]
		if !known {
			return Result{OK: false, Reason: fmt.Sprintf("space %s not in compatibility matrix", space)}
		}
		safetyTorqueExempt := cmd.Kind == kernelmodel.KindTorque && cmd.Source == kernelmodel.SafetySource && allowSafetyTorqueStop
		if !allowed[cmd.Kind] && !safetyTorqueExempt {
			return Result{OK: false, Reason: fmt.Sprintf("(%s, %s) not permitted", space, cmd.Kind)}
		}
		kindsPresent[cmd.Kind] = struct{}{}
	}

	if _, hasTorque := kindsPresent[kernelmodel.KindTorque]; hasTorque && len(kindsPresent) > 1 {
		if !allowSafetyTorqueStop {
			return Result{OK: false, Reason: "torque mixed with other kinds but safety-torque-stop not allowed"}
		}
		for _, space := range spaces {
			cmd := finalBySpace[space]
			if cmd.Kind == kernelmodel.KindTorque && cmd.Source != kernelmodel.SafetySource {
				return Result{OK: false, Reason: "non-safety torque command mixed with other kinds"}
			}
		}
	}

	commanded := map[int]struct{}{}
	for _, space := range spaces {
		for _, dof := range finalBySpace[space].DOFMask {
			if dof >= dofCount {
				return Result{OK: false, Reason: fmt.Sprintf("DOF_OOB: dof index %d out of range (n=%d)", dof, dofCount)}
			}
			if _, dup := commanded[dof]; dup {
				return Result{OK: false, Reason: fmt.Sprintf("duplicate commanded DOF %d across spaces", dof)}
			}
			commanded[dof] = struct{}{}
		}
	}

	var qDes, qdDes, tauDes []float64
	ensure := func(kind kernelmodel.CommandKind) {
		switch kind {
		case kernelmodel.KindPosition:
			if qDes == nil {
				qDes = append([]float64(nil), nowQ...)
			}
		case kernelmodel.KindVelocity:
			if qdDes == nil {
				qdDes = make([]float64, dofCount)
			}
		case kernelmodel.KindTorque:
			if tauDes == nil {
				tauDes = make([]float64, dofCount)
			}
		}
	}

	// HOLD pass: for every space with a configured preferred hold kind,
	// every uncommanded DOF gets its hold vector allocated (identity value:
	// current q for position, 0 for velocity/torque).
	for _, space := range spaceDOFs.sortedSpaces() {
		kind, hasPolicy := holdPolicy.PreferredHoldKind[space]
		if !hasPolicy {
			continue
		}
		for _, dof := range spaceDOFs.bySpace[space] {
			if dof >= dofCount {
				return Result{OK: false, Reason: fmt.Sprintf("DOF_OOB: space_dofs index %d out of range (n=%d)", dof, dofCount)}
			}
			if _, isCommanded := commanded[dof]; isCommanded {
				continue
			}
			ensure(kind)
		}
	}

	// Command pass in lexicographic space order: write masked values into
	// the vector for their kind.
	for _, space := range spaces {
		cmd := finalBySpace[space]
		ensure(cmd.Kind)
		for k, dof := range cmd.DOFMask {
			switch cmd.Kind {
			case kernelmodel.KindPosition:
				qDes[dof] = cmd.Values[k]
			case kernelmodel.KindVelocity:
				qdDes[dof] = cmd.Values[k]
			case kernelmodel.KindTorque:
				tauDes[dof] = cmd.Values[k]
			}
		}
	}

	return Result{OK: true, Reason: "ok", Targets: Targets{QDes: qDes, QdDes: qdDes, TauDes: tauDes}}
}

func (s SpaceDOFs) sortedSpaces() []kernelmodel.ControlSpace {
	out := make([]kernelmodel.ControlSpace, 0, len(s.bySpace))
	for space := range s.bySpace {
		out = append(out, space)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
