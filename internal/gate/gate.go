// Package gate implements admission control over control-plane Actions: an
// ordered, first-failure-wins check chain that returns an {ok, reason,
// code} Decision without ever mutating ledger state itself.
package gate

import (
	"fmt"
	"math"
	"strings"

	"github.com/rfsn/kernel/internal/kernelmodel"
)

// RejectCode is the stable, machine-readable reject taxonomy.
type RejectCode string

const (
	CodeNone                 RejectCode = ""
	CodeOrderViolation       RejectCode = "ORDER_VIOLATION"
	CodeEnvScopeMismatch     RejectCode = "ENV_SCOPE_MISMATCH"
	CodeSnapshotSkew         RejectCode = "SNAPSHOT_SKEW"
	CodeSnapshotStale        RejectCode = "SNAPSHOT_STALE"
	CodeSnapshotFuture       RejectCode = "SNAPSHOT_FUTURE"
	CodePerceptionDegraded   RejectCode = "PERCEPTION_DEGRADED"
	CodePerceptionUntrusted  RejectCode = "PERCEPTION_UNTRUSTED"
	CodeDOFMismatch          RejectCode = "DOF_MISMATCH"
	CodeJointLimit           RejectCode = "JOINT_LIMIT"
	CodeJointVelocity        RejectCode = "JOINT_VELOCITY"
	CodeEEWorkspace          RejectCode = "EE_WORKSPACE"
	CodeEEInZone             RejectCode = "EE_IN_ZONE"
	CodeBadAction            RejectCode = "BAD_ACTION"
	CodeUnknownSkill         RejectCode = "UNKNOWN_SKILL"
	CodePhaseRule            RejectCode = "PHASE_RULE"
	CodeBadGoal              RejectCode = "BAD_GOAL"
	CodePhaseEdge            RejectCode = "PHASE_EDGE"
	CodeBadActionKind        RejectCode = "BAD_ACTION_KIND"
)

// Decision is the Gate's pure output: ok/reason/code. The Gate never
// mutates ledger state; the caller applies the ledger iff OK is true.
type Decision struct {
	OK         bool
	Reason     string
	RejectCode RejectCode
}

func reject(code RejectCode, reason string) Decision {
	return Decision{OK: false, Reason: reason, RejectCode: code}
}

func accept(reason string) Decision {
	return Decision{OK: true, Reason: reason, RejectCode: CodeNone}
}

// LedgerView is the minimal read-only interface the Gate needs from a
// ledger.Ledger, avoiding an import cycle and keeping the Gate pure in the
// sense of depending only on values it is handed.
type LedgerView interface {
	CanApply(action kernelmodel.Action) bool
}

// goalTypes are the SET_GOAL payload types the Gate recognises.
var goalTypes = map[string]bool{
	"reach":     true,
	"move_base": true,
	"grasp":     true,
	"lift":      true,
}

// Evaluate runs the ordered Gate check chain against one Action and returns
// the first failing check, or an accept Decision if every check passes.
// enabledSkills is the set of skill names currently permitted to be enabled.
func Evaluate(state kernelmodel.StateSnapshot, action kernelmodel.Action, envelope kernelmodel.Envelope, ledger LedgerView, enabledSkills map[string]bool) Decision {
	// 1. EMERGENCY_STOP always accepted.
	if action.Kind == kernelmodel.ActionEmergencyStop {
		return accept("emergency stop")
	}

	// 2. Ledger ordering.
	if !ledger.CanApply(action) {
		return reject(CodeOrderViolation, "action seq/id not applicable against ledger")
	}

	// 3. Environment scope.
	if !strings.HasPrefix(state.EnvFingerprint, envelope.EnvScopePrefix) {
		return reject(CodeEnvScopeMismatch, fmt.Sprintf("env_fingerprint %q does not start with scope prefix %q", state.EnvFingerprint, envelope.EnvScopePrefix))
	}

	// 4. Snapshot time.
	if d := checkSnapshotTime(state, envelope); !d.OK {
		return d
	}

	// 5. Perception trust.
	switch state.PerceptionTrust.Value {
	case kernelmodel.TrustDegraded:
		if !envelope.AllowNewCommitsWhenDegraded {
			return reject(CodePerceptionDegraded, "perception trust DEGRADED and envelope does not opt in")
		}
	case kernelmodel.TrustUntrusted:
		if !envelope.AllowNewCommitsWhenUntrusted {
			return reject(CodePerceptionUntrusted, "perception trust UNTRUSTED and envelope does not opt in")
		}
	}

	// 6. State bounds.
	if d := checkStateBounds(state, envelope); !d.OK {
		return d
	}

	// 7. Action-kind-specific rules.
	return checkActionKind(state, action, envelope, enabledSkills)
}

// checkSnapshotTime computes min/max over the five timestamped fields and
// validates skew, staleness, and future-timestamp invariants.
func checkSnapshotTime(state kernelmodel.StateSnapshot, envelope kernelmodel.Envelope) Decision {
	times := []float64{
		state.JointsQ.T,
		state.JointsQd.T,
		state.EEPose.T,
		state.Contacts.T,
		state.PerceptionTrust.T,
	}
	tMin, tMax := times[0], times[0]
	for _, t := range times[1:] {
		if t < tMin {
			tMin = t
		}
		if t > tMax {
			tMax = t
		}
	}
	if (tMax - tMin) > envelope.MaxSnapshotSkewS {
		return reject(CodeSnapshotSkew, fmt.Sprintf("snapshot skew %.6fs exceeds budget %.6fs", tMax-tMin, envelope.MaxSnapshotSkewS))
	}
	if (state.TKernel - tMin) > envelope.MaxStateStalenessS {
		return reject(CodeSnapshotStale, fmt.Sprintf("snapshot staleness %.6fs exceeds budget %.6fs", state.TKernel-tMin, envelope.MaxStateStalenessS))
	}
	if tMax > state.TKernel+1e-6 {
		return reject(CodeSnapshotFuture, fmt.Sprintf("snapshot timestamp %.6f is ahead of t_kernel %.6f", tMax, state.TKernel))
	}
	return accept("")
}

// checkStateBounds validates DOF shape, per-joint position/velocity bounds,
// and (when an EE pose is present) workspace/exclusion-zone bounds.
func checkStateBounds(state kernelmodel.StateSnapshot, envelope kernelmodel.Envelope) Decision {
	n := len(envelope.QMin)
	if len(envelope.QMax) != n || len(envelope.QdAbsMax) != n {
		return reject(CodeDOFMismatch, "envelope bound vectors have mismatched lengths")
	}
	if len(state.JointsQ.Value) != n || len(state.JointsQd.Value) != n {
		return reject(CodeDOFMismatch, fmt.Sprintf("snapshot DOF count %d/%d does not match envelope DOF count %d", len(state.JointsQ.Value), len(state.JointsQd.Value), n))
	}
	for i := 0; i < n; i++ {
		q := state.JointsQ.Value[i]
		if q < envelope.QMin[i] || q > envelope.QMax[i] {
			return reject(CodeJointLimit, fmt.Sprintf("joint %d position %.6f outside [%.6f, %.6f]", i, q, envelope.QMin[i], envelope.QMax[i]))
		}
		qd := state.JointsQd.Value[i]
		if math.Abs(qd) > envelope.QdAbsMax[i] {
			return reject(CodeJointVelocity, fmt.Sprintf("joint %d velocity %.6f exceeds %.6f", i, qd, envelope.QdAbsMax[i]))
		}
	}
	if state.EEPose.Value != nil {
		p := *state.EEPose.Value
		box := kernelmodel.AABB{Min: envelope.EEXYZMin, Max: envelope.EEXYZMax}
		if !box.Contains(p) {
			return reject(CodeEEWorkspace, fmt.Sprintf("end-effector pose %v outside workspace bounds", p))
		}
		for _, zone := range envelope.ExclusionZones {
			if zone.Contains(p) {
				return reject(CodeEEInZone, fmt.Sprintf("end-effector pose %v inside exclusion zone %+v", p, zone))
			}
		}
	}
	return accept("")
}

// checkActionKind runs the per-ActionKind admission rules.
func checkActionKind(state kernelmodel.StateSnapshot, action kernelmodel.Action, envelope kernelmodel.Envelope, enabledSkills map[string]bool) Decision {
	switch action.Kind {
	case kernelmodel.ActionEnableSkill:
		if action.SkillName == "" {
			return reject(CodeBadAction, "ENABLE_SKILL requires skill_name")
		}
		if !enabledSkills[action.SkillName] {
			return reject(CodeUnknownSkill, fmt.Sprintf("skill %q not known", action.SkillName))
		}
		if state.Phase != kernelmodel.PhaseIdle && state.Phase != kernelmodel.PhaseRecovery {
			return reject(CodePhaseRule, fmt.Sprintf("ENABLE_SKILL not permitted in phase %s", state.Phase))
		}
		return accept("enable_skill ok")

	case kernelmodel.ActionDisableSkill:
		if action.SkillName == "" {
			return reject(CodeBadAction, "DISABLE_SKILL requires skill_name")
		}
		if !enabledSkills[action.SkillName] {
			return reject(CodeUnknownSkill, fmt.Sprintf("skill %q not known", action.SkillName))
		}
		return accept("disable_skill ok")

	case kernelmodel.ActionSetGoal:
		if action.Goal == nil {
			return reject(CodeBadGoal, "SET_GOAL requires a goal payload")
		}
		gt, _ := action.Goal["type"].(string)
		if !goalTypes[gt] {
			return reject(CodeBadGoal, fmt.Sprintf("goal type %q not recognised", gt))
		}
		return accept("set_goal ok")

	case kernelmodel.ActionSetPhase:
		if !envelope.AllowsPhaseEdge(state.Phase, action.NextPhase) {
			return reject(CodePhaseEdge, fmt.Sprintf("phase edge %s->%s not permitted", state.Phase, action.NextPhase))
		}
		return accept("set_phase ok")

	case kernelmodel.ActionApplyEnvelope:
		if action.EnvelopeName == "" {
			return reject(CodeBadAction, "APPLY_ENVELOPE requires envelope_name")
		}
		if state.Phase != kernelmodel.PhaseIdle && state.Phase != kernelmodel.PhaseRecovery {
			return reject(CodePhaseRule, fmt.Sprintf("APPLY_ENVELOPE not permitted in phase %s", state.Phase))
		}
		return accept("apply_envelope ok")

	default:
		return reject(CodeBadActionKind, fmt.Sprintf("unknown action kind %q", action.Kind))
	}
}
