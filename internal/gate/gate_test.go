package gate_test

import (
	"testing"

	"github.com/rfsn/kernel/internal/envelope"
	"github.com/rfsn/kernel/internal/gate"
	"github.com/rfsn/kernel/internal/kernelmodel"
	"github.com/rfsn/kernel/internal/ledger"
)

func baseEnvelope() kernelmodel.Envelope {
	return envelope.DefaultEnvelopes()["base_arm_v1"]
}

func baseSnapshot(env kernelmodel.Envelope) kernelmodel.StateSnapshot {
	q := make([]float64, len(env.QMin))
	qd := make([]float64, len(env.QMin))
	return kernelmodel.StateSnapshot{
		TKernel:         1.0,
		JointsQ:         kernelmodel.Timestamped[[]float64]{Value: q, T: 1.0},
		JointsQd:        kernelmodel.Timestamped[[]float64]{Value: qd, T: 1.0},
		EEPose:          kernelmodel.Timestamped[*[3]float64]{Value: nil, T: 1.0},
		Contacts:        kernelmodel.Timestamped[map[string]bool]{Value: nil, T: 1.0},
		PerceptionTrust: kernelmodel.Timestamped[kernelmodel.PerceptionTrust]{Value: kernelmodel.TrustValid, T: 1.0},
		Phase:           kernelmodel.PhaseIdle,
		Seq:             0,
		EnvFingerprint:  "lab_v1|camrig_v3",
	}
}

func TestEvaluate_EmergencyStopBypassesEverything(t *testing.T) {
	env := baseEnvelope()
	l := ledger.New()
	state := baseSnapshot(env)
	state.EnvFingerprint = "totally-wrong-scope"
	action := kernelmodel.Action{Kind: kernelmodel.ActionEmergencyStop}
	d := gate.Evaluate(state, action, env, l, nil)
	if !d.OK {
		t.Fatalf("EMERGENCY_STOP must always be accepted, got reject %v: %s", d.RejectCode, d.Reason)
	}
}

func TestEvaluate_OrderViolation(t *testing.T) {
	env := baseEnvelope()
	l := ledger.New()
	state := baseSnapshot(env)
	action := kernelmodel.Action{Kind: kernelmodel.ActionSetGoal, Seq: 7, Goal: map[string]any{"type": "reach"}}
	d := gate.Evaluate(state, action, env, l, nil)
	if d.OK || d.RejectCode != gate.CodeOrderViolation {
		t.Fatalf("expected ORDER_VIOLATION, got ok=%v code=%v", d.OK, d.RejectCode)
	}
}

func TestEvaluate_EnvScopeMismatch(t *testing.T) {
	env := baseEnvelope()
	l := ledger.New()
	state := baseSnapshot(env)
	state.EnvFingerprint = "other_scope|foo"
	action := kernelmodel.Action{Kind: kernelmodel.ActionSetGoal, Seq: 1, Goal: map[string]any{"type": "reach"}}
	d := gate.Evaluate(state, action, env, l, nil)
	if d.OK || d.RejectCode != gate.CodeEnvScopeMismatch {
		t.Fatalf("expected ENV_SCOPE_MISMATCH, got ok=%v code=%v", d.OK, d.RejectCode)
	}
}

func TestEvaluate_SnapshotSkew(t *testing.T) {
	env := baseEnvelope()
	l := ledger.New()
	state := baseSnapshot(env)
	// ee_pose timestamped 30ms before joints; envelope skew budget is 10ms.
	p := [3]float64{0, 0, 0.5}
	state.EEPose = kernelmodel.Timestamped[*[3]float64]{Value: &p, T: state.JointsQ.T - 0.030}
	action := kernelmodel.Action{Kind: kernelmodel.ActionSetGoal, Seq: 1, Goal: map[string]any{"type": "reach"}}
	d := gate.Evaluate(state, action, env, l, nil)
	if d.OK {
		t.Fatalf("expected rejection for excessive snapshot skew")
	}
	if d.RejectCode != gate.CodeSnapshotSkew && d.RejectCode != gate.CodeSnapshotStale {
		t.Fatalf("expected SNAPSHOT_SKEW or SNAPSHOT_STALE, got %v", d.RejectCode)
	}
}

func TestEvaluate_PerceptionUntrustedRejected(t *testing.T) {
	env := baseEnvelope()
	l := ledger.New()
	state := baseSnapshot(env)
	state.PerceptionTrust.Value = kernelmodel.TrustUntrusted
	action := kernelmodel.Action{Kind: kernelmodel.ActionSetGoal, Seq: 1, Goal: map[string]any{"type": "reach"}}
	d := gate.Evaluate(state, action, env, l, nil)
	if d.OK || d.RejectCode != gate.CodePerceptionUntrusted {
		t.Fatalf("expected PERCEPTION_UNTRUSTED, got ok=%v code=%v", d.OK, d.RejectCode)
	}
}

func TestEvaluate_JointLimitViolation(t *testing.T) {
	env := baseEnvelope()
	l := ledger.New()
	state := baseSnapshot(env)
	state.JointsQ.Value[0] = env.QMax[0] + 1.0
	action := kernelmodel.Action{Kind: kernelmodel.ActionSetGoal, Seq: 1, Goal: map[string]any{"type": "reach"}}
	d := gate.Evaluate(state, action, env, l, nil)
	if d.OK || d.RejectCode != gate.CodeJointLimit {
		t.Fatalf("expected JOINT_LIMIT, got ok=%v code=%v", d.OK, d.RejectCode)
	}
}

func TestEvaluate_SetPhaseEdgeRules(t *testing.T) {
	env := baseEnvelope()
	l := ledger.New()
	state := baseSnapshot(env)

	ok := kernelmodel.Action{Kind: kernelmodel.ActionSetPhase, Seq: 1, NextPhase: kernelmodel.PhaseApproach}
	d := gate.Evaluate(state, ok, env, l, nil)
	if !d.OK {
		t.Fatalf("IDLE->APPROACH should be allowed: %s", d.Reason)
	}

	l2 := ledger.New()
	bad := kernelmodel.Action{Kind: kernelmodel.ActionSetPhase, Seq: 1, NextPhase: kernelmodel.PhaseGrasp}
	d2 := gate.Evaluate(state, bad, env, l2, nil)
	if d2.OK || d2.RejectCode != gate.CodePhaseEdge {
		t.Fatalf("IDLE->GRASP should be PHASE_EDGE, got ok=%v code=%v", d2.OK, d2.RejectCode)
	}
}

func TestEvaluate_EnableSkillRules(t *testing.T) {
	env := baseEnvelope()
	l := ledger.New()
	state := baseSnapshot(env)
	known := map[string]bool{"reach": true}

	good := kernelmodel.Action{Kind: kernelmodel.ActionEnableSkill, Seq: 1, SkillName: "reach"}
	d := gate.Evaluate(state, good, env, l, known)
	if !d.OK {
		t.Fatalf("expected ENABLE_SKILL to succeed: %s", d.Reason)
	}

	l2 := ledger.New()
	unknown := kernelmodel.Action{Kind: kernelmodel.ActionEnableSkill, Seq: 1, SkillName: "nope"}
	d2 := gate.Evaluate(state, unknown, env, l2, known)
	if d2.OK || d2.RejectCode != gate.CodeUnknownSkill {
		t.Fatalf("expected UNKNOWN_SKILL, got ok=%v code=%v", d2.OK, d2.RejectCode)
	}
}
