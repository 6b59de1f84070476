// Package integration exercises the full controller tick pipeline
// (arbitrate -> absolute clamp -> dynamics clamp -> conflict check ->
// actuator build) end to end against the components in internal/, plus
// the trace round-trip contract. Unit tests in each package already cover
// each stage in isolation; these tests cover the stages composed together
// the way cmd/kerneld actually calls them.
package integration_test

import (
	"testing"

	"github.com/rfsn/kernel/internal/actuator"
	"github.com/rfsn/kernel/internal/controller"
	"github.com/rfsn/kernel/internal/envelope"
	"github.com/rfsn/kernel/internal/kernelmodel"
	"github.com/rfsn/kernel/internal/trace"
)

func testLease() kernelmodel.CapabilityLease {
	env := envelope.DefaultEnvelopes()["base_arm_v1"]
	return kernelmodel.CapabilityLease{
		Seq:      1,
		LeaseID:  "it-lease-1",
		IssuedT:  0,
		ExpiryT:  100,
		QMin:     env.QMin,
		QMax:     env.QMax,
		QdAbsMax: env.QdAbsMax,
		PrimaryAuthority: map[kernelmodel.ControlSpace]string{
			kernelmodel.SpaceArm: "reach",
		},
	}
}

func testSpaceDOFs(t *testing.T) actuator.SpaceDOFs {
	t.Helper()
	dofs, err := actuator.NewSpaceDOFs(map[kernelmodel.ControlSpace][]int{
		kernelmodel.SpaceArm: {0, 1, 2, 3, 4, 5, 6},
	})
	if err != nil {
		t.Fatalf("NewSpaceDOFs: %v", err)
	}
	return dofs
}

func TestPipeline_AcceptedProposalReachesActuator(t *testing.T) {
	env := envelope.DefaultEnvelopes()["base_arm_v1"]
	ctrl := controller.New()
	lease := testLease()
	if !ctrl.InstallLease(lease, 0, &env) {
		t.Fatalf("InstallLease failed")
	}

	nowQ := make([]float64, len(env.QMin))
	cmd, err := kernelmodel.NewMaskedCommand(kernelmodel.SpaceArm, kernelmodel.KindVelocity, []int{0, 1}, []float64{0.5, -0.5}, "reach")
	if err != nil {
		t.Fatalf("NewMaskedCommand: %v", err)
	}

	out := ctrl.Step(0.002, []kernelmodel.MaskedCommand{cmd})
	if !out.OK {
		t.Fatalf("expected tick to succeed, got: %s", out.Reason)
	}

	result := actuator.Build(out.FinalBySpace, nowQ, len(nowQ), testSpaceDOFs(t), actuator.DefaultHoldPolicy(), true)
	if !result.OK {
		t.Fatalf("expected actuator build to succeed, got: %s", result.Reason)
	}
	if result.Targets.QdDes[0] != 0.5 || result.Targets.QdDes[1] != -0.5 {
		t.Fatalf("unexpected actuator velocity targets: %+v", result.Targets.QdDes)
	}
	for i := 2; i < len(result.Targets.QdDes); i++ {
		if result.Targets.QdDes[i] != 0 {
			t.Fatalf("uncommanded arm DOF %d must hold zero velocity, got %v", i, result.Targets.QdDes[i])
		}
	}
}

func TestPipeline_EstopSupersedesEverything(t *testing.T) {
	env := envelope.DefaultEnvelopes()["base_arm_v1"]
	ctrl := controller.New()
	lease := testLease()
	if !ctrl.InstallLease(lease, 0, &env) {
		t.Fatalf("InstallLease failed")
	}

	ctrl.ApplyEstop()

	cmd, _ := kernelmodel.NewMaskedCommand(kernelmodel.SpaceArm, kernelmodel.KindVelocity, []int{0}, []float64{1.0}, "reach")
	out := ctrl.Step(0.002, []kernelmodel.MaskedCommand{cmd})
	if out.OK {
		t.Fatalf("expected E-STOP to block every tick")
	}
	if ctrl.CurrentState() != controller.StateEstopped {
		t.Fatalf("expected state ESTOPPED, got %s", ctrl.CurrentState())
	}

	// A higher-sequence lease install must still be refused while e-stopped.
	lease2 := lease
	lease2.Seq = 2
	if ctrl.InstallLease(lease2, 0.003, &env) {
		t.Fatalf("lease install must be refused while e-stopped")
	}

	ctrl.ClearEstop()
	if !ctrl.InstallLease(lease2, 0.003, &env) {
		t.Fatalf("expected lease install to succeed after clearing e-stop")
	}
	if ctrl.CurrentState() != controller.StateReady {
		t.Fatalf("expected state READY after reinstall, got %s", ctrl.CurrentState())
	}
}

func TestPipeline_ConflictingSpacesRejected(t *testing.T) {
	env := envelope.DefaultEnvelopes()["base_arm_v1"]
	ctrl := controller.New()
	lease := testLease()
	lease.PrimaryAuthority[kernelmodel.SpaceBase] = "nav"
	if !ctrl.InstallLease(lease, 0, &env) {
		t.Fatalf("InstallLease failed")
	}

	armCmd, _ := kernelmodel.NewMaskedCommand(kernelmodel.SpaceArm, kernelmodel.KindVelocity, []int{0}, []float64{1.0}, "reach")
	baseCmd, _ := kernelmodel.NewMaskedCommand(kernelmodel.SpaceBase, kernelmodel.KindVelocity, []int{0}, []float64{1.0}, "nav")

	out := ctrl.Step(0.002, []kernelmodel.MaskedCommand{armCmd, baseCmd})
	if out.OK {
		t.Fatalf("expected DOF conflict between arm and base over DOF 0 to reject the tick")
	}
}

func TestPipeline_TraceRoundTripIsFixedPoint(t *testing.T) {
	records := []trace.Record{
		{T: 0.001, Tag: trace.TagController, Payload: map[string]any{"ok": true, "reason": "OK"}},
		{T: 0.002, Tag: trace.TagActuators, Payload: map[string]any{"q_des": []any{0.1, 0.2}}},
	}

	dumped, err := trace.DumpsJSONL(records)
	if err != nil {
		t.Fatalf("DumpsJSONL: %v", err)
	}
	loaded, err := trace.LoadsJSONL(dumped)
	if err != nil {
		t.Fatalf("LoadsJSONL: %v", err)
	}
	redumped, err := trace.DumpsJSONL(loaded)
	if err != nil {
		t.Fatalf("re-DumpsJSONL: %v", err)
	}
	if dumped != redumped {
		t.Fatalf("trace dump is not a fixed point:\nfirst:  %q\nsecond: %q", dumped, redumped)
	}
}
