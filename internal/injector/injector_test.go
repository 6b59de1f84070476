package injector_test

import (
	"testing"

	"github.com/rfsn/kernel/internal/injector"
	"github.com/rfsn/kernel/internal/kernelmodel"
)

func spaceDOFs() map[kernelmodel.ControlSpace][]int {
	return map[kernelmodel.ControlSpace][]int{
		kernelmodel.SpaceArm:  {0, 1, 2},
		kernelmodel.SpaceBase: {3, 4},
	}
}

func TestInject_NoneOrWarnProducesNoCommands(t *testing.T) {
	cfg := injector.DefaultConfig()
	none := kernelmodel.SafetyEvent{Level: kernelmodel.LevelNone}
	if out := injector.Inject(none, spaceDOFs(), cfg, nil); out != nil {
		t.Fatalf("NONE should produce no commands, got %v", out)
	}
	warn := kernelmodel.SafetyEvent{Level: kernelmodel.LevelWarn}
	if out := injector.Inject(warn, spaceDOFs(), cfg, nil); out != nil {
		t.Fatalf("WARN should produce no commands, got %v", out)
	}
}

func TestInject_StopHardZerosAllSpacesUnderGlobalStop(t *testing.T) {
	cfg := injector.DefaultConfig() // GlobalStop=true, DampingGain=0
	event := kernelmodel.SafetyEvent{Level: kernelmodel.LevelStop, Reason: "contact"}
	out := injector.Inject(event, spaceDOFs(), cfg, nil)
	if len(out) != 2 {
		t.Fatalf("expected commands for both spaces, got %d", len(out))
	}
	for _, cmd := range out {
		if cmd.Source != kernelmodel.SafetySource {
			t.Fatalf("injected commands must carry safety source")
		}
		if cmd.Kind != kernelmodel.KindVelocity {
			t.Fatalf("default stop kind must be JOINT_VELOCITY, got %s", cmd.Kind)
		}
		for _, v := range cmd.Values {
			if v != 0 {
				t.Fatalf("hard stop values must be zero, got %v", v)
			}
		}
	}
}

func TestInject_DampingWhenVelocitiesInRange(t *testing.T) {
	cfg := injector.Config{StopKind: kernelmodel.KindVelocity, DampingGain: 0.5, GlobalStop: false}
	event := kernelmodel.SafetyEvent{
		Level:          kernelmodel.LevelStop,
		Reason:         "jitter",
		AffectedSpaces: map[string]string{"arm": "jitter"},
	}
	vel := []float64{1.0, 2.0, 3.0, 4.0, 5.0}
	out := injector.Inject(event, spaceDOFs(), cfg, vel)
	if len(out) != 1 {
		t.Fatalf("expected one command targeting arm only, got %d", len(out))
	}
	cmd := out[0]
	if cmd.Space != kernelmodel.SpaceArm {
		t.Fatalf("expected arm space, got %s", cmd.Space)
	}
	if cmd.Kind != kernelmodel.KindTorque {
		t.Fatalf("expected damping torque command, got %s", cmd.Kind)
	}
	for k, i := range cmd.DOFMask {
		want := -cfg.DampingGain * vel[i]
		if cmd.Values[k] != want {
			t.Fatalf("dof %d: got %v want %v", i, cmd.Values[k], want)
		}
	}
}

func TestInject_DampingFallsBackToHardZeroOnOutOfRangeIndex(t *testing.T) {
	cfg := injector.Config{StopKind: kernelmodel.KindVelocity, DampingGain: 0.5, GlobalStop: true}
	event := kernelmodel.SafetyEvent{Level: kernelmodel.LevelEStop, Reason: "fall"}
	// velocities vector too short to cover base's dof indices (3, 4).
	shortVel := []float64{1.0, 2.0, 3.0}
	out := injector.Inject(event, spaceDOFs(), cfg, shortVel)
	byspace := map[kernelmodel.ControlSpace]kernelmodel.MaskedCommand{}
	for _, c := range out {
		byspace[c.Space] = c
	}
	base := byspace[kernelmodel.SpaceBase]
	if base.Kind != kernelmodel.KindVelocity {
		t.Fatalf("out-of-range base space must hard-zero fall back, got kind %s", base.Kind)
	}
	for _, v := range base.Values {
		if v != 0 {
			t.Fatalf("fallback values must be zero, got %v", v)
		}
	}
}
