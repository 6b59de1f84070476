// Package clamp implements two separable clamp stages: an absolute clamp to
// lease bounds, and a dynamics clamp bounding per-joint acceleration against
// the previous tick.
package clamp

import (
	"fmt"

	"github.com/rfsn/kernel/internal/kernelmodel"
)

// ToLease clamps cmd's values to lease's absolute per-DOF bounds, returning a
// new MaskedCommand with the same mask/kind/source. It validates that the
// lease's bound vectors agree in length and that every masked DOF index is
// in range.
func ToLease(cmd kernelmodel.MaskedCommand, lease kernelmodel.CapabilityLease) (kernelmodel.MaskedCommand, error) {
	n := len(lease.QMax)
	if len(lease.QMin) != n || len(lease.QdAbsMax) != n {
		return kernelmodel.MaskedCommand{}, fmt.Errorf("clamp: LEASE_SHAPE: lease bound vectors disagree in length")
	}
	for _, i := range cmd.DOFMask {
		if i >= n {
			return kernelmodel.MaskedCommand{}, fmt.Errorf("clamp: DOF_OOB: dof index %d out of range (n=%d)", i, n)
		}
	}

	values := make([]float64, len(cmd.Values))
	switch cmd.Kind {
	case kernelmodel.KindPosition:
		for k, i := range cmd.DOFMask {
			values[k] = clampF(cmd.Values[k], lease.QMin[i], lease.QMax[i])
		}
	case kernelmodel.KindVelocity:
		for k, i := range cmd.DOFMask {
			values[k] = clampF(cmd.Values[k], -lease.QdAbsMax[i], lease.QdAbsMax[i])
		}
	case kernelmodel.KindTorque:
		if lease.TauAbsMax == nil {
			return kernelmodel.MaskedCommand{}, fmt.Errorf("clamp: TORQUE_NOT_ALLOWED: lease has no tau_abs_max")
		}
		if len(lease.TauAbsMax) != n {
			return kernelmodel.MaskedCommand{}, fmt.Errorf("clamp: LEASE_SHAPE: tau_abs_max length disagrees")
		}
		for k, i := range cmd.DOFMask {
			values[k] = clampF(cmd.Values[k], -lease.TauAbsMax[i], lease.TauAbsMax[i])
		}
	default:
		return kernelmodel.MaskedCommand{}, fmt.Errorf("clamp: unknown command kind %q", cmd.Kind)
	}

	return kernelmodel.MaskedCommand{
		Space:   cmd.Space,
		Kind:    cmd.Kind,
		DOFMask: append([]int(nil), cmd.DOFMask...),
		Values:  values,
		Source:  cmd.Source,
	}, nil
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Dynamics clamps cmd's velocity values against prevCmd (which may be nil,
// meaning "no prior command for this space") by the envelope's per-joint
// acceleration limit over dt. Position and torque commands, and any case
// where the envelope carries no acceleration limits, pass through
// unmodified.
func Dynamics(cmd kernelmodel.MaskedCommand, prevCmd *kernelmodel.MaskedCommand, envelope kernelmodel.Envelope, dt float64) (kernelmodel.MaskedCommand, error) {
	if envelope.QAccAbsMax == nil {
		return cmd, nil
	}
	if dt <= 0.0001 {
		return kernelmodel.MaskedCommand{}, fmt.Errorf("clamp: BAD_DT: dt=%.6f too small", dt)
	}
	if prevCmd == nil || prevCmd.Kind != cmd.Kind {
		// First tick for this space, or a mode switch: dynamics history
		// resets, pass through.
		return cmd, nil
	}
	if cmd.Kind != kernelmodel.KindVelocity {
		return cmd, nil
	}

	prevByDOF := make(map[int]float64, len(prevCmd.DOFMask))
	for k, i := range prevCmd.DOFMask {
		prevByDOF[i] = prevCmd.Values[k]
	}

	values := make([]float64, len(cmd.Values))
	copy(values, cmd.Values)
	for k, i := range cmd.DOFMask {
		prev, has := prevByDOF[i]
		if !has {
			continue
		}
		if i >= len(envelope.QAccAbsMax) {
			return kernelmodel.MaskedCommand{}, fmt.Errorf("clamp: DOF_OOB: dof index %d out of range for acceleration bounds", i)
		}
		maxStep := envelope.QAccAbsMax[i] * dt
		values[k] = clampF(values[k], prev-maxStep, prev+maxStep)
	}

	return kernelmodel.MaskedCommand{
		Space:   cmd.Space,
		Kind:    cmd.Kind,
		DOFMask: append([]int(nil), cmd.DOFMask...),
		Values:  values,
		Source:  cmd.Source,
	}, nil
}
