package arbiter_test

import (
	"testing"

	"github.com/rfsn/kernel/internal/arbiter"
	"github.com/rfsn/kernel/internal/kernelmodel"
)

func baseLease() kernelmodel.CapabilityLease {
	return kernelmodel.CapabilityLease{
		Seq:     1,
		IssuedT: 0,
		ExpiryT: 100,
		PrimaryAuthority: map[kernelmodel.ControlSpace]string{
			kernelmodel.SpaceArm:  "reach",
			kernelmodel.SpaceBase: "nav",
		},
	}
}

func cmd(space kernelmodel.ControlSpace, source string) kernelmodel.MaskedCommand {
	c, _ := kernelmodel.NewMaskedCommand(space, kernelmodel.KindVelocity, []int{0}, []float64{1.0}, source)
	return c
}

func TestArbitrate_NoPrimaryAuthorityFails(t *testing.T) {
	lease := kernelmodel.CapabilityLease{}
	d := arbiter.Arbitrate(lease, nil)
	if d.OK {
		t.Fatalf("lease with nil primary_authority must fail")
	}
}

func TestArbitrate_SafetyPreemptsPrimary(t *testing.T) {
	lease := baseLease()
	proposals := []kernelmodel.MaskedCommand{
		cmd(kernelmodel.SpaceArm, "reach"),
		cmd(kernelmodel.SpaceArm, kernelmodel.SafetySource),
	}
	d := arbiter.Arbitrate(lease, proposals)
	if !d.OK {
		t.Fatalf("expected success, got %s", d.Reason)
	}
	if d.Selected[kernelmodel.SpaceArm].Source != kernelmodel.SafetySource {
		t.Fatalf("expected safety-sourced proposal to win")
	}
}

func TestArbitrate_AmbiguousSafetyFails(t *testing.T) {
	lease := baseLease()
	proposals := []kernelmodel.MaskedCommand{
		cmd(kernelmodel.SpaceArm, kernelmodel.SafetySource),
		cmd(kernelmodel.SpaceArm, kernelmodel.SafetySource),
	}
	d := arbiter.Arbitrate(lease, proposals)
	if d.OK {
		t.Fatalf("two safety-sourced proposals in the same space must be ambiguous")
	}
}

func TestArbitrate_NonPrimarySourceIgnored(t *testing.T) {
	lease := baseLease()
	proposals := []kernelmodel.MaskedCommand{
		cmd(kernelmodel.SpaceArm, "some_other_skill"),
	}
	d := arbiter.Arbitrate(lease, proposals)
	if d.OK {
		t.Fatalf("expected failure: no eligible proposal selected anywhere")
	}
}

func TestArbitrate_AmbiguousPrimaryFails(t *testing.T) {
	lease := baseLease()
	proposals := []kernelmodel.MaskedCommand{
		cmd(kernelmodel.SpaceArm, "reach"),
		cmd(kernelmodel.SpaceArm, "reach"),
	}
	d := arbiter.Arbitrate(lease, proposals)
	if d.OK {
		t.Fatalf("two primary-sourced proposals in the same space must be ambiguous")
	}
}

func TestArbitrate_NoDeclaredAuthorityForSpaceFails(t *testing.T) {
	lease := baseLease() // declares only arm and base
	proposals := []kernelmodel.MaskedCommand{
		cmd(kernelmodel.SpaceLegs, "walk"),
	}
	d := arbiter.Arbitrate(lease, proposals)
	if d.OK {
		t.Fatalf("a proposal targeting a space with no declared primary authority must fail arbitration, not be held")
	}
}

func TestArbitrate_UnselectedSpaceIsOmitted(t *testing.T) {
	lease := baseLease()
	proposals := []kernelmodel.MaskedCommand{
		cmd(kernelmodel.SpaceArm, "reach"),
	}
	d := arbiter.Arbitrate(lease, proposals)
	if !d.OK {
		t.Fatalf("expected success: %s", d.Reason)
	}
	if _, present := d.Selected[kernelmodel.SpaceBase]; present {
		t.Fatalf("base had no proposals and must not appear in Selected")
	}
}
