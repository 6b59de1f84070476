// Package envelope supplies a concrete default envelope catalog, resolving
// an envelope name to the Envelope value the Gate and controller evaluate
// against.
package envelope

import (
	"github.com/rfsn/kernel/internal/kernelmodel"
)

// Catalog resolves an envelope name to its definition.
type Catalog struct {
	byName map[string]kernelmodel.Envelope
}

// NewCatalog builds a Catalog from a set of named envelopes.
func NewCatalog(envs map[string]kernelmodel.Envelope) Catalog {
	byName := make(map[string]kernelmodel.Envelope, len(envs))
	for k, v := range envs {
		byName[k] = v
	}
	return Catalog{byName: byName}
}

// Resolve looks up name in the catalog.
func (c Catalog) Resolve(name string) (kernelmodel.Envelope, bool) {
	e, ok := c.byName[name]
	return e, ok
}

// Names returns the sorted set of envelope names in the catalog.
func (c Catalog) Names() []string {
	return kernelmodel.SortStrings(c.byName)
}

// DefaultEnvelopes returns the baseline catalog for a 7-DOF arm-like system:
// a single envelope, "base_arm_v1", scoped to "lab_v1", with a 10ms skew
// budget, 20ms staleness budget, and the full 8-phase transition graph
// (including RECOVERY side-paths and TERMINATED exits).
func DefaultEnvelopes() map[string]kernelmodel.Envelope {
	qMin := []float64{-2.9, -1.8, -2.9, -3.1, -2.9, -0.1, -2.9}
	qMax := []float64{2.9, 1.8, 2.9, 0.1, 2.9, 3.8, 2.9}
	qdAbs := []float64{2.0, 2.0, 2.0, 2.5, 2.5, 3.0, 3.0}

	edges := map[kernelmodel.PhaseEdge]bool{
		{From: kernelmodel.PhaseIdle, To: kernelmodel.PhaseApproach}:     true,
		{From: kernelmodel.PhaseApproach, To: kernelmodel.PhaseAlign}:    true,
		{From: kernelmodel.PhaseAlign, To: kernelmodel.PhaseGrasp}:       true,
		{From: kernelmodel.PhaseGrasp, To: kernelmodel.PhaseLift}:        true,
		{From: kernelmodel.PhaseLift, To: kernelmodel.PhaseRetreat}:      true,
		{From: kernelmodel.PhaseRetreat, To: kernelmodel.PhaseIdle}:      true,

		{From: kernelmodel.PhaseApproach, To: kernelmodel.PhaseRecovery}: true,
		{From: kernelmodel.PhaseAlign, To: kernelmodel.PhaseRecovery}:    true,
		{From: kernelmodel.PhaseGrasp, To: kernelmodel.PhaseRecovery}:    true,
		{From: kernelmodel.PhaseLift, To: kernelmodel.PhaseRecovery}:     true,
		{From: kernelmodel.PhaseRetreat, To: kernelmodel.PhaseRecovery}:  true,
		{From: kernelmodel.PhaseRecovery, To: kernelmodel.PhaseIdle}:     true,

		{From: kernelmodel.PhaseIdle, To: kernelmodel.PhaseTerminated}:     true,
		{From: kernelmodel.PhaseRecovery, To: kernelmodel.PhaseTerminated}: true,
	}

	base := kernelmodel.Envelope{
		Name:               "base_arm_v1",
		EnvScopePrefix:     "lab_v1",
		MaxSnapshotSkewS:   0.010,
		MaxStateStalenessS: 0.020,

		QMin:     qMin,
		QMax:     qMax,
		QdAbsMax: qdAbs,

		EEXYZMin: [3]float64{-0.6, -0.6, 0.0},
		EEXYZMax: [3]float64{0.6, 0.6, 1.2},

		AllowNewCommitsWhenDegraded:  false,
		AllowNewCommitsWhenUntrusted: false,

		AllowedPhaseEdges: edges,

		PrimaryAuthority: map[kernelmodel.ControlSpace]string{
			kernelmodel.SpaceArm:  "reach",
			kernelmodel.SpaceBase: "safety",
		},
	}

	return map[string]kernelmodel.Envelope{base.Name: base}
}
