// Command kernel-sim drives the pure controller core against a scripted,
// deterministic scenario file with no network, disk persistence, or wall
// clock involved beyond reading the scenario and writing trace lines to
// stdout — every run of the same scenario produces byte-identical output.
// Stdlib only: a simulation harness has no domain dependency to wire.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/rfsn/kernel/internal/actuator"
	"github.com/rfsn/kernel/internal/controller"
	"github.com/rfsn/kernel/internal/envelope"
	"github.com/rfsn/kernel/internal/kernelmodel"
	"github.com/rfsn/kernel/internal/trace"
)

// ScenarioCommand is the JSON form of one proposal within a scenario tick.
type ScenarioCommand struct {
	Space   string    `json:"space"`
	Kind    string    `json:"kind"`
	DOFMask []int     `json:"dof_mask"`
	Values  []float64 `json:"values"`
	Source  string    `json:"source"`
}

// ScenarioTick is one simulated controller tick.
type ScenarioTick struct {
	T         float64           `json:"t"`
	Proposals []ScenarioCommand `json:"proposals"`
}

// Scenario is the full deterministic simulation script.
type Scenario struct {
	DOFCount int       `json:"dof_count"`
	NowQ     []float64 `json:"now_q"`

	LeaseSeq      int64              `json:"lease_seq"`
	LeaseID       string             `json:"lease_id"`
	LeaseIssuedT  float64            `json:"lease_issued_t"`
	LeaseExpiryT  float64            `json:"lease_expiry_t"`
	QMin          []float64          `json:"q_min"`
	QMax          []float64          `json:"q_max"`
	QdAbsMax      []float64          `json:"qd_abs_max"`
	TauAbsMax     []float64          `json:"tau_abs_max,omitempty"`
	PrimaryAuthority map[string]string `json:"primary_authority"`

	SpaceDOFs map[string][]int `json:"space_dofs"`

	Ticks []ScenarioTick `json:"ticks"`
}

func main() {
	scenarioPath := flag.String("scenario", "", "path to a scenario JSON file")
	flag.Parse()

	if *scenarioPath == "" {
		fmt.Fprintln(os.Stderr, "kernel-sim: -scenario is required")
		os.Exit(2)
	}

	if err := run(*scenarioPath); err != nil {
		fmt.Fprintf(os.Stderr, "kernel-sim: %v\n", err)
		os.Exit(1)
	}
}

func run(scenarioPath string) error {
	data, err := os.ReadFile(scenarioPath)
	if err != nil {
		return fmt.Errorf("read scenario: %w", err)
	}

	var sc Scenario
	if err := json.Unmarshal(data, &sc); err != nil {
		return fmt.Errorf("parse scenario: %w", err)
	}

	primary := make(map[kernelmodel.ControlSpace]string, len(sc.PrimaryAuthority))
	for space, skill := range sc.PrimaryAuthority {
		primary[kernelmodel.ControlSpace(space)] = skill
	}
	lease := kernelmodel.CapabilityLease{
		Seq:              sc.LeaseSeq,
		LeaseID:          sc.LeaseID,
		IssuedT:          sc.LeaseIssuedT,
		ExpiryT:          sc.LeaseExpiryT,
		QMin:             sc.QMin,
		QMax:             sc.QMax,
		QdAbsMax:         sc.QdAbsMax,
		TauAbsMax:        sc.TauAbsMax,
		PrimaryAuthority: primary,
	}

	envs := envelope.DefaultEnvelopes()
	catalog := envelope.NewCatalog(envs)
	env, ok := catalog.Resolve("base_arm_v1")
	if !ok {
		return fmt.Errorf("scenario envelope catalog missing base_arm_v1")
	}

	spaceDOFs := make(map[kernelmodel.ControlSpace][]int, len(sc.SpaceDOFs))
	for space, dofs := range sc.SpaceDOFs {
		spaceDOFs[kernelmodel.ControlSpace(space)] = dofs
	}
	dofs, err := actuator.NewSpaceDOFs(spaceDOFs)
	if err != nil {
		return fmt.Errorf("space_dofs: %w", err)
	}
	holdPolicy := actuator.DefaultHoldPolicy()

	ctrl := controller.New()
	if !ctrl.InstallLease(lease, sc.LeaseIssuedT, &env) {
		return fmt.Errorf("initial lease rejected by controller")
	}

	for _, tick := range sc.Ticks {
		proposals := make([]kernelmodel.MaskedCommand, 0, len(tick.Proposals))
		for _, p := range tick.Proposals {
			cmd, err := kernelmodel.NewMaskedCommand(
				kernelmodel.ControlSpace(p.Space),
				kernelmodel.CommandKind(p.Kind),
				p.DOFMask,
				p.Values,
				p.Source,
			)
			if err != nil {
				return fmt.Errorf("tick t=%v: invalid proposal: %w", tick.T, err)
			}
			proposals = append(proposals, cmd)
		}

		out := ctrl.Step(tick.T, proposals)

		rec := trace.Record{T: tick.T, Tag: trace.TagController, Payload: map[string]any{
			"ok":     out.OK,
			"reason": out.Reason,
		}}

		if out.OK {
			result := actuator.Build(out.FinalBySpace, sc.NowQ, sc.DOFCount, dofs, holdPolicy, true)
			rec.Payload["actuator_ok"] = result.OK
			if result.OK {
				rec.Payload["q_des"] = result.Targets.QDes
				rec.Payload["qd_des"] = result.Targets.QdDes
				rec.Payload["tau_des"] = result.Targets.TauDes
			} else {
				rec.Payload["actuator_reason"] = result.Reason
			}
		}

		line, err := trace.DumpLine(rec)
		if err != nil {
			return fmt.Errorf("tick t=%v: trace encode: %w", tick.T, err)
		}
		if _, err := fmt.Fprintln(os.Stdout, line); err != nil {
			return err
		}
	}

	return nil
}
