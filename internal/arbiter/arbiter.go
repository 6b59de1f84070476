// Package arbiter selects, per control space, the single winning proposal
// among a lease's primary authority and any safety-sourced override.
package arbiter

import (
	"fmt"

	"github.com/rfsn/kernel/internal/kernelmodel"
)

// Decision is the arbiter's pure output.
type Decision struct {
	OK       bool
	Reason   string
	Selected map[kernelmodel.ControlSpace]kernelmodel.MaskedCommand
}

// Arbitrate groups proposals by space and, for each space (lexicographic
// order), prefers an unambiguous safety-sourced proposal; otherwise requires
// the space to have a declared primary authority and selects the unambiguous
// proposal from it. A space with proposals but no declared primary authority
// fails arbitration outright; a space with a declared authority but zero
// matching proposals is left unselected (HOLD applies later, in the actuator
// builder). The decision fails if lease declares no primary_authority map at
// all, if any space is ambiguous, if any space lacks a declared authority, or
// if nothing was selected.
func Arbitrate(lease kernelmodel.CapabilityLease, proposals []kernelmodel.MaskedCommand) Decision {
	if lease.PrimaryAuthority == nil {
		return Decision{OK: false, Reason: "lease has no primary_authority"}
	}

	bySpace := map[kernelmodel.ControlSpace][]kernelmodel.MaskedCommand{}
	for _, p := range proposals {
		bySpace[p.Space] = append(bySpace[p.Space], p)
	}

	selected := map[kernelmodel.ControlSpace]kernelmodel.MaskedCommand{}

	for _, space := range kernelmodel.SortSpaces(bySpace) {
		ps := bySpace[space]

		var safety []kernelmodel.MaskedCommand
		for _, p := range ps {
			if p.Source == kernelmodel.SafetySource {
				safety = append(safety, p)
			}
		}
		if len(safety) > 0 {
			if len(safety) > 1 {
				return Decision{OK: false, Reason: fmt.Sprintf("ambiguous safety proposals in %s", space)}
			}
			selected[space] = safety[0]
			continue
		}

		primary, ok := lease.PrimaryAuthority[space]
		if !ok {
			return Decision{OK: false, Reason: fmt.Sprintf("no primary authority declared for %s", space)}
		}

		var eligible []kernelmodel.MaskedCommand
		for _, p := range ps {
			if p.Source == primary {
				eligible = append(eligible, p)
			}
		}
		switch len(eligible) {
		case 0:
			continue
		case 1:
			selected[space] = eligible[0]
		default:
			return Decision{OK: false, Reason: fmt.Sprintf("ambiguous primary proposals in %s", space)}
		}
	}

	if len(selected) == 0 {
		return Decision{OK: false, Reason: "no proposals selected"}
	}
	return Decision{OK: true, Reason: "ok", Selected: selected}
}
