// Package aggregator merges N safety monitor events into a single worst-case
// SafetyEvent. Worst level wins; ties concatenate their reasons in
// source-id order so the result never depends on map iteration order.
package aggregator

import (
	"strings"

	"github.com/rfsn/kernel/internal/kernelmodel"
)

// Aggregate computes the deterministic worst-case merge of events, a map
// from monitor source id to its current SafetyEvent. Sources are visited in
// lexicographic order so reasons/affected-space merges are byte-stable.
//
//   - Worst level wins; on a tie, reasons are concatenated in source order as
//     "src:reason" joined by " | ".
//   - affected_spaces is merged only from events with level >= STOP; each
//     reason is prefixed "src:reason" the same way tied top-level reasons
//     are, and collisions on the same space concatenate those with ";" in
//     source order.
//   - Empty input yields NONE, reason "no_monitors".
func Aggregate(events map[string]kernelmodel.SafetyEvent) kernelmodel.SafetyEvent {
	if len(events) == 0 {
		return kernelmodel.SafetyEvent{Level: kernelmodel.LevelNone, Reason: "no_monitors"}
	}

	sources := kernelmodel.SortStrings(events)

	worst := kernelmodel.LevelNone
	var reasons []string
	affected := map[string]string{}

	for _, src := range sources {
		evt := events[src]
		switch {
		case evt.Level > worst:
			worst = evt.Level
			reasons = []string{src + ":" + evt.Reason}
		case evt.Level == worst && evt.Level != kernelmodel.LevelNone:
			reasons = append(reasons, src+":"+evt.Reason)
		}

		if evt.Level >= kernelmodel.LevelStop {
			for _, space := range kernelmodel.SortStrings(evt.AffectedSpaces) {
				reason := src + ":" + evt.AffectedSpaces[space]
				if existing, ok := affected[space]; ok {
					affected[space] = existing + ";" + reason
				} else {
					affected[space] = reason
				}
			}
		}
	}

	out := kernelmodel.SafetyEvent{
		Level:  worst,
		Reason: strings.Join(reasons, " | "),
	}
	if len(affected) > 0 {
		out.AffectedSpaces = affected
	}
	return out
}
