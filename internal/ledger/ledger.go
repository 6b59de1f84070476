// Package ledger implements an append-only sequence and replay-ID check:
// strictly increasing sequence numbers and at-most-once action_id
// application.
package ledger

import (
	"fmt"

	"github.com/rfsn/kernel/internal/kernelmodel"
)

// Ledger tracks the last committed control-plane sequence number and the set
// of action_ids already applied. Monotone: LastSeq only increases, action IDs
// are never removed.
type Ledger struct {
	lastSeq  int64
	seenIDs  map[string]struct{}
}

// New returns an empty Ledger (last_seq=0, no seen action_ids).
func New() *Ledger {
	return &Ledger{seenIDs: make(map[string]struct{})}
}

// Restore rebuilds a Ledger from persisted state (lastSeq and the set of
// previously seen action_ids), bypassing CanApply/Apply so a crash-recovered
// agent resumes exactly where it left off rather than replaying history
// through the ordering check.
func Restore(lastSeq int64, seenActionIDs []string) *Ledger {
	l := &Ledger{lastSeq: lastSeq, seenIDs: make(map[string]struct{}, len(seenActionIDs))}
	for _, id := range seenActionIDs {
		l.seenIDs[id] = struct{}{}
	}
	return l
}

// SeenActionIDs returns the set of action_ids recorded so far, for
// persistence. Order is unspecified.
func (l *Ledger) SeenActionIDs() []string {
	out := make([]string, 0, len(l.seenIDs))
	for id := range l.seenIDs {
		out = append(out, id)
	}
	return out
}

// LastSeq returns the last committed sequence number.
func (l *Ledger) LastSeq() int64 { return l.lastSeq }

// CanApply reports whether action may be applied against the ledger's
// current state:
//   - EMERGENCY_STOP actions always pass.
//   - Otherwise action.Seq must equal LastSeq()+1.
//   - If ActionID is set and already seen, reject.
func (l *Ledger) CanApply(action kernelmodel.Action) bool {
	if action.Kind == kernelmodel.ActionEmergencyStop {
		return true
	}
	if action.Seq != l.lastSeq+1 {
		return false
	}
	if action.ActionID != "" {
		if _, seen := l.seenIDs[action.ActionID]; seen {
			return false
		}
	}
	return true
}

// Apply commits action to the ledger. It is total when CanApply(action)
// held; callers must check CanApply first (the Gate does this as its
// ORDER_VIOLATION check). Non-EMERGENCY_STOP actions advance LastSeq; any
// present ActionID is recorded regardless of kind.
func (l *Ledger) Apply(action kernelmodel.Action) error {
	if !l.CanApply(action) {
		return fmt.Errorf("ledger: action seq=%d id=%q not applicable (last_seq=%d)", action.Seq, action.ActionID, l.lastSeq)
	}
	if action.Kind != kernelmodel.ActionEmergencyStop {
		l.lastSeq = action.Seq
	}
	if action.ActionID != "" {
		l.seenIDs[action.ActionID] = struct{}{}
	}
	return nil
}
