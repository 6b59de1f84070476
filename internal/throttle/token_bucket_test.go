package throttle_test

import (
	"testing"
	"time"

	"github.com/rfsn/kernel/internal/kernelmodel"
	"github.com/rfsn/kernel/internal/throttle"
)

func TestConsume_DrainsAndRefuses(t *testing.T) {
	b := throttle.New(3, time.Hour)
	defer b.Close()

	if !b.Consume(2) {
		t.Fatalf("expected first consume of 2 to succeed against capacity 3")
	}
	if b.Consume(2) {
		t.Fatalf("expected second consume of 2 to fail with only 1 token left")
	}
	if !b.Consume(1) {
		t.Fatalf("expected consume of remaining 1 token to succeed")
	}
	if b.Remaining() != 0 {
		t.Fatalf("Remaining() = %d, want 0", b.Remaining())
	}
}

func TestConsumeForAction_EmergencyStopAlwaysFree(t *testing.T) {
	b := throttle.New(1, time.Hour)
	defer b.Close()

	if !b.Consume(1) {
		t.Fatalf("setup: expected to drain the single token")
	}
	if !b.ConsumeForAction(kernelmodel.ActionEmergencyStop) {
		t.Fatalf("EMERGENCY_STOP must never be throttled")
	}
	if b.Remaining() != 0 {
		t.Fatalf("EMERGENCY_STOP must not consume any tokens, Remaining() = %d", b.Remaining())
	}
}

func TestConsumeForAction_UnknownKindAlwaysFree(t *testing.T) {
	b := throttle.New(1, time.Hour)
	defer b.Close()

	if !b.Consume(1) {
		t.Fatalf("setup: expected to drain the single token")
	}
	if !b.ConsumeForAction(kernelmodel.ActionKind("SOME_FUTURE_KIND")) {
		t.Fatalf("action kinds absent from CostModel must be treated as free")
	}
}

func TestConsumeForAction_ChargesCostModel(t *testing.T) {
	b := throttle.New(throttle.CostModel[kernelmodel.ActionApplyEnvelope], time.Hour)
	defer b.Close()

	if !b.ConsumeForAction(kernelmodel.ActionApplyEnvelope) {
		t.Fatalf("expected exactly enough tokens for one APPLY_ENVELOPE action")
	}
	if b.ConsumeForAction(kernelmodel.ActionApplyEnvelope) {
		t.Fatalf("expected the bucket to be empty after one APPLY_ENVELOPE action")
	}
}

func TestRefillRestoresCapacity(t *testing.T) {
	b := throttle.New(2, 20*time.Millisecond)
	defer b.Close()

	if !b.Consume(2) {
		t.Fatalf("setup: expected to drain the bucket")
	}
	if b.Consume(1) {
		t.Fatalf("expected bucket to be empty before refill")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Consume(2) {
		t.Fatalf("expected bucket to be refilled to full capacity")
	}
}

func TestNewPanicsOnInvalidArgs(t *testing.T) {
	mustPanic := func(name string, f func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Fatalf("%s: expected panic", name)
			}
		}()
		f()
	}
	mustPanic("zero capacity", func() { throttle.New(0, time.Second) })
	mustPanic("negative refill period", func() { throttle.New(1, -time.Second) })
}
