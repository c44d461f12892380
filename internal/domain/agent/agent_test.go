package agent

import (
	"errors"
	"testing"
	"time"
)

func TestHandoffHappyPath(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	h := &Handoff{ID: "handoff-1", State: HandoffRequested}

	if err := h.Accept(now); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if h.State != HandoffAccepted {
		t.Fatalf("state after accept = %s", h.State)
	}

	done := now.Add(time.Hour)
	if err := h.Complete(done); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if h.State != HandoffCompleted {
		t.Fatalf("state after complete = %s", h.State)
	}
	if h.ResolvedAt == nil || !h.ResolvedAt.Equal(done) {
		t.Errorf("ResolvedAt = %v, want %v", h.ResolvedAt, done)
	}
	if !h.State.Terminal() {
		t.Errorf("completed should be terminal")
	}
}

func TestHandoffReject(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	h := &Handoff{ID: "handoff-2", State: HandoffRequested}

	if err := h.Reject("wrong expertise", now); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if h.State != HandoffRejected {
		t.Fatalf("state after reject = %s", h.State)
	}
	if h.RejectReason != "wrong expertise" {
		t.Errorf("RejectReason = %q", h.RejectReason)
	}
	if !h.State.Terminal() {
		t.Errorf("rejected should be terminal")
	}
}

func TestHandoffInvalidTransitionsDoNotMutate(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name  string
		state HandoffState
		move  func(h *Handoff) error
	}{
		{"complete from requested", HandoffRequested, func(h *Handoff) error { return h.Complete(now) }},
		{"accept from accepted", HandoffAccepted, func(h *Handoff) error { return h.Accept(now) }},
		{"accept from completed", HandoffCompleted, func(h *Handoff) error { return h.Accept(now) }},
		{"reject from accepted", HandoffAccepted, func(h *Handoff) error { return h.Reject("late", now) }},
		{"complete from rejected", HandoffRejected, func(h *Handoff) error { return h.Complete(now) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &Handoff{State: tc.state}
			err := tc.move(h)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("err = %v, want ErrInvalidTransition", err)
			}
			if h.State != tc.state {
				t.Errorf("state mutated to %s on failed transition", h.State)
			}
			if h.ResolvedAt != nil {
				t.Errorf("ResolvedAt set on failed transition")
			}
		})
	}
}

func TestAgentAvailable(t *testing.T) {
	cases := []struct {
		name string
		a    Agent
		want bool
	}{
		{"idle", Agent{Status: StatusAvailable, CurrentLoad: 0}, true},
		{"loaded but under cap", Agent{Status: StatusAvailable, CurrentLoad: 0.9}, true},
		{"saturated", Agent{Status: StatusAvailable, CurrentLoad: 1}, false},
		{"busy", Agent{Status: StatusBusy, CurrentLoad: 0.2}, false},
		{"offline", Agent{Status: StatusOffline, CurrentLoad: 0}, false},
	}
	for _, tc := range cases {
		if got := tc.a.Available(); got != tc.want {
			t.Errorf("%s: Available() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestResolutionStrategyValid(t *testing.T) {
	for _, s := range []ResolutionStrategy{ResolveFirstWriterWins, ResolveLastWriterWins, ResolveMerge, ResolveManual} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if ResolutionStrategy("coin_flip").Valid() {
		t.Errorf("unknown strategy should be invalid")
	}
}
