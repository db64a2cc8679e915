package store

import "testing"

func TestNextStatusTable(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"call_next", "waiting", true},
		{"call_next", "called", false},
		{"call_next", "skipped", false},
		{"complete", "called", true},
		{"complete", "waiting", false},
		{"skip", "waiting", true},
		{"skip", "called", true},
		{"skip", "skipped", false},
		{"requeue", "skipped", true},
		{"requeue", "waiting", false},
		{"cancel", "waiting", true},
		{"cancel", "called", true},
		{"cancel", "skipped", true},
		{"cancel", "completed", false},
		{"cancel", "cancelled", false},
		{"complete", "completed", false},
		{"unknown", "waiting", false},
	}

	for _, tt := range cases {
		if _, got := NextStatus(tt.action, tt.from); got != tt.valid {
			t.Fatalf("NextStatus(%q, %q) ok=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestNextStatus(t *testing.T) {
	to, ok := NextStatus(ActionRequeue, "skipped")
	if !ok || to != "waiting" {
		t.Fatalf("expected requeue to move skipped to waiting, got %q %v", to, ok)
	}
	if _, ok := NextStatus(ActionComplete, "waiting"); ok {
		t.Fatalf("expected complete from waiting to be rejected")
	}
}
