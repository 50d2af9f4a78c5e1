package domain

import "testing"

func TestProgress(t *testing.T) {
	tests := []struct {
		status         DocumentStatus
		requiresVisado bool
		want           int
	}{
		{StatusPendingReview, true, 25},
		{StatusPendingSignature, true, 75},
		{StatusPendingSignature, false, 50},
		{StatusSigned, true, 100},
		{StatusSigned, false, 100},
		{StatusRejected, true, 0},
		{StatusDraft, false, 0},
	}
	for _, tc := range tests {
		if got := Progress(tc.status, tc.requiresVisado); got != tc.want {
			t.Fatalf("Progress(%s, %v) = %d, want %d", tc.status, tc.requiresVisado, got, tc.want)
		}
	}
}

func TestActorDescribe(t *testing.T) {
	if got := (Actor{Name: "Ana", Email: "ana@example.com"}).Describe(); got != "Ana <ana@example.com>" {
		t.Fatalf("describe = %q", got)
	}
	if got := (Actor{Kind: ActorSigner}).Describe(); got != "signer" {
		t.Fatalf("describe = %q", got)
	}
	if got := (Actor{}).Describe(); got != "unknown" {
		t.Fatalf("describe = %q", got)
	}
}

func TestTerminal(t *testing.T) {
	if !StatusSigned.Terminal() || !StatusRejected.Terminal() {
		t.Fatalf("signed and rejected must be terminal")
	}
	if StatusPendingReview.Terminal() || StatusPendingSignature.Terminal() {
		t.Fatalf("pending states must not be terminal")
	}
}
