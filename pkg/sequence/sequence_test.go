package sequence

import (
	"testing"
	"time"
)

func TestFormat(t *testing.T) {
	cases := []struct {
		prefix string
		value  int64
		want   string
	}{
		{"ctr", 1, "CTR-2026-000001"},
		{"CTR", 999999, "CTR-2026-999999"},
		{"CTR", 1000000, "CTR-2026-1000000"},
		{"", 42, "DOC-2026-000042"},
	}
	for _, tc := range cases {
		if got := Format(tc.prefix, 2026, tc.value); got != tc.want {
			t.Fatalf("Format(%q, %d) = %q, want %q", tc.prefix, tc.value, got, tc.want)
		}
	}
}

func TestIssuerFormatUsesClockAndPrefix(t *testing.T) {
	issuer := NewIssuer("ctr")
	issuer.Now = func() time.Time { return time.Date(2027, 1, 2, 0, 0, 0, 0, time.FixedZone("x", -5*3600)) }
	if got := issuer.Format(42); got != "CTR-2027-000042" {
		t.Fatalf("formatted = %q", got)
	}
	if issuer.CounterName() != DefaultCounter {
		t.Fatalf("counter = %q", issuer.CounterName())
	}
}

func TestNilIssuerFallsBack(t *testing.T) {
	var issuer *Issuer
	if issuer.CounterName() != DefaultCounter {
		t.Fatalf("counter = %q", issuer.CounterName())
	}
	if got := issuer.Format(7); len(got) == 0 || got[:4] != "DOC-" {
		t.Fatalf("formatted = %q", got)
	}
}
