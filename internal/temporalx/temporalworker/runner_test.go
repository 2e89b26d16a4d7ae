package temporalworker

import (
	"testing"
	"time"
)

func TestClampBackoff_DoublesPerAttemptUntilCap(t *testing.T) {
	base := 100 * time.Millisecond
	max := 1 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1 * time.Second},
		{10, 1 * time.Second},
	}
	for _, c := range cases {
		if got := clampBackoff(base, max, c.attempt); got != c.want {
			t.Errorf("clampBackoff(attempt=%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestClampBackoff_ZeroBaseFallsBackToDefault(t *testing.T) {
	got := clampBackoff(0, 0, 1)
	if got != 250*time.Millisecond {
		t.Fatalf("clampBackoff(0, 0, 1) = %v, want 250ms default base", got)
	}
}

func TestClampBackoff_NoCapWhenMaxIsZero(t *testing.T) {
	got := clampBackoff(1*time.Second, 0, 10)
	want := 512 * time.Second
	if got != want {
		t.Fatalf("clampBackoff with no cap = %v, want %v", got, want)
	}
}
