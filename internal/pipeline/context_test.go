package pipeline

import (
	"testing"

	"github.com/google/uuid"

	"github.com/xdotcontractor01/mdvideo/internal/domain"
)

func TestSlideTiming_DurationFloorsZeroLengthSlidesToThreeSeconds(t *testing.T) {
	st := SlideTiming{StartSeconds: 5, EndSeconds: 5}
	if got := st.Duration(); got != 3.0 {
		t.Fatalf("Duration() = %v, want 3.0 for a zero-length slide", got)
	}
	negative := SlideTiming{StartSeconds: 10, EndSeconds: 4}
	if got := negative.Duration(); got != 3.0 {
		t.Fatalf("Duration() = %v, want 3.0 for a negative-length slide", got)
	}
}

func TestSlideTiming_DurationReturnsActualSpanWhenPositive(t *testing.T) {
	st := SlideTiming{StartSeconds: 2, EndSeconds: 9}
	if got := st.Duration(); got != 7.0 {
		t.Fatalf("Duration() = %v, want 7.0", got)
	}
}

func TestTokenCounters_AddAccumulates(t *testing.T) {
	var tc TokenCounters
	tc.Add(10, 20)
	tc.Add(5, 5)
	if tc.Input != 15 || tc.Output != 25 || tc.Total != 40 {
		t.Fatalf("TokenCounters after Add = %+v", tc)
	}
}

func TestNew_BindsJobIDAndWorkDir(t *testing.T) {
	id := uuid.New()
	cancel := make(chan struct{})
	pc := New(id, "/work/abc", cancel)
	if pc.JobID != id || pc.WorkDir != "/work/abc" {
		t.Fatalf("New() = %+v", pc)
	}
}

func TestContext_DoneReportsCancellation(t *testing.T) {
	cancel := make(chan struct{})
	pc := New(uuid.New(), "/work/abc", cancel)
	if pc.Done() {
		t.Fatalf("expected Done() to be false before cancellation")
	}
	close(cancel)
	if !pc.Done() {
		t.Fatalf("expected Done() to be true after cancellation")
	}
}

func TestContext_DoneIsFalseWhenCancelChannelIsNil(t *testing.T) {
	pc := New(uuid.New(), "/work/abc", nil)
	if pc.Done() {
		t.Fatalf("expected Done() to be false with a nil cancel channel")
	}
}

func TestDefaultRetryable_NetworkAndTimeoutAreRetryable(t *testing.T) {
	cases := map[string]bool{
		"network": true,
		"timeout": true,
		"filesystem": true,
		"unknown": true,
		"quota": false,
		"remote-api": false,
		"syntax": false,
		"format": false,
		"render": false,
		"cancelled": false,
	}
	for kindStr, want := range cases {
		got := DefaultRetryable(domain.ErrorKind(kindStr))
		if got != want {
			t.Errorf("DefaultRetryable(%q) = %v, want %v", kindStr, got, want)
		}
	}
}
