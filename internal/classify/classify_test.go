package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/xdotcontractor01/mdvideo/internal/domain"
)

func TestKind_InfersFromMessageWhenNotPreClassified(t *testing.T) {
	cases := []struct {
		msg  string
		want domain.ErrorKind
	}{
		{"openai: rate limit exceeded (429)", domain.ErrKindQuota},
		{"openai: request failed: 401 unauthorized", domain.ErrKindRemoteAPI},
		{"ffmpeg: exit status 1", domain.ErrKindRender},
		{"json: cannot unmarshal object into Go value", domain.ErrKindFormat},
		{"open /tmp/x: no such file or directory", domain.ErrKindFS},
		{"dial tcp: connection refused", domain.ErrKindNetwork},
		{"request timeout after 30s", domain.ErrKindTimeout},
		{"something unexpected happened", domain.ErrKindUnknown},
	}
	for _, c := range cases {
		got := Kind(fmt.Errorf("%s", c.msg))
		if got != c.want {
			t.Errorf("Kind(%q) = %q, want %q", c.msg, got, c.want)
		}
	}
}

func TestKind_PreClassifiedErrorRoundTrips(t *testing.T) {
	err := New(domain.ErrKindRender, errors.New("boom"))
	if got := Kind(err); got != domain.ErrKindRender {
		t.Fatalf("Kind() = %q, want %q", got, domain.ErrKindRender)
	}
	if Kind(err) == domain.ErrKindUnknown {
		t.Fatalf("pre-classified error should not fall through to message sniffing")
	}
}

func TestKind_ContextCancelledAndDeadlineExceeded(t *testing.T) {
	if got := Kind(context.Canceled); got != domain.ErrKindCancelled {
		t.Fatalf("Kind(context.Canceled) = %q, want cancelled", got)
	}
	if got := Kind(context.DeadlineExceeded); got != domain.ErrKindTimeout {
		t.Fatalf("Kind(context.DeadlineExceeded) = %q, want timeout", got)
	}
}

func TestNew_NilErrorReturnsNil(t *testing.T) {
	if err := New(domain.ErrKindRender, nil); err != nil {
		t.Fatalf("New(kind, nil) = %v, want nil", err)
	}
}

func TestIsFatal_CancelledIsFatalEvenUnclassified(t *testing.T) {
	if !IsFatal(context.Canceled) {
		t.Fatalf("expected context.Canceled to be fatal")
	}
	if IsFatal(errors.New("network blip")) {
		t.Fatalf("expected an ordinary error to not be fatal")
	}
}

func TestIsFatal_OnlyCancelledClassificationIsFatal(t *testing.T) {
	quota := New(domain.ErrKindQuota, errors.New("429"))
	if IsFatal(quota) {
		t.Fatalf("quota errors must not be fatal (they are retryable)")
	}
	cancelled := New(domain.ErrKindCancelled, errors.New("stopped"))
	if !IsFatal(cancelled) {
		t.Fatalf("cancelled errors must always be fatal")
	}
}

func TestClassified_UnwrapExposesUnderlyingError(t *testing.T) {
	underlying := errors.New("root cause")
	wrapped := New(domain.ErrKindNetwork, underlying)
	if !errors.Is(wrapped, underlying) {
		t.Fatalf("expected errors.Is to see through Classified.Unwrap")
	}
}
