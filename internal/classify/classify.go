// Package classify maps raw stage-implementation errors onto the error
// taxonomy of spec.md §7. It generalizes the donor's flat sentinel-error
// style (internal/pkg/errors) into a Kind classifier, since the donor's own
// taxonomy (not-found/unauthorized/invalid) has no notion of retryability.
package classify

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"

	"github.com/xdotcontractor01/mdvideo/internal/domain"
)

// Classified wraps an underlying error with its taxonomy Kind and whether
// the failure is fatal regardless of retry policy (e.g. a cancellation).
type Classified struct {
	Kind  domain.ErrorKind
	Fatal bool
	Err   error
}

func (c *Classified) Error() string {
	if c == nil || c.Err == nil {
		return string(c.Kind)
	}
	return c.Err.Error()
}

func (c *Classified) Unwrap() error { return c.Err }

// New wraps err with an explicit kind, for stages that already know how
// their own failure should be classified (e.g. a render exit code).
func New(kind domain.ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Kind: kind, Fatal: kind == domain.ErrKindCancelled, Err: err}
}

// Kind extracts the taxonomy classification of err, inferring one from the
// underlying error shape when it was not pre-classified by the stage.
func Kind(err error) domain.ErrorKind {
	if err == nil {
		return ""
	}
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind
	}

	if errors.Is(err, context.Canceled) {
		return domain.ErrKindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrKindTimeout
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return domain.ErrKindFS
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return domain.ErrKindTimeout
		}
		return domain.ErrKindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return domain.ErrKindQuota
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return domain.ErrKindRemoteAPI
	case strings.Contains(msg, "exit status") || strings.Contains(msg, "render"):
		return domain.ErrKindRender
	case strings.Contains(msg, "unmarshal") || strings.Contains(msg, "parse") || strings.Contains(msg, "schema"):
		return domain.ErrKindFormat
	case strings.Contains(msg, "no such file") || strings.Contains(msg, "permission denied"):
		return domain.ErrKindFS
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "dns") || strings.Contains(msg, "network"):
		return domain.ErrKindNetwork
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return domain.ErrKindTimeout
	default:
		return domain.ErrKindUnknown
	}
}

// IsFatal reports whether err must abort the job even if the stage's
// fallback policy is enabled (currently: cancellation only).
func IsFatal(err error) bool {
	var c *Classified
	if errors.As(err, &c) {
		return c.Fatal
	}
	return Kind(err) == domain.ErrKindCancelled
}
