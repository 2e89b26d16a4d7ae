// Package videoqa wraps cloud.google.com/go/videointelligence to verify
// that a rendered artifact has genuine visual/audio content, rather than
// trusting file size alone. Grounded on internal/platform/gcp/video.go,
// repurposed from the donor's transcript/text-detection use (course
// material ingestion) to the pre-merge gate's video_rendered and
// audio_integrated checks (spec.md §4.6).
package videoqa

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	videointelligence "cloud.google.com/go/videointelligence/apiv1"
	vipb "cloud.google.com/go/videointelligence/apiv1/videointelligencepb"

	"github.com/xdotcontractor01/mdvideo/internal/classify"
	"github.com/xdotcontractor01/mdvideo/internal/domain"
	"github.com/xdotcontractor01/mdvideo/internal/platform/ctxutil"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
)

// Checker is the gate-facing capability: confirm a rendered video has
// shot-change content (isn't a blank/frozen clip) and that the final muxed
// artifact carries an audio stream.
type Checker interface {
	HasVisualContent(ctx context.Context, gcsURI string) (bool, error)
	HasAudioStream(ctx context.Context, localPath string) (bool, error)
	Close() error
}

type checker struct {
	log    *logger.Logger
	client *videointelligence.Client
}

// New constructs a Checker. A nil client is valid: HasAudioStream falls
// back to a local ffprobe stream check and HasVisualContent is skipped by
// callers that have no GCS bucket configured (see gate.Gate, which treats a
// nil Checker as "assume content present" to keep this component optional
// rather than a hard dependency on GCS being configured).
func New(log *logger.Logger) (Checker, error) {
	slog := log.With("service", "VideoQA")
	ctx := context.Background()
	c, err := videointelligence.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("videointelligence client: %w", err)
	}
	return &checker{log: slog, client: c}, nil
}

func (c *checker) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// HasVisualContent runs shot-change detection over a GCS-hosted copy of the
// rendered video and reports whether at least one shot boundary (or a
// non-trivial single shot spanning the whole clip) was found — a cheap
// signal that the clip isn't blank or frozen.
func (c *checker) HasVisualContent(ctx context.Context, gcsURI string) (bool, error) {
	if c == nil || c.client == nil {
		return true, nil
	}
	if !strings.HasPrefix(gcsURI, "gs://") {
		return false, classify.New(domain.ErrKindFormat, fmt.Errorf("videoqa: gcsURI must be gs://..., got %q", gcsURI))
	}
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, 15*time.Minute)
	defer cancel()

	op, err := c.client.AnnotateVideo(ctx, &vipb.AnnotateVideoRequest{
		InputUri: gcsURI,
		Features: []vipb.Feature{vipb.Feature_SHOT_CHANGE_DETECTION},
	})
	if err != nil {
		return false, classify.New(domain.ErrKindRemoteAPI, fmt.Errorf("videointelligence AnnotateVideo: %w", err))
	}
	resp, err := op.Wait(ctx)
	if err != nil {
		return false, classify.New(domain.ErrKindRemoteAPI, fmt.Errorf("videointelligence Wait: %w", err))
	}
	if resp == nil || len(resp.AnnotationResults) == 0 {
		return false, nil
	}
	return len(resp.AnnotationResults[0].ShotAnnotations) > 0, nil
}

// HasAudioStream is a local, dependency-free ffprobe check (no GCS upload
// required) used for the final muxed artifact, which always lives on local
// disk before any optional remote archival.
func (c *checker) HasAudioStream(ctx context.Context, localPath string) (bool, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return false, classify.New(domain.ErrKindFS, fmt.Errorf("missing ffprobe: %w", err))
	}
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0",
		localPath,
	)
	out, err := cmd.Output()
	if err != nil {
		return false, classify.New(domain.ErrKindRender, fmt.Errorf("ffprobe audio stream check: %w", err))
	}
	return strings.TrimSpace(string(out)) != "", nil
}
