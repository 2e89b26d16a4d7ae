// Package mux wraps ffmpeg as a subprocess to implement the Audio/Video
// Muxer external collaborator (spec.md §6, stage 10) and the duration
// probing/repair helpers the pre-merge gate needs. Grounded on
// internal/platform/localmedia/tools.go's exec.CommandContext-around-ffmpeg
// idiom.
package mux

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xdotcontractor01/mdvideo/internal/classify"
	"github.com/xdotcontractor01/mdvideo/internal/domain"
	"github.com/xdotcontractor01/mdvideo/internal/platform/ctxutil"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
)

// Prober is the subset of muxer capability the pre-merge gate needs:
// reading a media file's duration and repairing an audio/video mismatch.
type Prober interface {
	Duration(ctx context.Context, path string) (float64, error)
	PadSilence(ctx context.Context, audioPath string, padSeconds float64) (string, error)
	Trim(ctx context.Context, audioPath string, targetSeconds float64) (string, error)
}

// Muxer is the stage 10 external collaborator plus Prober.
type Muxer interface {
	Prober
	Mux(ctx context.Context, videoPath, audioPath, outPath string) (string, error)
}

type ffmpegMuxer struct {
	log        *logger.Logger
	ffmpegPath string
	ffprobePath string
	timeout    time.Duration
}

func New(log *logger.Logger) Muxer {
	return &ffmpegMuxer{
		log:         log.With("component", "Muxer"),
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		timeout:     5 * time.Minute,
	}
}

func (f *ffmpegMuxer) assertBinary(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return classify.New(domain.ErrKindFS, fmt.Errorf("missing required binary %q in PATH: %w", name, err))
	}
	return nil
}

func (f *ffmpegMuxer) Duration(ctx context.Context, path string) (float64, error) {
	if err := f.assertBinary(f.ffprobePath); err != nil {
		return 0, err
	}
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, classify.New(domain.ErrKindRender, fmt.Errorf("ffprobe duration: %w", err))
	}
	d, perr := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if perr != nil {
		return 0, classify.New(domain.ErrKindFormat, fmt.Errorf("parse ffprobe duration %q: %w", string(out), perr))
	}
	return d, nil
}

func (f *ffmpegMuxer) PadSilence(ctx context.Context, audioPath string, padSeconds float64) (string, error) {
	if padSeconds <= 0 {
		return audioPath, nil
	}
	if err := f.assertBinary(f.ffmpegPath); err != nil {
		return "", err
	}
	outPath := withSuffix(audioPath, "_padded")
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	filter := fmt.Sprintf("apad=pad_dur=%.3f", padSeconds)
	cmd := exec.CommandContext(ctx, f.ffmpegPath, "-y", "-i", audioPath, "-af", filter, outPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", classify.New(domain.ErrKindRender, fmt.Errorf("ffmpeg pad silence: %w; out=%s", err, string(out)))
	}
	return outPath, nil
}

func (f *ffmpegMuxer) Trim(ctx context.Context, audioPath string, targetSeconds float64) (string, error) {
	if err := f.assertBinary(f.ffmpegPath); err != nil {
		return "", err
	}
	outPath := withSuffix(audioPath, "_trimmed")
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.ffmpegPath, "-y", "-i", audioPath, "-t", fmt.Sprintf("%.3f", targetSeconds), outPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", classify.New(domain.ErrKindRender, fmt.Errorf("ffmpeg trim: %w; out=%s", err, string(out)))
	}
	return outPath, nil
}

// Mux combines videoPath (no audio) and audioPath into outPath, implementing
// stage 10. On failure the Engine's fallback policy keeps the silent video
// as final (spec.md §4.1), so this adapter has no fallback of its own.
func (f *ffmpegMuxer) Mux(ctx context.Context, videoPath, audioPath, outPath string) (string, error) {
	if err := f.assertBinary(f.ffmpegPath); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", classify.New(domain.ErrKindFS, fmt.Errorf("mkdir output dir: %w", err))
	}
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.ffmpegPath,
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		outPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", classify.New(domain.ErrKindRender, fmt.Errorf("ffmpeg mux: %w; out=%s", err, string(out)))
	}
	if _, statErr := os.Stat(outPath); statErr != nil {
		return "", classify.New(domain.ErrKindFS, fmt.Errorf("mux output missing at %s", outPath))
	}
	return outPath, nil
}

func withSuffix(path, suffix string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return base + suffix + ext
}
