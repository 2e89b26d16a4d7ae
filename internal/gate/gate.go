// Package gate implements the Pre-Merge Validation Gate (spec.md §4.6). It
// has no direct donor analogue (the donor has no equivalent artifact
// checklist); it is grounded on the donor's checklist-shaped JSON result
// blobs and leans on the mux prober, the videoqa adapter and the archive
// uploader for the checks that need more than a stat() call.
package gate

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/xdotcontractor01/mdvideo/internal/adapters/archive"
	"github.com/xdotcontractor01/mdvideo/internal/adapters/mux"
	"github.com/xdotcontractor01/mdvideo/internal/adapters/videoqa"
	"github.com/xdotcontractor01/mdvideo/internal/pipeline"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
)

// Gate evaluates the pre-merge checklist after stage 10.
type Gate struct {
	video    mux.Prober
	vqa      videoqa.Checker
	archiver archive.Archiver
	log      *logger.Logger
}

// New constructs a Gate. archiver is optional (nil when PIPELINE_GCS_BUCKET
// is unset): without it, video_rendered falls back to duration-only
// verification since HasVisualContent requires a gs:// URI to annotate.
func New(video mux.Prober, vqa videoqa.Checker, archiver archive.Archiver, log *logger.Logger) *Gate {
	return &Gate{video: video, vqa: vqa, archiver: archiver, log: log.With("component", "PreMergeGate")}
}

// Evaluate computes the checklist (spec.md §4.6), repairing a duration
// mismatch between audio and video before the gate runs, as the spec
// requires. It returns the populated checklist; pc.Checklist is also set.
func (g *Gate) Evaluate(ctx context.Context, pc *pipeline.Context) (*pipeline.GateChecklist, error) {
	cl := &pipeline.GateChecklist{}

	cl.Summarised = strings.TrimSpace(pc.Summary) != ""
	cl.ScriptGenerated = strings.TrimSpace(pc.BaseScript) != ""
	cl.ImagesIdentified = len(pc.ImagePlan) >= 1
	cl.ImagesIntegrated = scriptReferencesImage(pc.EnhancedScript, pc.Images)

	videoDur, videoOK := g.statDuration(ctx, pc.SilentVideoPath)
	cl.VideoRendered = videoOK && videoDur > 0
	pc.VideoDurationS = videoDur

	if cl.VideoRendered {
		if hasContent, checked := g.verifyVisualContent(ctx, pc); checked && !hasContent {
			g.log.Warn("silent video has no detected shot changes, failing video_rendered", "job_id", pc.JobID.String())
			cl.VideoRendered = false
		}
	}

	audioDur, audioOK := g.statDuration(ctx, pc.FullAudioPath)
	cl.AudioGenerated = audioOK && audioDur > 0
	pc.AudioDurationS = audioDur

	if cl.VideoRendered && cl.AudioGenerated {
		if repaired, newAudioPath, newDur, err := g.repairDuration(ctx, pc.SilentVideoPath, pc.FullAudioPath, videoDur, audioDur); err == nil {
			if repaired {
				pc.FullAudioPath = newAudioPath
				pc.AudioDurationS = newDur
				audioDur = newDur
				cl.DurationRepaired = true
			}
		} else {
			g.log.Warn("duration repair failed", "error", err)
		}
	}

	cl.DurationAligned = cl.VideoRendered && cl.AudioGenerated && math.Abs(videoDur-audioDur) < 1.0

	finalOK := false
	if pc.FinalOutputPath != "" {
		if _, err := os.Stat(pc.FinalOutputPath); err == nil {
			if g.vqa != nil {
				hasAudio, _ := g.vqa.HasAudioStream(ctx, pc.FinalOutputPath)
				finalOK = hasAudio
			} else {
				finalOK = true
			}
		}
	}
	cl.AudioIntegrated = finalOK

	cl.VideoReady = cl.Summarised && cl.ScriptGenerated && cl.ImagesIdentified &&
		cl.ImagesIntegrated && cl.VideoRendered && cl.AudioGenerated &&
		cl.DurationAligned && cl.AudioIntegrated

	pc.Checklist = cl
	return cl, nil
}

func (g *Gate) statDuration(ctx context.Context, path string) (float64, bool) {
	if strings.TrimSpace(path) == "" {
		return 0, false
	}
	if _, err := os.Stat(path); err != nil {
		return 0, false
	}
	if g.video == nil {
		return 0, false
	}
	dur, err := g.video.Duration(ctx, path)
	if err != nil {
		return 0, false
	}
	return dur, true
}

// verifyVisualContent uploads the rendered silent video to archival storage
// and runs shot-change detection on it, so that video_rendered cannot be
// satisfied by a blank or frozen clip that merely has nonzero duration
// (spec.md §9 Open Question 2). checked reports whether the check actually
// ran: without an archiver (no GCS bucket configured) or a vqa client, there
// is no gs:// URI to annotate and the caller must fall back to
// duration-only verification.
func (g *Gate) verifyVisualContent(ctx context.Context, pc *pipeline.Context) (hasContent bool, checked bool) {
	if g.archiver == nil || g.vqa == nil {
		return false, false
	}
	objectKey := fmt.Sprintf("%s/silent_video.mp4", pc.JobID.String())
	uri, err := g.archiver.UploadFile(ctx, pc.SilentVideoPath, objectKey)
	if err != nil {
		g.log.Warn("failed to archive silent video for visual content check", "error", err)
		return false, false
	}
	present, err := g.vqa.HasVisualContent(ctx, uri)
	if err != nil {
		g.log.Warn("visual content check failed", "error", err)
		return false, false
	}
	return present, true
}

func (g *Gate) repairDuration(ctx context.Context, videoPath, audioPath string, videoDur, audioDur float64) (bool, string, float64, error) {
	diff := videoDur - audioDur
	if math.Abs(diff) < 1.0 {
		return false, audioPath, audioDur, nil
	}
	if g.video == nil {
		return false, audioPath, audioDur, fmt.Errorf("no muxer configured to repair duration")
	}
	if diff > 0 {
		newPath, err := g.video.PadSilence(ctx, audioPath, diff)
		if err != nil {
			return false, audioPath, audioDur, err
		}
		return true, newPath, videoDur, nil
	}
	newPath, err := g.video.Trim(ctx, audioPath, videoDur)
	if err != nil {
		return false, audioPath, audioDur, err
	}
	return true, newPath, videoDur, nil
}

func scriptReferencesImage(enhancedScript string, images []pipeline.ImageDescriptor) bool {
	if strings.TrimSpace(enhancedScript) == "" || len(images) == 0 {
		return false
	}
	for _, img := range images {
		base := img.Path
		if idx := strings.LastIndexAny(base, "/\\"); idx >= 0 {
			base = base[idx+1:]
		}
		if base != "" && strings.Contains(enhancedScript, base) {
			return true
		}
	}
	return false
}
