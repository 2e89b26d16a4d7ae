package gate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/xdotcontractor01/mdvideo/internal/pipeline"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
)

type fakeProber struct {
	videoDur, audioDur float64
	padCalled          bool
	trimCalled         bool
	padPath, trimPath  string
}

func (f *fakeProber) Duration(ctx context.Context, path string) (float64, error) {
	if filepath.Base(path) == "video.mp4" {
		return f.videoDur, nil
	}
	return f.audioDur, nil
}
func (f *fakeProber) PadSilence(ctx context.Context, audioPath string, padSeconds float64) (string, error) {
	f.padCalled = true
	return f.padPath, nil
}
func (f *fakeProber) Trim(ctx context.Context, audioPath string, targetSeconds float64) (string, error) {
	f.trimCalled = true
	return f.trimPath, nil
}

type fakeVQA struct {
	hasAudio    bool
	err         error
	hasVisual   bool
	visualErr   error
	visualCalls []string
}

func (f *fakeVQA) HasAudioStream(ctx context.Context, localPath string) (bool, error) {
	return f.hasAudio, f.err
}

func (f *fakeVQA) HasVisualContent(ctx context.Context, gcsURI string) (bool, error) {
	f.visualCalls = append(f.visualCalls, gcsURI)
	return f.hasVisual, f.visualErr
}

func (f *fakeVQA) Close() error { return nil }

type fakeArchiver struct {
	uri string
	err error
}

func (f *fakeArchiver) UploadFile(ctx context.Context, localPath, objectKey string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.uri != "" {
		return f.uri, nil
	}
	return "gs://test-bucket/" + objectKey, nil
}

func (f *fakeArchiver) Close() error { return nil }

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func touchFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestEvaluate_AllChecksPassWhenDurationsAlign(t *testing.T) {
	dir := t.TempDir()
	videoPath := touchFile(t, dir, "video.mp4")
	audioPath := touchFile(t, dir, "audio.mp3")
	finalPath := touchFile(t, dir, "final.mp4")

	prober := &fakeProber{videoDur: 10.0, audioDur: 10.2}
	vqa := &fakeVQA{hasAudio: true}
	g := New(prober, vqa, nil, newTestLogger(t))

	pc := pipeline.New(uuid.New(), dir, nil)
	pc.Summary = "a summary"
	pc.BaseScript = "a script"
	pc.ImagePlan = []pipeline.LayoutHint{{Slide: 1, Query: "x", Layout: "full"}}
	pc.Images = []pipeline.ImageDescriptor{{Slide: 1, Path: "img1.png"}}
	pc.EnhancedScript = "slide one shows img1.png on screen"
	pc.SilentVideoPath = videoPath
	pc.FullAudioPath = audioPath
	pc.FinalOutputPath = finalPath

	cl, err := g.Evaluate(context.Background(), pc)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !cl.VideoReady {
		t.Fatalf("expected VideoReady, got %+v", cl)
	}
	if pc.Checklist != cl {
		t.Fatalf("expected pc.Checklist to be set to the returned checklist")
	}
}

func TestEvaluate_DurationMismatchTriggersRepair(t *testing.T) {
	dir := t.TempDir()
	videoPath := touchFile(t, dir, "video.mp4")
	audioPath := touchFile(t, dir, "audio.mp3")
	paddedPath := touchFile(t, dir, "audio-padded.mp3")

	prober := &fakeProber{videoDur: 20.0, audioDur: 10.0, padPath: paddedPath}
	g := New(prober, &fakeVQA{hasAudio: true}, nil, newTestLogger(t))

	pc := pipeline.New(uuid.New(), dir, nil)
	pc.SilentVideoPath = videoPath
	pc.FullAudioPath = audioPath

	cl, err := g.Evaluate(context.Background(), pc)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !prober.padCalled {
		t.Fatalf("expected PadSilence to be called for a video-longer-than-audio mismatch")
	}
	if !cl.DurationRepaired {
		t.Fatalf("expected DurationRepaired to be true")
	}
	if pc.FullAudioPath != paddedPath {
		t.Fatalf("expected pc.FullAudioPath to be updated to the padded path, got %q", pc.FullAudioPath)
	}
}

func TestEvaluate_MissingArtifactsLeaveChecklistFalse(t *testing.T) {
	dir := t.TempDir()
	g := New(&fakeProber{}, &fakeVQA{}, nil, newTestLogger(t))

	pc := pipeline.New(uuid.New(), dir, nil)
	cl, err := g.Evaluate(context.Background(), pc)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if cl.VideoReady {
		t.Fatalf("expected VideoReady to be false with no artifacts present")
	}
	if cl.VideoRendered || cl.AudioGenerated {
		t.Fatalf("expected VideoRendered and AudioGenerated to be false for a missing file: %+v", cl)
	}
}

func TestEvaluate_SilentVideoWithNoVisualContentFailsVideoRendered(t *testing.T) {
	dir := t.TempDir()
	videoPath := touchFile(t, dir, "video.mp4")

	prober := &fakeProber{videoDur: 10.0}
	vqa := &fakeVQA{hasVisual: false}
	jobID := uuid.New()
	g := New(prober, vqa, &fakeArchiver{}, newTestLogger(t))

	pc := pipeline.New(jobID, dir, nil)
	pc.SilentVideoPath = videoPath

	cl, err := g.Evaluate(context.Background(), pc)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if cl.VideoRendered {
		t.Fatalf("expected VideoRendered to be false for a video with no detected visual content")
	}
	if len(vqa.visualCalls) != 1 || vqa.visualCalls[0] != "gs://test-bucket/"+jobID.String()+"/silent_video.mp4" {
		t.Fatalf("expected HasVisualContent to be called with the uploaded gs:// URI, got %v", vqa.visualCalls)
	}
}

func TestEvaluate_NoArchiverFallsBackToDurationOnlyVerification(t *testing.T) {
	dir := t.TempDir()
	videoPath := touchFile(t, dir, "video.mp4")

	prober := &fakeProber{videoDur: 10.0}
	vqa := &fakeVQA{hasVisual: false}
	g := New(prober, vqa, nil, newTestLogger(t))

	pc := pipeline.New(uuid.New(), dir, nil)
	pc.SilentVideoPath = videoPath

	cl, err := g.Evaluate(context.Background(), pc)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !cl.VideoRendered {
		t.Fatalf("expected VideoRendered to stay true on duration alone when no archiver is configured")
	}
	if len(vqa.visualCalls) != 0 {
		t.Fatalf("expected HasVisualContent not to be called without an archiver, got %v", vqa.visualCalls)
	}
}

func TestEvaluate_ImagesIntegratedRequiresScriptReference(t *testing.T) {
	dir := t.TempDir()
	g := New(&fakeProber{}, &fakeVQA{}, nil, newTestLogger(t))

	pc := pipeline.New(uuid.New(), dir, nil)
	pc.Images = []pipeline.ImageDescriptor{{Slide: 1, Path: "/tmp/work/img1.png"}}
	pc.EnhancedScript = "this script never mentions any image file"

	cl, err := g.Evaluate(context.Background(), pc)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if cl.ImagesIntegrated {
		t.Fatalf("expected ImagesIntegrated to be false when the script doesn't reference any image filename")
	}
}
