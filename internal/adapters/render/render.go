// Package render implements stage 7's animation renderer (spec.md §6):
// enhanced script + image descriptors -> a silent video artifact. Slide
// cards are composited in pure Go with fogleman/gg (text layout) and
// golang/freetype (font rasterization onto the card canvas), then encoded
// into an mp4 by an ffmpeg subprocess, grounded on
// internal/platform/localmedia/tools.go's exec.CommandContext idiom. The
// "re-render at lowest quality" fallback (spec.md §4.1, stage 7) reuses the
// same path at a lower resolution/bitrate rather than a separate code path.
package render

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/fogleman/gg"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/draw"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/xdotcontractor01/mdvideo/internal/classify"
	"github.com/xdotcontractor01/mdvideo/internal/domain"
	"github.com/xdotcontractor01/mdvideo/internal/pipeline"
	"github.com/xdotcontractor01/mdvideo/internal/platform/ctxutil"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
)

// Quality is a named render preset (resolution + bitrate), matching the
// spec's render_quality_primary/render_quality_fallback config surface.
type Quality struct {
	Name    string
	Width   int
	Height  int
	Bitrate string
	FPS     int
}

var (
	QualityHigh = Quality{Name: "high", Width: 1920, Height: 1080, Bitrate: "4M", FPS: 30}
	QualityLow  = Quality{Name: "low", Width: 854, Height: 480, Bitrate: "800k", FPS: 24}
)

func Named(name string) Quality {
	if name == "low" {
		return QualityLow
	}
	return QualityHigh
}

// Slide is one rendered card: a caption drawn from the enhanced script plus
// an optional image descriptor, held on screen for Duration seconds.
type Slide struct {
	Index    int
	Caption  string
	ImageFS  string // local path, empty if no image for this slide
	Duration float64
}

// Renderer is the stage 7 external collaborator.
type Renderer interface {
	Render(ctx context.Context, slides []Slide, quality Quality, outPath string) error
}

type renderer struct {
	log  *logger.Logger
	face *truetype.Font
}

func New(log *logger.Logger) (Renderer, error) {
	f, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse embedded font: %w", err)
	}
	return &renderer{log: log.With("service", "Render"), face: f}, nil
}

func (r *renderer) Render(ctx context.Context, slides []Slide, quality Quality, outPath string) error {
	if len(slides) == 0 {
		return classify.New(domain.ErrKindRender, fmt.Errorf("no slides to render"))
	}
	workDir, err := os.MkdirTemp(filepath.Dir(outPath), "frames-*")
	if err != nil {
		return classify.New(domain.ErrKindFS, fmt.Errorf("mkdir render work dir: %w", err))
	}
	defer os.RemoveAll(workDir)

	listPath := filepath.Join(workDir, "concat.txt")
	list := ""
	for i, s := range slides {
		framePath := filepath.Join(workDir, fmt.Sprintf("slide-%03d.png", i))
		if err := r.drawCard(s, quality, framePath); err != nil {
			return err
		}
		dur := s.Duration
		if dur <= 0 {
			dur = 3
		}
		list += fmt.Sprintf("file '%s'\nduration %f\n", framePath, dur)
	}
	// ffmpeg's concat demuxer requires the final entry repeated without a
	// duration line, otherwise the last frame is dropped.
	lastFrame := filepath.Join(workDir, fmt.Sprintf("slide-%03d.png", len(slides)-1))
	list += fmt.Sprintf("file '%s'\n", lastFrame)
	if err := os.WriteFile(listPath, []byte(list), 0o644); err != nil {
		return classify.New(domain.ErrKindFS, fmt.Errorf("write concat list: %w", err))
	}

	ctx = ctxutil.Default(ctx)
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return classify.New(domain.ErrKindRender, fmt.Errorf("missing ffmpeg: %w", err))
	}
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-f", "concat", "-safe", "0", "-i", listPath,
		"-vf", fmt.Sprintf("fps=%d,scale=%d:%d", quality.FPS, quality.Width, quality.Height),
		"-b:v", quality.Bitrate,
		"-pix_fmt", "yuv420p",
		outPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return classify.New(domain.ErrKindRender, fmt.Errorf("ffmpeg render failed: %w; out=%s", err, string(out)))
	}
	if _, err := os.Stat(outPath); err != nil {
		return classify.New(domain.ErrKindRender, fmt.Errorf("render produced no output: %w", err))
	}
	return nil
}

func (r *renderer) drawCard(s Slide, quality Quality, outPath string) error {
	dc := gg.NewContext(quality.Width, quality.Height)
	dc.SetColor(color.NRGBA{R: 18, G: 18, B: 24, A: 255})
	dc.Clear()

	if s.ImageFS != "" {
		if img, err := loadImage(s.ImageFS); err == nil {
			dc.DrawImageAnchored(fitImage(img, quality.Width, quality.Height/2), quality.Width/2, quality.Height/3, 0.5, 0.5)
		}
	}

	face := truetype.NewFace(r.face, &truetype.Options{Size: 36})
	dc.SetFontFace(face)
	dc.SetColor(color.White)
	dc.DrawStringWrapped(s.Caption, float64(quality.Width)/2, float64(quality.Height)*0.75,
		0.5, 0.5, float64(quality.Width)*0.8, 1.4, gg.AlignCenter)

	if err := dc.SavePNG(outPath); err != nil {
		return classify.New(domain.ErrKindRender, fmt.Errorf("save slide card: %w", err))
	}
	return nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if img, err := png.Decode(f); err == nil {
		return img, nil
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(f)
	return img, err
}

func fitImage(src image.Image, maxW, maxH int) image.Image {
	b := src.Bounds()
	if b.Dx() <= maxW && b.Dy() <= maxH {
		return src
	}
	scale := float64(maxW) / float64(b.Dx())
	if altScale := float64(maxH) / float64(b.Dy()); altScale < scale {
		scale = altScale
	}
	nw := int(float64(b.Dx()) * scale)
	nh := int(float64(b.Dy()) * scale)
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

// SlidesFromContext derives renderable slide cards from an enhanced script
// and its image descriptors, one per entry of pc.Timings and in that order.
func SlidesFromContext(pc *pipeline.Context) []Slide {
	slides := make([]Slide, 0, len(pc.Timings))
	imgByIdx := map[int]string{}
	for _, d := range pc.Images {
		imgByIdx[d.Slide] = d.Path
	}
	for _, t := range pc.Timings {
		caption := t.Label
		if caption == "" {
			caption = fmt.Sprintf("Slide %d", t.Slide)
		}
		slides = append(slides, Slide{
			Index:    t.Slide,
			Caption:  caption,
			ImageFS:  imgByIdx[t.Slide],
			Duration: t.Duration(),
		})
	}
	return slides
}
