// Package audioqa wraps cloud.google.com/go/speech (STT) to verify that a
// synthesised narration clip contains recognizable speech rather than
// accidental silence or noise. Grounded on internal/clients/gcp/speech.go,
// repurposed from the donor's course-material transcription use to a
// stage-9 QA check this spec's pre-merge gate can lean on for
// audio_generated.
package audioqa

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/xdotcontractor01/mdvideo/internal/classify"
	"github.com/xdotcontractor01/mdvideo/internal/domain"
	"github.com/xdotcontractor01/mdvideo/internal/platform/ctxutil"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
)

// Checker confirms a local audio clip contains recognizable speech.
type Checker interface {
	HasSpeech(ctx context.Context, path string, languageCode string) (bool, error)
	Close() error
}

type checker struct {
	log    *logger.Logger
	client *speech.Client
}

func New(log *logger.Logger) (Checker, error) {
	slog := log.With("service", "AudioQA")
	ctx := context.Background()
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}
	return &checker{log: slog, client: c}, nil
}

func (c *checker) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *checker) HasSpeech(ctx context.Context, path string, languageCode string) (bool, error) {
	if c == nil || c.client == nil {
		return true, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, classify.New(domain.ErrKindFS, fmt.Errorf("read audio clip %s: %w", path, err))
	}
	if languageCode == "" {
		languageCode = "en-US"
	}

	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	resp, err := c.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:        speechpb.RecognitionConfig_MP3,
			LanguageCode:    languageCode,
			SampleRateHertz: 24000,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: raw},
		},
	})
	if err != nil {
		return false, classify.New(domain.ErrKindRemoteAPI, fmt.Errorf("speech recognize: %w", err))
	}
	for _, result := range resp.Results {
		for _, alt := range result.Alternatives {
			if strings.TrimSpace(alt.Transcript) != "" {
				return true, nil
			}
		}
	}
	return false, nil
}
