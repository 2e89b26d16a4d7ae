// Package tts implements the Speech Synthesiser external collaborator
// (spec.md §6, stage 9) via cloud.google.com/go/texttospeech — the sibling
// package of the donor's cloud.google.com/go/speech (STT only; the donor
// has no synthesis client). Modeled on
// internal/clients/gcp/speech.go's client-construction and
// classify-on-failure idiom.
package tts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	ttspb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"

	"github.com/xdotcontractor01/mdvideo/internal/classify"
	"github.com/xdotcontractor01/mdvideo/internal/domain"
	"github.com/xdotcontractor01/mdvideo/internal/platform/ctxutil"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
)

// Synthesiser is the stage 9 external collaborator: text + voice -> audio.
type Synthesiser interface {
	Synthesise(ctx context.Context, text, voiceID, outPath string) error
	Close() error
}

type synthesiser struct {
	log    *logger.Logger
	client *texttospeech.Client
}

func New(log *logger.Logger) (Synthesiser, error) {
	slog := log.With("service", "TTS")
	ctx := context.Background()
	c, err := texttospeech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("texttospeech client: %w", err)
	}
	return &synthesiser{log: slog, client: c}, nil
}

func (s *synthesiser) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *synthesiser) Synthesise(ctx context.Context, text, voiceID, outPath string) error {
	if s == nil || s.client == nil {
		return classify.New(domain.ErrKindUnknown, fmt.Errorf("tts client not initialized"))
	}
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	languageCode := "en-US"
	if len(voiceID) >= 5 {
		languageCode = voiceID[:5]
	}

	resp, err := s.client.SynthesizeSpeech(ctx, &ttspb.SynthesizeSpeechRequest{
		Input: &ttspb.SynthesisInput{InputSource: &ttspb.SynthesisInput_Text{Text: text}},
		Voice: &ttspb.VoiceSelectionParams{
			LanguageCode: languageCode,
			Name:         voiceID,
		},
		AudioConfig: &ttspb.AudioConfig{AudioEncoding: ttspb.AudioEncoding_MP3},
	})
	if err != nil {
		return classify.New(domain.ErrKindRemoteAPI, fmt.Errorf("texttospeech synthesize: %w", err))
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return classify.New(domain.ErrKindFS, fmt.Errorf("mkdir audio clip dir: %w", err))
	}
	if err := os.WriteFile(outPath, resp.AudioContent, 0o644); err != nil {
		return classify.New(domain.ErrKindFS, fmt.Errorf("write audio clip: %w", err))
	}
	return nil
}
