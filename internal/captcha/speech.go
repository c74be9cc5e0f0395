// File: internal/captcha/speech.go
// Description: Speech-to-text over the Gemini API. The transcript is
// best-effort; callers treat empty or garbled output as a solve failure.

package captcha

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/formrelay/formrelay-cli/internal/config"
)

const transcribePrompt = "Transcribe the spoken words in this audio clip. " +
	"Reply with only the transcribed words, lowercase, no punctuation."

// Transcriber implements schemas.SpeechToText using a Gemini model with
// audio input.
type Transcriber struct {
	log     *zap.Logger
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewTranscriber builds the capability; returns nil when no API key is
// configured so callers can treat local audio solving as unavailable.
func NewTranscriber(ctx context.Context, logger *zap.Logger, cfg config.SpeechConfig) (*Transcriber, error) {
	if cfg.APIKey == "" {
		return nil, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating speech client: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Transcriber{
		log:     logger.Named("speech"),
		client:  client,
		model:   cfg.Model,
		timeout: timeout,
	}, nil
}

// Transcribe sends the audio payload and returns the model's best-effort
// transcript. An empty transcript is returned as-is, never as an error.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("empty audio payload")
	}
	if mimeType == "" {
		mimeType = "audio/mpeg"
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	parts := []*genai.Part{
		genai.NewPartFromBytes(audio, mimeType),
		genai.NewPartFromText(transcribePrompt),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := t.client.Models.GenerateContent(callCtx, t.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}

	transcript := strings.TrimSpace(resp.Text())
	t.log.Debug("Transcription complete", zap.Int("audio_bytes", len(audio)), zap.Int("transcript_len", len(transcript)))
	return transcript, nil
}
