package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// TTSConfig configures the text-to-speech client.
type TTSConfig struct {
	APIBase string
	APIKey  string
	Model   string  // "tts-1" by default
	Voice   string  // alloy, echo, fable, onyx, nova, shimmer
	Speed   float64 // 0.25 - 4.0
	Client  *http.Client
	Logger  *slog.Logger
}

// TTS synthesises mp3 voice replies using the OpenAI speech API.
type TTS struct {
	apiBase string
	apiKey  string
	model   string
	voice   string
	speed   float64
	client  *http.Client
	logger  *slog.Logger
}

func NewTTS(cfg TTSConfig) *TTS {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultOpenAIBase
	}
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "echo"
	}
	if cfg.Speed == 0 {
		cfg.Speed = 1
	}
	if cfg.Client == nil {
		cfg.Client = NewHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TTS{
		apiBase: cfg.APIBase,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		voice:   cfg.Voice,
		speed:   cfg.Speed,
		client:  cfg.Client,
		logger:  cfg.Logger,
	}
}

type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	Speed          float64 `json:"speed"`
	ResponseFormat string  `json:"response_format"`
}

// Synthesize returns the mp3 audio stream for text. The caller closes it.
func (t *TTS) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	payload, err := json.Marshal(speechRequest{
		Model:          t.model,
		Input:          text,
		Voice:          t.voice,
		Speed:          t.speed,
		ResponseFormat: "mp3",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	resp, err := doWithRetry(ctx, t.client, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+"/audio/speech", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Authorization", "Bearer "+t.apiKey)
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	}, t.logger)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	if err := checkStatus(resp, "tts"); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}
