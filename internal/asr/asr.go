// Package asr transcribes recorded device audio through HTTP speech
// recognition providers.
package asr

import (
	"context"
	"fmt"
)

// Recognizer transcribes the audio file at path.
type Recognizer interface {
	Name() string
	Transcribe(ctx context.Context, path string) (string, error)
}

// Config selects and configures a recognizer.
type Config struct {
	Provider  string // "cloudflare" or "openai"
	APIKey    string
	APIBase   string
	AccountID string // cloudflare only
	Model     string
}

// New builds the configured recognizer.
func New(cfg Config) (Recognizer, error) {
	switch cfg.Provider {
	case "cloudflare", "":
		if cfg.AccountID == "" {
			return nil, fmt.Errorf("asr: cloudflare account id is required")
		}
		return NewCloudflareRecognizer(cfg), nil
	case "openai", "siliconflow":
		return NewOpenAIRecognizer(cfg), nil
	default:
		return nil, fmt.Errorf("asr: unknown provider %q", cfg.Provider)
	}
}
