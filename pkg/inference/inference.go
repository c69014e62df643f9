// Package inference wraps the text-generation services used to score risk.
package inference

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const (
	ProviderHuggingFace = "huggingface"
	ProviderGemini      = "gemini"
)

// Backend turns a prompt into generated text.
type Backend interface {
	Name() string
	Complete(ctx context.Context, prompt string) (string, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Provider string
	APIKey   string
	Endpoint string
	Model    string
	Client   *http.Client
}

// New builds the configured backend. It returns a nil Backend and no error
// when no API key is set, which callers treat as "inference disabled".
func New(ctx context.Context, cfg Config) (Backend, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderHuggingFace:
		return NewHuggingFace(cfg.Endpoint, cfg.APIKey, cfg.Client), nil
	case ProviderGemini:
		g, err := NewGemini(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}
}
