// Package whisper transcribes rendered chunks through an OpenAI-compatible
// speech recognition endpoint so that the quality gate can compare what was
// said with what was written.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/book-expert/audiobook-pipeline/internal/core"
)

// ErrAPIKeyMissing indicates that no API key was configured.
var ErrAPIKeyMissing = errors.New("speech recognition API key is not set")

// Config selects the recognition endpoint.
type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
}

// Client transcribes WAV files.
type Client struct {
	api      *openai.Client
	model    string
	language string
}

var (
	_ core.Transcriber       = (*Client)(nil)
	_ core.TranscriberLoader = (*Loader)(nil)
)

// NewClient builds a client for cfg. An empty BaseURL targets the OpenAI API.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyMissing
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}

	return &Client{
		api:      openai.NewClientWithConfig(clientConfig),
		model:    model,
		language: cfg.Language,
	}, nil
}

// Transcribe returns the recognised text of the file at wavPath.
func (c *Client) Transcribe(ctx context.Context, wavPath string) (string, error) {
	response, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.model,
		FilePath: wavPath,
		Language: c.language,
	})
	if err != nil {
		return "", fmt.Errorf("failed to transcribe %s: %w", wavPath, err)
	}

	return strings.TrimSpace(response.Text), nil
}

// Close is a no-op; the HTTP transport is shared.
func (c *Client) Close() error {
	return nil
}

// Loader hands out one client per batch.
type Loader struct {
	cfg Config
}

// NewLoader returns a loader for cfg.
func NewLoader(cfg Config) *Loader {
	return &Loader{cfg: cfg}
}

// Load builds a client, failing when the configuration is incomplete.
func (l *Loader) Load(_ context.Context) (core.Transcriber, error) {
	return NewClient(l.cfg)
}
