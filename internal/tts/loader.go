package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/audiobook-pipeline/internal/core"
)

const unloadTimeout = 30 * time.Second

// ErrModelClosed indicates use of a model after Close.
var ErrModelClosed = errors.New("model is closed")

// ModelLoader loads models through the inference service.
type ModelLoader struct {
	client   *HTTPClient
	language string
}

var _ core.ModelLoader = (*ModelLoader)(nil)

// NewModelLoader returns a loader backed by client.
func NewModelLoader(client *HTTPClient, language string) *ModelLoader {
	return &ModelLoader{client: client, language: language}
}

// Load checks the service is healthy and loads a fresh model on device.
func (l *ModelLoader) Load(ctx context.Context, device string) (core.SynthesisModel, error) {
	healthErr := l.client.HealthCheck(ctx)
	if healthErr != nil {
		return nil, fmt.Errorf("TTS service health check failed: %w", healthErr)
	}

	loadErr := l.client.LoadModel(ctx, device)
	if loadErr != nil {
		return nil, fmt.Errorf("failed to load model on %q: %w", device, loadErr)
	}

	return &remoteModel{client: l.client, device: device, language: l.language}, nil
}

type remoteModel struct {
	client   *HTTPClient
	device   string
	language string

	mu     sync.Mutex
	closed bool
}

func (m *remoteModel) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

func (m *remoteModel) Condition(ctx context.Context, voicePath string) error {
	if m.isClosed() {
		return ErrModelClosed
	}

	if voicePath == "" {
		return nil
	}

	err := m.client.ConditionModel(ctx, m.device, voicePath)
	if err != nil {
		return fmt.Errorf("failed to condition on %s: %w", voicePath, err)
	}

	return nil
}

func (m *remoteModel) Synthesize(ctx context.Context, text string, params core.TTSParams) ([]byte, error) {
	if m.isClosed() {
		return nil, ErrModelClosed
	}

	return m.client.GenerateSpeech(ctx, NewRequest(text, m.language, m.device, params))
}

// Close unloads the model. Repeated calls are no-ops.
func (m *remoteModel) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return nil
	}

	m.closed = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), unloadTimeout)
	defer cancel()

	return m.client.UnloadModel(ctx, m.device)
}
