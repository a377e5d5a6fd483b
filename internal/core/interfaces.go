// Package core defines the collaborator contracts shared by the audiobook
// rendering pipeline: the TTS model, the validation transcriber, progress
// reporting and blob storage.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidParams indicates that a sampling-parameter set is out of range.
var ErrInvalidParams = errors.New("invalid tts parameters")

var paramsValidator = validator.New()

// ObjectStore fetches blobs by key.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// Publisher distributes a finished artifact and returns where it landed.
type Publisher interface {
	Publish(ctx context.Context, key, path string) (string, error)
}

// TTSParams holds the sampling parameters for a single chunk render.
// Every chunk may carry its own set, which is how per-sentence delivery varies.
type TTSParams struct {
	Exaggeration      float64 `json:"exaggeration"       toml:"exaggeration"       validate:"gte=0,lte=2"`
	CFGWeight         float64 `json:"cfg_weight"         toml:"cfg_weight"         validate:"gte=0,lte=1"`
	Temperature       float64 `json:"temperature"        toml:"temperature"        validate:"gt=0,lte=5"`
	MinP              float64 `json:"min_p"              toml:"min_p"              validate:"gte=0,lte=1"`
	TopP              float64 `json:"top_p"              toml:"top_p"              validate:"gte=0,lte=1"`
	RepetitionPenalty float64 `json:"repetition_penalty" toml:"repetition_penalty" validate:"gte=1,lte=3"`
}

// DefaultTTSParams returns the sampling parameters used when neither the
// chunk nor the configuration provides any.
func DefaultTTSParams() TTSParams {
	return TTSParams{
		Exaggeration:      0.5,
		CFGWeight:         0.5,
		Temperature:       0.8,
		MinP:              0.05,
		TopP:              1.0,
		RepetitionPenalty: 1.2,
	}
}

// IsZero reports whether no parameter has been set.
func (p TTSParams) IsZero() bool {
	return p == TTSParams{}
}

// Validate checks every parameter against its accepted range.
func (p TTSParams) Validate() error {
	err := paramsValidator.Struct(p)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	return nil
}

// String renders the parameters for log lines.
func (p TTSParams) String() string {
	return fmt.Sprintf(
		"exag=%.2f cfg=%.2f temp=%.2f min_p=%.2f top_p=%.2f rep=%.2f",
		p.Exaggeration, p.CFGWeight, p.Temperature, p.MinP, p.TopP, p.RepetitionPenalty,
	)
}

// SynthesisModel is a loaded, device-resident TTS model. Conditioning is set
// once per batch and is not mutated while workers call Synthesize.
type SynthesisModel interface {
	// Condition prepares the model for the voice sample at voicePath.
	Condition(ctx context.Context, voicePath string) error
	// Synthesize renders normalised text and returns WAV bytes.
	Synthesize(ctx context.Context, text string, params TTSParams) ([]byte, error)
	// Close releases the model and its device memory.
	Close() error
}

// ModelLoader loads a fresh SynthesisModel on the requested device.
// It must be safe to call repeatedly within one process.
type ModelLoader interface {
	Load(ctx context.Context, device string) (SynthesisModel, error)
}

// Transcriber is a loaded speech-recognition model used for validation.
type Transcriber interface {
	Transcribe(ctx context.Context, wavPath string) (string, error)
	Close() error
}

// TranscriberLoader loads a Transcriber for one batch.
type TranscriberLoader interface {
	Load(ctx context.Context) (Transcriber, error)
}

// Progress is one telemetry tuple emitted after a chunk finishes. Failed
// marks a chunk that exhausted its attempts and has no audio file.
type Progress struct {
	Index          int
	Total          int
	Failed         bool
	Elapsed        time.Duration
	RealtimeFactor float64
	MemoryUsed     uint64
}

// ProgressSink receives progress updates. Implementations must not block.
type ProgressSink interface {
	Report(p Progress)
}
