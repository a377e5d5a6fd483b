// Package config provides the configuration structure for the audiobook pipeline.
//
// Values are layered: built-in defaults, then the TOML file, then AUDIOBOOK_*
// environment variables. The result is validated before use.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/sethvargo/go-envconfig"

	"github.com/book-expert/audiobook-pipeline/internal/audio"
	"github.com/book-expert/audiobook-pipeline/internal/core"
	"github.com/book-expert/audiobook-pipeline/internal/publish"
	"github.com/book-expert/audiobook-pipeline/internal/quality"
)

// ErrInvalidConfig indicates a configuration that failed validation.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	defaultServiceURL     = "http://127.0.0.1:8000"
	defaultTimeoutSeconds = 600
	defaultDevice         = "cuda"
	defaultLanguage       = "en"
	defaultBatchSize      = 100
	defaultWorkers        = 2
	defaultAttemptSeconds = 300
	defaultASRModel       = "whisper-1"
	defaultRenderSubject  = "audiobook.render"
	defaultChunkSubject   = "audiobook.chunk.created"
	defaultBucket         = "AUDIOBOOKS"
)

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir   string `toml:"base_logs_dir"  env:"AUDIOBOOK_LOGS_DIR"`
	AudiobookRoot string `toml:"audiobook_root" env:"AUDIOBOOK_ROOT"     validate:"required"`
}

// TTSServiceConfig locates the inference service and the default voice.
type TTSServiceConfig struct {
	URL            string         `toml:"url"             env:"AUDIOBOOK_TTS_URL"    validate:"required,url"`
	TimeoutSeconds int            `toml:"timeout_seconds" env:"AUDIOBOOK_TTS_TIMEOUT" validate:"gte=1"`
	Device         string         `toml:"device"          env:"AUDIOBOOK_DEVICE"     validate:"required"`
	Language       string         `toml:"language"        env:"AUDIOBOOK_LANGUAGE"   validate:"required"`
	VoicePath      string         `toml:"voice_path"      env:"AUDIOBOOK_VOICE"`
	VoiceName      string         `toml:"voice_name"      env:"AUDIOBOOK_VOICE_NAME"`
	Params         core.TTSParams `toml:"params"`
}

// Timeout is the HTTP timeout for one service call.
func (c TTSServiceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PipelineConfig sizes batches and the worker pool.
type PipelineConfig struct {
	BatchSize             int `toml:"batch_size"              env:"AUDIOBOOK_BATCH_SIZE"      validate:"gte=1"`
	Workers               int `toml:"workers"                 env:"AUDIOBOOK_WORKERS"         validate:"gte=1,lte=64"`
	AttemptTimeoutSeconds int `toml:"attempt_timeout_seconds" env:"AUDIOBOOK_ATTEMPT_TIMEOUT" validate:"gte=0"`
}

// AttemptTimeout bounds a single synthesis attempt; zero disables it.
func (c PipelineConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSeconds) * time.Second
}

// ReassemblyConfig controls the combined WAV and the final container.
type ReassemblyConfig struct {
	Package    bool               `toml:"package"     env:"AUDIOBOOK_PACKAGE"`
	FFmpegPath string             `toml:"ffmpeg_path" env:"AUDIOBOOK_FFMPEG"`
	CoverPath  string             `toml:"cover_path"`
	Encoding   audio.Encoding     `toml:"encoding"`
	Silences   map[string]float64 `toml:"silences"`
}

// ASRConfig configures the transcription service used for transcript checks.
type ASRConfig struct {
	APIKey   string `toml:"api_key"  env:"OPENAI_API_KEY"`
	BaseURL  string `toml:"base_url" env:"AUDIOBOOK_ASR_URL"`
	Model    string `toml:"model"`
	Language string `toml:"language"`
}

// NATSConfig holds the configuration for NATS. An empty URL disables it.
type NATSConfig struct {
	URL                      string `toml:"url"                         env:"NATS_URL"`
	RenderSubject            string `toml:"render_subject"`
	AudioChunkCreatedSubject string `toml:"audio_chunk_created_subject"`
	AudiobookBucket          string `toml:"audiobook_bucket"`
	Publish                  bool   `toml:"publish"`
}

// Config is the root configuration structure.
type Config struct {
	Paths      PathsConfig      `toml:"paths"`
	TTS        TTSServiceConfig `toml:"tts_service"`
	Pipeline   PipelineConfig   `toml:"pipeline"`
	Quality    quality.Config   `toml:"quality"`
	Reassembly ReassemblyConfig `toml:"reassembly"`
	ASR        ASRConfig        `toml:"asr"`
	NATS       NATSConfig       `toml:"nats"`
	S3         publish.S3Config `toml:"s3"`
}

// Default returns a configuration with every optional value filled in.
func Default() Config {
	return Config{
		Paths: PathsConfig{BaseLogsDir: os.TempDir()},
		TTS: TTSServiceConfig{
			URL:            defaultServiceURL,
			TimeoutSeconds: defaultTimeoutSeconds,
			Device:         defaultDevice,
			Language:       defaultLanguage,
			Params:         core.DefaultTTSParams(),
		},
		Pipeline: PipelineConfig{
			BatchSize:             defaultBatchSize,
			Workers:               defaultWorkers,
			AttemptTimeoutSeconds: defaultAttemptSeconds,
		},
		Quality: quality.DefaultConfig(),
		Reassembly: ReassemblyConfig{
			Package:  true,
			Encoding: audio.NewDefaultEncoding(),
		},
		ASR: ASRConfig{Model: defaultASRModel},
		NATS: NATSConfig{
			RenderSubject:            defaultRenderSubject,
			AudioChunkCreatedSubject: defaultChunkSubject,
			AudiobookBucket:          defaultBucket,
		},
	}
}

// Load discovers project.toml through the configurator, applies environment
// overrides and validates the result.
func Load(ctx context.Context, log *logger.Logger) (*Config, error) {
	cfg := Default()

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(ctx, &cfg, envconfig.OsLookuper())
}

// LoadFile reads the TOML file at path instead of discovering one.
func LoadFile(ctx context.Context, path string, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration %s: %w", path, err)
	}

	err = toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration %s: %w", path, err)
	}

	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}

	return finish(ctx, &cfg, lookuper)
}

// ApplyEnv overrides cfg with any variables lookuper knows about.
func ApplyEnv(ctx context.Context, cfg *Config, lookuper envconfig.Lookuper) error {
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:           cfg,
		Lookuper:         lookuper,
		DefaultOverwrite: true,
	})
	if err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return nil
}

// Validate checks ranges and required values.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	err = c.Reassembly.Encoding.Validate()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if c.Quality.TranscriptCheck && c.ASR.APIKey == "" {
		return fmt.Errorf("%w: transcript_check needs an ASR api_key", ErrInvalidConfig)
	}

	return nil
}

func finish(ctx context.Context, cfg *Config, lookuper envconfig.Lookuper) (*Config, error) {
	err := ApplyEnv(ctx, cfg, lookuper)
	if err != nil {
		return nil, err
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}
