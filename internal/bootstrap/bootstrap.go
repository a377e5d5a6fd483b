// Package bootstrap wires configuration into a ready pipeline service.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/audiobook-pipeline/internal/config"
	"github.com/book-expert/audiobook-pipeline/internal/core"
	"github.com/book-expert/audiobook-pipeline/internal/jobs"
	"github.com/book-expert/audiobook-pipeline/internal/pipeline"
	"github.com/book-expert/audiobook-pipeline/internal/progress"
	"github.com/book-expert/audiobook-pipeline/internal/publish"
	"github.com/book-expert/audiobook-pipeline/internal/reassembly"
	"github.com/book-expert/audiobook-pipeline/internal/tts"
	"github.com/book-expert/audiobook-pipeline/internal/tts/whisper"
)

// Dependencies holds everything the commands need.
type Dependencies struct {
	Service *pipeline.Service
	// Listener is nil when NATS is not configured.
	Listener *jobs.Listener

	natsConnection *nats.Conn
}

// Close releases network connections.
func (d *Dependencies) Close() {
	if d.natsConnection != nil {
		_ = d.natsConnection.Drain()
	}
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Dependencies, error) {
	deps := &Dependencies{}

	client := tts.NewHTTPClient(cfg.TTS.URL, cfg.TTS.Timeout())

	pipelineDeps := pipeline.Dependencies{
		Loader: tts.NewModelLoader(client, cfg.TTS.Language),
		Log:    log,
	}

	if cfg.Quality.TranscriptCheck {
		pipelineDeps.Transcribers = whisper.NewLoader(whisper.Config{
			APIKey:   cfg.ASR.APIKey,
			BaseURL:  cfg.ASR.BaseURL,
			Model:    cfg.ASR.Model,
			Language: cfg.ASR.Language,
		})
	}

	if cfg.Reassembly.Package {
		pipelineDeps.Packager = reassembly.NewTranscoder(
			cfg.Reassembly.FFmpegPath, cfg.Reassembly.Encoding, cfg.Reassembly.CoverPath, log)
	}

	var voices core.ObjectStore

	if cfg.NATS.URL != "" {
		natsErr := deps.initNATS(cfg, log, &pipelineDeps, &voices)
		if natsErr != nil {
			return nil, natsErr
		}
	}

	if cfg.S3.Enabled() {
		s3Publisher, s3Err := publish.NewS3Publisher(ctx, cfg.S3)
		if s3Err != nil {
			deps.Close()

			return nil, fmt.Errorf("create S3 publisher: %w", s3Err)
		}

		pipelineDeps.Publisher = s3Publisher
		log.Info("S3 publishing configured for bucket %s in %s", cfg.S3.Bucket, cfg.S3.Region)
	}

	deps.Service = pipeline.New(pipeline.Settings{
		Root:           cfg.Paths.AudiobookRoot,
		Device:         cfg.TTS.Device,
		VoicePath:      cfg.TTS.VoicePath,
		VoiceName:      cfg.TTS.VoiceName,
		Params:         cfg.TTS.Params,
		BatchSize:      cfg.Pipeline.BatchSize,
		Workers:        cfg.Pipeline.Workers,
		AttemptTimeout: cfg.Pipeline.AttemptTimeout(),
		Quality:        cfg.Quality,
		Silences:       reassembly.DefaultSilences().WithOverrides(cfg.Reassembly.Silences),
		PublishPrefix:  cfg.S3.Prefix,
	}, pipelineDeps)

	if deps.natsConnection != nil {
		deps.Listener = jobs.NewListener(deps.natsConnection, cfg.NATS.RenderSubject, deps.Service, voices, log)
	}

	return deps, nil
}

func (d *Dependencies) initNATS(
	cfg *config.Config,
	log *logger.Logger,
	pipelineDeps *pipeline.Dependencies,
	voices *core.ObjectStore,
) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	d.natsConnection = natsConnection

	subject := cfg.NATS.AudioChunkCreatedSubject
	pipelineDeps.Sinks = func(book, runID string) core.ProgressSink {
		return progress.NewNATSSink(natsConnection, subject, runID, book, log)
	}

	if !cfg.NATS.Publish {
		return nil
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		d.Close()

		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	store, err := publish.NewNATSPublisher(jetstreamContext, cfg.NATS.AudiobookBucket)
	if err != nil {
		d.Close()

		return err
	}

	pipelineDeps.Publisher = store
	*voices = store
	log.Info("NATS object store %s configured", cfg.NATS.AudiobookBucket)

	return nil
}
