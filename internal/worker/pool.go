// Package worker renders chunks concurrently against one loaded model.
// A feeder submits jobs to a fixed set of workers; each worker normalises
// the text, synthesises, validates and either commits the audio to its
// canonical path or quarantines the attempt and retries.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"golang.org/x/sync/errgroup"

	"github.com/book-expert/audiobook-pipeline/internal/audio"
	"github.com/book-expert/audiobook-pipeline/internal/chunkdir"
	"github.com/book-expert/audiobook-pipeline/internal/chunkstore"
	"github.com/book-expert/audiobook-pipeline/internal/core"
	"github.com/book-expert/audiobook-pipeline/internal/progress"
	"github.com/book-expert/audiobook-pipeline/internal/quality"
	"github.com/book-expert/audiobook-pipeline/internal/tts/text"
)

var (
	// ErrNotSubmitted marks jobs left unsubmitted because the run was cancelled.
	ErrNotSubmitted = errors.New("chunk not submitted: run cancelled")
	// ErrEmptyText marks chunks whose text normalises to nothing.
	ErrEmptyText = errors.New("chunk text is empty after normalisation")
	// ErrRenderPanic marks a chunk whose render panicked.
	ErrRenderPanic = errors.New("chunk render panicked")
	// ErrRejected marks a chunk whose every attempt failed validation.
	ErrRejected = errors.New("all attempts failed validation")
	// ErrAudioDirMissing marks a render whose audio directory vanished.
	// Nothing further can be written, so the batch stops.
	ErrAudioDirMissing = errors.New("audio directory disappeared during render")
)

const (
	chunkFilePerm = 0o644

	logFmtAttemptPass   = "%s attempt %d/%d PASS %s | %s"
	logFmtAttemptFail   = "%s attempt %d/%d FAIL %s | %s"
	logFmtAttemptError  = "%s attempt %d/%d ERROR %v | %s"
	logFmtAttemptAdjust = "%s kept with warnings; next render should use %s"
	logFmtQuarantined   = "Quarantined %s attempt %d: %s"
	logFmtChunkFailed   = "Chunk %d failed after %d attempt(s): %v"
	logFmtCancelled     = "Cancellation requested; %d of %d chunks left unsubmitted"
	logFmtRenderPanic   = "Chunk %d render panicked: %v"
	logFmtCommitFailure = "Failed to commit chunk %d: %v"
)

// Job is one chunk to render.
type Job struct {
	Index    int
	Text     string
	Boundary chunkstore.Boundary
	Params   core.TTSParams
}

// JobFromChunk builds the job for chunk, using fallback parameters when the
// chunk carries none.
func JobFromChunk(chunk chunkstore.Chunk, fallback core.TTSParams) Job {
	return Job{
		Index:    chunk.Index,
		Text:     chunk.Text,
		Boundary: chunk.Boundary,
		Params:   chunk.ParamsOr(fallback),
	}
}

// Result is the completion signal for one job. Path is empty unless the
// chunk was committed.
type Result struct {
	Index       int
	Path        string
	Attempts    int
	Quarantined []string
	Decision    quality.Decision
	Audio       time.Duration
	Elapsed     time.Duration
	Err         error

	// Adjusted holds softened parameters when the kept render drew warnings.
	Adjusted *core.TTSParams
}

// OK reports whether the chunk was committed.
func (r Result) OK() bool {
	return r.Path != ""
}

// Options configures a Pool.
type Options struct {
	Layout     chunkdir.Layout
	Normalizer *text.Normalizer
	Quality    quality.Config
	// AttemptTimeout bounds a single synthesis call; zero means no bound.
	AttemptTimeout time.Duration
	Sink           core.ProgressSink
	Total          int
	Started        time.Time
	Log            *logger.Logger
	ValidationLog  *logger.Logger
}

// Pool renders jobs. It holds no model; one is passed to each Render call.
type Pool struct {
	opts Options
}

// NewPool returns a pool configured by opts.
func NewPool(opts Options) *Pool {
	if opts.Normalizer == nil {
		opts.Normalizer = text.NewNormalizer()
	}

	if opts.Sink == nil {
		opts.Sink = progress.Discard{}
	}

	if opts.Started.IsZero() {
		opts.Started = time.Now()
	}

	if opts.ValidationLog == nil {
		opts.ValidationLog = opts.Log
	}

	return &Pool{opts: opts}
}

// Render processes jobs with workers concurrent renders sharing model and
// transcriber, and returns one result per job sorted by index. Cancelling
// ctx stops submission; renders already in flight run to completion and
// unsubmitted jobs are reported with ErrNotSubmitted. The error is non-nil
// only when the audio directory cannot be written at all.
func (p *Pool) Render(
	ctx context.Context,
	jobs []Job,
	model core.SynthesisModel,
	transcriber core.Transcriber,
	workers int,
) ([]Result, error) {
	dirErr := p.opts.Layout.EnsureDirs()
	if dirErr != nil {
		return failAll(jobs, dirErr), dirErr
	}

	workers = max(1, min(workers, len(jobs)))
	gate := quality.Build(p.opts.Quality, transcriber)
	workCtx := context.WithoutCancel(ctx)
	group, feedCtx := errgroup.WithContext(ctx)

	queue := make(chan Job)
	results := make([]Result, 0, len(jobs))

	var mu sync.Mutex

	for range workers {
		group.Go(func() error {
			for job := range queue {
				result := p.renderChunk(workCtx, job, model, gate)

				mu.Lock()
				results = append(results, result)
				mu.Unlock()

				p.report(result)

				if errors.Is(result.Err, ErrAudioDirMissing) {
					return result.Err
				}
			}

			return nil
		})
	}

	submitted := p.feed(feedCtx, queue, jobs)
	close(queue)

	groupErr := group.Wait()

	for _, job := range jobs[submitted:] {
		results = append(results, Result{Index: job.Index, Err: ErrNotSubmitted})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })

	return results, groupErr
}

// missingDir wraps err with ErrAudioDirMissing when the audio directory is
// gone, and returns nil otherwise.
func (p *Pool) missingDir(err error) error {
	_, statErr := os.Stat(p.opts.Layout.AudioDir())
	if statErr == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrAudioDirMissing, err)
}

func failAll(jobs []Job, err error) []Result {
	results := make([]Result, 0, len(jobs))
	for _, job := range jobs {
		results = append(results, Result{Index: job.Index, Err: err})
	}

	return results
}

// feed submits jobs in order until ctx is cancelled and returns how many
// were submitted. It blocks only while every worker is busy.
func (p *Pool) feed(ctx context.Context, queue chan<- Job, jobs []Job) int {
	for submitted, job := range jobs {
		if ctx.Err() != nil {
			p.opts.Log.Warn(logFmtCancelled, len(jobs)-submitted, len(jobs))

			return submitted
		}

		select {
		case queue <- job:
		case <-ctx.Done():
			p.opts.Log.Warn(logFmtCancelled, len(jobs)-submitted, len(jobs))

			return submitted
		}
	}

	return len(jobs)
}

func (p *Pool) renderChunk(
	ctx context.Context,
	job Job,
	model core.SynthesisModel,
	gate *quality.Gate,
) (result Result) {
	started := time.Now()
	result = Result{Index: job.Index}

	defer func() {
		recovered := recover()
		if recovered != nil {
			result.Path = ""
			result.Err = fmt.Errorf("%w: %v", ErrRenderPanic, recovered)
			p.opts.Log.Error(logFmtRenderPanic, job.Index+1, recovered)
		}

		result.Elapsed = time.Since(started)
	}()

	normalized := p.opts.Normalizer.Normalize(job.Text)
	if normalized == "" {
		result.Err = ErrEmptyText
		p.opts.Log.Error(logFmtChunkFailed, job.Index+1, 0, result.Err)

		return result
	}

	maxAttempts := p.opts.Quality.Attempts()
	sample := quality.Sample{Index: job.Index, Text: normalized, Words: chunkstore.CountWords(normalized)}
	name := chunkdir.FileName(job.Index)

	var lastErr error

	// Soft warnings fold into base, so later attempts start softer.
	base := job.Params

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt
		params := quality.Perturb(base, attempt)

		tempPath, renderErr := p.synthesize(ctx, model, job.Index, attempt, normalized, params)
		if renderErr != nil {
			missingErr := p.missingDir(renderErr)
			if missingErr != nil {
				result.Err = missingErr
				p.opts.Log.Error(logFmtChunkFailed, job.Index+1, attempt, missingErr)

				return result
			}

			lastErr = renderErr
			p.opts.ValidationLog.Warn(logFmtAttemptError, name, attempt, maxAttempts, renderErr, params)

			continue
		}

		sample.Path = tempPath
		decision := gate.Evaluate(ctx, sample)
		result.Decision = decision

		if decision.Soft() {
			base = decision.Adjust(base)
		}

		if decision.Pass {
			p.opts.ValidationLog.Info(logFmtAttemptPass, name, attempt, maxAttempts, decision.Reason(), params)

			if decision.Soft() {
				adjusted := decision.Adjust(params)
				result.Adjusted = &adjusted
				p.opts.ValidationLog.Warn(logFmtAttemptAdjust, name, adjusted)
			}

			return p.commit(result, tempPath)
		}

		p.opts.ValidationLog.Warn(logFmtAttemptFail, name, attempt, maxAttempts, decision.Reason(), params)
		lastErr = fmt.Errorf("%w: %s", ErrRejected, decision.Reason())

		quarantined, quarantineErr := p.opts.Layout.Quarantine(tempPath, job.Index, attempt)
		if quarantineErr != nil {
			_ = os.Remove(tempPath)
			p.opts.Log.Error("Failed to quarantine chunk %d: %v", job.Index+1, quarantineErr)

			continue
		}

		result.Quarantined = append(result.Quarantined, quarantined)
		p.opts.ValidationLog.Warn(logFmtQuarantined, name, attempt, quarantined)
	}

	result.Err = lastErr
	p.opts.Log.Error(logFmtChunkFailed, job.Index+1, result.Attempts, lastErr)

	return result
}

// synthesize renders one attempt into its temporary file.
func (p *Pool) synthesize(
	ctx context.Context,
	model core.SynthesisModel,
	index, attempt int,
	normalized string,
	params core.TTSParams,
) (string, error) {
	if p.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, p.opts.AttemptTimeout)
		defer cancel()
	}

	wav, err := model.Synthesize(ctx, normalized, params)
	if err != nil {
		return "", fmt.Errorf("synthesis failed: %w", err)
	}

	tempPath := p.opts.Layout.TempPath(index, attempt)

	err = os.WriteFile(tempPath, wav, chunkFilePerm)
	if err != nil {
		_ = os.Remove(tempPath)

		return "", fmt.Errorf("failed to write attempt: %w", err)
	}

	return tempPath, nil
}

func (p *Pool) commit(result Result, tempPath string) Result {
	committed, err := p.opts.Layout.Commit(tempPath, result.Index)
	if err != nil {
		_ = os.Remove(tempPath)

		result.Err = err

		missingErr := p.missingDir(err)
		if missingErr != nil {
			result.Err = missingErr
		}

		p.opts.Log.Error(logFmtCommitFailure, result.Index+1, err)

		return result
	}

	result.Path = committed

	_, duration, headerErr := audio.Inspect(committed)
	if headerErr == nil {
		result.Audio = duration
	}

	return result
}

func (p *Pool) report(result Result) {
	if result.Err != nil && errors.Is(result.Err, ErrNotSubmitted) {
		return
	}

	var realtime float64
	if result.Elapsed > 0 {
		realtime = result.Audio.Seconds() / result.Elapsed.Seconds()
	}

	p.opts.Sink.Report(core.Progress{
		Index:          result.Index,
		Total:          p.opts.Total,
		Failed:         !result.OK(),
		Elapsed:        time.Since(p.opts.Started),
		RealtimeFactor: realtime,
		MemoryUsed:     progress.MemoryUsed(),
	})
}
