// Package batch bounds accelerator memory over long books. The remaining
// chunks are split into batches; each batch gets a freshly loaded model,
// and that model is torn down completely before the next batch starts.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/audiobook-pipeline/internal/core"
	"github.com/book-expert/audiobook-pipeline/internal/fsutil"
	"github.com/book-expert/audiobook-pipeline/internal/worker"
)

var (
	// ErrModelLoad indicates that a batch's model could not be loaded.
	ErrModelLoad = errors.New("failed to load model")
	// ErrCondition indicates that conditioning on the voice sample failed.
	ErrCondition = errors.New("failed to condition model")
)

const (
	logFmtBatchStart     = "Batch %d/%d: %d chunks (%d-%d) with %d workers"
	logFmtBatchDone      = "Batch %d/%d done in %s: %d rendered, %d failed"
	logFmtBatchSkipped   = "Cancellation requested; skipping %d remaining batch(es)"
	logFmtASRUnavailable = "Transcriber unavailable for batch %d, continuing without transcript checks: %v"
	logFmtCloseFailed    = "Failed to release %s after batch %d: %v"
)

// WorkerFunc chooses the worker count for a batch.
type WorkerFunc func(batchNumber, batchSize int) int

// FixedWorkers always returns n.
func FixedWorkers(n int) WorkerFunc {
	return func(int, int) int { return n }
}

// Renderer is the part of worker.Pool the manager drives.
type Renderer interface {
	Render(
		ctx context.Context,
		jobs []worker.Job,
		model core.SynthesisModel,
		transcriber core.Transcriber,
		workers int,
	) ([]worker.Result, error)
}

// Options configures a Manager.
type Options struct {
	Loader core.ModelLoader
	// Transcribers may be nil when transcript validation is disabled.
	Transcribers core.TranscriberLoader
	Renderer     Renderer
	Size         int
	Device       string
	VoicePath    string
	Workers      WorkerFunc
	Log          *logger.Logger
}

// Manager runs batches strictly one after another.
type Manager struct {
	opts Options
}

// NewManager returns a manager configured by opts.
func NewManager(opts Options) *Manager {
	if opts.Size < 1 {
		opts.Size = 1
	}

	if opts.Workers == nil {
		opts.Workers = FixedWorkers(1)
	}

	return &Manager{opts: opts}
}

// Summary aggregates the results of a run.
type Summary struct {
	Batches   int
	Submitted int
	Rendered  []int
	Failed    []int
	Skipped   []int
	Cancelled bool
	Results   []worker.Result
}

func (s *Summary) add(results []worker.Result) {
	for _, result := range results {
		switch {
		case result.OK():
			s.Rendered = append(s.Rendered, result.Index)
		case errors.Is(result.Err, worker.ErrNotSubmitted):
			s.Skipped = append(s.Skipped, result.Index)

			continue
		default:
			s.Failed = append(s.Failed, result.Index)
		}

		s.Submitted++
		s.Results = append(s.Results, result)
	}
}

// Partition splits jobs into consecutive groups of at most size.
func Partition(jobs []worker.Job, size int) [][]worker.Job {
	if size < 1 {
		size = 1
	}

	batches := make([][]worker.Job, 0, (len(jobs)+size-1)/size)
	for start := 0; start < len(jobs); start += size {
		batches = append(batches, jobs[start:min(start+size, len(jobs))])
	}

	return batches
}

// Run renders jobs batch by batch. Cancellation stops before the next batch
// and is reported in the summary, not as an error. A batch whose model
// cannot be loaded aborts the run.
func (m *Manager) Run(ctx context.Context, jobs []worker.Job) (Summary, error) {
	batches := Partition(jobs, m.opts.Size)
	summary := Summary{}

	for number, jobsInBatch := range batches {
		if ctx.Err() != nil {
			m.opts.Log.Warn(logFmtBatchSkipped, len(batches)-number)
			summary.Cancelled = true

			for _, rest := range batches[number:] {
				for _, job := range rest {
					summary.Skipped = append(summary.Skipped, job.Index)
				}
			}

			return summary, nil
		}

		results, err := m.runBatch(ctx, number+1, len(batches), jobsInBatch)
		if err != nil {
			summary.add(results)

			return summary, err
		}

		summary.Batches++
		summary.add(results)
	}

	if ctx.Err() != nil && len(summary.Skipped) > 0 {
		summary.Cancelled = true
	}

	return summary, nil
}

// runBatch owns one model from load to release. The deferred releases run
// before runBatch returns, so the next batch never overlaps this one.
func (m *Manager) runBatch(ctx context.Context, number, total int, jobs []worker.Job) ([]worker.Result, error) {
	started := time.Now()

	model, loadErr := m.opts.Loader.Load(ctx, m.opts.Device)
	if loadErr != nil {
		return nil, fmt.Errorf("batch %d: %w: %w", number, ErrModelLoad, loadErr)
	}
	defer m.release("model", number, model.Close)

	conditionErr := model.Condition(ctx, m.opts.VoicePath)
	if conditionErr != nil {
		return nil, fmt.Errorf("batch %d: %w: %w", number, ErrCondition, conditionErr)
	}

	var transcriber core.Transcriber

	if m.opts.Transcribers != nil {
		loaded, asrErr := m.opts.Transcribers.Load(ctx)
		if asrErr != nil {
			m.opts.Log.Warn(logFmtASRUnavailable, number, asrErr)
		} else {
			transcriber = loaded
			defer m.release("transcriber", number, loaded.Close)
		}
	}

	workers := max(1, m.opts.Workers(number, len(jobs)))
	m.opts.Log.Info(logFmtBatchStart, number, total, len(jobs), jobs[0].Index+1, jobs[len(jobs)-1].Index+1, workers)

	results, renderErr := m.opts.Renderer.Render(ctx, jobs, model, transcriber, workers)
	if renderErr != nil {
		return results, fmt.Errorf("batch %d: %w", number, renderErr)
	}

	rendered := 0
	for _, result := range results {
		if result.OK() {
			rendered++
		}
	}

	m.opts.Log.Info(
		logFmtBatchDone, number, total, fsutil.FormatDuration(time.Since(started)), rendered, len(results)-rendered,
	)

	return results, nil
}

func (m *Manager) release(what string, number int, closeFn func() error) {
	err := closeFn()
	if err != nil {
		m.opts.Log.Warn(logFmtCloseFailed, what, number, err)
	}

	debug.FreeOSMemory()
}
