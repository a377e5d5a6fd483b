// Package pipeline orchestrates one book end to end: it resolves where a
// render should resume, renders the remaining chunks batch by batch and, once
// every chunk exists, reassembles and packages the audiobook.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/audiobook-pipeline/internal/batch"
	"github.com/book-expert/audiobook-pipeline/internal/chunkdir"
	"github.com/book-expert/audiobook-pipeline/internal/chunkstore"
	"github.com/book-expert/audiobook-pipeline/internal/core"
	"github.com/book-expert/audiobook-pipeline/internal/fsutil"
	"github.com/book-expert/audiobook-pipeline/internal/progress"
	"github.com/book-expert/audiobook-pipeline/internal/publish"
	"github.com/book-expert/audiobook-pipeline/internal/quality"
	"github.com/book-expert/audiobook-pipeline/internal/reassembly"
	"github.com/book-expert/audiobook-pipeline/internal/resume"
	"github.com/book-expert/audiobook-pipeline/internal/tts/text"
	"github.com/book-expert/audiobook-pipeline/internal/worker"
)

var (
	// ErrBookLocked indicates another process is working on the book.
	ErrBookLocked = errors.New("book is locked by another run")
	// ErrInvalidBook indicates a book name that is not a single directory name.
	ErrInvalidBook = errors.New("invalid book name")
)

const (
	logFmtRunStart    = "Run %s for %q: %d chunks, %d complete, starting at chunk %d, %d to render (overwrite=%t)"
	logFmtRunDone     = "Run %s finished in %s: %d rendered, %d failed, %d skipped"
	logFmtPartial     = "Book %q is incomplete: %d of %d chunks missing (%s)"
	logFmtExtraneous  = "Ignoring %d chunk file(s) beyond the last chunk: %s"
	logFmtPublished   = "Published %s to %s"
	logFmtFailedChunk = "Chunk %d failed: %v"
	defaultVoiceName  = "default"
	maxListedMissing  = 20
)

// Packager writes the final container from a combined WAV.
type Packager interface {
	Package(
		ctx context.Context,
		combined *reassembly.Combined,
		tags reassembly.Tags,
		chapters []reassembly.Chapter,
		output string,
	) error
}

// SinkFunc returns the progress sink for one run of one book.
type SinkFunc func(book, runID string) core.ProgressSink

// Settings are the run-independent knobs of the pipeline.
type Settings struct {
	Root           string
	Device         string
	VoicePath      string
	VoiceName      string
	Params         core.TTSParams
	BatchSize      int
	Workers        int
	AttemptTimeout time.Duration
	Quality        quality.Config
	Silences       reassembly.SilenceMap
	PublishPrefix  string
}

// Dependencies are the collaborators of a Service. Transcribers, Packager,
// Publisher and Sinks are optional.
type Dependencies struct {
	Loader       core.ModelLoader
	Transcribers core.TranscriberLoader
	Packager     Packager
	Publisher    core.Publisher
	Sinks        SinkFunc
	Log          *logger.Logger
}

// Service runs books.
type Service struct {
	settings   Settings
	deps       Dependencies
	normalizer *text.Normalizer
}

// New returns a Service.
func New(settings Settings, deps Dependencies) *Service {
	if settings.Params.IsZero() {
		settings.Params = core.DefaultTTSParams()
	}

	if settings.VoiceName == "" {
		settings.VoiceName = defaultVoiceName
	}

	return &Service{settings: settings, deps: deps, normalizer: text.NewNormalizer()}
}

// RenderOptions select the work of one run.
type RenderOptions struct {
	Book string
	// From is a 1-based chunk number. Nil resumes at the recommended point;
	// any supplied value is validated and never clamped.
	From *int
	// Overwrite re-renders every chunk from the start point on.
	Overwrite bool
	// CombineOnly skips rendering.
	CombineOnly bool
	// Workers overrides the configured worker count when positive.
	Workers int
	// VoicePath overrides the configured voice reference when set.
	VoicePath string
}

// Report describes the outcome of a run. A run that could not render every
// chunk still returns a report and a nil error; Missing lists what is left.
type Report struct {
	RunID     string
	Book      string
	Total     int
	Start     int
	Before    resume.Analysis
	After     resume.Analysis
	Summary   batch.Summary
	Missing   []int
	Combined  *reassembly.Combined
	Container string
	Location  string
	Elapsed   time.Duration
}

// Complete reports whether the book was fully assembled.
func (r *Report) Complete() bool {
	return r.Combined != nil
}

// Layout returns the on-disk layout of book.
func (s *Service) Layout(book string) (chunkdir.Layout, error) {
	if book == "" || book != filepath.Base(book) || book == "." || book == ".." {
		return chunkdir.Layout{}, fmt.Errorf("%w: %q", ErrInvalidBook, book)
	}

	return chunkdir.NewLayout(s.settings.Root, book), nil
}

// Render runs one book. Structural problems are returned as errors; chunk
// failures are reported in the summary.
func (s *Service) Render(ctx context.Context, opts RenderOptions) (*Report, error) {
	started := time.Now()

	layout, layoutErr := s.Layout(opts.Book)
	if layoutErr != nil {
		return nil, layoutErr
	}

	lock, lockErr := lockBook(layout)
	if lockErr != nil {
		return nil, lockErr
	}
	defer lock.release()

	chunks, meta, loadErr := chunkstore.Load(layout.ChunkStorePath())
	if loadErr != nil {
		return nil, loadErr
	}

	start := 0

	if opts.From != nil {
		index, pointErr := resume.ValidatePoint(*opts.From, len(chunks))
		if pointErr != nil {
			return nil, pointErr
		}

		start = index
	}

	before, analyzeErr := resume.Analyze(layout.AudioDir(), len(chunks))
	if analyzeErr != nil {
		return nil, analyzeErr
	}

	if opts.From == nil {
		start = before.ResumeIndex
	}

	runLog, closeLogs, logErr := openBookLogs(layout)
	if logErr != nil {
		return nil, logErr
	}
	defer closeLogs()

	report := &Report{
		RunID:  uuid.NewString(),
		Book:   opts.Book,
		Total:  len(chunks),
		Start:  start,
		Before: before,
	}

	if len(before.Extraneous) > 0 {
		runLog.run.Warn(logFmtExtraneous, len(before.Extraneous), chunkNumbers(before.Extraneous))
	}

	if !opts.CombineOnly {
		jobs := s.selectJobs(chunks, before, start, opts.Overwrite)
		runLog.run.Info(logFmtRunStart, report.RunID, opts.Book, len(chunks), len(before.Completed),
			start+1, len(jobs), opts.Overwrite)

		summary, renderErr := s.renderJobs(ctx, layout, report.RunID, jobs, len(chunks), opts, runLog)
		report.Summary = summary

		if renderErr != nil {
			return report, renderErr
		}

		for _, result := range summary.Results {
			if !result.OK() {
				runLog.run.Warn(logFmtFailedChunk, result.Index+1, result.Err)
			}
		}

		runLog.run.Info(logFmtRunDone, report.RunID, fsutil.FormatDuration(time.Since(started)),
			len(summary.Rendered), len(summary.Failed), len(summary.Skipped))
	}

	after, afterErr := resume.Analyze(layout.AudioDir(), len(chunks))
	if afterErr != nil {
		return report, afterErr
	}

	report.After = after

	if !after.Complete || ctx.Err() != nil {
		report.Missing = after.Remaining
		runLog.run.Warn(logFmtPartial, opts.Book, len(after.Remaining), len(chunks), chunkNumbers(after.Remaining))
		report.Elapsed = time.Since(started)

		return report, nil
	}

	finishErr := s.finish(ctx, layout, chunks, meta, report, runLog.run)
	report.Elapsed = time.Since(started)

	return report, finishErr
}

// Combine reassembles and packages a book from the chunk files already on
// disk. Every chunk must exist.
func (s *Service) Combine(ctx context.Context, book string) (*Report, error) {
	layout, layoutErr := s.Layout(book)
	if layoutErr != nil {
		return nil, layoutErr
	}

	lock, lockErr := lockBook(layout)
	if lockErr != nil {
		return nil, lockErr
	}
	defer lock.release()

	chunks, meta, loadErr := chunkstore.Load(layout.ChunkStorePath())
	if loadErr != nil {
		return nil, loadErr
	}

	runLog, closeLogs, logErr := openBookLogs(layout)
	if logErr != nil {
		return nil, logErr
	}
	defer closeLogs()

	started := time.Now()
	report := &Report{RunID: uuid.NewString(), Book: book, Total: len(chunks)}

	finishErr := s.finish(ctx, layout, chunks, meta, report, runLog.run)
	report.Elapsed = time.Since(started)

	var missingErr *reassembly.MissingChunksError
	if errors.As(finishErr, &missingErr) {
		report.Missing = missingErr.Indices
	}

	return report, finishErr
}

func (s *Service) selectJobs(
	chunks []chunkstore.Chunk,
	analysis resume.Analysis,
	start int,
	overwrite bool,
) []worker.Job {
	done := make(map[int]struct{}, len(analysis.Completed))
	for _, index := range analysis.Completed {
		done[index] = struct{}{}
	}

	jobs := make([]worker.Job, 0, len(chunks)-start)

	for _, chunk := range chunks[start:] {
		if _, ok := done[chunk.Index]; ok && !overwrite {
			continue
		}

		jobs = append(jobs, worker.JobFromChunk(chunk, s.settings.Params))
	}

	return jobs
}

func (s *Service) renderJobs(
	ctx context.Context,
	layout chunkdir.Layout,
	runID string,
	jobs []worker.Job,
	total int,
	opts RenderOptions,
	logs *bookLogs,
) (batch.Summary, error) {
	if len(jobs) == 0 {
		return batch.Summary{}, nil
	}

	workers := opts.Workers
	if workers < 1 {
		workers = s.settings.Workers
	}

	voicePath := opts.VoicePath
	if voicePath == "" {
		voicePath = s.settings.VoicePath
	}

	sinks := progress.Multi{progress.NewLogSink(logs.run)}
	if s.deps.Sinks != nil {
		sinks = append(sinks, s.deps.Sinks(layout.Book, runID))
	}

	pool := worker.NewPool(worker.Options{
		Layout:         layout,
		Normalizer:     s.normalizer,
		Quality:        s.settings.Quality,
		AttemptTimeout: s.settings.AttemptTimeout,
		Sink:           progress.Guard(sinks, logs.run),
		Total:          total,
		Log:            logs.run,
		ValidationLog:  logs.validation,
	})

	var transcribers core.TranscriberLoader
	if s.settings.Quality.TranscriptCheck {
		transcribers = s.deps.Transcribers
	}

	manager := batch.NewManager(batch.Options{
		Loader:       s.deps.Loader,
		Transcribers: transcribers,
		Renderer:     pool,
		Size:         s.settings.BatchSize,
		Device:       s.settings.Device,
		VoicePath:    voicePath,
		Workers:      batch.FixedWorkers(workers),
		Log:          logs.run,
	})

	return manager.Run(ctx, jobs)
}

// finish combines, packages and publishes a complete book.
func (s *Service) finish(
	ctx context.Context,
	layout chunkdir.Layout,
	chunks []chunkstore.Chunk,
	meta *chunkstore.Metadata,
	report *Report,
	log *logger.Logger,
) error {
	combiner := reassembly.NewCombiner(s.settings.Silences, log)

	combined, combineErr := combiner.Combine(ctx, layout, chunks, layout.CombinedPath())
	if combineErr != nil {
		return combineErr
	}

	report.Combined = combined

	if s.deps.Packager == nil {
		return nil
	}

	tags := s.tags(layout.Book, meta)
	chapters := reassembly.BuildChapters(combined, chunks, tags.Title)
	container := layout.ContainerPath(s.voiceName(meta))

	packageErr := s.deps.Packager.Package(ctx, combined, tags, chapters, container)
	if packageErr != nil {
		return fmt.Errorf("failed to package %s: %w", layout.Book, packageErr)
	}

	report.Container = container

	if s.deps.Publisher == nil {
		return nil
	}

	location, publishErr := s.deps.Publisher.Publish(
		ctx, publish.Key(s.settings.PublishPrefix, layout.Book, container), container)
	if publishErr != nil {
		return fmt.Errorf("failed to publish %s: %w", layout.Book, publishErr)
	}

	report.Location = location
	log.Info(logFmtPublished, filepath.Base(container), location)

	return nil
}

func (s *Service) tags(book string, meta *chunkstore.Metadata) reassembly.Tags {
	tags := reassembly.Tags{Title: book, Narrator: s.settings.VoiceName}

	if meta != nil {
		if meta.Title != "" {
			tags.Title = meta.Title
		}

		tags.Author = meta.Author

		if !meta.CreatedAt.IsZero() {
			tags.Year = meta.CreatedAt.Format("2006")
		}
	}

	return tags
}

func (s *Service) voiceName(meta *chunkstore.Metadata) string {
	if meta != nil && meta.Voice != "" {
		return meta.Voice
	}

	return s.settings.VoiceName
}

// chunkNumbers lists 0-based indices as the 1-based chunk numbers the logs use.
func chunkNumbers(indices []int) string {
	shown := indices
	if len(shown) > maxListedMissing {
		shown = shown[:maxListedMissing]
	}

	parts := make([]string, 0, len(shown)+1)
	for _, index := range shown {
		parts = append(parts, strconv.Itoa(index+1))
	}

	if len(indices) > len(shown) {
		parts = append(parts, fmt.Sprintf("... %d more", len(indices)-len(shown)))
	}

	return strings.Join(parts, ", ")
}
