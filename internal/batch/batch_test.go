package batch_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/audiobook-pipeline/internal/audio/audiotest"
	"github.com/book-expert/audiobook-pipeline/internal/batch"
	"github.com/book-expert/audiobook-pipeline/internal/chunkdir"
	"github.com/book-expert/audiobook-pipeline/internal/core"
	"github.com/book-expert/audiobook-pipeline/internal/quality"
	"github.com/book-expert/audiobook-pipeline/internal/worker"
)

var errNoDevice = errors.New("device unavailable")

// timeline records lifecycle events from every fake in order.
type timeline struct {
	mu     sync.Mutex
	events []string
}

func (tl *timeline) add(format string, args ...any) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	tl.events = append(tl.events, fmt.Sprintf(format, args...))
}

func (tl *timeline) snapshot() []string {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	return append([]string(nil), tl.events...)
}

type fakeLoader struct {
	tl      *timeline
	wav     []byte
	failOn  int
	mu      sync.Mutex
	loads   int
	devices []string
}

func (l *fakeLoader) Load(_ context.Context, device string) (core.SynthesisModel, error) {
	l.mu.Lock()
	l.loads++
	generation := l.loads
	l.devices = append(l.devices, device)
	l.mu.Unlock()

	if generation == l.failOn {
		return nil, errNoDevice
	}

	l.tl.add("load %d", generation)

	return &fakeModel{tl: l.tl, generation: generation, wav: l.wav}, nil
}

type fakeModel struct {
	tl         *timeline
	generation int
	wav        []byte
	voice      string
}

func (m *fakeModel) Condition(_ context.Context, voicePath string) error {
	m.voice = voicePath
	m.tl.add("condition %d %s", m.generation, voicePath)

	return nil
}

func (m *fakeModel) Synthesize(context.Context, string, core.TTSParams) ([]byte, error) {
	m.tl.add("synth %d", m.generation)
	time.Sleep(5 * time.Millisecond)

	return m.wav, nil
}

func (m *fakeModel) Close() error {
	time.Sleep(10 * time.Millisecond)
	m.tl.add("close %d", m.generation)

	return nil
}

type fakeTranscribers struct {
	err error
}

func (f fakeTranscribers) Load(context.Context) (core.Transcriber, error) { return nil, f.err }

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "batch-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	return log
}

func makeJobs(indices ...int) []worker.Job {
	jobs := make([]worker.Job, 0, len(indices))
	for _, index := range indices {
		jobs = append(jobs, worker.Job{
			Index:  index,
			Text:   fmt.Sprintf("Sentence number %d reads well.", index),
			Params: core.DefaultTTSParams(),
		})
	}

	return jobs
}

func TestPartition(t *testing.T) {
	t.Parallel()

	jobs := makeJobs(3, 4, 7, 8, 9)

	batches := batch.Partition(jobs, 2)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Equal(t, 9, batches[2][0].Index)

	assert.Len(t, batch.Partition(jobs, 10), 1)
	assert.Len(t, batch.Partition(jobs, 0), 5)
	assert.Empty(t, batch.Partition(nil, 3))
}

func newManager(t *testing.T, loader core.ModelLoader, transcribers core.TranscriberLoader, layout chunkdir.Layout) *batch.Manager {
	t.Helper()

	log := newTestLogger(t)
	pool := worker.NewPool(worker.Options{
		Layout:  layout,
		Quality: quality.DefaultConfig(),
		Total:   10,
		Log:     log,
	})

	return batch.NewManager(batch.Options{
		Loader:       loader,
		Transcribers: transcribers,
		Renderer:     pool,
		Size:         3,
		Device:       "cuda:0",
		VoicePath:    "/voices/narrator.wav",
		Workers:      batch.FixedWorkers(3),
		Log:          log,
	})
}

// Every render of batch N happens after batch N's load and before its
// release, and batch N+1 loads only after batch N released its model.
func TestRun_BatchesNeverOverlap(t *testing.T) {
	t.Parallel()

	wav, err := audiotest.ToneBytes(2)
	require.NoError(t, err)

	tl := &timeline{}
	loader := &fakeLoader{tl: tl, wav: wav}
	layout := chunkdir.NewLayout(t.TempDir(), "book")

	summary, err := newManager(t, loader, nil, layout).Run(context.Background(), makeJobs(0, 1, 2, 3, 4, 5, 6))
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Batches)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, summary.Rendered)
	assert.Empty(t, summary.Failed)
	assert.Equal(t, []string{"cuda:0", "cuda:0", "cuda:0"}, loader.devices)

	events := tl.snapshot()
	expectedSynths := map[int]int{1: 3, 2: 3, 3: 1}

	for generation := 1; generation <= 3; generation++ {
		load := slices.Index(events, fmt.Sprintf("load %d", generation))
		closed := slices.Index(events, fmt.Sprintf("close %d", generation))
		require.GreaterOrEqual(t, load, 0)
		require.Greater(t, closed, load)
		assert.Equal(t, fmt.Sprintf("condition %d /voices/narrator.wav", generation), events[load+1])

		synths := 0

		for position, event := range events {
			if event != fmt.Sprintf("synth %d", generation) {
				continue
			}

			synths++

			assert.Greater(t, position, load)
			assert.Less(t, position, closed)
		}

		assert.Equal(t, expectedSynths[generation], synths)

		if generation < 3 {
			next := slices.Index(events, fmt.Sprintf("load %d", generation+1))
			assert.Greater(t, next, closed, "batch %d loaded before batch %d released", generation+1, generation)
		}
	}
}

func TestRun_LoadFailureAbortsRun(t *testing.T) {
	t.Parallel()

	wav, err := audiotest.ToneBytes(2)
	require.NoError(t, err)

	tl := &timeline{}
	loader := &fakeLoader{tl: tl, wav: wav, failOn: 2}
	layout := chunkdir.NewLayout(t.TempDir(), "book")

	summary, err := newManager(t, loader, nil, layout).Run(context.Background(), makeJobs(0, 1, 2, 3, 4))
	require.ErrorIs(t, err, batch.ErrModelLoad)
	require.ErrorIs(t, err, errNoDevice)
	assert.Equal(t, []int{0, 1, 2}, summary.Rendered)
	assert.Contains(t, tl.snapshot(), "close 1")
}

func TestRun_TranscriberFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	wav, err := audiotest.ToneBytes(2)
	require.NoError(t, err)

	loader := &fakeLoader{tl: &timeline{}, wav: wav}
	layout := chunkdir.NewLayout(t.TempDir(), "book")

	summary, err := newManager(t, loader, fakeTranscribers{err: errors.New("asr down")}, layout).
		Run(context.Background(), makeJobs(0, 1))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, summary.Rendered)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	loader := &fakeLoader{tl: &timeline{}}
	layout := chunkdir.NewLayout(t.TempDir(), "book")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := newManager(t, loader, nil, layout).Run(ctx, makeJobs(0, 1, 2, 3))
	require.NoError(t, err)
	assert.True(t, summary.Cancelled)
	assert.Equal(t, []int{0, 1, 2, 3}, summary.Skipped)
	assert.Zero(t, summary.Batches)
	assert.Zero(t, loader.loads)
}

// brokenRenderer renders its first job and then reports a structural error.
type brokenRenderer struct {
	err error
}

func (r brokenRenderer) Render(
	_ context.Context,
	jobs []worker.Job,
	_ core.SynthesisModel,
	_ core.Transcriber,
	_ int,
) ([]worker.Result, error) {
	results := []worker.Result{{Index: jobs[0].Index, Path: "rendered.wav"}}
	for _, job := range jobs[1:] {
		results = append(results, worker.Result{Index: job.Index, Err: worker.ErrNotSubmitted})
	}

	return results, r.err
}

func TestRun_RendererErrorAbortsRun(t *testing.T) {
	t.Parallel()

	tl := &timeline{}
	loader := &fakeLoader{tl: tl}

	manager := batch.NewManager(batch.Options{
		Loader:   loader,
		Renderer: brokenRenderer{err: worker.ErrAudioDirMissing},
		Size:     2,
		Log:      newTestLogger(t),
	})

	summary, err := manager.Run(context.Background(), makeJobs(0, 1, 2, 3))
	require.ErrorIs(t, err, worker.ErrAudioDirMissing)
	assert.Contains(t, err.Error(), "batch 1")

	assert.Equal(t, []int{0}, summary.Rendered)
	assert.Equal(t, []int{1}, summary.Skipped)
	assert.Zero(t, summary.Batches)
	assert.Equal(t, 1, loader.loads, "second batch never loads")
	assert.Contains(t, tl.snapshot(), "close 1")
}
