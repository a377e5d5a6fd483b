package worker_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/audiobook-pipeline/internal/audio/audiotest"
	"github.com/book-expert/audiobook-pipeline/internal/chunkdir"
	"github.com/book-expert/audiobook-pipeline/internal/core"
	"github.com/book-expert/audiobook-pipeline/internal/progress"
	"github.com/book-expert/audiobook-pipeline/internal/quality"
	"github.com/book-expert/audiobook-pipeline/internal/tts/text"
	"github.com/book-expert/audiobook-pipeline/internal/worker"
)

var errTransient = errors.New("transient inference failure")

type synthFunc func(rendered string, params core.TTSParams, call int) ([]byte, error)

// fakeModel renders through fn and counts calls per text.
type fakeModel struct {
	fn synthFunc

	mu     sync.Mutex
	calls  map[string]int
	params map[string][]core.TTSParams

	active    atomic.Int32
	maxActive atomic.Int32
	delay     time.Duration
}

func newFakeModel(fn synthFunc) *fakeModel {
	return &fakeModel{fn: fn, calls: map[string]int{}, params: map[string][]core.TTSParams{}}
}

func (m *fakeModel) Condition(context.Context, string) error { return nil }
func (m *fakeModel) Close() error                            { return nil }

func (m *fakeModel) Synthesize(_ context.Context, rendered string, params core.TTSParams) ([]byte, error) {
	current := m.active.Add(1)
	defer m.active.Add(-1)

	for {
		seen := m.maxActive.Load()
		if current <= seen || m.maxActive.CompareAndSwap(seen, current) {
			break
		}
	}

	m.mu.Lock()
	m.calls[rendered]++
	call := m.calls[rendered]
	m.params[rendered] = append(m.params[rendered], params)
	m.mu.Unlock()

	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	return m.fn(rendered, params, call)
}

func (m *fakeModel) paramsFor(rendered string) []core.TTSParams {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]core.TTSParams(nil), m.params[rendered]...)
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	return log
}

func fixtures(t *testing.T) (tone, silence []byte) {
	t.Helper()

	tone, err := audiotest.ToneBytes(2)
	require.NoError(t, err)

	silence, err = audiotest.SilenceBytes(2)
	require.NoError(t, err)

	return tone, silence
}

func makeJobs(count int) []worker.Job {
	jobs := make([]worker.Job, 0, count)
	for index := range count {
		jobs = append(jobs, worker.Job{
			Index:  index,
			Text:   fmt.Sprintf("This is chunk %d of the book.", index),
			Params: core.DefaultTTSParams(),
		})
	}

	return jobs
}

func newPool(t *testing.T, layout chunkdir.Layout, cfg quality.Config, sink core.ProgressSink) *worker.Pool {
	t.Helper()

	return worker.NewPool(worker.Options{
		Layout:  layout,
		Quality: cfg,
		Sink:    sink,
		Total:   10,
		Log:     newTestLogger(t),
	})
}

func TestRender_CommitsEveryChunk(t *testing.T) {
	t.Parallel()

	tone, _ := fixtures(t)
	layout := chunkdir.NewLayout(t.TempDir(), "book")
	model := newFakeModel(func(string, core.TTSParams, int) ([]byte, error) { return tone, nil })
	model.delay = 20 * time.Millisecond
	sink := progress.NewChannelSink(16)

	results, renderErr := newPool(t, layout, quality.DefaultConfig(), sink).
		Render(context.Background(), makeJobs(6), model, nil, 3)
	require.NoError(t, renderErr)

	require.Len(t, results, 6)

	for index, result := range results {
		assert.Equal(t, index, result.Index)
		require.True(t, result.OK(), "chunk %d: %v", index, result.Err)
		assert.Equal(t, layout.ChunkPath(index), result.Path)
		assert.Equal(t, 1, result.Attempts)
		assert.InDelta(t, 2.0, result.Audio.Seconds(), 0.01)
	}

	completed, err := layout.Completed()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, completed)

	assert.LessOrEqual(t, model.maxActive.Load(), int32(3))
	assert.Greater(t, model.maxActive.Load(), int32(1))
	assert.Len(t, sink.Updates(), 6)
}

func TestRender_QuarantinesEveryFailedAttempt(t *testing.T) {
	t.Parallel()

	tone, silence := fixtures(t)
	layout := chunkdir.NewLayout(t.TempDir(), "book")
	jobs := makeJobs(6)
	broken := text.NewNormalizer().Normalize(jobs[4].Text)

	model := newFakeModel(func(rendered string, _ core.TTSParams, _ int) ([]byte, error) {
		if rendered == broken {
			return silence, nil
		}

		return tone, nil
	})

	cfg := quality.DefaultConfig()
	cfg.MaxAttempts = 2

	sink := progress.NewChannelSink(16)
	results, renderErr := newPool(t, layout, cfg, sink).Render(context.Background(), jobs, model, nil, 2)
	require.NoError(t, renderErr)

	failed := results[4]
	assert.False(t, failed.OK())
	assert.Equal(t, 2, failed.Attempts)
	assert.Len(t, failed.Quarantined, 2)
	require.ErrorIs(t, failed.Err, worker.ErrRejected)
	assert.False(t, failed.Decision.Pass)

	_, statErr := os.Stat(layout.ChunkPath(4))
	require.ErrorIs(t, statErr, os.ErrNotExist)

	attempts, err := layout.QuarantinedAttempts(4)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)

	completed, err := layout.Completed()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 5}, completed)

	secondAttempt := model.paramsFor(broken)
	require.Len(t, secondAttempt, 2)
	assert.Equal(t, quality.Perturb(core.DefaultTTSParams(), 2), secondAttempt[1])

	require.Len(t, sink.Updates(), 6)

	for range 6 {
		update := <-sink.Updates()
		assert.Equal(t, update.Index == 4, update.Failed, "chunk %d", update.Index)
	}
}

func TestRender_KeepsClippedRenderWithSofterParams(t *testing.T) {
	t.Parallel()

	tone, _ := fixtures(t)
	hot, err := audiotest.ClippedBytes(2)
	require.NoError(t, err)

	layout := chunkdir.NewLayout(t.TempDir(), "book")
	jobs := makeJobs(3)
	clipped := text.NewNormalizer().Normalize(jobs[1].Text)

	model := newFakeModel(func(rendered string, _ core.TTSParams, _ int) ([]byte, error) {
		if rendered == clipped {
			return hot, nil
		}

		return tone, nil
	})

	results, renderErr := newPool(t, layout, quality.DefaultConfig(), nil).Render(context.Background(), jobs, model, nil, 1)
	require.NoError(t, renderErr)

	kept := results[1]
	require.True(t, kept.OK(), "a warning never fails the chunk")
	assert.Equal(t, 1, kept.Attempts)
	assert.Empty(t, kept.Quarantined)
	require.NotNil(t, kept.Adjusted)
	assert.Less(t, kept.Adjusted.Exaggeration, jobs[1].Params.Exaggeration)

	assert.Nil(t, results[0].Adjusted)
	assert.Nil(t, results[2].Adjusted)
}

func TestRender_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	tone, _ := fixtures(t)
	layout := chunkdir.NewLayout(t.TempDir(), "book")

	model := newFakeModel(func(_ string, _ core.TTSParams, call int) ([]byte, error) {
		if call == 1 {
			return nil, errTransient
		}

		return tone, nil
	})

	results, renderErr := newPool(t, layout, quality.DefaultConfig(), nil).
		Render(context.Background(), makeJobs(2), model, nil, 2)
	require.NoError(t, renderErr)

	for _, result := range results {
		require.True(t, result.OK(), result.Err)
		assert.Equal(t, 2, result.Attempts)
		assert.Empty(t, result.Quarantined)
	}
}

func TestRender_NoRegenerationMeansOneAttempt(t *testing.T) {
	t.Parallel()

	layout := chunkdir.NewLayout(t.TempDir(), "book")
	model := newFakeModel(func(string, core.TTSParams, int) ([]byte, error) { return nil, errTransient })

	cfg := quality.DefaultConfig()
	cfg.Regenerate = false

	results, renderErr := newPool(t, layout, cfg, nil).Render(context.Background(), makeJobs(1), model, nil, 1)
	require.NoError(t, renderErr)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Attempts)
	require.ErrorIs(t, results[0].Err, errTransient)
}

func TestRender_EmptyTextFails(t *testing.T) {
	t.Parallel()

	tone, _ := fixtures(t)
	layout := chunkdir.NewLayout(t.TempDir(), "book")
	model := newFakeModel(func(string, core.TTSParams, int) ([]byte, error) { return tone, nil })

	jobs := []worker.Job{{Index: 0, Text: "   ", Params: core.DefaultTTSParams()}}
	results, renderErr := newPool(t, layout, quality.DefaultConfig(), nil).Render(context.Background(), jobs, model, nil, 1)
	require.NoError(t, renderErr)

	require.ErrorIs(t, results[0].Err, worker.ErrEmptyText)
	assert.Zero(t, results[0].Attempts)
}

func TestRender_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	tone, _ := fixtures(t)
	layout := chunkdir.NewLayout(t.TempDir(), "book")
	jobs := makeJobs(3)

	model := newFakeModel(func(rendered string, _ core.TTSParams, _ int) ([]byte, error) {
		if strings.Contains(rendered, "one of") {
			panic("kernel crashed")
		}

		return tone, nil
	})

	results, renderErr := newPool(t, layout, quality.DefaultConfig(), nil).Render(context.Background(), jobs, model, nil, 2)
	require.NoError(t, renderErr)

	require.ErrorIs(t, results[1].Err, worker.ErrRenderPanic)
	assert.True(t, results[0].OK())
	assert.True(t, results[2].OK())
}

func TestRender_StopsWhenAudioDirectoryDisappears(t *testing.T) {
	t.Parallel()

	tone, _ := fixtures(t)
	layout := chunkdir.NewLayout(t.TempDir(), "book")

	model := newFakeModel(func(string, core.TTSParams, int) ([]byte, error) {
		_ = os.RemoveAll(layout.AudioDir())

		return tone, nil
	})

	results, err := newPool(t, layout, quality.DefaultConfig(), nil).
		Render(context.Background(), makeJobs(3), model, nil, 1)
	require.ErrorIs(t, err, worker.ErrAudioDirMissing)
	require.Len(t, results, 3)

	require.ErrorIs(t, results[0].Err, worker.ErrAudioDirMissing)
	assert.Equal(t, 1, results[0].Attempts, "no retries into a missing directory")

	for _, result := range results[1:] {
		require.ErrorIs(t, result.Err, worker.ErrNotSubmitted)
	}
}

func TestRender_CancellationStopsSubmission(t *testing.T) {
	t.Parallel()

	tone, _ := fixtures(t)
	layout := chunkdir.NewLayout(t.TempDir(), "book")

	started := make(chan struct{})
	release := make(chan struct{})

	var once sync.Once

	model := newFakeModel(func(string, core.TTSParams, int) ([]byte, error) {
		once.Do(func() {
			close(started)
			<-release
		})

		return tone, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan []worker.Result, 1)
	pool := newPool(t, layout, quality.DefaultConfig(), nil)

	go func() {
		results, _ := pool.Render(ctx, makeJobs(5), model, nil, 1)
		done <- results
	}()

	<-started
	cancel()
	time.Sleep(100 * time.Millisecond)
	close(release)

	results := <-done
	require.Len(t, results, 5)
	assert.True(t, results[0].OK(), "in-flight chunk must finish")

	for _, result := range results[1:] {
		require.ErrorIs(t, result.Err, worker.ErrNotSubmitted)
	}

	completed, err := layout.Completed()
	require.NoError(t, err)
	assert.Equal(t, []int{0}, completed)
}
