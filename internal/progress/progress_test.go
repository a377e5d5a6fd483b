package progress_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/audiobook-pipeline/internal/core"
	"github.com/book-expert/audiobook-pipeline/internal/progress"
)

type panickingSink struct{}

func (panickingSink) Report(core.Progress) { panic("observer exploded") }

type recordingSink struct {
	seen []int
}

func (r *recordingSink) Report(p core.Progress) { r.seen = append(r.seen, p.Index) }

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "progress-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	return log
}

func TestChannelSink_DropsWhenFull(t *testing.T) {
	t.Parallel()

	sink := progress.NewChannelSink(2)

	done := make(chan struct{})
	go func() {
		for index := range 10 {
			sink.Report(core.Progress{Index: index, Total: 10})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Report blocked on a full channel")
	}

	assert.Equal(t, 0, (<-sink.Updates()).Index)
	assert.Equal(t, 1, (<-sink.Updates()).Index)
	assert.Empty(t, sink.Updates())
}

func TestGuard_SwallowsPanics(t *testing.T) {
	t.Parallel()

	recorder := &recordingSink{}
	sink := progress.Multi{
		progress.Guard(panickingSink{}, newTestLogger(t)),
		recorder,
		progress.Discard{},
	}

	assert.NotPanics(t, func() {
		sink.Report(core.Progress{Index: 3, Total: 5})
	})
	assert.Equal(t, []int{3}, recorder.seen)
}

func TestLogSink(t *testing.T) {
	t.Parallel()

	sink := progress.NewLogSink(newTestLogger(t))
	assert.NotPanics(t, func() {
		sink.Report(core.Progress{Index: 0, Total: 1, Elapsed: time.Second, RealtimeFactor: 2.5, MemoryUsed: 1 << 20})
		sink.Report(core.Progress{Index: 0, Total: 1, Failed: true})
	})
}

func TestMemoryUsed(t *testing.T) {
	t.Parallel()

	assert.Positive(t, progress.MemoryUsed())
}

func TestNATSSink_PublishesChunkEvents(t *testing.T) {
	t.Parallel()

	opts := test.DefaultTestOptions
	opts.Port = -1
	server := test.RunServer(&opts)
	defer server.Shutdown()

	conn, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer conn.Close()

	sub, err := conn.SubscribeSync("audiobook.progress")
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	sink := progress.NewNATSSink(conn, "audiobook.progress", "run-1", "dune", newTestLogger(t))
	sink.Report(core.Progress{Index: 3, Total: 12, Failed: true})
	sink.Report(core.Progress{Index: 4, Total: 12})
	require.NoError(t, conn.Flush())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var event events.AudioChunkCreatedEvent
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, "run-1", event.Header.WorkflowID)
	assert.NotEmpty(t, event.Header.EventID)
	assert.Equal(t, "dune/chunk_00005.wav", event.AudioKey)
	assert.Equal(t, 5, event.PageNumber)
	assert.Equal(t, 12, event.TotalPages)

	_, err = sub.NextMsg(200 * time.Millisecond)
	require.ErrorIs(t, err, nats.ErrTimeout, "a failed chunk is never announced as created")
}
