package chunkdir_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/book-expert/audiobook-pipeline/internal/chunkdir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestFileNameRoundTrip(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "chunk_00001.wav", chunkdir.FileName(0))
	assert.Equal(t, "chunk_00042_rev.wav", chunkdir.RevisionName(41))

	for _, index := range []int{0, 1, 9, 99, 12345, 150000} {
		parsed, ok := chunkdir.ParseIndex(chunkdir.FileName(index))
		require.True(t, ok)
		assert.Equal(t, index, parsed)
	}
}

func TestParseIndex_RejectsNonCanonical(t *testing.T) {
	t.Parallel()

	for _, name := range []string{
		"chunk_00003_rev.wav",
		"chunk_00003.attempt1.wav",
		"chunk_00003.attempt1.wav.part",
		"chunk_00000.wav",
		"chunk_3.wav",
		"notes.txt",
		"chunk_00003.wav.bak",
	} {
		_, ok := chunkdir.ParseIndex(name)
		assert.False(t, ok, name)
	}
}

func TestContainerPath(t *testing.T) {
	t.Parallel()

	layout := chunkdir.NewLayout("/books", "Moby Dick")

	assert.Equal(t, filepath.Join(layout.BookDir(), "Moby Dick[narrator].m4b"), layout.ContainerPath("narrator"))
	assert.Equal(t, filepath.Join(layout.BookDir(), "Moby Dick.m4b"), layout.ContainerPath(""))
	assert.Equal(t, filepath.Join(layout.BookDir(), "Moby Dick[a_b].m4b"), layout.ContainerPath("a/b"))
}

func TestScan(t *testing.T) {
	t.Parallel()

	layout := chunkdir.NewLayout(t.TempDir(), "book")
	require.NoError(t, layout.EnsureDirs())

	writeFile(t, layout.ChunkPath(0), []byte("a"))
	writeFile(t, layout.ChunkPath(2), []byte("c"))
	writeFile(t, layout.ChunkPath(1), nil)
	writeFile(t, layout.RevisionPath(3), []byte("rev"))
	writeFile(t, filepath.Join(layout.QuarantineDir(), "chunk_00005.attempt1.wav"), []byte("q"))

	indices, err := layout.Completed()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, indices)
}

func TestScan_MissingDirectory(t *testing.T) {
	t.Parallel()

	indices, err := chunkdir.Scan(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, indices)
}

func TestCommitAndQuarantine(t *testing.T) {
	t.Parallel()

	layout := chunkdir.NewLayout(t.TempDir(), "book")
	require.NoError(t, layout.EnsureDirs())

	first := layout.TempPath(4, 1)
	writeFile(t, first, []byte("bad"))
	quarantined, err := layout.Quarantine(first, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, "chunk_00005.attempt1.wav", filepath.Base(quarantined))

	second := layout.TempPath(4, 2)
	writeFile(t, second, []byte("good"))
	committed, err := layout.Commit(second, 4)
	require.NoError(t, err)
	assert.Equal(t, layout.ChunkPath(4), committed)

	attempts, err := layout.QuarantinedAttempts(4)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)

	indices, err := layout.Completed()
	require.NoError(t, err)
	assert.Equal(t, []int{4}, indices)
}

func TestQuarantine_KeepsEarlierRuns(t *testing.T) {
	t.Parallel()

	layout := chunkdir.NewLayout(t.TempDir(), "book")
	require.NoError(t, layout.EnsureDirs())

	var kept []string

	for run := range 2 {
		for attempt := 1; attempt <= 2; attempt++ {
			temp := layout.TempPath(4, attempt)
			writeFile(t, temp, fmt.Appendf(nil, "run %d attempt %d", run, attempt))

			quarantined, err := layout.Quarantine(temp, 4, attempt)
			require.NoError(t, err)

			kept = append(kept, filepath.Base(quarantined))
		}
	}

	assert.Equal(t, []string{
		"chunk_00005.attempt1.wav",
		"chunk_00005.attempt2.wav",
		"chunk_00005.attempt3.wav",
		"chunk_00005.attempt4.wav",
	}, kept)

	attempts, err := layout.QuarantinedAttempts(4)
	require.NoError(t, err)
	require.Len(t, attempts, 4)

	first, err := os.ReadFile(attempts[0])
	require.NoError(t, err)
	assert.Equal(t, "run 0 attempt 1", string(first))
}

func TestAcceptRevision_NoRevision(t *testing.T) {
	t.Parallel()

	layout := chunkdir.NewLayout(t.TempDir(), "book")
	require.NoError(t, layout.EnsureDirs())

	_, err := layout.AcceptRevision(2)
	require.ErrorIs(t, err, chunkdir.ErrNoRevision)
}

func TestAcceptRevision_ArchivesAndPromotes(t *testing.T) {
	t.Parallel()

	layout := chunkdir.NewLayout(t.TempDir(), "book")
	require.NoError(t, layout.EnsureDirs())
	writeFile(t, layout.ChunkPath(2), []byte("old"))
	writeFile(t, layout.RevisionPath(2), []byte("new"))

	archived, err := layout.AcceptRevision(2)
	require.NoError(t, err)

	current, err := os.ReadFile(layout.ChunkPath(2))
	require.NoError(t, err)
	assert.Equal(t, "new", string(current))

	previous, err := os.ReadFile(archived)
	require.NoError(t, err)
	assert.Equal(t, "old", string(previous))

	_, statErr := os.Stat(layout.RevisionPath(2))
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestPendingRevisions(t *testing.T) {
	t.Parallel()

	layout := chunkdir.NewLayout(t.TempDir(), "book")

	pending, err := layout.PendingRevisions()
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, layout.EnsureDirs())
	writeFile(t, layout.RevisionPath(9), []byte("rev"))
	writeFile(t, layout.RevisionPath(0), []byte("rev"))
	writeFile(t, layout.ChunkPath(3), []byte("audio"))

	pending, err = layout.PendingRevisions()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 9}, pending)
}

// A concurrent reader of the canonical path must never see a mix of the old
// and new audio or an empty file while a revision is promoted.
func TestAcceptRevision_ReadersSeeWholeFile(t *testing.T) {
	t.Parallel()

	layout := chunkdir.NewLayout(t.TempDir(), "book")
	require.NoError(t, layout.EnsureDirs())

	oldAudio := bytes.Repeat([]byte{'o'}, 64*1024)
	newAudio := bytes.Repeat([]byte{'n'}, 96*1024)
	writeFile(t, layout.ChunkPath(7), oldAudio)
	writeFile(t, layout.RevisionPath(7), newAudio)

	var (
		stop    atomic.Bool
		torn    atomic.Int64
		reads   atomic.Int64
		waiting sync.WaitGroup
	)

	for range 4 {
		waiting.Add(1)

		go func() {
			defer waiting.Done()

			for !stop.Load() {
				data, err := os.ReadFile(layout.ChunkPath(7))
				reads.Add(1)

				if err != nil || !(bytes.Equal(data, oldAudio) || bytes.Equal(data, newAudio)) {
					torn.Add(1)
				}
			}
		}()
	}

	for reads.Load() < 20 {
		runtime.Gosched()
	}

	_, err := layout.AcceptRevision(7)
	require.NoError(t, err)

	for start := reads.Load(); reads.Load() < start+20; {
		runtime.Gosched()
	}

	stop.Store(true)
	waiting.Wait()

	assert.Zero(t, torn.Load())

	data, err := os.ReadFile(layout.ChunkPath(7))
	require.NoError(t, err)
	assert.Equal(t, newAudio, data)
}
