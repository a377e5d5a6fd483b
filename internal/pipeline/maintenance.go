package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/fsnotify/fsnotify"

	"github.com/book-expert/audiobook-pipeline/internal/chunkdir"
	"github.com/book-expert/audiobook-pipeline/internal/chunkstore"
	"github.com/book-expert/audiobook-pipeline/internal/fsutil"
	"github.com/book-expert/audiobook-pipeline/internal/resume"
)

const (
	watchDebounce      = 250 * time.Millisecond
	logFmtAccepted     = "Accepted revision for chunk %d (previous audio archived at %q)"
	logFmtEdited       = "Edited text of chunk %d (%d words); its audio is stale until re-rendered"
	logFmtWatchFailure = "Status refresh for %q failed: %v"
)

type bookLogs struct {
	run        *logger.Logger
	validation *logger.Logger
}

func openBookLogs(layout chunkdir.Layout) (*bookLogs, func(), error) {
	ensureErr := fsutil.EnsureDir(layout.BookDir())
	if ensureErr != nil {
		return nil, nil, ensureErr
	}

	run, runErr := logger.New(layout.BookDir(), chunkdir.RunLogName)
	if runErr != nil {
		return nil, nil, fmt.Errorf("failed to open run log: %w", runErr)
	}

	validation, validationErr := logger.New(layout.BookDir(), chunkdir.ValidationLogName)
	if validationErr != nil {
		_ = run.Close()

		return nil, nil, fmt.Errorf("failed to open validation log: %w", validationErr)
	}

	closeAll := func() {
		_ = validation.Close()
		_ = run.Close()
	}

	return &bookLogs{run: run, validation: validation}, closeAll, nil
}

// Status is the current state of a book on disk.
type Status struct {
	Book      string
	Analysis  resume.Analysis
	Revisions []int
}

// Status analyses a book without locking it.
func (s *Service) Status(book string) (Status, error) {
	layout, layoutErr := s.Layout(book)
	if layoutErr != nil {
		return Status{}, layoutErr
	}

	chunks, _, loadErr := chunkstore.Load(layout.ChunkStorePath())
	if loadErr != nil {
		return Status{}, loadErr
	}

	analysis, analyzeErr := resume.Analyze(layout.AudioDir(), len(chunks))
	if analyzeErr != nil {
		return Status{}, analyzeErr
	}

	revisions, revisionErr := layout.PendingRevisions()
	if revisionErr != nil {
		return Status{}, revisionErr
	}

	return Status{Book: book, Analysis: analysis, Revisions: revisions}, nil
}

// Watch calls fn with the book's status now and after every burst of changes
// in its audio directory, until ctx is done.
func (s *Service) Watch(ctx context.Context, book string, fn func(Status)) error {
	layout, layoutErr := s.Layout(book)
	if layoutErr != nil {
		return layoutErr
	}

	status, statusErr := s.Status(book)
	if statusErr != nil {
		return statusErr
	}

	fn(status)

	ensureErr := layout.EnsureDirs()
	if ensureErr != nil {
		return ensureErr
	}

	watcher, watcherErr := fsnotify.NewWatcher()
	if watcherErr != nil {
		return fmt.Errorf("failed to create watcher: %w", watcherErr)
	}
	defer watcher.Close()

	addErr := watcher.Add(layout.AudioDir())
	if addErr != nil {
		return fmt.Errorf("failed to watch %s: %w", layout.AudioDir(), addErr)
	}

	debounce := time.NewTimer(watchDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Write) {
				debounce.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			s.deps.Log.Warn(logFmtWatchFailure, book, err)
		case <-debounce.C:
			refreshed, refreshErr := s.Status(book)
			if refreshErr != nil {
				s.deps.Log.Warn(logFmtWatchFailure, book, refreshErr)

				continue
			}

			fn(refreshed)
		}
	}
}

// AcceptRevision promotes the staged revision of a 1-based chunk number.
func (s *Service) AcceptRevision(book string, number int) (string, error) {
	layout, chunks, _, release, err := s.openForEdit(book)
	if err != nil {
		return "", err
	}
	defer release()

	index, pointErr := resume.ValidatePoint(number, len(chunks))
	if pointErr != nil {
		return "", pointErr
	}

	archived, acceptErr := layout.AcceptRevision(index)
	if acceptErr != nil {
		return "", acceptErr
	}

	s.deps.Log.Info(logFmtAccepted, number, archived)

	return archived, nil
}

// EditChunk replaces the text of a 1-based chunk number in the chunk store.
// Existing audio for the chunk is left in place.
func (s *Service) EditChunk(book string, number int, replacement string) error {
	layout, chunks, meta, release, err := s.openForEdit(book)
	if err != nil {
		return err
	}
	defer release()

	index, pointErr := resume.ValidatePoint(number, len(chunks))
	if pointErr != nil {
		return pointErr
	}

	updateErr := chunkstore.UpdateText(chunks, index, replacement)
	if updateErr != nil {
		return updateErr
	}

	saveErr := chunkstore.Save(layout.ChunkStorePath(), chunks, meta)
	if saveErr != nil {
		return saveErr
	}

	s.deps.Log.Info(logFmtEdited, number, chunks[index].WordCount)

	return nil
}

// openForEdit locks book and loads its chunk store. The caller must call
// the returned release.
func (s *Service) openForEdit(
	book string,
) (chunkdir.Layout, []chunkstore.Chunk, *chunkstore.Metadata, func(), error) {
	layout, layoutErr := s.Layout(book)
	if layoutErr != nil {
		return chunkdir.Layout{}, nil, nil, nil, layoutErr
	}

	lock, lockErr := lockBook(layout)
	if lockErr != nil {
		return chunkdir.Layout{}, nil, nil, nil, lockErr
	}

	chunks, meta, loadErr := chunkstore.Load(layout.ChunkStorePath())
	if loadErr != nil {
		lock.release()

		return chunkdir.Layout{}, nil, nil, nil, loadErr
	}

	return layout, chunks, meta, lock.release, nil
}
