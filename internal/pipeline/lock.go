package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/alexflint/go-filemutex"

	"github.com/book-expert/audiobook-pipeline/internal/chunkdir"
	"github.com/book-expert/audiobook-pipeline/internal/chunkstore"
)

// bookLock is an exclusive, cross-process lock on one book.
type bookLock struct {
	mutex *filemutex.FileMutex
}

func lockBook(layout chunkdir.Layout) (*bookLock, error) {
	_, statErr := os.Stat(layout.TTSDir())
	if statErr != nil {
		if errors.Is(statErr, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", chunkstore.ErrStoreNotFound, layout.ChunkStorePath())
		}

		return nil, fmt.Errorf("failed to inspect %s: %w", layout.TTSDir(), statErr)
	}

	mutex, err := filemutex.New(layout.LockPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open lock %s: %w", layout.LockPath(), err)
	}

	lockErr := mutex.TryLock()
	if lockErr != nil {
		_ = mutex.Close()

		if errors.Is(lockErr, filemutex.AlreadyLocked) {
			return nil, fmt.Errorf("%w: %s", ErrBookLocked, layout.Book)
		}

		return nil, fmt.Errorf("failed to lock %s: %w", layout.Book, lockErr)
	}

	return &bookLock{mutex: mutex}, nil
}

func (l *bookLock) release() {
	_ = l.mutex.Unlock()
	_ = l.mutex.Close()
}
