// Package chunkdir owns the on-disk layout of a book and the naming of its
// chunk audio files. The audio directory is the source of truth for render
// progress: a chunk is complete exactly when its canonical file exists and
// is non-empty.
package chunkdir

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/book-expert/audiobook-pipeline/internal/fsutil"
)

var (
	// ErrNoRevision indicates that no pending revision exists for a chunk.
	ErrNoRevision = errors.New("no pending revision for chunk")
	// ErrInvalidIndex indicates a negative chunk index.
	ErrInvalidIndex = errors.New("chunk index must not be negative")
)

const (
	ttsDirName         = "TTS"
	textChunksDirName  = "text_chunks"
	audioChunksDirName = "audio_chunks"
	quarantineDirName  = "quarantine"
	revisionsDirName   = "revisions"
	chunkStoreName     = "chunks_info.json"
	lockFileName       = ".render.lock"

	// RunLogName is the per-book run narrative.
	RunLogName = "run.log"
	// ValidationLogName is the per-book record of every validation verdict.
	ValidationLogName = "chunk_validation.log"

	fileNameFormat   = "chunk_%05d.wav"
	revisionFormat   = "chunk_%05d_rev.wav"
	quarantineFormat = "chunk_%05d.attempt%d.wav"
	quarantineGlob   = "chunk_%05d.attempt*.wav"
	archiveFormat    = "chunk_%05d.%s.wav"
	tempFormat       = "chunk_%05d.attempt%d.wav.part"
	archiveStamp     = "20060102T150405.000000000"
)

var (
	canonicalName = regexp.MustCompile(`^chunk_(\d{5,})\.wav$`)
	revisionName  = regexp.MustCompile(`^chunk_(\d{5,})_rev\.wav$`)
)

// FileName returns the canonical file name for a 0-based chunk index.
// Names are 1-based on disk so that chunk_00001.wav is the first chunk.
func FileName(index int) string {
	return fmt.Sprintf(fileNameFormat, index+1)
}

// RevisionName returns the file name a manual re-render is staged under.
func RevisionName(index int) string {
	return fmt.Sprintf(revisionFormat, index+1)
}

// ParseIndex maps a canonical file name back to its 0-based index.
// Revisions, quarantined attempts and temporary files are rejected.
func ParseIndex(name string) (int, bool) {
	match := canonicalName.FindStringSubmatch(name)
	if match == nil {
		return 0, false
	}

	number, err := strconv.Atoi(match[1])
	if err != nil || number < 1 {
		return 0, false
	}

	return number - 1, true
}

// Scan returns the sorted 0-based indices of complete chunks in dir.
// A missing directory is an empty set.
func Scan(dir string) ([]int, error) {
	entries, readErr := os.ReadDir(dir)
	if readErr != nil {
		if errors.Is(readErr, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan %s: %w", dir, readErr)
	}

	indices := make([]int, 0, len(entries))

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		index, ok := ParseIndex(entry.Name())
		if !ok {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil || info.Size() == 0 {
			continue
		}

		indices = append(indices, index)
	}

	sort.Ints(indices)

	return indices, nil
}

// Layout resolves every path belonging to one book under the audiobook root.
type Layout struct {
	Root string
	Book string
}

// NewLayout returns the layout of book under root.
func NewLayout(root, book string) Layout {
	return Layout{Root: root, Book: book}
}

func (l Layout) BookDir() string        { return filepath.Join(l.Root, l.Book) }
func (l Layout) TTSDir() string         { return filepath.Join(l.BookDir(), ttsDirName) }
func (l Layout) TextChunksDir() string  { return filepath.Join(l.TTSDir(), textChunksDirName) }
func (l Layout) ChunkStorePath() string { return filepath.Join(l.TextChunksDir(), chunkStoreName) }
func (l Layout) AudioDir() string       { return filepath.Join(l.TTSDir(), audioChunksDirName) }
func (l Layout) QuarantineDir() string  { return filepath.Join(l.AudioDir(), quarantineDirName) }
func (l Layout) RevisionsDir() string   { return filepath.Join(l.AudioDir(), revisionsDirName) }
func (l Layout) LockPath() string       { return filepath.Join(l.TTSDir(), lockFileName) }

// CombinedPath is the single reassembled WAV for the whole book.
func (l Layout) CombinedPath() string {
	return filepath.Join(l.BookDir(), fsutil.SanitizeFilename(l.Book)+".wav")
}

// ContainerPath is the final chaptered M4B, named <Book>[<voice>].m4b.
func (l Layout) ContainerPath(voice string) string {
	name := l.Book
	if voice != "" {
		name += "[" + voice + "]"
	}

	return filepath.Join(l.BookDir(), fsutil.SanitizeFilename(name)+".m4b")
}

// ChunkPath is the canonical file for index.
func (l Layout) ChunkPath(index int) string {
	return filepath.Join(l.AudioDir(), FileName(index))
}

// RevisionPath is the staged revision file for index.
func (l Layout) RevisionPath(index int) string {
	return filepath.Join(l.AudioDir(), RevisionName(index))
}

// TempPath is where an attempt is written before it is validated. It lives in
// the audio directory so that Commit is a same-filesystem rename.
func (l Layout) TempPath(index, attempt int) string {
	return filepath.Join(l.AudioDir(), fmt.Sprintf(tempFormat, index+1, attempt))
}

// EnsureDirs creates the audio, quarantine and revisions directories.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.AudioDir(), l.QuarantineDir(), l.RevisionsDir()} {
		err := fsutil.EnsureDir(dir)
		if err != nil {
			return err
		}
	}

	return nil
}

// Completed scans the book's audio directory.
func (l Layout) Completed() ([]int, error) {
	return Scan(l.AudioDir())
}

// Commit atomically moves a validated attempt to the canonical path.
func (l Layout) Commit(tempPath string, index int) (string, error) {
	if index < 0 {
		return "", ErrInvalidIndex
	}

	target := l.ChunkPath(index)

	err := os.Rename(tempPath, target)
	if err != nil {
		return "", fmt.Errorf("failed to commit chunk %d: %w", index, err)
	}

	return target, nil
}

// Quarantine moves a rejected attempt out of the canonical namespace so that
// it is kept for inspection but never counted as complete.
func (l Layout) Quarantine(srcPath string, index, attempt int) (string, error) {
	if index < 0 {
		return "", ErrInvalidIndex
	}

	ensureErr := fsutil.EnsureDir(l.QuarantineDir())
	if ensureErr != nil {
		return "", ensureErr
	}

	target := l.quarantineTarget(index, attempt)

	err := os.Rename(srcPath, target)
	if err != nil {
		return "", fmt.Errorf("failed to quarantine chunk %d attempt %d: %w", index, attempt, err)
	}

	return target, nil
}

// quarantineTarget returns the first free attempt slot at or after attempt.
// Renders kept by earlier runs of the same chunk are never replaced.
func (l Layout) quarantineTarget(index, attempt int) string {
	for number := max(attempt, 1); ; number++ {
		target := filepath.Join(l.QuarantineDir(), fmt.Sprintf(quarantineFormat, index+1, number))

		_, statErr := os.Lstat(target)
		if statErr != nil {
			return target
		}
	}
}

// QuarantinedAttempts lists the quarantined files kept for index.
func (l Layout) QuarantinedAttempts(index int) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(l.QuarantineDir(), fmt.Sprintf(quarantineGlob, index+1)))
	if err != nil {
		return nil, fmt.Errorf("failed to list quarantine for chunk %d: %w", index, err)
	}

	sort.Strings(matches)

	return matches, nil
}

// AcceptRevision promotes a staged revision to canonical. The previous
// canonical file, if any, is archived first. Readers of the canonical path
// see either the old or the new audio.
func (l Layout) AcceptRevision(index int) (string, error) {
	if index < 0 {
		return "", ErrInvalidIndex
	}

	revision := l.RevisionPath(index)

	_, statErr := os.Stat(revision)
	if statErr != nil {
		if errors.Is(statErr, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNoRevision, FileName(index))
		}

		return "", fmt.Errorf("failed to inspect revision for chunk %d: %w", index, statErr)
	}

	canonical := l.ChunkPath(index)

	var archived string

	_, currentErr := os.Stat(canonical)
	if currentErr == nil {
		archived = filepath.Join(
			l.RevisionsDir(),
			fmt.Sprintf(archiveFormat, index+1, time.Now().UTC().Format(archiveStamp)),
		)

		copyErr := fsutil.CopyFileAtomic(canonical, archived)
		if copyErr != nil {
			return "", fmt.Errorf("failed to archive chunk %d: %w", index, copyErr)
		}
	}

	renameErr := os.Rename(revision, canonical)
	if renameErr != nil {
		return "", fmt.Errorf("failed to promote revision for chunk %d: %w", index, renameErr)
	}

	return archived, nil
}

// PendingRevisions returns the sorted indices with a staged revision.
func (l Layout) PendingRevisions() ([]int, error) {
	entries, readErr := os.ReadDir(l.AudioDir())
	if readErr != nil {
		if errors.Is(readErr, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan %s: %w", l.AudioDir(), readErr)
	}

	var indices []int

	for _, entry := range entries {
		match := revisionName.FindStringSubmatch(entry.Name())
		if match == nil || !entry.Type().IsRegular() {
			continue
		}

		number, err := strconv.Atoi(match[1])
		if err == nil && number > 0 {
			indices = append(indices, number-1)
		}
	}

	sort.Ints(indices)

	return indices, nil
}
