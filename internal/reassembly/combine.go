// Package reassembly turns a book's chunk files into one audiobook: the
// chunks are concatenated in index order with structural silence between
// them, then transcoded into a chaptered container.
package reassembly

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/audiobook-pipeline/internal/audio"
	"github.com/book-expert/audiobook-pipeline/internal/chunkdir"
	"github.com/book-expert/audiobook-pipeline/internal/chunkstore"
	"github.com/book-expert/audiobook-pipeline/internal/fsutil"
)

// ErrMissingChunks indicates that reassembly found absent chunk files.
var ErrMissingChunks = errors.New("missing chunk files")

// MissingChunksError lists every 0-based index without a complete file.
type MissingChunksError struct {
	Indices []int
	Total   int
}

func (e *MissingChunksError) Error() string {
	numbers := make([]string, 0, len(e.Indices))
	for _, index := range e.Indices {
		numbers = append(numbers, fmt.Sprint(index))
	}

	return fmt.Sprintf("%s: %d of %d absent (indices %s)",
		ErrMissingChunks, len(e.Indices), e.Total, strings.Join(numbers, ", "))
}

func (e *MissingChunksError) Unwrap() error {
	return ErrMissingChunks
}

// SilenceMap gives the pause inserted after a chunk for each boundary.
type SilenceMap map[chunkstore.Boundary]time.Duration

// DefaultSilences are tuned for narrated prose.
func DefaultSilences() SilenceMap {
	return SilenceMap{
		chunkstore.BoundaryNone:         0,
		chunkstore.BoundaryComma:        150 * time.Millisecond,
		chunkstore.BoundaryDash:         200 * time.Millisecond,
		chunkstore.BoundaryColon:        250 * time.Millisecond,
		chunkstore.BoundarySemicolon:    300 * time.Millisecond,
		chunkstore.BoundaryPeriod:       400 * time.Millisecond,
		chunkstore.BoundaryQuestion:     450 * time.Millisecond,
		chunkstore.BoundaryExclamation:  450 * time.Millisecond,
		chunkstore.BoundaryEllipsis:     500 * time.Millisecond,
		chunkstore.BoundaryParagraphEnd: 600 * time.Millisecond,
		chunkstore.BoundarySectionBreak: time.Second,
		chunkstore.BoundaryChapterStart: 1500 * time.Millisecond,
		chunkstore.BoundaryChapterEnd:   2 * time.Second,
	}
}

// WithOverrides returns a copy of m with the given boundaries replaced.
// Unknown boundary names are ignored.
func (m SilenceMap) WithOverrides(seconds map[string]float64) SilenceMap {
	merged := make(SilenceMap, len(m))
	for boundary, pause := range m {
		merged[boundary] = pause
	}

	for name, value := range seconds {
		boundary := chunkstore.Boundary(name)
		if boundary.Valid() && value >= 0 {
			merged[boundary] = time.Duration(value * float64(time.Second))
		}
	}

	return merged
}

// Segment locates one chunk inside the combined audio.
type Segment struct {
	Index    int
	Boundary chunkstore.Boundary
	Offset   time.Duration
	Duration time.Duration
}

// Combined describes a reassembled WAV.
type Combined struct {
	Path     string
	Format   audio.Format
	Duration time.Duration
	Segments []Segment
}

// Combiner concatenates chunk files.
type Combiner struct {
	silences SilenceMap
	log      *logger.Logger
}

// NewCombiner returns a combiner inserting silences between chunks.
func NewCombiner(silences SilenceMap, log *logger.Logger) *Combiner {
	if silences == nil {
		silences = DefaultSilences()
	}

	return &Combiner{silences: silences, log: log}
}

// Missing returns every index in [0, len(chunks)) without a complete file.
func Missing(layout chunkdir.Layout, total int) ([]int, error) {
	completed, err := layout.Completed()
	if err != nil {
		return nil, err
	}

	present := make(map[int]struct{}, len(completed))
	for _, index := range completed {
		present[index] = struct{}{}
	}

	var missing []int

	for index := range total {
		if _, ok := present[index]; !ok {
			missing = append(missing, index)
		}
	}

	return missing, nil
}

// Combine writes the book's chunks to output in index order. Every chunk
// must be present; otherwise nothing is written and a *MissingChunksError
// naming all absent indices is returned. The output appears atomically and
// identical inputs produce byte-identical output.
func (c *Combiner) Combine(
	ctx context.Context,
	layout chunkdir.Layout,
	chunks []chunkstore.Chunk,
	output string,
) (*Combined, error) {
	missing, missingErr := Missing(layout, len(chunks))
	if missingErr != nil {
		return nil, missingErr
	}

	if len(missing) > 0 {
		return nil, &MissingChunksError{Indices: missing, Total: len(chunks)}
	}

	ensureErr := fsutil.EnsureDir(filepath.Dir(output))
	if ensureErr != nil {
		return nil, ensureErr
	}

	tempPath := output + ".part"

	combined, writeErr := c.write(ctx, layout, chunks, tempPath)
	if writeErr != nil {
		_ = os.Remove(tempPath)

		return nil, writeErr
	}

	renameErr := os.Rename(tempPath, output)
	if renameErr != nil {
		_ = os.Remove(tempPath)

		return nil, fmt.Errorf("failed to move combined audio into place: %w", renameErr)
	}

	combined.Path = output
	c.log.Info("Combined %d chunks into %s (%s)", len(chunks), output, fsutil.FormatDuration(combined.Duration))

	return combined, nil
}

func (c *Combiner) write(
	ctx context.Context,
	layout chunkdir.Layout,
	chunks []chunkstore.Chunk,
	tempPath string,
) (*Combined, error) {
	var (
		writer   *audio.Writer
		combined = &Combined{Segments: make([]Segment, 0, len(chunks))}
	)

	for position, chunk := range chunks {
		if ctx.Err() != nil {
			if writer != nil {
				_ = writer.Close()
			}

			return nil, fmt.Errorf("reassembly cancelled: %w", ctx.Err())
		}

		clip, readErr := audio.Read(layout.ChunkPath(chunk.Index))
		if readErr != nil {
			if writer != nil {
				_ = writer.Close()
			}

			return nil, fmt.Errorf("chunk %d: %w", chunk.Index, readErr)
		}

		if writer == nil {
			created, createErr := audio.Create(tempPath, clip.Format)
			if createErr != nil {
				return nil, createErr
			}

			writer = created
			combined.Format = clip.Format
		}

		offset := audio.FramesToDuration(writer.Frames(), combined.Format.SampleRate)

		appendErr := writer.Append(clip)
		if appendErr != nil {
			_ = writer.Close()

			return nil, fmt.Errorf("chunk %d: %w", chunk.Index, appendErr)
		}

		if position < len(chunks)-1 {
			silenceErr := writer.AppendSilence(c.silences[chunk.Boundary])
			if silenceErr != nil {
				_ = writer.Close()

				return nil, fmt.Errorf("chunk %d: %w", chunk.Index, silenceErr)
			}
		}

		combined.Segments = append(combined.Segments, Segment{
			Index:    chunk.Index,
			Boundary: chunk.Boundary,
			Offset:   offset,
			Duration: clip.Duration(),
		})
	}

	if writer == nil {
		return nil, fmt.Errorf("%w: nothing to combine", ErrMissingChunks)
	}

	combined.Duration = audio.FramesToDuration(writer.Frames(), combined.Format.SampleRate)

	closeErr := writer.Close()
	if closeErr != nil {
		return nil, closeErr
	}

	return combined, nil
}
