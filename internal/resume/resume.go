// Package resume derives render progress from the audio directory and
// decides where a run should pick up.
package resume

import (
	"errors"
	"fmt"

	"github.com/book-expert/audiobook-pipeline/internal/chunkdir"
)

var (
	// ErrResumeOutOfRange indicates a 1-based resume point outside [1, total].
	ErrResumeOutOfRange = errors.New("resume point out of range")
	// ErrInvalidTotal indicates a book without chunks.
	ErrInvalidTotal = errors.New("total chunk count must be positive")
)

// Analysis is a snapshot of which chunks of a book exist on disk.
// All indices are 0-based.
type Analysis struct {
	Total     int
	Completed []int
	// Highest is the largest completed index, or -1 when nothing is complete.
	Highest int
	// Gaps are missing indices below Highest.
	Gaps []int
	// Remaining are all missing indices in [0, Total).
	Remaining []int
	// Extraneous are completed indices at or beyond Total, left by an older,
	// longer version of the chunk store.
	Extraneous []int
	// ResumeIndex is the lowest gap, else Highest+1.
	ResumeIndex int
	Complete    bool
}

// Analyze scans dir and computes the analysis for a book of total chunks.
func Analyze(dir string, total int) (Analysis, error) {
	if total < 1 {
		return Analysis{}, ErrInvalidTotal
	}

	completed, scanErr := chunkdir.Scan(dir)
	if scanErr != nil {
		return Analysis{}, scanErr
	}

	return Compute(completed, total), nil
}

// Compute derives the analysis from a sorted set of completed indices.
func Compute(completed []int, total int) Analysis {
	present := make([]bool, max(total, 0))
	analysis := Analysis{Total: total, Highest: -1}

	for _, index := range completed {
		if index >= total {
			analysis.Extraneous = append(analysis.Extraneous, index)

			continue
		}

		if present[index] {
			continue
		}

		present[index] = true
		analysis.Completed = append(analysis.Completed, index)
		analysis.Highest = max(analysis.Highest, index)
	}

	for index := range total {
		if present[index] {
			continue
		}

		analysis.Remaining = append(analysis.Remaining, index)

		if index < analysis.Highest {
			analysis.Gaps = append(analysis.Gaps, index)
		}
	}

	switch {
	case len(analysis.Gaps) > 0:
		analysis.ResumeIndex = analysis.Gaps[0]
	default:
		analysis.ResumeIndex = analysis.Highest + 1
	}

	analysis.Complete = len(analysis.Remaining) == 0

	return analysis
}

// Ratio is the completed fraction of the book.
func (a Analysis) Ratio() float64 {
	if a.Total == 0 {
		return 0
	}

	return float64(len(a.Completed)) / float64(a.Total)
}

// ValidatePoint checks an operator-supplied 1-based resume point and returns
// the 0-based index it names. Out-of-range points are rejected, never clamped.
func ValidatePoint(point, total int) (int, error) {
	if total < 1 {
		return 0, ErrInvalidTotal
	}

	if point < 1 || point > total {
		return 0, fmt.Errorf("%w: %d not in [1, %d]", ErrResumeOutOfRange, point, total)
	}

	return point - 1, nil
}
