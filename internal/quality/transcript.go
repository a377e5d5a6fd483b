package quality

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/book-expert/audiobook-pipeline/internal/core"
)

const transcriptCheckName = "transcript"

// TranscriptCheck transcribes an attempt and compares it with the text it
// was rendered from. A transcription error is a soft failure so that an
// unavailable recogniser never rejects audio on its own.
type TranscriptCheck struct {
	transcriber   core.Transcriber
	minSimilarity float64
}

// NewTranscriptCheck returns a check that requires minSimilarity word agreement.
func NewTranscriptCheck(transcriber core.Transcriber, minSimilarity float64) *TranscriptCheck {
	return &TranscriptCheck{transcriber: transcriber, minSimilarity: minSimilarity}
}

func (c *TranscriptCheck) Name() string { return transcriptCheckName }

// Evaluate transcribes sample.Path.
func (c *TranscriptCheck) Evaluate(ctx context.Context, sample Sample) Verdict {
	transcript, err := c.transcriber.Transcribe(ctx, sample.Path)
	if err != nil {
		return Verdict{
			Check:  transcriptCheckName,
			Pass:   false,
			Hard:   false,
			Reason: fmt.Sprintf("transcription failed: %v", err),
		}
	}

	score := Similarity(sample.Text, transcript)
	if score < c.minSimilarity {
		return Verdict{
			Check:  transcriptCheckName,
			Pass:   false,
			Hard:   true,
			Score:  score,
			Reason: fmt.Sprintf("heard %q", truncate(transcript, 80)),
		}
	}

	return Verdict{Check: transcriptCheckName, Pass: true, Score: score}
}

// Similarity is 1 minus the word-level edit distance between expected and
// heard, normalised by the longer of the two. Case and punctuation are ignored.
func Similarity(expected, heard string) float64 {
	left := words(expected)
	right := words(heard)

	longest := max(len(left), len(right))
	if longest == 0 {
		return 1
	}

	return 1 - float64(editDistance(left, right))/float64(longest)
}

func words(input string) []string {
	return strings.FieldsFunc(strings.ToLower(input), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func editDistance(left, right []string) int {
	previous := make([]int, len(right)+1)
	current := make([]int, len(right)+1)

	for j := range previous {
		previous[j] = j
	}

	for i := 1; i <= len(left); i++ {
		current[0] = i

		for j := 1; j <= len(right); j++ {
			substitution := previous[j-1]
			if left[i-1] != right[j-1] {
				substitution++
			}

			current[j] = min(previous[j]+1, current[j-1]+1, substitution)
		}

		previous, current = current, previous
	}

	return previous[len(right)]
}

func truncate(input string, limit int) string {
	runes := []rune(input)
	if len(runes) <= limit {
		return input
	}

	return string(runes[:limit]) + "..."
}
