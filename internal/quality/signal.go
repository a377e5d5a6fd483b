package quality

import (
	"context"
	"fmt"
	"math"

	"github.com/book-expert/audiobook-pipeline/internal/audio"
)

const signalCheckName = "signal"

// SignalCheck judges an attempt from its waveform alone. Undecodable or
// empty audio, an implausible duration for the word count and mostly-silent
// output fail hard. Clipping is only a warning that asks for softer delivery.
type SignalCheck struct {
	cfg Config
}

// NewSignalCheck returns a signal check using cfg's thresholds.
func NewSignalCheck(cfg Config) *SignalCheck {
	return &SignalCheck{cfg: cfg}
}

func (c *SignalCheck) Name() string { return signalCheckName }

// Evaluate decodes sample.Path and measures it.
func (c *SignalCheck) Evaluate(_ context.Context, sample Sample) Verdict {
	clip, readErr := audio.Read(sample.Path)
	if readErr != nil {
		return c.fail(0, fmt.Sprintf("unreadable audio: %v", readErr))
	}

	if clip.Frames() == 0 {
		return c.fail(0, "empty audio")
	}

	stats := audio.Analyze(clip, c.cfg.SilenceThresholdDB)
	seconds := stats.Duration.Seconds()

	if sample.Words > 0 {
		lower := float64(sample.Words) * c.cfg.MinSecondsPerWord
		upper := float64(sample.Words)*c.cfg.MaxSecondsPerWord + c.cfg.DurationSlack

		if seconds < lower {
			return c.fail(seconds/lower, fmt.Sprintf("%.2fs is too short for %d words", seconds, sample.Words))
		}

		if seconds > upper {
			return c.fail(upper/seconds, fmt.Sprintf("%.2fs is too long for %d words", seconds, sample.Words))
		}
	}

	if stats.SilenceRatio > c.cfg.MaxSilenceRatio {
		return c.fail(1-stats.SilenceRatio, fmt.Sprintf("%.0f%% silence", stats.SilenceRatio*100))
	}

	score := 1 - stats.SilenceRatio
	if stats.ClippingRatio > c.cfg.MaxClippingRatio {
		return Verdict{
			Check:  signalCheckName,
			Pass:   false,
			Hard:   false,
			Score:  score,
			Reason: fmt.Sprintf("%.2f%% clipped samples", stats.ClippingRatio*100),
			Adjust: AdjustSoften,
		}
	}

	return Verdict{Check: signalCheckName, Pass: true, Score: score}
}

func (c *SignalCheck) fail(score float64, reason string) Verdict {
	return Verdict{
		Check:  signalCheckName,
		Pass:   false,
		Hard:   true,
		Score:  math.Max(0, score),
		Reason: reason,
	}
}
