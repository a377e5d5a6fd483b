// Package quality decides whether a rendered chunk is good enough to keep.
// A gate runs a set of checks over each attempt: a hard failure rejects the
// attempt, a soft failure keeps it and may ask for a parameter adjustment.
package quality

import (
	"context"
	"fmt"
	"strings"

	"github.com/book-expert/audiobook-pipeline/internal/core"
)

const (
	defaultMaxAttempts        = 3
	defaultMinSimilarity      = 0.8
	defaultMinSecondsPerWord  = 0.12
	defaultMaxSecondsPerWord  = 1.5
	defaultDurationSlack      = 1.0
	defaultMaxSilenceRatio    = 0.85
	defaultMaxClippingRatio   = 0.01
	defaultSilenceThresholdDB = -50.0
)

// Config controls validation and regeneration.
type Config struct {
	Regenerate         bool    `toml:"regenerate"`
	MaxAttempts        int     `toml:"max_attempts"         validate:"gte=1,lte=10"`
	SignalCheck        bool    `toml:"signal_check"`
	TranscriptCheck    bool    `toml:"transcript_check"`
	MinSimilarity      float64 `toml:"min_similarity"       validate:"gte=0,lte=1"`
	MinSecondsPerWord  float64 `toml:"min_seconds_per_word" validate:"gte=0"`
	MaxSecondsPerWord  float64 `toml:"max_seconds_per_word" validate:"gtfield=MinSecondsPerWord"`
	DurationSlack      float64 `toml:"duration_slack"       validate:"gte=0"`
	MaxSilenceRatio    float64 `toml:"max_silence_ratio"    validate:"gt=0,lte=1"`
	MaxClippingRatio   float64 `toml:"max_clipping_ratio"   validate:"gte=0,lte=1"`
	SilenceThresholdDB float64 `toml:"silence_threshold_db" validate:"lt=0"`
}

// DefaultConfig returns the validation defaults.
func DefaultConfig() Config {
	return Config{
		Regenerate:         true,
		MaxAttempts:        defaultMaxAttempts,
		SignalCheck:        true,
		TranscriptCheck:    false,
		MinSimilarity:      defaultMinSimilarity,
		MinSecondsPerWord:  defaultMinSecondsPerWord,
		MaxSecondsPerWord:  defaultMaxSecondsPerWord,
		DurationSlack:      defaultDurationSlack,
		MaxSilenceRatio:    defaultMaxSilenceRatio,
		MaxClippingRatio:   defaultMaxClippingRatio,
		SilenceThresholdDB: defaultSilenceThresholdDB,
	}
}

// Attempts is the number of renders allowed per chunk.
func (c Config) Attempts() int {
	if !c.Regenerate || c.MaxAttempts < 1 {
		return 1
	}

	return c.MaxAttempts
}

// Sample is one rendered attempt awaiting a verdict.
type Sample struct {
	Index int
	Path  string
	// Text is the normalised text the audio was rendered from.
	Text  string
	Words int
}

// Adjustment names the parameter nudge a soft verdict asks for.
type Adjustment string

// AdjustSoften lowers exaggeration and temperature, for hot or clipped output.
const AdjustSoften Adjustment = "soften"

// Verdict is the outcome of one check.
type Verdict struct {
	Check  string
	Pass   bool
	Hard   bool
	Score  float64
	Reason string
	Adjust Adjustment
}

func (v Verdict) String() string {
	status := "pass"

	switch {
	case !v.Pass && v.Hard:
		status = "FAIL"
	case !v.Pass:
		status = "warn"
	}

	if v.Reason == "" {
		return fmt.Sprintf("%s=%s(%.3f)", v.Check, status, v.Score)
	}

	return fmt.Sprintf("%s=%s(%.3f: %s)", v.Check, status, v.Score, v.Reason)
}

// Check inspects one attempt.
type Check interface {
	Name() string
	Evaluate(ctx context.Context, sample Sample) Verdict
}

// Decision is the gate's combined result for one attempt.
type Decision struct {
	Pass     bool
	Verdicts []Verdict
}

// Soft reports whether any check raised a non-fatal concern.
func (d Decision) Soft() bool {
	for _, verdict := range d.Verdicts {
		if !verdict.Pass && !verdict.Hard {
			return true
		}
	}

	return false
}

// Adjust applies the nudges asked for by soft verdicts to params. Hard
// failures are handled by Perturb on retry instead.
func (d Decision) Adjust(params core.TTSParams) core.TTSParams {
	adjusted := params

	for _, verdict := range d.Verdicts {
		if verdict.Pass || verdict.Hard {
			continue
		}

		if verdict.Adjust == AdjustSoften {
			adjusted.Exaggeration = clamp(adjusted.Exaggeration-perturbStep,
				min(minExaggeration, adjusted.Exaggeration), 2)
			adjusted.Temperature = clamp(adjusted.Temperature-perturbStep,
				min(minTemperature, adjusted.Temperature), 5)
		}
	}

	return adjusted
}

// Reason joins every verdict for the validation log.
func (d Decision) Reason() string {
	if len(d.Verdicts) == 0 {
		return "no checks"
	}

	parts := make([]string, 0, len(d.Verdicts))
	for _, verdict := range d.Verdicts {
		parts = append(parts, verdict.String())
	}

	return strings.Join(parts, " ")
}

// Gate combines checks. An attempt passes unless some check fails hard.
type Gate struct {
	checks []Check
}

// NewGate builds a gate from explicit checks.
func NewGate(checks ...Check) *Gate {
	return &Gate{checks: checks}
}

// Build assembles the gate for one batch. The transcript check is only
// included when enabled and a transcriber is available.
func Build(cfg Config, transcriber core.Transcriber) *Gate {
	var checks []Check

	if cfg.SignalCheck {
		checks = append(checks, NewSignalCheck(cfg))
	}

	if cfg.TranscriptCheck && transcriber != nil {
		checks = append(checks, NewTranscriptCheck(transcriber, cfg.MinSimilarity))
	}

	return NewGate(checks...)
}

// Evaluate runs every check over sample.
func (g *Gate) Evaluate(ctx context.Context, sample Sample) Decision {
	decision := Decision{Pass: true, Verdicts: make([]Verdict, 0, len(g.checks))}

	for _, check := range g.checks {
		verdict := check.Evaluate(ctx, sample)
		decision.Verdicts = append(decision.Verdicts, verdict)

		if !verdict.Pass && verdict.Hard {
			decision.Pass = false
		}
	}

	return decision
}

// Perturbation bounds. Retries move towards steadier delivery: less
// exaggeration, stronger guidance and a cooler temperature.
const (
	perturbStep     = 0.05
	minExaggeration = 0.25
	maxCFGWeight    = 1.0
	minTemperature  = 0.05
)

// Perturb returns the parameters for the given 1-based attempt. Attempt 1
// uses base unchanged; the result is deterministic for a given base and
// attempt and always stays within the accepted ranges.
func Perturb(base core.TTSParams, attempt int) core.TTSParams {
	if attempt <= 1 {
		return base
	}

	shift := perturbStep * float64(attempt-1)
	adjusted := base

	adjusted.Exaggeration = clamp(base.Exaggeration-shift, min(minExaggeration, base.Exaggeration), 2)
	adjusted.CFGWeight = clamp(base.CFGWeight+shift, 0, maxCFGWeight)
	adjusted.Temperature = clamp(base.Temperature-shift, min(minTemperature, base.Temperature), 5)

	return adjusted
}

func clamp(value, lower, upper float64) float64 {
	return max(lower, min(upper, value))
}
