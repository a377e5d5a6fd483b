// Package audiotest builds WAV fixtures for tests.
package audiotest

import (
	"math"
	"os"
	"path/filepath"

	"github.com/book-expert/audiobook-pipeline/internal/audio"
)

const toneFrequency = 220.0

// Format is the layout of every fixture.
var Format = audio.Format{SampleRate: 16000, Channels: 1, BitDepth: 16}

// Tone returns seconds of a sine wave at amplitude (0..1 of full scale).
func Tone(seconds, amplitude float64) []int {
	frames := int(seconds * float64(Format.SampleRate))
	samples := make([]int, frames)

	for i := range samples {
		phase := 2 * math.Pi * toneFrequency * float64(i) / float64(Format.SampleRate)
		samples[i] = int(amplitude * math.MaxInt16 * math.Sin(phase))
	}

	return samples
}

// WriteTone writes a tone fixture to path.
func WriteTone(path string, seconds float64) error {
	return audio.Write(path, Format, Tone(seconds, 0.5))
}

// ToneBytes returns the encoded bytes of a tone fixture.
func ToneBytes(seconds float64) ([]byte, error) {
	return encode(Tone(seconds, 0.5))
}

// SilenceBytes returns the encoded bytes of digital silence.
func SilenceBytes(seconds float64) ([]byte, error) {
	return encode(make([]int, int(seconds*float64(Format.SampleRate))))
}

// ClippedBytes returns a tone driven past full scale and clamped, so a
// large share of its samples sit at the rails.
func ClippedBytes(seconds float64) ([]byte, error) {
	samples := Tone(seconds, 2)
	for i, sample := range samples {
		samples[i] = max(-math.MaxInt16, min(math.MaxInt16, sample))
	}

	return encode(samples)
}

func encode(samples []int) ([]byte, error) {
	dir, err := os.MkdirTemp("", "audiotest")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "fixture.wav")

	err = audio.Write(path, Format, samples)
	if err != nil {
		return nil, err
	}

	return os.ReadFile(path)
}
