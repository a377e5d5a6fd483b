// Package audio reads, writes and measures the PCM WAV files produced for
// each chunk, and describes the encoding of the final container.
package audio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var (
	// ErrInvalidWAV indicates a file that is not a readable PCM WAV.
	ErrInvalidWAV = errors.New("invalid wav file")
	// ErrFormatMismatch indicates PCM buffers that cannot be concatenated.
	ErrFormatMismatch = errors.New("audio format mismatch")
)

const (
	analysisWindow = 10 * time.Millisecond
	clippingMargin = 0.999
	wavFormatPCM   = 1
	minDecibels    = -120.0
)

// Format is the PCM layout of a decoded file.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Clip is a decoded WAV file.
type Clip struct {
	Format Format
	Buffer *goaudio.IntBuffer
}

// Frames is the number of sample frames in the clip.
func (c *Clip) Frames() int {
	return c.Buffer.NumFrames()
}

// Duration is the playback length of the clip.
func (c *Clip) Duration() time.Duration {
	return FramesToDuration(c.Frames(), c.Format.SampleRate)
}

// FramesToDuration converts a frame count at sampleRate to a duration.
func FramesToDuration(frames, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}

	return time.Duration(float64(frames) / float64(sampleRate) * float64(time.Second))
}

// Read decodes the WAV file at path into memory.
func Read(path string) (*Clip, error) {
	file, openErr := os.Open(path)
	if openErr != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, openErr)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWAV, path)
	}

	buffer, decodeErr := decoder.FullPCMBuffer()
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidWAV, path, decodeErr)
	}

	format := Format{
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		BitDepth:   int(decoder.BitDepth),
	}

	return &Clip{Format: format, Buffer: buffer}, nil
}

// Inspect reads only the header of the WAV file at path.
func Inspect(path string) (Format, time.Duration, error) {
	file, openErr := os.Open(path)
	if openErr != nil {
		return Format{}, 0, fmt.Errorf("failed to open %s: %w", path, openErr)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		return Format{}, 0, fmt.Errorf("%w: %s", ErrInvalidWAV, path)
	}

	duration, durationErr := decoder.Duration()
	if durationErr != nil {
		return Format{}, 0, fmt.Errorf("%w: %s: %w", ErrInvalidWAV, path, durationErr)
	}

	format := Format{
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		BitDepth:   int(decoder.BitDepth),
	}

	return format, duration, nil
}

// Writer streams PCM buffers of a single format into one WAV file.
type Writer struct {
	file    *os.File
	encoder *wav.Encoder
	format  Format
	frames  int
}

// Create opens path for writing PCM in format.
func Create(path string, format Format) (*Writer, error) {
	file, createErr := os.Create(path)
	if createErr != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, createErr)
	}

	encoder := wav.NewEncoder(file, format.SampleRate, format.BitDepth, format.Channels, wavFormatPCM)

	return &Writer{file: file, encoder: encoder, format: format}, nil
}

// Format is the PCM layout the writer accepts.
func (w *Writer) Format() Format {
	return w.format
}

// Frames is the number of frames written so far.
func (w *Writer) Frames() int {
	return w.frames
}

// Append writes clip, which must share the writer's format.
func (w *Writer) Append(clip *Clip) error {
	if clip.Format != w.format {
		return fmt.Errorf("%w: have %+v, want %+v", ErrFormatMismatch, clip.Format, w.format)
	}

	return w.write(clip.Buffer)
}

// AppendSilence writes duration of digital silence.
func (w *Writer) AppendSilence(duration time.Duration) error {
	frames := int(duration.Seconds() * float64(w.format.SampleRate))
	if frames <= 0 {
		return nil
	}

	return w.write(&goaudio.IntBuffer{
		Data:           make([]int, frames*w.format.Channels),
		Format:         &goaudio.Format{SampleRate: w.format.SampleRate, NumChannels: w.format.Channels},
		SourceBitDepth: w.format.BitDepth,
	})
}

func (w *Writer) write(buffer *goaudio.IntBuffer) error {
	if buffer.NumFrames() == 0 {
		return nil
	}

	err := w.encoder.Write(buffer)
	if err != nil {
		return fmt.Errorf("failed to write pcm: %w", err)
	}

	w.frames += buffer.NumFrames()

	return nil
}

// Close finalises the WAV header and closes the file.
func (w *Writer) Close() error {
	encodeErr := w.encoder.Close()
	closeErr := w.file.Close()

	if encodeErr != nil {
		return fmt.Errorf("failed to finalise wav: %w", encodeErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close wav: %w", closeErr)
	}

	return nil
}

// Write encodes a single buffer of PCM samples to path.
func Write(path string, format Format, samples []int) error {
	writer, createErr := Create(path, format)
	if createErr != nil {
		return createErr
	}

	writeErr := writer.write(&goaudio.IntBuffer{
		Data:           samples,
		Format:         &goaudio.Format{SampleRate: format.SampleRate, NumChannels: format.Channels},
		SourceBitDepth: format.BitDepth,
	})
	closeErr := writer.Close()

	if writeErr != nil {
		return writeErr
	}

	return closeErr
}

// Stats summarises the signal of a clip.
type Stats struct {
	Duration time.Duration
	// PeakDBFS is the loudest sample relative to full scale.
	PeakDBFS float64
	// RMSDBFS is the overall loudness relative to full scale.
	RMSDBFS float64
	// SilenceRatio is the fraction of 10ms windows below the silence threshold.
	SilenceRatio float64
	// ClippingRatio is the fraction of samples at full scale.
	ClippingRatio float64
}

// Analyze measures clip. Windows quieter than silenceDBFS count as silent.
func Analyze(clip *Clip, silenceDBFS float64) Stats {
	stats := Stats{Duration: clip.Duration(), PeakDBFS: minDecibels, RMSDBFS: minDecibels}

	samples := clip.Buffer.Data
	if len(samples) == 0 {
		return stats
	}

	fullScale := math.Pow(2, float64(clip.Format.BitDepth-1))
	windowSamples := max(int(analysisWindow.Seconds()*float64(clip.Format.SampleRate))*clip.Format.Channels, 1)

	var (
		sumSquares    float64
		peak          float64
		clipped       int
		windows       int
		silentWindows int
	)

	for start := 0; start < len(samples); start += windowSamples {
		end := min(start+windowSamples, len(samples))

		var windowSquares float64

		for _, sample := range samples[start:end] {
			value := math.Abs(float64(sample)) / fullScale
			windowSquares += value * value
			peak = max(peak, value)

			if value >= clippingMargin {
				clipped++
			}
		}

		sumSquares += windowSquares
		windows++

		if toDecibels(math.Sqrt(windowSquares/float64(end-start))) < silenceDBFS {
			silentWindows++
		}
	}

	stats.PeakDBFS = toDecibels(peak)
	stats.RMSDBFS = toDecibels(math.Sqrt(sumSquares / float64(len(samples))))
	stats.SilenceRatio = float64(silentWindows) / float64(windows)
	stats.ClippingRatio = float64(clipped) / float64(len(samples))

	return stats
}

func toDecibels(amplitude float64) float64 {
	if amplitude <= 0 {
		return minDecibels
	}

	return max(20*math.Log10(amplitude), minDecibels)
}
