package audio

import (
	"errors"
	"fmt"
	"regexp"
)

// Defaults for the final container encoding.
const (
	DEFAULT_CODEC   = "aac"
	DEFAULT_BITRATE = "64k"
)

// Limits accepted by Encoding.Validate.
const (
	MAX_SAMPLE_RATE = 192000
	MAX_CHANNELS    = 2
)

const (
	ERR_FMT_SAMPLE_RATE_RANGE = "%w: sample rate must be 0 or between 8000 and %d Hz"
	ERR_FMT_CHANNELS_RANGE    = "%w: channels must be 0, 1 or %d"
	ERR_FMT_BITRATE           = "%w: bitrate %q must look like 64k"
	ERR_FMT_CODEC             = "%w: codec must not be empty"
	minSampleRate             = 8000
)

// ErrInvalidEncoding indicates unusable container encoding settings.
var ErrInvalidEncoding = errors.New("invalid encoding settings")

var bitratePattern = regexp.MustCompile(`^\d+[kK]$`)

// Encoding describes how the combined WAV is compressed into the final
// container. Zero SampleRate or Channels keep the source layout.
type Encoding struct {
	Codec      string `toml:"codec"`
	Bitrate    string `toml:"bitrate"`
	SampleRate int    `toml:"sample_rate"`
	Channels   int    `toml:"channels"`
}

// NewDefaultEncoding returns mono-friendly spoken-word settings.
func NewDefaultEncoding() Encoding {
	return Encoding{Codec: DEFAULT_CODEC, Bitrate: DEFAULT_BITRATE}
}

// Validate checks the settings are usable by the transcoder.
func (e Encoding) Validate() error {
	if e.Codec == "" {
		return fmt.Errorf(ERR_FMT_CODEC, ErrInvalidEncoding)
	}

	if !bitratePattern.MatchString(e.Bitrate) {
		return fmt.Errorf(ERR_FMT_BITRATE, ErrInvalidEncoding, e.Bitrate)
	}

	if e.SampleRate != 0 && (e.SampleRate < minSampleRate || e.SampleRate > MAX_SAMPLE_RATE) {
		return fmt.Errorf(ERR_FMT_SAMPLE_RATE_RANGE, ErrInvalidEncoding, MAX_SAMPLE_RATE)
	}

	if e.Channels < 0 || e.Channels > MAX_CHANNELS {
		return fmt.Errorf(ERR_FMT_CHANNELS_RANGE, ErrInvalidEncoding, MAX_CHANNELS)
	}

	return nil
}
