package reassembly

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/book-expert/logger"

	"github.com/book-expert/audiobook-pipeline/internal/audio"
	"github.com/book-expert/audiobook-pipeline/internal/fsutil"
)

// ErrNoChapters indicates a container request without chapters.
var ErrNoChapters = errors.New("no chapters to write")

const (
	defaultFFmpeg  = "ffmpeg"
	metadataHeader = ";FFMETADATA1"
	genreAudiobook = "Audiobook"
	containerMP4   = "mp4"
)

// Tags are the container-level metadata of the audiobook.
type Tags struct {
	Title    string
	Author   string
	Narrator string
	Year     string
}

// FFmpegError is a failed ffmpeg invocation with its stderr.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg %s: %v: %s", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Stderr))
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

// Transcoder packages a combined WAV into a chaptered M4B using the ffmpeg CLI.
type Transcoder struct {
	ffmpegPath string
	encoding   audio.Encoding
	coverPath  string
	log        *logger.Logger
}

// NewTranscoder returns a transcoder. An empty ffmpegPath resolves "ffmpeg" on PATH.
func NewTranscoder(ffmpegPath string, encoding audio.Encoding, coverPath string, log *logger.Logger) *Transcoder {
	if ffmpegPath == "" {
		ffmpegPath = defaultFFmpeg
	}

	return &Transcoder{ffmpegPath: ffmpegPath, encoding: encoding, coverPath: coverPath, log: log}
}

// Package writes output from combined with the given tags and chapters.
// The container appears atomically.
func (t *Transcoder) Package(
	ctx context.Context,
	combined *Combined,
	tags Tags,
	chapters []Chapter,
	output string,
) error {
	if len(chapters) == 0 {
		return ErrNoChapters
	}

	validateErr := t.encoding.Validate()
	if validateErr != nil {
		return validateErr
	}

	metadataFile, metaErr := os.CreateTemp("", "ffmetadata-*.txt")
	if metaErr != nil {
		return fmt.Errorf("failed to create metadata file: %w", metaErr)
	}

	metadataPath := metadataFile.Name()
	defer func() { _ = os.Remove(metadataPath) }()

	_, writeErr := metadataFile.WriteString(BuildMetadata(tags, chapters))
	closeErr := metadataFile.Close()

	if writeErr != nil || closeErr != nil {
		return fmt.Errorf("failed to write metadata file: %w", errors.Join(writeErr, closeErr))
	}

	tempPath := output + ".part"
	args := t.BuildArgs(combined.Path, metadataPath, tempPath)

	runErr := t.run(ctx, args)
	if runErr != nil {
		_ = os.Remove(tempPath)

		return runErr
	}

	renameErr := os.Rename(tempPath, output)
	if renameErr != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf("failed to move container into place: %w", renameErr)
	}

	info, statErr := os.Stat(output)
	if statErr == nil {
		t.log.Info("Wrote %s (%s, %d chapters)", output, fsutil.FormatFileSize(info.Size()), len(chapters))
	}

	return nil
}

// BuildArgs returns the ffmpeg arguments for one packaging run.
func (t *Transcoder) BuildArgs(wavPath, metadataPath, output string) []string {
	args := []string{"-y", "-i", wavPath, "-i", metadataPath}

	hasCover := t.coverPath != ""
	if hasCover {
		args = append(args, "-i", t.coverPath)
	}

	args = append(args, "-map", "0:a", "-map_metadata", "1", "-map_chapters", "1")

	if hasCover {
		args = append(args, "-map", "2:v", "-c:v", "copy", "-disposition:v:0", "attached_pic")
	}

	args = append(args, "-c:a", t.encoding.Codec, "-b:a", t.encoding.Bitrate)

	if t.encoding.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(t.encoding.SampleRate))
	}

	if t.encoding.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(t.encoding.Channels))
	}

	return append(args, "-movflags", "+faststart", "-f", containerMP4, output)
}

// BuildMetadata renders tags and chapters in ffmetadata format.
func BuildMetadata(tags Tags, chapters []Chapter) string {
	var builder strings.Builder

	builder.WriteString(metadataHeader + "\n")
	writeTag(&builder, "title", tags.Title)
	writeTag(&builder, "album", tags.Title)
	writeTag(&builder, "artist", tags.Author)
	writeTag(&builder, "album_artist", tags.Author)
	writeTag(&builder, "composer", tags.Narrator)
	writeTag(&builder, "date", tags.Year)
	writeTag(&builder, "genre", genreAudiobook)

	for _, chapter := range chapters {
		builder.WriteString("\n[CHAPTER]\nTIMEBASE=1/1000\n")
		fmt.Fprintf(&builder, "START=%d\n", chapter.Start.Milliseconds())
		fmt.Fprintf(&builder, "END=%d\n", chapter.End.Milliseconds())
		writeTag(&builder, "title", chapter.Title)
	}

	return builder.String()
}

var metadataEscaper = strings.NewReplacer(
	`\`, `\\`,
	"=", `\=`,
	";", `\;`,
	"#", `\#`,
	"\n", "\\\n",
)

func writeTag(builder *strings.Builder, key, value string) {
	if value == "" {
		return
	}

	builder.WriteString(key + "=" + metadataEscaper.Replace(value) + "\n")
}

func (t *Transcoder) run(ctx context.Context, args []string) error {
	// #nosec G204 - ffmpegPath comes from configuration, not user input
	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}

		return &FFmpegError{Args: args, Stderr: stderr.String(), Err: err}
	}

	return nil
}
