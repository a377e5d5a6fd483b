// Package fsutil holds the small file and formatting helpers used across the
// pipeline: directory creation, atomic writes and human-readable durations.
package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultDirPermissions  = 0o750
	defaultFilePermissions = 0o644
	invalidCharReplacement = "_"
	tempPattern            = ".*.part"
)

const (
	byteUnit = 1
	kilobyte = byteUnit * 1024
	megabyte = kilobyte * 1024
	gigabyte = megabyte * 1024
)

const (
	formatSeconds = "%.1fs"
	formatMinutes = "%dm %.1fs"
	formatHours   = "%dh %dm"
	formatGB      = "%.1f GB"
	formatMB      = "%.1f MB"
	formatKB      = "%.1f KB"
	formatBytes   = "%d B"
)

const (
	errFmtFailedToCreateDir = "failed to create directory %s: %w"
	errFmtCreateTemp        = "failed to create temporary file in %s: %w"
	errFmtWriteTemp         = "failed to write %s: %w"
	errFmtRename            = "failed to move %s into place: %w"
	errFmtOpen              = "failed to open %s: %w"
)

var filenameReplacer = strings.NewReplacer(
	"<", invalidCharReplacement,
	">", invalidCharReplacement,
	":", invalidCharReplacement,
	"\"", invalidCharReplacement,
	"/", invalidCharReplacement,
	"\\", invalidCharReplacement,
	"|", invalidCharReplacement,
	"?", invalidCharReplacement,
	"*", invalidCharReplacement,
)

// EnsureDir ensures a directory exists at the given path, creating parents as needed.
func EnsureDir(path string) error {
	mkdirErr := os.MkdirAll(path, defaultDirPermissions)
	if mkdirErr != nil {
		return fmt.Errorf(errFmtFailedToCreateDir, path, mkdirErr)
	}

	return nil
}

// WriteFileAtomic writes data to a temporary sibling of path and renames it
// into place. Readers of path never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	return writeAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)

		return err
	})
}

// CopyFileAtomic copies src to dst with the same guarantee as WriteFileAtomic.
func CopyFileAtomic(src, dst string) error {
	source, openErr := os.Open(src)
	if openErr != nil {
		return fmt.Errorf(errFmtOpen, src, openErr)
	}
	defer source.Close()

	return writeAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, source)

		return err
	})
}

func writeAtomic(path string, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)

	ensureErr := EnsureDir(dir)
	if ensureErr != nil {
		return ensureErr
	}

	temp, createErr := os.CreateTemp(dir, filepath.Base(path)+tempPattern)
	if createErr != nil {
		return fmt.Errorf(errFmtCreateTemp, dir, createErr)
	}

	tempPath := temp.Name()

	fillErr := fill(temp)
	closeErr := temp.Close()

	if fillErr != nil || closeErr != nil {
		_ = os.Remove(tempPath)

		if fillErr == nil {
			fillErr = closeErr
		}

		return fmt.Errorf(errFmtWriteTemp, path, fillErr)
	}

	chmodErr := os.Chmod(tempPath, defaultFilePermissions)
	if chmodErr != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf(errFmtWriteTemp, path, chmodErr)
	}

	renameErr := os.Rename(tempPath, path)
	if renameErr != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf(errFmtRename, path, renameErr)
	}

	return nil
}

// FormatDuration formats a duration for logs, e.g. "1h 15m", "5m 30.5s" or "45.2s".
func FormatDuration(duration time.Duration) string {
	seconds := duration.Seconds()
	if seconds < time.Minute.Seconds() {
		return fmt.Sprintf(formatSeconds, seconds)
	}

	if duration < time.Hour {
		minutes := int(duration / time.Minute)
		remaining := (duration - time.Duration(minutes)*time.Minute).Seconds()

		return fmt.Sprintf(formatMinutes, minutes, remaining)
	}

	hours := int(duration / time.Hour)
	minutes := int((duration - time.Duration(hours)*time.Hour) / time.Minute)

	return fmt.Sprintf(formatHours, hours, minutes)
}

// FormatFileSize formats a byte count, e.g. "1.2 GB" or "500.5 MB".
func FormatFileSize(bytes int64) string {
	switch {
	case bytes >= gigabyte:
		return fmt.Sprintf(formatGB, float64(bytes)/gigabyte)
	case bytes >= megabyte:
		return fmt.Sprintf(formatMB, float64(bytes)/megabyte)
	case bytes >= kilobyte:
		return fmt.Sprintf(formatKB, float64(bytes)/kilobyte)
	default:
		return fmt.Sprintf(formatBytes, bytes)
	}
}

// SanitizeFilename replaces characters that are invalid in most filesystems.
func SanitizeFilename(filename string) string {
	return filenameReplacer.Replace(filename)
}
