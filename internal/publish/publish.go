// Package publish distributes finished audiobooks to object storage.
package publish

import (
	"errors"
	"path"
	"path/filepath"
	"strings"

	"github.com/book-expert/audiobook-pipeline/internal/core"
)

// ErrNotConfigured indicates publishing was requested without a destination.
var ErrNotConfigured = errors.New("publishing is not configured")

var (
	_ core.Publisher   = (*S3Publisher)(nil)
	_ core.Publisher   = (*NATSPublisher)(nil)
	_ core.ObjectStore = (*NATSPublisher)(nil)
)

// Key builds the object key for a book artifact under prefix.
func Key(prefix, book, artifactPath string) string {
	return strings.TrimPrefix(path.Join(prefix, book, filepath.Base(artifactPath)), "/")
}
