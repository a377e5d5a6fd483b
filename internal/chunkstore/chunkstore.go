// Package chunkstore loads and saves the ordered chunk records that make up a
// book's text. The store is a JSON array written next to the book's audio and
// may start with a metadata sentinel object, which is never a chunk.
package chunkstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/audiobook-pipeline/internal/core"
)

var (
	// ErrStoreNotFound indicates that no chunk store exists at the given path.
	ErrStoreNotFound = errors.New("chunk store not found")
	// ErrNoChunks indicates a store that parsed but held no chunk records.
	ErrNoChunks = errors.New("chunk store contains no chunks")
	// ErrIndexGap indicates chunk indices that are not dense and ordered.
	ErrIndexGap = errors.New("chunk indices are not contiguous")
	// ErrMisplacedMetadata indicates a metadata sentinel after the first element.
	ErrMisplacedMetadata = errors.New("metadata sentinel must be the first element")
	// ErrChunkNotFound indicates an index outside the store.
	ErrChunkNotFound = errors.New("chunk not found")
	// ErrEmptyText indicates an edit that would leave a chunk without text.
	ErrEmptyText = errors.New("chunk text is empty")
	// ErrUnknownBoundary indicates a boundary tag outside the closed set.
	ErrUnknownBoundary = errors.New("unknown boundary type")
)

const (
	metadataKey      = "_metadata"
	storeFilePerm    = 0o644
	storeDirPerm     = 0o750
	tempSuffix       = ".tmp"
	noChunksGuidance = "regenerate the text chunks for this book before rendering"
)

// Boundary tags the structural break that follows a chunk.
type Boundary string

// The closed set of boundary tags.
const (
	BoundaryNone         Boundary = "none"
	BoundaryParagraphEnd Boundary = "paragraph_end"
	BoundaryChapterStart Boundary = "chapter_start"
	BoundaryChapterEnd   Boundary = "chapter_end"
	BoundarySectionBreak Boundary = "section_break"
	BoundaryPeriod       Boundary = "period"
	BoundaryComma        Boundary = "comma"
	BoundarySemicolon    Boundary = "semicolon"
	BoundaryColon        Boundary = "colon"
	BoundaryQuestion     Boundary = "question"
	BoundaryExclamation  Boundary = "exclamation"
	BoundaryDash         Boundary = "dash"
	BoundaryEllipsis     Boundary = "ellipsis"
)

var knownBoundaries = map[Boundary]struct{}{
	BoundaryNone: {}, BoundaryParagraphEnd: {}, BoundaryChapterStart: {},
	BoundaryChapterEnd: {}, BoundarySectionBreak: {}, BoundaryPeriod: {},
	BoundaryComma: {}, BoundarySemicolon: {}, BoundaryColon: {},
	BoundaryQuestion: {}, BoundaryExclamation: {}, BoundaryDash: {},
	BoundaryEllipsis: {},
}

// Valid reports whether b belongs to the closed set.
func (b Boundary) Valid() bool {
	_, ok := knownBoundaries[b]

	return ok
}

// Chunk is one renderable unit of text. Sentiment fields are written by text
// preparation and carried through untouched.
type Chunk struct {
	Index             int             `json:"index"`
	Text              string          `json:"text"`
	WordCount         int             `json:"word_count"`
	Boundary          Boundary        `json:"boundary_type"`
	SentimentCompound *float64        `json:"sentiment_compound,omitempty"`
	SentimentRaw      json.RawMessage `json:"sentiment_raw,omitempty"`
	Params            *core.TTSParams `json:"tts_params,omitempty"`

	// Unknown holds keys this package does not model; Save writes them back.
	Unknown map[string]json.RawMessage `json:"-"`
}

var chunkKeys = []string{
	"index", "text", "word_count", "boundary_type",
	"sentiment_compound", "sentiment_raw", "tts_params",
}

// MarshalJSON writes the modelled fields plus any preserved unknown keys.
func (c Chunk) MarshalJSON() ([]byte, error) {
	type plain Chunk

	return marshalWithUnknown(plain(c), c.Unknown)
}

// ParamsOr returns the chunk's own parameters, or fallback when it has none.
func (c Chunk) ParamsOr(fallback core.TTSParams) core.TTSParams {
	if c.Params == nil || c.Params.IsZero() {
		return fallback
	}

	return *c.Params
}

// Metadata is the optional book-level record stored ahead of the chunks.
type Metadata struct {
	Title     string            `json:"title,omitempty"`
	Author    string            `json:"author,omitempty"`
	Voice     string            `json:"voice,omitempty"`
	CreatedAt time.Time         `json:"created_at,omitzero"`
	Extra     map[string]string `json:"extra,omitempty"`

	// Unknown holds sentinel keys this package does not model.
	Unknown map[string]json.RawMessage `json:"-"`
}

var metadataKeys = []string{metadataKey, "title", "author", "voice", "created_at", "extra"}

type metadataRecord struct {
	Sentinel bool `json:"_metadata"`
	Metadata
}

func (r metadataRecord) MarshalJSON() ([]byte, error) {
	type plain metadataRecord

	return marshalWithUnknown(plain(r), r.Unknown)
}

// storedChunk mirrors Chunk with an optional index so that stores written
// without explicit indices fall back to array position.
type storedChunk struct {
	Index             *int            `json:"index"`
	Text              string          `json:"text"`
	Boundary          Boundary        `json:"boundary_type"`
	SentimentCompound *float64        `json:"sentiment_compound"`
	SentimentRaw      json.RawMessage `json:"sentiment_raw"`
	Params            *core.TTSParams `json:"tts_params"`
}

// Load reads the chunk store at path. The returned slice is ordered and
// chunk i has Index i. Metadata is nil when the store has no sentinel.
func Load(path string) ([]Chunk, *Metadata, error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if errors.Is(readErr, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrStoreNotFound, path)
		}

		return nil, nil, fmt.Errorf("failed to read chunk store %s: %w", path, readErr)
	}

	var elements []json.RawMessage

	unmarshalErr := json.Unmarshal(data, &elements)
	if unmarshalErr != nil {
		return nil, nil, fmt.Errorf("failed to parse chunk store %s: %w", path, unmarshalErr)
	}

	var meta *Metadata

	chunks := make([]Chunk, 0, len(elements))

	for position, element := range elements {
		isMeta, record, metaErr := parseSentinel(element)
		if metaErr != nil {
			return nil, nil, fmt.Errorf("element %d: %w", position, metaErr)
		}

		if isMeta {
			if position != 0 {
				return nil, nil, fmt.Errorf("%w: found at element %d", ErrMisplacedMetadata, position)
			}

			meta = &record.Metadata

			continue
		}

		chunk, chunkErr := parseChunk(element, len(chunks))
		if chunkErr != nil {
			return nil, nil, fmt.Errorf("element %d: %w", position, chunkErr)
		}

		chunks = append(chunks, chunk)
	}

	if len(chunks) == 0 {
		return nil, nil, fmt.Errorf("%w: %s (%s)", ErrNoChunks, path, noChunksGuidance)
	}

	return chunks, meta, nil
}

func parseSentinel(element json.RawMessage) (bool, metadataRecord, error) {
	var fields map[string]json.RawMessage

	// Non-object elements are left for parseChunk to reject.
	if json.Unmarshal(element, &fields) != nil {
		return false, metadataRecord{}, nil
	}

	if _, ok := fields[metadataKey]; !ok {
		return false, metadataRecord{}, nil
	}

	var record metadataRecord

	err := json.Unmarshal(element, &record)
	if err != nil {
		return false, metadataRecord{}, fmt.Errorf("invalid metadata sentinel: %w", err)
	}

	record.Unknown = unknownKeys(fields, metadataKeys)

	return record.Sentinel, record, nil
}

func parseChunk(element json.RawMessage, expected int) (Chunk, error) {
	var stored storedChunk

	err := json.Unmarshal(element, &stored)
	if err != nil {
		return Chunk{}, fmt.Errorf("invalid chunk record: %w", err)
	}

	var fields map[string]json.RawMessage

	err = json.Unmarshal(element, &fields)
	if err != nil {
		return Chunk{}, fmt.Errorf("invalid chunk record: %w", err)
	}

	index := expected
	if stored.Index != nil {
		index = *stored.Index
	}

	if index != expected {
		return Chunk{}, fmt.Errorf("%w: expected index %d, found %d", ErrIndexGap, expected, index)
	}

	boundary := stored.Boundary
	if boundary == "" {
		boundary = BoundaryNone
	}

	if !boundary.Valid() {
		return Chunk{}, fmt.Errorf("%w: %q", ErrUnknownBoundary, boundary)
	}

	return Chunk{
		Index:             index,
		Text:              stored.Text,
		WordCount:         CountWords(stored.Text),
		Boundary:          boundary,
		SentimentCompound: stored.SentimentCompound,
		SentimentRaw:      stored.SentimentRaw,
		Params:            stored.Params,
		Unknown:           unknownKeys(fields, chunkKeys),
	}, nil
}

func unknownKeys(fields map[string]json.RawMessage, known []string) map[string]json.RawMessage {
	for _, key := range known {
		delete(fields, key)
	}

	if len(fields) == 0 {
		return nil
	}

	return fields
}

// marshalWithUnknown encodes value and adds the unknown keys it does not
// already carry. Object keys come out sorted, so output is stable.
func marshalWithUnknown(value any, unknown map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil || len(unknown) == 0 {
		return data, err
	}

	var merged map[string]json.RawMessage

	err = json.Unmarshal(data, &merged)
	if err != nil {
		return nil, err
	}

	for key, raw := range unknown {
		if _, ok := merged[key]; !ok {
			merged[key] = raw
		}
	}

	return json.Marshal(merged)
}

// Save writes the store atomically: a temporary sibling is written and
// renamed over path, so readers see either the old or the new store.
func Save(path string, chunks []Chunk, meta *Metadata) error {
	elements := make([]any, 0, len(chunks)+1)
	if meta != nil {
		elements = append(elements, metadataRecord{Sentinel: true, Metadata: *meta})
	}

	for _, chunk := range chunks {
		elements = append(elements, chunk)
	}

	data, marshalErr := json.MarshalIndent(elements, "", "  ")
	if marshalErr != nil {
		return fmt.Errorf("failed to encode chunk store: %w", marshalErr)
	}

	mkdirErr := os.MkdirAll(filepath.Dir(path), storeDirPerm)
	if mkdirErr != nil {
		return fmt.Errorf("failed to create chunk store directory: %w", mkdirErr)
	}

	tempPath := path + tempSuffix

	writeErr := os.WriteFile(tempPath, data, storeFilePerm)
	if writeErr != nil {
		return fmt.Errorf("failed to write chunk store: %w", writeErr)
	}

	renameErr := os.Rename(tempPath, path)
	if renameErr != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf("failed to replace chunk store: %w", renameErr)
	}

	return nil
}

// UpdateText replaces the text of chunk index and recomputes its word count.
func UpdateText(chunks []Chunk, index int, text string) error {
	if index < 0 || index >= len(chunks) {
		return fmt.Errorf("%w: index %d of %d", ErrChunkNotFound, index, len(chunks))
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ErrEmptyText
	}

	chunks[index].Text = trimmed
	chunks[index].WordCount = CountWords(trimmed)

	return nil
}

// CountWords counts whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}
