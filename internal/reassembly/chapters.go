package reassembly

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/book-expert/audiobook-pipeline/internal/chunkstore"
)

const maxChapterTitle = 60

// Chapter is one navigable section of the final container.
type Chapter struct {
	Title string
	Start time.Duration
	End   time.Duration
}

// BuildChapters starts a chapter at every chapter_start chunk. Audio before
// the first marker belongs to an opening chapter; a book without markers is
// a single chapter titled after the book.
func BuildChapters(combined *Combined, chunks []chunkstore.Chunk, bookTitle string) []Chapter {
	var chapters []Chapter

	for _, segment := range combined.Segments {
		if segment.Boundary != chunkstore.BoundaryChapterStart {
			continue
		}

		title := chapterTitle(chunks, segment.Index, len(chapters)+1)

		if len(chapters) == 0 && segment.Offset > 0 {
			chapters = append(chapters, Chapter{Title: "Opening", Start: 0})
		}

		chapters = append(chapters, Chapter{Title: title, Start: segment.Offset})
	}

	if len(chapters) == 0 {
		chapters = append(chapters, Chapter{Title: bookTitle, Start: 0})
	}

	for i := range chapters {
		if i+1 < len(chapters) {
			chapters[i].End = chapters[i+1].Start
		} else {
			chapters[i].End = combined.Duration
		}
	}

	return chapters
}

func chapterTitle(chunks []chunkstore.Chunk, index, number int) string {
	if index < 0 || index >= len(chunks) {
		return fmt.Sprintf("Chapter %d", number)
	}

	title := strings.Join(strings.Fields(chunks[index].Text), " ")
	if title == "" {
		return fmt.Sprintf("Chapter %d", number)
	}

	if utf8.RuneCountInString(title) > maxChapterTitle {
		title = strings.TrimSpace(string([]rune(title)[:maxChapterTitle])) + "..."
	}

	return title
}
