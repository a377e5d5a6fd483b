package progress

import (
	"encoding/json"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/audiobook-pipeline/internal/chunkdir"
	"github.com/book-expert/audiobook-pipeline/internal/core"
)

// NATSSink publishes an AudioChunkCreatedEvent for every committed chunk.
// Failed chunks have no audio and produce no event.
// Publishing is asynchronous in the NATS client, so Report never blocks on
// the network.
type NATSSink struct {
	conn       *nats.Conn
	subject    string
	workflowID string
	book       string
	log        *logger.Logger
}

// NewNATSSink publishes on subject. workflowID ties events to one run.
func NewNATSSink(conn *nats.Conn, subject, workflowID, book string, log *logger.Logger) *NATSSink {
	return &NATSSink{conn: conn, subject: subject, workflowID: workflowID, book: book, log: log}
}

func (s *NATSSink) Report(p core.Progress) {
	if p.Failed {
		return
	}

	event := events.AudioChunkCreatedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: s.workflowID,
			EventID:    uuid.NewString(),
			TenantID:   s.book,
		},
		AudioKey:   s.book + "/" + chunkdir.FileName(p.Index),
		PageNumber: p.Index + 1,
		TotalPages: p.Total,
	}

	data, err := json.Marshal(event)
	if err != nil {
		s.log.Error("Failed to marshal progress event: %v", err)

		return
	}

	err = s.conn.Publish(s.subject, data)
	if err != nil {
		s.log.Warn("Failed to publish progress for chunk %d: %v", p.Index, err)
	}
}
