// Package jobs accepts render requests over NATS request/reply. Requests on
// the subject are handled one at a time; each reply carries the run summary.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/book-expert/logger"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/audiobook-pipeline/internal/core"
	"github.com/book-expert/audiobook-pipeline/internal/pipeline"
)

var (
	// ErrInvalidRequest indicates a request that failed validation.
	ErrInvalidRequest = errors.New("invalid render request")
	// ErrNoVoiceStore indicates a voice_key without a configured object store.
	ErrNoVoiceStore = errors.New("voice_key given but no object store is configured")
)

const (
	voiceFileName = "voice_reference.wav"

	logFmtRequest      = "Render request for %q (from=%s overwrite=%t combine_only=%t)"
	logFmtRequestError = "Render request for %q failed: %v"
	logFmtReplyFailed  = "Failed to reply to render request: %v"
)

// Runner is the part of pipeline.Service the listener drives.
type Runner interface {
	Render(ctx context.Context, opts pipeline.RenderOptions) (*pipeline.Report, error)
	Combine(ctx context.Context, book string) (*pipeline.Report, error)
}

// RenderRequest asks for one book to be rendered.
type RenderRequest struct {
	Book        string `json:"book"                 validate:"required"`
	From        *int   `json:"from,omitempty"`
	Overwrite   bool   `json:"overwrite,omitempty"`
	CombineOnly bool   `json:"combine_only,omitempty"`
	Workers     int    `json:"workers,omitempty"    validate:"gte=0,lte=64"`
	VoiceKey    string `json:"voice_key,omitempty"`
}

// RenderReply reports the outcome of a request. Error is set when the run
// failed structurally; chunk failures appear in Failed.
type RenderReply struct {
	RunID          string  `json:"run_id,omitempty"`
	Book           string  `json:"book"`
	Total          int     `json:"total"`
	Rendered       []int   `json:"rendered,omitempty"`
	Failed         []int   `json:"failed,omitempty"`
	Skipped        []int   `json:"skipped,omitempty"`
	Missing        []int   `json:"missing,omitempty"`
	Complete       bool    `json:"complete"`
	Container      string  `json:"container,omitempty"`
	Location       string  `json:"location,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Error          string  `json:"error,omitempty"`
}

// Listener serves render requests on a subject.
type Listener struct {
	natsConnection *nats.Conn
	subject        string
	runner         Runner
	voices         core.ObjectStore
	log            *logger.Logger
	validate       *validator.Validate

	mu  sync.Mutex
	ctx context.Context
}

// NewListener returns a listener. voices may be nil.
func NewListener(
	natsConnection *nats.Conn,
	subject string,
	runner Runner,
	voices core.ObjectStore,
	log *logger.Logger,
) *Listener {
	return &Listener{
		natsConnection: natsConnection,
		subject:        subject,
		runner:         runner,
		voices:         voices,
		log:            log,
		validate:       validator.New(),
	}
}

// Run serves requests until ctx is done, then drains the subscription. A
// render in progress observes the cancellation and replies with its partial
// result.
func (l *Listener) Run(ctx context.Context) error {
	l.mu.Lock()
	l.ctx = ctx
	l.mu.Unlock()

	sub, err := l.natsConnection.Subscribe(l.subject, l.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", l.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (l *Listener) runContext() context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ctx == nil {
		return context.Background()
	}

	return l.ctx
}

func (l *Listener) handleMessage(msg *nats.Msg) {
	request, parseErr := l.parseAndValidate(msg)
	if parseErr != nil {
		l.log.Error("Failed to parse and validate render request: %v", parseErr)
		l.respond(msg, RenderReply{Error: parseErr.Error()})

		return
	}

	l.log.Info(logFmtRequest, request.Book, startPoint(request.From), request.Overwrite, request.CombineOnly)

	reply := l.process(l.runContext(), request)
	if reply.Error != "" {
		l.log.Error(logFmtRequestError, request.Book, reply.Error)
	}

	l.respond(msg, reply)
}

func (l *Listener) process(ctx context.Context, request *RenderRequest) RenderReply {
	voicePath, cleanup, voiceErr := l.fetchVoice(ctx, request.VoiceKey)
	if voiceErr != nil {
		return RenderReply{Book: request.Book, Error: voiceErr.Error()}
	}
	defer cleanup()

	var (
		report *pipeline.Report
		err    error
	)

	if request.CombineOnly {
		report, err = l.runner.Combine(ctx, request.Book)
	} else {
		report, err = l.runner.Render(ctx, pipeline.RenderOptions{
			Book:      request.Book,
			From:      request.From,
			Overwrite: request.Overwrite,
			Workers:   request.Workers,
			VoicePath: voicePath,
		})
	}

	reply := replyFromReport(request.Book, report)
	if err != nil {
		reply.Error = err.Error()
	}

	return reply
}

// fetchVoice downloads a voice reference into a temporary file.
func (l *Listener) fetchVoice(ctx context.Context, key string) (string, func(), error) {
	noop := func() {}

	if key == "" {
		return "", noop, nil
	}

	if l.voices == nil {
		return "", noop, ErrNoVoiceStore
	}

	data, err := l.voices.Download(ctx, key)
	if err != nil {
		return "", noop, fmt.Errorf("failed to download voice '%s': %w", key, err)
	}

	dir, err := os.MkdirTemp("", "voice")
	if err != nil {
		return "", noop, fmt.Errorf("failed to stage voice: %w", err)
	}

	cleanup := func() { _ = os.RemoveAll(dir) }
	path := filepath.Join(dir, voiceFileName)

	err = os.WriteFile(path, data, 0o600)
	if err != nil {
		cleanup()

		return "", noop, fmt.Errorf("failed to stage voice: %w", err)
	}

	return path, cleanup, nil
}

func replyFromReport(book string, report *pipeline.Report) RenderReply {
	reply := RenderReply{Book: book}
	if report == nil {
		return reply
	}

	reply.RunID = report.RunID
	reply.Total = report.Total
	reply.Rendered = report.Summary.Rendered
	reply.Failed = report.Summary.Failed
	reply.Skipped = report.Summary.Skipped
	reply.Missing = report.Missing
	reply.Complete = report.Complete()
	reply.Container = report.Container
	reply.Location = report.Location
	reply.ElapsedSeconds = report.Elapsed.Seconds()

	return reply
}

func (l *Listener) respond(msg *nats.Msg, reply RenderReply) {
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		l.log.Error(logFmtReplyFailed, err)

		return
	}

	err = msg.Respond(data)
	if err != nil {
		l.log.Error(logFmtReplyFailed, err)
	}
}

func (l *Listener) parseAndValidate(msg *nats.Msg) (*RenderRequest, error) {
	var request RenderRequest

	err := json.Unmarshal(msg.Data, &request)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	err = l.validate.Struct(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	return &request, nil
}

func startPoint(from *int) string {
	if from == nil {
		return "auto"
	}

	return strconv.Itoa(*from)
}
