// Package progress delivers per-chunk telemetry to the console log, to
// in-process observers and to NATS subscribers. Every sink is non-blocking:
// a slow or failing observer never stalls rendering.
package progress

import (
	"os"
	"sync"

	"github.com/book-expert/logger"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/book-expert/audiobook-pipeline/internal/core"
	"github.com/book-expert/audiobook-pipeline/internal/fsutil"
)

const (
	logFmtProgress = "Chunk %d/%d done | %.2fx realtime | elapsed %s | rss %s"
	logFmtFailed   = "Chunk %d/%d failed | elapsed %s"
)

// LogSink writes one line per finished chunk.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink returns a sink writing to log.
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Report(p core.Progress) {
	if p.Failed {
		s.log.Warn(logFmtFailed, p.Index+1, p.Total, fsutil.FormatDuration(p.Elapsed))

		return
	}

	s.log.Info(
		logFmtProgress,
		p.Index+1,
		p.Total,
		p.RealtimeFactor,
		fsutil.FormatDuration(p.Elapsed),
		fsutil.FormatFileSize(int64(p.MemoryUsed)),
	)
}

// ChannelSink forwards updates to a buffered channel, dropping updates
// when the reader falls behind.
type ChannelSink struct {
	updates chan core.Progress
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{updates: make(chan core.Progress, buffer)}
}

// Updates is the receive side of the sink.
func (s *ChannelSink) Updates() <-chan core.Progress {
	return s.updates
}

func (s *ChannelSink) Report(p core.Progress) {
	select {
	case s.updates <- p:
	default:
	}
}

// Multi fans an update out to several sinks in order.
type Multi []core.ProgressSink

func (m Multi) Report(p core.Progress) {
	for _, sink := range m {
		sink.Report(p)
	}
}

// Guard wraps sink so that a panic inside it is logged and swallowed.
func Guard(sink core.ProgressSink, log *logger.Logger) core.ProgressSink {
	return &guarded{sink: sink, log: log}
}

type guarded struct {
	sink core.ProgressSink
	log  *logger.Logger
}

func (g *guarded) Report(p core.Progress) {
	defer func() {
		recovered := recover()
		if recovered != nil && g.log != nil {
			g.log.Warn("Progress sink failed for chunk %d: %v", p.Index, recovered)
		}
	}()

	g.sink.Report(p)
}

// Discard ignores every update.
type Discard struct{}

func (Discard) Report(core.Progress) {}

var (
	selfOnce sync.Once
	self     *process.Process
)

// MemoryUsed returns the resident set size of this process, or 0 when it
// cannot be read.
func MemoryUsed() uint64 {
	selfOnce.Do(func() {
		proc, err := process.NewProcess(int32(os.Getpid()))
		if err == nil {
			self = proc
		}
	})

	if self == nil {
		return 0
	}

	info, err := self.MemoryInfo()
	if err != nil {
		return 0
	}

	return info.RSS
}
