// Package datalog writes the durable outputs of a monitoring session: CSV
// files for chat messages, transcripts and system events, and a JSON metrics
// snapshot per IRC session. These files are the only persistence the service
// performs; their field names are an external contract.
package datalog

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/stream-sentry/ratelimit"
)

// Logger appends rows to the session's CSV files. Safe for concurrent use;
// every row is flushed immediately so a crash loses at most the in-flight row.
type Logger struct {
	dir       string
	sessionID string

	mu         sync.Mutex
	chat       *csvFile
	transcript *csvFile
	system     *csvFile
}

type csvFile struct {
	f *os.File
	w *csv.Writer
}

var (
	chatHeader       = []string{"timestamp", "channel", "user", "message_type", "message", "session_id", "irc_delay_ms", "msg_length"}
	transcriptHeader = []string{"timestamp", "channel", "transcript_text", "audio_chunk_start", "audio_chunk_end", "confidence"}
	systemHeader     = []string{"timestamp", "event_type", "channel", "details", "severity"}
)

// New creates (or reopens) the CSV files under dir. The directory base name
// doubles as the session id recorded in chat rows.
func New(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	l := &Logger{dir: dir, sessionID: filepath.Base(dir)}

	var err error
	if l.chat, err = openCSV(filepath.Join(dir, "chat_messages.csv"), chatHeader); err != nil {
		return nil, err
	}
	if l.transcript, err = openCSV(filepath.Join(dir, "transcripts.csv"), transcriptHeader); err != nil {
		l.Close()
		return nil, err
	}
	if l.system, err = openCSV(filepath.Join(dir, "system_events.csv"), systemHeader); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func openCSV(path string, header []string) (*csvFile, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if st.Size() == 0 {
		if err := w.Write(header); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("write header %s: %w", path, err)
		}
		w.Flush()
	}
	return &csvFile{f: f, w: w}, nil
}

// Dir returns the session data directory.
func (l *Logger) Dir() string { return l.dir }

// LogChat appends one chat row. ircDelay is the milliseconds spent waiting on
// the rate limiter for self-sent messages, zero otherwise.
func (l *Logger) LogChat(at time.Time, channel, user, msgType, message string, ircDelay int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.write(l.chat, []string{
		at.UTC().Format(time.RFC3339Nano), channel, user, msgType, message,
		l.sessionID, strconv.Itoa(ircDelay), strconv.Itoa(len(message)),
	})
}

// LogTranscript appends one transcript row.
func (l *Logger) LogTranscript(at time.Time, channel, text string, chunkStart, chunkEnd float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.write(l.transcript, []string{
		at.UTC().Format(time.RFC3339Nano), channel, text,
		formatFloat(chunkStart), formatFloat(chunkEnd), "1.0",
	})
}

// LogSystem appends one system event row.
func (l *Logger) LogSystem(at time.Time, eventType, channel, details, severity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.write(l.system, []string{at.UTC().Format(time.RFC3339Nano), eventType, channel, details, severity})
}

func (l *Logger) write(cf *csvFile, row []string) {
	if cf == nil {
		return
	}
	if err := cf.w.Write(row); err != nil {
		slog.Warn("csv write failed", slog.Any("err", err))
		return
	}
	cf.w.Flush()
	if err := cf.w.Error(); err != nil {
		slog.Warn("csv flush failed", slog.Any("err", err))
	}
}

// Close flushes and closes all files.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, cf := range []*csvFile{l.chat, l.transcript, l.system} {
		if cf == nil {
			continue
		}
		cf.w.Flush()
		if err := cf.f.Close(); err != nil {
			slog.Warn("csv close failed", slog.Any("err", err))
		}
	}
	l.chat, l.transcript, l.system = nil, nil, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// SessionMetrics is the per-IRC-session snapshot written at termination.
// Field names are read by external tooling and must not change.
type SessionMetrics struct {
	SessionID      string            `json:"session_id"`
	Channels       []string          `json:"channels"`
	MessageCount   uint64            `json:"message_count"`
	UptimeSeconds  float64           `json:"uptime_seconds"`
	LimiterMetrics ratelimit.Metrics `json:"rate_limiter_metrics"`
}
