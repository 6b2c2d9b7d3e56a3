package irc

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/stream-sentry/datalog"
	"github.com/onnwee/stream-sentry/pipeline"
	"github.com/onnwee/stream-sentry/telemetry"
)

const stopTimeout = 5 * time.Second

// Manager partitions the active channel set into shards of at most shardSize
// channels, one live Session each. Shards are recomputed wholesale on every
// rebuild; shard identity does not survive a rebuild.
type Manager struct {
	cfg       Config
	shardSize int
	rt        *pipeline.Runtime
	log       *datalog.Logger

	mu       sync.Mutex
	sessions []*managedSession
}

type managedSession struct {
	session *Session
	cancel  context.CancelFunc
}

// NewManager builds a manager. shardSize must be positive.
func NewManager(cfg Config, shardSize int, rt *pipeline.Runtime, log *datalog.Logger) *Manager {
	return &Manager{cfg: cfg, shardSize: shardSize, rt: rt, log: log}
}

// Rebuild stops every running session and starts one new session per group of
// channels. Safe to call repeatedly; an unchanged set still tears down and
// recreates, so callers should invoke it only on membership change.
// Not safe for concurrent use: the orchestrator serializes all calls.
func (m *Manager) Rebuild(ctx context.Context, active []string) {
	m.StopAll()

	channels := append([]string(nil), active...)
	sort.Strings(channels)

	m.mu.Lock()
	for i, group := range Partition(channels, m.shardSize) {
		id := fmt.Sprintf("shard_%d", i)
		s := NewSession(id, group, m.cfg, m.rt, m.log)
		sctx, cancel := context.WithCancel(ctx)
		go s.Run(sctx)
		m.sessions = append(m.sessions, &managedSession{session: s, cancel: cancel})
		slog.Info("shard started", slog.String("shard", id), slog.Int("channels", len(group)))
	}
	count := len(m.sessions)
	m.mu.Unlock()

	telemetry.ShardRebuilds.Inc()
	telemetry.ActiveSessions.Set(float64(count))
}

// StopAll cancels every session and waits for each with a bounded timeout.
func (m *Manager) StopAll() {
	m.mu.Lock()
	stopping := m.sessions
	m.sessions = nil
	m.mu.Unlock()

	for _, ms := range stopping {
		ms.cancel()
	}
	for _, ms := range stopping {
		select {
		case <-ms.session.Done():
		case <-time.After(stopTimeout):
			slog.Warn("session did not stop in time", slog.String("shard", ms.session.ID()))
		}
	}
	telemetry.ActiveSessions.Set(0)
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sessions returns the current sessions, newest rebuild only.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, len(m.sessions))
	for i, ms := range m.sessions {
		out[i] = ms.session
	}
	return out
}

// Partition splits channels into groups of at most size, preserving order.
func Partition(channels []string, size int) [][]string {
	if size <= 0 || len(channels) == 0 {
		return nil
	}
	var groups [][]string
	for start := 0; start < len(channels); start += size {
		end := min(start+size, len(channels))
		groups = append(groups, channels[start:end])
	}
	return groups
}
