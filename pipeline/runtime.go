package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/onnwee/stream-sentry/telemetry"
)

// Runtime aggregates the shared queues and channel state. Mutation discipline:
// the active set is written only by the orchestrator; per-channel send state is
// written only by the session that owns the channel. Everyone else reads.
type Runtime struct {
	Events chan Event
	Audio  chan AudioChunk
	Send   chan SendRequest

	audioThreshold int

	mu     sync.RWMutex
	active map[string]struct{}

	stateMu  sync.RWMutex
	lastSent map[string]sentState
}

type sentState struct {
	text string
	at   time.Time
}

// NewRuntime builds a Runtime with the given queue capacities. audioThreshold
// is the depth above which OfferAudio starts shedding chunks.
func NewRuntime(eventCap, audioCap, sendCap, audioThreshold int) *Runtime {
	telemetry.Init()
	return &Runtime{
		Events:         make(chan Event, eventCap),
		Audio:          make(chan AudioChunk, audioCap),
		Send:           make(chan SendRequest, sendCap),
		audioThreshold: audioThreshold,
		active:         make(map[string]struct{}),
		lastSent:       make(map[string]sentState),
	}
}

// Emit places an event on the inbound queue, dropping it if the queue is full.
// Event loss under saturation is preferred over blocking a producer.
func (rt *Runtime) Emit(ev Event) bool {
	select {
	case rt.Events <- ev:
		return true
	default:
		telemetry.IncEventsDropped()
		return false
	}
}

// OfferAudio enqueues a capture chunk unless the queue is already above the
// configured threshold, in which case the chunk is discarded. Lossy by design:
// capture must never stall behind a slow transcriber.
func (rt *Runtime) OfferAudio(chunk AudioChunk) bool {
	if len(rt.Audio) >= rt.audioThreshold {
		telemetry.IncChunksDropped()
		return false
	}
	select {
	case rt.Audio <- chunk:
		telemetry.SetAudioQueueDepth(len(rt.Audio))
		return true
	default:
		telemetry.IncChunksDropped()
		return false
	}
}

// AddActive adds a channel to the active set. Orchestrator only.
func (rt *Runtime) AddActive(channel string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.active[channel]; ok {
		return false
	}
	rt.active[channel] = struct{}{}
	telemetry.SetActiveChannels(len(rt.active))
	return true
}

// RemoveActive removes a channel from the active set. Orchestrator only.
func (rt *Runtime) RemoveActive(channel string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.active[channel]; !ok {
		return false
	}
	delete(rt.active, channel)
	telemetry.SetActiveChannels(len(rt.active))
	return true
}

// IsActive reports whether a channel is currently monitored.
func (rt *Runtime) IsActive(channel string) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	_, ok := rt.active[channel]
	return ok
}

// ActiveChannels returns a sorted snapshot of the active set.
func (rt *Runtime) ActiveChannels() []string {
	rt.mu.RLock()
	out := make([]string, 0, len(rt.active))
	for ch := range rt.active {
		out = append(out, ch)
	}
	rt.mu.RUnlock()
	sort.Strings(out)
	return out
}

// SetLastSent records the most recent self-sent message for a channel.
// Called only by the session owning the channel.
func (rt *Runtime) SetLastSent(channel, text string, at time.Time) {
	rt.stateMu.Lock()
	rt.lastSent[channel] = sentState{text: text, at: at}
	rt.stateMu.Unlock()
}

// LastSent returns the most recent self-sent message for a channel, if any.
func (rt *Runtime) LastSent(channel string) (text string, at time.Time, ok bool) {
	rt.stateMu.RLock()
	defer rt.stateMu.RUnlock()
	s, ok := rt.lastSent[channel]
	return s.text, s.at, ok
}
