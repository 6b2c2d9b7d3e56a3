// Package pipeline holds the shared runtime state of the monitor: the event,
// audio and send queues, the active-channel set, and per-channel send state.
// Every other component communicates through a Runtime instance; ownership
// rules are documented on each type.
package pipeline

import "time"

// Reserved internal channels. Events addressed to them are operational and
// never forwarded to subscribers.
const (
	SystemChannel    = "system"
	AnalyticsChannel = "analytics"
)

// Message kinds carried by ChatMessage.
const (
	KindChat   = "CHAT"
	KindSelf   = "SELF"
	KindSystem = "SYSTEM"
)

// Severity levels for SystemNotice.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// Event is the closed set of payloads flowing through the inbound event queue.
// Each variant is produced by exactly one component and consumed once by the
// bridge. Events are immutable after creation.
type Event interface {
	EventChannel() string
}

// ChatMessage is a chat line: received from IRC (KindChat), sent by us
// (KindSelf), or synthesized (KindSystem).
type ChatMessage struct {
	Channel string
	User    string
	Kind    string
	Text    string
}

// SystemNotice reports an operational condition (connects, drops, crashes) so
// subscribers can observe degraded state.
type SystemNotice struct {
	Channel  string
	Text     string
	Severity string
}

// Transcript is one transcribed audio chunk.
type Transcript struct {
	Channel    string
	Text       string
	ChunkStart float64
	ChunkEnd   float64
}

// LiveInfo describes a live stream as reported by Helix.
type LiveInfo struct {
	Login        string    `json:"user"`
	Title        string    `json:"title"`
	Game         string    `json:"game"`
	Viewers      int       `json:"viewers"`
	Followers    int       `json:"followers,omitempty"`
	ThumbnailURL string    `json:"-"`
	StartedAt    time.Time `json:"started_at"`
}

// MetadataUpdate refreshes the subscriber-facing metadata of an active channel.
// Thumbnail holds raw image bytes; the bridge encodes them for transport.
type MetadataUpdate struct {
	Channel   string
	Game      string
	Viewers   int
	Thumbnail []byte
}

// StreamOnlinePrompt asks subscribers whether a newly live channel should be
// joined. It never mutates the active set by itself.
type StreamOnlinePrompt struct {
	Channel string
	Live    LiveInfo
}

// ChannelJoined announces that a channel entered the active set.
type ChannelJoined struct {
	Channel string
}

func (e ChatMessage) EventChannel() string        { return e.Channel }
func (e SystemNotice) EventChannel() string       { return e.Channel }
func (e Transcript) EventChannel() string         { return e.Channel }
func (e MetadataUpdate) EventChannel() string     { return e.Channel }
func (e StreamOnlinePrompt) EventChannel() string { return e.Channel }
func (e ChannelJoined) EventChannel() string      { return e.Channel }

// SendRequest is a subscriber-submitted outbound chat message.
type SendRequest struct {
	Channel string
	Text    string
}

// AudioChunk is a fixed-duration slice of mono PCM samples captured from a
// channel's live stream. ChunkStart/ChunkEnd are seconds from capture start.
type AudioChunk struct {
	Channel    string
	Samples    []float32
	ChunkStart float64
	ChunkEnd   float64
}
