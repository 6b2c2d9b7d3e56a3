// Package bridge drains the inbound event queue and fans events out to
// attached subscribers as transport-ready messages. It also owns the
// idle-shutdown policy: when the last subscriber detaches, a short grace
// timer fires the injected shutdown hook unless someone reattaches first.
package bridge

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/stream-sentry/pipeline"
	"github.com/onnwee/stream-sentry/telemetry"
)

const (
	drainTick = 100 * time.Millisecond
	// DefaultShutdownGrace is how long the process lingers with no
	// subscribers before the shutdown hook runs.
	DefaultShutdownGrace = 3 * time.Second

	tagTranscript = "TRANSCRIPT"
)

// Message is one subscriber-facing frame. Type selects the variant; unused
// fields are omitted from the encoding.
type Message struct {
	Type      string             `json:"type"`
	Channel   string             `json:"channel,omitempty"`
	Tag       string             `json:"tag,omitempty"`
	User      string             `json:"user,omitempty"`
	Text      string             `json:"text,omitempty"`
	Timestamp string             `json:"timestamp,omitempty"`
	Game      string             `json:"game,omitempty"`
	Viewers   int                `json:"viewers,omitempty"`
	Thumbnail string             `json:"thumbnail,omitempty"`
	Live      *pipeline.LiveInfo `json:"live,omitempty"`
	Channels  []string           `json:"channels,omitempty"`
}

// Subscriber is one attached consumer. Deliver must not block indefinitely;
// a delivery error detaches the subscriber.
type Subscriber interface {
	ID() string
	Deliver(msg Message) error
}

// Bridge owns the single event drain loop and the subscriber registry.
type Bridge struct {
	rt    *pipeline.Runtime
	grace time.Duration
	now   func() time.Time

	mu       sync.Mutex
	subs     map[string]Subscriber
	idle     *time.Timer
	shutdown func()

	done chan struct{}
}

// New builds a bridge. shutdown runs after the grace period with no
// subscribers; pass nil to disable idle shutdown.
func New(rt *pipeline.Runtime, grace time.Duration, shutdown func()) *Bridge {
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	return &Bridge{
		rt:       rt,
		grace:    grace,
		now:      time.Now,
		subs:     make(map[string]Subscriber),
		shutdown: shutdown,
		done:     make(chan struct{}),
	}
}

// Done is closed when the drain loop exits.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Run drains events until ctx is canceled. The tick keeps the loop
// responsive to cancellation even when the queue is quiet.
func (b *Bridge) Run(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(drainTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.rt.Events:
			b.dispatch(ev)
		case <-ticker.C:
		}
	}
}

// dispatch converts one event into its subscriber frame. Events addressed to
// reserved channels are operational plumbing and never leave the process.
func (b *Bridge) dispatch(ev pipeline.Event) {
	switch e := ev.(type) {
	case pipeline.MetadataUpdate:
		b.broadcast(Message{
			Type:      "channel_meta",
			Channel:   e.Channel,
			Game:      e.Game,
			Viewers:   e.Viewers,
			Thumbnail: base64.StdEncoding.EncodeToString(e.Thumbnail),
		})

	case pipeline.StreamOnlinePrompt:
		live := e.Live
		b.broadcast(Message{Type: "stream_online", Channel: e.Channel, Live: &live})

	case pipeline.ChannelJoined:
		b.broadcast(Message{Type: "channel_joined", Channel: e.Channel})

	case pipeline.ChatMessage:
		if reserved(e.Channel) {
			return
		}
		b.broadcast(Message{
			Type:      "chat_message",
			Channel:   e.Channel,
			Tag:       e.Kind,
			User:      e.User,
			Text:      e.Text,
			Timestamp: b.now().Format("15:04:05"),
		})

	case pipeline.SystemNotice:
		if reserved(e.Channel) {
			return
		}
		b.broadcast(Message{
			Type:      "chat_message",
			Channel:   e.Channel,
			Tag:       pipeline.KindSystem,
			Text:      e.Text,
			Timestamp: b.now().Format("15:04:05"),
		})

	case pipeline.Transcript:
		if reserved(e.Channel) {
			return
		}
		b.broadcast(Message{
			Type:      "chat_message",
			Channel:   e.Channel,
			Tag:       tagTranscript,
			Text:      e.Text,
			Timestamp: b.now().Format("15:04:05"),
		})

	default:
		slog.Debug("unhandled event variant", slog.Any("event", ev))
	}
}

func reserved(channel string) bool {
	return channel == pipeline.SystemChannel || channel == pipeline.AnalyticsChannel
}

// broadcast delivers best-effort to every subscriber, detaching any whose
// delivery fails.
func (b *Bridge) broadcast(msg Message) {
	b.mu.Lock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if err := s.Deliver(msg); err != nil {
			slog.Warn("subscriber delivery failed, detaching", slog.String("subscriber", s.ID()), slog.Any("err", err))
			b.Detach(s.ID())
		}
	}
}

// Attach registers a subscriber and cancels any pending idle shutdown.
func (b *Bridge) Attach(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.idle != nil {
		b.idle.Stop()
		b.idle = nil
	}
	b.subs[sub.ID()] = sub
	telemetry.ActiveSubscribers.Set(float64(len(b.subs)))
	slog.Info("subscriber attached", slog.String("subscriber", sub.ID()), slog.Int("total", len(b.subs)))
}

// Detach removes a subscriber. When the registry empties, the idle timer is
// armed; a reattach within the grace period disarms it.
func (b *Bridge) Detach(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	telemetry.ActiveSubscribers.Set(float64(len(b.subs)))
	slog.Info("subscriber detached", slog.String("subscriber", id), slog.Int("total", len(b.subs)))

	if len(b.subs) == 0 && b.shutdown != nil && b.idle == nil {
		slog.Info("no subscribers remain, arming shutdown timer", slog.Duration("grace", b.grace))
		b.idle = time.AfterFunc(b.grace, b.fireShutdown)
	}
}

func (b *Bridge) fireShutdown() {
	b.mu.Lock()
	if len(b.subs) > 0 {
		// A subscriber attached between the timer firing and this lock.
		b.idle = nil
		b.mu.Unlock()
		return
	}
	b.idle = nil
	hook := b.shutdown
	b.mu.Unlock()
	slog.Info("shutdown grace expired with no subscribers")
	if hook != nil {
		hook()
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bridge) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
