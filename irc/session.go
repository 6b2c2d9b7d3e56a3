package irc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/stream-sentry/datalog"
	"github.com/onnwee/stream-sentry/pipeline"
	"github.com/onnwee/stream-sentry/ratelimit"
	"github.com/onnwee/stream-sentry/telemetry"
)

// ErrAuthFailed marks a login rejection from the chat server. It is not
// retried: a bad token stays bad no matter how long we back off.
var ErrAuthFailed = errors.New("irc: login authentication failed")

// Config carries the connection parameters shared by all sessions.
type Config struct {
	Addr  string
	Nick  string
	Token string

	MsgLimit  int
	MsgWindow time.Duration
	MinDelay  time.Duration

	BackoffMin time.Duration
	BackoffCap time.Duration

	DialTimeout time.Duration

	// Dial overrides the network dialer; tests use it to hand the session an
	// in-memory pipe.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BackoffMin <= 0 {
		out.BackoffMin = time.Second
	}
	if out.BackoffCap <= 0 {
		out.BackoffCap = 60 * time.Second
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	if out.Dial == nil {
		out.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: out.DialTimeout}
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return out
}

const (
	readDeadline  = 100 * time.Millisecond
	limiterPause  = 50 * time.Millisecond
	readBufferLen = 4096
)

// Session owns one IRC connection and the chat traffic of one shard of
// channels. Its Run loop is single-threaded; Join/Part may be called from
// other goroutines and only touch the socket under writeMu.
type Session struct {
	id  string
	cfg Config
	rt  *pipeline.Runtime
	log *datalog.Logger

	limiter *ratelimit.Limiter

	mu       sync.RWMutex
	channels []string
	speakers map[string]map[string]struct{}

	writeMu sync.Mutex
	conn    net.Conn

	buf          string
	messageCount uint64
	startedAt    time.Time

	// sleep is swapped in tests to observe backoff delays.
	sleep func(ctx context.Context, d time.Duration)

	done chan struct{}
}

// NewSession builds a session for one shard. channels must be lowercase.
func NewSession(id string, channels []string, cfg Config, rt *pipeline.Runtime, log *datalog.Logger) *Session {
	c := cfg.withDefaults()
	s := &Session{
		id:       id,
		cfg:      c,
		rt:       rt,
		log:      log,
		limiter:  ratelimit.New(c.MsgLimit, c.MsgWindow, c.MinDelay),
		channels: append([]string(nil), channels...),
		speakers: make(map[string]map[string]struct{}),
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
		done: make(chan struct{}),
	}
	for _, ch := range channels {
		s.speakers[ch] = make(map[string]struct{})
	}
	return s
}

// Done is closed once the session has fully terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// ID returns the shard ordinal identifier.
func (s *Session) ID() string { return s.id }

// Channels returns a snapshot of the channels this session owns.
func (s *Session) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.channels...)
}

// Run drives the session state machine until ctx is canceled or the login is
// rejected. Transient failures reconnect with doubling backoff; the delay
// resets on every successful connect.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	defer s.closeDown()

	s.startedAt = time.Now()
	delay := s.cfg.BackoffMin

	for ctx.Err() == nil {
		if err := s.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			telemetry.Reconnects.Inc()
			s.logSystem("RECONNECT_FAILED", "ALL", fmt.Sprintf("%s: %v", s.id, err), pipeline.SeverityWarning)
			s.sleep(ctx, delay)
			delay = min(delay*2, s.cfg.BackoffCap)
			continue
		}
		delay = s.cfg.BackoffMin

		err := s.loop(ctx)
		if errors.Is(err, ErrAuthFailed) {
			s.rt.Emit(pipeline.SystemNotice{
				Channel:  pipeline.SystemChannel,
				Text:     fmt.Sprintf("%s: authentication rejected; not retrying", s.id),
				Severity: pipeline.SeverityCritical,
			})
			s.logSystem("AUTH_FAILED", "ALL", s.id+": login rejected", pipeline.SeverityCritical)
			return
		}
		if ctx.Err() != nil {
			// Graceful stop: the deferred closeDown parts channels over the
			// still-open socket.
			return
		}
		s.disconnect()
		if err != nil {
			s.logSystem("CONNECTION_ERROR", "ALL", fmt.Sprintf("%s: %v", s.id, err), pipeline.SeverityError)
			// Peer closed or read failed: reconnect immediately, backoff only
			// applies to failed connect attempts.
		}
	}
}

// connect dials the server and performs the authentication sequence plus a
// single batched join for all owned channels.
func (s *Session) connect(ctx context.Context) error {
	conn, err := s.cfg.Dial(ctx, s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.Addr, err)
	}

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	s.buf = ""

	handshake := []string{
		"PASS " + s.cfg.Token,
		"NICK " + s.cfg.Nick,
		"CAP REQ :twitch.tv/tags twitch.tv/commands twitch.tv/membership",
	}
	chans := s.Channels()
	if len(chans) > 0 {
		handshake = append(handshake, "JOIN "+joinList(chans))
	}
	for _, line := range handshake {
		if err := s.sendRaw(line); err != nil {
			// Failed handshakes must not leak the socket across the backoff.
			s.disconnect()
			return fmt.Errorf("handshake: %w", err)
		}
	}

	s.rt.Emit(pipeline.SystemNotice{
		Channel:  pipeline.SystemChannel,
		Text:     fmt.Sprintf("%s connected to %d channels", s.id, len(chans)),
		Severity: pipeline.SeverityInfo,
	})
	s.logSystem("SHARD_CONNECTED", "ALL", fmt.Sprintf("%s connected to channels: %v", s.id, chans), pipeline.SeverityInfo)
	return nil
}

// loop is the Connected state: drain one outbound send, then one bounded
// read, every iteration. Returns nil on graceful shutdown.
func (s *Session) loop(ctx context.Context) error {
	readBuf := make([]byte, readBufferLen)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := s.pumpOutbound(ctx); err != nil {
			return err
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		n, err := s.conn.Read(readBuf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			return errors.New("peer closed connection")
		}

		s.buf += string(readBuf[:n])
		lines, rest := splitLines(s.buf)
		s.buf = rest
		for _, line := range lines {
			if line == "" {
				continue
			}
			if err := s.handleLine(line); err != nil {
				return err
			}
		}
	}
}

// pumpOutbound pops at most one send request addressed to this session's
// channels, waits for the limiter, and sends it.
func (s *Session) pumpOutbound(ctx context.Context) error {
	var req pipeline.SendRequest
	select {
	case req = <-s.rt.Send:
	default:
		return nil
	}

	if !s.owns(req.Channel) {
		// Another session's traffic; put it back rather than drop it.
		select {
		case s.rt.Send <- req:
		default:
			slog.Warn("send queue full, dropping cross-shard message", slog.String("channel", req.Channel))
		}
		return nil
	}

	waitStart := time.Now()
	for !s.limiter.Allow() {
		s.sleep(ctx, limiterPause)
		if ctx.Err() != nil {
			slog.Debug("dropping outbound message at shutdown",
				slog.String("session", s.id), slog.String("channel", req.Channel))
			return nil
		}
	}

	if err := s.sendRaw(fmt.Sprintf("PRIVMSG #%s :%s", req.Channel, req.Text)); err != nil {
		return fmt.Errorf("send privmsg: %w", err)
	}

	now := time.Now()
	s.rt.SetLastSent(req.Channel, req.Text, now)
	s.rt.Emit(pipeline.ChatMessage{Channel: req.Channel, User: s.cfg.Nick, Kind: pipeline.KindSelf, Text: req.Text})
	if s.log != nil {
		s.log.LogChat(now, req.Channel, s.cfg.Nick, pipeline.KindSelf, req.Text, int(now.Sub(waitStart).Milliseconds()))
	}
	telemetry.MessagesSent.Inc()
	return nil
}

// handleLine dispatches one complete protocol line. Malformed lines are
// logged and dropped; only an auth rejection is fatal.
func (s *Session) handleLine(line string) error {
	switch {
	case strings.HasPrefix(line, "PING"):
		return s.sendRaw("PONG :tmi.twitch.tv")

	case strings.Contains(line, "PRIVMSG"):
		msg, ok := ParsePrivMsg(line)
		if !ok {
			telemetry.ParseErrors.Inc()
			slog.Debug("dropping malformed chat line", slog.String("session", s.id), slog.String("line", line))
			return nil
		}
		s.messageCount++
		telemetry.MessagesReceived.Inc()
		s.addSpeaker(msg.Channel, msg.User)
		s.rt.Emit(pipeline.ChatMessage{Channel: msg.Channel, User: msg.User, Kind: pipeline.KindChat, Text: msg.Text})
		if s.log != nil {
			s.log.LogChat(time.Now(), msg.Channel, msg.User, pipeline.KindChat, msg.Text, 0)
		}
		return nil

	case strings.Contains(line, "NOTICE"):
		channel, text, ok := ParseNotice(line)
		if !ok {
			telemetry.ParseErrors.Inc()
			return nil
		}
		if isAuthFailure(text) {
			return ErrAuthFailed
		}
		s.rt.Emit(pipeline.SystemNotice{Channel: channel, Text: "[NOTICE] " + text, Severity: pipeline.SeverityInfo})
		s.logSystem("IRC_NOTICE", channel, text, pipeline.SeverityInfo)
		return nil

	case strings.Contains(line, "JOIN"), strings.Contains(line, "PART"):
		p, ok := ParsePresence(line)
		if !ok {
			return nil
		}
		if p.Joined {
			s.addSpeaker(p.Channel, p.User)
		} else {
			s.removeSpeaker(p.Channel, p.User)
		}
		return nil

	default:
		slog.Debug("unhandled irc line", slog.String("session", s.id), slog.String("line", line))
		return nil
	}
}

// Join adds late-arriving channels to a live session with one batched JOIN.
// The orchestrator normally rebuilds shards wholesale; this exists for the
// window between a join request and the next rebuild.
func (s *Session) Join(channels []string) error {
	s.mu.Lock()
	fresh := make([]string, 0, len(channels))
	for _, ch := range channels {
		ch = strings.ToLower(ch)
		if _, ok := s.speakers[ch]; ok {
			continue
		}
		s.speakers[ch] = make(map[string]struct{})
		s.channels = append(s.channels, ch)
		fresh = append(fresh, ch)
	}
	s.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	return s.sendRaw("JOIN " + joinList(fresh))
}

// Part removes channels from a live session, parting each best-effort.
func (s *Session) Part(channels []string) {
	for _, ch := range channels {
		ch = strings.ToLower(ch)
		s.mu.Lock()
		if _, ok := s.speakers[ch]; !ok {
			s.mu.Unlock()
			continue
		}
		delete(s.speakers, ch)
		kept := s.channels[:0]
		for _, c := range s.channels {
			if c != ch {
				kept = append(kept, c)
			}
		}
		s.channels = kept
		s.mu.Unlock()

		if err := s.sendRaw("PART #" + ch); err != nil {
			slog.Debug("part failed", slog.String("session", s.id), slog.String("channel", ch), slog.Any("err", err))
		}
	}
}

// Speakers returns the users seen chatting or joining in a channel.
func (s *Session) Speakers(channel string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.speakers[strings.ToLower(channel)]
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	return out
}

func (s *Session) owns(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.channels {
		if ch == channel {
			return true
		}
	}
	return false
}

func (s *Session) addSpeaker(channel, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.speakers[channel]
	if !ok {
		return
	}
	if _, seen := set[user]; seen {
		return
	}
	set[user] = struct{}{}
	if s.log != nil {
		s.log.LogSystem(time.Now(), "USER_PRESENT", channel, user, pipeline.SeverityInfo)
	}
}

func (s *Session) removeSpeaker(channel, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.speakers[channel]; ok {
		delete(set, user)
	}
}

func (s *Session) sendRaw(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return errors.New("not connected")
	}
	_, err := s.conn.Write([]byte(line + "\r\n"))
	return err
}

func (s *Session) disconnect() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// closeDown is the Closing state: part channels best-effort, close the
// socket, and write the session metrics snapshot.
func (s *Session) closeDown() {
	chans := s.Channels()
	s.writeMu.Lock()
	if s.conn != nil {
		for _, ch := range chans {
			_, _ = s.conn.Write([]byte("PART #" + ch + "\r\n"))
		}
		_ = s.conn.Close()
		s.conn = nil
	}
	s.writeMu.Unlock()

	if s.log != nil {
		m := datalog.SessionMetrics{
			SessionID:      s.id,
			Channels:       chans,
			MessageCount:   s.messageCount,
			UptimeSeconds:  time.Since(s.startedAt).Seconds(),
			LimiterMetrics: s.limiter.Metrics(),
		}
		if err := datalog.WriteSessionMetrics(s.log.Dir(), m); err != nil {
			slog.Warn("failed to write session metrics", slog.String("session", s.id), slog.Any("err", err))
		}
	}
}

func (s *Session) logSystem(eventType, channel, details, severity string) {
	if s.log != nil {
		s.log.LogSystem(time.Now(), eventType, channel, details, severity)
	}
}

func joinList(channels []string) string {
	parts := make([]string, len(channels))
	for i, ch := range channels {
		parts[i] = "#" + ch
	}
	return strings.Join(parts, ",")
}
