package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/stream-sentry/bridge"
	"github.com/onnwee/stream-sentry/pipeline"
)

const (
	writeTimeout = 5 * time.Second

	// pongWait bounds how long a silent peer holds its read goroutine; pings
	// go out early enough that a healthy client always answers in time.
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 4096
)

// ErrClientClosed is returned by Deliver after the connection is gone.
var ErrClientClosed = errors.New("server: websocket client closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced by the CORS layer; the gateway accepts any
	// upgrade that got this far.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// inboundFrame is one client request over the websocket.
type inboundFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Message string `json:"message,omitempty"`
}

// wsClient is one websocket subscriber. Writes are serialized under mu;
// reads happen on the single serve goroutine.
type wsClient struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *wsClient) ID() string { return c.id }

// Deliver implements bridge.Subscriber.
func (c *wsClient) Deliver(msg bridge.Message) error {
	return c.write(msg)
}

func (c *wsClient) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// pingLoop keeps the connection's read deadline honest: a peer that stops
// answering pings is torn down instead of holding its goroutine open.
func (c *wsClient) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
}

// handleWS upgrades the connection, attaches it as a bridge subscriber, and
// serves inbound frames until the peer goes away.
func handleWS(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", slog.Any("err", err))
			return
		}
		client := &wsClient{id: uuid.New().String(), conn: conn}

		conn.SetReadLimit(maxFrameSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		stopPing := make(chan struct{})
		go client.pingLoop(stopPing)

		_ = client.write(bridge.Message{Type: "connected"})
		_ = client.write(bridge.Message{Type: "active_channels", Channels: deps.Runtime.ActiveChannels()})
		deps.Bridge.Attach(client)

		defer func() {
			close(stopPing)
			deps.Bridge.Detach(client.id)
			client.close()
		}()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Debug("websocket read error", slog.String("subscriber", client.id), slog.Any("err", err))
				}
				return
			}
			var frame inboundFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				_ = client.write(bridge.Message{Type: "error", Text: "malformed frame"})
				continue
			}
			if err := handleFrame(r.Context(), deps, client, frame); err != nil {
				_ = client.write(bridge.Message{Type: "error", Text: err.Error()})
			}
		}
	}
}

func handleFrame(ctx context.Context, deps Deps, client *wsClient, frame inboundFrame) error {
	switch frame.Type {
	case "send_chat":
		if frame.Channel == "" || frame.Message == "" {
			return errors.New("send_chat requires channel and message")
		}
		channel := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(frame.Channel), "#"))
		// A request for a channel no session owns would circulate in the send
		// queue forever; reject it at the gateway.
		if !deps.Runtime.IsActive(channel) {
			return errors.New("channel not active: " + channel)
		}
		req := pipeline.SendRequest{Channel: channel, Text: frame.Message}
		select {
		case deps.Runtime.Send <- req:
			return nil
		default:
			return errors.New("send queue full")
		}

	case "join_channel":
		if frame.Channel == "" {
			return errors.New("join_channel requires channel")
		}
		return deps.Orchestrator.JoinChannel(ctx, frame.Channel)

	case "get_active_channels":
		return client.write(bridge.Message{Type: "active_channels", Channels: deps.Runtime.ActiveChannels()})

	case "ping":
		return client.write(bridge.Message{Type: "pong"})

	default:
		return errors.New("unknown frame type " + frame.Type)
	}
}
