// Package channel owns the realtime event bridge: a single long-lived
// websocket per session that translates inbound named events into state
// callbacks and user actions into outbound emits. The bridge is constructed
// explicitly and injected; only the session owner ever closes it, so it
// survives navigation away from the chat screen.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"edulms/chatcore/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10

	defaultReconnectDelay = 2 * time.Second
	defaultMaxReconnects  = 5
)

var (
	// ErrClosed is returned by Connect after Close has been called.
	ErrClosed = errors.New("channel: bridge is closed")
)

// Handlers receives inbound events. Nil handlers are skipped. Handlers run
// on the read pump goroutine and must not block.
type Handlers struct {
	OnMessage    func(models.Message)
	OnTyping     func(senderID string)
	OnStopTyping func(senderID string)
	OnStatus     func(models.StatusChange)
}

// Bridge is the bidirectional event channel. Outbound emits are fire and
// forget: when the socket is down they are dropped with a debug log, never
// queued. Message delivery itself goes over REST, so nothing user-visible
// depends on channel liveness.
type Bridge struct {
	url      string
	log      *zap.Logger
	handlers Handlers
	header   func() map[string][]string

	// Reconnection policy of the underlying transport: bounded attempts,
	// fixed delay. Tune before Connect.
	ReconnectDelay time.Duration
	MaxReconnects  int

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan models.Envelope
	userID    string
	connected bool
	closed    bool
}

// New builds a disconnected bridge. header, when non-nil, supplies extra
// handshake headers (the bearer token).
func New(url string, log *zap.Logger, handlers Handlers, header func() map[string][]string) *Bridge {
	return &Bridge{
		url:            url,
		log:            log,
		handlers:       handlers,
		header:         header,
		ReconnectDelay: defaultReconnectDelay,
		MaxReconnects:  defaultMaxReconnects,
	}
}

// Connect dials the socket and emits setup for userID so the server can
// route events to this connection. Calling it again while already connected
// for the same user is a no-op, so a doubled mount cycle still produces
// exactly one setup emission.
func (b *Bridge) Connect(ctx context.Context, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.connected && b.userID == userID {
		return nil
	}
	if b.connected {
		// Different user on the same bridge: drop the old connection so the
		// stale pumps wind down before the new identity takes over.
		b.dropConnLocked()
	}
	b.userID = userID

	if err := b.dialLocked(ctx); err != nil {
		return err
	}
	b.emitLocked(models.EventSetup, models.SetupPayload{UserID: userID})
	return nil
}

// Close tears the connection down for good. After Close the bridge cannot be
// reused; the session builds a fresh one on next login.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.dropConnLocked()
}

// Connected reports whether the socket is currently up.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// EmitTyping signals that the user started typing to room (the recipient id).
func (b *Bridge) EmitTyping(room, senderID string) {
	b.emit(models.EventTyping, models.TypingPayload{Room: room, SenderID: senderID})
}

// EmitStopTyping signals that the user went idle or is about to send.
func (b *Bridge) EmitStopTyping(room, senderID string) {
	b.emit(models.EventStopTyping, models.TypingPayload{Room: room, SenderID: senderID})
}

// EmitNewMessage mirrors a REST-confirmed message over the channel so other
// sessions of either party reconcile without polling.
func (b *Bridge) EmitNewMessage(msg models.Message) {
	b.emit(models.EventNewMessage, msg)
}

func (b *Bridge) emit(event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitLocked(event, payload)
}

func (b *Bridge) emitLocked(event string, payload any) {
	if !b.connected {
		b.log.Debug("channel down, dropping outbound event", zap.String("event", event))
		return
	}
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		b.log.Error("failed to encode outbound event", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case b.send <- env:
	default:
		b.log.Warn("outbound buffer full, dropping event", zap.String("event", event))
	}
}

// dialLocked opens a fresh connection and starts its pumps. Each connection
// cycle gets its own send channel, so pumps of a dead connection can never
// touch the live one.
func (b *Bridge) dialLocked(ctx context.Context) error {
	var hdr map[string][]string
	if b.header != nil {
		hdr = b.header()
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, b.url, hdr)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}

	b.conn = conn
	b.send = make(chan models.Envelope, 64)
	b.connected = true

	go b.writePump(conn, b.send)
	go b.readPump(conn)
	return nil
}

func (b *Bridge) dropConnLocked() {
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	if b.send != nil {
		close(b.send)
		b.send = nil
	}
	b.connected = false
}

// readPump reads envelopes until the connection dies, then hands off to the
// reconnect loop. No payload is allowed to crash the update path: anything
// that fails to decode is logged and skipped.
func (b *Bridge) readPump(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.log.Debug("socket read failed", zap.Error(err))
			}
			break
		}

		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			b.log.Debug("skipping malformed frame", zap.Error(err))
			continue
		}
		b.dispatch(env)
	}

	b.handleDisconnect(conn)
}

func (b *Bridge) dispatch(env models.Envelope) {
	switch env.Event {
	case models.EventMessageReceived:
		var msg models.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			b.log.Debug("skipping malformed message_received", zap.Error(err))
			return
		}
		if b.handlers.OnMessage != nil {
			b.handlers.OnMessage(msg)
		}
	case models.EventTyping:
		var p models.TypingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		if b.handlers.OnTyping != nil {
			b.handlers.OnTyping(p.SenderID)
		}
	case models.EventStopTyping:
		var p models.TypingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		if b.handlers.OnStopTyping != nil {
			b.handlers.OnStopTyping(p.SenderID)
		}
	case models.EventUserStatusChanged:
		var p models.StatusChange
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		if b.handlers.OnStatus != nil {
			b.handlers.OnStatus(p)
		}
	default:
		b.log.Debug("ignoring unknown event", zap.String("event", env.Event))
	}
}

// handleDisconnect marks the bridge down and, unless Close was called, tries
// to bring the connection back. After every successful reconnect the setup
// event is re-emitted with the stored user id; without that the server-side
// routing state is gone and inbound messages would silently blackhole.
func (b *Bridge) handleDisconnect(conn *websocket.Conn) {
	b.mu.Lock()
	if b.conn != conn {
		// A newer connection already took over.
		b.mu.Unlock()
		return
	}
	b.dropConnLocked()
	if b.closed {
		b.mu.Unlock()
		return
	}
	delay, attempts, userID := b.ReconnectDelay, b.MaxReconnects, b.userID
	b.mu.Unlock()

	go b.reconnect(delay, attempts, userID)
}

func (b *Bridge) reconnect(delay time.Duration, attempts int, userID string) {
	for i := 1; i <= attempts; i++ {
		time.Sleep(delay)

		b.mu.Lock()
		if b.closed || b.connected {
			b.mu.Unlock()
			return
		}
		err := b.dialLocked(context.Background())
		if err == nil {
			b.emitLocked(models.EventSetup, models.SetupPayload{UserID: userID})
			b.mu.Unlock()
			b.log.Info("socket reconnected", zap.Int("attempt", i))
			return
		}
		b.mu.Unlock()
		b.log.Debug("reconnect attempt failed", zap.Int("attempt", i), zap.Error(err))
	}
	b.log.Warn("reconnect attempts exhausted, chat degrades to REST only")
}

// writePump drains the send channel into the socket and keeps the connection
// alive with pings.
func (b *Bridge) writePump(conn *websocket.Conn, send chan models.Envelope) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case env, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				b.log.Error("failed to encode frame", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
