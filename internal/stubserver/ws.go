package stubserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"edulms/chatcore/internal/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dev stub, any origin is fine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsClient struct {
	userID string
	conn   *websocket.Conn
	send   chan models.Envelope

	closeOnce sync.Once
}

func (c *wsClient) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

func (c *wsClient) trySend(env models.Envelope) {
	select {
	case c.send <- env:
	default:
		// Slow consumer; drop rather than stall the hub.
	}
}

// serveWS upgrades the connection and runs the read loop. The connection is
// not routed to anyone until its setup event arrives.
func (s *Server) serveWS(c *gin.Context) {
	userID := c.GetString(ctxUserID)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	cl := &wsClient{
		userID: userID,
		conn:   conn,
		send:   make(chan models.Envelope, 64),
	}
	go cl.writePump()
	s.readLoop(cl)
}

func (s *Server) readLoop(cl *wsClient) {
	defer func() {
		s.hub.unregisterCh <- cl
		cl.conn.Close()
	}()

	cl.conn.SetReadLimit(wsMaxMessage)
	cl.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("ws read failed", zap.String("user", cl.userID), zap.Error(err))
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.log.Debug("skipping malformed ws frame", zap.String("user", cl.userID))
			continue
		}
		s.dispatchWS(cl, env)
	}
}

func (s *Server) dispatchWS(cl *wsClient, env models.Envelope) {
	switch env.Event {
	case models.EventSetup:
		var p models.SetupPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.UserID != cl.userID {
			// The socket is authenticated; a setup for someone else is bogus.
			s.log.Warn("rejecting setup for foreign user id", zap.String("conn", cl.userID))
			return
		}
		s.hub.registerCh <- cl

	case models.EventTyping, models.EventStopTyping:
		var p models.TypingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.Room == "" {
			return
		}
		s.hub.SendTo(p.Room, env.Event, models.TypingPayload{SenderID: cl.userID})

	case models.EventNewMessage:
		// A session mirrors its REST-confirmed send; route it to the
		// receiver as message_received.
		var msg models.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return
		}
		if string(msg.Sender) != cl.userID {
			return
		}
		s.hub.SendTo(string(msg.Receiver), models.EventMessageReceived, msg)

	default:
		s.log.Debug("ignoring unknown ws event", zap.String("event", env.Event))
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
