package stubserver

import (
	"context"

	"go.uber.org/zap"

	"edulms/chatcore/internal/models"
)

type directed struct {
	userID string
	env    models.Envelope
}

// Hub routes socket events between connected users. All state lives on the
// Run goroutine; every mutation arrives over a channel.
type Hub struct {
	log *zap.Logger

	registerCh   chan *wsClient
	unregisterCh chan *wsClient
	forwardCh    chan directed
	broadcastCh  chan models.Envelope

	clients map[string]*wsClient

	// onPresence runs when a user's connection count flips; it updates the
	// presence store and returns the status event to broadcast.
	onPresence func(userID string, online bool) (models.Envelope, bool)
}

func NewHub(log *zap.Logger, onPresence func(userID string, online bool) (models.Envelope, bool)) *Hub {
	return &Hub{
		log:          log,
		registerCh:   make(chan *wsClient),
		unregisterCh: make(chan *wsClient),
		forwardCh:    make(chan directed, 64),
		broadcastCh:  make(chan models.Envelope, 16),
		clients:      make(map[string]*wsClient),
	}
}

// Run is the dispatcher loop. It owns h.clients exclusively.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for _, c := range h.clients {
				c.closeSend()
			}
			return

		case c := <-h.registerCh:
			// Last setup wins: a newer connection for the same user
			// replaces the older one.
			if old, ok := h.clients[c.userID]; ok && old != c {
				old.closeSend()
			}
			h.clients[c.userID] = c
			h.log.Debug("client registered", zap.String("user", c.userID))
			h.presenceFlipped(c.userID, true)

		case c := <-h.unregisterCh:
			if cur, ok := h.clients[c.userID]; ok && cur == c {
				delete(h.clients, c.userID)
				c.closeSend()
				h.log.Debug("client unregistered", zap.String("user", c.userID))
				h.presenceFlipped(c.userID, false)
			}

		case d := <-h.forwardCh:
			if c, ok := h.clients[d.userID]; ok {
				c.trySend(d.env)
			}

		case env := <-h.broadcastCh:
			h.deliverAll(env)
		}
	}
}

func (h *Hub) presenceFlipped(userID string, online bool) {
	if h.onPresence == nil {
		return
	}
	if env, ok := h.onPresence(userID, online); ok {
		h.deliverAll(env)
	}
}

func (h *Hub) deliverAll(env models.Envelope) {
	for _, c := range h.clients {
		c.trySend(env)
	}
}

// SendTo queues an event for one user; dropped if nobody is connected.
func (h *Hub) SendTo(userID, event string, payload any) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		h.log.Error("failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}
	h.forwardCh <- directed{userID: userID, env: env}
}

// Broadcast queues an event for every connected user.
func (h *Hub) Broadcast(event string, payload any) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		h.log.Error("failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}
	h.broadcastCh <- env
}
