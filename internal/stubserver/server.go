// Package stubserver is a development backend for the chat core: it
// implements the REST endpoints and socket event routing the client talks
// to, so the core can be exercised end to end without the real LMS API.
package stubserver

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"edulms/chatcore/internal/models"
)

const (
	ctxUserID   = "userID"
	ctxUserRole = "userRole"

	tokenTTL = 72 * time.Hour
)

// Server glues the store, presence and hub behind a gin router.
type Server struct {
	log      *zap.Logger
	store    Store
	presence Presence
	hub      *Hub
	secret   []byte
	router   *gin.Engine
}

func New(store Store, presence Presence, secret string, log *zap.Logger) *Server {
	s := &Server{
		log:      log,
		store:    store,
		presence: presence,
		secret:   []byte(secret),
	}
	s.hub = NewHub(log, s.presenceFlipped)
	s.router = s.routes()
	return s
}

// Start runs the hub dispatcher until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	go s.hub.Run(ctx)
}

// Handler exposes the router; tests mount it on httptest servers.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api/v1")
	api.POST("/auth/login", s.login)

	auth := api.Group("", s.authRequired)
	auth.GET("/chat/users", s.listUsers)
	auth.GET("/chat/history/:recipientId", s.history)
	auth.POST("/chat/send", s.send)
	auth.PUT("/chat/block/:recipientId", s.toggleBlock)
	auth.DELETE("/chat/clear/:recipientId", s.clearChat)
	auth.POST("/chat/bulk-send", s.bulkSend)
	auth.POST("/chat/bulk-send-all", s.bulkSendAll)

	r.GET("/ws", s.authRequired, s.serveWS)
	return r
}

// presenceFlipped records the presence change and returns the status event
// the hub broadcasts to every connected client.
func (s *Server) presenceFlipped(userID string, online bool) (models.Envelope, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.presence.SetOnline(ctx, userID, online); err != nil {
		s.log.Warn("failed to store presence", zap.String("user", userID), zap.Error(err))
	}

	change := models.StatusChange{UserID: userID, IsOnline: &online}
	if !online {
		now := time.Now().UTC()
		change.LastSeen = &now
	}
	env, err := models.NewEnvelope(models.EventUserStatusChanged, change)
	if err != nil {
		return models.Envelope{}, false
	}
	return env, true
}

// login finds or creates the user for email and issues a dev token.
func (s *Server) login(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
		Name  string `json:"name"`
		Role  string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := s.store.GetUserByEmail(req.Email)
	if errors.Is(err, ErrNotFound) {
		if req.Role == "" {
			req.Role = models.RoleStudent
		}
		user = models.ChatUser{
			ID:    uuid.NewString(),
			Name:  req.Name,
			Email: req.Email,
			Role:  req.Role,
		}
		err = s.store.SaveUser(user)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	claims := jwt.MapClaims{
		"user_id": user.ID,
		"role":    user.Role,
		"exp":     time.Now().Add(tokenTTL).Unix(),
		"iss":     "chatcore-stub",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

func (s *Server) authRequired(c *gin.Context) {
	raw := c.GetHeader("Authorization")
	if strings.HasPrefix(raw, "Bearer ") {
		raw = raw[len("Bearer "):]
	} else {
		raw = c.Query("token")
	}
	if raw == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization token missing"})
		return
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token claims"})
		return
	}
	userID, _ := claims["user_id"].(string)
	role, _ := claims["role"].(string)
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token claims"})
		return
	}
	c.Set(ctxUserID, userID)
	c.Set(ctxUserRole, role)
	c.Next()
}

// listUsers returns the roster for the caller: every other user for admins,
// only the admin support contacts for everyone else, each annotated with
// presence, last message and unread count.
func (s *Server) listUsers(c *gin.Context) {
	selfID := c.GetString(ctxUserID)
	selfRole := c.GetString(ctxUserRole)

	users, err := s.store.ListUsers()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list users"})
		return
	}

	out := make([]models.ChatUser, 0, len(users))
	for _, u := range users {
		if u.ID == selfID {
			continue
		}
		if selfRole != models.RoleAdmin && u.Role != models.RoleAdmin {
			continue
		}

		online, lastSeen, err := s.presence.Get(c.Request.Context(), u.ID)
		if err == nil {
			u.IsOnline = online
			u.LastSeen = lastSeen
		}
		if hist, err := s.store.History(selfID, u.ID); err == nil && len(hist) > 0 {
			last := hist[len(hist)-1]
			u.LastMessage = &last
		}
		if n, err := s.store.CountUnread(u.ID, selfID); err == nil {
			u.UnreadCount = n
		}
		out = append(out, u)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) history(c *gin.Context) {
	selfID := c.GetString(ctxUserID)
	recipientID := c.Param("recipientId")

	msgs, err := s.store.History(selfID, recipientID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	if err := s.store.MarkRead(recipientID, selfID); err != nil {
		s.log.Warn("failed to mark history read", zap.Error(err))
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

// send accepts the multipart payload (receiver, optional message, optional
// image), persists the message and pushes message_received to the receiver.
func (s *Server) send(c *gin.Context) {
	selfID := c.GetString(ctxUserID)

	receiverID := c.PostForm("receiver")
	body := c.PostForm("message")
	if receiverID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "receiver is required"})
		return
	}

	sender, err := s.store.GetUser(selfID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sender not found"})
		return
	}
	receiver, err := s.store.GetUser(receiverID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "receiver not found"})
		return
	}
	if sender.IsBlockedFromChat || receiver.IsBlockedFromChat {
		c.JSON(http.StatusForbidden, gin.H{"error": "chat is blocked for this conversation"})
		return
	}

	var imageRef string
	if file, err := c.FormFile("image"); err == nil {
		// The stub records a synthetic upload path; bytes are discarded.
		imageRef = "uploads/" + uuid.NewString() + filepath.Ext(file.Filename)
	}
	if body == "" && imageRef == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message or image is required"})
		return
	}

	msg := models.Message{
		ID:        uuid.NewString(),
		Sender:    models.UserRef(selfID),
		Receiver:  models.UserRef(receiverID),
		Message:   body,
		Image:     imageRef,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveMessage(msg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save message"})
		return
	}

	// Realtime delivery to the receiver rides on the sender's new_message
	// mirror (see dispatchWS), matching the production backend.
	c.JSON(http.StatusCreated, msg)
}

// toggleBlock flips the chat block on a user; admin only. The new state is
// broadcast so every session, including the blocked user's, updates live.
func (s *Server) toggleBlock(c *gin.Context) {
	if c.GetString(ctxUserRole) != models.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin only"})
		return
	}

	targetID := c.Param("recipientId")
	target, err := s.store.GetUser(targetID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	blocked := !target.IsBlockedFromChat
	if err := s.store.SetBlocked(targetID, blocked); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update block state"})
		return
	}

	s.hub.Broadcast(models.EventUserStatusChanged, models.StatusChange{
		UserID:            targetID,
		IsBlockedFromChat: &blocked,
	})

	msg := "user unblocked from chat"
	if blocked {
		msg = "user blocked from chat"
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}

func (s *Server) clearChat(c *gin.Context) {
	selfID := c.GetString(ctxUserID)
	recipientID := c.Param("recipientId")

	if err := s.store.ClearHistory(selfID, recipientID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) bulkSend(c *gin.Context) {
	var req struct {
		Recipients []string `json:"recipients" binding:"required"`
		Message    string   `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.deliverBulk(c, req.Recipients, req.Message)
}

func (s *Server) bulkSendAll(c *gin.Context) {
	var req struct {
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	users, err := s.store.ListUsers()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list users"})
		return
	}
	selfID := c.GetString(ctxUserID)
	recipients := make([]string, 0, len(users))
	for _, u := range users {
		if u.ID != selfID {
			recipients = append(recipients, u.ID)
		}
	}
	s.deliverBulk(c, recipients, req.Message)
}

func (s *Server) deliverBulk(c *gin.Context, recipients []string, body string) {
	selfID := c.GetString(ctxUserID)
	if c.GetString(ctxUserRole) != models.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin only"})
		return
	}

	if err := s.store.SaveBroadcast(selfID, recipients, body); err != nil {
		s.log.Warn("failed to record broadcast", zap.Error(err))
	}

	sent := 0
	for _, rid := range recipients {
		msg := models.Message{
			ID:        uuid.NewString(),
			Sender:    models.UserRef(selfID),
			Receiver:  models.UserRef(rid),
			Message:   body,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.store.SaveMessage(msg); err != nil {
			continue
		}
		s.hub.SendTo(rid, models.EventMessageReceived, msg)
		sent++
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sent": sent})
}
