// Package session wires the chat core together for one authenticated user:
// it owns the bridge, the roster tracker and the conversation controller,
// and routes every inbound event with the current conversation key passed
// explicitly, so no handler ever closes over a stale recipient.
package session

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"edulms/chatcore/internal/channel"
	"edulms/chatcore/internal/conversation"
	"edulms/chatcore/internal/models"
	"edulms/chatcore/internal/notify"
	"edulms/chatcore/internal/rest"
	"edulms/chatcore/internal/roster"
)

// Session is the top-level owner of the chat core. The bridge stays
// connected for the whole session regardless of which screen is visible;
// only Close tears it down.
type Session struct {
	log    *zap.Logger
	api    *rest.Client
	bridge *channel.Bridge
	roster *roster.Tracker
	conv   *conversation.Controller
	selfID string
}

// New builds the core around an authenticated REST client. The socket is not
// dialed yet; Start does that.
func New(api *rest.Client, socketURL string, notifier notify.Notifier, log *zap.Logger) (*Session, error) {
	selfID, err := api.SelfID()
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s := &Session{log: log, api: api, selfID: selfID}
	s.roster = roster.New(selfID, api.Users, log)
	s.bridge = channel.New(socketURL, log, channel.Handlers{
		OnMessage:    s.handleMessage,
		OnTyping:     func(senderID string) { s.conv.HandleTyping(senderID, true) },
		OnStopTyping: func(senderID string) { s.conv.HandleTyping(senderID, false) },
		OnStatus:     s.handleStatus,
	}, api.AuthHeader)
	s.conv = conversation.New(selfID, api, s.bridge, notifier, log)
	return s, nil
}

// Start loads the roster and connects the realtime channel. A socket dial
// failure degrades to REST-only chat rather than failing the session. For
// non-admin users the admin support contact is opened right away.
func (s *Session) Start(ctx context.Context, selfRole string) error {
	selected, err := s.roster.Load(ctx, selfRole)
	if err != nil {
		return fmt.Errorf("session: load roster: %w", err)
	}

	if err := s.bridge.Connect(ctx, s.selfID); err != nil {
		s.log.Warn("realtime channel unavailable, continuing over REST", zap.Error(err))
	}

	if selected != nil {
		if err := s.conv.Open(ctx, *selected); err != nil {
			s.log.Warn("failed to open default conversation", zap.Error(err))
		}
	}
	return nil
}

// Close tears down the realtime channel. Called once, at end of session.
func (s *Session) Close() {
	s.bridge.Close()
}

func (s *Session) handleMessage(msg models.Message) {
	// The open conversation key is captured once and handed to both
	// consumers, so the log append and the unread decision agree.
	open := s.conv.RecipientID()
	s.conv.HandleIncoming(msg)
	s.roster.ApplyMessage(context.Background(), msg, open)
}

func (s *Session) handleStatus(ch models.StatusChange) {
	s.roster.ApplyStatus(ch)
	s.conv.UpdateRecipientStatus(ch)
	if ch.UserID == s.selfID && ch.IsBlockedFromChat != nil {
		// An admin blocked (or unblocked) us mid-session.
		s.conv.SetSelfBlocked(*ch.IsBlockedFromChat)
	}
}

// Open switches the active conversation to the roster entry with id.
func (s *Session) Open(ctx context.Context, id string) error {
	entry, ok := s.roster.Select(id)
	if !ok {
		return fmt.Errorf("session: no roster entry %q", id)
	}
	return s.conv.Open(ctx, entry)
}

// Send delivers a message in the open conversation.
func (s *Session) Send(ctx context.Context, text string, image io.Reader, imageName string) (models.Message, error) {
	return s.conv.Send(ctx, text, image, imageName)
}

// InputActivity forwards a compose-box keystroke to the typing debounce.
func (s *Session) InputActivity() { s.conv.InputActivity() }

// ToggleBlock flips the block on the open recipient.
func (s *Session) ToggleBlock(ctx context.Context) (rest.BlockResult, error) {
	return s.conv.ToggleBlock(ctx)
}

// ClearChat purges the open conversation.
func (s *Session) ClearChat(ctx context.Context) error { return s.conv.ClearChat(ctx) }

// SelfID returns the authenticated user's id.
func (s *Session) SelfID() string { return s.selfID }

// Roster returns the sidebar entries in display order.
func (s *Session) Roster() []models.ChatUser { return s.roster.Entries() }

// Messages returns the open conversation's log.
func (s *Session) Messages() []models.Message { return s.conv.Messages() }

// RecipientTyping reports the open conversation's typing indicator.
func (s *Session) RecipientTyping() bool { return s.conv.RecipientTyping() }

// CanCompose reports whether the compose box is enabled.
func (s *Session) CanCompose() bool { return s.conv.CanCompose() }

// Connected reports whether the realtime channel is up.
func (s *Session) Connected() bool { return s.bridge.Connected() }
