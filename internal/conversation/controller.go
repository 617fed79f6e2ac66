// Package conversation owns the message log and composition state for the
// one conversation open at a time. Switching recipients reloads state; there
// are never two live logs.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"edulms/chatcore/internal/models"
	"edulms/chatcore/internal/notify"
	"edulms/chatcore/internal/rest"
)

// State of the open conversation.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
)

const defaultTypingTimeout = 3 * time.Second

var (
	// ErrNoConversation is returned by actions that need an open recipient.
	ErrNoConversation = errors.New("conversation: no recipient open")
	// ErrComposeBlocked is returned when either party is blocked from chat.
	ErrComposeBlocked = errors.New("conversation: composing is blocked")
)

// API is the REST surface the controller needs.
type API interface {
	History(ctx context.Context, recipientID string) ([]models.Message, error)
	Send(ctx context.Context, req rest.SendRequest) (models.Message, error)
	Block(ctx context.Context, recipientID string) (rest.BlockResult, error)
	Clear(ctx context.Context, recipientID string) error
}

// Emitter is the outbound half of the realtime channel.
type Emitter interface {
	EmitTyping(room, senderID string)
	EmitStopTyping(room, senderID string)
	EmitNewMessage(msg models.Message)
}

// Controller drives one open conversation: history hydration, live updates,
// the typing debounce and the confirm-then-append send path.
type Controller struct {
	log      *zap.Logger
	api      API
	emitter  Emitter
	notifier notify.Notifier
	selfID   string

	// TypingTimeout is how long after the last keystroke the stop_typing
	// signal fires. Tests shorten it.
	TypingTimeout time.Duration

	mu              sync.Mutex
	state           State
	gen             int
	recipient       models.ChatUser
	hasRecipient    bool
	selfBlocked     bool
	messages        []models.Message
	recipientTyping bool
	typing          bool
	typingTimer     *time.Timer
}

func New(selfID string, api API, emitter Emitter, notifier notify.Notifier, log *zap.Logger) *Controller {
	return &Controller{
		log:           log,
		api:           api,
		emitter:       emitter,
		notifier:      notifier,
		selfID:        selfID,
		TypingTimeout: defaultTypingTimeout,
	}
}

// Open switches to a conversation. The log is cleared immediately so stale
// messages never show for the wrong person, then history is fetched. Live
// messages delivered while the fetch is in flight are kept and deduplicated
// against the arriving history. A response for a conversation the user has
// already switched away from is discarded by generation token.
func (c *Controller) Open(ctx context.Context, recipient models.ChatUser) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.recipient = recipient
	c.hasRecipient = true
	c.messages = nil
	c.recipientTyping = false
	c.cancelTypingLocked()
	c.state = StateLoading
	c.mu.Unlock()

	history, err := c.api.History(ctx, recipient.ID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		c.log.Debug("discarding stale history response", zap.String("recipient", recipient.ID))
		return nil
	}
	if err != nil {
		// Log stays empty; the caller surfaces the failure.
		c.state = StateReady
		return fmt.Errorf("load history for %s: %w", recipient.ID, err)
	}

	c.messages = mergeByID(history, c.messages)
	c.state = StateReady
	return nil
}

// mergeByID keeps the fetched history order and appends any live-delivered
// message the history does not already contain.
func mergeByID(history, live []models.Message) []models.Message {
	merged := make([]models.Message, 0, len(history)+len(live))
	seen := make(map[string]struct{}, len(history))
	for _, m := range history {
		merged = append(merged, m)
		if m.ID != "" {
			seen[m.ID] = struct{}{}
		}
	}
	for _, m := range live {
		if m.ID != "" {
			if _, dup := seen[m.ID]; dup {
				continue
			}
		}
		merged = append(merged, m)
	}
	return merged
}

// HandleIncoming appends a live message if it belongs to the open
// conversation and is not already in the log. Messages without an id are
// never deduplicated. Returns whether the message was appended.
func (c *Controller) HandleIncoming(msg models.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasRecipient || !msg.Between(c.selfID, c.recipient.ID) {
		return false
	}
	if msg.ID != "" && c.containsLocked(msg.ID) {
		return false
	}
	c.messages = append(c.messages, msg)

	if string(msg.Receiver) == c.selfID {
		c.notifier.MessageReceived()
	}
	return true
}

// HandleTyping flips the recipient-typing indicator when the event matches
// the open conversation's partner.
func (c *Controller) HandleTyping(senderID string, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasRecipient && senderID == c.recipient.ID {
		c.recipientTyping = active
	}
}

// InputActivity records a keystroke in the compose box. The first keystroke
// after idle emits one typing event; every keystroke restarts the countdown;
// when it elapses with no further input, stop_typing goes out once.
func (c *Controller) InputActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasRecipient || !c.canComposeLocked() {
		return
	}
	if !c.typing {
		c.typing = true
		c.emitter.EmitTyping(c.recipient.ID, c.selfID)
	}
	gen := c.gen
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.TypingTimeout, func() { c.typingExpired(gen) })
}

func (c *Controller) typingExpired(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || !c.typing {
		return
	}
	c.typing = false
	c.emitter.EmitStopTyping(c.recipient.ID, c.selfID)
}

// cancelTypingLocked drops the debounce state without emitting; used on
// conversation switch, where the old compose box is gone anyway.
func (c *Controller) cancelTypingLocked() {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.typing = false
}

// Send delivers text and/or an image to the open recipient. stop_typing goes
// out first regardless of the debounce timer; then the REST call; only the
// server-confirmed message is appended, so a failed send leaves the log
// untouched and there is nothing to roll back. On success the message is
// mirrored over the channel for any other session of either party.
func (c *Controller) Send(ctx context.Context, text string, image io.Reader, imageName string) (models.Message, error) {
	c.mu.Lock()
	if !c.hasRecipient {
		c.mu.Unlock()
		return models.Message{}, ErrNoConversation
	}
	if !c.canComposeLocked() {
		c.mu.Unlock()
		return models.Message{}, ErrComposeBlocked
	}
	recipientID := c.recipient.ID
	c.cancelTypingLocked()
	c.emitter.EmitStopTyping(recipientID, c.selfID)
	c.mu.Unlock()

	msg, err := c.api.Send(ctx, rest.SendRequest{
		Receiver:  recipientID,
		Message:   text,
		Image:     image,
		ImageName: imageName,
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("send to %s: %w", recipientID, err)
	}

	c.mu.Lock()
	if c.hasRecipient && c.recipient.ID == recipientID {
		if msg.ID == "" || !c.containsLocked(msg.ID) {
			c.messages = append(c.messages, msg)
		}
	}
	c.mu.Unlock()

	c.emitter.EmitNewMessage(msg)
	c.notifier.MessageSent()
	return msg, nil
}

// ToggleBlock flips the chat block on the recipient through the REST call
// and mirrors the new state locally on success. The destructive-action
// confirmation is the caller's job.
func (c *Controller) ToggleBlock(ctx context.Context) (rest.BlockResult, error) {
	c.mu.Lock()
	if !c.hasRecipient {
		c.mu.Unlock()
		return rest.BlockResult{}, ErrNoConversation
	}
	recipientID := c.recipient.ID
	c.mu.Unlock()

	res, err := c.api.Block(ctx, recipientID)
	if err != nil {
		return rest.BlockResult{}, fmt.Errorf("block %s: %w", recipientID, err)
	}

	c.mu.Lock()
	if c.hasRecipient && c.recipient.ID == recipientID {
		c.recipient.IsBlockedFromChat = !c.recipient.IsBlockedFromChat
	}
	c.mu.Unlock()
	return res, nil
}

// ClearChat empties the local log and purges the server-side history for the
// pair. Local state changes only after the purge succeeds.
func (c *Controller) ClearChat(ctx context.Context) error {
	c.mu.Lock()
	if !c.hasRecipient {
		c.mu.Unlock()
		return ErrNoConversation
	}
	recipientID := c.recipient.ID
	c.mu.Unlock()

	if err := c.api.Clear(ctx, recipientID); err != nil {
		return fmt.Errorf("clear chat with %s: %w", recipientID, err)
	}

	c.mu.Lock()
	if c.hasRecipient && c.recipient.ID == recipientID {
		c.messages = nil
	}
	c.mu.Unlock()
	return nil
}

// UpdateRecipientStatus patches the open recipient's presence/block state.
func (c *Controller) UpdateRecipientStatus(ch models.StatusChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasRecipient && c.recipient.ID == ch.UserID {
		ch.Apply(&c.recipient)
	}
}

// SetSelfBlocked records whether the current user is blocked from chat,
// driven by user_status_changed events for the user's own id.
func (c *Controller) SetSelfBlocked(blocked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selfBlocked = blocked
}

// CanCompose reports whether the compose box is enabled: blocked on either
// side disables it, nothing else does.
func (c *Controller) CanCompose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasRecipient && c.canComposeLocked()
}

func (c *Controller) canComposeLocked() bool {
	return !c.selfBlocked && !c.recipient.IsBlockedFromChat
}

// Recipient returns the open partner, if any.
func (c *Controller) Recipient() (models.ChatUser, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recipient, c.hasRecipient
}

// RecipientID returns the open partner's id, or "" when none is open.
func (c *Controller) RecipientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasRecipient {
		return ""
	}
	return c.recipient.ID
}

// RecipientTyping reports the live typing indicator.
func (c *Controller) RecipientTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recipientTyping
}

// State reports the hydration state of the open conversation.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages returns a snapshot of the log in order.
func (c *Controller) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Controller) containsLocked(id string) bool {
	for _, m := range c.messages {
		if m.ID == id {
			return true
		}
	}
	return false
}
