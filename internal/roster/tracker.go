// Package roster tracks the conversation partners of the current user:
// presence, block state, sidebar preview and unread counts. Entries are
// created by the roster fetch and only ever updated in place for the rest of
// the session.
package roster

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"edulms/chatcore/internal/models"
)

// FetchFunc loads the full roster from the backend. The tracker calls it on
// initial load and when a message arrives from an unknown sender.
type FetchFunc func(ctx context.Context) ([]models.ChatUser, error)

// Tracker owns the roster. It is the only writer of its entries; the session
// dispatch loop and the UI goroutine are serialized by the internal mutex.
type Tracker struct {
	mu      sync.Mutex
	log     *zap.Logger
	fetch   FetchFunc
	selfID  string
	entries []*models.ChatUser
}

func New(selfID string, fetch FetchFunc, log *zap.Logger) *Tracker {
	return &Tracker{log: log, fetch: fetch, selfID: selfID}
}

// Load fetches the roster. For non-admin users the single admin support
// contact is auto-selected: its entry is returned (unread reset) so the
// caller can open that conversation right away.
func (t *Tracker) Load(ctx context.Context, selfRole string) (*models.ChatUser, error) {
	users, err := t.fetch(ctx)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.replaceLocked(users)

	if selfRole == models.RoleAdmin {
		return nil, nil
	}
	for _, e := range t.entries {
		if e.Role == models.RoleAdmin {
			e.UnreadCount = 0
			u := *e
			return &u, nil
		}
	}
	return nil, nil
}

// ApplyMessage reconciles an inbound or mirrored message against the roster:
// the partner's sidebar preview moves to this message, the roster re-sorts
// by recency, and the unread count grows unless that conversation is the one
// currently open (openWith) or the current user sent the message. An unknown
// partner triggers exactly one full refetch; nothing is synthesized locally.
func (t *Tracker) ApplyMessage(ctx context.Context, msg models.Message, openWith string) (refetched bool) {
	partner := msg.PartnerOf(t.selfID)

	t.mu.Lock()
	entry := t.lookupLocked(partner)
	t.mu.Unlock()

	if entry == nil {
		refetched = true
		users, err := t.fetch(ctx)
		if err != nil {
			t.log.Warn("roster refetch for unknown sender failed",
				zap.String("sender", partner), zap.Error(err))
			return refetched
		}
		t.mu.Lock()
		t.replaceLocked(users)
		t.mu.Unlock()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry = t.lookupLocked(partner)
	if entry == nil {
		// Still unknown after a refetch; drop rather than crash the path.
		t.log.Debug("message for partner absent from roster", zap.String("partner", partner))
		return refetched
	}

	m := msg
	entry.LastMessage = &m
	if string(msg.Sender) != t.selfID && partner != openWith {
		entry.UnreadCount++
	}
	t.sortLocked()
	return refetched
}

// ApplyStatus patches the matching entry with whatever fields the event
// carried. Unknown ids are ignored.
func (t *Tracker) ApplyStatus(ch models.StatusChange) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.lookupLocked(ch.UserID)
	if entry == nil {
		return false
	}
	ch.Apply(entry)
	return true
}

// Select marks the conversation with id as opened: its unread count resets
// locally (presumed read, no REST confirmation) and a snapshot is returned.
func (t *Tracker) Select(id string) (models.ChatUser, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.lookupLocked(id)
	if entry == nil {
		return models.ChatUser{}, false
	}
	entry.UnreadCount = 0
	return *entry, true
}

// Get returns a snapshot of one entry.
func (t *Tracker) Get(id string) (models.ChatUser, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.lookupLocked(id)
	if entry == nil {
		return models.ChatUser{}, false
	}
	return *entry, true
}

// Entries returns the roster in display order, most recently active first.
func (t *Tracker) Entries() []models.ChatUser {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.ChatUser, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	return out
}

func (t *Tracker) lookupLocked(id string) *models.ChatUser {
	for _, e := range t.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (t *Tracker) replaceLocked(users []models.ChatUser) {
	t.entries = t.entries[:0]
	for i := range users {
		if users[i].ID == t.selfID {
			continue
		}
		u := users[i]
		t.entries = append(t.entries, &u)
	}
	t.sortLocked()
}

// sortLocked keeps the most recently active conversation on top. Entries
// without any message sort last; ties keep their relative order.
func (t *Tracker) sortLocked() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		a, b := t.entries[i].LastMessage, t.entries[j].LastMessage
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.CreatedAt.After(b.CreatedAt)
		}
	})
}
