package stubserver

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"edulms/chatcore/internal/models"
)

// ErrNotFound is returned for unknown users.
var ErrNotFound = errors.New("stubserver: not found")

// Store is the persistence boundary of the stub backend. The in-memory
// implementation is the default; the gorm one kicks in when a DSN is
// configured, so the stub can also exercise a real database.
type Store interface {
	SaveUser(u models.ChatUser) error
	GetUser(id string) (models.ChatUser, error)
	GetUserByEmail(email string) (models.ChatUser, error)
	ListUsers() ([]models.ChatUser, error)
	SetBlocked(id string, blocked bool) error

	SaveMessage(m models.Message) error
	History(a, b string) ([]models.Message, error)
	ClearHistory(a, b string) error
	CountUnread(sender, receiver string) (int, error)
	MarkRead(sender, receiver string) error

	SaveBroadcast(senderID string, recipients []string, body string) error
}

// MemoryStore keeps everything in process; good enough for tests and quick
// local runs.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]models.ChatUser
	messages []models.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]models.ChatUser)}
}

func (s *MemoryStore) SaveUser(u models.ChatUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *MemoryStore) GetUser(id string) (models.ChatUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return models.ChatUser{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) GetUserByEmail(email string) (models.ChatUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return models.ChatUser{}, ErrNotFound
}

func (s *MemoryStore) ListUsers() ([]models.ChatUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChatUser, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SetBlocked(id string, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.IsBlockedFromChat = blocked
	s.users[id] = u
	return nil
}

func (s *MemoryStore) SaveMessage(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

func (s *MemoryStore) History(a, b string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.Between(a, b) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) ClearHistory(a, b string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0]
	for _, m := range s.messages {
		if !m.Between(a, b) {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	return nil
}

func (s *MemoryStore) CountUnread(sender, receiver string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if string(m.Sender) == sender && string(m.Receiver) == receiver && !m.IsRead {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkRead(sender, receiver string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if string(s.messages[i].Sender) == sender && string(s.messages[i].Receiver) == receiver {
			s.messages[i].IsRead = true
		}
	}
	return nil
}

func (s *MemoryStore) SaveBroadcast(senderID string, recipients []string, body string) error {
	// Nothing to audit in memory mode.
	return nil
}

// Database records for the gorm-backed store.

type UserRecord struct {
	ID      string `gorm:"primaryKey"`
	Name    string
	Email   string `gorm:"uniqueIndex"`
	Role    string
	Avatar  string
	Blocked bool
}

type MessageRecord struct {
	ID        string `gorm:"primaryKey"`
	Sender    string `gorm:"index:idx_pair"`
	Receiver  string `gorm:"index:idx_pair"`
	Body      string
	Image     string
	IsRead    bool
	CreatedAt time.Time
}

// BroadcastRecord is the audit row for bulk sends.
type BroadcastRecord struct {
	gorm.Model
	SenderID   string
	Recipients pq.StringArray `gorm:"type:text[]"`
	Body       string
}

// GormStore persists the stub state in PostgreSQL.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&UserRecord{}, &MessageRecord{}, &BroadcastRecord{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) SaveUser(u models.ChatUser) error {
	rec := UserRecord{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role, Avatar: u.Avatar, Blocked: u.IsBlockedFromChat}
	return s.db.Save(&rec).Error
}

func (s *GormStore) GetUser(id string) (models.ChatUser, error) {
	var rec UserRecord
	if err := s.db.First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ChatUser{}, ErrNotFound
		}
		return models.ChatUser{}, err
	}
	return rec.toUser(), nil
}

func (s *GormStore) GetUserByEmail(email string) (models.ChatUser, error) {
	var rec UserRecord
	if err := s.db.First(&rec, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ChatUser{}, ErrNotFound
		}
		return models.ChatUser{}, err
	}
	return rec.toUser(), nil
}

func (s *GormStore) ListUsers() ([]models.ChatUser, error) {
	var recs []UserRecord
	if err := s.db.Order("id").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]models.ChatUser, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toUser())
	}
	return out, nil
}

func (s *GormStore) SetBlocked(id string, blocked bool) error {
	return s.db.Model(&UserRecord{}).Where("id = ?", id).Update("blocked", blocked).Error
}

func (s *GormStore) SaveMessage(m models.Message) error {
	rec := MessageRecord{
		ID:        m.ID,
		Sender:    string(m.Sender),
		Receiver:  string(m.Receiver),
		Body:      m.Message,
		Image:     m.Image,
		IsRead:    m.IsRead,
		CreatedAt: m.CreatedAt,
	}
	return s.db.Create(&rec).Error
}

func (s *GormStore) History(a, b string) ([]models.Message, error) {
	var recs []MessageRecord
	err := s.db.
		Where("(sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)", a, b, b, a).
		Order("created_at").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toMessage())
	}
	return out, nil
}

func (s *GormStore) ClearHistory(a, b string) error {
	return s.db.
		Where("(sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)", a, b, b, a).
		Delete(&MessageRecord{}).Error
}

func (s *GormStore) CountUnread(sender, receiver string) (int, error) {
	var n int64
	err := s.db.Model(&MessageRecord{}).
		Where("sender = ? AND receiver = ? AND is_read = false", sender, receiver).
		Count(&n).Error
	return int(n), err
}

func (s *GormStore) MarkRead(sender, receiver string) error {
	return s.db.Model(&MessageRecord{}).
		Where("sender = ? AND receiver = ?", sender, receiver).
		Update("is_read", true).Error
}

func (s *GormStore) SaveBroadcast(senderID string, recipients []string, body string) error {
	rec := BroadcastRecord{SenderID: senderID, Recipients: recipients, Body: body}
	return s.db.Create(&rec).Error
}

func (r UserRecord) toUser() models.ChatUser {
	return models.ChatUser{
		ID:                r.ID,
		Name:              r.Name,
		Email:             r.Email,
		Role:              r.Role,
		Avatar:            r.Avatar,
		IsBlockedFromChat: r.Blocked,
	}
}

func (r MessageRecord) toMessage() models.Message {
	return models.Message{
		ID:        r.ID,
		Sender:    models.UserRef(r.Sender),
		Receiver:  models.UserRef(r.Receiver),
		Message:   r.Body,
		Image:     r.Image,
		IsRead:    r.IsRead,
		CreatedAt: r.CreatedAt,
	}
}
