package store

import (
	"context"
	"errors"
)

// ChatMode is fixed at message creation.
type ChatMode string

const (
	ModeNormal ChatMode = "NORMAL" // private, one-on-one
	ModeJungle ChatMode = "JUNGLE" // anonymous group
)

// WildRoomId is the single room shared by all JUNGLE messages.
const WildRoomId = "wild_global"

type Gender string

const (
	GenderMale   Gender = "MALE"
	GenderFemale Gender = "FEMALE"
)

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

var (
	ErrDuplicateId = errors.New("store: duplicate message id")
	ErrNotFound    = errors.New("store: not found")
)

// Message is immutable once saved.
type Message struct {
	Id          string   `json:"id"`
	SenderId    string   `json:"senderId"`
	RecipientId string   `json:"recipientId,omitempty"` // empty for JUNGLE
	RoomId      string   `json:"roomId"`
	Text        string   `json:"text"`
	Timestamp   int64    `json:"timestamp"`           // server time, unix ms
	CreatedAt   int64    `json:"createdAt,omitempty"` // sender local time, unix ms
	Mode        ChatMode `json:"mode"`

	// RealSenderName is only rendered for privileged viewers in JUNGLE mode.
	RealSenderName string `json:"realSenderName,omitempty"`
}

// Time returns server time, falling back to the sender's local time.
func (m *Message) Time() int64 {
	if m.Timestamp > 0 {
		return m.Timestamp
	}
	return m.CreatedAt
}

// Room returns the room id, deriving it from participants when unset.
func (m *Message) Room() string {
	if m.RoomId != "" {
		return m.RoomId
	}
	if m.Mode == ModeJungle {
		return WildRoomId
	}
	return RoomId(m.SenderId, m.RecipientId)
}

func (m *Message) sameContent(o *Message) bool {
	return m.SenderId == o.SenderId && m.RecipientId == o.RecipientId && m.Text == o.Text &&
		m.Mode == o.Mode && m.Timestamp == o.Timestamp
}

type User struct {
	Id        string `json:"id"`
	Name      string `json:"name"`
	Gender    Gender `json:"gender"`
	Role      Role   `json:"role"`
	AvatarUrl string `json:"avatarUrl"`
	IsOnline  bool   `json:"isOnline"`
}

type IMessageStore interface {
	// Save assigns id, server timestamp and room when absent, then persists the message.
	// Saving an existing id with the same content returns the stored message; different
	// content returns ErrDuplicateId.
	Save(ctx context.Context, m *Message) (*Message, error)

	// Query returns the latest `limit` messages of the room ordered by timestamp ASC.
	// A non-positive limit returns the whole room.
	Query(ctx context.Context, roomId string, limit int) ([]*Message, error)
}

type IUserStore interface {
	PutUser(ctx context.Context, u *User) error

	// GetUser returns ErrNotFound for unknown uid.
	GetUser(ctx context.Context, uid string) (*User, error)

	SetOnline(ctx context.Context, uid string, online bool) error

	OnlineUsers(ctx context.Context) ([]*User, error)
}

type IStore interface {
	IMessageStore
	IUserStore
	Close() error
}
