package store

import (
	"database/sql"
	"time"
)

type ChatStatus string

const (
	StatusActive    ChatStatus = "active"
	StatusCompleted ChatStatus = "completed"
	StatusBlocked   ChatStatus = "blocked"
)

type Direction string

const (
	DirectionIn  Direction = "incoming"
	DirectionOut Direction = "outgoing"
)

// Shop is a connected Avito seller account. Credentials rotate by operator
// action; the row is soft-disabled via Active, never deleted while chats
// reference it.
type Shop struct {
	ID                int64
	Name              string
	AccountID         int64 // Avito user_id the messenger endpoints are scoped to
	ClientID          string
	ClientSecret      string
	Active            bool
	WebhookRegistered bool
	TokenStatus       string // "", "ok", "broken"
	CreatedAt         time.Time
}

// Chat is one conversation, unique by (ShopID, RemoteID).
type Chat struct {
	ID          int64
	ShopID      int64
	RemoteID    string
	ClientName  string
	CustomerID  string
	ProductURL  sql.NullString
	ListingData sql.NullString // listing snapshot persisted verbatim
	LastMessage string
	Priority    string
	Status      ChatStatus
	UnreadCount int
	TimerMins   int // minutes the newest unanswered inbound message has waited
	AssignedTo  sql.NullInt64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message is append-only. Remote message ids are not reusable as a key, so
// the dedup identity is (ChatID, Text, Direction, Timestamp).
type Message struct {
	ID         int64
	ChatID     int64
	Text       string
	Direction  Direction
	SenderName string
	ManagerID  sql.NullInt64
	Timestamp  time.Time // normalized UTC
}

// ChatUpsert carries the fields a chat-list summary refreshes on every pass.
type ChatUpsert struct {
	ClientName  string
	CustomerID  string
	LastMessage string
	UnreadCount int
	ProductURL  string
	ListingData string
}
