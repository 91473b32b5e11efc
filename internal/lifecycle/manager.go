package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/osagaming/avito-crm/internal/metrics"
	"github.com/osagaming/avito-crm/internal/store"
	crmsync "github.com/osagaming/avito-crm/internal/sync"
)

// MaxMessageLen is the platform's outbound text ceiling.
const MaxMessageLen = 5000

var (
	ErrChatNotFound   = errors.New("chat not found")
	ErrShopNotFound   = errors.New("shop not found")
	ErrNotAllowed     = errors.New("action not allowed in current chat state")
	ErrNotOwner       = errors.New("chat is assigned to another manager")
	ErrEmptyMessage   = errors.New("message text is empty")
	ErrMessageTooLong = errors.New("message text exceeds the platform limit")
)

type ChatStore interface {
	GetByID(ctx context.Context, id int64) (*store.Chat, error)
	Assign(ctx context.Context, id, managerID int64) (bool, error)
	Unassign(ctx context.Context, id int64) error
	SetStatus(ctx context.Context, id int64, status store.ChatStatus) error
	MarkAnswered(ctx context.Context, id int64, preview string) error
	UpdateTimer(ctx context.Context, id int64, minutes int) error
	ListOpen(ctx context.Context) ([]store.Chat, error)
}

type MessageStore interface {
	Insert(ctx context.Context, m *store.Message) (int64, error)
	ListByChat(ctx context.Context, chatID int64) ([]store.Message, error)
}

type ShopStore interface {
	GetByID(ctx context.Context, id int64) (*store.Shop, error)
}

// Sender is the outbound slice of the remote client.
type Sender interface {
	SendMessage(ctx context.Context, remoteChatID, text string, attachmentIDs ...string) error
	BlockUser(ctx context.Context, userID int64) error
}

type SenderFactory func(shop store.Shop) Sender

// Manager executes chat transitions against the store and the platform.
type Manager struct {
	shops   ShopStore
	chats   ChatStore
	msgs    MessageStore
	senders SenderFactory
	log     *zap.Logger
	now     func() time.Time
}

func NewManager(shops ShopStore, chats ChatStore, msgs MessageStore, senders SenderFactory, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{shops: shops, chats: chats, msgs: msgs, senders: senders, log: log, now: time.Now}
}

func (m *Manager) chat(ctx context.Context, chatID int64) (*store.Chat, error) {
	c, err := m.chats.GetByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrChatNotFound
	}
	return c, nil
}

// Take assigns a pool chat to a manager. The store-level guard decides races:
// two concurrent takes resolve to one winner and one ErrNotAllowed.
func (m *Manager) Take(ctx context.Context, chatID, managerID int64) error {
	c, err := m.chat(ctx, chatID)
	if err != nil {
		return err
	}
	if !Allowed(ActionTake, c.Status, c.AssignedTo.Valid) {
		return ErrNotAllowed
	}
	ok, err := m.chats.Assign(ctx, chatID, managerID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAllowed
	}
	return nil
}

// Return puts an assigned chat back into the pool. Only the owner may return
// it unless the caller is a supervisor.
func (m *Manager) Return(ctx context.Context, chatID, managerID int64, supervisor bool) error {
	c, err := m.chat(ctx, chatID)
	if err != nil {
		return err
	}
	if !Allowed(ActionReturn, c.Status, c.AssignedTo.Valid) {
		return ErrNotAllowed
	}
	if !supervisor && c.AssignedTo.Int64 != managerID {
		return ErrNotOwner
	}
	return m.chats.Unassign(ctx, chatID)
}

// Send delivers an outbound message. Sending from the pool implicitly takes
// the chat; sending to a chat owned by someone else is refused.
func (m *Manager) Send(ctx context.Context, chatID, managerID int64, text string) error {
	if text == "" {
		return ErrEmptyMessage
	}
	if len([]rune(text)) > MaxMessageLen {
		return ErrMessageTooLong
	}
	c, err := m.chat(ctx, chatID)
	if err != nil {
		return err
	}
	if !Allowed(ActionSend, c.Status, c.AssignedTo.Valid) {
		return ErrNotAllowed
	}
	if c.AssignedTo.Valid && c.AssignedTo.Int64 != managerID {
		return ErrNotOwner
	}
	shop, err := m.shops.GetByID(ctx, c.ShopID)
	if err != nil {
		return err
	}
	if shop == nil {
		return ErrShopNotFound
	}

	if err := m.senders(*shop).SendMessage(ctx, c.RemoteID, text); err != nil {
		return err
	}
	if _, err := m.msgs.Insert(ctx, &store.Message{
		ChatID:    chatID,
		Text:      text,
		Direction: store.DirectionOut,
		ManagerID: sql.NullInt64{Int64: managerID, Valid: true},
		Timestamp: m.now().UTC().Truncate(time.Second),
	}); err != nil {
		return err
	}
	metrics.MessagesInserted.Inc()
	if err := m.chats.MarkAnswered(ctx, chatID, text); err != nil {
		return err
	}
	if !c.AssignedTo.Valid {
		if _, err := m.chats.Assign(ctx, chatID, managerID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) Complete(ctx context.Context, chatID int64) error {
	c, err := m.chat(ctx, chatID)
	if err != nil {
		return err
	}
	if !Allowed(ActionComplete, c.Status, c.AssignedTo.Valid) {
		return ErrNotAllowed
	}
	return m.chats.SetStatus(ctx, chatID, store.StatusCompleted)
}

func (m *Manager) Reopen(ctx context.Context, chatID int64) error {
	c, err := m.chat(ctx, chatID)
	if err != nil {
		return err
	}
	if !Allowed(ActionReopen, c.Status, c.AssignedTo.Valid) {
		return ErrNotAllowed
	}
	return m.chats.SetStatus(ctx, chatID, store.StatusActive)
}

// Block closes the chat and blacklists the customer on the platform. The
// local status flips even when the remote call fails; the operator's intent
// to stop the conversation wins.
func (m *Manager) Block(ctx context.Context, chatID int64) error {
	c, err := m.chat(ctx, chatID)
	if err != nil {
		return err
	}
	if !Allowed(ActionBlock, c.Status, c.AssignedTo.Valid) {
		return ErrNotAllowed
	}
	if err := m.chats.SetStatus(ctx, chatID, store.StatusBlocked); err != nil {
		return err
	}
	userID, err := strconv.ParseInt(c.CustomerID, 10, 64)
	if err != nil || userID == 0 {
		m.log.Warn("customer id not blockable remotely", zap.Int64("chat_id", chatID), zap.String("customer_id", c.CustomerID))
		return nil
	}
	shop, err := m.shops.GetByID(ctx, c.ShopID)
	if err != nil || shop == nil {
		return err
	}
	if err := m.senders(*shop).BlockUser(ctx, userID); err != nil {
		m.log.Error("remote blacklist failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	return nil
}

func (m *Manager) Unblock(ctx context.Context, chatID int64) error {
	c, err := m.chat(ctx, chatID)
	if err != nil {
		return err
	}
	if !Allowed(ActionUnblock, c.Status, c.AssignedTo.Valid) {
		return ErrNotAllowed
	}
	return m.chats.SetStatus(ctx, chatID, store.StatusActive)
}

// RefreshTimers recomputes the response timer for every open chat. Runs on a
// short ticker so the waiting time keeps counting between syncs.
func (m *Manager) RefreshTimers(ctx context.Context) error {
	chats, err := m.chats.ListOpen(ctx)
	if err != nil {
		return err
	}
	now := m.now()
	for _, c := range chats {
		msgs, err := m.msgs.ListByChat(ctx, c.ID)
		if err != nil {
			return err
		}
		mins := crmsync.TimerMinutes(msgs, now)
		if mins == c.TimerMins {
			continue
		}
		if err := m.chats.UpdateTimer(ctx, c.ID, mins); err != nil {
			return err
		}
	}
	return nil
}

// AutoCompleteSweep completes answered chats whose last outbound message is
// older than the cutoff. The idle test keys on message timestamps, not the
// row's updated_at: every sync pass touches the row, so a wall-clock column
// would keep actively synced chats open forever. Chats with an unanswered
// inbound message still wait on the manager, and chats that were never
// answered stay open.
func (m *Manager) AutoCompleteSweep(ctx context.Context, olderThan time.Duration) (int, error) {
	chats, err := m.chats.ListOpen(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-olderThan)
	completed := 0
	for _, c := range chats {
		if !Allowed(ActionAutoComplete, c.Status, c.AssignedTo.Valid) {
			continue
		}
		msgs, err := m.msgs.ListByChat(ctx, c.ID)
		if err != nil {
			return completed, err
		}
		if _, waiting := crmsync.LatestUnanswered(msgs); waiting {
			continue
		}
		lastOut, answered := latestOutbound(msgs)
		if !answered || !lastOut.Before(cutoff) {
			continue
		}
		if err := m.chats.SetStatus(ctx, c.ID, store.StatusCompleted); err != nil {
			return completed, err
		}
		metrics.ChatsAutoCompleted.Inc()
		completed++
	}
	if completed > 0 {
		m.log.Info("idle chats auto-completed", zap.Int("count", completed))
	}
	return completed, nil
}

func latestOutbound(msgs []store.Message) (time.Time, bool) {
	var last time.Time
	for _, msg := range msgs {
		if msg.Direction == store.DirectionOut && msg.Timestamp.After(last) {
			last = msg.Timestamp
		}
	}
	return last, !last.IsZero()
}
