package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sony/sonyflake"
	"go.uber.org/zap"

	"github.com/osagaming/avito-crm/internal/avito"
	"github.com/osagaming/avito-crm/internal/store"
)

// RemoteClient is the slice of the Avito client the engine needs. Tests plug
// in fakes; production uses *avito.Client.
type RemoteClient interface {
	AccountID() int64
	ListChats(ctx context.Context, limit, offset int) (*avito.ChatsPage, error)
	ListMessages(ctx context.Context, remoteChatID string, limit, offset int) (*avito.MessagesPage, error)
	GetChatDetail(ctx context.Context, remoteChatID string) (json.RawMessage, error)
}

// ClientFactory builds a remote client for one shop's credentials.
type ClientFactory func(shop store.Shop) RemoteClient

type ShopStore interface {
	ListActive(ctx context.Context) ([]store.Shop, error)
	SetTokenStatus(ctx context.Context, id int64, status string) error
}

type ChatStore interface {
	GetByShopAndRemoteID(ctx context.Context, shopID int64, remoteID string) (*store.Chat, error)
	GetByRemoteID(ctx context.Context, remoteID string) (*store.Chat, error)
	Insert(ctx context.Context, c *store.Chat) (int64, error)
	UpdateSummary(ctx context.Context, id int64, u store.ChatUpsert) error
	UpdateTimer(ctx context.Context, id int64, minutes int) error
	Reopen(ctx context.Context, id int64) (bool, error)
	RefreshDerived(ctx context.Context, id int64, preview string, unread int, lastActivity time.Time) error
}

type MessageStore interface {
	Exists(ctx context.Context, chatID int64, text string, dir store.Direction, ts time.Time) (bool, error)
	Insert(ctx context.Context, m *store.Message) (int64, error)
	ListByChat(ctx context.Context, chatID int64) ([]store.Message, error)
}

type Options struct {
	PageSize        int
	MaxPages        int
	MessagePageSize int
	ShopDelay       time.Duration
	DetailLookup    bool // fetch chat detail when the list entry lacks listing context
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 || o.PageSize > 100 {
		o.PageSize = 100
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 10
	}
	if o.MessagePageSize <= 0 || o.MessagePageSize > 100 {
		o.MessagePageSize = 100
	}
	return o
}

// Engine drives the periodic pull synchronization across the shop fleet.
type Engine struct {
	shops   ShopStore
	chats   ChatStore
	msgs    MessageStore
	clients ClientFactory
	opt     Options
	log     *zap.Logger
	flake   *sonyflake.Sonyflake
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration)
}

func NewEngine(shops ShopStore, chats ChatStore, msgs MessageStore, clients ClientFactory, opt Options, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		shops:   shops,
		chats:   chats,
		msgs:    msgs,
		clients: clients,
		opt:     opt.withDefaults(),
		log:     log,
		flake:   sonyflake.NewSonyflake(sonyflake.Settings{}),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ClientFor exposes the engine's client factory, so the webhook ingestor
// reuses the same per-shop client construction.
func (e *Engine) ClientFor(shop store.Shop) RemoteClient { return e.clients(shop) }

func (e *Engine) runID() uint64 {
	if e.flake == nil {
		return 0
	}
	id, err := e.flake.NextID()
	if err != nil {
		return 0
	}
	return id
}

// Summary reports what one fleet pass did.
type Summary struct {
	Shops       int
	FailedShops int
	ChatsSeen   int
	NewMessages int
}
