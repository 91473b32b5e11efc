package webhook

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/osagaming/avito-crm/internal/avito"
	"github.com/osagaming/avito-crm/internal/metrics"
	"github.com/osagaming/avito-crm/internal/store"
	crmsync "github.com/osagaming/avito-crm/internal/sync"
)

type ShopLookup interface {
	GetByAccountID(ctx context.Context, accountID int64) (*store.Shop, error)
}

// Deduper claims event ids so webhook replays are processed once.
type Deduper interface {
	DedupeEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
}

// Ingestor turns webhook events into store updates. A message event for a
// known chat is applied from the payload directly, then the chat is re-pulled
// to catch anything the payload missed; an unknown chat triggers a full shop
// pass, which is how new conversations self-heal into the store.
type Ingestor struct {
	shops     ShopLookup
	chats     crmsync.ChatStore
	msgs      crmsync.MessageStore
	engine    *crmsync.Engine
	dedupe    Deduper
	dedupeTTL time.Duration
	log       *zap.Logger
	now       func() time.Time
}

type IngestorOptions struct {
	Shops     ShopLookup
	Chats     crmsync.ChatStore
	Messages  crmsync.MessageStore
	Engine    *crmsync.Engine
	Dedupe    Deduper // optional
	DedupeTTL time.Duration
	Logger    *zap.Logger
}

func NewIngestor(opt IngestorOptions) *Ingestor {
	if opt.DedupeTTL <= 0 {
		opt.DedupeTTL = 10 * time.Minute
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Ingestor{
		shops:     opt.Shops,
		chats:     opt.Chats,
		msgs:      opt.Messages,
		engine:    opt.Engine,
		dedupe:    opt.Dedupe,
		dedupeTTL: opt.DedupeTTL,
		log:       opt.Logger,
		now:       time.Now,
	}
}

func (in *Ingestor) Process(ctx context.Context, body []byte) error {
	ev, ok := ParseEvent(body)
	if !ok {
		metrics.WebhookUnknown.Inc()
		in.log.Warn("unrecognized webhook body")
		return nil
	}
	if in.dedupe != nil {
		fresh, err := in.dedupe.DedupeEvent(ctx, ev.ID, in.dedupeTTL)
		if err != nil {
			in.log.Warn("event dedupe unavailable", zap.Error(err))
		}
		if !fresh {
			in.log.Debug("duplicate webhook event skipped", zap.String("event_id", ev.ID))
			return nil
		}
	}

	switch ev.Kind {
	case "message":
		return in.handleMessage(ctx, ev)
	case "chat":
		return in.handleChat(ctx, ev)
	case "user":
		in.log.Info("user event received", zap.Int64("account_id", ev.AccountID))
		return nil
	default:
		metrics.WebhookUnknown.Inc()
		in.log.Warn("webhook event of unknown kind", zap.String("kind", ev.Kind))
		return nil
	}
}

func (in *Ingestor) handleMessage(ctx context.Context, ev Event) error {
	shop, err := in.shops.GetByAccountID(ctx, ev.AccountID)
	if err != nil {
		return err
	}
	if shop == nil {
		metrics.WebhookUnknown.Inc()
		in.log.Warn("message event for unknown account", zap.Int64("account_id", ev.AccountID))
		return nil
	}
	log := in.log.With(zap.Int64("shop_id", shop.ID), zap.String("remote_chat", ev.ChatID))

	chat, err := in.chats.GetByShopAndRemoteID(ctx, shop.ID, ev.ChatID)
	if err != nil {
		return err
	}
	if chat == nil {
		// Credentials occasionally move between shop rows; the chat may
		// exist under the old association.
		chat, err = in.chats.GetByRemoteID(ctx, ev.ChatID)
		if err != nil {
			return err
		}
		if chat != nil {
			log.Info("chat found under a different shop", zap.Int64("stored_shop_id", chat.ShopID))
		}
	}
	if chat == nil {
		// First contact arrives by webhook before any pull has seen the
		// chat. A shop pass creates it along with its history.
		log.Info("message for unknown chat, running shop pass")
		if _, _, err := in.engine.SyncShop(ctx, *shop); err != nil {
			return err
		}
		chat, err = in.chats.GetByShopAndRemoteID(ctx, shop.ID, ev.ChatID)
		if err != nil {
			return err
		}
		if chat == nil {
			log.Warn("chat still unknown after shop pass")
		}
		return nil
	}

	if err := in.applyPayload(ctx, *shop, chat, ev.Value); err != nil {
		return err
	}
	// Best effort re-pull; the payload insert above already made the
	// message visible.
	if _, err := in.engine.SyncChatMessages(ctx, in.engine.ClientFor(*shop), *shop, chat); err != nil {
		log.Warn("post-event chat pull failed", zap.Error(err))
	}
	return nil
}

// applyPayload persists the event's embedded message so it shows up without
// waiting on the API. The dedup tuple keeps the follow-up pull from storing
// it twice.
func (in *Ingestor) applyPayload(ctx context.Context, shop store.Shop, chat *store.Chat, value map[string]any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	rm, ok := avito.ParseMessage(raw, shop.AccountID)
	if !ok {
		metrics.MessagesSkipped.Inc()
		return nil
	}
	if !rm.TimeKnown {
		metrics.PayloadAnomalies.Inc()
		rm.Timestamp = in.now().UTC().Truncate(time.Second)
	}
	dir := store.DirectionOut
	if rm.Incoming {
		dir = store.DirectionIn
	}
	exists, err := in.msgs.Exists(ctx, chat.ID, rm.Text, dir, rm.Timestamp)
	if err != nil {
		return err
	}
	if exists {
		metrics.MessagesDuplicate.Inc()
		return nil
	}
	if _, err := in.msgs.Insert(ctx, &store.Message{
		ChatID:     chat.ID,
		Text:       rm.Text,
		Direction:  dir,
		SenderName: rm.SenderName,
		Timestamp:  rm.Timestamp,
	}); err != nil {
		return err
	}
	metrics.MessagesInserted.Inc()
	if err := in.engine.RefreshChat(ctx, chat.ID); err != nil {
		return err
	}
	if dir == store.DirectionIn && chat.Status == store.StatusCompleted {
		reopened, err := in.chats.Reopen(ctx, chat.ID)
		if err != nil {
			return err
		}
		if reopened {
			chat.Status = store.StatusActive
			metrics.ChatsReopened.Inc()
		}
	}
	return nil
}

func (in *Ingestor) handleChat(ctx context.Context, ev Event) error {
	shop, err := in.shops.GetByAccountID(ctx, ev.AccountID)
	if err != nil {
		return err
	}
	if shop == nil {
		metrics.WebhookUnknown.Inc()
		in.log.Warn("chat event for unknown account", zap.Int64("account_id", ev.AccountID))
		return nil
	}
	seen, inserted, err := in.engine.SyncShop(ctx, *shop)
	if err != nil {
		return err
	}
	in.log.Info("chat event triggered shop pass",
		zap.Int64("shop_id", shop.ID), zap.Int("chats", seen), zap.Int("new_messages", inserted))
	return nil
}
