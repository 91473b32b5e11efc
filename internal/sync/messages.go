package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/osagaming/avito-crm/internal/avito"
	"github.com/osagaming/avito-crm/internal/metrics"
	"github.com/osagaming/avito-crm/internal/store"
)

// SyncChatMessages pulls the most recent message page for one chat, inserts
// what is new and recomputes the chat's derived fields. A completed chat
// that received a new inbound message is reopened.
func (e *Engine) SyncChatMessages(ctx context.Context, client RemoteClient, shop store.Shop, chat *store.Chat) (int, error) {
	log := e.log.With(zap.Int64("shop_id", shop.ID), zap.Int64("chat_id", chat.ID))

	page, err := client.ListMessages(ctx, chat.RemoteID, e.opt.MessagePageSize, 0)
	if err != nil {
		return 0, err
	}

	inserted := 0
	newInbound := false
	for _, raw := range page.Raw() {
		rm, ok := avito.ParseMessage(raw, shop.AccountID)
		if !ok {
			metrics.MessagesSkipped.Inc()
			continue // system events and attachment-only entries
		}
		if !rm.TimeKnown {
			metrics.PayloadAnomalies.Inc()
			rm.Timestamp = e.now().UTC().Truncate(time.Second)
			log.Warn("message without parseable timestamp, using current time")
		}
		dir := store.DirectionOut
		if rm.Incoming {
			dir = store.DirectionIn
		}
		exists, err := e.msgs.Exists(ctx, chat.ID, rm.Text, dir, rm.Timestamp)
		if err != nil {
			return inserted, err
		}
		if exists {
			metrics.MessagesDuplicate.Inc()
			continue
		}
		if _, err := e.msgs.Insert(ctx, &store.Message{
			ChatID:     chat.ID,
			Text:       rm.Text,
			Direction:  dir,
			SenderName: rm.SenderName,
			Timestamp:  rm.Timestamp,
		}); err != nil {
			return inserted, err
		}
		metrics.MessagesInserted.Inc()
		inserted++
		if dir == store.DirectionIn {
			newInbound = true
		}
	}

	if inserted == 0 {
		return 0, nil
	}

	msgs, err := e.msgs.ListByChat(ctx, chat.ID)
	if err != nil {
		return inserted, err
	}
	preview, unread, lastAt := Derived(msgs)
	if !lastAt.IsZero() {
		if err := e.chats.RefreshDerived(ctx, chat.ID, preview, unread, lastAt); err != nil {
			return inserted, err
		}
	}
	if err := e.chats.UpdateTimer(ctx, chat.ID, TimerMinutes(msgs, e.now())); err != nil {
		return inserted, err
	}
	if newInbound && chat.Status == store.StatusCompleted {
		reopened, err := e.chats.Reopen(ctx, chat.ID)
		if err != nil {
			return inserted, err
		}
		if reopened {
			chat.Status = store.StatusActive
			metrics.ChatsReopened.Inc()
			log.Info("completed chat reopened by new inbound message")
		}
	}
	return inserted, nil
}

// RefreshChat recomputes a chat's derived fields from the stored messages
// without touching the network. The webhook ingestor uses it after a preview
// insert.
func (e *Engine) RefreshChat(ctx context.Context, chatID int64) error {
	msgs, err := e.msgs.ListByChat(ctx, chatID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	preview, unread, lastAt := Derived(msgs)
	if err := e.chats.RefreshDerived(ctx, chatID, preview, unread, lastAt); err != nil {
		return err
	}
	return e.chats.UpdateTimer(ctx, chatID, TimerMinutes(msgs, e.now()))
}
