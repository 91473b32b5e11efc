package sync

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/osagaming/avito-crm/internal/avito"
	"github.com/osagaming/avito-crm/internal/metrics"
	"github.com/osagaming/avito-crm/internal/store"
)

const offsetCeiling = 1000

// SyncAll runs one pull pass over every active shop. Shops are processed
// serially with a spacing delay so the fleet does not burst the upstream
// rate limit; one shop failing never stops the others.
func (e *Engine) SyncAll(ctx context.Context) (Summary, error) {
	runID := e.runID()
	log := e.log.With(zap.Uint64("run_id", runID))

	shops, err := e.shops.ListActive(ctx)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Shops: len(shops)}
	for i, shop := range shops {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		if i > 0 {
			e.sleep(ctx, e.opt.ShopDelay)
		}
		seen, inserted, err := e.SyncShop(ctx, shop)
		sum.ChatsSeen += seen
		sum.NewMessages += inserted
		if err != nil {
			sum.FailedShops++
			metrics.SyncShopErrors.Inc()
			log.Error("shop sync failed",
				zap.Int64("shop_id", shop.ID), zap.String("shop", shop.Name), zap.Error(err))
			if avito.IsCredentialError(err) {
				if serr := e.shops.SetTokenStatus(ctx, shop.ID, "broken"); serr != nil {
					log.Error("flagging token status failed", zap.Int64("shop_id", shop.ID), zap.Error(serr))
				}
			}
			continue
		}
		if shop.TokenStatus != "ok" {
			if serr := e.shops.SetTokenStatus(ctx, shop.ID, "ok"); serr != nil {
				log.Error("flagging token status failed", zap.Int64("shop_id", shop.ID), zap.Error(serr))
			}
		}
	}
	metrics.SyncRuns.Inc()
	log.Info("sync pass finished",
		zap.Int("shops", sum.Shops), zap.Int("failed", sum.FailedShops),
		zap.Int("chats", sum.ChatsSeen), zap.Int("new_messages", sum.NewMessages))
	return sum, nil
}

// SyncShop pulls the chat list for one shop page by page and reconciles each
// entry. Paging stops when a page comes back short with no has-more flag, at
// the page ceiling, or at the API offset window.
func (e *Engine) SyncShop(ctx context.Context, shop store.Shop) (chatsSeen, newMessages int, err error) {
	client := e.clients(shop)
	log := e.log.With(zap.Int64("shop_id", shop.ID))

	offset := 0
	for page := 0; page < e.opt.MaxPages && offset <= offsetCeiling; page++ {
		pg, err := client.ListChats(ctx, e.opt.PageSize, offset)
		if err != nil {
			return chatsSeen, newMessages, err
		}
		entries := pg.Raw()
		for _, raw := range entries {
			summary, ok := avito.ParseChatSummary(raw, shop.AccountID)
			if !ok {
				metrics.PayloadAnomalies.Inc()
				log.Warn("chat entry without usable id skipped")
				continue
			}
			chatsSeen++
			inserted, err := e.syncChat(ctx, client, shop, summary)
			newMessages += inserted
			if err != nil {
				// One chat failing remotely never takes down the rest of
				// the shop. Credential errors will fail every later call
				// the same way, so those still abort the pass.
				if ctx.Err() != nil || avito.IsCredentialError(err) {
					return chatsSeen, newMessages, err
				}
				metrics.ChatSyncErrors.Inc()
				log.Warn("chat sync failed, skipping",
					zap.String("remote_chat", summary.ID), zap.Error(err))
			}
		}
		if len(entries) < e.opt.PageSize && !pg.Meta.HasMore {
			break
		}
		offset += e.opt.PageSize
	}
	return chatsSeen, newMessages, nil
}

// syncChat upserts one chat-list entry and then pulls its recent messages.
func (e *Engine) syncChat(ctx context.Context, client RemoteClient, shop store.Shop, summary avito.ChatSummary) (int, error) {
	chat, err := e.chats.GetByShopAndRemoteID(ctx, shop.ID, summary.ID)
	if err != nil {
		return 0, err
	}
	if chat == nil {
		// Tolerate shop-association drift: the chat may already be stored
		// under a previous shop row for the same account.
		if chat, err = e.chats.GetByRemoteID(ctx, summary.ID); err != nil {
			return 0, err
		}
	}

	// A list entry with no listing context is worth one detail call; the
	// detail payload usually carries it. The lookup is an enrichment, so
	// its failure never blocks the chat itself.
	if summary.ProductURL == "" && e.opt.DetailLookup {
		if raw, derr := client.GetChatDetail(ctx, summary.ID); derr == nil {
			if ds, ok := avito.ParseChatSummary(raw, shop.AccountID); ok && ds.ProductURL != "" {
				summary.ProductURL = ds.ProductURL
				summary.ListingJSON = ds.ListingJSON
			}
		} else {
			e.log.Debug("chat detail lookup failed",
				zap.Int64("shop_id", shop.ID), zap.String("remote_chat", summary.ID), zap.Error(derr))
		}
	}

	if chat == nil {
		c := &store.Chat{
			ShopID:      shop.ID,
			RemoteID:    summary.ID,
			ClientName:  summary.ClientName,
			CustomerID:  summary.CustomerID,
			LastMessage: summary.LastMessage,
			UnreadCount: summary.Unread,
		}
		if summary.ProductURL != "" {
			c.ProductURL = sql.NullString{String: summary.ProductURL, Valid: true}
		}
		if summary.ListingJSON != "" {
			c.ListingData = sql.NullString{String: summary.ListingJSON, Valid: true}
		}
		id, err := e.chats.Insert(ctx, c)
		if err != nil {
			return 0, err
		}
		chat = c
		chat.ID = id
		metrics.ChatsCreated.Inc()
	} else {
		err := e.chats.UpdateSummary(ctx, chat.ID, store.ChatUpsert{
			ClientName:  summary.ClientName,
			CustomerID:  summary.CustomerID,
			LastMessage: summary.LastMessage,
			UnreadCount: summary.Unread,
			ProductURL:  summary.ProductURL,
			ListingData: summary.ListingJSON,
		})
		if err != nil {
			return 0, err
		}
		metrics.ChatsUpdated.Inc()
	}

	return e.SyncChatMessages(ctx, client, shop, chat)
}
