package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/osagaming/avito-crm/internal/avito"
	"github.com/osagaming/avito-crm/internal/store"
	crmsync "github.com/osagaming/avito-crm/internal/sync"
)

type memShops struct {
	byAccount map[int64]*store.Shop
}

func (m *memShops) GetByAccountID(ctx context.Context, accountID int64) (*store.Shop, error) {
	s, ok := m.byAccount[accountID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memShops) ListActive(ctx context.Context) ([]store.Shop, error) {
	var out []store.Shop
	for _, s := range m.byAccount {
		out = append(out, *s)
	}
	return out, nil
}

func (m *memShops) SetTokenStatus(ctx context.Context, id int64, status string) error { return nil }

type memChats struct {
	byID   map[int64]*store.Chat
	nextID int64
}

func newMemChats() *memChats { return &memChats{byID: map[int64]*store.Chat{}} }

func (m *memChats) GetByShopAndRemoteID(ctx context.Context, shopID int64, remoteID string) (*store.Chat, error) {
	for _, c := range m.byID {
		if c.ShopID == shopID && c.RemoteID == remoteID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memChats) GetByRemoteID(ctx context.Context, remoteID string) (*store.Chat, error) {
	for _, c := range m.byID {
		if c.RemoteID == remoteID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memChats) Insert(ctx context.Context, c *store.Chat) (int64, error) {
	m.nextID++
	cp := *c
	cp.ID = m.nextID
	if cp.Status == "" {
		cp.Status = store.StatusActive
	}
	m.byID[cp.ID] = &cp
	return cp.ID, nil
}

func (m *memChats) UpdateSummary(ctx context.Context, id int64, u store.ChatUpsert) error {
	c := m.byID[id]
	c.ClientName, c.LastMessage, c.UnreadCount = u.ClientName, u.LastMessage, u.UnreadCount
	return nil
}

func (m *memChats) UpdateTimer(ctx context.Context, id int64, minutes int) error {
	m.byID[id].TimerMins = minutes
	return nil
}

func (m *memChats) Reopen(ctx context.Context, id int64) (bool, error) {
	c := m.byID[id]
	if c.Status != store.StatusCompleted {
		return false, nil
	}
	c.Status = store.StatusActive
	return true, nil
}

func (m *memChats) RefreshDerived(ctx context.Context, id int64, preview string, unread int, lastActivity time.Time) error {
	c := m.byID[id]
	c.LastMessage, c.UnreadCount, c.UpdatedAt = preview, unread, lastActivity
	return nil
}

type memMsgs struct {
	byChat map[int64][]store.Message
}

func newMemMsgs() *memMsgs { return &memMsgs{byChat: map[int64][]store.Message{}} }

func (m *memMsgs) Exists(ctx context.Context, chatID int64, text string, dir store.Direction, ts time.Time) (bool, error) {
	for _, msg := range m.byChat[chatID] {
		if msg.Text == text && msg.Direction == dir && msg.Timestamp.Equal(ts) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memMsgs) Insert(ctx context.Context, msg *store.Message) (int64, error) {
	m.byChat[msg.ChatID] = append(m.byChat[msg.ChatID], *msg)
	return int64(len(m.byChat[msg.ChatID])), nil
}

func (m *memMsgs) ListByChat(ctx context.Context, chatID int64) ([]store.Message, error) {
	return m.byChat[chatID], nil
}

type memClient struct {
	accountID int64
	chats     []json.RawMessage
	msgs      map[string][]json.RawMessage
	listCalls int
}

func (c *memClient) AccountID() int64 { return c.accountID }

func (c *memClient) ListChats(ctx context.Context, limit, offset int) (*avito.ChatsPage, error) {
	c.listCalls++
	p := &avito.ChatsPage{}
	if offset == 0 {
		p.Chats = c.chats
	}
	return p, nil
}

func (c *memClient) ListMessages(ctx context.Context, remoteChatID string, limit, offset int) (*avito.MessagesPage, error) {
	return &avito.MessagesPage{Messages: c.msgs[remoteChatID]}, nil
}

func (c *memClient) GetChatDetail(ctx context.Context, remoteChatID string) (json.RawMessage, error) {
	return nil, &avito.Error{Kind: avito.KindNonRetryable, Op: "get_chat", Status: 404}
}

type testEnv struct {
	shops    *memShops
	chats    *memChats
	msgs     *memMsgs
	client   *memClient
	ingestor *Ingestor
}

func newTestEnv() *testEnv {
	env := &testEnv{
		shops:  &memShops{byAccount: map[int64]*store.Shop{42: {ID: 1, AccountID: 42}}},
		chats:  newMemChats(),
		msgs:   newMemMsgs(),
		client: &memClient{accountID: 42, msgs: map[string][]json.RawMessage{}},
	}
	engine := crmsync.NewEngine(env.shops, env.chats, env.msgs,
		func(store.Shop) crmsync.RemoteClient { return env.client },
		crmsync.Options{}, zap.NewNop())
	env.ingestor = NewIngestor(IngestorOptions{
		Shops:    env.shops,
		Chats:    env.chats,
		Messages: env.msgs,
		Engine:   engine,
		Logger:   zap.NewNop(),
	})
	return env
}

func messageEvent(chatID string, accountID, authorID int64, text string, ts int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "ev-%s-%d",
		"payload": {
			"type": "message",
			"value": {
				"chat_id": %q,
				"user_id": %d,
				"author_id": %d,
				"content": {"text": %q},
				"created": %d
			}
		}
	}`, chatID, ts, chatID, accountID, authorID, text, ts))
}

func TestProcessMessageForKnownChat(t *testing.T) {
	env := newTestEnv()
	id, _ := env.chats.Insert(context.Background(), &store.Chat{ShopID: 1, RemoteID: "c1"})

	if err := env.ingestor.Process(context.Background(), messageEvent("c1", 42, 7, "hello", 1700000000)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	stored := env.msgs.byChat[id]
	if len(stored) != 1 || stored[0].Text != "hello" || stored[0].Direction != store.DirectionIn {
		t.Fatalf("stored = %+v", stored)
	}
	if env.chats.byID[id].LastMessage != "hello" {
		t.Fatal("derived preview not refreshed")
	}
}

func TestProcessEventThenSyncStoresOneRow(t *testing.T) {
	env := newTestEnv()
	id, _ := env.chats.Insert(context.Background(), &store.Chat{ShopID: 1, RemoteID: "c1"})
	// The follow-up pull returns the same message the event delivered.
	env.client.msgs["c1"] = []json.RawMessage{
		json.RawMessage(`{"text":"hello","author_id":7,"created":1700000000}`),
	}

	if err := env.ingestor.Process(context.Background(), messageEvent("c1", 42, 7, "hello", 1700000000)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := len(env.msgs.byChat[id]); got != 1 {
		t.Fatalf("stored rows = %d, want 1 (event insert deduped against pull)", got)
	}
}

func TestProcessMessageForUnknownChatRunsShopPass(t *testing.T) {
	env := newTestEnv()
	env.client.chats = []json.RawMessage{json.RawMessage(
		`{"id":"c1","users":[{"id":42,"name":"Shop"},{"id":7,"name":"Buyer"}],"last_message":{"text":"hello","created":1700000000}}`)}
	env.client.msgs["c1"] = []json.RawMessage{
		json.RawMessage(`{"text":"hello","author_id":7,"created":1700000000}`),
	}

	if err := env.ingestor.Process(context.Background(), messageEvent("c1", 42, 7, "hello", 1700000000)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if env.client.listCalls == 0 {
		t.Fatal("shop pass not triggered for unknown chat")
	}
	chat, _ := env.chats.GetByShopAndRemoteID(context.Background(), 1, "c1")
	if chat == nil {
		t.Fatal("chat not created by the shop pass")
	}
	if got := len(env.msgs.byChat[chat.ID]); got != 1 {
		t.Fatalf("stored rows = %d, want 1", got)
	}
}

func TestProcessReopensCompletedChat(t *testing.T) {
	env := newTestEnv()
	id, _ := env.chats.Insert(context.Background(), &store.Chat{ShopID: 1, RemoteID: "c1", Status: store.StatusCompleted})
	env.chats.byID[id].Status = store.StatusCompleted

	if err := env.ingestor.Process(context.Background(), messageEvent("c1", 42, 7, "back again", 1700000500)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if env.chats.byID[id].Status != store.StatusActive {
		t.Fatal("completed chat not reopened by inbound event")
	}
}

func TestProcessFindsChatUnderDriftedShop(t *testing.T) {
	env := newTestEnv()
	// Chat persisted under another shop row; the remote id still matches.
	id, _ := env.chats.Insert(context.Background(), &store.Chat{ShopID: 9, RemoteID: "c1"})

	if err := env.ingestor.Process(context.Background(), messageEvent("c1", 42, 7, "still here", 1700000000)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := len(env.msgs.byChat[id]); got != 1 {
		t.Fatalf("stored rows = %d, want the event applied to the drifted chat", got)
	}
	if env.client.listCalls != 0 {
		t.Fatal("shop pass triggered although the chat was resolvable by remote id")
	}
}

func TestProcessUnknownAccountIsDropped(t *testing.T) {
	env := newTestEnv()
	if err := env.ingestor.Process(context.Background(), messageEvent("c1", 99, 7, "hi", 1700000000)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(env.chats.byID) != 0 {
		t.Fatal("chat created for unknown account")
	}
}

func TestHandlerAlwaysAnswers200(t *testing.T) {
	env := newTestEnv()
	d := NewDispatcher(nil, env.ingestor, zap.NewNop())
	h := Handler(d, zap.NewNop())

	for _, body := range []string{
		`garbage`,
		`{"payload":{"type":"message","value":{"chat_id":"cX","user_id":99,"content":{"text":"x"},"created":1}}}`,
		string(messageEvent("c1", 42, 7, "hi", 1700000000)),
	} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhook/avito", strings.NewReader(body))
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d for body %q, want 200", rec.Code, body)
		}
	}
}
