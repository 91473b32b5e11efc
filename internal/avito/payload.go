package avito

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ChatsPage is one page of the chat list. Different API versions key the
// slice as "chats" or "items".
type ChatsPage struct {
	Chats []json.RawMessage `json:"chats"`
	Items []json.RawMessage `json:"items"`
	Meta  struct {
		HasMore bool `json:"has_more"`
		Total   int  `json:"total"`
	} `json:"meta"`
}

func (p *ChatsPage) Raw() []json.RawMessage {
	if len(p.Chats) > 0 {
		return p.Chats
	}
	return p.Items
}

// MessagesPage is one page of a chat's message list.
type MessagesPage struct {
	Messages []json.RawMessage `json:"messages"`
	Items    []json.RawMessage `json:"items"`
}

func (p *MessagesPage) Raw() []json.RawMessage {
	if len(p.Messages) > 0 {
		return p.Messages
	}
	return p.Items
}

// ChatSummary is the normalized view of one chat-list entry.
type ChatSummary struct {
	ID          string
	ClientName  string
	CustomerID  string
	LastMessage string
	LastAt      time.Time
	Unread      int
	ProductURL  string
	ListingJSON string
}

// RemoteMessage is the normalized view of one message payload.
type RemoteMessage struct {
	Text       string
	Incoming   bool
	SenderName string
	Timestamp  time.Time
	TimeKnown  bool
}

func decodeMap(raw json.RawMessage) map[string]any {
	var m map[string]any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil
	}
	return m
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

// ParseChatSummary normalizes one raw chat-list entry. Entries without any
// usable id are rejected with ok=false.
func ParseChatSummary(raw json.RawMessage, accountID int64) (ChatSummary, bool) {
	m := decodeMap(raw)
	if m == nil {
		return ChatSummary{}, false
	}
	id := firstString(m, "id", "chat_id")
	if id == "" {
		return ChatSummary{}, false
	}
	cs := ChatSummary{ID: id}

	cs.ClientName, cs.CustomerID = counterparty(m, accountID)

	if lm := asMap(m["last_message"]); lm != nil {
		cs.LastMessage = ExtractText(lm)
		if ts, ok := parseAnyTime(lm["created"]); ok {
			cs.LastAt = ts
		}
	}
	if u, ok := m["unread_count"]; ok {
		if n, err := strconv.Atoi(asString(u)); err == nil {
			cs.Unread = n
		}
	}
	cs.ProductURL, cs.ListingJSON = ExtractListing(m)
	return cs, true
}

// counterparty picks the first user entry that is not the shop's own account.
func counterparty(m map[string]any, accountID int64) (name, id string) {
	users, _ := m["users"].([]any)
	for _, u := range users {
		um := asMap(u)
		if um == nil {
			continue
		}
		uid := firstString(um, "id", "user_id")
		if uid == strconv.FormatInt(accountID, 10) {
			continue
		}
		return firstString(um, "name", "title"), uid
	}
	return "", ""
}

// ParseMessage normalizes one raw message payload. Messages with no text
// content (system events, attachment-only entries the text extractor cannot
// represent) are rejected with ok=false.
func ParseMessage(raw json.RawMessage, accountID int64) (RemoteMessage, bool) {
	m := decodeMap(raw)
	if m == nil {
		return RemoteMessage{}, false
	}
	return parseMessageMap(m, accountID)
}

func parseMessageMap(m map[string]any, accountID int64) (RemoteMessage, bool) {
	text := ExtractText(m)
	if text == "" {
		return RemoteMessage{}, false
	}
	rm := RemoteMessage{Text: text}
	rm.Incoming = ResolveDirection(m, accountID)
	rm.SenderName = senderName(m)
	rm.Timestamp, rm.TimeKnown = messageTime(m)
	return rm, true
}

// ExtractText finds the message text across payload shapes: a plain "text"
// field, a content object, or a nested message wrapper.
func ExtractText(m map[string]any) string {
	if s, ok := m["text"].(string); ok && s != "" {
		return s
	}
	if c := asMap(m["content"]); c != nil {
		if s, ok := c["text"].(string); ok && s != "" {
			return s
		}
	}
	if inner := asMap(m["message"]); inner != nil {
		if s, ok := inner["text"].(string); ok && s != "" {
			return s
		}
		if c := asMap(inner["content"]); c != nil {
			if s, ok := c["text"].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// ResolveDirection decides whether a message is inbound, in priority order:
// explicit direction field, author id against the shop account, then the
// author/from object. Unknown resolves to inbound so a real customer message
// is never silently treated as answered.
func ResolveDirection(m map[string]any, accountID int64) bool {
	if d, ok := m["direction"].(string); ok && d != "" {
		return d != "out" && d != "outgoing"
	}
	own := strconv.FormatInt(accountID, 10)
	if a, ok := m["author_id"]; ok {
		if s := asString(a); s != "" {
			return s != own
		}
	}
	for _, key := range []string{"author", "from"} {
		if am := asMap(m[key]); am != nil {
			if s := firstString(am, "id", "user_id"); s != "" {
				return s != own
			}
		}
	}
	return true
}

func senderName(m map[string]any) string {
	for _, key := range []string{"author", "from"} {
		if am := asMap(m[key]); am != nil {
			if s := firstString(am, "name", "title"); s != "" {
				return s
			}
		}
	}
	return ""
}

func messageTime(m map[string]any) (time.Time, bool) {
	for _, key := range []string{"created", "created_at", "timestamp", "time"} {
		if v, ok := m[key]; ok {
			if t, ok := parseAnyTime(v); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// parseAnyTime normalizes the timestamp shapes the API emits: epoch seconds
// as int or float, numeric strings, and ISO 8601 with or without an offset.
// Bare ISO strings are read as UTC. Sub-second fractions are dropped: the
// store keeps whole-second timestamps and the message dedup tuple compares
// them for equality.
func parseAnyTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case json.Number:
		return epochTime(t.String())
	case float64:
		return time.Unix(int64(t), 0).UTC(), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		if ts, ok := epochTime(s); ok {
			return ts, true
		}
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
		} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC().Truncate(time.Second), true
			}
		}
	}
	return time.Time{}, false
}

func epochTime(s string) (time.Time, bool) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Unix(int64(f), 0).UTC(), true
	}
	return time.Time{}, false
}

const listingBase = "https://www.avito.ru"

// ExtractListing walks the containers a listing reference can hide in and
// returns the absolute product URL plus the container serialized back to
// JSON. Relative paths are absolutized; a bare listing id becomes an
// /items/{id} link.
func ExtractListing(m map[string]any) (url, listingJSON string) {
	container := listingContainer(m)
	if container != nil {
		url = firstLink(container)
		if url == "" {
			if id := firstString(container, "id", "item_id"); id != "" {
				url = listingBase + "/items/" + id
			}
		}
		if url != "" {
			if b, err := json.Marshal(container); err == nil {
				listingJSON = string(b)
			}
			return url, listingJSON
		}
	}
	// Fall back to link fields on the entry itself; no snapshot then.
	return firstLink(m), ""
}

func listingContainer(m map[string]any) map[string]any {
	if c := asMap(m["context"]); c != nil {
		if v := asMap(c["value"]); v != nil {
			return v
		}
		return c
	}
	for _, key := range []string{"item", "listing", "ad"} {
		if c := asMap(m[key]); c != nil {
			return c
		}
	}
	return nil
}

func firstLink(m map[string]any) string {
	for _, key := range []string{"url", "link", "href", "value", "uri"} {
		if s, ok := m[key].(string); ok && s != "" {
			return absolutize(s)
		}
	}
	return ""
}

func absolutize(s string) string {
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s
	}
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return listingBase + s
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := asString(m[k]); s != "" {
			return s
		}
	}
	return ""
}
