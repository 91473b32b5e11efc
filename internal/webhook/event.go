package webhook

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Event is a normalized webhook notification. The platform has shipped two
// envelope generations: v3 nests the event under payload.type/payload.value,
// the older one puts type and value at the top level.
type Event struct {
	ID        string // envelope id, or a body hash when absent
	Kind      string // "message", "chat", "user"
	AccountID int64  // seller account the event is scoped to
	ChatID    string // remote chat id, message and chat events only
	Value     map[string]any
}

// ParseEvent decodes a webhook body. ok is false when no recognizable event
// is inside; the HTTP edge still answers 200 in that case.
func ParseEvent(body []byte) (Event, bool) {
	var env map[string]any
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return Event{}, false
	}

	kind, value := unwrap(env)
	if kind == "" || value == nil {
		return Event{}, false
	}

	ev := Event{Kind: kind, Value: value}
	ev.ID = firstString(env, "id", "uuid")
	if ev.ID == "" {
		sum := sha1.Sum(body)
		ev.ID = hex.EncodeToString(sum[:])
	}
	ev.AccountID = firstInt(value, "user_id", "account_id")
	if ev.AccountID == 0 {
		ev.AccountID = firstInt(env, "user_id", "account_id")
	}
	ev.ChatID = firstString(value, "chat_id", "id")
	return ev, true
}

func unwrap(env map[string]any) (string, map[string]any) {
	if p, ok := env["payload"].(map[string]any); ok {
		if kind, _ := p["type"].(string); kind != "" {
			if v, ok := p["value"].(map[string]any); ok {
				return kind, v
			}
			return kind, p
		}
	}
	if kind, _ := env["type"].(string); kind != "" {
		if v, ok := env["value"].(map[string]any); ok {
			return kind, v
		}
		return kind, env
	}
	return "", nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch t := m[k].(type) {
		case string:
			if t != "" {
				return t
			}
		case json.Number:
			return t.String()
		}
	}
	return ""
}

func firstInt(m map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch t := m[k].(type) {
		case json.Number:
			if n, err := t.Int64(); err == nil {
				return n
			}
		case float64:
			return int64(t)
		case string:
			var n json.Number = json.Number(t)
			if v, err := n.Int64(); err == nil {
				return v
			}
		}
	}
	return 0
}
