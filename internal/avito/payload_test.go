package avito

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseMessageTextShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"plain text", `{"text":"hi","direction":"in","created":1700000000}`, "hi"},
		{"content object", `{"content":{"text":"from content"},"created":1700000000}`, "from content"},
		{"nested message", `{"message":{"text":"nested"},"created":1700000000}`, "nested"},
		{"nested content", `{"message":{"content":{"text":"deep"}},"created":1700000000}`, "deep"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rm, ok := ParseMessage(json.RawMessage(tc.raw), 42)
			if !ok {
				t.Fatal("message rejected")
			}
			if rm.Text != tc.want {
				t.Fatalf("text = %q, want %q", rm.Text, tc.want)
			}
		})
	}
}

func TestParseMessageRejectsTextless(t *testing.T) {
	if _, ok := ParseMessage(json.RawMessage(`{"type":"system","created":1700000000}`), 42); ok {
		t.Fatal("textless payload accepted")
	}
}

func TestResolveDirectionPriority(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		incoming bool
	}{
		{"direction field wins", `{"text":"x","direction":"out","author_id":99}`, false},
		{"author_id own account", `{"text":"x","author_id":42}`, false},
		{"author_id other", `{"text":"x","author_id":7}`, true},
		{"author object", `{"text":"x","author":{"id":42}}`, false},
		{"from object", `{"text":"x","from":{"id":"7"}}`, true},
		{"unknown defaults inbound", `{"text":"x"}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rm, ok := ParseMessage(json.RawMessage(tc.raw), 42)
			if !ok {
				t.Fatal("message rejected")
			}
			if rm.Incoming != tc.incoming {
				t.Fatalf("incoming = %v, want %v", rm.Incoming, tc.incoming)
			}
		})
	}
}

func TestParseAnyTimeShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"epoch int", `{"text":"x","created":1700000000}`, time.Unix(1700000000, 0).UTC()},
		{"epoch float drops fraction", `{"text":"x","created":1700000000.5}`, time.Unix(1700000000, 0).UTC()},
		{"numeric string", `{"text":"x","created":"1700000000"}`, time.Unix(1700000000, 0).UTC()},
		{"iso with offset", `{"text":"x","created":"2023-11-14T22:13:20+03:00"}`, time.Date(2023, 11, 14, 19, 13, 20, 0, time.UTC)},
		{"bare iso is utc", `{"text":"x","created":"2023-11-14T22:13:20"}`, time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)},
		{"fractional iso drops fraction", `{"text":"x","created":"2023-11-14T22:13:20.123Z"}`, time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rm, ok := ParseMessage(json.RawMessage(tc.raw), 42)
			if !ok {
				t.Fatal("message rejected")
			}
			if !rm.TimeKnown {
				t.Fatal("timestamp not recognized")
			}
			if !rm.Timestamp.Equal(tc.want) {
				t.Fatalf("ts = %v, want %v", rm.Timestamp, tc.want)
			}
		})
	}
}

func TestParseMessageMissingTimestamp(t *testing.T) {
	rm, ok := ParseMessage(json.RawMessage(`{"text":"x"}`), 42)
	if !ok {
		t.Fatal("message rejected")
	}
	if rm.TimeKnown {
		t.Fatal("TimeKnown = true for payload without timestamp")
	}
}

func TestExtractListingContainers(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantURL string
	}{
		{
			"context value",
			`{"context":{"value":{"url":"https://www.avito.ru/items/5"}}}`,
			"https://www.avito.ru/items/5",
		},
		{
			"item container relative link",
			`{"item":{"link":"/moskva/tovar_123"}}`,
			"https://www.avito.ru/moskva/tovar_123",
		},
		{
			"listing id only",
			`{"listing":{"id":777}}`,
			"https://www.avito.ru/items/777",
		},
		{
			"direct url field",
			`{"url":"https://www.avito.ru/items/9"}`,
			"https://www.avito.ru/items/9",
		},
		{
			"nothing",
			`{"users":[]}`,
			"",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := decodeMap(json.RawMessage(tc.raw))
			url, _ := ExtractListing(m)
			if url != tc.wantURL {
				t.Fatalf("url = %q, want %q", url, tc.wantURL)
			}
		})
	}
}

func TestExtractListingKeepsSnapshot(t *testing.T) {
	m := decodeMap(json.RawMessage(`{"context":{"value":{"id":5,"title":"bike","url":"/items/5"}}}`))
	url, snap := ExtractListing(m)
	if url != "https://www.avito.ru/items/5" {
		t.Fatalf("url = %q", url)
	}
	var back map[string]any
	if err := json.Unmarshal([]byte(snap), &back); err != nil {
		t.Fatalf("snapshot not JSON: %v", err)
	}
	if back["title"] != "bike" {
		t.Fatalf("snapshot = %v, want listing fields preserved", back)
	}
}

func TestParseChatSummary(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "chat-1",
		"users": [
			{"id": 42, "name": "My Shop"},
			{"id": 7, "name": "Buyer"}
		],
		"last_message": {"text": "hello", "created": 1700000000},
		"unread_count": 3,
		"context": {"value": {"url": "https://www.avito.ru/items/5"}}
	}`)
	cs, ok := ParseChatSummary(raw, 42)
	if !ok {
		t.Fatal("summary rejected")
	}
	if cs.ID != "chat-1" || cs.ClientName != "Buyer" || cs.CustomerID != "7" {
		t.Fatalf("summary = %+v", cs)
	}
	if cs.LastMessage != "hello" || cs.Unread != 3 {
		t.Fatalf("summary = %+v", cs)
	}
	if cs.ProductURL != "https://www.avito.ru/items/5" {
		t.Fatalf("product url = %q", cs.ProductURL)
	}
}

func TestParseChatSummaryNumericID(t *testing.T) {
	cs, ok := ParseChatSummary(json.RawMessage(`{"id": 123}`), 42)
	if !ok || cs.ID != "123" {
		t.Fatalf("summary = %+v ok=%v, want numeric id as string", cs, ok)
	}
	if _, ok := ParseChatSummary(json.RawMessage(`{"users":[]}`), 42); ok {
		t.Fatal("summary without id accepted")
	}
}
