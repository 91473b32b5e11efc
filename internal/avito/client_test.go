package avito

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   attempts,
		Base:          time.Millisecond,
		Cap:           5 * time.Millisecond,
		RateLimitWait: 50 * time.Millisecond,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

func tokenHandler(calls *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	}
}

func newTestClient(t *testing.T, handler http.Handler, attempts int) (*Client, *int32) {
	t.Helper()
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.Handle("/token", tokenHandler(&tokenCalls))
	mux.Handle("/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient(Options{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/token",
		AccountID:    42,
		ClientID:     "id",
		ClientSecret: "secret",
		Retry:        fastRetry(attempts),
	})
	return c, &tokenCalls
}

func TestDoReAuthOnceOn401(t *testing.T) {
	var calls int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"chats":[]}`))
	})
	c, tokenCalls := newTestClient(t, h, 3)

	if _, err := c.ListChats(context.Background(), 10, 0); err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("request calls = %d, want 2", got)
	}
	// Initial token fetch plus one refresh after the 401.
	if got := atomic.LoadInt32(tokenCalls); got != 2 {
		t.Fatalf("token calls = %d, want 2", got)
	}
}

func TestDoPersistent401IsCredentialError(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c, _ := newTestClient(t, h, 3)

	_, err := c.ListChats(context.Background(), 10, 0)
	if !IsCredentialError(err) {
		t.Fatalf("want credential error, got %v", err)
	}
}

func TestDoHonorsRetryAfter(t *testing.T) {
	var calls int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"chats":[]}`))
	})
	c, _ := newTestClient(t, h, 3)
	// Cap the hinted wait so the test stays fast.
	c.retry.RateLimitWait = 30 * time.Millisecond

	start := time.Now()
	if _, err := c.ListChats(context.Background(), 10, 0); err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("returned after %v, want at least the capped Retry-After wait", elapsed)
	}
}

func TestDoRetriesTransientThenExhausts(t *testing.T) {
	var calls int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})
	c, _ := newTestClient(t, h, 3)

	_, err := c.ListChats(context.Background(), 10, 0)
	if !IsExhausted(err) {
		t.Fatalf("want exhausted error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("request calls = %d, want 3", got)
	}
}

func TestDoFailsFastOnClientError(t *testing.T) {
	var calls int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})
	c, _ := newTestClient(t, h, 3)

	_, err := c.ListChats(context.Background(), 10, 0)
	if !IsNonRetryable(err) {
		t.Fatalf("want non-retryable error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("request calls = %d, want 1 (no retry on 400)", got)
	}
}

func TestDo403IsCredentialError(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	c, _ := newTestClient(t, h, 3)

	_, err := c.ListChats(context.Background(), 10, 0)
	if !IsCredentialError(err) {
		t.Fatalf("want credential error for 403, got %v", err)
	}
}

func TestListMessagesFallsBackAcrossVariants(t *testing.T) {
	var v3, v1 int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/messenger/v3/accounts/42/chats/c1/messages/":
			atomic.AddInt32(&v3, 1)
			w.WriteHeader(http.StatusNotFound)
		case r.URL.Path == "/messenger/v1/accounts/42/chats/c1/messages/":
			atomic.AddInt32(&v1, 1)
			_, _ = w.Write([]byte(`{"messages":[{"text":"hi"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	c, _ := newTestClient(t, h, 3)

	page, err := c.ListMessages(context.Background(), "c1", 10, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(page.Raw()) != 1 {
		t.Fatalf("messages = %d, want 1", len(page.Raw()))
	}
	if atomic.LoadInt32(&v3) != 1 || atomic.LoadInt32(&v1) != 1 {
		t.Fatalf("variant calls v3=%d v1=%d, want one each", v3, v1)
	}
}

func TestListMessagesAllVariants404(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c, _ := newTestClient(t, h, 3)

	_, err := c.ListMessages(context.Background(), "c1", 10, 0)
	if !IsExhausted(err) {
		t.Fatalf("want exhausted error, got %v", err)
	}
}

func TestListChatsClampsOffset(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected past the offset window")
	})
	c, _ := newTestClient(t, h, 3)

	page, err := c.ListChats(context.Background(), 10, 1001)
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(page.Raw()) != 0 {
		t.Fatal("want empty page past the offset window")
	}
}

func TestSendMessageUsesNestedBodyOnV1(t *testing.T) {
	var gotBody map[string]any
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messenger/v1/accounts/42/chats/c1/messages" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{}`))
	})
	c, _ := newTestClient(t, h, 3)

	if err := c.SendMessage(context.Background(), "c1", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	inner, ok := gotBody["message"].(map[string]any)
	if !ok || inner["text"] != "hello" {
		t.Fatalf("v1 body = %v, want nested message.text", gotBody)
	}
}

func TestRegisterWebhookRejectsPlainHTTP(t *testing.T) {
	c, _ := newTestClient(t, http.NotFoundHandler(), 3)

	err := c.RegisterWebhook(context.Background(), "http://crm.example.com/hook", []string{"message"})
	if !IsNonRetryable(err) {
		t.Fatalf("want non-retryable error for http URL, got %v", err)
	}
	if err := c.RegisterWebhook(context.Background(), "https://crm.example.com/hook", []string{"bogus"}); !IsNonRetryable(err) {
		t.Fatalf("want non-retryable error for unknown kind, got %v", err)
	}
}

func TestRegisterWebhookPostsURLAndTypes(t *testing.T) {
	var gotBody map[string]any
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messenger/v3/webhook" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	c, _ := newTestClient(t, h, 3)

	if err := c.RegisterWebhook(context.Background(), "https://crm.example.com/hook", []string{"message", "chat"}); err != nil {
		t.Fatalf("RegisterWebhook: %v", err)
	}
	if gotBody["url"] != "https://crm.example.com/hook" {
		t.Fatalf("body url = %v", gotBody["url"])
	}
	types, ok := gotBody["types"].([]any)
	if !ok || len(types) != 2 || types[0] != "message" || types[1] != "chat" {
		t.Fatalf("body types = %v, want the subscribed kinds", gotBody["types"])
	}
}

func TestTokenCachedAcrossRequests(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"chats":[]}`))
	})
	c, tokenCalls := newTestClient(t, h, 3)

	for i := 0; i < 3; i++ {
		if _, err := c.ListChats(context.Background(), 10, 0); err != nil {
			t.Fatalf("ListChats: %v", err)
		}
	}
	if got := atomic.LoadInt32(tokenCalls); got != 1 {
		t.Fatalf("token calls = %d, want 1", got)
	}
}
