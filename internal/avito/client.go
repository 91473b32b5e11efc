package avito

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/osagaming/avito-crm/internal/metrics"
)

const (
	defaultBaseURL  = "https://api.avito.ru"
	defaultTokenURL = "https://api.avito.ru/token"

	maxPageLimit  = 100
	maxPageOffset = 1000
)

type Options struct {
	BaseURL      string
	TokenURL     string
	AccountID    int64
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	TokenMargin  time.Duration
	Retry        RetryPolicy
	Logger       *zap.Logger
	HTTPClient   *http.Client
}

// Client talks to the Avito messenger API for one seller account. Every
// request goes through the same executor: token refresh on 401, Retry-After
// on 429, capped exponential backoff on transient failures, and immediate
// failure on the rest.
type Client struct {
	base        string
	tokenURL    string
	accountID   int64
	clientID    string
	secret      string
	tokenMargin time.Duration
	retry       RetryPolicy
	http        *http.Client
	log         *zap.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewClient(opt Options) *Client {
	if opt.BaseURL == "" {
		opt.BaseURL = defaultBaseURL
	}
	if opt.TokenURL == "" {
		opt.TokenURL = defaultTokenURL
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 30 * time.Second
	}
	if opt.TokenMargin <= 0 {
		opt.TokenMargin = 5 * time.Minute
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	hc := opt.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opt.Timeout}
	}
	return &Client{
		base:        strings.TrimRight(opt.BaseURL, "/"),
		tokenURL:    opt.TokenURL,
		accountID:   opt.AccountID,
		clientID:    opt.ClientID,
		secret:      opt.ClientSecret,
		tokenMargin: opt.TokenMargin,
		retry:       opt.Retry.withDefaults(),
		http:        hc,
		log:         opt.Logger.With(zap.Int64("account_id", opt.AccountID)),
	}
}

func (c *Client) AccountID() int64 { return c.accountID }

// Authenticate fetches a fresh client-credentials token, bypassing the cache.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshTokenLocked(ctx)
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExp.Add(-c.tokenMargin)) {
		return c.token, nil
	}
	if err := c.refreshTokenLocked(ctx); err != nil {
		return "", err
	}
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) refreshTokenLocked(ctx context.Context) error {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.secret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Op: "token", Message: "token endpoint unreachable", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		kind := KindAuth
		if classify(resp.StatusCode) == KindTransient {
			kind = KindTransient
		}
		return newError(kind, "token", resp.StatusCode, snippet(body))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		return newError(KindAuth, "token", resp.StatusCode, "token response missing access_token")
	}
	if tok.ExpiresIn <= 0 {
		tok.ExpiresIn = 3600
	}
	c.token = tok.AccessToken
	c.tokenExp = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	c.log.Debug("token refreshed", zap.Time("expires", c.tokenExp))
	return nil
}

// do runs one request through the uniform executor. A 401 triggers a single
// token refresh without consuming the retry budget; 429 waits out the
// Retry-After hint; 5xx, 408 and network errors back off exponentially;
// other 4xx fail immediately.
func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, body any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	reAuthed := false
	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; {
		tok, err := c.accessToken(ctx)
		if err != nil {
			if kindOf(err) != KindTransient {
				return nil, err
			}
			lastErr = err
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			attempt++
			continue
		}

		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &Error{Kind: KindTransient, Op: op, Message: "request failed", Err: err}
			metrics.APIRetries.Inc()
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			attempt++
			continue
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return raw, nil
		}
		if resp.StatusCode == http.StatusUnauthorized {
			if reAuthed {
				return nil, newError(KindAuth, op, resp.StatusCode, snippet(raw))
			}
			reAuthed = true
			c.invalidateToken()
			c.log.Debug("token rejected, re-authenticating", zap.String("op", op))
			continue
		}
		// 403 means the credentials are live but not entitled to this
		// account; the shop's token status should be flagged.
		if resp.StatusCode == http.StatusForbidden {
			return nil, newError(KindAuth, op, resp.StatusCode, snippet(raw))
		}

		switch classify(resp.StatusCode) {
		case KindRateLimit:
			metrics.APIRateLimited.Inc()
			lastErr = newError(KindRateLimit, op, resp.StatusCode, snippet(raw))
			wait := c.retryAfter(resp, attempt)
			c.log.Warn("rate limited", zap.String("op", op), zap.Duration("wait", wait))
			if err := c.retry.sleep(ctx, wait); err != nil {
				return nil, err
			}
			attempt++
		case KindTransient:
			metrics.APIRetries.Inc()
			lastErr = newError(KindTransient, op, resp.StatusCode, snippet(raw))
			c.log.Warn("transient upstream failure",
				zap.String("op", op), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt))
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			attempt++
		default:
			return nil, newError(KindNonRetryable, op, resp.StatusCode, snippet(raw))
		}
	}
	return nil, &Error{Kind: KindExhausted, Op: op, Message: "retry budget spent", Err: lastErr}
}

func (c *Client) backoff(ctx context.Context, attempt int) error {
	return c.retry.sleep(ctx, c.retry.Delay(attempt))
}

func (c *Client) retryAfter(resp *http.Response, attempt int) time.Duration {
	if h := resp.Header.Get("Retry-After"); h != "" {
		if sec, err := strconv.Atoi(h); err == nil && sec >= 0 {
			wait := time.Duration(sec) * time.Second
			if wait > c.retry.RateLimitWait {
				wait = c.retry.RateLimitWait
			}
			return wait
		}
	}
	return c.retry.Delay(attempt)
}

type endpointVariant struct {
	method string
	path   string
	body   any
}

// tryVariants walks the ordered endpoint variants, skipping to the next one
// only when the API answers 404 or 405 (the version or encoding is not
// deployed for this account). Any other outcome is final.
func (c *Client) tryVariants(ctx context.Context, op string, variants []endpointVariant, q url.Values) (json.RawMessage, error) {
	var lastErr error
	for i, v := range variants {
		raw, err := c.do(ctx, op, v.method, v.path, q, v.body)
		if err == nil {
			if i > 0 {
				metrics.APIVariantFallbacks.Add(float64(i))
			}
			return raw, nil
		}
		var ae *Error
		if errors.As(err, &ae) && ae.Kind == KindNonRetryable &&
			(ae.Status == http.StatusNotFound || ae.Status == http.StatusMethodNotAllowed) {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, &Error{Kind: KindExhausted, Op: op, Message: "no endpoint variant accepted the request", Err: lastErr}
}

// chatIDEncodings returns the remote chat id in the encodings the API
// versions expect, deduplicated when they coincide.
func chatIDEncodings(remoteID string) []string {
	escaped := url.PathEscape(remoteID)
	if escaped == remoteID {
		return []string{remoteID}
	}
	return []string{escaped, remoteID}
}

// ListChats fetches one page of the account's chat list. Limit is clamped to
// the API maximum; offsets past the API window return an empty page.
func (c *Client) ListChats(ctx context.Context, limit, offset int) (*ChatsPage, error) {
	if limit <= 0 || limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset > maxPageOffset {
		return &ChatsPage{}, nil
	}
	q := url.Values{
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	}
	raw, err := c.do(ctx, "list_chats", http.MethodGet,
		fmt.Sprintf("/messenger/v2/accounts/%d/chats", c.accountID), q, nil)
	if err != nil {
		return nil, err
	}
	var page ChatsPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, newError(KindNonRetryable, "list_chats", 0, "undecodable chat list payload")
	}
	return &page, nil
}

// ListMessages fetches one page of a chat's messages, trying the API versions
// and chat-id encodings in preference order.
func (c *Client) ListMessages(ctx context.Context, remoteChatID string, limit, offset int) (*MessagesPage, error) {
	if limit <= 0 || limit > maxPageLimit {
		limit = maxPageLimit
	}
	q := url.Values{
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	}
	var variants []endpointVariant
	for _, ver := range []string{"v3", "v1", "v2"} {
		for _, id := range chatIDEncodings(remoteChatID) {
			variants = append(variants, endpointVariant{
				method: http.MethodGet,
				path:   fmt.Sprintf("/messenger/%s/accounts/%d/chats/%s/messages/", ver, c.accountID, id),
			})
		}
	}
	raw, err := c.tryVariants(ctx, "list_messages", variants, q)
	if err != nil {
		return nil, err
	}
	var page MessagesPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, newError(KindNonRetryable, "list_messages", 0, "undecodable message list payload")
	}
	return &page, nil
}

// GetChatDetail fetches a single chat, used when the list entry lacks the
// listing context.
func (c *Client) GetChatDetail(ctx context.Context, remoteChatID string) (json.RawMessage, error) {
	var variants []endpointVariant
	for _, ver := range []string{"v3", "v2"} {
		for _, id := range chatIDEncodings(remoteChatID) {
			variants = append(variants, endpointVariant{
				method: http.MethodGet,
				path:   fmt.Sprintf("/messenger/%s/accounts/%d/chats/%s", ver, c.accountID, id),
			})
		}
	}
	return c.tryVariants(ctx, "get_chat", variants, nil)
}

// SendMessage posts an outbound text message, optionally referencing
// previously uploaded attachment ids. The v1 endpoint wants the text nested
// under message; v3 and v2 take it flat.
func (c *Client) SendMessage(ctx context.Context, remoteChatID, text string, attachmentIDs ...string) error {
	nested := map[string]any{"message": map[string]any{"text": text}, "type": "text"}
	flat := map[string]any{"message": text, "type": "text"}
	if len(attachmentIDs) > 0 {
		nested["attachment_ids"] = attachmentIDs
		flat["attachment_ids"] = attachmentIDs
	}

	var variants []endpointVariant
	for _, id := range chatIDEncodings(remoteChatID) {
		variants = append(variants, endpointVariant{
			method: http.MethodPost,
			path:   fmt.Sprintf("/messenger/v1/accounts/%d/chats/%s/messages", c.accountID, id),
			body:   nested,
		})
	}
	for _, ver := range []string{"v3", "v2"} {
		for _, id := range chatIDEncodings(remoteChatID) {
			variants = append(variants, endpointVariant{
				method: http.MethodPost,
				path:   fmt.Sprintf("/messenger/%s/accounts/%d/chats/%s/messages", ver, c.accountID, id),
				body:   flat,
			})
		}
	}
	_, err := c.tryVariants(ctx, "send_message", variants, nil)
	return err
}

var webhookKinds = map[string]struct{}{"message": {}, "chat": {}, "user": {}}

// RegisterWebhook subscribes the account's events to the given HTTPS URL.
func (c *Client) RegisterWebhook(ctx context.Context, publicURL string, kinds []string) error {
	u, err := url.Parse(publicURL)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return newError(KindNonRetryable, "register_webhook", 0, "webhook URL must be absolute https")
	}
	for _, k := range kinds {
		if _, ok := webhookKinds[k]; !ok {
			return newError(KindNonRetryable, "register_webhook", 0, "unknown webhook kind "+k)
		}
	}
	_, err = c.do(ctx, "register_webhook", http.MethodPost, "/messenger/v3/webhook",
		nil, map[string]any{"url": publicURL, "types": kinds})
	return err
}

// BlockUser adds a customer to the account blacklist.
func (c *Client) BlockUser(ctx context.Context, userID int64) error {
	body := map[string]any{
		"users": []map[string]any{{"user_id": userID}},
	}
	_, err := c.do(ctx, "block_user", http.MethodPost,
		fmt.Sprintf("/messenger/v2/accounts/%d/blacklist", c.accountID), nil, body)
	return err
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
