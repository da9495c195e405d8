package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/suPer8Hu/ai-chat/internal/chat"
	"github.com/suPer8Hu/ai-chat/internal/common"
	"github.com/suPer8Hu/ai-chat/internal/logger"
	"github.com/suPer8Hu/ai-chat/internal/sse"
)

// Local failure reasons, alongside the server's.
const (
	ReasonIdleTimeout = "idle_timeout"
	ReasonDropped     = "connection_dropped"
	ReasonRejected    = "rejected"
)

const defaultIdleTimeout = 45 * time.Second

// APIError is a JSON error envelope returned instead of a stream.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (code %d): %s", e.Status, e.Code, e.Message)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	idle    time.Duration
	rec     *Reconciler
	cache   *Cache
	log     *logger.Logger
}

type Option func(*Client)

func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithIdleTimeout bounds the silence between bytes of a stream; heartbeats
// count as activity.
func WithIdleTimeout(d time.Duration) Option { return func(c *Client) { c.idle = d } }

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithLogger(l *logger.Logger) Option { return func(c *Client) { c.log = l } }

func WithCache(cache *Cache) Option { return func(c *Client) { c.cache = cache } }

func New(baseURL string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("base url: %w", err)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		idle:    defaultIdleTimeout,
		rec:     NewReconciler(),
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		cache, err := NewCache(defaultCacheSize)
		if err != nil {
			return nil, err
		}
		c.cache = cache
	}
	return c, nil
}

func (c *Client) Reconciler() *Reconciler { return c.rec }

type SendRequest struct {
	ChatID          string
	Content         string
	MessagePairID   string
	Model           string
	DominationField string
	CustomPrompt    string
}

type exchangeBody struct {
	ChatID  string         `json:"chatId"`
	Content string         `json:"content"`
	Options exchangeOption `json:"options"`
}

type exchangeOption struct {
	MessagePairID   string `json:"messagePairId"`
	Model           string `json:"model"`
	DominationField string `json:"dominationField"`
	CustomPrompt    string `json:"customPrompt,omitempty"`
}

// Send starts an exchange and follows it to a resolved entry. onUpdate, if
// set, sees every state change. A stream that goes silent for the idle
// timeout or ends without a terminal frame resolves as failed; the returned
// error is non-nil only when the request never produced a stream.
func (c *Client) Send(ctx context.Context, req SendRequest, onUpdate func(Entry)) (Entry, error) {
	if req.MessagePairID == "" {
		req.MessagePairID = uuid.NewString()
	}
	notify := func(e Entry) {
		if onUpdate != nil {
			onUpdate(e)
		}
	}
	pairID := req.MessagePairID
	notify(c.rec.Begin(req.ChatID, pairID, req.Content))

	body, err := json.Marshal(exchangeBody{
		ChatID:  req.ChatID,
		Content: req.Content,
		Options: exchangeOption{
			MessagePairID:   pairID,
			Model:           req.Model,
			DominationField: req.DominationField,
			CustomPrompt:    req.CustomPrompt,
		},
	})
	if err != nil {
		return c.drop(pairID, ReasonRejected, notify), err
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := c.newRequest(sctx, http.MethodPost, "/exchange", bytes.NewReader(body))
	if err != nil {
		return c.drop(pairID, ReasonRejected, notify), err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return c.drop(pairID, ReasonDropped, notify), err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		apiErr := decodeAPIError(resp)
		return c.drop(pairID, ReasonRejected, notify), apiErr
	}
	// the server owns the pair from here on, whatever the outcome
	defer c.cache.Invalidate(req.ChatID)

	activity := make(chan struct{}, 1)
	frames := make(chan sse.Frame)
	readErr := make(chan error, 1)
	go func() {
		r := sse.NewReader(&activityReader{r: resp.Body, touch: activity})
		for {
			f, err := r.Next()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-sctx.Done():
				return
			}
		}
	}()

	idle := time.NewTimer(c.idle)
	defer idle.Stop()
	resetIdle := func() {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(c.idle)
	}

	for {
		select {
		case <-ctx.Done():
			return c.drop(pairID, ReasonDropped, notify), nil

		case <-idle.C:
			c.log.Warn("stream idle, giving up", "message_pair_id", pairID, "idle", c.idle)
			return c.drop(pairID, ReasonIdleTimeout, notify), nil

		case <-activity:
			resetIdle()

		case err := <-readErr:
			if !errors.Is(err, io.EOF) {
				c.log.Warn("stream read failed", "message_pair_id", pairID, "error", err)
			}
			return c.drop(pairID, ReasonDropped, notify), nil

		case f := <-frames:
			resetIdle()
			e, changed := c.rec.Apply(pairID, f)
			if changed {
				notify(e)
			}
			if e.State.Resolved() {
				return e, nil
			}
		}
	}
}

func (c *Client) drop(pairID, reason string, notify func(Entry)) Entry {
	e, changed := c.rec.Drop(pairID, reason)
	if changed {
		notify(e)
	}
	return e
}

type listPairsResponse struct {
	ChatID   string             `json:"chat_id"`
	Messages []chat.MessagePair `json:"messages"`
}

// History returns the chat's confirmed pairs, from cache when possible.
func (c *Client) History(ctx context.Context, chatID string) ([]chat.MessagePair, error) {
	if pairs, ok := c.cache.Get(chatID); ok {
		return pairs, nil
	}
	var out listPairsResponse
	if err := c.getJSON(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID)+"/messages", &out); err != nil {
		return nil, err
	}
	c.cache.Put(chatID, out.Messages)
	return out.Messages, nil
}

// Abort asks the server to stop the chat's in-flight exchange.
func (c *Client) Abort(ctx context.Context, chatID string) (bool, error) {
	var out struct {
		Aborted bool `json:"aborted"`
	}
	if err := c.getJSON(ctx, http.MethodPost, "/exchange/"+url.PathEscape(chatID)+"/abort", &out); err != nil {
		return false, err
	}
	return out.Aborted, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, method, path string, out any) error {
	req, err := c.newRequest(ctx, method, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	env := common.Envelope[json.RawMessage]{}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Code != 0 {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	return json.Unmarshal(env.Data, out)
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var env common.Envelope[json.RawMessage]
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err == nil {
		apiErr.Code = env.Code
		if env.Message != "" {
			apiErr.Message = env.Message
		}
	}
	return apiErr
}

// activityReader signals every successful read, heartbeats included.
type activityReader struct {
	r     io.Reader
	touch chan<- struct{}
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		select {
		case a.touch <- struct{}{}:
		default:
		}
	}
	return n, err
}
