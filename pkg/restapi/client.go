// Package restapi implements the chatsync service contracts over the
// chat server's JSON REST API. Every response is wrapped in an envelope
// {"code": int, "message": string, "data": ...}; code 0 is success.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossnet/chatsync/pkg/chatsync"
)

const requestTimeout = 15 * time.Second

// APIError is a non-zero envelope code returned by the server.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client talks to the chat server REST API. It implements
// chatsync.HistoryService, MessageService, ReadReceiptService,
// SettingsService and ChatListService.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  zerolog.Logger
}

// New creates a REST client. baseURL must not end with a slash.
func New(baseURL, token string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger.With().Str("component", "restapi").Logger(),
	}
}

// Services bundles this client into the contract struct the engine
// consumes.
func (c *Client) Services() chatsync.Services {
	return chatsync.Services{
		History:  c,
		Messages: c,
		Receipts: c,
		Settings: c,
		ChatList: c,
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(buf)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("unexpected response (HTTP %d): %w", resp.StatusCode, err)
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

type wireRecord struct {
	ID           int64     `json:"id"`
	TempID       string    `json:"temp_id,omitempty"`
	SenderID     int64     `json:"sender_id"`
	CreatedAt    time.Time `json:"created_at"`
	Type         string    `json:"type"`
	Content      string    `json:"content"`
	Recalled     bool      `json:"recalled"`
	Status       string    `json:"status"`
	ReplyToID    int64     `json:"reply_to_id,omitempty"`
	ReadByUsers  []int64   `json:"read_by,omitempty"`
	ReactionList []struct {
		Emoji  string `json:"emoji"`
		UserID int64  `json:"user_id"`
	} `json:"reactions,omitempty"`
}

func (w wireRecord) toRecord(conv chatsync.ConversationKey) chatsync.MessageRecord {
	rec := chatsync.MessageRecord{
		ID:            w.ID,
		TempID:        w.TempID,
		Conversation:  conv,
		SenderID:      w.SenderID,
		CreatedAt:     w.CreatedAt,
		Type:          chatsync.MessageType(w.Type),
		Content:       w.Content,
		DeletedForAll: w.Recalled,
		Status:        chatsync.MessageStatus(w.Status),
		ReplyToID:     w.ReplyToID,
	}
	for _, u := range w.ReadByUsers {
		rec.ReadBy = append(rec.ReadBy, chatsync.ReadEntry{UserID: u})
	}
	for _, r := range w.ReactionList {
		rec.Reactions = append(rec.Reactions, chatsync.Reaction{Emoji: r.Emoji, UserID: r.UserID})
	}
	return rec
}

func convQuery(conv chatsync.ConversationKey) url.Values {
	q := url.Values{}
	q.Set("kind", conv.Kind.String())
	q.Set("peer_id", strconv.FormatInt(conv.PeerID, 10))
	return q
}

// GetPage implements chatsync.HistoryService. Pages count backwards
// from the newest message; the server reports whether older pages
// remain.
func (c *Client) GetPage(ctx context.Context, conv chatsync.ConversationKey, page, pageSize int) (chatsync.HistoryPage, error) {
	q := convQuery(conv)
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	var out struct {
		Records []wireRecord `json:"records"`
		HasMore bool         `json:"has_more"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/messages/history", q, nil, &out); err != nil {
		return chatsync.HistoryPage{}, err
	}
	recs := make([]chatsync.MessageRecord, len(out.Records))
	for i, w := range out.Records {
		recs[i] = w.toRecord(conv)
	}
	return chatsync.HistoryPage{Records: recs, HasMore: out.HasMore}, nil
}

// Send implements chatsync.MessageService and returns the
// server-assigned record echoing the draft's temp ID.
func (c *Client) Send(ctx context.Context, conv chatsync.ConversationKey, draft chatsync.MessageRecord) (chatsync.MessageRecord, error) {
	body := map[string]any{
		"kind":    conv.Kind.String(),
		"peer_id": conv.PeerID,
		"temp_id": draft.TempID,
		"type":    draft.Type,
		"content": draft.Content,
	}
	if draft.ReplyToID != 0 {
		body["reply_to_id"] = draft.ReplyToID
	}
	var out wireRecord
	if err := c.do(ctx, http.MethodPost, "/api/messages", nil, body, &out); err != nil {
		return chatsync.MessageRecord{}, err
	}
	return out.toRecord(conv), nil
}

// Recall implements chatsync.MessageService.
func (c *Client) Recall(ctx context.Context, conv chatsync.ConversationKey, messageID int64, scope chatsync.RecallScope) error {
	body := map[string]any{
		"kind":       conv.Kind.String(),
		"peer_id":    conv.PeerID,
		"message_id": messageID,
		"scope":      scope,
	}
	return c.do(ctx, http.MethodPost, "/api/messages/recall", nil, body, nil)
}

// React implements chatsync.MessageService.
func (c *Client) React(ctx context.Context, conv chatsync.ConversationKey, messageID int64, emoji string, add bool) error {
	body := map[string]any{
		"kind":       conv.Kind.String(),
		"peer_id":    conv.PeerID,
		"message_id": messageID,
		"emoji":      emoji,
		"add":        add,
	}
	return c.do(ctx, http.MethodPost, "/api/messages/reaction", nil, body, nil)
}

// MarkRead implements chatsync.ReadReceiptService. A failure here must
// surface to the caller so the aggregator can invalidate its count.
func (c *Client) MarkRead(ctx context.Context, conv chatsync.ConversationKey) error {
	body := map[string]any{
		"kind":    conv.Kind.String(),
		"peer_id": conv.PeerID,
	}
	return c.do(ctx, http.MethodPost, "/api/conversations/read", nil, body, nil)
}

// EmitReceipt implements chatsync.ReadReceiptService.
func (c *Client) EmitReceipt(ctx context.Context, conv chatsync.ConversationKey, messageID int64) error {
	body := map[string]any{
		"kind":       conv.Kind.String(),
		"peer_id":    conv.PeerID,
		"message_id": messageID,
	}
	return c.do(ctx, http.MethodPost, "/api/messages/read-receipt", nil, body, nil)
}

// GetEncryption implements chatsync.SettingsService.
func (c *Client) GetEncryption(ctx context.Context) (chatsync.EncryptionSettings, error) {
	var out struct {
		Enabled bool   `json:"encryption_enabled"`
		PINHash string `json:"pin_hash"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/settings/encryption", nil, nil, &out); err != nil {
		return chatsync.EncryptionSettings{}, err
	}
	return chatsync.EncryptionSettings{Enabled: out.Enabled, PINHash: out.PINHash}, nil
}

// SetEncryptionEnabled implements chatsync.SettingsService.
func (c *Client) SetEncryptionEnabled(ctx context.Context, enabled bool) error {
	body := map[string]any{"encryption_enabled": enabled}
	return c.do(ctx, http.MethodPut, "/api/settings/encryption", nil, body, nil)
}

// SetPIN implements chatsync.SettingsService. The hash is computed
// client side; the server never sees the PIN itself.
func (c *Client) SetPIN(ctx context.Context, pinHash string) error {
	body := map[string]any{"pin_hash": pinHash}
	return c.do(ctx, http.MethodPut, "/api/settings/encryption/pin", nil, body, nil)
}

// GetChatList implements chatsync.ChatListService.
func (c *Client) GetChatList(ctx context.Context) ([]chatsync.ChatListEntry, error) {
	var out struct {
		Chats []struct {
			Kind        string `json:"kind"`
			PeerID      int64  `json:"peer_id"`
			UnreadCount int    `json:"unread_count"`
		} `json:"chats"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	entries := make([]chatsync.ChatListEntry, 0, len(out.Chats))
	for _, ch := range out.Chats {
		kind := chatsync.ConversationDM
		if ch.Kind == "group" {
			kind = chatsync.ConversationGroup
		}
		entries = append(entries, chatsync.ChatListEntry{
			Conversation: chatsync.ConversationKey{Kind: kind, PeerID: ch.PeerID},
			UnreadCount:  ch.UnreadCount,
		})
	}
	return entries, nil
}
