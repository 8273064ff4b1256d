package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossnet/chatsync/pkg/chatsync"
)

var testConv = chatsync.ConversationKey{Kind: chatsync.ConversationDM, PeerID: 7}

func respond(t *testing.T, w http.ResponseWriter, code int, message string, data any) {
	t.Helper()
	body := map[string]any{"code": code, "message": message}
	if data != nil {
		body["data"] = data
	}
	require.NoError(t, json.NewEncoder(w).Encode(body))
}

func TestClientGetPage(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/messages/history", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "dm", q.Get("kind"))
		assert.Equal(t, "7", q.Get("peer_id"))
		assert.Equal(t, "2", q.Get("page"))
		assert.Equal(t, "25", q.Get("page_size"))
		respond(t, w, 0, "", map[string]any{
			"records": []map[string]any{
				{"id": 90, "sender_id": 2, "created_at": at, "type": "text", "content": "hi", "status": "delivered"},
			},
			"has_more": true,
		})
	}))
	defer srv.Close()

	client := New(srv.URL, "tok", zerolog.Nop())
	page, err := client.GetPage(context.Background(), testConv, 2, 25)
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	require.Len(t, page.Records, 1)
	rec := page.Records[0]
	assert.Equal(t, int64(90), rec.ID)
	assert.Equal(t, testConv, rec.Conversation)
	assert.Equal(t, chatsync.MessageText, rec.Type)
	assert.True(t, rec.CreatedAt.Equal(at))
}

func TestClientSendEchoesTempID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "dm", body["kind"])
		assert.Equal(t, "tmp-abc", body["temp_id"])
		respond(t, w, 0, "", map[string]any{
			"id": 501, "temp_id": "tmp-abc", "sender_id": 1,
			"created_at": time.Now(), "type": "text", "content": body["content"], "status": "delivered",
		})
	}))
	defer srv.Close()

	client := New(srv.URL, "tok", zerolog.Nop())
	got, err := client.Send(context.Background(), testConv, chatsync.MessageRecord{
		TempID:  "tmp-abc",
		Type:    chatsync.MessageText,
		Content: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(501), got.ID)
	assert.Equal(t, "tmp-abc", got.TempID)
}

func TestClientEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(t, w, 4001, "conversation not found", nil)
	}))
	defer srv.Close()

	client := New(srv.URL, "tok", zerolog.Nop())
	err := client.MarkRead(context.Background(), testConv)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 4001, apiErr.Code)
	assert.Contains(t, apiErr.Error(), "conversation not found")
}

func TestClientGetChatList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/conversations", r.URL.Path)
		respond(t, w, 0, "", map[string]any{
			"chats": []map[string]any{
				{"kind": "dm", "peer_id": 7, "unread_count": 3},
				{"kind": "group", "peer_id": 42, "unread_count": 0},
			},
		})
	}))
	defer srv.Close()

	client := New(srv.URL, "tok", zerolog.Nop())
	entries, err := client.GetChatList(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, chatsync.ChatListEntry{Conversation: testConv, UnreadCount: 3}, entries[0])
	assert.Equal(t, chatsync.ConversationGroup, entries[1].Conversation.Kind)
}

func TestClientEncryptionSettings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			respond(t, w, 0, "", map[string]any{"encryption_enabled": true, "pin_hash": "abc123"})
		case r.URL.Path == "/api/settings/encryption/pin":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "abc123", body["pin_hash"])
			respond(t, w, 0, "", nil)
		default:
			respond(t, w, 0, "", nil)
		}
	}))
	defer srv.Close()

	client := New(srv.URL, "tok", zerolog.Nop())
	settings, err := client.GetEncryption(context.Background())
	require.NoError(t, err)
	assert.True(t, settings.Enabled)
	assert.Equal(t, "abc123", settings.PINHash)
	require.NoError(t, client.SetPIN(context.Background(), "abc123"))
}

func TestServicesBundle(t *testing.T) {
	client := New("http://localhost", "tok", zerolog.Nop())
	services := client.Services()
	assert.NotNil(t, services.History)
	assert.NotNil(t, services.Messages)
	assert.NotNil(t, services.Receipts)
	assert.NotNil(t, services.Settings)
	assert.NotNil(t, services.ChatList)
}
