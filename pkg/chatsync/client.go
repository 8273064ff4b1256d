package chatsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
)

// SocketEvent is one named event delivered by the live channel. UUID is
// the transport's delivery ID, used for cross-restart duplicate
// suppression; payloads must carry enough identity (message, conversation,
// user) for idempotent application.
type SocketEvent struct {
	Name    string
	UUID    string
	Payload json.RawMessage
}

// SocketTransport is the live event channel contract: at-least-once,
// in-order-per-conversation delivery with reconnect handled inside the
// adapter (see pkg/wsocket).
type SocketTransport interface {
	Subscribe(handler func(SocketEvent)) error
	Close() error
}

// MessageService is the REST mutation contract.
type MessageService interface {
	Send(ctx context.Context, conv ConversationKey, draft MessageRecord) (MessageRecord, error)
	Recall(ctx context.Context, conv ConversationKey, messageID int64, scope RecallScope) error
	React(ctx context.Context, conv ConversationKey, messageID int64, emoji string, add bool) error
}

// ReadReceiptService emits fire-and-forget per-message read receipts
// and the per-conversation mark-read call.
type ReadReceiptService interface {
	MarkRead(ctx context.Context, conv ConversationKey) error
	EmitReceipt(ctx context.Context, conv ConversationKey, messageID int64) error
}

// ChatListEntry is one row of the server chat-list snapshot used to seed
// the unread aggregator.
type ChatListEntry struct {
	Conversation ConversationKey
	UnreadCount  int
}

// ChatListService fetches the authoritative unread snapshot.
type ChatListService interface {
	GetChatList(ctx context.Context) ([]ChatListEntry, error)
}

// Services bundles the REST contracts the client consumes.
type Services struct {
	History  HistoryService
	Messages MessageService
	Receipts ReadReceiptService
	Settings SettingsService
	ChatList ChatListService
}

// Client is the conversation synchronization engine: it owns the open
// conversation's log and loader, the unread aggregator, the reaction
// burst queue, and the encryption gate, and routes socket events and
// REST results between them.
type Client struct {
	identity Identity
	cfg      *Config
	services Services
	socket   SocketTransport
	store    *SessionStore
	clock    Clock
	logger   zerolog.Logger

	unread *UnreadAggregator
	burst  *BurstQueue
	gate   *LockGate

	mu      sync.Mutex
	openLog *ConversationLog
	loader  *PageLoader
}

// NewClient wires the engine together. store may be nil (no session
// persistence); socket may be attached later with AttachSocket.
func NewClient(identity Identity, cfg *Config, services Services, store *SessionStore, clock Clock, logger zerolog.Logger) *Client {
	if clock == nil {
		clock = RealClock()
	}
	logger = logger.With().Int64("user_id", identity.UserID).Logger()
	c := &Client{
		identity: identity,
		cfg:      cfg,
		services: services,
		store:    store,
		clock:    clock,
		logger:   logger,
		unread:   NewUnreadAggregator(clock, logger),
		burst:    NewBurstQueue(clock, logger),
		gate:     NewLockGate(clock, logger),
	}
	if store != nil {
		c.gate.AttachPersister(store)
		c.unread.OnSnapshot(func(counts map[ConversationKey]int) {
			if err := store.SaveUnreadSnapshot(context.Background(), counts); err != nil {
				logger.Warn().Err(err).Msg("Failed to mirror unread snapshot")
			}
		})
	}
	return c
}

// Unread exposes the aggregator.
func (c *Client) Unread() *UnreadAggregator { return c.unread }

// Bursts exposes the reaction burst queue.
func (c *Client) Bursts() *BurstQueue { return c.burst }

// Gate exposes the encryption gate.
func (c *Client) Gate() *LockGate { return c.gate }

// Bootstrap seeds unread counts (session mirror first, then the
// authoritative chat list, max-merged) and derives the lock gate from
// server settings.
func (c *Client) Bootstrap(ctx context.Context) error {
	if c.store != nil {
		if cached, err := c.store.LoadUnreadSnapshot(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to load cached unread snapshot")
		} else if len(cached) > 0 {
			c.unread.Seed(cached)
		}
	}
	if c.services.ChatList != nil {
		entries, err := c.services.ChatList.GetChatList(ctx)
		if err != nil {
			return fmt.Errorf("fetch chat list: %w", err)
		}
		snapshot := make(map[ConversationKey]int, len(entries))
		for _, e := range entries {
			snapshot[e.Conversation] = e.UnreadCount
		}
		c.unread.Seed(snapshot)
	}
	if c.services.Settings != nil {
		if err := c.gate.Bootstrap(ctx, c.services.Settings); err != nil {
			return fmt.Errorf("bootstrap lock gate: %w", err)
		}
	}
	return nil
}

// AttachSocket subscribes the dispatcher to a live transport.
func (c *Client) AttachSocket(transport SocketTransport) error {
	c.mu.Lock()
	c.socket = transport
	c.mu.Unlock()
	return transport.Subscribe(c.HandleSocketEvent)
}

// AttachBroadcast wires a cross-instance lock-state transport.
func (c *Client) AttachBroadcast(ctx context.Context, port BroadcastPort) error {
	return c.gate.AttachPort(ctx, port)
}

// OpenConversation creates a fresh log + loader for conv, destroying the
// previous one. Late results of the previous conversation's in-flight
// page fetches are discarded by the loader's generation guard.
func (c *Client) OpenConversation(conv ConversationKey) *ConversationLog {
	convLog := NewConversationLog(conv, c.clock, c.logger)
	convLog.groupGap = c.groupGap()
	c.mu.Lock()
	prev := c.openLog
	c.openLog = convLog
	if c.loader == nil {
		c.loader = NewPageLoader(convLog, c.services.History, c.pageSize(), c.clock, c.logger)
	} else {
		c.loader.Reset(convLog)
	}
	c.mu.Unlock()
	if prev != nil {
		c.unread.SetOpen(prev.Conversation(), false)
	}
	c.unread.SetOpen(conv, true)
	c.logger.Info().Stringer("conversation", conv).Msg("Opened conversation")
	return convLog
}

// CloseConversation drops the open conversation, if any.
func (c *Client) CloseConversation() {
	c.mu.Lock()
	prev := c.openLog
	c.openLog = nil
	c.mu.Unlock()
	if prev != nil {
		c.unread.SetOpen(prev.Conversation(), false)
	}
}

// Loader returns the pagination loader for the open conversation.
func (c *Client) Loader() *PageLoader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loader
}

func (c *Client) currentLog(conv ConversationKey) *ConversationLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openLog != nil && c.openLog.Conversation() == conv {
		return c.openLog
	}
	return nil
}

func (c *Client) pageSize() int {
	if c.cfg != nil && c.cfg.PageSize > 0 {
		return c.cfg.PageSize
	}
	return defaultPageSize
}

func (c *Client) groupGap() time.Duration {
	if c.cfg != nil && c.cfg.GroupGap > 0 {
		return c.cfg.GroupGap
	}
	return DefaultGroupGap
}

func (c *Client) reconcileTimeout() time.Duration {
	if c.cfg != nil && c.cfg.ReconcileTimeout > 0 {
		return c.cfg.ReconcileTimeout
	}
	return defaultReconcileTimeout
}

// VisibleMessages is the view layer's read path: the open conversation's
// log filtered through the encryption gate. Recomputed per call.
func (c *Client) VisibleMessages() []MessageRecord {
	convLog := c.openLogSnapshot()
	if convLog == nil {
		return nil
	}
	return FilteredView(convLog.Read(), c.gate.Current(), c.identity.UserID)
}

// GroupedMessages returns the display grouping of the visible records.
func (c *Client) GroupedMessages() []MessageGroup {
	return GroupRecords(c.VisibleMessages(), c.groupGap())
}

func (c *Client) openLogSnapshot() *ConversationLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLog
}

// Send applies an optimistic record, issues the REST send, and
// reconciles the placeholder with the server echo. If neither the REST
// response nor a socket echo reconciles it within the configured window,
// the record is marked failed and kept for explicit retry/discard.
func (c *Client) Send(ctx context.Context, conv ConversationKey, msgType MessageType, content string) (string, error) {
	convLog := c.currentLog(conv)
	if convLog == nil {
		return "", fmt.Errorf("conversation %s is not open", conv)
	}
	draft := MessageRecord{
		Conversation: conv,
		SenderID:     c.identity.UserID,
		Type:         msgType,
		Content:      content,
		CreatedAt:    c.clock.Now(),
	}
	tempID := convLog.ApplyOptimistic(draft)
	c.clock.AfterFunc(c.reconcileTimeout(), func() {
		convLog.MarkFailed(tempID)
	})

	server, err := c.services.Messages.Send(ctx, conv, draft)
	if err != nil {
		// Leave the placeholder for the timeout to flag; the server may
		// still have accepted the message and echo it over the socket.
		c.logger.Warn().Err(err).Str("temp_id", tempID).Msg("Send call failed, awaiting socket echo or timeout")
		return tempID, err
	}
	server.Conversation = conv
	convLog.ReconcileOptimistic(tempID, server)
	return tempID, nil
}

// SendAttachment infers image vs. generic file from the content bytes
// and sends a record whose Content is the attachment name. Uploading the
// payload itself is the caller's concern.
func (c *Client) SendAttachment(ctx context.Context, conv ConversationKey, name string, data []byte) (string, error) {
	msgType := MessageFile
	if mt := mimetype.Detect(data); mt != nil && isImageMIME(mt.String()) {
		msgType = MessageImage
	}
	return c.Send(ctx, conv, msgType, name)
}

func isImageMIME(m string) bool {
	return len(m) > 6 && m[:6] == "image/"
}

// React applies the reaction optimistically, feeds the burst queue, and
// issues the REST call.
func (c *Client) React(ctx context.Context, conv ConversationKey, messageID int64, emoji string) error {
	if convLog := c.currentLog(conv); convLog != nil {
		convLog.ApplyLiveEvent(EvtReaction{
			Conv:      conv,
			MessageID: messageID,
			UserID:    c.identity.UserID,
			Emoji:     emoji,
		})
	}
	c.burst.Enqueue(emoji, 1)
	return c.services.Messages.React(ctx, conv, messageID, emoji, true)
}

// Recall retracts a message. RecallSelf only touches the local view;
// RecallAll is sent to the server and applied optimistically.
func (c *Client) Recall(ctx context.Context, conv ConversationKey, messageID int64, scope RecallScope) error {
	if convLog := c.currentLog(conv); convLog != nil {
		convLog.ApplyLiveEvent(EvtRecall{
			Conv:      conv,
			MessageID: messageID,
			Scope:     scope,
			ActorID:   c.identity.UserID,
		})
	}
	return c.services.Messages.Recall(ctx, conv, messageID, scope)
}

// MarkConversationRead zeroes the unread badge optimistically, issues
// the mark-read call (failure invalidates the entry), and emits
// fire-and-forget per-message receipts for everything unread in the open
// log.
func (c *Client) MarkConversationRead(ctx context.Context, conv ConversationKey) {
	var markFn MarkReadFunc
	if c.services.Receipts != nil {
		markFn = c.services.Receipts.MarkRead
	}
	c.unread.MarkRead(ctx, conv, markFn)

	convLog := c.currentLog(conv)
	if convLog == nil || c.services.Receipts == nil {
		return
	}
	for _, id := range convLog.UnreadIDs(c.identity.UserID) {
		if err := c.services.Receipts.EmitReceipt(ctx, conv, id); err != nil {
			c.logger.Debug().Err(err).Int64("message_id", id).Msg("Read receipt emission failed (fire-and-forget)")
		}
		convLog.ApplyLiveEvent(EvtReadReceipt{
			Conv:      conv,
			MessageID: id,
			UserID:    c.identity.UserID,
			ReadAt:    c.clock.Now(),
		})
	}
}

// SetLockEnabled toggles the encryption-lock feature on the server and
// mirrors the change through the gate (which broadcasts it to other
// instances).
func (c *Client) SetLockEnabled(ctx context.Context, enabled bool) error {
	if err := c.services.Settings.SetEncryptionEnabled(ctx, enabled); err != nil {
		return err
	}
	c.gate.SetEnabled(ctx, enabled)
	return nil
}

// SetPIN hashes the PIN client side, stores the hash on the server, and
// refreshes the gate's canonical copy. The raw PIN never leaves this
// process.
func (c *Client) SetPIN(ctx context.Context, pin string) error {
	sum := sha256.Sum256([]byte(pin))
	hashed := hex.EncodeToString(sum[:])
	if err := c.services.Settings.SetPIN(ctx, hashed); err != nil {
		return err
	}
	c.gate.RefreshPINHash(hashed)
	return nil
}

// Close tears down the socket and session store.
func (c *Client) Close() error {
	c.mu.Lock()
	socket := c.socket
	c.socket = nil
	c.mu.Unlock()
	if socket != nil {
		if err := socket.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Socket close failed")
		}
	}
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}
