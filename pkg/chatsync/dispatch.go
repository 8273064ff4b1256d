package chatsync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Live event names on the socket channel.
const (
	EventNewMessage      = "new_message"
	EventGroupMessage    = "group_message"
	EventRecalled        = "messages_recalled"
	EventGroupRecalled   = "group_messages_recalled"
	EventPinned          = "message_pinned"
	EventDMRead          = "dm_message_read"
	EventGroupRead       = "group_message_read"
	EventReaction        = "message_reaction"
	EventRoleChanged     = "member_role_changed"
	EventEdited          = "message_edited"
	EventSettingsChanged = "encryption_settings_changed"
)

type wireMessage struct {
	ID          int64     `json:"id"`
	TempID      string    `json:"temp_id,omitempty"`
	PeerID      int64     `json:"conversation_id"`
	GroupID     int64     `json:"group_id,omitempty"`
	SenderID    int64     `json:"sender_id"`
	CreatedAt   time.Time `json:"created_at"`
	MessageType string    `json:"message_type"`
	Content     string    `json:"content"`
	ReplyToID   int64     `json:"reply_to_id,omitempty"`
}

type wireRecall struct {
	PeerID     int64   `json:"conversation_id"`
	GroupID    int64   `json:"group_id,omitempty"`
	MessageIDs []int64 `json:"message_ids"`
	Scope      string  `json:"scope"`
	ActorID    int64   `json:"user_id"`
}

type wireEdit struct {
	PeerID    int64     `json:"conversation_id"`
	GroupID   int64     `json:"group_id,omitempty"`
	MessageID int64     `json:"message_id"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"edited_at"`
}

type wireRead struct {
	PeerID     int64     `json:"conversation_id"`
	GroupID    int64     `json:"group_id,omitempty"`
	UserID     int64     `json:"user_id"`
	LastReadID int64     `json:"last_read_id"`
	ReadAt     time.Time `json:"read_at"`
}

type wireReaction struct {
	PeerID    int64  `json:"conversation_id"`
	GroupID   int64  `json:"group_id,omitempty"`
	MessageID int64  `json:"message_id"`
	UserID    int64  `json:"user_id"`
	Emoji     string `json:"emoji"`
	Remove    bool   `json:"remove,omitempty"`
	Count     int    `json:"count,omitempty"`
}

type wirePinned struct {
	PeerID    int64     `json:"conversation_id"`
	GroupID   int64     `json:"group_id,omitempty"`
	MessageID int64     `json:"message_id"`
	Unpin     bool      `json:"unpin,omitempty"`
	At        time.Time `json:"pinned_at"`
}

type wireRole struct {
	GroupID int64  `json:"group_id"`
	UserID  int64  `json:"user_id"`
	Role    string `json:"role"`
}

type wireSettings struct {
	Enabled bool   `json:"enabled"`
	PINHash string `json:"pin_hash,omitempty"`
}

func (w wireMessage) key(group bool) ConversationKey {
	if group {
		return ConversationKey{Kind: ConversationGroup, PeerID: w.GroupID}
	}
	return ConversationKey{Kind: ConversationDM, PeerID: w.PeerID}
}

func convKey(group bool, peerID, groupID int64) ConversationKey {
	if group {
		return ConversationKey{Kind: ConversationGroup, PeerID: groupID}
	}
	return ConversationKey{Kind: ConversationDM, PeerID: peerID}
}

// HandleSocketEvent decodes and routes one live event. It runs
// synchronously on the transport's read loop and must stay quick: heavy
// recomputation (grouping) is memoized on the log and deferred to the
// next read.
func (c *Client) HandleSocketEvent(evt SocketEvent) {
	log := c.logger.With().
		Str("component", "dispatch").
		Str("event", evt.Name).
		Str("event_uuid", evt.UUID).
		Logger()

	switch evt.Name {
	case EventNewMessage:
		c.handleNewMessage(log, evt, false)
	case EventGroupMessage:
		c.handleNewMessage(log, evt, true)
	case EventRecalled:
		c.handleRecall(log, evt, false)
	case EventGroupRecalled:
		c.handleRecall(log, evt, true)
	case EventEdited:
		c.handleEdit(log, evt)
	case EventDMRead:
		c.handleRead(log, evt, false)
	case EventGroupRead:
		c.handleRead(log, evt, true)
	case EventReaction:
		c.handleReaction(log, evt)
	case EventPinned:
		c.handlePinned(log, evt)
	case EventRoleChanged:
		c.handleRoleChange(log, evt)
	case EventSettingsChanged:
		c.handleSettingsChange(log, evt)
	default:
		log.Debug().Msg("Ignoring unknown socket event")
	}
}

func (c *Client) handleNewMessage(log zerolog.Logger, evt SocketEvent, group bool) {
	var w wireMessage
	if err := json.Unmarshal(evt.Payload, &w); err != nil {
		log.Warn().Err(err).Msg("Bad new-message payload")
		return
	}
	conv := w.key(group)
	rec := MessageRecord{
		ID:           w.ID,
		TempID:       w.TempID,
		Conversation: conv,
		SenderID:     w.SenderID,
		CreatedAt:    w.CreatedAt,
		Type:         MessageType(w.MessageType),
		Content:      w.Content,
		ReplyToID:    w.ReplyToID,
		Status:       StatusDelivered,
	}
	isOwn := w.SenderID == c.identity.UserID

	if convLog := c.currentLog(conv); convLog != nil {
		// Echo of our own optimistic send: reconcile by temp ID, not by
		// content.
		if isOwn && w.TempID != "" && convLog.ReconcileOptimistic(w.TempID, rec) {
			return
		}
		// Counting flows from log acceptance, so at-least-once redelivery
		// is absorbed by ID dedupe.
		if convLog.ApplyLiveEvent(EvtNewMessage{Record: rec}) {
			messagesAccepted.Inc()
			c.unread.OnIncomingMessage(conv, isOwn)
		} else {
			eventsDuplicate.Inc()
			log.Debug().Int64("message_id", w.ID).Msg("Duplicate message delivery absorbed")
		}
		return
	}

	// Closed conversation: there is no log to dedupe against, so fall
	// back to the session store's seen-UUID set.
	fresh := true
	if c.store != nil && evt.UUID != "" {
		var err error
		fresh, err = c.store.MarkEventSeen(context.Background(), evt.UUID)
		if err != nil {
			log.Warn().Err(err).Msg("Seen-event check failed, counting anyway")
			fresh = true
		}
	}
	if fresh {
		messagesAccepted.Inc()
		c.unread.OnIncomingMessage(conv, isOwn)
	} else {
		eventsDuplicate.Inc()
	}
}

func (c *Client) handleRecall(log zerolog.Logger, evt SocketEvent, group bool) {
	var w wireRecall
	if err := json.Unmarshal(evt.Payload, &w); err != nil {
		log.Warn().Err(err).Msg("Bad recall payload")
		return
	}
	conv := convKey(group, w.PeerID, w.GroupID)
	convLog := c.currentLog(conv)
	if convLog == nil {
		return
	}
	scope := RecallAll
	if w.Scope == string(RecallSelf) {
		scope = RecallSelf
	}
	for _, id := range w.MessageIDs {
		convLog.ApplyLiveEvent(EvtRecall{Conv: conv, MessageID: id, Scope: scope, ActorID: w.ActorID})
	}
}

func (c *Client) handleEdit(log zerolog.Logger, evt SocketEvent) {
	var w wireEdit
	if err := json.Unmarshal(evt.Payload, &w); err != nil {
		log.Warn().Err(err).Msg("Bad edit payload")
		return
	}
	conv := convKey(w.GroupID != 0, w.PeerID, w.GroupID)
	if convLog := c.currentLog(conv); convLog != nil {
		convLog.ApplyLiveEvent(EvtEdit{Conv: conv, MessageID: w.MessageID, NewContent: w.Content, EditedAt: w.EditedAt})
	}
}

func (c *Client) handleRead(log zerolog.Logger, evt SocketEvent, group bool) {
	var w wireRead
	if err := json.Unmarshal(evt.Payload, &w); err != nil {
		log.Warn().Err(err).Msg("Bad read-receipt payload")
		return
	}
	conv := convKey(group, w.PeerID, w.GroupID)
	if convLog := c.currentLog(conv); convLog != nil {
		convLog.ApplyLiveEvent(EvtReadReceipt{Conv: conv, MessageID: w.LastReadID, UserID: w.UserID, ReadAt: w.ReadAt})
	}
}

func (c *Client) handleReaction(log zerolog.Logger, evt SocketEvent) {
	var w wireReaction
	if err := json.Unmarshal(evt.Payload, &w); err != nil {
		log.Warn().Err(err).Msg("Bad reaction payload")
		return
	}
	conv := convKey(w.GroupID != 0, w.PeerID, w.GroupID)
	if convLog := c.currentLog(conv); convLog != nil {
		convLog.ApplyLiveEvent(EvtReaction{
			Conv:      conv,
			MessageID: w.MessageID,
			UserID:    w.UserID,
			Emoji:     w.Emoji,
			Remove:    w.Remove,
		})
	}
	if !w.Remove && w.UserID != c.identity.UserID {
		count := w.Count
		if count <= 0 {
			count = 1
		}
		c.burst.Enqueue(w.Emoji, count)
	}
}

func (c *Client) handlePinned(log zerolog.Logger, evt SocketEvent) {
	var w wirePinned
	if err := json.Unmarshal(evt.Payload, &w); err != nil {
		log.Warn().Err(err).Msg("Bad pin payload")
		return
	}
	conv := convKey(w.GroupID != 0, w.PeerID, w.GroupID)
	if convLog := c.currentLog(conv); convLog != nil {
		convLog.ApplyLiveEvent(EvtPinned{Conv: conv, MessageID: w.MessageID, Unpin: w.Unpin, At: w.At})
	}
}

func (c *Client) handleRoleChange(log zerolog.Logger, evt SocketEvent) {
	var w wireRole
	if err := json.Unmarshal(evt.Payload, &w); err != nil {
		log.Warn().Err(err).Msg("Bad role-change payload")
		return
	}
	conv := ConversationKey{Kind: ConversationGroup, PeerID: w.GroupID}
	if convLog := c.currentLog(conv); convLog != nil {
		convLog.ApplyLiveEvent(EvtRoleChange{Conv: conv, UserID: w.UserID, Role: w.Role})
	}
}

// handleSettingsChange is the server-pushed mirror of the broadcast
// channel: both paths land in the gate's idempotent apply.
func (c *Client) handleSettingsChange(log zerolog.Logger, evt SocketEvent) {
	var w wireSettings
	if err := json.Unmarshal(evt.Payload, &w); err != nil {
		log.Warn().Err(err).Msg("Bad settings payload")
		return
	}
	if w.PINHash != "" {
		c.gate.RefreshPINHash(w.PINHash)
	}
	c.gate.applyBroadcast(LockChange{Enabled: w.Enabled, At: c.clock.Now()})
}
