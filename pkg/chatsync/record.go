package chatsync

import (
	"fmt"
	"time"
)

// ConversationKind distinguishes direct chats from group chats.
type ConversationKind int

const (
	ConversationDM ConversationKind = iota
	ConversationGroup
)

func (k ConversationKind) String() string {
	switch k {
	case ConversationDM:
		return "dm"
	case ConversationGroup:
		return "group"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ConversationKey identifies a conversation: a DM is keyed by the peer
// user ID, a group by the group ID.
type ConversationKey struct {
	Kind   ConversationKind
	PeerID int64
}

func (c ConversationKey) String() string {
	return fmt.Sprintf("%s:%d", c.Kind, c.PeerID)
}

// MessageType describes how Content is interpreted.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// MessageStatus is the delivery state of a message from the local user's
// perspective. StatusFailed marks an optimistic send whose server echo
// never arrived within the reconcile window.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// ReadEntry records one user's read receipt for a message. Entries are
// kept in arrival order.
type ReadEntry struct {
	UserID int64     `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

// Reaction aggregates one reaction type on a message.
type Reaction struct {
	UserID int64  `json:"user_id"`
	Emoji  string `json:"emoji"`
	Count  int    `json:"count"`
}

// RecallScope controls who a recall applies to.
type RecallScope string

const (
	// RecallSelf removes the message from the local view only. The rest
	// of the world still sees it, so the record is hidden rather than
	// deleted — a re-fetched history page must not resurrect it.
	RecallSelf RecallScope = "self"
	// RecallAll marks the message deleted for everyone. The record is
	// kept so grouping and reply anchors that reference its ID stay valid.
	RecallAll RecallScope = "all"
)

// MessageRecord is the canonical message shape. ID is server-assigned,
// stable, and unique within its conversation; it is the only identity.
// CreatedAt orders display and grouping only — late history pages carry
// timestamps older than already-loaded live messages and are inserted at
// the correct rank, never appended.
type MessageRecord struct {
	ID           int64           `json:"id"`
	TempID       string          `json:"temp_id,omitempty"`
	Conversation ConversationKey `json:"-"`
	SenderID     int64           `json:"sender_id"`
	CreatedAt    time.Time       `json:"created_at"`
	Type         MessageType     `json:"message_type"`
	Content      string          `json:"content"`

	DeletedForAll bool          `json:"is_deleted_for_all"`
	Status        MessageStatus `json:"status"`
	ReadBy        []ReadEntry   `json:"read_by,omitempty"`
	Reactions     []Reaction    `json:"reactions,omitempty"`

	ReplyToID int64      `json:"reply_to_id,omitempty"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	PinnedAt  *time.Time `json:"pinned_at,omitempty"`

	// hiddenLocally is set by a self-scoped recall. The record stays in
	// the log for ID-dedupe but is filtered from every read path.
	hiddenLocally bool
}

// before reports display rank: CreatedAt first, ID as tiebreaker so the
// order is total and arrival-independent.
func (m *MessageRecord) before(other *MessageRecord) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// LiveEvent is a socket-pushed mutation targeting a conversation.
type LiveEvent interface {
	Conversation() ConversationKey
	// TargetID is the message the event mutates, 0 for events that
	// insert rather than patch.
	TargetID() int64
}

// EvtNewMessage inserts (or, on duplicate ID, patches) a message.
type EvtNewMessage struct {
	Record MessageRecord
}

func (e EvtNewMessage) Conversation() ConversationKey { return e.Record.Conversation }
func (e EvtNewMessage) TargetID() int64               { return 0 }

// EvtRecall retracts a message for the actor or for everyone.
type EvtRecall struct {
	Conv      ConversationKey
	MessageID int64
	Scope     RecallScope
	ActorID   int64
}

func (e EvtRecall) Conversation() ConversationKey { return e.Conv }
func (e EvtRecall) TargetID() int64               { return e.MessageID }

// EvtEdit replaces a message's content.
type EvtEdit struct {
	Conv       ConversationKey
	MessageID  int64
	NewContent string
	EditedAt   time.Time
}

func (e EvtEdit) Conversation() ConversationKey { return e.Conv }
func (e EvtEdit) TargetID() int64               { return e.MessageID }

// EvtReaction adds or removes one user's reaction on a message.
type EvtReaction struct {
	Conv      ConversationKey
	MessageID int64
	UserID    int64
	Emoji     string
	Remove    bool
}

func (e EvtReaction) Conversation() ConversationKey { return e.Conv }
func (e EvtReaction) TargetID() int64               { return e.MessageID }

// EvtReadReceipt marks every message up to and including MessageID as
// read by UserID.
type EvtReadReceipt struct {
	Conv      ConversationKey
	MessageID int64
	UserID    int64
	ReadAt    time.Time
}

func (e EvtReadReceipt) Conversation() ConversationKey { return e.Conv }
func (e EvtReadReceipt) TargetID() int64               { return e.MessageID }

// EvtPinned pins or unpins a message in its conversation.
type EvtPinned struct {
	Conv      ConversationKey
	MessageID int64
	Unpin     bool
	At        time.Time
}

func (e EvtPinned) Conversation() ConversationKey { return e.Conv }
func (e EvtPinned) TargetID() int64               { return e.MessageID }

// EvtRoleChange updates a member's role in a group conversation. It
// carries no message target; the log tracks roles as conversation
// metadata.
type EvtRoleChange struct {
	Conv   ConversationKey
	UserID int64
	Role   string
}

func (e EvtRoleChange) Conversation() ConversationKey { return e.Conv }
func (e EvtRoleChange) TargetID() int64               { return 0 }

// MessageGroup is one display run of consecutive messages from the same
// sender.
type MessageGroup struct {
	SenderID int64
	Records  []MessageRecord
}

// DefaultGroupGap is the largest gap between consecutive messages that
// still groups them under one sender header.
const DefaultGroupGap = 5 * time.Minute

// GroupRecords splits an ordered record slice into display groups: a new
// group starts when the sender changes, when the gap to the previous
// record reaches maxGap, or when the calendar day changes. Pure function
// of its inputs — callers recompute it whenever the log changes rather
// than patching group boundaries incrementally.
func GroupRecords(records []MessageRecord, maxGap time.Duration) []MessageGroup {
	if maxGap <= 0 {
		maxGap = DefaultGroupGap
	}
	var groups []MessageGroup
	for _, rec := range records {
		n := len(groups)
		if n > 0 {
			cur := &groups[n-1]
			prev := cur.Records[len(cur.Records)-1]
			sameSender := prev.SenderID == rec.SenderID
			gap := rec.CreatedAt.Sub(prev.CreatedAt)
			sameDay := sameCalendarDay(prev.CreatedAt, rec.CreatedAt)
			if sameSender && gap < maxGap && sameDay {
				cur.Records = append(cur.Records, rec)
				continue
			}
		}
		groups = append(groups, MessageGroup{
			SenderID: rec.SenderID,
			Records:  []MessageRecord{rec},
		})
	}
	return groups
}

func sameCalendarDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
