package chatsync

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// pendingPatchWindow is how long an event referencing a not-yet-inserted
// message ID waits for its target before being dropped. Live events for
// one conversation arrive in server-emission order, so this only fires
// when a recall/edit races ahead of its insert across the at-least-once
// transport.
const pendingPatchWindow = 10 * time.Second

type pendingPatch struct {
	evt      LiveEvent
	buffered time.Time
	retried  bool
}

// ConversationLog is the per-conversation ordered, deduplicated message
// sequence. It merges REST history pages (prepend), live socket events
// (append or patch-in-place), and local optimistic sends, converging to
// the same final order regardless of arrival order.
//
// Records are kept sorted by (CreatedAt, ID). Identity is strictly the
// server-assigned ID: applying the same insert twice patches the existing
// record instead of duplicating it.
type ConversationLog struct {
	mu   sync.Mutex
	conv ConversationKey

	ordered  []*MessageRecord
	byID     map[int64]*MessageRecord
	byTempID map[string]*MessageRecord

	// pending holds patch events whose target ID is unknown, keyed by
	// target. Applied when the target arrives, dropped after
	// pendingPatchWindow with a logged inconsistency.
	pending map[int64][]pendingPatch

	// roles is group-member metadata fed by role-change events.
	roles map[int64]string

	pinnedID int64

	// revision increments on every visible change. GroupedView memoizes
	// against it so grouping is never recomputed inside a burst of
	// socket callbacks that nobody reads between.
	revision      uint64
	groupedAt     uint64
	groupedCache  []MessageGroup
	groupGap      time.Duration
	clock         Clock
	log           zerolog.Logger
	onAcceptHooks []func(MessageRecord)
}

// NewConversationLog creates an empty log for one conversation. The log
// is destroyed (not reused) when the user switches conversations.
func NewConversationLog(conv ConversationKey, clock Clock, logger zerolog.Logger) *ConversationLog {
	if clock == nil {
		clock = RealClock()
	}
	return &ConversationLog{
		conv:     conv,
		byID:     map[int64]*MessageRecord{},
		byTempID: map[string]*MessageRecord{},
		pending:  map[int64][]pendingPatch{},
		roles:    map[int64]string{},
		groupGap: DefaultGroupGap,
		clock:    clock,
		log:      logger.With().Str("component", "convlog").Stringer("conversation", conv).Logger(),
	}
}

// OnAccept registers a hook invoked whenever a record is newly accepted
// into the log (not for duplicate deliveries or in-place patches). The
// unread aggregator derives counts from this rather than raw socket
// payloads so at-least-once redelivery cannot double count.
func (l *ConversationLog) OnAccept(fn func(MessageRecord)) {
	l.mu.Lock()
	l.onAcceptHooks = append(l.onAcceptHooks, fn)
	l.mu.Unlock()
}

// Conversation returns the key this log was created for.
func (l *ConversationLog) Conversation() ConversationKey { return l.conv }

// SeedHistory merges one fetched history page. Pages prepend logically:
// every record lands at its (CreatedAt, ID) rank, so records already
// visible never reorder. Duplicate IDs patch in place.
func (l *ConversationLog) SeedHistory(page []MessageRecord) {
	l.mu.Lock()
	accepted := make([]MessageRecord, 0, len(page))
	for i := range page {
		if rec, isNew := l.upsertLocked(page[i]); isNew {
			accepted = append(accepted, *rec)
		}
	}
	hooks := l.onAcceptHooks
	l.mu.Unlock()
	for _, rec := range accepted {
		for _, fn := range hooks {
			fn(rec)
		}
	}
}

// ApplyLiveEvent applies one socket-pushed event. The returned accepted
// flag is true only when the event changed the log: a duplicate insert,
// a no-op patch, or an unknown-target patch (buffered for retry) all
// report false.
func (l *ConversationLog) ApplyLiveEvent(evt LiveEvent) (accepted bool) {
	l.mu.Lock()
	var acceptedRec *MessageRecord
	switch e := evt.(type) {
	case EvtNewMessage:
		var isNew bool
		acceptedRec, isNew = l.upsertLocked(e.Record)
		accepted = isNew
	default:
		accepted = l.patchLocked(evt, false)
	}
	var rec MessageRecord
	var hooks []func(MessageRecord)
	if acceptedRec != nil && accepted {
		rec = *acceptedRec
		hooks = l.onAcceptHooks
	}
	l.mu.Unlock()
	for _, fn := range hooks {
		fn(rec)
	}
	return accepted
}

// patchLocked applies a mutation event to its target record. Unknown
// targets are buffered once; on the retry pass (isRetry) a still-missing
// target is dropped with a logged inconsistency.
func (l *ConversationLog) patchLocked(evt LiveEvent, isRetry bool) bool {
	target := evt.TargetID()

	switch e := evt.(type) {
	case EvtRoleChange:
		if l.roles[e.UserID] == e.Role {
			return false
		}
		l.roles[e.UserID] = e.Role
		l.bump()
		return true
	case EvtReadReceipt:
		// Receipts cover every message up to the watermark, so they
		// apply even when the exact target ID is unknown.
		changed := false
		for _, rec := range l.ordered {
			if rec.ID == 0 || rec.ID > e.MessageID {
				continue
			}
			if rec.markReadBy(e.UserID, e.ReadAt) {
				changed = true
			}
		}
		if changed {
			l.bump()
		}
		return changed
	}

	rec, ok := l.byID[target]
	if !ok {
		if isRetry {
			l.log.Warn().
				Int64("target_id", target).
				Type("event", evt).
				Msg("Dropping event for unknown message after retry window")
			return false
		}
		l.pending[target] = append(l.pending[target], pendingPatch{
			evt:      evt,
			buffered: l.clock.Now(),
		})
		l.log.Debug().
			Int64("target_id", target).
			Type("event", evt).
			Msg("Buffered event arriving ahead of its target message")
		return false
	}

	switch e := evt.(type) {
	case EvtRecall:
		switch e.Scope {
		case RecallSelf:
			if rec.hiddenLocally {
				return false
			}
			rec.hiddenLocally = true
		default:
			if rec.DeletedForAll {
				return false
			}
			rec.DeletedForAll = true
		}
	case EvtEdit:
		if rec.Content == e.NewContent {
			return false
		}
		rec.Content = e.NewContent
		at := e.EditedAt
		rec.EditedAt = &at
	case EvtReaction:
		if !rec.applyReaction(e) {
			return false
		}
	case EvtPinned:
		if e.Unpin {
			if l.pinnedID != e.MessageID {
				return false
			}
			l.pinnedID = 0
			rec.PinnedAt = nil
		} else {
			if l.pinnedID == e.MessageID {
				return false
			}
			l.pinnedID = e.MessageID
			at := e.At
			rec.PinnedAt = &at
		}
	default:
		return false
	}
	l.bump()
	return true
}

func (m *MessageRecord) markReadBy(userID int64, at time.Time) bool {
	for _, entry := range m.ReadBy {
		if entry.UserID == userID {
			return false
		}
	}
	m.ReadBy = append(m.ReadBy, ReadEntry{UserID: userID, ReadAt: at})
	if m.Status != StatusFailed {
		m.Status = StatusRead
	}
	return true
}

func (m *MessageRecord) applyReaction(e EvtReaction) bool {
	for i := range m.Reactions {
		r := &m.Reactions[i]
		if r.UserID == e.UserID && r.Emoji == e.Emoji {
			if e.Remove {
				m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
				return true
			}
			r.Count++
			return true
		}
	}
	if e.Remove {
		return false
	}
	m.Reactions = append(m.Reactions, Reaction{UserID: e.UserID, Emoji: e.Emoji, Count: 1})
	return true
}

// upsertLocked inserts rec at its display rank or patches the existing
// record with the same ID. Field-wise overwrite preserves local-only
// state (hiddenLocally, reconcile bookkeeping) that a server copy
// doesn't know about.
func (l *ConversationLog) upsertLocked(rec MessageRecord) (*MessageRecord, bool) {
	if existing, ok := l.byID[rec.ID]; ok && rec.ID != 0 {
		existing.patchFrom(&rec)
		l.bump()
		return existing, false
	}

	stored := rec
	idx := sort.Search(len(l.ordered), func(i int) bool {
		return stored.before(l.ordered[i])
	})
	l.ordered = append(l.ordered, nil)
	copy(l.ordered[idx+1:], l.ordered[idx:])
	l.ordered[idx] = &stored
	if stored.ID != 0 {
		l.byID[stored.ID] = &stored
	}
	if stored.TempID != "" {
		l.byTempID[stored.TempID] = &stored
	}
	l.bump()
	l.flushPendingLocked(stored.ID)
	return &stored, true
}

// flushPendingLocked retries buffered patches now that their target has
// arrived, and expires stale ones. Each buffered event gets exactly one
// retry.
func (l *ConversationLog) flushPendingLocked(arrivedID int64) {
	if arrivedID != 0 {
		if patches, ok := l.pending[arrivedID]; ok {
			delete(l.pending, arrivedID)
			for _, p := range patches {
				l.patchLocked(p.evt, true)
			}
		}
	}
	cutoff := l.clock.Now().Add(-pendingPatchWindow)
	for target, patches := range l.pending {
		live := patches[:0]
		for _, p := range patches {
			if p.buffered.Before(cutoff) {
				l.log.Warn().
					Int64("target_id", target).
					Type("event", p.evt).
					Msg("Expiring buffered event: target never arrived")
				continue
			}
			live = append(live, p)
		}
		if len(live) == 0 {
			delete(l.pending, target)
		} else {
			l.pending[target] = live
		}
	}
}

// ApplyOptimistic inserts a locally-authored draft with a generated
// temporary ID and status sent, before the server has assigned a real
// ID. Returns the temporary ID for later reconciliation.
func (l *ConversationLog) ApplyOptimistic(draft MessageRecord) string {
	tempID := "tmp-" + uuid.NewString()
	draft.ID = 0
	draft.TempID = tempID
	draft.Status = StatusSent
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = l.clock.Now()
	}
	l.mu.Lock()
	l.upsertLocked(draft)
	l.mu.Unlock()
	return tempID
}

// ReconcileOptimistic replaces the placeholder identified by tempID with
// the authoritative server record. Lookup is strictly by temporary ID —
// two identical texts sent back to back must never be conflated by
// content matching. The record is re-ranked by the server timestamp.
func (l *ConversationLog) ReconcileOptimistic(tempID string, server MessageRecord) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	placeholder, ok := l.byTempID[tempID]
	if !ok {
		l.log.Warn().Str("temp_id", tempID).Msg("Reconcile for unknown temporary ID")
		return false
	}
	delete(l.byTempID, tempID)
	l.removeLocked(placeholder)
	server.TempID = ""
	if server.Status == "" {
		server.Status = StatusDelivered
	}
	l.upsertLocked(server)
	return true
}

// MarkFailed flags an unreconciled optimistic record as failed. The
// record stays in the log so the caller can surface it for retry or
// explicit discard.
func (l *ConversationLog) MarkFailed(tempID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.byTempID[tempID]
	if !ok {
		return false
	}
	rec.Status = StatusFailed
	l.bump()
	l.log.Warn().Str("temp_id", tempID).Msg("Optimistic send never reconciled, marked failed")
	return true
}

func (l *ConversationLog) removeLocked(rec *MessageRecord) {
	for i, r := range l.ordered {
		if r == rec {
			l.ordered = append(l.ordered[:i], l.ordered[i+1:]...)
			break
		}
	}
	if rec.ID != 0 {
		delete(l.byID, rec.ID)
	}
	l.bump()
}

func (l *ConversationLog) bump() { l.revision++ }

// Read returns the ordered visible records as copies. Self-recalled
// records are filtered out; all-recalled records are returned with
// DeletedForAll set so the caller renders a placeholder, never a hole.
func (l *ConversationLog) Read() []MessageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.visibleLocked()
}

func (l *ConversationLog) visibleLocked() []MessageRecord {
	out := make([]MessageRecord, 0, len(l.ordered))
	for _, rec := range l.ordered {
		if rec.hiddenLocally {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// GroupedView returns the display grouping of the visible records,
// recomputed whenever the log has changed since the last call and
// memoized otherwise.
func (l *ConversationLog) GroupedView() []MessageGroup {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.groupedCache != nil && l.groupedAt == l.revision {
		return l.groupedCache
	}
	l.groupedCache = GroupRecords(l.visibleLocked(), l.groupGap)
	l.groupedAt = l.revision
	return l.groupedCache
}

// Len reports how many records the log holds, including locally hidden
// ones.
func (l *ConversationLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ordered)
}

// PinnedID returns the currently pinned message ID, 0 if none.
func (l *ConversationLog) PinnedID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pinnedID
}

// Role returns the tracked group role for a member, "" if unknown.
func (l *ConversationLog) Role(userID int64) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.roles[userID]
}

// UnreadIDs lists visible message IDs not authored by selfID and not yet
// read by selfID, for read-receipt emission.
func (l *ConversationLog) UnreadIDs(selfID int64) []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []int64
	for _, rec := range l.ordered {
		if rec.hiddenLocally || rec.ID == 0 || rec.SenderID == selfID {
			continue
		}
		already := false
		for _, entry := range rec.ReadBy {
			if entry.UserID == selfID {
				already = true
				break
			}
		}
		if !already {
			ids = append(ids, rec.ID)
		}
	}
	return ids
}

func (m *MessageRecord) patchFrom(src *MessageRecord) {
	if src.Content != "" {
		m.Content = src.Content
	}
	if src.Type != "" {
		m.Type = src.Type
	}
	if src.Status != "" && m.Status != StatusFailed {
		m.Status = src.Status
	}
	if src.DeletedForAll {
		m.DeletedForAll = true
	}
	// CreatedAt is deliberately not patched: the record's rank in the
	// ordered slice was fixed when it was first accepted, and a duplicate
	// delivery carrying a drifted timestamp must not desync the two.
	if src.SenderID != 0 {
		m.SenderID = src.SenderID
	}
	if src.EditedAt != nil {
		m.EditedAt = src.EditedAt
	}
	if src.PinnedAt != nil {
		m.PinnedAt = src.PinnedAt
	}
	for _, entry := range src.ReadBy {
		m.markReadBy(entry.UserID, entry.ReadAt)
	}
	if len(src.Reactions) > 0 {
		m.Reactions = src.Reactions
	}
	if src.ReplyToID != 0 {
		m.ReplyToID = src.ReplyToID
	}
}
