package chatsync

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConv = ConversationKey{Kind: ConversationDM, PeerID: 7}

func newTestLog(clock Clock) *ConversationLog {
	return NewConversationLog(testConv, clock, zerolog.Nop())
}

func testMsg(id, sender int64, at time.Time, content string) MessageRecord {
	return MessageRecord{
		ID:           id,
		Conversation: testConv,
		SenderID:     sender,
		CreatedAt:    at,
		Type:         MessageText,
		Content:      content,
		Status:       StatusDelivered,
	}
}

func TestConversationLogDuplicateInsert(t *testing.T) {
	clock := NewFakeClock()
	log := newTestLog(clock)

	evt := EvtNewMessage{Record: testMsg(100, 2, clock.Now(), "hi")}
	assert.True(t, log.ApplyLiveEvent(evt))
	assert.False(t, log.ApplyLiveEvent(evt), "redelivered event must not be accepted again")
	assert.Equal(t, 1, log.Len())
}

func TestConversationLogDuplicateTimestampDriftKeepsRank(t *testing.T) {
	clock := NewFakeClock()
	base := clock.Now()
	log := newTestLog(clock)
	log.SeedHistory([]MessageRecord{
		testMsg(100, 2, base, "first"),
		testMsg(101, 2, base.Add(time.Minute), "second"),
	})

	// A redelivery of 101 carrying a drifted timestamp (and fresher
	// content) patches the record but must not move it ahead of 100.
	dup := testMsg(101, 2, base.Add(-time.Hour), "second v2")
	assert.False(t, log.ApplyLiveEvent(EvtNewMessage{Record: dup}))

	got := log.Read()
	require.Len(t, got, 2)
	assert.Equal(t, int64(100), got[0].ID)
	assert.Equal(t, int64(101), got[1].ID)
	assert.Equal(t, "second v2", got[1].Content)
	assert.True(t, got[1].CreatedAt.Equal(base.Add(time.Minute)), "first-accepted timestamp wins")
}

func TestConversationLogOrderIndependence(t *testing.T) {
	clock := NewFakeClock()
	base := clock.Now()

	newer := make([]MessageRecord, 0, 10)
	older := make([]MessageRecord, 0, 10)
	for id := int64(100); id < 110; id++ {
		newer = append(newer, testMsg(id, 2, base.Add(time.Duration(id)*time.Second), "m"))
	}
	for id := int64(90); id < 100; id++ {
		older = append(older, testMsg(id, 2, base.Add(time.Duration(id)*time.Second), "m"))
	}

	// Page 1 (newest) lands first, page 2 prepends under it.
	log := newTestLog(clock)
	log.SeedHistory(newer)
	log.SeedHistory(older)
	first := log.Read()

	// Reversed arrival converges to the identical order.
	log2 := newTestLog(clock)
	log2.SeedHistory(older)
	log2.SeedHistory(newer)
	second := log2.Read()

	require.Len(t, first, 20)
	require.Equal(t, first, second)
	for i := range first {
		assert.Equal(t, int64(90+i), first[i].ID)
	}
}

func TestConversationLogLiveDuringHistoryFetch(t *testing.T) {
	clock := NewFakeClock()
	base := clock.Now()
	log := newTestLog(clock)

	// A live message lands while an older history page is in flight; the
	// page must insert below it, not displace it.
	live := testMsg(200, 2, base.Add(time.Hour), "live")
	require.True(t, log.ApplyLiveEvent(EvtNewMessage{Record: live}))

	page := []MessageRecord{
		testMsg(150, 2, base.Add(10*time.Minute), "old-1"),
		testMsg(151, 2, base.Add(11*time.Minute), "old-2"),
	}
	log.SeedHistory(page)

	got := log.Read()
	require.Len(t, got, 3)
	assert.Equal(t, int64(150), got[0].ID)
	assert.Equal(t, int64(151), got[1].ID)
	assert.Equal(t, int64(200), got[2].ID)
}

func TestConversationLogOptimisticReconcile(t *testing.T) {
	clock := NewFakeClock()
	log := newTestLog(clock)

	tempID := log.ApplyOptimistic(MessageRecord{
		Conversation: testConv,
		SenderID:     1,
		Type:         MessageText,
		Content:      "draft",
	})
	require.NotEmpty(t, tempID)
	require.Equal(t, 1, log.Len())
	assert.Equal(t, StatusSent, log.Read()[0].Status)

	server := testMsg(500, 1, clock.Now().Add(time.Second), "draft")
	server.Status = ""
	require.True(t, log.ReconcileOptimistic(tempID, server))

	got := log.Read()
	require.Len(t, got, 1)
	assert.Equal(t, int64(500), got[0].ID)
	assert.Empty(t, got[0].TempID)
	assert.Equal(t, StatusDelivered, got[0].Status)

	// The echo arriving again over the socket patches, never duplicates.
	assert.False(t, log.ApplyLiveEvent(EvtNewMessage{Record: testMsg(500, 1, server.CreatedAt, "draft")}))
	assert.Equal(t, 1, log.Len())
}

func TestConversationLogIdenticalTextsNotConflated(t *testing.T) {
	clock := NewFakeClock()
	log := newTestLog(clock)

	draft := MessageRecord{Conversation: testConv, SenderID: 1, Type: MessageText, Content: "same"}
	tempA := log.ApplyOptimistic(draft)
	tempB := log.ApplyOptimistic(draft)
	require.NotEqual(t, tempA, tempB)

	require.True(t, log.ReconcileOptimistic(tempB, testMsg(501, 1, clock.Now(), "same")))
	require.Equal(t, 2, log.Len())

	// tempA's placeholder is still pending, resolvable on its own.
	require.True(t, log.ReconcileOptimistic(tempA, testMsg(502, 1, clock.Now(), "same")))
	assert.Equal(t, 2, log.Len())
}

func TestConversationLogMarkFailedThenLateEcho(t *testing.T) {
	clock := NewFakeClock()
	log := newTestLog(clock)

	tempID := log.ApplyOptimistic(MessageRecord{Conversation: testConv, SenderID: 1, Content: "slow"})
	require.True(t, log.MarkFailed(tempID))
	assert.Equal(t, StatusFailed, log.Read()[0].Status)

	// The echo eventually arrives; reconcile still resolves it.
	require.True(t, log.ReconcileOptimistic(tempID, testMsg(600, 1, clock.Now(), "slow")))
	got := log.Read()
	require.Len(t, got, 1)
	assert.Equal(t, StatusDelivered, got[0].Status)
}

func TestConversationLogRecallSelf(t *testing.T) {
	clock := NewFakeClock()
	log := newTestLog(clock)
	rec := testMsg(300, 1, clock.Now(), "oops")
	log.SeedHistory([]MessageRecord{rec})

	require.True(t, log.ApplyLiveEvent(EvtRecall{Conv: testConv, MessageID: 300, Scope: RecallSelf, ActorID: 1}))
	assert.Empty(t, log.Read(), "self-recalled record must vanish from the read path")
	assert.Equal(t, 1, log.Len(), "record stays internally for dedupe")

	// A refetched history page containing the same record must not
	// resurrect it.
	log.SeedHistory([]MessageRecord{rec})
	assert.Empty(t, log.Read())
}

func TestConversationLogRecallAll(t *testing.T) {
	clock := NewFakeClock()
	log := newTestLog(clock)
	log.SeedHistory([]MessageRecord{testMsg(301, 2, clock.Now(), "gone")})

	require.True(t, log.ApplyLiveEvent(EvtRecall{Conv: testConv, MessageID: 301, Scope: RecallAll, ActorID: 2}))
	got := log.Read()
	require.Len(t, got, 1, "all-recalled record stays visible as a placeholder")
	assert.True(t, got[0].DeletedForAll)

	assert.False(t, log.ApplyLiveEvent(EvtRecall{Conv: testConv, MessageID: 301, Scope: RecallAll, ActorID: 2}))
}

func TestConversationLogRecallBeforeInsert(t *testing.T) {
	clock := NewFakeClock()
	log := newTestLog(clock)

	// The recall outruns its insert across the transport: buffered, not
	// dropped.
	assert.False(t, log.ApplyLiveEvent(EvtRecall{Conv: testConv, MessageID: 400, Scope: RecallAll, ActorID: 2}))

	require.True(t, log.ApplyLiveEvent(EvtNewMessage{Record: testMsg(400, 2, clock.Now(), "late")}))
	got := log.Read()
	require.Len(t, got, 1)
	assert.True(t, got[0].DeletedForAll, "buffered recall must apply once the target arrives")
}

func TestConversationLogPendingPatchExpiry(t *testing.T) {
	clock := NewFakeClock()
	log := newTestLog(clock)

	log.ApplyLiveEvent(EvtRecall{Conv: testConv, MessageID: 401, Scope: RecallAll, ActorID: 2})
	clock.Advance(pendingPatchWindow + time.Second)

	// Any insert sweeps the expired buffer.
	log.ApplyLiveEvent(EvtNewMessage{Record: testMsg(999, 2, clock.Now(), "unrelated")})
	log.ApplyLiveEvent(EvtNewMessage{Record: testMsg(401, 2, clock.Now(), "too late")})

	got := log.Read()
	require.Len(t, got, 2)
	for _, rec := range got {
		assert.False(t, rec.DeletedForAll, "expired buffered recall must not apply")
	}
}

func TestConversationLogReadReceiptWatermark(t *testing.T) {
	clock := NewFakeClock()
	base := clock.Now()
	log := newTestLog(clock)
	log.SeedHistory([]MessageRecord{
		testMsg(1, 1, base, "a"),
		testMsg(2, 1, base.Add(time.Second), "b"),
		testMsg(3, 1, base.Add(2*time.Second), "c"),
	})

	require.True(t, log.ApplyLiveEvent(EvtReadReceipt{Conv: testConv, MessageID: 2, UserID: 9, ReadAt: base.Add(time.Minute)}))

	got := log.Read()
	assert.Len(t, got[0].ReadBy, 1)
	assert.Len(t, got[1].ReadBy, 1)
	assert.Empty(t, got[2].ReadBy, "receipt covers only messages up to the watermark")

	assert.False(t, log.ApplyLiveEvent(EvtReadReceipt{Conv: testConv, MessageID: 2, UserID: 9, ReadAt: base.Add(2 * time.Minute)}))
}

func TestConversationLogEdit(t *testing.T) {
	clock := NewFakeClock()
	log := newTestLog(clock)
	log.SeedHistory([]MessageRecord{testMsg(10, 2, clock.Now(), "tpyo")})

	at := clock.Now().Add(time.Minute)
	require.True(t, log.ApplyLiveEvent(EvtEdit{Conv: testConv, MessageID: 10, NewContent: "typo", EditedAt: at}))
	got := log.Read()
	assert.Equal(t, "typo", got[0].Content)
	require.NotNil(t, got[0].EditedAt)
	assert.True(t, got[0].EditedAt.Equal(at))

	assert.False(t, log.ApplyLiveEvent(EvtEdit{Conv: testConv, MessageID: 10, NewContent: "typo", EditedAt: at}))
}

func TestConversationLogReactions(t *testing.T) {
	clock := NewFakeClock()
	log := newTestLog(clock)
	log.SeedHistory([]MessageRecord{testMsg(20, 2, clock.Now(), "nice")})

	add := EvtReaction{Conv: testConv, MessageID: 20, UserID: 9, Emoji: "❤️"}
	require.True(t, log.ApplyLiveEvent(add))
	require.Len(t, log.Read()[0].Reactions, 1)

	remove := add
	remove.Remove = true
	require.True(t, log.ApplyLiveEvent(remove))
	assert.Empty(t, log.Read()[0].Reactions)
	assert.False(t, log.ApplyLiveEvent(remove), "removing an absent reaction is a no-op")
}

func TestConversationLogPinUnpin(t *testing.T) {
	clock := NewFakeClock()
	log := newTestLog(clock)
	log.SeedHistory([]MessageRecord{testMsg(30, 2, clock.Now(), "pin me")})

	at := clock.Now()
	require.True(t, log.ApplyLiveEvent(EvtPinned{Conv: testConv, MessageID: 30, At: at}))
	assert.Equal(t, int64(30), log.PinnedID())
	assert.False(t, log.ApplyLiveEvent(EvtPinned{Conv: testConv, MessageID: 30, At: at}))

	require.True(t, log.ApplyLiveEvent(EvtPinned{Conv: testConv, MessageID: 30, Unpin: true}))
	assert.Zero(t, log.PinnedID())
}

func TestConversationLogRoleChange(t *testing.T) {
	clock := NewFakeClock()
	log := NewConversationLog(ConversationKey{Kind: ConversationGroup, PeerID: 42}, clock, zerolog.Nop())

	evt := EvtRoleChange{Conv: log.Conversation(), UserID: 9, Role: "admin"}
	require.True(t, log.ApplyLiveEvent(evt))
	assert.Equal(t, "admin", log.Role(9))
	assert.False(t, log.ApplyLiveEvent(evt))
}

func TestConversationLogUnreadIDs(t *testing.T) {
	clock := NewFakeClock()
	base := clock.Now()
	log := newTestLog(clock)

	mine := testMsg(1, 1, base, "mine")
	theirs := testMsg(2, 2, base.Add(time.Second), "theirs")
	read := testMsg(3, 2, base.Add(2*time.Second), "seen")
	read.ReadBy = []ReadEntry{{UserID: 1, ReadAt: base.Add(time.Minute)}}
	log.SeedHistory([]MessageRecord{mine, theirs, read})

	assert.Equal(t, []int64{2}, log.UnreadIDs(1))
}

func TestConversationLogOnAcceptFiresOncePerRecord(t *testing.T) {
	clock := NewFakeClock()
	log := newTestLog(clock)

	var accepted []int64
	log.OnAccept(func(rec MessageRecord) { accepted = append(accepted, rec.ID) })

	evt := EvtNewMessage{Record: testMsg(100, 2, clock.Now(), "hi")}
	log.ApplyLiveEvent(evt)
	log.ApplyLiveEvent(evt)
	log.SeedHistory([]MessageRecord{testMsg(100, 2, clock.Now(), "hi"), testMsg(101, 2, clock.Now(), "ho")})

	assert.Equal(t, []int64{100, 101}, accepted)
}
