package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	convA = ConversationKey{Kind: ConversationDM, PeerID: 1}
	convB = ConversationKey{Kind: ConversationGroup, PeerID: 2}
)

func newTestAggregator() (*UnreadAggregator, *FakeClock) {
	clock := NewFakeClock()
	return NewUnreadAggregator(clock, zerolog.Nop()), clock
}

func drainRing(u *UnreadAggregator) int {
	n := 0
	for {
		select {
		case <-u.Ring():
			n++
		default:
			return n
		}
	}
}

func TestUnreadSeedMaxMerge(t *testing.T) {
	u, _ := newTestAggregator()

	// A live increment raced ahead of the snapshot fetch.
	u.OnIncomingMessage(convA, false)
	u.OnIncomingMessage(convA, false)
	u.OnIncomingMessage(convA, false)
	drainRing(u)

	u.Seed(map[ConversationKey]int{convA: 2, convB: 5})
	assert.Equal(t, 3, u.Count(convA), "seed must not clobber a larger local count")
	assert.Equal(t, 5, u.Count(convB))
	assert.Zero(t, drainRing(u), "seeding never rings")
}

func TestUnreadSeedThenMarkReadThenIncoming(t *testing.T) {
	u, _ := newTestAggregator()

	u.Seed(map[ConversationKey]int{convA: 5})
	require.Zero(t, drainRing(u))

	u.MarkRead(context.Background(), convA, nil)
	assert.Zero(t, u.Count(convA))
	require.Zero(t, drainRing(u), "decreases never ring")

	// One new message after mark-read: the total increased versus its
	// previous value, so the ring fires exactly once.
	u.OnIncomingMessage(convA, false)
	assert.Equal(t, 1, u.Count(convA))
	assert.Equal(t, 1, drainRing(u))
}

func TestUnreadRingDebounce(t *testing.T) {
	u, clock := newTestAggregator()

	u.OnIncomingMessage(convA, false)
	u.OnIncomingMessage(convA, false)
	u.OnIncomingMessage(convB, false)
	assert.Equal(t, 1, drainRing(u), "a burst within the window coalesces to one pulse")

	clock.Advance(ringDebounce + time.Second)
	u.OnIncomingMessage(convA, false)
	assert.Equal(t, 1, drainRing(u))
}

func TestUnreadOwnMessageNeverCounts(t *testing.T) {
	u, _ := newTestAggregator()
	u.OnIncomingMessage(convA, true)
	assert.Zero(t, u.Count(convA))
	assert.Zero(t, drainRing(u))
}

func TestUnreadOpenConversationPinnedToZero(t *testing.T) {
	u, _ := newTestAggregator()
	u.SetOpen(convA, true)

	u.OnIncomingMessage(convA, false)
	assert.Zero(t, u.Count(convA), "messages for the open conversation are read by definition")

	u.Seed(map[ConversationKey]int{convA: 9})
	assert.Zero(t, u.Count(convA), "a stale snapshot cannot resurrect the open conversation's badge")

	u.SetOpen(convA, false)
	u.OnIncomingMessage(convA, false)
	assert.Equal(t, 1, u.Count(convA))
}

func TestUnreadMarkReadFailureInvalidates(t *testing.T) {
	u, _ := newTestAggregator()
	u.Seed(map[ConversationKey]int{convA: 4})

	failing := func(context.Context, ConversationKey) error { return errors.New("network") }
	u.MarkRead(context.Background(), convA, failing)

	// Neither zero (optimistic guess) nor four (stale restore): the entry
	// is gone pending an authoritative refetch.
	_, present := u.Counts()[convA]
	assert.False(t, present)

	u.Seed(map[ConversationKey]int{convA: 2})
	assert.Equal(t, 2, u.Count(convA))
}

func TestUnreadMarkReadSuccess(t *testing.T) {
	u, _ := newTestAggregator()
	u.Seed(map[ConversationKey]int{convA: 4})

	called := 0
	u.MarkRead(context.Background(), convA, func(context.Context, ConversationKey) error {
		called++
		return nil
	})
	assert.Equal(t, 1, called)
	assert.Zero(t, u.Count(convA))
	_, present := u.Counts()[convA]
	assert.True(t, present, "a successful mark-read keeps the zero entry")
}

func TestUnreadConcurrentIncrements(t *testing.T) {
	u, _ := newTestAggregator()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			u.OnIncomingMessage(convA, false)
		}()
		go func() {
			defer wg.Done()
			u.OnIncomingMessage(convB, false)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, u.Count(convA))
	assert.Equal(t, 50, u.Count(convB))
	assert.Equal(t, 100, u.Total())
}

func TestUnreadSnapshotObserver(t *testing.T) {
	u, _ := newTestAggregator()

	var mu sync.Mutex
	var last map[ConversationKey]int
	u.OnSnapshot(func(snap map[ConversationKey]int) {
		mu.Lock()
		last = snap
		mu.Unlock()
	})

	u.OnIncomingMessage(convA, false)
	u.OnIncomingMessage(convA, false)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[ConversationKey]int{convA: 2}, last)
}

func TestUnreadResetAll(t *testing.T) {
	u, _ := newTestAggregator()
	u.Seed(map[ConversationKey]int{convA: 3, convB: 7})
	u.ResetAll()
	assert.Zero(t, u.Total())
	assert.Empty(t, u.Counts())
}
