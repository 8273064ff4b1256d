package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ringDebounce coalesces ring pulses: increases landing within the
// window after a pulse extend a single "new activity" signal instead of
// re-firing per message during a burst.
const ringDebounce = 2 * time.Second

// MarkReadFunc issues the server-side mark-as-read call for one
// conversation.
type MarkReadFunc func(ctx context.Context, conv ConversationKey) error

// UnreadAggregator maintains conversation → unread count, reconciling
// the authoritative server snapshot with live increments without double
// counting. Counts must be fed from "accepted into the log" signals (see
// ConversationLog.OnAccept), never raw socket payloads, so at-least-once
// redelivery cannot inflate them.
type UnreadAggregator struct {
	mu     sync.Mutex
	counts map[ConversationKey]int
	seeded bool

	open    map[ConversationKey]bool
	lastTot int

	ring       chan struct{}
	ringMuted  time.Time
	clock      Clock
	logger     zerolog.Logger
	onSnapshot func(map[ConversationKey]int)
}

// NewUnreadAggregator creates an empty aggregator. Ring pulses are
// delivered on the channel returned by Ring; the channel has a small
// buffer and drops pulses nobody is draining (the pulse is a one-shot UI
// signal, not a count).
func NewUnreadAggregator(clock Clock, logger zerolog.Logger) *UnreadAggregator {
	if clock == nil {
		clock = RealClock()
	}
	return &UnreadAggregator{
		counts: map[ConversationKey]int{},
		open:   map[ConversationKey]bool{},
		ring:   make(chan struct{}, 4),
		clock:  clock,
		logger: logger.With().Str("component", "unread").Logger(),
	}
}

// Ring returns the pulse channel. A value arrives whenever the combined
// total increases versus its previous value; decreases never pulse.
func (u *UnreadAggregator) Ring() <-chan struct{} { return u.ring }

// OnSnapshot registers an observer invoked with a copy of the counts
// after every mutation (used to mirror counts into the session store).
func (u *UnreadAggregator) OnSnapshot(fn func(map[ConversationKey]int)) {
	u.mu.Lock()
	u.onSnapshot = fn
	u.mu.Unlock()
}

// Seed merges the server chat-list snapshot. Per conversation the
// surviving count is the maximum of the server value and anything
// already tracked locally, so a live increment that raced ahead of the
// snapshot fetch is not clobbered backward. Seeding never pulses the
// ring.
func (u *UnreadAggregator) Seed(snapshot map[ConversationKey]int) {
	u.mu.Lock()
	for conv, serverCount := range snapshot {
		if serverCount < 0 {
			serverCount = 0
		}
		if u.open[conv] {
			// The open conversation is pinned at zero regardless of what
			// the snapshot claims.
			u.counts[conv] = 0
			continue
		}
		if local, ok := u.counts[conv]; !ok || serverCount > local {
			u.counts[conv] = serverCount
		}
	}
	u.seeded = true
	u.lastTot = u.totalLocked()
	snap := u.snapshotLocked()
	fn := u.onSnapshot
	u.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// SetOpen marks a conversation as the currently open one (or closes it).
// While open, its count is pinned at zero.
func (u *UnreadAggregator) SetOpen(conv ConversationKey, isOpen bool) {
	u.mu.Lock()
	if isOpen {
		u.open[conv] = true
		u.counts[conv] = 0
		u.lastTot = u.totalLocked()
	} else {
		delete(u.open, conv)
	}
	u.mu.Unlock()
}

// OnIncomingMessage counts one accepted message. Self-authored messages
// and messages for the currently open conversation never increment. An
// increase of the combined total pulses the ring (debounced).
func (u *UnreadAggregator) OnIncomingMessage(conv ConversationKey, isOwnMessage bool) {
	u.mu.Lock()
	if isOwnMessage || u.open[conv] {
		u.mu.Unlock()
		return
	}
	u.counts[conv]++
	u.maybeRingLocked()
	snap := u.snapshotLocked()
	fn := u.onSnapshot
	u.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// MarkRead zeroes a conversation optimistically (the badge disappears
// without waiting on the network) and then issues the server call. On
// failure the entry is invalidated — removed, not restored — forcing the
// next snapshot fetch to supply an authoritative value instead of a
// confidently wrong stale one.
func (u *UnreadAggregator) MarkRead(ctx context.Context, conv ConversationKey, call MarkReadFunc) {
	u.mu.Lock()
	prev := u.counts[conv]
	u.counts[conv] = 0
	u.lastTot = u.totalLocked()
	snap := u.snapshotLocked()
	fn := u.onSnapshot
	u.mu.Unlock()
	if fn != nil {
		fn(snap)
	}

	if call == nil {
		return
	}
	if err := call(ctx, conv); err != nil {
		u.mu.Lock()
		// Do not guess-restore prev: concurrent events may have changed
		// the true value since. Invalidate instead.
		delete(u.counts, conv)
		u.lastTot = u.totalLocked()
		u.mu.Unlock()
		u.logger.Warn().Err(err).
			Stringer("conversation", conv).
			Int("dropped_count", prev).
			Msg("Mark-read call failed, invalidated local entry pending refetch")
	}
}

// Invalidate removes a conversation entry outright.
func (u *UnreadAggregator) Invalidate(conv ConversationKey) {
	u.mu.Lock()
	delete(u.counts, conv)
	u.lastTot = u.totalLocked()
	u.mu.Unlock()
}

// ResetAll clears every entry (explicit "reset all" action).
func (u *UnreadAggregator) ResetAll() {
	u.mu.Lock()
	u.counts = map[ConversationKey]int{}
	u.lastTot = 0
	u.mu.Unlock()
}

// Count returns one conversation's unread count.
func (u *UnreadAggregator) Count(conv ConversationKey) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[conv]
}

// Counts returns a copy of every per-conversation unread count.
func (u *UnreadAggregator) Counts() map[ConversationKey]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.snapshotLocked()
}

// Total returns the combined unread total across all conversations.
func (u *UnreadAggregator) Total() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.totalLocked()
}

func (u *UnreadAggregator) totalLocked() int {
	total := 0
	for _, c := range u.counts {
		total += c
	}
	return total
}

func (u *UnreadAggregator) snapshotLocked() map[ConversationKey]int {
	out := make(map[ConversationKey]int, len(u.counts))
	for k, v := range u.counts {
		out[k] = v
	}
	return out
}

// maybeRingLocked pulses the ring when the total increased versus its
// previous value. mark-read decreases update lastTot without pulsing, so
// the next single increment still rings.
func (u *UnreadAggregator) maybeRingLocked() {
	total := u.totalLocked()
	if total <= u.lastTot {
		u.lastTot = total
		return
	}
	u.lastTot = total
	now := u.clock.Now()
	if now.Before(u.ringMuted) {
		return
	}
	u.ringMuted = now.Add(ringDebounce)
	ringPulses.Inc()
	select {
	case u.ring <- struct{}{}:
	default:
	}
}
