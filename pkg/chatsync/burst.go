package chatsync

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// burstTickInterval is the drain cadence for pending reactions.
	burstTickInterval = 120 * time.Millisecond

	// burstConcurrencyCap bounds simultaneously animating tokens per
	// emoji, keeping rendering cost flat under pathological rapid-click
	// input.
	burstConcurrencyCap = 5

	// burstTokenLifetime is how long a spawned token animates before it
	// self-expires, independent of the queue.
	burstTokenLifetime = 1500 * time.Millisecond
)

// BurstToken is one ephemeral animated reaction instance.
type BurstToken struct {
	Emoji     string
	SpawnedAt time.Time
}

// BurstQueue throttles rapid-fire reaction events into bounded visual
// bursts. Enqueued counts are never dropped, only delayed: each tick
// spawns up to (cap - currently animating) tokens per emoji. The ticker
// stops itself once every pending queue drains and restarts on the next
// Enqueue.
type BurstQueue struct {
	mu      sync.Mutex
	pending map[string]int
	active  map[string][]*BurstToken
	ticking bool
	timer   Timer

	tick     time.Duration
	cap      int
	lifetime time.Duration
	clock    Clock
	logger   zerolog.Logger
}

// NewBurstQueue creates a queue with the default tick, cap, and token
// lifetime.
func NewBurstQueue(clock Clock, logger zerolog.Logger) *BurstQueue {
	if clock == nil {
		clock = RealClock()
	}
	return &BurstQueue{
		pending:  map[string]int{},
		active:   map[string][]*BurstToken{},
		tick:     burstTickInterval,
		cap:      burstConcurrencyCap,
		lifetime: burstTokenLifetime,
		clock:    clock,
		logger:   logger.With().Str("component", "burst").Logger(),
	}
}

// Enqueue adds count pending bursts for an emoji and (re)starts the
// drain ticker if it was stopped.
func (q *BurstQueue) Enqueue(emoji string, count int) {
	if count <= 0 || emoji == "" {
		return
	}
	q.mu.Lock()
	q.pending[emoji] += count
	if !q.ticking {
		q.ticking = true
		q.timer = q.clock.AfterFunc(q.tick, q.drainTick)
	}
	q.mu.Unlock()
}

// drainTick spawns tokens for every emoji with pending count, then
// re-arms itself unless everything drained.
func (q *BurstQueue) drainTick() {
	q.mu.Lock()
	now := q.clock.Now()
	for emoji, pending := range q.pending {
		q.expireLocked(emoji, now)
		room := q.cap - len(q.active[emoji])
		if room <= 0 {
			continue
		}
		spawn := pending
		if spawn > room {
			spawn = room
		}
		for i := 0; i < spawn; i++ {
			tok := &BurstToken{Emoji: emoji, SpawnedAt: now}
			q.active[emoji] = append(q.active[emoji], tok)
			q.clock.AfterFunc(q.lifetime, func() { q.expireToken(tok) })
		}
		burstTokens.Add(float64(spawn))
		if pending -= spawn; pending == 0 {
			delete(q.pending, emoji)
		} else {
			q.pending[emoji] = pending
		}
	}
	if len(q.pending) == 0 {
		// Nothing left to drain; the next Enqueue restarts the ticker.
		q.ticking = false
		q.timer = nil
	} else {
		q.timer = q.clock.AfterFunc(q.tick, q.drainTick)
	}
	q.mu.Unlock()
}

func (q *BurstQueue) expireToken(tok *BurstToken) {
	q.mu.Lock()
	tokens := q.active[tok.Emoji]
	for i, t := range tokens {
		if t == tok {
			q.active[tok.Emoji] = append(tokens[:i], tokens[i+1:]...)
			break
		}
	}
	if len(q.active[tok.Emoji]) == 0 {
		delete(q.active, tok.Emoji)
	}
	q.mu.Unlock()
}

// expireLocked drops tokens whose lifetime elapsed. The per-token
// AfterFunc usually handles this; the tick-time sweep covers timers that
// fired while the lock was held.
func (q *BurstQueue) expireLocked(emoji string, now time.Time) {
	tokens := q.active[emoji]
	live := tokens[:0]
	for _, t := range tokens {
		if now.Sub(t.SpawnedAt) < q.lifetime {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		delete(q.active, emoji)
	} else {
		q.active[emoji] = live
	}
}

// ActiveTokens snapshots all currently animating tokens.
func (q *BurstQueue) ActiveTokens() []BurstToken {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []BurstToken
	for _, tokens := range q.active {
		for _, t := range tokens {
			out = append(out, *t)
		}
	}
	return out
}

// Pending reports the queued-but-unspawned count for an emoji.
func (q *BurstQueue) Pending(emoji string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[emoji]
}

// Idle reports whether the ticker has stopped (all queues drained).
func (q *BurstQueue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.ticking
}
