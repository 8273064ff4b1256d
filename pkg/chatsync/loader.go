package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LoaderState is the pagination state machine phase.
type LoaderState int

const (
	LoaderIdle LoaderState = iota
	LoaderFetching
	LoaderApplying
	LoaderFailed
)

func (s LoaderState) String() string {
	switch s {
	case LoaderIdle:
		return "idle"
	case LoaderFetching:
		return "fetching"
	case LoaderApplying:
		return "applying"
	case LoaderFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HistoryPage is one backward page of conversation history.
type HistoryPage struct {
	Records []MessageRecord
	HasMore bool
}

// HistoryService fetches paginated history. Page numbers are
// session-local, starting at 1; fetching the same page twice in a
// session must be idempotent.
type HistoryService interface {
	GetPage(ctx context.Context, conv ConversationKey, page, pageSize int) (HistoryPage, error)
}

// ScrollSignal is the view layer's report of where the viewport is and
// which way it last moved.
type ScrollSignal struct {
	NearTop     bool
	AtBottom    bool
	MovedUpward bool
}

// ScrollAnchor preserves the visual position when content is inserted
// above the viewport: capture before applying a page, restore after.
type ScrollAnchor struct {
	OldHeight float64
	OldTop    float64
}

// Restore computes the scroll offset that keeps the previously visible
// content stationary after the container grew to newHeight.
func (a ScrollAnchor) Restore(newHeight float64) float64 {
	return (newHeight - a.OldHeight) + a.OldTop
}

// minFetchLatency is the floor between fetch start and page application.
// Instant loads are visually jarring; the clamp buffers the result and
// merges it only at the boundary, without blocking live events from
// landing in the log concurrently.
const minFetchLatency = 350 * time.Millisecond

// PageLoader drives backward history fetches for one open conversation
// and hands pages to the ConversationLog. At most one fetch is in flight;
// extra triggers while fetching are no-ops (they re-fire naturally on the
// next scroll). Page numbers consumed this session are never re-fetched,
// and hasMore=false from any fetch — or any fetch error — permanently
// disables further fetches until the conversation is reopened.
type PageLoader struct {
	mu      sync.Mutex
	conv    ConversationKey
	log     *ConversationLog
	history HistoryService
	clock   Clock
	logger  zerolog.Logger

	state       LoaderState
	fetching    bool
	nextPage    int
	pageSize    int
	loadedPages map[int]bool
	hasMore     bool
	lastErr     error

	// Scroll gates: fetches fire only after the user has scrolled upward
	// at least once in a session that started pinned to the bottom, and
	// only while the last movement was upward.
	sessionAtBottom bool
	everScrolledUp  bool
	lastMovedUp     bool

	// generation invalidates in-flight fetch results after Reset. The
	// network call is not cancelled; its result is discarded on arrival
	// if it was issued for a previous conversation instance.
	generation uint64

	// onApplied observes each applied page (scroll-anchor bookkeeping
	// lives in the view layer; tests use it to observe the clamp).
	onApplied func(page int, records int)
}

// NewPageLoader creates a loader bound to one conversation log instance.
func NewPageLoader(convLog *ConversationLog, history HistoryService, pageSize int, clock Clock, logger zerolog.Logger) *PageLoader {
	if clock == nil {
		clock = RealClock()
	}
	return &PageLoader{
		conv:        convLog.Conversation(),
		log:         convLog,
		history:     history,
		clock:       clock,
		logger:      logger.With().Str("component", "loader").Stringer("conversation", convLog.Conversation()).Logger(),
		state:       LoaderIdle,
		nextPage:    1,
		pageSize:    pageSize,
		loadedPages: map[int]bool{},
		hasMore:     true,
	}
}

// OnApplied registers an observer called after each page is merged.
func (p *PageLoader) OnApplied(fn func(page int, records int)) {
	p.mu.Lock()
	p.onApplied = fn
	p.mu.Unlock()
}

// State reports the current phase.
func (p *PageLoader) State() LoaderState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// HasMore reports whether further history may exist.
func (p *PageLoader) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

// LoadedPages returns a copy of the session's consumed page set.
func (p *PageLoader) LoadedPages() map[int]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]bool, len(p.loadedPages))
	for k, v := range p.loadedPages {
		out[k] = v
	}
	return out
}

// LastError returns the error from the most recent failed fetch.
func (p *PageLoader) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Reset rebinds the loader to a fresh conversation log (conversation
// switch). Results of any in-flight fetch for the old instance are
// discarded when they arrive.
func (p *PageLoader) Reset(convLog *ConversationLog) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation++
	p.conv = convLog.Conversation()
	p.log = convLog
	p.state = LoaderIdle
	p.fetching = false
	p.nextPage = 1
	p.loadedPages = map[int]bool{}
	p.hasMore = true
	p.lastErr = nil
	p.sessionAtBottom = false
	p.everScrolledUp = false
	p.lastMovedUp = false
}

// Observe feeds a scroll signal and starts a fetch when every gate
// passes. Returns true when a fetch was started.
func (p *PageLoader) Observe(ctx context.Context, sig ScrollSignal) bool {
	p.mu.Lock()
	if sig.AtBottom && !p.everScrolledUp {
		p.sessionAtBottom = true
	}
	if sig.MovedUpward {
		p.everScrolledUp = true
		p.lastMovedUp = true
	} else {
		p.lastMovedUp = false
	}

	if !sig.NearTop || !p.hasMore || p.fetching ||
		!p.sessionAtBottom || !p.everScrolledUp || !p.lastMovedUp {
		p.mu.Unlock()
		return false
	}
	page := p.nextPage
	if p.loadedPages[page] {
		// Scroll thrashing across the threshold must not re-fetch a page
		// already consumed this session.
		p.mu.Unlock()
		return false
	}
	p.fetching = true
	p.state = LoaderFetching
	gen := p.generation
	target := p.log
	p.mu.Unlock()

	go p.fetch(ctx, target, page, gen)
	return true
}

func (p *PageLoader) fetch(ctx context.Context, target *ConversationLog, page int, gen uint64) {
	start := p.clock.Now()
	result, err := p.history.GetPage(ctx, target.Conversation(), page, p.pageSize)

	// Clamp: hold the buffered result until the latency floor elapses.
	// Only the buffered page waits — live events keep flowing into the
	// log through its own lock in the meantime.
	if wait := minFetchLatency - p.clock.Now().Sub(start); wait > 0 {
		done := make(chan struct{})
		p.clock.AfterFunc(wait, func() { close(done) })
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	if ctx.Err() != nil {
		// The caller abandoned the conversation mid-clamp; the fetched
		// page must not be applied behind its back.
		p.mu.Lock()
		if gen == p.generation {
			p.fetching = false
			p.state = LoaderIdle
		}
		p.mu.Unlock()
		p.logger.Debug().Int("page", page).Msg("Discarding page fetch after context cancellation")
		return
	}

	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		p.logger.Debug().Int("page", page).Msg("Discarding stale page fetch after conversation switch")
		return
	}
	if err != nil {
		// Conservative: a failed fetch latches hasMore off rather than
		// retry-storming an unhealthy backend. Reopening the conversation
		// starts a fresh session.
		p.fetching = false
		p.state = LoaderFailed
		p.hasMore = false
		p.lastErr = err
		p.mu.Unlock()
		p.logger.Warn().Err(err).Int("page", page).Msg("History page fetch failed, disabling further fetches")
		return
	}

	p.state = LoaderApplying
	p.loadedPages[page] = true
	p.nextPage = page + 1
	if !result.HasMore || len(result.Records) == 0 {
		p.hasMore = false
	}
	onApplied := p.onApplied
	p.mu.Unlock()

	target.SeedHistory(result.Records)
	pagesLoaded.Inc()

	p.mu.Lock()
	p.fetching = false
	if p.state == LoaderApplying {
		p.state = LoaderIdle
	}
	p.mu.Unlock()

	p.logger.Debug().
		Int("page", page).
		Int("records", len(result.Records)).
		Bool("has_more", result.HasMore).
		Msg("History page applied")
	if onApplied != nil {
		onApplied(page, len(result.Records))
	}
}
