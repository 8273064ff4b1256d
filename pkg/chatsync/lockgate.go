package chatsync

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LockPhase is the encryption gate state.
type LockPhase int

const (
	LockDisabled LockPhase = iota
	LockLockedUnverified
	LockUnlocked
)

func (p LockPhase) String() string {
	switch p {
	case LockDisabled:
		return "disabled"
	case LockLockedUnverified:
		return "locked_unverified"
	case LockUnlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// ErrWrongPIN is returned by Unlock on a hash mismatch. Rejection is
// local only; lockout policy is deliberately not implemented here.
var ErrWrongPIN = errors.New("chatsync: wrong PIN")

// LockState is the externally visible gate state.
type LockState struct {
	Enabled       bool       `json:"enabled"`
	Unlocked      bool       `json:"unlocked"`
	LockStartedAt *time.Time `json:"lock_started_at,omitempty"`
}

// Phase derives the state-machine phase from the flags.
func (s LockState) Phase() LockPhase {
	switch {
	case !s.Enabled:
		return LockDisabled
	case s.Unlocked:
		return LockUnlocked
	default:
		return LockLockedUnverified
	}
}

// LockChange is the payload broadcast between client instances when the
// gate toggles. Application is idempotent: instances converge to the
// same state no matter which transport delivers first.
type LockChange struct {
	Enabled bool      `json:"enabled"`
	At      time.Time `json:"at"`
}

// BroadcastPort propagates lock changes across client instances. One
// adapter per transport (in-process, Redis, NATS, server socket mirror)
// implements the same narrow interface; see pkg/pubsub.
type BroadcastPort interface {
	Publish(ctx context.Context, change LockChange) error
	Subscribe(ctx context.Context, handler func(LockChange)) error
}

// EncryptionSettings is the server's canonical view of the feature.
type EncryptionSettings struct {
	Enabled bool
	// PINHash is the canonical SHA-256 hex of the PIN, fetched from the
	// server and compared locally. The hash is never derived locally
	// from a password.
	PINHash string
}

// SettingsService is the REST settings contract. It is eventually
// consistent with the socket-broadcast mirror.
type SettingsService interface {
	GetEncryption(ctx context.Context) (EncryptionSettings, error)
	SetEncryptionEnabled(ctx context.Context, enabled bool) error
	SetPIN(ctx context.Context, pinHash string) error
}

// lockPersister stores lock state for the session only, so a client
// restart does not silently disclose history. The SQLite session store
// implements it.
type lockPersister interface {
	SaveLockState(ctx context.Context, st LockState) error
	LoadLockState(ctx context.Context) (LockState, bool, error)
}

// LockGate is the lock/unlock state machine that filters which messages
// are visible pending PIN verification.
//
// Transitions: Disabled → LockedUnverified on enable (local or via
// broadcast), LockedUnverified → Unlocked only on a correct PIN hash
// match, Unlocked → LockedUnverified on relock or disable-then-enable.
type LockGate struct {
	mu      sync.Mutex
	state   LockState
	pinHash string

	clock     Clock
	logger    zerolog.Logger
	persister lockPersister
	ports     []BroadcastPort
}

// NewLockGate builds a gate in the Disabled phase. Call Bootstrap to
// derive state from server settings and the persisted session.
func NewLockGate(clock Clock, logger zerolog.Logger) *LockGate {
	if clock == nil {
		clock = RealClock()
	}
	return &LockGate{
		clock:  clock,
		logger: logger.With().Str("component", "lockgate").Logger(),
	}
}

// AttachPersister wires session-scoped persistence.
func (g *LockGate) AttachPersister(p lockPersister) {
	g.mu.Lock()
	g.persister = p
	g.mu.Unlock()
}

// AttachPort subscribes the gate to a broadcast transport and remembers
// it for publishing local changes.
func (g *LockGate) AttachPort(ctx context.Context, port BroadcastPort) error {
	if err := port.Subscribe(ctx, g.applyBroadcast); err != nil {
		return err
	}
	g.mu.Lock()
	g.ports = append(g.ports, port)
	g.mu.Unlock()
	return nil
}

// Bootstrap re-derives state from server settings, then overlays any
// persisted session state (a refresh stays locked; it never silently
// unlocks).
func (g *LockGate) Bootstrap(ctx context.Context, settings SettingsService) error {
	srv, err := settings.GetEncryption(ctx)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.pinHash = srv.PINHash
	if srv.Enabled {
		if g.state.Phase() == LockDisabled {
			g.lockLocked()
		}
	} else {
		g.state = LockState{}
	}
	if g.persister != nil {
		if saved, ok, loadErr := g.persister.LoadLockState(ctx); loadErr == nil && ok && srv.Enabled {
			// Only the stricter session state survives: a persisted lock
			// overrides nothing, a persisted unlock is ignored.
			if !saved.Unlocked && saved.LockStartedAt != nil {
				g.state = saved
				g.state.Unlocked = false
			}
		}
	}
	st := g.state
	g.mu.Unlock()
	g.persist(ctx, st)
	g.logger.Info().Stringer("phase", st.Phase()).Msg("Lock gate bootstrapped from server settings")
	return nil
}

// Current returns the gate state.
func (g *LockGate) Current() LockState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// SetEnabled toggles the feature locally and publishes the change to
// every attached broadcast port.
func (g *LockGate) SetEnabled(ctx context.Context, enabled bool) {
	g.mu.Lock()
	changed := g.applyEnableLocked(enabled)
	st := g.state
	ports := g.ports
	g.mu.Unlock()
	if !changed {
		return
	}
	g.persist(ctx, st)
	change := LockChange{Enabled: enabled, At: g.clock.Now()}
	for _, port := range ports {
		if err := port.Publish(ctx, change); err != nil {
			g.logger.Warn().Err(err).Msg("Failed to publish lock change to broadcast port")
		}
	}
}

// applyBroadcast handles a change delivered by any transport. Both the
// broadcast channel and the server socket mirror call this; it is
// idempotent so whichever arrives first wins and the second is a no-op.
func (g *LockGate) applyBroadcast(change LockChange) {
	g.mu.Lock()
	changed := g.applyEnableLocked(change.Enabled)
	st := g.state
	g.mu.Unlock()
	if changed {
		g.persist(context.Background(), st)
		g.logger.Debug().Bool("enabled", change.Enabled).Msg("Applied broadcast lock change")
	}
}

func (g *LockGate) applyEnableLocked(enabled bool) bool {
	switch {
	case enabled && g.state.Phase() == LockDisabled:
		g.lockLocked()
		return true
	case enabled && g.state.Phase() == LockUnlocked:
		// disable-then-enable elsewhere can surface as enable while
		// unlocked: re-lock.
		g.lockLocked()
		return true
	case !enabled && g.state.Enabled:
		g.state = LockState{}
		return true
	default:
		return false
	}
}

// lockLocked enters LockedUnverified, stamping lockStartedAt.
func (g *LockGate) lockLocked() {
	now := g.clock.Now()
	g.state = LockState{Enabled: true, LockStartedAt: &now}
}

// Relock drops an Unlocked gate back to LockedUnverified.
func (g *LockGate) Relock(ctx context.Context) {
	g.mu.Lock()
	if g.state.Phase() != LockUnlocked {
		g.mu.Unlock()
		return
	}
	g.lockLocked()
	st := g.state
	g.mu.Unlock()
	g.persist(ctx, st)
}

// Unlock verifies the PIN against the canonical server hash. The
// comparison is local and constant-time; failure is ErrWrongPIN with no
// lockout.
func (g *LockGate) Unlock(ctx context.Context, pin string) error {
	sum := sha256.Sum256([]byte(pin))
	hashed := hex.EncodeToString(sum[:])
	g.mu.Lock()
	if g.state.Phase() != LockLockedUnverified {
		g.mu.Unlock()
		return nil
	}
	if g.pinHash == "" || subtle.ConstantTimeCompare([]byte(hashed), []byte(g.pinHash)) != 1 {
		g.mu.Unlock()
		return ErrWrongPIN
	}
	g.state.Unlocked = true
	st := g.state
	g.mu.Unlock()
	g.persist(ctx, st)
	g.logger.Info().Msg("Lock gate unlocked")
	return nil
}

// RefreshPINHash replaces the cached canonical hash (after SetPIN or a
// settings push).
func (g *LockGate) RefreshPINHash(hash string) {
	g.mu.Lock()
	g.pinHash = hash
	g.mu.Unlock()
}

func (g *LockGate) persist(ctx context.Context, st LockState) {
	g.mu.Lock()
	p := g.persister
	g.mu.Unlock()
	if p == nil {
		return
	}
	if err := p.SaveLockState(ctx, st); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to persist lock state")
	}
}

// FilteredView is the pure read-path filter. While LockedUnverified,
// only the current user's own messages sent at or after lockStartedAt
// stay visible (a sender can confirm their just-sent message without
// exposing history); everything else is replaced by a locked
// placeholder. Disabled and Unlocked pass the snapshot through. The
// result is recomputed on every call, never cached.
func FilteredView(snapshot []MessageRecord, st LockState, selfID int64) []MessageRecord {
	if st.Phase() != LockLockedUnverified {
		return snapshot
	}
	out := make([]MessageRecord, 0, len(snapshot))
	for _, rec := range snapshot {
		if rec.SenderID == selfID && st.LockStartedAt != nil && !rec.CreatedAt.Before(*st.LockStartedAt) {
			out = append(out, rec)
			continue
		}
	}
	return out
}

// LockedPlaceholder is what the view layer renders for content hidden by
// the gate.
const LockedPlaceholder = "🔒 Locked message"
