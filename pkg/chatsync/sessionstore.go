package chatsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
)

// SessionStore is the local SQLite cache for one user's client session.
// It is never a source of truth: it mirrors lock state (so a restart
// does not silently unlock history), seen event UUIDs (cross-restart
// duplicate suppression on the at-least-once socket), and the last known
// unread counts (shown until the authoritative snapshot lands).
type SessionStore struct {
	db     *dbutil.Database
	userID int64
}

// seenEventTTL is how long seen-event rows are kept before pruning.
const seenEventTTL = 24 * time.Hour

// OpenSessionStore opens (and migrates) the session database at path.
func OpenSessionStore(path string, userID int64) (*SessionStore, error) {
	db, err := dbutil.NewWithDialect(fmt.Sprintf("file:%s?_txlock=immediate", path), "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	s := &SessionStore{db: db, userID: userID}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SessionStore) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS lock_state (
			user_id BIGINT NOT NULL PRIMARY KEY,
			enabled BOOLEAN NOT NULL,
			unlocked BOOLEAN NOT NULL,
			lock_started_ts BIGINT,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS seen_event (
			user_id BIGINT NOT NULL,
			event_uuid TEXT NOT NULL,
			seen_ts BIGINT NOT NULL,
			PRIMARY KEY (user_id, event_uuid)
		)`,
		`CREATE TABLE IF NOT EXISTS unread_snapshot (
			user_id BIGINT NOT NULL PRIMARY KEY,
			counts_json TEXT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS seen_event_ts_idx
			ON seen_event (user_id, seen_ts)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("ensure session schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SessionStore) Close() error { return s.db.Close() }

// SaveLockState persists the gate state for this session.
func (s *SessionStore) SaveLockState(ctx context.Context, st LockState) error {
	var startedTS sql.NullInt64
	if st.LockStartedAt != nil {
		startedTS = sql.NullInt64{Int64: st.LockStartedAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO lock_state (user_id, enabled, unlocked, lock_started_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			enabled=excluded.enabled,
			unlocked=excluded.unlocked,
			lock_started_ts=excluded.lock_started_ts,
			updated_ts=excluded.updated_ts
	`, s.userID, st.Enabled, st.Unlocked, startedTS, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save lock state: %w", err)
	}
	return nil
}

// LoadLockState returns the persisted gate state, if any.
func (s *SessionStore) LoadLockState(ctx context.Context) (LockState, bool, error) {
	var st LockState
	var startedTS sql.NullInt64
	err := s.db.QueryRow(ctx,
		`SELECT enabled, unlocked, lock_started_ts FROM lock_state WHERE user_id=$1`,
		s.userID,
	).Scan(&st.Enabled, &st.Unlocked, &startedTS)
	if errors.Is(err, sql.ErrNoRows) {
		return LockState{}, false, nil
	}
	if err != nil {
		return LockState{}, false, fmt.Errorf("load lock state: %w", err)
	}
	if startedTS.Valid {
		t := time.UnixMilli(startedTS.Int64)
		st.LockStartedAt = &t
	}
	return st, true, nil
}

// MarkEventSeen records a live event UUID. Returns false when the UUID
// was already recorded — a duplicate delivery.
func (s *SessionStore) MarkEventSeen(ctx context.Context, uuid string) (bool, error) {
	if uuid == "" {
		return true, nil
	}
	res, err := s.db.Exec(ctx, `
		INSERT INTO seen_event (user_id, event_uuid, seen_ts)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, event_uuid) DO NOTHING
	`, s.userID, uuid, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("mark event seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PruneSeenEvents removes rows older than the TTL to bound growth over
// long sessions.
func (s *SessionStore) PruneSeenEvents(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-seenEventTTL).UnixMilli()
	res, err := s.db.Exec(ctx,
		`DELETE FROM seen_event WHERE user_id=$1 AND seen_ts < $2`,
		s.userID, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune seen events: %w", err)
	}
	return res.RowsAffected()
}

// SaveUnreadSnapshot mirrors the aggregator's counts.
func (s *SessionStore) SaveUnreadSnapshot(ctx context.Context, counts map[ConversationKey]int) error {
	type entry struct {
		Kind   int   `json:"kind"`
		PeerID int64 `json:"peer_id"`
		Count  int   `json:"count"`
	}
	entries := make([]entry, 0, len(counts))
	for conv, count := range counts {
		entries = append(entries, entry{Kind: int(conv.Kind), PeerID: conv.PeerID, Count: count})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO unread_snapshot (user_id, counts_json, updated_ts)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			counts_json=excluded.counts_json,
			updated_ts=excluded.updated_ts
	`, s.userID, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save unread snapshot: %w", err)
	}
	return nil
}

// LoadUnreadSnapshot returns the last mirrored counts, empty when none
// were saved.
func (s *SessionStore) LoadUnreadSnapshot(ctx context.Context) (map[ConversationKey]int, error) {
	var raw string
	err := s.db.QueryRow(ctx,
		`SELECT counts_json FROM unread_snapshot WHERE user_id=$1`, s.userID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[ConversationKey]int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load unread snapshot: %w", err)
	}
	var entries []struct {
		Kind   int   `json:"kind"`
		PeerID int64 `json:"peer_id"`
		Count  int   `json:"count"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decode unread snapshot: %w", err)
	}
	out := make(map[ConversationKey]int, len(entries))
	for _, e := range entries {
		out[ConversationKey{Kind: ConversationKind(e.Kind), PeerID: e.PeerID}] = e.Count
	}
	return out, nil
}
