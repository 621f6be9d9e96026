package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-voice-gateway/internal/auth"
)

// LoopState marks a device whose content should repeat.
type LoopState struct {
	MAC         string    `json:"mac"`
	Enabled     bool      `json:"loop_enabled"`
	ContentType string    `json:"content_type"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LoopStates is the per-device loop flag table. Entries exist only while
// looping is enabled. It is independent of sessions: a state survives
// calls ending and devices reconnecting.
//
// Reads are served from memory. When a database is given, writes go to
// the loop_state table first.
//
// Thread Safety: All methods are safe for concurrent use.
type LoopStates struct {
	db  *sql.DB
	now func() time.Time

	mu     sync.RWMutex
	states map[string]LoopState
}

// NewLoopStates creates a store backed by db, or memory only when db is nil.
func NewLoopStates(db *sql.DB) *LoopStates {
	return &LoopStates{
		db:     db,
		now:    time.Now,
		states: make(map[string]LoopState),
	}
}

// Load reads every persisted state into memory.
func (l *LoopStates) Load(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	rows, err := l.db.QueryContext(ctx, `SELECT mac, content_type, updated_at FROM loop_state`)
	if err != nil {
		return fmt.Errorf("querying loop states: %w", err)
	}
	defer rows.Close()

	loaded := make(map[string]LoopState)
	for rows.Next() {
		var st LoopState
		var updated int64
		if err := rows.Scan(&st.MAC, &st.ContentType, &updated); err != nil {
			return fmt.Errorf("scanning loop state: %w", err)
		}
		st.Enabled = true
		st.UpdatedAt = time.UnixMilli(updated).UTC()
		loaded[st.MAC] = st
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating loop states: %w", err)
	}

	l.mu.Lock()
	l.states = loaded
	l.mu.Unlock()
	return nil
}

// Set enables looping for mac, or clears it when enabled is false.
func (l *LoopStates) Set(ctx context.Context, mac string, enabled bool, contentType string) error {
	mac, err := canonicalMAC(mac)
	if err != nil {
		return err
	}
	if !enabled {
		return l.Clear(ctx, mac)
	}

	st := LoopState{MAC: mac, Enabled: true, ContentType: contentType, UpdatedAt: l.now().UTC()}
	if l.db != nil {
		_, err := l.db.ExecContext(ctx,
			`INSERT INTO loop_state (mac, content_type, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(mac) DO UPDATE SET content_type = excluded.content_type, updated_at = excluded.updated_at`,
			st.MAC, st.ContentType, st.UpdatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("saving loop state: %w", err)
		}
	}

	l.mu.Lock()
	l.states[mac] = st
	l.mu.Unlock()
	return nil
}

// Clear removes any loop state for mac. Clearing an unknown mac is not an error.
func (l *LoopStates) Clear(ctx context.Context, mac string) error {
	mac, err := canonicalMAC(mac)
	if err != nil {
		return err
	}
	if l.db != nil {
		if _, err := l.db.ExecContext(ctx, `DELETE FROM loop_state WHERE mac = ?`, mac); err != nil {
			return fmt.Errorf("deleting loop state: %w", err)
		}
	}

	l.mu.Lock()
	delete(l.states, mac)
	l.mu.Unlock()
	return nil
}

// Get returns the state for mac.
func (l *LoopStates) Get(mac string) (LoopState, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.states[auth.NormalizeMAC(mac)]
	return st, ok
}

// Enabled reports whether looping is on for mac.
func (l *LoopStates) Enabled(mac string) bool {
	st, ok := l.Get(mac)
	return ok && st.Enabled
}

// List returns every state ordered by MAC.
func (l *LoopStates) List() []LoopState {
	l.mu.RLock()
	out := make([]LoopState, 0, len(l.states))
	for _, st := range l.states {
		out = append(out, st)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

func canonicalMAC(mac string) (string, error) {
	m := auth.NormalizeMAC(mac)
	if !auth.IsValidMAC(m) {
		return "", fmt.Errorf("%w: %q", auth.ErrInvalidMAC, mac)
	}
	return m, nil
}
