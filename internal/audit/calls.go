// Package audit keeps the call history: one row per media room call a
// device made through the gateway.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-voice-gateway/internal/gateway"
)

const (
	defaultLimit = 50
	maxLimit     = 200

	writeTimeout = 2 * time.Second
)

// Call is one row of the calls table.
type Call struct {
	ID        string     `json:"id"`
	ClientID  string     `json:"client_id"`
	MAC       string     `json:"mac"`
	Room      string     `json:"room"`
	Transport string     `json:"transport"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason string     `json:"end_reason,omitempty"`
	FramesOut uint64     `json:"frames_out"`
	FramesIn  uint64     `json:"frames_in"`
}

// Filter selects calls for List. Empty fields match everything.
type Filter struct {
	MAC      string
	ClientID string
	Active   bool // only calls without an end time
	Limit    int  // default 50, max 200
	Offset   int
}

// ListResult is a page of calls, most recent first.
type ListResult struct {
	Calls  []Call `json:"calls"`
	Total  int    `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// Logger receives write failures from the event path.
type Logger interface {
	Warn(msg string, args ...any)
}

// Store writes and reads call history in SQLite.
type Store struct {
	db     *sql.DB
	logger Logger
}

// NewStore creates a call history store on db.
func NewStore(db *sql.DB, logger Logger) *Store {
	return &Store{db: db, logger: logger}
}

// HandleEvent records call_started and call_ended gateway events. Other
// events are ignored. Failures are logged, never returned to the session.
func (s *Store) HandleEvent(e gateway.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch e.Type {
	case gateway.EventCallStarted:
		err = s.Start(ctx, Call{
			ID:        e.CallID,
			ClientID:  e.ClientID,
			MAC:       e.MAC,
			Room:      e.Room,
			Transport: e.Transport,
			StartedAt: e.Time,
		})
	case gateway.EventCallEnded:
		err = s.End(ctx, e.CallID, e.Time, e.Reason, e.FramesOut, e.FramesIn)
	default:
		return
	}
	if err != nil && s.logger != nil {
		s.logger.Warn("call history not written", "call_id", e.CallID, "event", e.Type, "error", err)
	}
}

// Start inserts a call that has just begun.
func (s *Store) Start(ctx context.Context, c Call) error {
	if c.ID == "" {
		return fmt.Errorf("recording call start: empty call id")
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (id, client_id, mac, room, transport, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.ClientID, c.MAC, c.Room, c.Transport, c.StartedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("recording call start: %w", err)
	}
	return nil
}

// End closes a call row. Ending an unknown or already ended call is an error.
func (s *Store) End(ctx context.Context, id string, at time.Time, reason string, framesOut, framesIn uint64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET ended_at = ?, end_reason = ?, frames_out = ?, frames_in = ?
		 WHERE id = ? AND ended_at IS NULL`,
		at.UTC().Format(time.RFC3339Nano), reason, int64(framesOut), int64(framesIn), id)
	if err != nil {
		return fmt.Errorf("recording call end: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("recording call end: no open call %s", id)
	}
	return nil
}

// Get returns one call by id.
func (s *Store) Get(ctx context.Context, id string) (Call, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = ?`, id)
	c, err := scanCall(row)
	if err != nil {
		return Call{}, fmt.Errorf("getting call %s: %w", id, err)
	}
	return c, nil
}

// List returns calls matching f, most recent first.
func (s *Store) List(ctx context.Context, f Filter) (*ListResult, error) {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var conds []string
	var args []any
	if f.MAC != "" {
		conds = append(conds, "mac = ?")
		args = append(args, f.MAC)
	}
	if f.ClientID != "" {
		conds = append(conds, "client_id = ?")
		args = append(args, f.ClientID)
	}
	if f.Active {
		conds = append(conds, "ended_at IS NULL")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls`+where, args...).Scan(&total); err != nil { //nolint:gosec // placeholders only
		return nil, fmt.Errorf("counting calls: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, //nolint:gosec // placeholders only
		`SELECT `+callColumns+` FROM calls`+where+` ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying calls: %w", err)
	}
	defer rows.Close()

	calls := []Call{}
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning call: %w", err)
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating calls: %w", err)
	}

	return &ListResult{Calls: calls, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

const callColumns = `id, client_id, mac, room, transport, started_at, ended_at, end_reason, frames_out, frames_in`

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(r scanner) (Call, error) {
	var c Call
	var started string
	var ended, reason sql.NullString
	var out, in int64
	if err := r.Scan(&c.ID, &c.ClientID, &c.MAC, &c.Room, &c.Transport,
		&started, &ended, &reason, &out, &in); err != nil {
		return Call{}, err
	}

	t, err := time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return Call{}, fmt.Errorf("parsing started_at %q: %w", started, err)
	}
	c.StartedAt = t
	if ended.Valid {
		t, err := time.Parse(time.RFC3339Nano, ended.String)
		if err != nil {
			return Call{}, fmt.Errorf("parsing ended_at %q: %w", ended.String, err)
		}
		c.EndedAt = &t
	}
	c.EndReason = reason.String
	c.FramesOut = uint64(out)
	c.FramesIn = uint64(in)
	return c, nil
}
