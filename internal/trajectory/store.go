package trajectory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/phasegate/internal/state"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	agent_id      TEXT NOT NULL,
	action_id     TEXT NOT NULL,
	ts            INTEGER NOT NULL,
	before_state  BLOB NOT NULL,
	after_state   BLOB NOT NULL,
	decision      TEXT NOT NULL,
	reason        TEXT,
	fallback      INTEGER NOT NULL DEFAULT 0,
	violated      TEXT,
	outcome_json  TEXT,
	event_count   INTEGER NOT NULL DEFAULT 0,
	gate_record   TEXT
);

CREATE INDEX IF NOT EXISTS idx_transitions_agent_ts ON transitions(agent_id, ts);

CREATE TABLE IF NOT EXISTS security_events (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	agent_id      TEXT NOT NULL,
	ts            INTEGER NOT NULL,
	kind          TEXT NOT NULL,
	severity      INTEGER NOT NULL,
	violated      TEXT,
	detail        TEXT,
	transition_id TEXT,
	FOREIGN KEY (transition_id) REFERENCES transitions(id)
);

CREATE INDEX IF NOT EXISTS idx_events_agent_ts ON security_events(agent_id, ts);
CREATE INDEX IF NOT EXISTS idx_events_agent_kind ON security_events(agent_id, kind, ts);
`

// #endregion schema

// #region store-struct
// Store is the append-only trajectory timeline in SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// #endregion store-struct

// #region constructor
// Open opens (or creates) the database at path and runs migrations. WAL mode
// lets range scans proceed while the gate appends.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// dsn applies per-connection pragmas to every pooled connection. Write
// transactions take the lock at BEGIN so concurrent appends queue on the
// busy timeout instead of failing on upgrade.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
}

// #endregion constructor

// #region append
// Append writes a transition and its security events in one transaction.
// Missing ids are generated; events are linked to the transition and the
// transition's EventCount is set from them. The stored values are returned.
func (s *Store) Append(ctx context.Context, tr Transition, events []SecurityEvent) (Transition, []SecurityEvent, error) {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.Timestamp.IsZero() {
		tr.Timestamp = time.Now().UTC()
	}
	tr.EventCount = len(events)
	stored := make([]SecurityEvent, len(events))
	for i, ev := range events {
		ev.AgentID = tr.AgentID
		ev.TransitionID = tr.ID
		if ev.Timestamp.IsZero() {
			ev.Timestamp = tr.Timestamp
		}
		stored[i] = ev
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Transition{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := insertTransition(ctx, tx, tr, false); err != nil {
		return Transition{}, nil, err
	}
	for i := range stored {
		if _, err := insertEvent(ctx, tx, &stored[i], false); err != nil {
			return Transition{}, nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Transition{}, nil, fmt.Errorf("commit: %w", err)
	}
	return tr, stored, nil
}

// AppendEvents writes standalone security events.
func (s *Store) AppendEvents(ctx context.Context, events ...SecurityEvent) ([]SecurityEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stored := make([]SecurityEvent, len(events))
	for i, ev := range events {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		if _, err := insertEvent(ctx, tx, &ev, false); err != nil {
			return nil, err
		}
		stored[i] = ev
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertTransition reports whether a row was written; with ignoreExisting a
// known id is skipped.
func insertTransition(ctx context.Context, tx execer, tr Transition, ignoreExisting bool) (bool, error) {
	violated, err := encodeNames(tr.Violated)
	if err != nil {
		return false, err
	}
	outcome, err := json.Marshal(tr.Outcome)
	if err != nil {
		return false, fmt.Errorf("marshal outcome: %w", err)
	}
	verb := "INSERT"
	if ignoreExisting {
		verb = "INSERT OR IGNORE"
	}
	res, err := tx.ExecContext(ctx,
		verb+` INTO transitions (id, agent_id, action_id, ts, before_state, after_state, decision,
		 reason, fallback, violated, outcome_json, event_count, gate_record)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.AgentID, tr.ActionID, tr.Timestamp.UnixNano(),
		state.Encode(tr.Before), state.Encode(tr.After), string(tr.Decision),
		nullIfEmpty(tr.Reason), boolToInt(tr.Fallback), violated, string(outcome),
		tr.EventCount, nullIfEmpty(string(tr.GateRecord)),
	)
	if err != nil {
		return false, fmt.Errorf("insert transition: %w", err)
	}
	return affected(res), nil
}

func insertEvent(ctx context.Context, tx execer, ev *SecurityEvent, ignoreExisting bool) (bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	violated, err := encodeNames(ev.Violated)
	if err != nil {
		return false, err
	}
	verb := "INSERT"
	if ignoreExisting {
		verb = "INSERT OR IGNORE"
	}
	res, err := tx.ExecContext(ctx,
		verb+` INTO security_events (id, agent_id, ts, kind, severity, violated, detail, transition_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.AgentID, ev.Timestamp.UnixNano(), string(ev.Kind), int(ev.Severity),
		violated, nullIfEmpty(ev.Detail), nullIfEmpty(ev.TransitionID),
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	return affected(res), nil
}

func affected(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

// #endregion append

// #region query
// Transitions returns transitions matching q in timestamp order.
func (s *Store) Transitions(ctx context.Context, q Query) ([]Transition, error) {
	where, args := q.clauses()
	query := `SELECT id, agent_id, action_id, ts, before_state, after_state, decision, reason,
		fallback, violated, outcome_json, event_count, gate_record
		FROM transitions` + where + ` ORDER BY ts, seq` + q.limit()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		tr, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

// Events returns security events matching q in timestamp order, filtered
// by q.Kinds when set.
func (s *Store) Events(ctx context.Context, q Query) ([]SecurityEvent, error) {
	where, args := q.clauses()
	if len(q.Kinds) > 0 {
		marks := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		joiner := " WHERE "
		if where != "" {
			joiner = " AND "
		}
		where += joiner + "kind IN (" + strings.Join(marks, ", ") + ")"
	}
	query := `SELECT id, agent_id, ts, kind, severity, violated, detail, transition_id
		FROM security_events` + where + ` ORDER BY ts, seq` + q.limit()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []SecurityEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Agents lists every agent with at least one transition, alphabetically.
func (s *Store) Agents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT agent_id FROM transitions ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SecurityRate is the share of the agent's transitions since the given time
// that carried at least one security event. No transitions yields 0.
func (s *Store) SecurityRate(ctx context.Context, agentID string, since time.Time) (float64, error) {
	var total, flagged int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN event_count > 0 THEN 1 ELSE 0 END), 0)
		 FROM transitions WHERE agent_id = ? AND ts >= ?`,
		agentID, sinceNanos(since),
	).Scan(&total, &flagged)
	if err != nil {
		return 0, fmt.Errorf("security rate %s: %w", agentID, err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(flagged) / float64(total), nil
}

func (q Query) clauses() (string, []any) {
	var conds []string
	var args []any
	if q.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		conds = append(conds, "ts < ?")
		args = append(args, q.Until.UnixNano())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (q Query) limit() string {
	if q.Limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", q.Limit)
}

// #endregion query

// #region scan
type scanner interface {
	Scan(dest ...any) error
}

func scanTransition(row scanner) (Transition, error) {
	var tr Transition
	var ts int64
	var before, after []byte
	var decision string
	var reason, violated, outcome, record sql.NullString
	var fallback int

	err := row.Scan(&tr.ID, &tr.AgentID, &tr.ActionID, &ts, &before, &after, &decision, &reason,
		&fallback, &violated, &outcome, &tr.EventCount, &record)
	if err != nil {
		return Transition{}, fmt.Errorf("scan transition: %w", err)
	}
	tr.Timestamp = time.Unix(0, ts).UTC()
	tr.Decision = Decision(decision)
	tr.Fallback = fallback != 0
	if tr.Before, err = state.Decode(before); err != nil {
		return Transition{}, fmt.Errorf("transition %s before: %w", tr.ID, err)
	}
	if tr.After, err = state.Decode(after); err != nil {
		return Transition{}, fmt.Errorf("transition %s after: %w", tr.ID, err)
	}
	if reason.Valid {
		tr.Reason = reason.String
	}
	if tr.Violated, err = decodeNames(violated); err != nil {
		return Transition{}, err
	}
	if outcome.Valid && outcome.String != "" {
		if err := json.Unmarshal([]byte(outcome.String), &tr.Outcome); err != nil {
			return Transition{}, fmt.Errorf("unmarshal outcome: %w", err)
		}
	}
	if record.Valid {
		tr.GateRecord = json.RawMessage(record.String)
	}
	return tr, nil
}

func scanEvent(row scanner) (SecurityEvent, error) {
	var ev SecurityEvent
	var ts int64
	var kind string
	var severity int
	var violated, detail, transitionID sql.NullString

	err := row.Scan(&ev.ID, &ev.AgentID, &ts, &kind, &severity, &violated, &detail, &transitionID)
	if err != nil {
		return SecurityEvent{}, fmt.Errorf("scan event: %w", err)
	}
	ev.Timestamp = time.Unix(0, ts).UTC()
	ev.Kind = EventKind(kind)
	ev.Severity = Severity(severity)
	if ev.Violated, err = decodeNames(violated); err != nil {
		return SecurityEvent{}, err
	}
	if detail.Valid {
		ev.Detail = detail.String
	}
	if transitionID.Valid {
		ev.TransitionID = transitionID.String
	}
	return ev, nil
}

// #endregion scan

// #region helpers
func encodeNames(names []string) (any, error) {
	if len(names) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(names)
	if err != nil {
		return nil, fmt.Errorf("marshal names: %w", err)
	}
	return string(b), nil
}

func decodeNames(ns sql.NullString) ([]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(ns.String), &names); err != nil {
		return nil, fmt.Errorf("unmarshal names: %w", err)
	}
	return names, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sinceNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// #endregion helpers
