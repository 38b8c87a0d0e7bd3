package trajectory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// #region envelope
// ExportVersion tags every exported line so future formats can coexist.
const ExportVersion = 1

const (
	recordTransition = "transition"
	recordEvent      = "security_event"
)

// envelope is one JSON Lines record of an export.
type envelope struct {
	Version    int            `json:"v"`
	Type       string         `json:"type"`
	Transition *Transition    `json:"transition,omitempty"`
	Event      *SecurityEvent `json:"event,omitempty"`
}

// ImportStats counts the records an import wrote and skipped.
type ImportStats struct {
	Transitions int `json:"transitions"`
	Events      int `json:"events"`
	Skipped     int `json:"skipped"`
}

// #endregion envelope

// #region export
// Export writes every transition, then every security event, as JSON Lines.
// Transitions come first so an import can satisfy event references.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	enc := json.NewEncoder(w)

	rows, err := s.db.QueryContext(ctx, `SELECT id, agent_id, action_id, ts, before_state, after_state,
		decision, reason, fallback, violated, outcome_json, event_count, gate_record
		FROM transitions ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("export transitions: %w", err)
	}
	for rows.Next() {
		tr, err := scanTransition(rows)
		if err != nil {
			rows.Close()
			return err
		}
		if err := enc.Encode(envelope{Version: ExportVersion, Type: recordTransition, Transition: &tr}); err != nil {
			rows.Close()
			return fmt.Errorf("write transition: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("export transitions: %w", err)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT id, agent_id, ts, kind, severity, violated, detail, transition_id
		FROM security_events ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("export events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := enc.Encode(envelope{Version: ExportVersion, Type: recordEvent, Event: &ev}); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("export events: %w", err)
	}
	return nil
}

// #endregion export

// #region import
// Import restores an export. Records whose id already exists are skipped, so
// importing the same stream twice is a no-op. The whole stream is one
// transaction: a malformed line aborts the import without writing anything.
func (s *Store) Import(ctx context.Context, r io.Reader) (ImportStats, error) {
	var stats ImportStats

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	dec := json.NewDecoder(r)
	for line := 1; ; line++ {
		var env envelope
		if err := dec.Decode(&env); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return ImportStats{}, fmt.Errorf("import record %d: %w", line, err)
		}
		if env.Version != ExportVersion {
			return ImportStats{}, fmt.Errorf("import record %d: unsupported version %d", line, env.Version)
		}

		var wrote bool
		switch {
		case env.Type == recordTransition && env.Transition != nil:
			wrote, err = insertTransition(ctx, tx, *env.Transition, true)
			if wrote {
				stats.Transitions++
			}
		case env.Type == recordEvent && env.Event != nil:
			wrote, err = insertEvent(ctx, tx, env.Event, true)
			if wrote {
				stats.Events++
			}
		default:
			return ImportStats{}, fmt.Errorf("import record %d: unknown record type %q", line, env.Type)
		}
		if err != nil {
			return ImportStats{}, fmt.Errorf("import record %d: %w", line, err)
		}
		if !wrote {
			stats.Skipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return ImportStats{}, fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("trajectory import complete",
		zap.Int("transitions", stats.Transitions),
		zap.Int("events", stats.Events),
		zap.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

// #endregion import
