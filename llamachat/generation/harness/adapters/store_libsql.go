package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	ports "github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/ports"
)

// LibSQLConversationStore implements ConversationStore on the chat_sessions
// and conversation_turns tables. Turns are ordered by their seq column.
type LibSQLConversationStore struct {
	db        *sql.DB
	retention ports.Retention
	now       func() time.Time
}

// NewLibSQLConversationStore creates a new LibSQL conversation store. The
// schema must already be migrated.
func NewLibSQLConversationStore(db *sql.DB, retention ports.Retention) *LibSQLConversationStore {
	return &LibSQLConversationStore{
		db:        db,
		retention: retention,
		now:       time.Now,
	}
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *LibSQLConversationStore) ensureRow(ctx context.Context, ex execer, sessionID, model string, now time.Time) error {
	query := `
		INSERT INTO chat_sessions (session_id, model, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			model = CASE WHEN chat_sessions.model = '' THEN excluded.model ELSE chat_sessions.model END
	`
	if _, err := ex.ExecContext(ctx, query, sessionID, model, now.UnixNano(), now.UnixNano()); err != nil {
		return fmt.Errorf("failed to ensure session: %w", err)
	}
	return nil
}

// Ensure creates the session on first use and returns its metadata.
func (s *LibSQLConversationStore) Ensure(ctx context.Context, sessionID, model string) (ports.SessionInfo, error) {
	if err := s.ensureRow(ctx, s.db, sessionID, model, s.now()); err != nil {
		return ports.SessionInfo{}, err
	}

	query := `
		SELECT s.session_id, s.model, s.created_at, s.updated_at,
			(SELECT COUNT(*) FROM conversation_turns t WHERE t.session_id = s.session_id)
		FROM chat_sessions s
		WHERE s.session_id = ?
	`
	info, err := scanSessionInfo(s.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		return ports.SessionInfo{}, fmt.Errorf("failed to load session: %w", err)
	}
	return info, nil
}

// Append stores the turns in one transaction and applies the retention policy.
func (s *LibSQLConversationStore) Append(ctx context.Context, sessionID string, turns ...ports.Turn) error {
	if err := ports.ValidateTurns(turns...); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		if err := s.ensureRow(ctx, tx, sessionID, "", now); err != nil {
			return err
		}
		if err := insertTurns(ctx, tx, sessionID, turns, now); err != nil {
			return err
		}
		if err := s.truncate(ctx, tx, sessionID); err != nil {
			return err
		}
		return touch(ctx, tx, sessionID, now)
	})
}

// Window loads the last w turns, oldest first.
func (s *LibSQLConversationStore) Window(ctx context.Context, sessionID string, w int) ([]ports.Turn, error) {
	if w <= 0 {
		return []ports.Turn{}, nil
	}

	query := `
		SELECT turn_data FROM conversation_turns
		WHERE session_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`
	turns, err := s.queryTurns(ctx, query, sessionID, w)
	if err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	slices.Reverse(turns)
	return turns, nil
}

// Clear deletes every turn of the session. The session row is kept.
func (s *LibSQLConversationStore) Clear(ctx context.Context, sessionID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_turns WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("failed to clear turns: %w", err)
		}
		return touch(ctx, tx, sessionID, s.now())
	})
}

// Export loads the full history, oldest first.
func (s *LibSQLConversationStore) Export(ctx context.Context, sessionID string) ([]ports.Turn, error) {
	query := `
		SELECT turn_data FROM conversation_turns
		WHERE session_id = ?
		ORDER BY seq ASC
	`
	return s.queryTurns(ctx, query, sessionID)
}

// Replace swaps the session's history for turns.
func (s *LibSQLConversationStore) Replace(ctx context.Context, sessionID string, turns []ports.Turn) error {
	if err := ports.ValidateTurns(turns...); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		if err := s.ensureRow(ctx, tx, sessionID, "", now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_turns WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("failed to clear turns: %w", err)
		}
		if err := insertTurns(ctx, tx, sessionID, turns, now); err != nil {
			return err
		}
		if err := s.truncate(ctx, tx, sessionID); err != nil {
			return err
		}
		return touch(ctx, tx, sessionID, now)
	})
}

// Sessions lists every known session, oldest first.
func (s *LibSQLConversationStore) Sessions(ctx context.Context) ([]ports.SessionInfo, error) {
	query := `
		SELECT s.session_id, s.model, s.created_at, s.updated_at, COUNT(t.seq)
		FROM chat_sessions s
		LEFT JOIN conversation_turns t ON t.session_id = s.session_id
		GROUP BY s.session_id, s.model, s.created_at, s.updated_at
		ORDER BY s.created_at ASC, s.session_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	infos := []ports.SessionInfo{}
	for rows.Next() {
		info, err := scanSessionInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return infos, nil
}

// truncate drops everything before the retention window when full history
// is not retained.
func (s *LibSQLConversationStore) truncate(ctx context.Context, tx *sql.Tx, sessionID string) error {
	if s.retention.RetainFull || s.retention.Window < 0 {
		return nil
	}
	keep := s.retention.Window
	query := `
		DELETE FROM conversation_turns
		WHERE session_id = ? AND seq NOT IN (
			SELECT seq FROM conversation_turns
			WHERE session_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
	`
	if _, err := tx.ExecContext(ctx, query, sessionID, sessionID, keep); err != nil {
		return fmt.Errorf("failed to apply retention: %w", err)
	}
	return nil
}

func (s *LibSQLConversationStore) queryTurns(ctx context.Context, query string, args ...any) ([]ports.Turn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	turns := []ports.Turn{}
	for rows.Next() {
		var turnJSON string
		if err := rows.Scan(&turnJSON); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}

		var turn ports.Turn
		if err := json.Unmarshal([]byte(turnJSON), &turn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal turn: %w", err)
		}
		turns = append(turns, turn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}
	return turns, nil
}

func (s *LibSQLConversationStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertTurns(ctx context.Context, tx *sql.Tx, sessionID string, turns []ports.Turn, now time.Time) error {
	query := `
		INSERT INTO conversation_turns (session_id, turn_data, created_at)
		VALUES (?, ?, ?)
	`
	for _, turn := range turns {
		if turn.CreatedAt.IsZero() {
			turn.CreatedAt = now
		}
		turnJSON, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("failed to marshal turn: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, sessionID, string(turnJSON), turn.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("failed to save turn: %w", err)
		}
	}
	return nil
}

func touch(ctx context.Context, ex execer, sessionID string, now time.Time) error {
	if _, err := ex.ExecContext(ctx, `UPDATE chat_sessions SET updated_at = ? WHERE session_id = ?`, now.UnixNano(), sessionID); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionInfo(row rowScanner) (ports.SessionInfo, error) {
	var (
		info             ports.SessionInfo
		created, updated int64
	)
	if err := row.Scan(&info.ID, &info.Model, &created, &updated, &info.TurnCount); err != nil {
		return ports.SessionInfo{}, err
	}
	info.CreatedAt = time.Unix(0, created)
	info.UpdatedAt = time.Unix(0, updated)
	return info, nil
}

// Ensure LibSQLConversationStore implements the ConversationStore interface.
var _ ports.ConversationStore = (*LibSQLConversationStore)(nil)
