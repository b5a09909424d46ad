package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/brandon/smartreach/pkg/types"
)

// AppendTurn appends a turn to a conversation, creating the conversation on
// first use. Appending is idempotent on the message id: re-appending the
// same message returns the existing turn with appended=false, so a
// crash-retry can never duplicate a turn.
func (s *Store) AppendTurn(threadID string, direction types.TurnDirection, messageID string) (*types.Turn, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec("INSERT OR IGNORE INTO conversations (thread_id) VALUES (?)", threadID); err != nil {
		return nil, false, fmt.Errorf("failed to ensure conversation: %w", err)
	}

	result, err := tx.Exec(`
		INSERT OR IGNORE INTO conversation_turns (thread_id, seq, direction, message_id)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?
		FROM conversation_turns WHERE thread_id = ?
	`, threadID, direction, messageID, threadID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to append turn: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit turn: %w", err)
	}

	turn, err := s.TurnByMessageID(messageID)
	if err != nil {
		return nil, false, err
	}
	return turn, n > 0, nil
}

// TurnByMessageID retrieves the conversation turn referencing a message id
func (s *Store) TurnByMessageID(messageID string) (*types.Turn, error) {
	row := s.db.QueryRow(turnSelect+" WHERE message_id = ?", messageID)
	turn, err := scanTurn(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get turn: %w", err)
	}
	return turn, nil
}

// RecentTurns returns the last n turns of a conversation in chronological
// order, for use as classification context.
func (s *Store) RecentTurns(threadID string, n int) ([]*types.Turn, error) {
	query := `
		SELECT * FROM (` + turnSelect + ` WHERE thread_id = ? ORDER BY seq DESC LIMIT ?)
		ORDER BY seq ASC
	`
	rows, err := s.db.Query(query, threadID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []*types.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// AttachClassification attaches an AI verdict to a turn. A turn's
// classification is written at most once; re-attaching after a crash-retry
// is a no-op.
func (s *Store) AttachClassification(turnID int64, c *types.Classification) error {
	_, err := s.db.Exec(`
		UPDATE conversation_turns
		SET intent = ?, confidence = ?, suggested_reply = ?
		WHERE id = ? AND intent IS NULL
	`, string(c.Intent), c.Confidence, c.SuggestedReply, turnID)
	if err != nil {
		return fmt.Errorf("failed to attach classification: %w", err)
	}
	return nil
}

// MarkTurnAutoReplied records that the pipeline answered this turn
// automatically. Feeds the max-auto-turns policy guard.
func (s *Store) MarkTurnAutoReplied(turnID int64) error {
	_, err := s.db.Exec("UPDATE conversation_turns SET auto_replied = 1 WHERE id = ?", turnID)
	if err != nil {
		return fmt.Errorf("failed to mark turn auto-replied: %w", err)
	}
	return nil
}

// AutoReplyCount returns how many turns in a thread were answered
// automatically.
func (s *Store) AutoReplyCount(threadID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM conversation_turns WHERE thread_id = ? AND auto_replied = 1",
		threadID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count auto replies: %w", err)
	}
	return count, nil
}

const turnSelect = `
	SELECT id, thread_id, seq, direction, message_id, intent, confidence, suggested_reply, auto_replied, created_at
	FROM conversation_turns
`

func scanTurn(row rowScanner) (*types.Turn, error) {
	var t types.Turn
	var direction string
	var intent, suggestedReply sql.NullString
	var confidence sql.NullFloat64
	var autoReplied int
	var createdAt string

	err := row.Scan(
		&t.ID,
		&t.ThreadID,
		&t.Seq,
		&direction,
		&t.MessageID,
		&intent,
		&confidence,
		&suggestedReply,
		&autoReplied,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	t.Direction = types.TurnDirection(direction)
	t.AutoReplied = autoReplied == 1
	if intent.Valid {
		t.Classification = &types.Classification{
			Intent:         types.Intent(intent.String),
			Confidence:     confidence.Float64,
			SuggestedReply: suggestedReply.String,
		}
	}
	t.CreatedAt, err = parseStoredTime(createdAt)
	if err != nil {
		t.CreatedAt = time.Time{}
	}
	return &t, nil
}
