package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/brandon/smartreach/pkg/types"
)

// RecordSentEmail records a campaign email at send time. Records are
// immutable: inserting the same message id twice is a no-op.
func (s *Store) RecordSentEmail(e *types.SentEmail) error {
	query := `
		INSERT INTO sent_emails (message_id, thread_id, recipient, campaign_id, sent_at, body_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`
	_, err := s.db.Exec(query, e.MessageID, e.ThreadID, e.Recipient, e.CampaignID, e.SentAt.UTC().Format(time.RFC3339), e.BodyHash)
	if err != nil {
		return fmt.Errorf("failed to record sent email: %w", err)
	}
	return nil
}

// GetSentEmail retrieves a sent email by its message id
func (s *Store) GetSentEmail(messageID string) (*types.SentEmail, error) {
	query := `
		SELECT message_id, thread_id, recipient, campaign_id, sent_at, body_hash
		FROM sent_emails WHERE message_id = ?
	`
	var e types.SentEmail
	var sentAt string
	err := s.db.QueryRow(query, messageID).Scan(&e.MessageID, &e.ThreadID, &e.Recipient, &e.CampaignID, &sentAt, &e.BodyHash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sent email: %w", err)
	}
	e.SentAt, err = parseStoredTime(sentAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sent_at: %w", err)
	}
	return &e, nil
}

// LatestSentByMessageIDs returns the most recently sent email whose message
// id appears in ids, or ErrNotFound. Used for References-chain fallback
// matching: when a forwarded thread references several of our messages, the
// newest one wins.
func (s *Store) LatestSentByMessageIDs(ids []string) (*types.SentEmail, error) {
	if len(ids) == 0 {
		return nil, ErrNotFound
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := fmt.Sprintf(`
		SELECT message_id, thread_id, recipient, campaign_id, sent_at, body_hash
		FROM sent_emails
		WHERE message_id IN (%s)
		ORDER BY sent_at DESC
		LIMIT 1
	`, placeholders)

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	var e types.SentEmail
	var sentAt string
	err := s.db.QueryRow(query, args...).Scan(&e.MessageID, &e.ThreadID, &e.Recipient, &e.CampaignID, &sentAt, &e.BodyHash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query sent emails: %w", err)
	}
	e.SentAt, err = parseStoredTime(sentAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sent_at: %w", err)
	}
	return &e, nil
}

// InsertReply inserts an inbound reply with processed_at unset. Returns true
// when the row was inserted, false when the message id was already present.
// Duplicate insertion is a no-op, never an error: the poller re-fetches the
// same batch after a crash before the watermark advanced.
func (s *Store) InsertReply(r *types.InboundReply) (bool, error) {
	query := `
		INSERT INTO inbound_replies (message_id, uid, in_reply_to, references_chain, from_addr, subject, received_at, raw_body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`
	result, err := s.db.Exec(query,
		r.MessageID,
		r.UID,
		r.InReplyTo,
		strings.Join(r.References, " "),
		r.From,
		r.Subject,
		r.ReceivedAt.UTC().Format(time.RFC3339),
		r.RawBody,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert reply: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// GetReply retrieves an inbound reply by its message id
func (s *Store) GetReply(messageID string) (*types.InboundReply, error) {
	query := replySelect + " WHERE message_id = ?"
	row := s.db.QueryRow(query, messageID)
	r, err := scanReply(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get reply: %w", err)
	}
	return r, nil
}

// UnprocessedReplies returns all replies with processed_at unset, oldest
// first. Backed by a partial index; this runs every poll cycle.
func (s *Store) UnprocessedReplies() ([]*types.InboundReply, error) {
	query := replySelect + " WHERE processed_at IS NULL ORDER BY received_at ASC, message_id ASC"
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed replies: %w", err)
	}
	defer rows.Close()

	var replies []*types.InboundReply
	for rows.Next() {
		r, err := scanReply(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reply: %w", err)
		}
		replies = append(replies, r)
	}
	return replies, rows.Err()
}

// MarkReplyProcessed performs the atomic check-and-set on processed_at.
// Returns ErrAlreadyProcessed when the column is already set and ErrNotFound
// when no such reply exists. This is the sole guard against a reply being
// classified twice.
func (s *Store) MarkReplyProcessed(messageID string, at time.Time) error {
	result, err := s.db.Exec(
		"UPDATE inbound_replies SET processed_at = ? WHERE message_id = ? AND processed_at IS NULL",
		at.UTC().Format(time.RFC3339), messageID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark reply processed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRow("SELECT 1 FROM inbound_replies WHERE message_id = ?", messageID).Scan(&exists); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("failed to check reply existence: %w", err)
		}
		return ErrAlreadyProcessed
	}
	return nil
}

// MarkReplyOrphaned flags a reply that could not be correlated to any sent
// email. Orphans stay visible for manual triage but are excluded from
// automated response.
func (s *Store) MarkReplyOrphaned(messageID string) error {
	result, err := s.db.Exec("UPDATE inbound_replies SET orphaned = 1 WHERE message_id = ?", messageID)
	if err != nil {
		return fmt.Errorf("failed to mark reply orphaned: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// OrphanedReplies returns replies flagged for manual triage, newest first
func (s *Store) OrphanedReplies() ([]*types.InboundReply, error) {
	query := replySelect + " WHERE orphaned = 1 ORDER BY received_at DESC"
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphaned replies: %w", err)
	}
	defer rows.Close()

	var replies []*types.InboundReply
	for rows.Next() {
		r, err := scanReply(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reply: %w", err)
		}
		replies = append(replies, r)
	}
	return replies, rows.Err()
}

// Watermark returns the last successfully ingested mailbox UID
func (s *Store) Watermark() (uint32, error) {
	var uid uint32
	err := s.db.QueryRow("SELECT last_uid FROM poll_state WHERE id = 1").Scan(&uid)
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark: %w", err)
	}
	return uid, nil
}

// SetWatermark advances the mailbox cursor. Called only after the fetched
// batch is durably stored; moving it backwards is refused so a stale cycle
// cannot cause a re-fetch window to grow.
func (s *Store) SetWatermark(uid uint32) error {
	_, err := s.db.Exec(
		"UPDATE poll_state SET last_uid = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1 AND last_uid < ?",
		uid, uid,
	)
	if err != nil {
		return fmt.Errorf("failed to set watermark: %w", err)
	}
	return nil
}

// Summary returns the counters backing the operator status view
func (s *Store) Summary() (*types.Summary, error) {
	sum := &types.Summary{}
	counts := []struct {
		query string
		dst   *int
	}{
		{"SELECT COUNT(*) FROM sent_emails", &sum.TotalSent},
		{"SELECT COUNT(*) FROM inbound_replies WHERE processed_at IS NULL", &sum.UnprocessedReplies},
		{"SELECT COUNT(*) FROM inbound_replies WHERE orphaned = 1", &sum.OrphanedReplies},
		{"SELECT COUNT(*) FROM conversation_turns WHERE auto_replied = 1", &sum.AutoResponded},
		{"SELECT COUNT(*) FROM escalations WHERE status = 'pending'", &sum.PendingEscalations},
		{"SELECT COUNT(*) FROM outbound_drafts WHERE status = 'failed'", &sum.FailedDrafts},
	}
	for _, c := range counts {
		if err := s.db.QueryRow(c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("failed to compute summary: %w", err)
		}
	}
	return sum, nil
}

const replySelect = `
	SELECT message_id, uid, in_reply_to, references_chain, from_addr, subject, received_at, raw_body, processed_at, orphaned
	FROM inbound_replies
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReply(row rowScanner) (*types.InboundReply, error) {
	var r types.InboundReply
	var inReplyTo, references, subject, rawBody sql.NullString
	var receivedAt string
	var processedAt sql.NullString
	var orphaned int

	err := row.Scan(
		&r.MessageID,
		&r.UID,
		&inReplyTo,
		&references,
		&r.From,
		&subject,
		&receivedAt,
		&rawBody,
		&processedAt,
		&orphaned,
	)
	if err != nil {
		return nil, err
	}

	r.InReplyTo = inReplyTo.String
	r.Subject = subject.String
	r.RawBody = rawBody.String
	r.Orphaned = orphaned == 1
	if references.Valid && references.String != "" {
		r.References = strings.Fields(references.String)
	}
	r.ReceivedAt, err = parseStoredTime(receivedAt)
	if err != nil {
		return nil, err
	}
	if processedAt.Valid {
		t, err := parseStoredTime(processedAt.String)
		if err != nil {
			return nil, err
		}
		r.ProcessedAt = &t
	}
	return &r, nil
}

// parseStoredTime accepts both our RFC3339 writes and SQLite's own
// CURRENT_TIMESTAMP format.
func parseStoredTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}
