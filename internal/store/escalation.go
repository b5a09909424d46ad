package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/brandon/smartreach/pkg/types"
)

// CreateEscalation creates a pending escalation record. A reply escalates at
// most once: when an escalation for the same reply already exists the insert
// is a no-op and created is false, so a crash-retry cannot duplicate it.
func (s *Store) CreateEscalation(e *types.Escalation) (created bool, err error) {
	query := `
		INSERT INTO escalations (id, thread_id, reply_message_id, reason, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(reply_message_id) DO NOTHING
	`
	result, err := s.db.Exec(query, e.ID, e.ThreadID, e.ReplyMessageID, e.Reason, string(e.Status))
	if err != nil {
		return false, fmt.Errorf("failed to create escalation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// GetEscalation retrieves an escalation by id
func (s *Store) GetEscalation(id string) (*types.Escalation, error) {
	row := s.db.QueryRow(escalationSelect+" WHERE id = ?", id)
	e, err := scanEscalation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get escalation: %w", err)
	}
	return e, nil
}

// PendingEscalations lists escalations awaiting human action, oldest first
func (s *Store) PendingEscalations() ([]*types.Escalation, error) {
	return s.escalationsWhere("status = 'pending' ORDER BY created_at ASC")
}

// HasPendingEscalation reports whether a thread has an unresolved
// escalation. While one exists, automation for the thread is withheld.
func (s *Store) HasPendingEscalation(threadID string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM escalations WHERE thread_id = ? AND status = 'pending'",
		threadID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check pending escalations: %w", err)
	}
	return count > 0, nil
}

// ApprovedUndispatched lists approved escalations whose reply has not yet
// been handed to the transport. The dispatcher consumes these.
func (s *Store) ApprovedUndispatched() ([]*types.Escalation, error) {
	return s.escalationsWhere("status = 'approved' AND dispatched_at IS NULL ORDER BY created_at ASC")
}

// ResolveEscalation applies a human verdict: pending -> approved|rejected,
// with an optional edited reply body. Resolving a non-pending escalation is
// refused so verdicts are never overwritten.
func (s *Store) ResolveEscalation(id string, status types.EscalationStatus, editedReply string) error {
	if status != types.EscalationApproved && status != types.EscalationRejected {
		return fmt.Errorf("invalid resolution status: %s", status)
	}
	result, err := s.db.Exec(`
		UPDATE escalations
		SET status = ?, edited_reply = ?, resolved_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'pending'
	`, string(status), editedReply, id)
	if err != nil {
		return fmt.Errorf("failed to resolve escalation: %w", err)
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

// MarkEscalationDispatched records that the approved reply was handed to the
// transport, so a restart cannot dispatch it again.
func (s *Store) MarkEscalationDispatched(id string) error {
	result, err := s.db.Exec(
		"UPDATE escalations SET dispatched_at = CURRENT_TIMESTAMP WHERE id = ? AND dispatched_at IS NULL",
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark escalation dispatched: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

// CreateDraft stores an outbound draft awaiting delivery
func (s *Store) CreateDraft(d *types.Draft) error {
	query := `
		INSERT INTO outbound_drafts (id, thread_id, escalation_id, recipient, subject, body, in_reply_to, references_header, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, d.ID, d.ThreadID, d.EscalationID, d.Recipient, d.Subject, d.Body, d.InReplyTo, d.References, string(d.Status))
	if err != nil {
		return fmt.Errorf("failed to create draft: %w", err)
	}
	return nil
}

// GetDraft retrieves a draft by id
func (s *Store) GetDraft(id string) (*types.Draft, error) {
	row := s.db.QueryRow(draftSelect+" WHERE id = ?", id)
	d, err := scanDraft(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get draft: %w", err)
	}
	return d, nil
}

// PendingDrafts lists drafts awaiting delivery, oldest first. Covers both
// fresh drafts and drafts requeued for manual retry.
func (s *Store) PendingDrafts() ([]*types.Draft, error) {
	rows, err := s.db.Query(draftSelect + " WHERE status = 'pending' ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query pending drafts: %w", err)
	}
	defer rows.Close()

	var drafts []*types.Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan draft: %w", err)
		}
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}

// FailedDrafts lists drafts that exhausted delivery retries
func (s *Store) FailedDrafts() ([]*types.Draft, error) {
	rows, err := s.db.Query(draftSelect + " WHERE status = 'failed' ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query failed drafts: %w", err)
	}
	defer rows.Close()

	var drafts []*types.Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan draft: %w", err)
		}
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}

// MarkDraftSent finalizes a delivered draft, recording the Message-ID it was
// sent under so the draft body stays reachable from the conversation turn.
func (s *Store) MarkDraftSent(id string, at time.Time, sentMessageID string) error {
	_, err := s.db.Exec(
		"UPDATE outbound_drafts SET status = 'sent', sent_at = ?, sent_message_id = ?, last_error = NULL WHERE id = ?",
		at.UTC().Format(time.RFC3339), sentMessageID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark draft sent: %w", err)
	}
	return nil
}

// DraftBySentMessageID retrieves the draft delivered under a Message-ID
func (s *Store) DraftBySentMessageID(messageID string) (*types.Draft, error) {
	row := s.db.QueryRow(draftSelect+" WHERE sent_message_id = ?", messageID)
	d, err := scanDraft(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get draft: %w", err)
	}
	return d, nil
}

// MarkDraftFailed records an exhausted delivery attempt. The draft stays in
// the store with its error text for manual retry.
func (s *Store) MarkDraftFailed(id string, attempts int, lastError string) error {
	_, err := s.db.Exec(
		"UPDATE outbound_drafts SET status = 'failed', attempts = ?, last_error = ? WHERE id = ?",
		attempts, lastError, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark draft failed: %w", err)
	}
	return nil
}

// RequeueDraft puts a failed draft back in the pending state for another
// delivery attempt.
func (s *Store) RequeueDraft(id string) error {
	result, err := s.db.Exec(
		"UPDATE outbound_drafts SET status = 'pending' WHERE id = ? AND status = 'failed'",
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to requeue draft: %w", err)
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

// RecordNotification inserts a ledger entry for a dedup key. Returns true
// when the entry was created, false when a notification under this key was
// already recorded. The primary-key insert makes this the at-most-once guard.
func (s *Store) RecordNotification(dedupKey string) (bool, error) {
	result, err := s.db.Exec(
		"INSERT INTO notification_ledger (dedup_key) VALUES (?) ON CONFLICT(dedup_key) DO NOTHING",
		dedupKey,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record notification: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) escalationsWhere(clause string) ([]*types.Escalation, error) {
	rows, err := s.db.Query(escalationSelect + " WHERE " + clause)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalations: %w", err)
	}
	defer rows.Close()

	var escalations []*types.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		escalations = append(escalations, e)
	}
	return escalations, rows.Err()
}

const escalationSelect = `
	SELECT id, thread_id, reply_message_id, reason, status, edited_reply, created_at, resolved_at
	FROM escalations
`

func scanEscalation(row rowScanner) (*types.Escalation, error) {
	var e types.Escalation
	var replyMessageID, editedReply sql.NullString
	var status, createdAt string
	var resolvedAt sql.NullString

	err := row.Scan(&e.ID, &e.ThreadID, &replyMessageID, &e.Reason, &status, &editedReply, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	e.ReplyMessageID = replyMessageID.String
	e.EditedReply = editedReply.String
	e.Status = types.EscalationStatus(status)
	e.CreatedAt, err = parseStoredTime(createdAt)
	if err != nil {
		e.CreatedAt = time.Time{}
	}
	if resolvedAt.Valid {
		if t, err := parseStoredTime(resolvedAt.String); err == nil {
			e.ResolvedAt = &t
		}
	}
	return &e, nil
}

const draftSelect = `
	SELECT id, thread_id, escalation_id, recipient, subject, body, in_reply_to, references_header, status, attempts, last_error, created_at, sent_at, sent_message_id
	FROM outbound_drafts
`

func scanDraft(row rowScanner) (*types.Draft, error) {
	var d types.Draft
	var escalationID, inReplyTo, references, lastError sql.NullString
	var status, createdAt string
	var sentAt, sentMessageID sql.NullString

	err := row.Scan(
		&d.ID,
		&d.ThreadID,
		&escalationID,
		&d.Recipient,
		&d.Subject,
		&d.Body,
		&inReplyTo,
		&references,
		&status,
		&d.Attempts,
		&lastError,
		&createdAt,
		&sentAt,
		&sentMessageID,
	)
	if err != nil {
		return nil, err
	}

	d.EscalationID = escalationID.String
	d.InReplyTo = inReplyTo.String
	d.References = references.String
	d.LastError = lastError.String
	d.SentMessageID = sentMessageID.String
	d.Status = types.DraftStatus(status)
	d.CreatedAt, err = parseStoredTime(createdAt)
	if err != nil {
		d.CreatedAt = time.Time{}
	}
	if sentAt.Valid {
		if t, err := parseStoredTime(sentAt.String); err == nil {
			d.SentAt = &t
		}
	}
	return &d, nil
}
