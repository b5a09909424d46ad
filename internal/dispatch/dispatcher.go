// Package dispatch delivers auto replies and human-approved drafts through
// the outbound transport.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/smartreach/internal/mail"
	"github.com/brandon/smartreach/internal/retry"
	"github.com/brandon/smartreach/internal/store"
	"github.com/brandon/smartreach/pkg/types"
)

// Dispatcher sends outbound drafts and consumes approved escalations
type Dispatcher struct {
	store       *store.Store
	transport   mail.Transport
	domain      string
	attempts    int
	backoffBase time.Duration
	logger      *logrus.Logger
}

// NewDispatcher creates a new dispatcher. domain is used for generated
// Message-IDs.
func NewDispatcher(s *store.Store, transport mail.Transport, domain string, attempts int, backoffBase time.Duration, logger *logrus.Logger) *Dispatcher {
	if domain == "" {
		domain = "smartreach.local"
	}
	return &Dispatcher{
		store:       s,
		transport:   transport,
		domain:      domain,
		attempts:    attempts,
		backoffBase: backoffBase,
		logger:      logger,
	}
}

// SendDraft delivers a stored draft with bounded retries. Draft bodies are
// plain text; the greeting/signature HTML frame is applied at send time. On
// success the sent message is recorded as a SentEmail (so the customer's
// next reply correlates back to the thread) and appended to the
// conversation. On exhausted retries the draft is marked failed with its
// error and left for manual retry; that is never a process failure.
func (d *Dispatcher) SendDraft(ctx context.Context, draft *types.Draft, autoReplied bool) error {
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), d.domain)
	body := WrapReplyBody(draft.Recipient, draft.Body)

	err := retry.Do(ctx, d.attempts, d.backoffBase, func() error {
		return d.transport.Send(&mail.Message{
			To:         []string{draft.Recipient},
			Subject:    draft.Subject,
			BodyHTML:   body,
			MessageID:  messageID,
			InReplyTo:  draft.InReplyTo,
			References: draft.References,
		})
	})
	if err != nil {
		if markErr := d.store.MarkDraftFailed(draft.ID, d.attempts, err.Error()); markErr != nil {
			d.logger.WithError(markErr).WithField("draft_id", draft.ID).Error("Failed to flag failed draft")
		}
		d.logger.WithError(err).WithFields(logrus.Fields{
			"draft_id":  draft.ID,
			"thread_id": draft.ThreadID,
		}).Error("Draft delivery failed, left for manual retry")
		return fmt.Errorf("failed to deliver draft: %w", err)
	}

	now := time.Now()
	if err := d.store.MarkDraftSent(draft.ID, now, messageID); err != nil {
		return err
	}

	bodyHash := sha256.Sum256([]byte(body))
	sent := &types.SentEmail{
		MessageID:  messageID,
		ThreadID:   draft.ThreadID,
		Recipient:  draft.Recipient,
		CampaignID: d.campaignFor(draft),
		SentAt:     now,
		BodyHash:   hex.EncodeToString(bodyHash[:]),
	}
	if err := d.store.RecordSentEmail(sent); err != nil {
		return err
	}

	turn, _, err := d.store.AppendTurn(draft.ThreadID, types.TurnSent, messageID)
	if err != nil {
		return err
	}
	if autoReplied {
		if err := d.store.MarkTurnAutoReplied(turn.ID); err != nil {
			return err
		}
	}

	d.logger.WithFields(logrus.Fields{
		"draft_id":  draft.ID,
		"thread_id": draft.ThreadID,
		"recipient": draft.Recipient,
		"auto":      autoReplied,
	}).Info("Reply dispatched")
	return nil
}

// DispatchApproved consumes approved escalations: each becomes a durable
// draft (marked dispatched before sending, so a restart cannot re-enqueue
// it) and is delivered. Escalations approved without any usable body are
// left pending dispatch and logged.
func (d *Dispatcher) DispatchApproved(ctx context.Context) error {
	escalations, err := d.store.ApprovedUndispatched()
	if err != nil {
		return err
	}

	for _, esc := range escalations {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := d.dispatchEscalation(ctx, esc); err != nil {
			d.logger.WithError(err).WithField("escalation_id", esc.ID).Error("Failed to dispatch approved escalation")
		}
	}
	return nil
}

func (d *Dispatcher) dispatchEscalation(ctx context.Context, esc *types.Escalation) error {
	reply, err := d.store.GetReply(esc.ReplyMessageID)
	if err != nil {
		return fmt.Errorf("failed to load escalated reply: %w", err)
	}

	body := esc.EditedReply
	if body == "" {
		if turn, err := d.store.TurnByMessageID(esc.ReplyMessageID); err == nil && turn.Classification != nil {
			body = turn.Classification.SuggestedReply
		}
	}
	if body == "" {
		d.logger.WithField("escalation_id", esc.ID).Warn("Approved escalation has no reply body, waiting for edit")
		return nil
	}

	draft := &types.Draft{
		ID:           uuid.NewString(),
		ThreadID:     esc.ThreadID,
		EscalationID: esc.ID,
		Recipient:    reply.From,
		Subject:      ReplySubject(reply.Subject),
		Body:         body,
		InReplyTo:    reply.MessageID,
		References:   ReferencesHeader(reply),
		Status:       types.DraftPending,
	}
	if err := d.store.CreateDraft(draft); err != nil {
		return err
	}
	if err := d.store.MarkEscalationDispatched(esc.ID); err != nil && !errors.Is(err, store.ErrAlreadyProcessed) {
		return err
	}

	return d.SendDraft(ctx, draft, false)
}

// FlushPending delivers drafts still in the pending state: drafts created
// just before a crash and failed drafts requeued by the operator.
func (d *Dispatcher) FlushPending(ctx context.Context) error {
	drafts, err := d.store.PendingDrafts()
	if err != nil {
		return err
	}

	for _, draft := range drafts {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Errors are already flagged on the draft; keep flushing the rest.
		_ = d.SendDraft(ctx, draft, false)
	}
	return nil
}

// campaignFor resolves the campaign the reply thread originated from
func (d *Dispatcher) campaignFor(draft *types.Draft) string {
	if draft.InReplyTo != "" {
		// The draft answers an inbound reply; walk to any sent email on the
		// same thread for its campaign id.
		if turns, err := d.store.RecentTurns(draft.ThreadID, 50); err == nil {
			for _, t := range turns {
				if t.Direction != types.TurnSent {
					continue
				}
				if sent, err := d.store.GetSentEmail(t.MessageID); err == nil {
					return sent.CampaignID
				}
			}
		}
	}
	return "reply"
}

// ReplySubject prefixes Re: unless the subject already carries it
func ReplySubject(subject string) string {
	if subject == "" {
		return "Re: your inquiry"
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

// ReferencesHeader extends the reply's References chain with its own
// message id, per RFC 5322 threading.
func ReferencesHeader(reply *types.InboundReply) string {
	refs := append(append([]string{}, reply.References...), reply.MessageID)
	return strings.Join(refs, " ")
}

// WrapReplyBody frames a drafted answer in the standard greeting/signature
func WrapReplyBody(recipient, body string) string {
	name := recipientName(recipient)
	return fmt.Sprintf(
		"<html><body><p>Hi %s,</p><p>%s</p><p>Regards,<br>Customer Service Team</p></body></html>",
		name, body,
	)
}

// recipientName derives a display name from the address local part
func recipientName(addr string) string {
	local, _, found := strings.Cut(addr, "@")
	if !found || local == "" {
		return "there"
	}
	return strings.ToUpper(local[:1]) + local[1:]
}
