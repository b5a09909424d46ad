// Package notify sends deduplicated operator alerts for new replies and
// escalations.
package notify

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/smartreach/internal/mail"
	"github.com/brandon/smartreach/internal/retry"
	"github.com/brandon/smartreach/internal/store"
	"github.com/brandon/smartreach/pkg/types"
)

// Event types feeding the dedup key.
const (
	EventReply      = "reply"
	EventEscalation = "escalation"
	EventOrphan     = "orphan"
)

// Notifier emits at-most-once alert emails to the operator
type Notifier struct {
	store       *store.Store
	transport   mail.Transport
	notifyEmail string
	attempts    int
	backoffBase time.Duration
	logger      *logrus.Logger
}

// NewNotifier creates a new notifier
func NewNotifier(s *store.Store, transport mail.Transport, notifyEmail string, attempts int, backoffBase time.Duration, logger *logrus.Logger) *Notifier {
	return &Notifier{
		store:       s,
		transport:   transport,
		notifyEmail: notifyEmail,
		attempts:    attempts,
		backoffBase: backoffBase,
		logger:      logger,
	}
}

// DedupKey derives the ledger key for an event. The timestamp is bucketed
// by hour so a crash-replay of the same event cannot re-alert.
func DedupKey(event, threadID string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%d", event, threadID, at.UTC().Truncate(time.Hour).Unix())
}

// ReplyReceived alerts the operator about a new inbound reply. threadKey is
// the conversation's thread id, or the reply's message id for orphans.
func (n *Notifier) ReplyReceived(ctx context.Context, event, threadKey string, reply *types.InboundReply) error {
	subject := "New campaign reply"
	if event == EventOrphan {
		subject = "Unmatched reply needs triage"
	}
	body := fmt.Sprintf(
		"<html><body><h2>%s</h2>"+
			"<p><b>From:</b> %s<br><b>Subject:</b> %s<br><b>Received:</b> %s</p>"+
			"<blockquote>%s</blockquote>"+
			"<p>— SmartReach</p></body></html>",
		html.EscapeString(subject),
		html.EscapeString(reply.From),
		html.EscapeString(reply.Subject),
		reply.ReceivedAt.Format(time.RFC1123),
		html.EscapeString(snippet(reply.RawBody, 500)),
	)

	return n.send(ctx, DedupKey(event, threadKey, reply.ReceivedAt), subject, body)
}

// EscalationCreated alerts the operator that a reply awaits human review
func (n *Notifier) EscalationCreated(ctx context.Context, esc *types.Escalation, reply *types.InboundReply) error {
	subject := fmt.Sprintf("Customer needs attention: %s", reply.From)
	body := fmt.Sprintf(
		"<html><body><h2>Manual intervention required</h2>"+
			"<p><b>Customer:</b> %s<br><b>Reason:</b> %s<br><b>Thread:</b> %s</p>"+
			"<blockquote>%s</blockquote>"+
			"<p>Escalation id: %s</p>"+
			"<p>— SmartReach</p></body></html>",
		html.EscapeString(reply.From),
		html.EscapeString(esc.Reason),
		html.EscapeString(esc.ThreadID),
		html.EscapeString(snippet(reply.RawBody, 500)),
		html.EscapeString(esc.ID),
	)

	return n.send(ctx, DedupKey(EventEscalation, esc.ThreadID, esc.CreatedAt), subject, body)
}

// send delivers an alert at most once per dedup key. The ledger entry is
// written before the transport call: the invariant is "at most one
// notification per key, ever", so a crash between record and send loses the
// alert rather than risking a duplicate.
func (n *Notifier) send(ctx context.Context, dedupKey, subject, body string) error {
	recorded, err := n.store.RecordNotification(dedupKey)
	if err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}
	if !recorded {
		n.logger.WithField("dedup_key", dedupKey).Debug("Notification already sent, skipping")
		return nil
	}

	err = retry.Do(ctx, n.attempts, n.backoffBase, func() error {
		return n.transport.Send(&mail.Message{
			To:       []string{n.notifyEmail},
			Subject:  subject,
			BodyHTML: body,
		})
	})
	if err != nil {
		// The ledger entry stays: at-most-once permits a lost alert, never a
		// duplicate one.
		n.logger.WithError(err).WithField("dedup_key", dedupKey).Error("Failed to deliver notification")
		return fmt.Errorf("failed to deliver notification: %w", err)
	}

	n.logger.WithField("dedup_key", dedupKey).Info("Notification sent")
	return nil
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
