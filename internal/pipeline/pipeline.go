// Package pipeline orchestrates reply processing: correlate, classify,
// policy-evaluate, then dispatch or escalate, with operator notifications at
// each step.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brandon/smartreach/internal/classify"
	"github.com/brandon/smartreach/internal/correlate"
	"github.com/brandon/smartreach/internal/dispatch"
	"github.com/brandon/smartreach/internal/notify"
	"github.com/brandon/smartreach/internal/policy"
	"github.com/brandon/smartreach/internal/retry"
	"github.com/brandon/smartreach/internal/store"
	"github.com/brandon/smartreach/pkg/types"
)

// Options bound the pipeline's external calls and parallelism
type Options struct {
	ContextWindowSize  int
	RetryMaxAttempts   int
	RetryBackoffBase   time.Duration
	CallTimeout        time.Duration
	MaxParallelThreads int
}

// Pipeline drives unprocessed replies to a terminal state
type Pipeline struct {
	store      *store.Store
	correlator *correlate.Correlator
	classifier classify.Classifier
	engine     *policy.Engine
	dispatcher *dispatch.Dispatcher
	notifier   *notify.Notifier
	opts       Options
	logger     *logrus.Logger
}

// New creates a pipeline
func New(s *store.Store, correlator *correlate.Correlator, classifier classify.Classifier, engine *policy.Engine, dispatcher *dispatch.Dispatcher, notifier *notify.Notifier, opts Options, logger *logrus.Logger) *Pipeline {
	return &Pipeline{
		store:      s,
		correlator: correlator,
		classifier: classifier,
		engine:     engine,
		dispatcher: dispatcher,
		notifier:   notifier,
		opts:       opts,
		logger:     logger,
	}
}

// RunCycle processes everything actionable: unprocessed replies, approved
// escalations, and drafts awaiting delivery.
func (p *Pipeline) RunCycle(ctx context.Context) error {
	if err := p.ProcessPending(ctx); err != nil {
		return err
	}
	if err := p.dispatcher.DispatchApproved(ctx); err != nil {
		return err
	}
	return p.dispatcher.FlushPending(ctx)
}

// ProcessPending correlates every unprocessed reply and drives each to a
// terminal state. Distinct threads run in parallel (bounded); turns within
// one thread are handled strictly in arrival order by a single worker.
// Cancellation drains between turns, never mid-persist.
func (p *Pipeline) ProcessPending(ctx context.Context) error {
	replies, err := p.store.UnprocessedReplies()
	if err != nil {
		return err
	}
	if len(replies) == 0 {
		return nil
	}

	// Correlation is sequential and cheap; it also pins each reply to its
	// thread so the parallel stage can group work.
	groups := make(map[string][]*correlate.Resolution)
	var order []string
	for _, reply := range replies {
		res, err := p.correlator.Resolve(reply)
		if err != nil {
			p.logger.WithError(err).WithField("message_id", reply.MessageID).Error("Correlation failed, leaving reply unprocessed")
			continue
		}

		if res.Orphaned {
			p.handleOrphan(ctx, reply)
			continue
		}

		if _, seen := groups[res.ThreadID]; !seen {
			order = append(order, res.ThreadID)
		}
		groups[res.ThreadID] = append(groups[res.ThreadID], res)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MaxParallelThreads)

	for _, threadID := range order {
		group := groups[threadID]
		g.Go(func() error {
			for _, res := range group {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				if err := p.processTurn(gctx, res); err != nil {
					p.logger.WithError(err).WithFields(logrus.Fields{
						"thread_id":  res.ThreadID,
						"message_id": res.Reply.MessageID,
					}).Error("Failed to process reply")
					// Later turns in this thread depend on this one's
					// outcome; stop the thread, keep other threads going.
					return nil
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// processTurn drives one correlated reply through classification, policy,
// and dispatch. Every path ends in the processed_at check-and-set; tripping
// its idempotency guard is success.
func (p *Pipeline) processTurn(ctx context.Context, res *correlate.Resolution) error {
	reply := res.Reply

	classification := res.Turn.Classification
	if classification == nil {
		var err error
		classification, err = p.classifyWithRetry(ctx, res)
		if err != nil {
			if !errors.Is(err, classify.ErrUnavailable) {
				return err
			}
			p.logger.WithError(err).WithField("message_id", reply.MessageID).Warn("Classifier unavailable, escalating")
			classification = nil
		}
		if classification != nil {
			if err := p.store.AttachClassification(res.Turn.ID, classification); err != nil {
				return err
			}
		}
	}

	autoReplies, err := p.store.AutoReplyCount(res.ThreadID)
	if err != nil {
		return err
	}
	pending, err := p.store.HasPendingEscalation(res.ThreadID)
	if err != nil {
		return err
	}

	outcome := p.engine.Evaluate(classification, autoReplies, pending)
	p.logger.WithFields(logrus.Fields{
		"thread_id":  res.ThreadID,
		"message_id": reply.MessageID,
		"decision":   outcome.Decision,
		"reason":     outcome.Reason,
	}).Info("Policy decision")

	// Spam never reaches the operator; everything else alerts on the reply.
	if outcome.Decision != policy.Drop {
		if err := p.notifier.ReplyReceived(ctx, notify.EventReply, res.ThreadID, reply); err != nil {
			// Notification loss is acceptable; processing continues.
			p.logger.WithError(err).WithField("thread_id", res.ThreadID).Warn("Reply notification failed")
		}
	}

	switch outcome.Decision {
	case policy.Drop:
		// Spam: processed, no reply, no notification.

	case policy.AutoReply:
		if err := p.autoRespond(ctx, res, classification); err != nil {
			return err
		}

	case policy.Escalate:
		if err := p.escalate(ctx, res, outcome.Reason); err != nil {
			return err
		}
	}

	return p.markProcessed(reply.MessageID)
}

// autoRespond creates a durable draft for the suggested reply and dispatches
// it. A delivery failure flags the draft and is not a processing failure.
func (p *Pipeline) autoRespond(ctx context.Context, res *correlate.Resolution, c *types.Classification) error {
	reply := res.Reply
	draft := &types.Draft{
		ID:         uuid.NewString(),
		ThreadID:   res.ThreadID,
		Recipient:  reply.From,
		Subject:    dispatch.ReplySubject(reply.Subject),
		Body:       c.SuggestedReply,
		InReplyTo:  reply.MessageID,
		References: dispatch.ReferencesHeader(reply),
		Status:     types.DraftPending,
	}
	if err := p.store.CreateDraft(draft); err != nil {
		return err
	}

	if err := p.dispatcher.SendDraft(ctx, draft, true); err != nil {
		p.logger.WithError(err).WithField("draft_id", draft.ID).Warn("Auto-reply delivery failed, draft flagged")
	}
	return nil
}

// escalate records a pending escalation and alerts the operator. Creation is
// idempotent on the reply: a crash-retry that reaches here again finds the
// existing record and does nothing.
func (p *Pipeline) escalate(ctx context.Context, res *correlate.Resolution, reason string) error {
	esc := &types.Escalation{
		ID:             uuid.NewString(),
		ThreadID:       res.ThreadID,
		ReplyMessageID: res.Reply.MessageID,
		Reason:         reason,
		Status:         types.EscalationPending,
		CreatedAt:      res.Reply.ReceivedAt,
	}
	created, err := p.store.CreateEscalation(esc)
	if err != nil {
		return err
	}
	if !created {
		p.logger.WithField("message_id", res.Reply.MessageID).Debug("Reply already escalated")
		return nil
	}

	if err := p.notifier.EscalationCreated(ctx, esc, res.Reply); err != nil {
		p.logger.WithError(err).WithField("escalation_id", esc.ID).Warn("Escalation notification failed")
	}
	return nil
}

// handleOrphan flags and finalizes a reply that matched nothing we sent
func (p *Pipeline) handleOrphan(ctx context.Context, reply *types.InboundReply) {
	if err := p.store.MarkReplyOrphaned(reply.MessageID); err != nil {
		p.logger.WithError(err).WithField("message_id", reply.MessageID).Error("Failed to flag orphaned reply")
		return
	}
	if err := p.notifier.ReplyReceived(ctx, notify.EventOrphan, reply.MessageID, reply); err != nil {
		p.logger.WithError(err).WithField("message_id", reply.MessageID).Warn("Orphan notification failed")
	}
	if err := p.markProcessed(reply.MessageID); err != nil {
		p.logger.WithError(err).WithField("message_id", reply.MessageID).Error("Failed to finalize orphaned reply")
	}
}

// classifyWithRetry calls the AI service under the per-call timeout and the
// configured retry budget.
func (p *Pipeline) classifyWithRetry(ctx context.Context, res *correlate.Resolution) (*types.Classification, error) {
	req := &classify.Request{
		From:    res.Reply.From,
		Body:    res.Reply.RawBody,
		Context: p.buildContext(res),
	}

	var classification *types.Classification
	err := retry.Do(ctx, p.opts.RetryMaxAttempts, p.opts.RetryBackoffBase, func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
		defer cancel()

		var err error
		classification, err = p.classifier.Classify(callCtx, req)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", classify.ErrUnavailable, err)
	}
	return classification, nil
}

// buildContext assembles the trailing conversation window for the
// classifier. The turn for the reply being classified is excluded.
func (p *Pipeline) buildContext(res *correlate.Resolution) []classify.ContextTurn {
	turns, err := p.store.RecentTurns(res.ThreadID, p.opts.ContextWindowSize+1)
	if err != nil {
		p.logger.WithError(err).WithField("thread_id", res.ThreadID).Warn("Failed to load conversation context")
		return nil
	}

	var window []classify.ContextTurn
	for _, turn := range turns {
		if turn.MessageID == res.Reply.MessageID {
			continue
		}
		switch turn.Direction {
		case types.TurnInbound:
			if r, err := p.store.GetReply(turn.MessageID); err == nil && r.RawBody != "" {
				window = append(window, classify.ContextTurn{Role: "customer", Text: snippet(r.RawBody, 400)})
			}
		case types.TurnSent:
			// Replies we dispatched are reachable through their draft; the
			// original campaign emails are recorded by hash only.
			if d, err := p.store.DraftBySentMessageID(turn.MessageID); err == nil && d.Body != "" {
				window = append(window, classify.ContextTurn{Role: "us", Text: snippet(d.Body, 400)})
			} else {
				window = append(window, classify.ContextTurn{Role: "us", Text: "(campaign email)"})
			}
		}
	}
	if len(window) > p.opts.ContextWindowSize {
		window = window[len(window)-p.opts.ContextWindowSize:]
	}
	return window
}

// markProcessed finalizes a reply. The idempotency guard tripping means a
// previous run already finished this reply; that is success.
func (p *Pipeline) markProcessed(messageID string) error {
	err := p.store.MarkReplyProcessed(messageID, time.Now())
	if errors.Is(err, store.ErrAlreadyProcessed) {
		p.logger.WithField("message_id", messageID).Debug("Reply was already processed")
		return nil
	}
	return err
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
