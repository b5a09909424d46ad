// Package poller runs the periodic mailbox ingestion cycle.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/smartreach/internal/retry"
	"github.com/brandon/smartreach/internal/store"
	"github.com/brandon/smartreach/pkg/types"
)

// Mailbox fetches inbound messages newer than a UID watermark. Satisfied by
// mail.IMAPClient; tests use a fake.
type Mailbox interface {
	FetchSince(mailbox string, sinceUID uint32) (replies []*types.InboundReply, maxUID uint32, err error)
	Close() error
}

// Processor is the downstream pipeline run after each ingestion cycle
type Processor interface {
	RunCycle(ctx context.Context) error
}

// Options configure the poll loop
type Options struct {
	Interval         time.Duration
	MailboxName      string
	RetryMaxAttempts int
	RetryBackoffBase time.Duration
}

// Poller ingests new mailbox messages on a fixed interval and hands them to
// the processor. Cycles are single-flight: a tick that fires while the
// previous cycle is still running is skipped.
type Poller struct {
	mailbox   Mailbox
	store     *store.Store
	processor Processor
	opts      Options
	logger    *logrus.Logger

	cycleMu sync.Mutex
}

// New creates a poller
func New(mailbox Mailbox, s *store.Store, processor Processor, opts Options, logger *logrus.Logger) *Poller {
	return &Poller{
		mailbox:   mailbox,
		store:     s,
		processor: processor,
		opts:      opts,
		logger:    logger,
	}
}

// Run executes cycles until the context is cancelled. The first cycle runs
// immediately.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.Cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Cycle(ctx)
		}
	}
}

// Cycle runs one ingest-then-process pass. Ingestion failure after
// exhausted retries is fatal for this cycle only: it is logged and the
// processor still runs over whatever is already stored.
func (p *Poller) Cycle(ctx context.Context) {
	if !p.cycleMu.TryLock() {
		p.logger.Warn("Previous poll cycle still running, skipping tick")
		return
	}
	defer p.cycleMu.Unlock()

	start := time.Now()
	inserted, err := p.ingest(ctx)
	if err != nil {
		p.logger.WithError(err).Error("Mailbox ingestion failed for this cycle")
	} else if inserted > 0 {
		p.logger.WithFields(logrus.Fields{
			"new_replies": inserted,
			"elapsed":     time.Since(start).Round(time.Millisecond).String(),
		}).Info("Ingested new replies")
	}

	if err := p.processor.RunCycle(ctx); err != nil && ctx.Err() == nil {
		p.logger.WithError(err).Error("Reply processing failed for this cycle")
	}
}

// ingest fetches messages above the watermark, stores them, then advances
// the watermark. A crash before the advance re-fetches the same batch next
// cycle; insertion is idempotent on message id so that is safe.
func (p *Poller) ingest(ctx context.Context) (int, error) {
	watermark, err := p.store.Watermark()
	if err != nil {
		return 0, err
	}

	var replies []*types.InboundReply
	var maxUID uint32
	err = retry.Do(ctx, p.opts.RetryMaxAttempts, p.opts.RetryBackoffBase, func() error {
		var fetchErr error
		replies, maxUID, fetchErr = p.mailbox.FetchSince(p.opts.MailboxName, watermark)
		return fetchErr
	})
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, reply := range replies {
		ok, err := p.store.InsertReply(reply)
		if err != nil {
			// Stop before advancing the watermark past an unstored message.
			return inserted, err
		}
		if ok {
			inserted++
		}
	}

	// The whole batch is durable; only now may the cursor move.
	if maxUID > watermark {
		if err := p.store.SetWatermark(maxUID); err != nil {
			return inserted, err
		}
	}

	return inserted, nil
}
