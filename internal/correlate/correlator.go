// Package correlate maps inbound replies to the conversations of the
// campaign emails they answer.
package correlate

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/smartreach/internal/store"
	"github.com/brandon/smartreach/pkg/types"
)

// Correlator resolves inbound replies against sent campaign emails
type Correlator struct {
	store  *store.Store
	logger *logrus.Logger
}

// Resolution is the outcome of correlating one reply
type Resolution struct {
	Reply    *types.InboundReply
	ThreadID string
	Turn     *types.Turn
	// Appended is false when the turn already existed (crash-retry)
	Appended bool
	// Orphaned means no sent email matched; the reply is stored for manual
	// triage and excluded from automated response
	Orphaned bool
}

// NewCorrelator creates a new correlator
func NewCorrelator(s *store.Store, logger *logrus.Logger) *Correlator {
	return &Correlator{
		store:  s,
		logger: logger,
	}
}

// Resolve correlates a reply to its conversation and appends it as a turn.
// Resolution is deterministic: (1) exact In-Reply-To match against a sent
// message id; (2) the most recently sent email named in the References
// chain; (3) orphan. Re-resolving an already-appended reply returns the
// existing turn without creating a duplicate.
func (c *Correlator) Resolve(reply *types.InboundReply) (*Resolution, error) {
	// A turn referencing this message id means a previous run already
	// resolved it; reuse that resolution.
	if turn, err := c.store.TurnByMessageID(reply.MessageID); err == nil {
		return &Resolution{
			Reply:    reply,
			ThreadID: turn.ThreadID,
			Turn:     turn,
			Appended: false,
		}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up existing turn: %w", err)
	}

	sent, err := c.match(reply)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.logger.WithFields(logrus.Fields{
				"message_id":  reply.MessageID,
				"in_reply_to": reply.InReplyTo,
			}).Info("Reply matches no sent email, flagging as orphaned")
			return &Resolution{Reply: reply, Orphaned: true}, nil
		}
		return nil, err
	}

	turn, appended, err := c.store.AppendTurn(sent.ThreadID, types.TurnInbound, reply.MessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to append turn: %w", err)
	}

	return &Resolution{
		Reply:    reply,
		ThreadID: sent.ThreadID,
		Turn:     turn,
		Appended: appended,
	}, nil
}

// match applies the resolution order against the sent-email records
func (c *Correlator) match(reply *types.InboundReply) (*types.SentEmail, error) {
	if reply.InReplyTo != "" {
		sent, err := c.store.GetSentEmail(reply.InReplyTo)
		if err == nil {
			return sent, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to match In-Reply-To: %w", err)
		}
	}

	if len(reply.References) > 0 {
		sent, err := c.store.LatestSentByMessageIDs(reply.References)
		if err == nil {
			return sent, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to match References: %w", err)
		}
	}

	return nil, store.ErrNotFound
}
