package dispatch

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/smartreach/internal/mail"
	"github.com/brandon/smartreach/internal/store"
	"github.com/brandon/smartreach/pkg/types"
)

type fakeTransport struct {
	sent []*mail.Message
	err  error
}

func (f *fakeTransport) Send(msg *mail.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func newFixture(t *testing.T) (*store.Store, *fakeTransport, *Dispatcher) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	transport := &fakeTransport{}
	return s, transport, NewDispatcher(s, transport, "ours.example.com", 2, time.Millisecond, logger)
}

func pendingDraft(threadID string) *types.Draft {
	return &types.Draft{
		ID:         "D1",
		ThreadID:   threadID,
		Recipient:  "jane@example.com",
		Subject:    "Re: Our offer",
		Body:       "The starter plan is $10 per month.",
		InReplyTo:  "<r1@ext>",
		References: "<m1@ours> <r1@ext>",
		Status:     types.DraftPending,
	}
}

func TestSendDraft(t *testing.T) {
	s, transport, d := newFixture(t)
	ctx := context.Background()

	draft := pendingDraft("T1")
	require.NoError(t, s.CreateDraft(draft))
	require.NoError(t, d.SendDraft(ctx, draft, true))

	t.Run("message is threaded and framed", func(t *testing.T) {
		require.Len(t, transport.sent, 1)
		msg := transport.sent[0]
		assert.Equal(t, []string{"jane@example.com"}, msg.To)
		assert.Equal(t, "<r1@ext>", msg.InReplyTo)
		assert.Equal(t, "<m1@ours> <r1@ext>", msg.References)
		assert.Contains(t, msg.MessageID, "@ours.example.com>")
		assert.Contains(t, msg.BodyHTML, "Hi Jane,")
		assert.Contains(t, msg.BodyHTML, "The starter plan is $10 per month.")
	})

	t.Run("draft is finalized", func(t *testing.T) {
		got, err := s.GetDraft("D1")
		require.NoError(t, err)
		assert.Equal(t, types.DraftSent, got.Status)
		assert.Equal(t, transport.sent[0].MessageID, got.SentMessageID)
	})

	t.Run("sent email recorded for future correlation", func(t *testing.T) {
		sent, err := s.GetSentEmail(transport.sent[0].MessageID)
		require.NoError(t, err)
		assert.Equal(t, "T1", sent.ThreadID)
		assert.Equal(t, "jane@example.com", sent.Recipient)
		assert.NotEmpty(t, sent.BodyHash)
	})

	t.Run("turn appended and counted against the auto budget", func(t *testing.T) {
		turn, err := s.TurnByMessageID(transport.sent[0].MessageID)
		require.NoError(t, err)
		assert.Equal(t, types.TurnSent, turn.Direction)
		assert.True(t, turn.AutoReplied)

		count, err := s.AutoReplyCount("T1")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestSendDraftFailure(t *testing.T) {
	s, transport, d := newFixture(t)
	transport.err = errors.New("smtp: connection refused")

	draft := pendingDraft("T1")
	require.NoError(t, s.CreateDraft(draft))

	err := d.SendDraft(context.Background(), draft, true)
	require.Error(t, err)

	got, err := s.GetDraft("D1")
	require.NoError(t, err)
	assert.Equal(t, types.DraftFailed, got.Status)
	assert.Contains(t, got.LastError, "connection refused")

	// Nothing was recorded as sent.
	count, err := s.AutoReplyCount("T1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDispatchApproved(t *testing.T) {
	s, transport, d := newFixture(t)
	ctx := context.Background()

	_, err := s.InsertReply(&types.InboundReply{
		MessageID:  "<r1@ext>",
		From:       "jane@example.com",
		Subject:    "Re: Our offer",
		References: []string{"<m1@ours>"},
		ReceivedAt: time.Now(),
	})
	require.NoError(t, err)

	_, err = s.CreateEscalation(&types.Escalation{
		ID:             "E1",
		ThreadID:       "T1",
		ReplyMessageID: "<r1@ext>",
		Reason:         types.ReasonLowConfidence,
		Status:         types.EscalationPending,
	})
	require.NoError(t, err)
	require.NoError(t, s.ResolveEscalation("E1", types.EscalationApproved, "Here is the edited answer."))

	require.NoError(t, d.DispatchApproved(ctx))

	t.Run("edited reply is delivered", func(t *testing.T) {
		require.Len(t, transport.sent, 1)
		msg := transport.sent[0]
		assert.Equal(t, "Re: Our offer", msg.Subject)
		assert.Equal(t, "<r1@ext>", msg.InReplyTo)
		assert.Contains(t, msg.BodyHTML, "Here is the edited answer.")
		assert.Contains(t, msg.BodyHTML, "Hi Jane,")
	})

	t.Run("escalation is consumed", func(t *testing.T) {
		queue, err := s.ApprovedUndispatched()
		require.NoError(t, err)
		assert.Empty(t, queue)
	})

	t.Run("second pass sends nothing", func(t *testing.T) {
		require.NoError(t, d.DispatchApproved(ctx))
		assert.Len(t, transport.sent, 1)
	})
}

func TestDispatchApprovedWithoutBody(t *testing.T) {
	s, transport, d := newFixture(t)

	_, err := s.InsertReply(&types.InboundReply{
		MessageID:  "<r1@ext>",
		From:       "jane@example.com",
		ReceivedAt: time.Now(),
	})
	require.NoError(t, err)

	// Approved with no edit and no AI draft to fall back on.
	_, err = s.CreateEscalation(&types.Escalation{
		ID:             "E1",
		ThreadID:       "T1",
		ReplyMessageID: "<r1@ext>",
		Reason:         types.ReasonUnavailable,
		Status:         types.EscalationPending,
	})
	require.NoError(t, err)
	require.NoError(t, s.ResolveEscalation("E1", types.EscalationApproved, ""))

	require.NoError(t, d.DispatchApproved(context.Background()))
	assert.Empty(t, transport.sent)

	// Still queued; the operator must supply a body.
	queue, err := s.ApprovedUndispatched()
	require.NoError(t, err)
	assert.Len(t, queue, 1)
}

func TestFlushPending(t *testing.T) {
	s, transport, d := newFixture(t)

	require.NoError(t, s.CreateDraft(pendingDraft("T1")))

	require.NoError(t, d.FlushPending(context.Background()))
	assert.Len(t, transport.sent, 1)

	got, err := s.GetDraft("D1")
	require.NoError(t, err)
	assert.Equal(t, types.DraftSent, got.Status)
}

func TestReplySubject(t *testing.T) {
	assert.Equal(t, "Re: Our offer", ReplySubject("Our offer"))
	assert.Equal(t, "Re: Our offer", ReplySubject("Re: Our offer"))
	assert.Equal(t, "RE: Our offer", ReplySubject("RE: Our offer"))
	assert.Equal(t, "Re: your inquiry", ReplySubject(""))
}

func TestReferencesHeader(t *testing.T) {
	reply := &types.InboundReply{
		MessageID:  "<r1@ext>",
		References: []string{"<m1@ours>", "<m2@ours>"},
	}
	assert.Equal(t, "<m1@ours> <m2@ours> <r1@ext>", ReferencesHeader(reply))

	bare := &types.InboundReply{MessageID: "<r2@ext>"}
	assert.Equal(t, "<r2@ext>", ReferencesHeader(bare))
}

func TestWrapReplyBody(t *testing.T) {
	body := WrapReplyBody("jane@example.com", "It costs $10.")
	assert.Contains(t, body, "Hi Jane,")
	assert.Contains(t, body, "It costs $10.")
	assert.Contains(t, body, "Customer Service Team")

	assert.Contains(t, WrapReplyBody("@", "x"), "Hi there,")
}
