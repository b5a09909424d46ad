package store

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/smartreach/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testReply(messageID string, uid uint32) *types.InboundReply {
	return &types.InboundReply{
		MessageID:  messageID,
		UID:        uid,
		InReplyTo:  "<campaign-1@ours>",
		From:       "jane@example.com",
		Subject:    "Re: Our offer",
		ReceivedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(uid) * time.Minute),
		RawBody:    "What does it cost?",
	}
}

func TestInsertReply(t *testing.T) {
	s := newTestStore(t)

	t.Run("first insert succeeds", func(t *testing.T) {
		inserted, err := s.InsertReply(testReply("<r1@ext>", 11))
		require.NoError(t, err)
		assert.True(t, inserted)
	})

	t.Run("duplicate message id is a no-op", func(t *testing.T) {
		inserted, err := s.InsertReply(testReply("<r1@ext>", 11))
		require.NoError(t, err)
		assert.False(t, inserted)
	})

	t.Run("round trip preserves fields", func(t *testing.T) {
		in := testReply("<r2@ext>", 12)
		in.References = []string{"<campaign-1@ours>", "<other@ext>"}
		_, err := s.InsertReply(in)
		require.NoError(t, err)

		out, err := s.GetReply("<r2@ext>")
		require.NoError(t, err)
		assert.Equal(t, in.MessageID, out.MessageID)
		assert.Equal(t, in.UID, out.UID)
		assert.Equal(t, in.InReplyTo, out.InReplyTo)
		assert.Equal(t, in.References, out.References)
		assert.Equal(t, in.From, out.From)
		assert.Equal(t, in.RawBody, out.RawBody)
		assert.Nil(t, out.ProcessedAt)
		assert.False(t, out.Orphaned)
	})
}

func TestMarkReplyProcessed(t *testing.T) {
	s := newTestStore(t)
	_, err := s.InsertReply(testReply("<r1@ext>", 1))
	require.NoError(t, err)

	t.Run("first set succeeds", func(t *testing.T) {
		require.NoError(t, s.MarkReplyProcessed("<r1@ext>", time.Now()))

		r, err := s.GetReply("<r1@ext>")
		require.NoError(t, err)
		require.NotNil(t, r.ProcessedAt)
	})

	t.Run("second set trips the guard", func(t *testing.T) {
		err := s.MarkReplyProcessed("<r1@ext>", time.Now())
		assert.ErrorIs(t, err, ErrAlreadyProcessed)
	})

	t.Run("unknown reply", func(t *testing.T) {
		err := s.MarkReplyProcessed("<missing@ext>", time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUnprocessedReplies(t *testing.T) {
	s := newTestStore(t)

	// Inserted out of arrival order.
	for _, uid := range []uint32{3, 1, 2} {
		_, err := s.InsertReply(testReply(string(rune('a'+uid)), uid))
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkReplyProcessed("b", time.Now()))

	replies, err := s.UnprocessedReplies()
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, uint32(2), replies[0].UID)
	assert.Equal(t, uint32(3), replies[1].UID)
}

func TestMarkReplyOrphaned(t *testing.T) {
	s := newTestStore(t)
	_, err := s.InsertReply(testReply("<r1@ext>", 1))
	require.NoError(t, err)

	require.NoError(t, s.MarkReplyOrphaned("<r1@ext>"))
	assert.ErrorIs(t, s.MarkReplyOrphaned("<missing@ext>"), ErrNotFound)

	orphans, err := s.OrphanedReplies()
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.True(t, orphans[0].Orphaned)
}

func TestSentEmails(t *testing.T) {
	s := newTestStore(t)

	older := &types.SentEmail{
		MessageID:  "<m1@ours>",
		ThreadID:   "T1",
		Recipient:  "jane@example.com",
		CampaignID: "summer-launch",
		SentAt:     time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
		BodyHash:   "aaa",
	}
	newer := &types.SentEmail{
		MessageID:  "<m2@ours>",
		ThreadID:   "T2",
		Recipient:  "jane@example.com",
		CampaignID: "summer-launch",
		SentAt:     time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC),
		BodyHash:   "bbb",
	}
	require.NoError(t, s.RecordSentEmail(older))
	require.NoError(t, s.RecordSentEmail(newer))

	t.Run("re-recording is a no-op", func(t *testing.T) {
		changed := *older
		changed.ThreadID = "T9"
		require.NoError(t, s.RecordSentEmail(&changed))

		got, err := s.GetSentEmail("<m1@ours>")
		require.NoError(t, err)
		assert.Equal(t, "T1", got.ThreadID)
	})

	t.Run("unknown message id", func(t *testing.T) {
		_, err := s.GetSentEmail("<missing@ours>")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("latest by message ids prefers the newest", func(t *testing.T) {
		got, err := s.LatestSentByMessageIDs([]string{"<m1@ours>", "<m2@ours>", "<not-ours@ext>"})
		require.NoError(t, err)
		assert.Equal(t, "<m2@ours>", got.MessageID)
	})

	t.Run("latest by message ids with no match", func(t *testing.T) {
		_, err := s.LatestSentByMessageIDs([]string{"<not-ours@ext>"})
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.LatestSentByMessageIDs(nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAppendTurn(t *testing.T) {
	s := newTestStore(t)

	turn1, appended, err := s.AppendTurn("T1", types.TurnSent, "<m1@ours>")
	require.NoError(t, err)
	assert.True(t, appended)
	assert.Equal(t, 1, turn1.Seq)
	assert.Equal(t, types.TurnSent, turn1.Direction)

	turn2, appended, err := s.AppendTurn("T1", types.TurnInbound, "<r1@ext>")
	require.NoError(t, err)
	assert.True(t, appended)
	assert.Equal(t, 2, turn2.Seq)

	t.Run("re-appending returns the existing turn", func(t *testing.T) {
		again, appended, err := s.AppendTurn("T1", types.TurnInbound, "<r1@ext>")
		require.NoError(t, err)
		assert.False(t, appended)
		assert.Equal(t, turn2.ID, again.ID)
		assert.Equal(t, turn2.Seq, again.Seq)
	})

	t.Run("threads number independently", func(t *testing.T) {
		other, appended, err := s.AppendTurn("T2", types.TurnSent, "<m2@ours>")
		require.NoError(t, err)
		assert.True(t, appended)
		assert.Equal(t, 1, other.Seq)
	})

	t.Run("recent turns are chronological", func(t *testing.T) {
		turns, err := s.RecentTurns("T1", 10)
		require.NoError(t, err)
		require.Len(t, turns, 2)
		assert.Equal(t, "<m1@ours>", turns[0].MessageID)
		assert.Equal(t, "<r1@ext>", turns[1].MessageID)
	})
}

func TestAttachClassification(t *testing.T) {
	s := newTestStore(t)
	turn, _, err := s.AppendTurn("T1", types.TurnInbound, "<r1@ext>")
	require.NoError(t, err)

	first := &types.Classification{Intent: types.IntentQuestion, Confidence: 0.9, SuggestedReply: "It costs $10."}
	require.NoError(t, s.AttachClassification(turn.ID, first))

	// Write-once: a second attach must not overwrite the verdict.
	second := &types.Classification{Intent: types.IntentSpam, Confidence: 0.1}
	require.NoError(t, s.AttachClassification(turn.ID, second))

	got, err := s.TurnByMessageID("<r1@ext>")
	require.NoError(t, err)
	require.NotNil(t, got.Classification)
	assert.Equal(t, types.IntentQuestion, got.Classification.Intent)
	assert.InDelta(t, 0.9, got.Classification.Confidence, 1e-9)
	assert.Equal(t, "It costs $10.", got.Classification.SuggestedReply)
}

func TestAutoReplyCount(t *testing.T) {
	s := newTestStore(t)

	turn1, _, err := s.AppendTurn("T1", types.TurnSent, "<m1@ours>")
	require.NoError(t, err)
	_, _, err = s.AppendTurn("T1", types.TurnSent, "<m2@ours>")
	require.NoError(t, err)

	require.NoError(t, s.MarkTurnAutoReplied(turn1.ID))

	count, err := s.AutoReplyCount("T1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWatermark(t *testing.T) {
	s := newTestStore(t)

	uid, err := s.Watermark()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), uid)

	require.NoError(t, s.SetWatermark(42))
	uid, err = s.Watermark()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), uid)

	// Backward moves are refused.
	require.NoError(t, s.SetWatermark(10))
	uid, err = s.Watermark()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), uid)
}

func TestRecordNotification(t *testing.T) {
	s := newTestStore(t)

	recorded, err := s.RecordNotification("reply:T1:1754042400")
	require.NoError(t, err)
	assert.True(t, recorded)

	recorded, err = s.RecordNotification("reply:T1:1754042400")
	require.NoError(t, err)
	assert.False(t, recorded)

	recorded, err = s.RecordNotification("reply:T2:1754042400")
	require.NoError(t, err)
	assert.True(t, recorded)
}

func TestEscalationLifecycle(t *testing.T) {
	s := newTestStore(t)
	_, err := s.InsertReply(testReply("<r1@ext>", 1))
	require.NoError(t, err)

	esc := &types.Escalation{
		ID:             "E1",
		ThreadID:       "T1",
		ReplyMessageID: "<r1@ext>",
		Reason:         types.ReasonLowConfidence,
		Status:         types.EscalationPending,
	}
	created, err := s.CreateEscalation(esc)
	require.NoError(t, err)
	require.True(t, created)

	t.Run("a reply escalates at most once", func(t *testing.T) {
		retry := &types.Escalation{
			ID:             "E1-retry",
			ThreadID:       "T1",
			ReplyMessageID: "<r1@ext>",
			Reason:         types.ReasonObjection,
			Status:         types.EscalationPending,
		}
		created, err := s.CreateEscalation(retry)
		require.NoError(t, err)
		assert.False(t, created)

		pending, err := s.PendingEscalations()
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})

	t.Run("pending is visible", func(t *testing.T) {
		pending, err := s.PendingEscalations()
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "E1", pending[0].ID)

		has, err := s.HasPendingEscalation("T1")
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("approve moves it to the dispatch queue", func(t *testing.T) {
		require.NoError(t, s.ResolveEscalation("E1", types.EscalationApproved, "Edited answer."))

		has, err := s.HasPendingEscalation("T1")
		require.NoError(t, err)
		assert.False(t, has)

		queue, err := s.ApprovedUndispatched()
		require.NoError(t, err)
		require.Len(t, queue, 1)
		assert.Equal(t, "Edited answer.", queue[0].EditedReply)
		require.NotNil(t, queue[0].ResolvedAt)
	})

	t.Run("verdicts are never overwritten", func(t *testing.T) {
		err := s.ResolveEscalation("E1", types.EscalationRejected, "")
		assert.ErrorIs(t, err, ErrNotFound)

		got, err := s.GetEscalation("E1")
		require.NoError(t, err)
		assert.Equal(t, types.EscalationApproved, got.Status)
	})

	t.Run("dispatch is recorded once", func(t *testing.T) {
		require.NoError(t, s.MarkEscalationDispatched("E1"))
		assert.ErrorIs(t, s.MarkEscalationDispatched("E1"), ErrAlreadyProcessed)

		queue, err := s.ApprovedUndispatched()
		require.NoError(t, err)
		assert.Empty(t, queue)
	})

	t.Run("invalid resolution status", func(t *testing.T) {
		err := s.ResolveEscalation("E1", types.EscalationPending, "")
		assert.Error(t, err)
	})
}

func TestDraftLifecycle(t *testing.T) {
	s := newTestStore(t)

	draft := &types.Draft{
		ID:        "D1",
		ThreadID:  "T1",
		Recipient: "jane@example.com",
		Subject:   "Re: Our offer",
		Body:      "<html><body>answer</body></html>",
		Status:    types.DraftPending,
	}
	require.NoError(t, s.CreateDraft(draft))

	pending, err := s.PendingDrafts()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	t.Run("failure keeps the draft with its error", func(t *testing.T) {
		require.NoError(t, s.MarkDraftFailed("D1", 3, "smtp: connection refused"))

		failed, err := s.FailedDrafts()
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, 3, failed[0].Attempts)
		assert.Equal(t, "smtp: connection refused", failed[0].LastError)

		pending, err := s.PendingDrafts()
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("requeue returns it to pending", func(t *testing.T) {
		require.NoError(t, s.RequeueDraft("D1"))

		pending, err := s.PendingDrafts()
		require.NoError(t, err)
		require.Len(t, pending, 1)

		// Only failed drafts can be requeued.
		assert.ErrorIs(t, s.RequeueDraft("D1"), ErrNotFound)
	})

	t.Run("sent is terminal", func(t *testing.T) {
		require.NoError(t, s.MarkDraftSent("D1", time.Now(), "<out1@ours>"))

		got, err := s.GetDraft("D1")
		require.NoError(t, err)
		assert.Equal(t, types.DraftSent, got.Status)
		require.NotNil(t, got.SentAt)
		assert.Equal(t, "<out1@ours>", got.SentMessageID)
		assert.Empty(t, got.LastError)
	})

	t.Run("reachable by sent message id", func(t *testing.T) {
		got, err := s.DraftBySentMessageID("<out1@ours>")
		require.NoError(t, err)
		assert.Equal(t, "D1", got.ID)

		_, err = s.DraftBySentMessageID("<missing@ours>")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSummary(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RecordSentEmail(&types.SentEmail{
		MessageID: "<m1@ours>", ThreadID: "T1", Recipient: "jane@example.com",
		CampaignID: "c1", SentAt: time.Now(), BodyHash: "aaa",
	}))
	_, err := s.InsertReply(testReply("<r1@ext>", 1))
	require.NoError(t, err)
	require.NoError(t, s.MarkReplyOrphaned("<r1@ext>"))

	sum, err := s.Summary()
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TotalSent)
	assert.Equal(t, 1, sum.UnprocessedReplies)
	assert.Equal(t, 1, sum.OrphanedReplies)
	assert.Equal(t, 0, sum.PendingEscalations)
}
