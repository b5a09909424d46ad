package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/smartreach/pkg/types"
)

func TestParseResult(t *testing.T) {
	t.Run("plain JSON", func(t *testing.T) {
		c, err := parseResult(`{"intent": "question", "confidence": 0.85, "suggested_reply": "It costs $10."}`)
		require.NoError(t, err)
		assert.Equal(t, types.IntentQuestion, c.Intent)
		assert.InDelta(t, 0.85, c.Confidence, 1e-9)
		assert.Equal(t, "It costs $10.", c.SuggestedReply)
	})

	t.Run("code fences are stripped", func(t *testing.T) {
		c, err := parseResult("```json\n{\"intent\": \"objection\", \"confidence\": 0.7, \"suggested_reply\": \"\"}\n```")
		require.NoError(t, err)
		assert.Equal(t, types.IntentObjection, c.Intent)
	})

	t.Run("bare fences are stripped", func(t *testing.T) {
		c, err := parseResult("```\n{\"intent\": \"spam\", \"confidence\": 0.99}\n```")
		require.NoError(t, err)
		assert.Equal(t, types.IntentSpam, c.Intent)
	})

	t.Run("confidence is clamped", func(t *testing.T) {
		c, err := parseResult(`{"intent": "question", "confidence": 1.7}`)
		require.NoError(t, err)
		assert.Equal(t, 1.0, c.Confidence)

		c, err = parseResult(`{"intent": "question", "confidence": -0.2}`)
		require.NoError(t, err)
		assert.Equal(t, 0.0, c.Confidence)
	})

	t.Run("made-up intent falls back to unknown", func(t *testing.T) {
		c, err := parseResult(`{"intent": "enthusiastic", "confidence": 0.9}`)
		require.NoError(t, err)
		assert.Equal(t, types.IntentUnknown, c.Intent)
	})

	t.Run("suggested reply is trimmed", func(t *testing.T) {
		c, err := parseResult(`{"intent": "positive", "confidence": 0.9, "suggested_reply": "  Thanks!  "}`)
		require.NoError(t, err)
		assert.Equal(t, "Thanks!", c.SuggestedReply)
	})

	t.Run("non-JSON output is an error", func(t *testing.T) {
		_, err := parseResult("I think the customer is asking a question.")
		assert.Error(t, err)
	})
}

func TestNewGenAIClassifierRequiresKey(t *testing.T) {
	_, err := NewGenAIClassifier("", "gemini-2.0-flash", "", "", nil)
	assert.Error(t, err)
}

func TestGenAIClassifierClose(t *testing.T) {
	var c GenAIClassifier
	assert.NoError(t, c.Close())
}
