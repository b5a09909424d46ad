package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/brandon/smartreach/pkg/types"
)

// ErrUnavailable means the AI service could not produce a classification.
// The pipeline routes such replies to human escalation; a reply is never
// silently dropped because the classifier was down.
var ErrUnavailable = errors.New("classification unavailable")

// ContextTurn is one prior exchange supplied to the classifier as context
type ContextTurn struct {
	Role string // "customer" or "us"
	Text string
}

// Request carries a reply body plus the trailing window of conversation
// context.
type Request struct {
	From    string
	Body    string
	Context []ContextTurn
}

// Classifier scores an inbound reply for intent and confidence
type Classifier interface {
	Classify(ctx context.Context, req *Request) (*types.Classification, error)
}

// rawResult is the JSON contract the model is instructed to return
type rawResult struct {
	Intent         string  `json:"intent"`
	Confidence     float64 `json:"confidence"`
	SuggestedReply string  `json:"suggested_reply"`
}

// parseResult decodes the model output into a Classification. Code fences
// are stripped first; models wrap JSON in them no matter what the prompt
// says.
func parseResult(output string) (*types.Classification, error) {
	output = strings.TrimSpace(output)
	output = strings.TrimPrefix(output, "```json")
	output = strings.TrimPrefix(output, "```")
	output = strings.TrimSuffix(output, "```")
	output = strings.TrimSpace(output)

	var raw rawResult
	if err := json.Unmarshal([]byte(output), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse classifier output: %w", err)
	}

	confidence := raw.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return &types.Classification{
		Intent:         types.ParseIntent(raw.Intent),
		Confidence:     confidence,
		SuggestedReply: strings.TrimSpace(raw.SuggestedReply),
	}, nil
}
