package classify

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"github.com/brandon/smartreach/pkg/types"
)

// GenAIClassifier scores replies using Google's Gemini API
type GenAIClassifier struct {
	client             *genai.Client
	model              string
	productOffer       string
	productDescription string
	logger             *logrus.Logger
}

// NewGenAIClassifier creates a new Gemini-backed classifier
func NewGenAIClassifier(apiKey, model, productOffer, productDescription string, logger *logrus.Logger) (*GenAIClassifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIClassifier{
		client:             client,
		model:              model,
		productOffer:       productOffer,
		productDescription: productDescription,
		logger:             logger,
	}, nil
}

// Classify sends the reply and its context window to the model and parses
// the JSON verdict. Any transport or parse failure is wrapped in
// ErrUnavailable so callers route to escalation instead of guessing.
func (c *GenAIClassifier) Classify(ctx context.Context, req *Request) (*types.Classification, error) {
	prompt := c.buildPrompt(req)

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.2),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	output := result.Text()
	if output == "" {
		return nil, fmt.Errorf("%w: empty model response", ErrUnavailable)
	}

	classification, err := parseResult(output)
	if err != nil {
		c.logger.WithError(err).WithField("output", output).Warn("Unparseable classifier output")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return classification, nil
}

// Close releases the classifier. The genai client keeps no connections that
// need teardown; the hook exists so callers can defer a cleanup.
func (c *GenAIClassifier) Close() error {
	return nil
}

// buildPrompt assembles the classification prompt from the product info,
// the conversation context window, and the reply body.
func (c *GenAIClassifier) buildPrompt(req *Request) string {
	var b strings.Builder

	b.WriteString("You are a customer service assistant for an email marketing campaign.\n")
	b.WriteString("Classify the customer's reply and draft a response.\n\n")

	if c.productOffer != "" || c.productDescription != "" {
		b.WriteString("PRODUCT/SERVICE INFO:\n")
		if c.productOffer != "" {
			fmt.Fprintf(&b, "Offer: %s\n", c.productOffer)
		}
		if c.productDescription != "" {
			fmt.Fprintf(&b, "Description: %s\n", c.productDescription)
		}
		b.WriteString("\n")
	}

	if len(req.Context) > 0 {
		b.WriteString("CONVERSATION SO FAR:\n")
		for _, turn := range req.Context {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Text)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "CUSTOMER REPLY (from %s):\n%s\n\n", req.From, req.Body)

	b.WriteString("Respond with a single JSON object and nothing else:\n")
	b.WriteString(`{"intent": "question|objection|positive|spam|unknown", "confidence": 0.0-1.0, "suggested_reply": "..."}` + "\n")
	b.WriteString("Rules:\n")
	b.WriteString("1. intent is the customer's intent; confidence is how sure you are.\n")
	b.WriteString("2. suggested_reply is a short, professional plain-text answer using only the product info above.\n")
	b.WriteString("3. If the product info cannot answer the question, leave suggested_reply empty and lower the confidence.\n")
	b.WriteString("4. Never invent prices, dates, or commitments.\n")

	return b.String()
}
