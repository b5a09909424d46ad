package types

import "time"

// Intent is the classified intent of an inbound reply.
type Intent string

const (
	IntentQuestion  Intent = "question"
	IntentObjection Intent = "objection"
	IntentPositive  Intent = "positive"
	IntentSpam      Intent = "spam"
	IntentUnknown   Intent = "unknown"
)

// ParseIntent maps a raw intent string to a known Intent, falling back to
// IntentUnknown for anything the classifier made up.
func ParseIntent(s string) Intent {
	switch Intent(s) {
	case IntentQuestion, IntentObjection, IntentPositive, IntentSpam:
		return Intent(s)
	default:
		return IntentUnknown
	}
}

// SentEmail is the record of a campaign email at the moment it was sent.
// Immutable after creation; never deleted (audit trail).
type SentEmail struct {
	MessageID  string    `json:"message_id"`
	ThreadID   string    `json:"thread_id"`
	Recipient  string    `json:"recipient"`
	CampaignID string    `json:"campaign_id"`
	SentAt     time.Time `json:"sent_at"`
	BodyHash   string    `json:"body_hash"`
}

// InboundReply is an inbound message as stored by the poller.
// ProcessedAt is set exactly once by the pipeline; a non-nil value means the
// reply has already been through classification and policy evaluation.
type InboundReply struct {
	MessageID   string     `json:"message_id"`
	UID         uint32     `json:"uid"`
	InReplyTo   string     `json:"in_reply_to,omitempty"`
	References  []string   `json:"references,omitempty"`
	From        string     `json:"from"`
	Subject     string     `json:"subject"`
	ReceivedAt  time.Time  `json:"received_at"`
	RawBody     string     `json:"raw_body,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Orphaned    bool       `json:"orphaned,omitempty"`
}

// Classification is the AI verdict attached to a conversation turn.
// Never mutated after attachment.
type Classification struct {
	Intent         Intent  `json:"intent"`
	Confidence     float64 `json:"confidence"`
	SuggestedReply string  `json:"suggested_reply,omitempty"`
}

// TurnDirection distinguishes sent campaign mail from inbound replies within
// a conversation.
type TurnDirection string

const (
	TurnSent    TurnDirection = "sent"
	TurnInbound TurnDirection = "inbound"
)

// Turn is one entry in a conversation's append-only sequence.
type Turn struct {
	ID             int64           `json:"id"`
	ThreadID       string          `json:"thread_id"`
	Seq            int             `json:"seq"`
	Direction      TurnDirection   `json:"direction"`
	MessageID      string          `json:"message_id"`
	AutoReplied    bool            `json:"auto_replied"`
	Classification *Classification `json:"classification,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// EscalationStatus is the lifecycle state of an escalation record.
type EscalationStatus string

const (
	EscalationPending      EscalationStatus = "pending"
	EscalationApproved     EscalationStatus = "approved"
	EscalationRejected     EscalationStatus = "rejected"
	EscalationAutoResolved EscalationStatus = "auto-resolved"
)

// Escalation routes a reply to human review instead of automatic response.
// Status transitions pending -> approved|rejected are made by the approval
// workflow, not the pipeline.
type Escalation struct {
	ID             string           `json:"id"`
	ThreadID       string           `json:"thread_id"`
	ReplyMessageID string           `json:"reply_message_id"`
	Reason         string           `json:"reason"`
	Status         EscalationStatus `json:"status"`
	EditedReply    string           `json:"edited_reply,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	ResolvedAt     *time.Time       `json:"resolved_at,omitempty"`
}

// Escalation reasons produced by the policy engine.
const (
	ReasonLowConfidence     = "low-confidence"
	ReasonObjection         = "objection"
	ReasonMaxAutoTurns      = "max-auto-turns"
	ReasonUnavailable       = "classification-unavailable"
	ReasonPendingEscalation = "pending-escalation"
)

// DraftStatus is the delivery state of an outbound draft.
type DraftStatus string

const (
	DraftPending DraftStatus = "pending"
	DraftSent    DraftStatus = "sent"
	DraftFailed  DraftStatus = "failed"
)

// Draft is an outbound reply awaiting (or having failed) transport delivery.
// Failed drafts keep their error text and are surfaced for manual retry.
type Draft struct {
	ID           string      `json:"id"`
	ThreadID     string      `json:"thread_id"`
	EscalationID string      `json:"escalation_id,omitempty"`
	Recipient    string      `json:"recipient"`
	Subject      string      `json:"subject"`
	Body         string      `json:"body"`
	InReplyTo    string      `json:"in_reply_to,omitempty"`
	References   string      `json:"references,omitempty"`
	Status       DraftStatus `json:"status"`
	Attempts     int         `json:"attempts"`
	LastError    string      `json:"last_error,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	SentAt       *time.Time  `json:"sent_at,omitempty"`
	// SentMessageID is the Message-ID the draft was delivered under
	SentMessageID string `json:"sent_message_id,omitempty"`
}

// Summary backs the operator status view.
type Summary struct {
	TotalSent          int `json:"total_sent"`
	UnprocessedReplies int `json:"unprocessed_replies"`
	OrphanedReplies    int `json:"orphaned_replies"`
	AutoResponded      int `json:"auto_responded"`
	PendingEscalations int `json:"pending_escalations"`
	FailedDrafts       int `json:"failed_drafts"`
}
