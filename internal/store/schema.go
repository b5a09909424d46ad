package store

// Schema contains the SQL schema for the message store
const Schema = `
-- Campaign emails recorded at send time. Immutable; never deleted.
CREATE TABLE IF NOT EXISTS sent_emails (
    message_id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL,
    recipient TEXT NOT NULL,
    campaign_id TEXT NOT NULL,
    sent_at DATETIME NOT NULL,
    body_hash TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Inbound messages as seen by the poller. processed_at is set exactly once
-- by the pipeline via the check-and-set in MarkReplyProcessed.
CREATE TABLE IF NOT EXISTS inbound_replies (
    message_id TEXT PRIMARY KEY,
    uid INTEGER NOT NULL DEFAULT 0,
    in_reply_to TEXT,
    references_chain TEXT,
    from_addr TEXT NOT NULL,
    subject TEXT,
    received_at DATETIME NOT NULL,
    raw_body TEXT,
    processed_at DATETIME,
    orphaned INTEGER NOT NULL DEFAULT 0
);

-- Conversations keyed by thread id; turns are append-only and ordered by seq.
CREATE TABLE IF NOT EXISTS conversations (
    thread_id TEXT PRIMARY KEY,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS conversation_turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    thread_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    direction TEXT NOT NULL,
    message_id TEXT NOT NULL,
    intent TEXT,
    confidence REAL,
    suggested_reply TEXT,
    auto_replied INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (thread_id) REFERENCES conversations(thread_id),
    UNIQUE(thread_id, seq),
    UNIQUE(message_id)
);

CREATE TABLE IF NOT EXISTS escalations (
    id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL,
    reply_message_id TEXT,
    reason TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    edited_reply TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    resolved_at DATETIME,
    dispatched_at DATETIME
);

CREATE TABLE IF NOT EXISTS outbound_drafts (
    id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL,
    escalation_id TEXT,
    recipient TEXT NOT NULL,
    subject TEXT NOT NULL,
    body TEXT NOT NULL,
    in_reply_to TEXT,
    references_header TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    sent_at DATETIME,
    sent_message_id TEXT
);

-- At most one notification is ever sent per dedup key; the primary key
-- insert is the guard.
CREATE TABLE IF NOT EXISTS notification_ledger (
    dedup_key TEXT PRIMARY KEY,
    sent_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Single-row mailbox cursor.
CREATE TABLE IF NOT EXISTS poll_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    last_uid INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes for the hot paths
CREATE INDEX IF NOT EXISTS idx_sent_emails_thread_id ON sent_emails(thread_id);
CREATE INDEX IF NOT EXISTS idx_replies_unprocessed ON inbound_replies(received_at) WHERE processed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_replies_orphaned ON inbound_replies(orphaned) WHERE orphaned = 1;
CREATE INDEX IF NOT EXISTS idx_turns_thread_id ON conversation_turns(thread_id, seq);
CREATE INDEX IF NOT EXISTS idx_escalations_status ON escalations(status);
-- One escalation per reply, ever: the unique index makes escalation creation
-- idempotent across crash-retries.
CREATE UNIQUE INDEX IF NOT EXISTS idx_escalations_reply ON escalations(reply_message_id);
CREATE INDEX IF NOT EXISTS idx_drafts_status ON outbound_drafts(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_drafts_sent_message_id ON outbound_drafts(sent_message_id);
`
