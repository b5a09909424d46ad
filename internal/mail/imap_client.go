package mail

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/brandon/smartreach/internal/config"
	"github.com/brandon/smartreach/pkg/types"
)

// IMAPClient wraps an IMAP client connection to the campaign mailbox
type IMAPClient struct {
	config    *config.AccountConfig
	client    *client.Client
	logger    *logrus.Logger
	timeout   time.Duration
	connected bool
}

// NewIMAPClient creates a new IMAP client (does not connect immediately)
func NewIMAPClient(cfg *config.AccountConfig, timeout time.Duration, logger *logrus.Logger) *IMAPClient {
	return &IMAPClient{
		config:  cfg,
		logger:  logger,
		timeout: timeout,
	}
}

// Connect establishes a connection to the IMAP server
func (c *IMAPClient) Connect() error {
	if c.connected && c.client != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", c.config.IMAPHost, c.config.IMAPPort)

	cl, err := client.DialTLS(addr, &tls.Config{
		ServerName: c.config.IMAPHost,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	cl.Timeout = c.timeout

	c.client = cl

	if err := c.client.Login(c.config.IMAPUsername, c.config.IMAPPassword); err != nil {
		c.logger.WithError(err).Error("Failed to login to IMAP server")
		c.client.Logout() //nolint:errcheck
		c.client = nil
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	c.connected = true
	c.logger.WithField("host", c.config.IMAPHost).Info("Connected to IMAP server")
	return nil
}

// Close closes the IMAP connection
func (c *IMAPClient) Close() error {
	if c.client != nil {
		if err := c.client.Logout(); err != nil {
			return err
		}
		c.client = nil
		c.connected = false
	}
	return nil
}

// FetchSince fetches messages with UID strictly greater than sinceUID from
// the configured mailbox. Only messages carrying reply headers (In-Reply-To
// or References) are returned; everything else in the inbox is not a reply
// to anything we sent. maxUID covers every examined message, including
// skipped ones, so the caller's watermark does not re-examine them forever.
func (c *IMAPClient) FetchSince(mailbox string, sinceUID uint32) (replies []*types.InboundReply, maxUID uint32, err error) {
	if err := c.Connect(); err != nil {
		return nil, 0, err
	}

	mbox, err := c.client.Select(mailbox, true)
	if err != nil {
		c.dropConnection()
		return nil, 0, fmt.Errorf("failed to select mailbox: %w", err)
	}
	if mbox.Messages == 0 {
		return nil, 0, nil
	}

	// Search first: a bare UID range fetch of n:* returns the last message
	// even when n is past the end of the mailbox.
	uidRange := new(imap.SeqSet)
	uidRange.AddRange(sinceUID+1, 0)
	criteria := imap.NewSearchCriteria()
	criteria.Uid = uidRange

	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		c.dropConnection()
		return nil, 0, fmt.Errorf("failed to search mailbox: %w", err)
	}
	if len(uids) == 0 {
		return nil, 0, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid, imap.FetchRFC822}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.client.UidFetch(seqSet, items, messages)
	}()

	for msg := range messages {
		if msg.Uid > maxUID {
			maxUID = msg.Uid
		}
		reply := c.parseMessage(msg)
		if reply == nil {
			continue
		}
		if reply.InReplyTo == "" && len(reply.References) == 0 {
			continue
		}
		replies = append(replies, reply)
	}

	if err := <-done; err != nil {
		c.dropConnection()
		return nil, 0, fmt.Errorf("failed to fetch messages: %w", err)
	}

	return replies, maxUID, nil
}

// parseMessage parses an IMAP message into an InboundReply
func (c *IMAPClient) parseMessage(msg *imap.Message) *types.InboundReply {
	if msg.Envelope == nil {
		c.logger.WithField("uid", msg.Uid).Warn("Message has no envelope, skipping")
		return nil
	}

	reply := &types.InboundReply{
		MessageID:  msg.Envelope.MessageId,
		UID:        msg.Uid,
		InReplyTo:  msg.Envelope.InReplyTo,
		Subject:    msg.Envelope.Subject,
		ReceivedAt: msg.InternalDate,
	}
	if reply.MessageID == "" {
		c.logger.WithField("uid", msg.Uid).Warn("Message has no Message-ID, skipping")
		return nil
	}

	if len(msg.Envelope.From) > 0 {
		reply.From = strings.ToLower(msg.Envelope.From[0].Address())
	}

	bodyBytes := c.readBody(msg)
	if len(bodyBytes) > 0 {
		env, err := enmime.ReadEnvelope(bytes.NewReader(bodyBytes))
		if err == nil {
			reply.RawBody = strings.TrimSpace(env.Text)
			// References is not part of the IMAP envelope; pull it from the
			// parsed headers. In-Reply-To from the envelope can be empty on
			// some servers, so fall back to the header too.
			if refs := env.GetHeader("References"); refs != "" {
				reply.References = strings.Fields(refs)
			}
			if reply.InReplyTo == "" {
				reply.InReplyTo = strings.TrimSpace(env.GetHeader("In-Reply-To"))
			}
		} else {
			reply.RawBody = string(bodyBytes)
			c.logger.WithError(err).WithField("uid", msg.Uid).Debug("Failed to parse MIME, using raw body")
		}
	}

	return reply
}

// readBody extracts the RFC822 content from whichever body section the
// server returned it under.
func (c *IMAPClient) readBody(msg *imap.Message) []byte {
	if msg.Body == nil {
		return nil
	}

	if literal, ok := msg.Body[nil]; ok {
		return c.readLiteralToBytes(literal)
	}
	emptySection := &imap.BodySectionName{}
	if literal, ok := msg.Body[emptySection]; ok {
		return c.readLiteralToBytes(literal)
	}
	for _, literal := range msg.Body {
		if b := c.readLiteralToBytes(literal); len(b) > 0 {
			return b
		}
	}
	return nil
}

// readLiteralToBytes reads content from an IMAP literal and returns bytes
func (c *IMAPClient) readLiteralToBytes(literal imap.Literal) []byte {
	bodyBytes := make([]byte, 0, 8192)
	buf := make([]byte, 1024)
	for {
		n, err := literal.Read(buf)
		if n > 0 {
			bodyBytes = append(bodyBytes, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			c.logger.WithError(err).Error("Error reading literal")
			break
		}
	}
	return bodyBytes
}

// dropConnection discards a connection after an IO error so the next call
// reconnects cleanly.
func (c *IMAPClient) dropConnection() {
	if c.client != nil {
		c.client.Logout() //nolint:errcheck
	}
	c.client = nil
	c.connected = false
}
