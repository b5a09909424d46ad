package mail

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/smartreach/internal/config"
)

// Transport sends outbound messages. Satisfied by SMTPClient; tests use a
// fake.
type Transport interface {
	Send(msg *Message) error
}

// Message represents an email to be sent. InReplyTo and References carry the
// original thread's headers so the recipient's client threads the reply
// correctly.
type Message struct {
	To         []string
	Subject    string
	BodyText   string
	BodyHTML   string
	MessageID  string
	InReplyTo  string
	References string
}

// SMTPClient wraps an SMTP client for the campaign mailbox
type SMTPClient struct {
	config  *config.AccountConfig
	logger  *logrus.Logger
	timeout time.Duration
}

// NewSMTPClient creates a new SMTP client
func NewSMTPClient(cfg *config.AccountConfig, timeout time.Duration, logger *logrus.Logger) *SMTPClient {
	return &SMTPClient{
		config:  cfg,
		logger:  logger,
		timeout: timeout,
	}
}

// Send sends an email. Port 465 uses implicit TLS, anything else STARTTLS.
func (c *SMTPClient) Send(msg *Message) error {
	emailBytes, err := c.createMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", c.config.SMTPHost, c.config.SMTPPort)
	tlsConfig := &tls.Config{
		ServerName: c.config.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}
	dialer := &net.Dialer{Timeout: c.timeout}

	var cl *smtp.Client
	if c.config.SMTPPort == 465 {
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err != nil {
			return fmt.Errorf("failed to connect to SMTP server: %w", err)
		}
		cl, err = smtp.NewClient(conn, c.config.SMTPHost)
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to create SMTP client: %w", err)
		}
	} else {
		conn, err := dialer.Dial("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to connect to SMTP server: %w", err)
		}
		conn.SetDeadline(time.Now().Add(c.timeout)) //nolint:errcheck
		cl, err = smtp.NewClient(conn, c.config.SMTPHost)
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to create SMTP client: %w", err)
		}
		if err := cl.StartTLS(tlsConfig); err != nil {
			cl.Close()
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	defer cl.Close()

	return c.submit(cl, msg.To, emailBytes)
}

// submit runs the SMTP transaction on an established client
func (c *SMTPClient) submit(cl *smtp.Client, recipients []string, emailBytes []byte) error {
	if c.config.SMTPPassword != "" {
		auth := smtp.PlainAuth("", c.config.SMTPUsername, c.config.SMTPPassword, c.config.SMTPHost)
		if err := cl.Auth(auth); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := cl.Mail(c.config.SMTPUsername); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, to := range recipients {
		if err := cl.Rcpt(to); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", to, err)
		}
	}

	w, err := cl.Data()
	if err != nil {
		return fmt.Errorf("failed to send data command: %w", err)
	}
	if _, err := w.Write(emailBytes); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return cl.Quit()
}

// createMessage creates an email message in MIME format
func (c *SMTPClient) createMessage(msg *Message) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("From: %s <%s>\r\n", c.config.FromName, c.config.SMTPUsername))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ", ")))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	if msg.MessageID != "" {
		buf.WriteString(fmt.Sprintf("Message-ID: %s\r\n", msg.MessageID))
	}
	if msg.InReplyTo != "" {
		buf.WriteString(fmt.Sprintf("In-Reply-To: %s\r\n", msg.InReplyTo))
	}
	if msg.References != "" {
		buf.WriteString(fmt.Sprintf("References: %s\r\n", msg.References))
	}

	if msg.BodyHTML != "" {
		buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
		buf.WriteString("\r\n")
		buf.WriteString(msg.BodyHTML)
	} else {
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		buf.WriteString("\r\n")
		buf.WriteString(msg.BodyText)
	}

	return buf.Bytes(), nil
}
