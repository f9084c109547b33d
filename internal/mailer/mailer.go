// Package mailer provides the outbound mail transport used for one-time
// code delivery. Callers treat send failures as non-fatal: the OTP
// challenge is recorded whether or not the message left the building.
package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

// Mailer delivers a single HTML message to one recipient
type Mailer interface {
	Send(ctx context.Context, to, subject, html string) error
}

// Config holds SMTP relay configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// SMTPMailer implements Mailer over an authenticated SMTP relay
type SMTPMailer struct {
	cfg Config
}

// NewSMTPMailer creates a new SMTPMailer instance
func NewSMTPMailer(cfg Config) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// Send delivers the message. The context deadline is honored by running
// the SMTP dialog in a goroutine; the dialog itself cannot be cancelled
// midway, so a timed-out call may still deliver.
func (m *SMTPMailer) Send(ctx context.Context, to, subject, html string) error {
	msg := buildMessage(m.cfg.From, to, subject, html)
	addr := m.cfg.Host + ":" + m.cfg.Port

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, m.cfg.From, []string{to}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send to %s: %w", maskRecipient(to), err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildMessage assembles an RFC 5322 message with an HTML body
func buildMessage(from, to, subject, html string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(html)
	return []byte(b.String())
}

// maskRecipient keeps error messages free of full addresses
func maskRecipient(to string) string {
	at := strings.IndexByte(to, '@')
	if at <= 1 {
		return "***"
	}
	return to[:1] + "***" + to[at:]
}
