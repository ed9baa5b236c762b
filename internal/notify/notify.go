// Package notify delivers rule notifications by mail.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/gomail.v2"
)

// Notification is one message to an event creator. From is the calendar
// owner the message is sent on behalf of.
type Notification struct {
	Subject string
	To      string
	From    string
	Body    string
}

// Sender delivers notifications.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// FromAddress is the envelope sender. When set, the owner address moves to
	// Reply-To so the relay does not have to send as arbitrary users.
	FromAddress string
}

// SMTPSender sends notifications through an SMTP relay.
type SMTPSender struct {
	config SMTPConfig
	send   func(m *gomail.Message) error
}

func NewSMTPSender(config SMTPConfig) *SMTPSender {
	dialer := gomail.NewDialer(config.Host, config.Port, config.Username, config.Password)
	return &SMTPSender{config: config, send: func(m *gomail.Message) error {
		return dialer.DialAndSend(m)
	}}
}

func (s *SMTPSender) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.To == "" {
		return errors.New("notification has no recipient")
	}
	m := s.message(n)
	if err := s.send(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (s *SMTPSender) message(n Notification) *gomail.Message {
	m := gomail.NewMessage()
	if s.config.FromAddress != "" {
		m.SetHeader("From", s.config.FromAddress)
		if n.From != "" {
			m.SetHeader("Reply-To", n.From)
		}
	} else {
		m.SetHeader("From", n.From)
	}
	m.SetHeader("To", n.To)
	m.SetHeader("Subject", n.Subject)
	m.SetBody("text/plain", n.Body)
	return m
}

// LogSender only logs notifications. It is used when no SMTP relay is
// configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("smtp not configured, notification not sent",
		"to", n.To, "from", n.From, "subject", n.Subject)
	return nil
}
