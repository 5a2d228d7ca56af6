package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"

	"go-relay/config"
)

// Notifier delivers a finished call report.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// SMTPMailer sends reports as plain text email over SMTP with STARTTLS.
type SMTPMailer struct {
	cfg config.MailConfig
}

func NewSMTPMailer(cfg config.MailConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// Notify builds the message and submits it. An empty subject falls back to
// ReportSubject.
func (m *SMTPMailer) Notify(ctx context.Context, subject, body string) error {
	msg, err := m.buildMessage(subject, body)
	if err != nil {
		return err
	}

	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTLSPolicy(mail.TLSMandatory),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}

	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send report email: %w", err)
	}
	return nil
}

func (m *SMTPMailer) buildMessage(subject, body string) (*mail.Msg, error) {
	if subject == "" {
		subject = ReportSubject
	}

	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", m.cfg.From, err)
	}
	if err := msg.To(recipients(m.cfg.To)...); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", m.cfg.To, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}

// recipients splits a comma separated address list.
func recipients(list string) []string {
	var out []string
	for _, addr := range strings.Split(list, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
