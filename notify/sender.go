package notify

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/pkg/errors"
)

// Sender delivers a rendered email. Implemented over SMTP in production and
// mocked in tests.
type Sender interface {
	Send(to, subject, body string) error
}

// SMTPConfig is read from the SMTP_* environment.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	ReplyTo  string
}

// SMTPSender sends mail through a plain-auth SMTP relay.
type SMTPSender struct {
	cfg SMTPConfig
}

var _ Sender = SMTPSender{}

// NewSMTPSender validates the config and returns a sender.
func NewSMTPSender(cfg SMTPConfig) (SMTPSender, error) {
	if cfg.Host == "" || cfg.From == "" {
		return SMTPSender{}, errors.New("smtp sender needs at least a host and a from address")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return SMTPSender{cfg: cfg}, nil
}

// Send implements Sender.
func (s SMTPSender) Send(to, subject, body string) error {
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	if s.cfg.ReplyTo != "" {
		fmt.Fprintf(&msg, "Reply-To: %s\r\n", s.cfg.ReplyTo)
	}
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.User != "" {
		auth = smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
	}

	err := smtp.SendMail(addr, auth, s.cfg.From, []string{to}, []byte(msg.String()))
	return errors.Wrapf(err, "could not send mail to %s", to)
}
