package notify

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/config"
	"gopkg.in/gomail.v2"
)

// sender is the subset of gomail.Dialer used by MailSink.
type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// MailSink delivers notifications over SMTP.
type MailSink struct {
	from   string
	to     []string
	dialer sender
}

func NewMailSink(cfg config.MailConfig) (*MailSink, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("mail host is empty")
	}
	if strings.TrimSpace(cfg.From) == "" || len(cfg.To) == 0 {
		return nil, errors.New("mail from and to are required")
	}
	return &MailSink{
		from:   cfg.From,
		to:     cfg.To,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}, nil
}

func (s *MailSink) Name() string { return "mail" }

func (s *MailSink) Notify(ctx context.Context, subject, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", s.to...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", message)
	if err := s.dialer.DialAndSend(m); err != nil {
		return errors.Wrapf(err, "send mail to %s", strings.Join(s.to, ","))
	}
	return nil
}
