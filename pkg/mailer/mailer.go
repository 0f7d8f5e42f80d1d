package mailer

import (
	"context"
	"errors"
	"fmt"

	"donation-reconciler/pkg/config"

	"github.com/resend/resend-go/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("mailer", fx.Provide(ProvideSender))

var ErrNotConfigured = errors.New("mailer: email provider not configured")

type Message struct {
	From    string
	To      string
	ReplyTo string
	Subject string
	HTML    string
}

type Sender interface {
	// Send delivers one message and returns the provider message id.
	Send(ctx context.Context, msg Message) (string, error)
}

func ProvideSender(cfg *config.Config) Sender {
	if cfg.Email.APIKey == "" {
		zap.L().Warn("[Mailer] EMAIL.API_KEY not set, every delivery will fail")
		return disabled{}
	}
	return NewResend(cfg.Email.APIKey)
}

type Resend struct {
	client *resend.Client
}

func NewResend(apiKey string) *Resend {
	return &Resend{client: resend.NewClient(apiKey)}
}

func (r *Resend) Send(ctx context.Context, msg Message) (string, error) {
	if msg.To == "" {
		return "", errors.New("mailer: recipient missing")
	}

	resp, err := r.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		ReplyTo: msg.ReplyTo,
	})
	if err != nil {
		return "", fmt.Errorf("resend: %w", err)
	}
	return resp.Id, nil
}

type disabled struct{}

func (disabled) Send(context.Context, Message) (string, error) {
	return "", ErrNotConfigured
}
