package mail

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/resend/resend-go/v2"
)

const DefaultFromEmail = "La Pan Comido <onboarding@resend.dev>"

// ResendSender sends through the Resend HTTP API.
type ResendSender struct {
	client *resend.Client
	from   string
}

func NewResendSender(apiKey, from string) (*ResendSender, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("resend api key is required")
	}
	if strings.TrimSpace(from) == "" {
		from = DefaultFromEmail
	}
	return &ResendSender{client: resend.NewClient(apiKey), from: from}, nil
}

// WithBaseURL points the client at another API host.
func (s *ResendSender) WithBaseURL(raw string) error {
	u, err := url.Parse(strings.TrimRight(raw, "/") + "/")
	if err != nil {
		return fmt.Errorf("parse resend base url: %w", err)
	}
	s.client.BaseURL = u
	return nil
}

func (s *ResendSender) Send(ctx context.Context, msg Message) error {
	req := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		ReplyTo: msg.ReplyTo,
	}
	if _, err := s.client.Emails.SendWithContext(ctx, req); err != nil {
		return fmt.Errorf("resend: %w", err)
	}
	return nil
}
