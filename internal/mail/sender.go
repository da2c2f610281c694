// Package mail delivers transactional email for the admin panel.
package mail

import (
	"context"
	"errors"
)

// ErrDeliveryUnavailable is returned when a message could not be handed to
// a mail provider, or when no provider is configured in production.
var ErrDeliveryUnavailable = errors.New("delivery_unavailable")

type Message struct {
	To      string
	Subject string
	HTML    string
	ReplyTo string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}
