// Package messaging sends worker notifications over an outbound channel.
package messaging

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Message is one outbound notification. Template names the rendered
// template so providers that support native templates can use it; Body is
// always the rendered text.
type Message struct {
	Template string         `json:"template,omitempty"`
	Body     string         `json:"body"`
	Params   map[string]any `json:"params,omitempty"`
}

// Messenger delivers a message to a worker contact address. A non-nil error
// means delivery failed; callers log it and move on.
type Messenger interface {
	Send(ctx context.Context, contact string, msg Message) error
}

// LogMessenger writes messages to the process log instead of delivering them.
type LogMessenger struct{}

func (LogMessenger) Send(ctx context.Context, contact string, msg Message) error {
	log.Info().Str("contact", contact).Str("template", msg.Template).Str("body", msg.Body).Msg("message")
	return nil
}
