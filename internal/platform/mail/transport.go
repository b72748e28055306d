// Package mail provides outbound mail transports for the notification queue.
package mail

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/vendora/engine/internal/services"
)

// LogTransport writes rendered messages to the application log instead of an
// SMTP relay. It stands in for a real provider in environments where outbound
// mail is disabled.
type LogTransport struct {
	logger *zap.Logger
	sender string
}

var _ services.MailTransport = (*LogTransport)(nil)

// NewLogTransport builds a transport that records deliveries via the supplied logger.
func NewLogTransport(logger *zap.Logger, sender string) (*LogTransport, error) {
	if logger == nil {
		return nil, errors.New("mail transport: logger is required")
	}
	return &LogTransport{
		logger: logger.Named("mail"),
		sender: strings.TrimSpace(sender),
	}, nil
}

// Send logs the message instead of delivering it.
func (t *LogTransport) Send(ctx context.Context, message services.RenderedMessage) error {
	if t == nil || t.logger == nil {
		return errors.New("mail transport: not initialised")
	}
	if strings.TrimSpace(message.Recipient) == "" {
		return errors.New("mail transport: recipient is required")
	}

	t.logger.Info("mail.delivered",
		zap.String("sender", t.sender),
		zap.String("recipient", message.Recipient),
		zap.String("subject", message.Subject),
		zap.Int("html_bytes", len(message.HTMLBody)),
		zap.Int("text_bytes", len(message.TextBody)),
	)
	return nil
}
