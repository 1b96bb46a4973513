// Package delivery implements the per-notification delivery state
// machine and the channel senders it dispatches through.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kindful-app/kindful/internal/db"
)

// Message is one channel delivery of a reminder, carrying everything a
// sender needs to render and transmit it.
type Message struct {
	SendID        uuid.UUID `json:"send_id"`
	Channel       string    `json:"channel"`
	To            string    `json:"to"`
	RecipientName string    `json:"recipient_name"`
	OccasionName  string    `json:"occasion_name"`
	GroupName     string    `json:"group_name"`
	TargetDate    time.Time `json:"target_date"`
	DaysUntil     int       `json:"days_until"`
}

// Sender is the unified send contract for all notification channels.
// Implementations: email (SES), SMS (SNS), webhooks. Send returns the
// provider's message ID on success.
type Sender interface {
	Send(ctx context.Context, msg *Message) (string, error)
	SupportsChannel(channel string) bool
}

// ErrPermanent marks delivery errors that retrying cannot fix (bad
// address, rejected payload). The retry loop gives up on them
// immediately; everything else is treated as transient.
var ErrPermanent = errors.New("permanent delivery failure")

// Permanent wraps err as a non-retryable delivery failure.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// MultiSender routes messages to the appropriate channel sender.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over multiple underlying senders.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the message to the first sender supporting its channel.
func (m *MultiSender) Send(ctx context.Context, msg *Message) (string, error) {
	for _, sender := range m.senders {
		if sender.SupportsChannel(msg.Channel) {
			m.logger.Debug("routing message to sender",
				zap.String("channel", msg.Channel),
				zap.String("send_id", msg.SendID.String()),
			)
			return sender.Send(ctx, msg)
		}
	}

	return "", Permanent(fmt.Errorf("no sender found for channel: %s", msg.Channel))
}

// SupportsChannel checks if any underlying sender supports the channel.
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender is a simple sender that logs messages (development mode).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg *Message) (string, error) {
	s.logger.Info("logging reminder (development mode)",
		zap.String("send_id", msg.SendID.String()),
		zap.String("channel", msg.Channel),
		zap.String("to", msg.To),
		zap.String("occasion", msg.OccasionName),
		zap.Int("days_until", msg.DaysUntil),
	)
	return "log-" + msg.SendID.String(), nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail || channel == db.ChannelSMS || channel == db.ChannelWebhook
}

// reminderLine renders the shared one-line reminder copy.
func reminderLine(msg *Message) string {
	when := msg.TargetDate.Format("Monday, January 2")
	switch {
	case msg.DaysUntil == 0:
		return fmt.Sprintf("%s is today (%s)!", msg.OccasionName, when)
	case msg.DaysUntil == 1:
		return fmt.Sprintf("%s is tomorrow (%s).", msg.OccasionName, when)
	case msg.DaysUntil > 1:
		return fmt.Sprintf("%s is in %d days (%s).", msg.OccasionName, msg.DaysUntil, when)
	default:
		return fmt.Sprintf("%s was on %s.", msg.OccasionName, when)
	}
}
