package delivery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/kindful-app/kindful/internal/db"
)

// SESSender delivers email reminders via AWS SES.
type SESSender struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

// NewSESSender creates an email sender. The client is an explicit
// dependency of the sender, not a process-global handle, so tests and
// multi-credential setups can construct their own.
func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send delivers one reminder email and returns the SES message ID.
func (s *SESSender) Send(ctx context.Context, msg *Message) (string, error) {
	if msg.Channel != db.ChannelEmail {
		return "", Permanent(fmt.Errorf("SES sender only supports email, got: %s", msg.Channel))
	}
	if msg.To == "" {
		return "", Permanent(fmt.Errorf("email message missing recipient address"))
	}

	subject := fmt.Sprintf("Reminder: %s", msg.OccasionName)
	body := fmt.Sprintf("Hi %s,\n\n%s\n\nShared with you from %s.",
		msg.RecipientName, reminderLine(msg), msg.GroupName)

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		// Provider timeouts and throttling are worth retrying.
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("reminder email sent via SES",
		zap.String("send_id", msg.SendID.String()),
		zap.String("to", msg.To),
		zap.String("message_id", *result.MessageId),
	)

	return *result.MessageId, nil
}

// SupportsChannel checks if this sender supports the email channel
func (s *SESSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}
