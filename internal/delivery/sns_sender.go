package delivery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/kindful-app/kindful/internal/db"
)

// SNSSender delivers SMS reminders via AWS SNS.
type SNSSender struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSSender creates an SMS sender.
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send delivers one reminder SMS and returns the SNS message ID.
func (s *SNSSender) Send(ctx context.Context, msg *Message) (string, error) {
	if msg.Channel != db.ChannelSMS {
		return "", Permanent(fmt.Errorf("SNS sender only supports SMS, got: %s", msg.Channel))
	}
	if msg.To == "" {
		return "", Permanent(fmt.Errorf("SMS message missing phone number"))
	}

	text := fmt.Sprintf("Hi %s, %s", msg.RecipientName, reminderLine(msg))

	input := &sns.PublishInput{
		PhoneNumber: aws.String(msg.To),
		Message:     aws.String(text),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("reminder SMS sent via SNS",
		zap.String("send_id", msg.SendID.String()),
		zap.String("phone_number", msg.To),
		zap.String("message_id", *result.MessageId),
	)

	return *result.MessageId, nil
}

// SupportsChannel checks if this sender supports the SMS channel
func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelSMS
}
