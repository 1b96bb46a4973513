// Package sqs publishes delivery outcome events to an SQS queue for
// downstream consumers.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/kindful-app/kindful/internal/delivery"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Producer sends outcome events to SQS.
type Producer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// PublishOutcome sends a terminal delivery outcome to the queue.
func (p *Producer) PublishOutcome(ctx context.Context, event delivery.OutcomeEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send outcome event to sqs",
			zap.Error(err),
			zap.String("send_id", event.SendID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("outcome event published",
		zap.String("send_id", event.SendID),
		zap.String("result", event.Result),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// Close closes the SQS producer.
func (p *Producer) Close() {
	// AWS SDK v2 clients don't require explicit Close()
}
