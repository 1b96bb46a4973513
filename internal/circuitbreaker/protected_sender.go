package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kindful-app/kindful/internal/delivery"
)

// ProtectedSender wraps a delivery.Sender with a CircuitBreaker. When
// the downstream provider (SES, SNS, a webhook endpoint) starts
// failing, the circuit opens and sends fail fast instead of piling up.
type ProtectedSender struct {
	sender  delivery.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender delivery.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts a delivery through the circuit breaker. When the
// circuit is open it returns ErrCircuitOpen immediately; the retry
// tracker picks the send up again later.
//
// Permanent errors (a missing phone number, a rejected payload) are
// the recipient's problem, not the provider's, so they never count
// toward tripping the circuit.
func (p *ProtectedSender) Send(ctx context.Context, msg *delivery.Message) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("send_id", msg.SendID.String()),
			zap.String("channel", msg.Channel),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	providerID, err := p.sender.Send(ctx, msg)
	if err != nil {
		if delivery.IsPermanent(err) {
			return "", err
		}
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return "", err
	}

	p.breaker.RecordSuccess()
	return providerID, nil
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker returns the underlying circuit breaker for the stats endpoint.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
