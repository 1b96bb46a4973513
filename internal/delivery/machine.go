package delivery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kindful-app/kindful/internal/recurrence"
)

// Terminal machine results.
const (
	ResultCanceled         = "CANCELED"
	ResultValidationFailed = "VALIDATION_FAILED"
)

// Request is the logical reminder a machine delivers: one recipient,
// one due time, one or more channels with their identifiers.
type Request struct {
	ID            uuid.UUID
	EventName     string
	RecipientName string
	GroupName     string
	TargetDate    time.Time
	DueAt         time.Time
	Channels      []string
	// Identifiers maps each requested channel to its delivery
	// identifier (email address, phone number, webhook URL).
	Identifiers map[string]string
}

// ChannelOutcome records how one channel's dispatch ended.
type ChannelOutcome struct {
	Channel           string
	Sent              bool
	ProviderMessageID string
	Err               error
}

// Result renders the outcome in CHANNEL_SENT / CHANNEL_FAILED form.
func (o ChannelOutcome) Result() string {
	if o.Sent {
		return strings.ToUpper(o.Channel) + "_SENT"
	}
	return strings.ToUpper(o.Channel) + "_FAILED"
}

// Status is a point-in-time, non-blocking view of a machine.
type Status struct {
	IsPaused       bool       `json:"is_paused"`
	IsCanceled     bool       `json:"is_canceled"`
	RemindersSent  int        `json:"reminders_sent"`
	NextReminderAt *time.Time `json:"next_reminder_at,omitempty"`
	EventName      string     `json:"event_name"`
}

// MachineConfig tunes the wait and retry behavior of a machine.
type MachineConfig struct {
	// Tick is the wait granularity: the machine sleeps in bounded steps
	// of this length so pause and cancel signals are observed promptly.
	Tick time.Duration
	// Retry governs per-channel dispatch attempts.
	Retry RetryPolicy
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

func (c *MachineConfig) defaults() {
	if c.Tick == 0 {
		c.Tick = time.Minute
	}
	c.Retry.defaults()
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Machine drives one reminder through Waiting → {Paused} → Sending →
// {Sent | PartiallySent | Canceled | Failed}. It sleeps in bounded
// ticks, honors pause/resume/cancel signals between ticks, dispatches
// each channel with independent retries, and exposes a non-blocking
// status view. Signals are direct state updates guarded by the
// machine's lock; the run loop re-checks them at every tick boundary,
// so the same signal order always yields the same outcome.
type Machine struct {
	req    Request
	sender Sender
	config MachineConfig
	logger *zap.Logger

	mu        sync.Mutex
	paused    bool
	canceled  bool
	sending   bool
	remaining time.Duration
	outcomes  []ChannelOutcome

	// wake nudges the run loop out of its current tick after a signal.
	wake chan struct{}
	done chan struct{}

	result string
}

// NewMachine creates a delivery machine for one reminder request.
func NewMachine(req Request, sender Sender, cfg MachineConfig, logger *zap.Logger) *Machine {
	cfg.defaults()
	return &Machine{
		req:    req,
		sender: sender,
		config: cfg,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Pause suspends progress toward sending. Time spent paused does not
// count against the original due time, so pausing delays delivery.
func (m *Machine) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	m.nudge()
}

// Resume clears a pause; the machine waits out its remaining time.
func (m *Machine) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.nudge()
}

// Cancel terminates the machine permanently. No channel send starts
// after cancellation, even when the due time has already passed; an
// in-flight send is not aborted but no further channels are attempted.
func (m *Machine) Cancel() {
	m.mu.Lock()
	m.canceled = true
	m.mu.Unlock()
	m.nudge()
}

func (m *Machine) nudge() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Status returns a snapshot without blocking the run loop.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		IsPaused:   m.paused,
		IsCanceled: m.canceled,
		EventName:  m.req.EventName,
	}
	for _, o := range m.outcomes {
		if o.Sent {
			st.RemindersSent++
		}
	}
	if !m.sending && !m.isDone() {
		next := m.config.Now().Add(m.remaining)
		st.NextReminderAt = &next
	}
	return st
}

func (m *Machine) isDone() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Done is closed when the machine reaches a terminal state.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Result blocks until the machine finishes and returns the aggregate
// outcome string, e.g. "EMAIL_SENT, SMS_FAILED" or "CANCELED".
func (m *Machine) Result() string {
	<-m.done
	return m.result
}

// Outcomes returns the per-channel outcomes once the machine is done.
func (m *Machine) Outcomes() []ChannelOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChannelOutcome, len(m.outcomes))
	copy(out, m.outcomes)
	return out
}

// Run executes the machine to completion and returns the aggregate
// result. It is called once, typically on its own goroutine; context
// cancellation (process shutdown) ends the wait without sending.
func (m *Machine) Run(ctx context.Context) string {
	defer close(m.done)

	if err := m.validate(); err != nil {
		m.logger.Warn("reminder failed validation",
			zap.String("send_id", m.req.ID.String()),
			zap.Error(err),
		)
		m.result = ResultValidationFailed
		return m.result
	}

	m.mu.Lock()
	m.remaining = m.req.DueAt.Sub(m.config.Now())
	m.mu.Unlock()

	if !m.wait(ctx) {
		m.result = ResultCanceled
		return m.result
	}

	m.mu.Lock()
	m.sending = true
	m.mu.Unlock()

	m.result = m.dispatch(ctx)
	return m.result
}

// validate fails fast on input no amount of waiting can fix.
func (m *Machine) validate() error {
	if len(m.req.Channels) == 0 {
		return fmt.Errorf("no channels requested")
	}
	for _, channel := range m.req.Channels {
		if m.req.Identifiers[channel] == "" {
			return fmt.Errorf("missing recipient identifier for channel %s", channel)
		}
	}
	return nil
}

// wait sleeps out the remaining time in bounded ticks. Returns false
// when the machine was canceled (or the context ended) before the due
// time elapsed.
func (m *Machine) wait(ctx context.Context) bool {
	for {
		m.mu.Lock()
		canceled := m.canceled
		paused := m.paused
		remaining := m.remaining
		m.mu.Unlock()

		if canceled {
			return false
		}
		if !paused && remaining <= 0 {
			return true
		}

		step := m.config.Tick
		if !paused && remaining < step {
			step = remaining
		}

		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-m.wake:
			timer.Stop()
			// Re-evaluate signals immediately; paused time never
			// counts against the due time.
		case <-timer.C:
			if !paused {
				m.mu.Lock()
				m.remaining -= step
				m.mu.Unlock()
			}
		}
	}
}

// dispatch attempts every requested channel, each with its own retry
// budget. One channel exhausting its retries does not abort the others;
// cancellation between channels stops further attempts.
func (m *Machine) dispatch(ctx context.Context) string {
	// Day counting happens in the target date's own zone; the server's
	// local day may already have rolled over (or not yet).
	today := m.config.Now().In(m.req.TargetDate.Location())
	daysUntil := recurrence.DaysUntil(m.req.TargetDate, today)

	for _, channel := range m.req.Channels {
		m.mu.Lock()
		canceled := m.canceled
		m.mu.Unlock()
		if canceled {
			m.appendOutcome(ChannelOutcome{Channel: channel, Err: context.Canceled})
			continue
		}

		msg := &Message{
			SendID:        m.req.ID,
			Channel:       channel,
			To:            m.req.Identifiers[channel],
			RecipientName: m.req.RecipientName,
			OccasionName:  m.req.EventName,
			GroupName:     m.req.GroupName,
			TargetDate:    m.req.TargetDate,
			DaysUntil:     daysUntil,
		}

		providerID, err := m.sendWithRetry(ctx, msg)
		m.appendOutcome(ChannelOutcome{
			Channel:           channel,
			Sent:              err == nil,
			ProviderMessageID: providerID,
			Err:               err,
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	parts := make([]string, 0, len(m.outcomes))
	for _, o := range m.outcomes {
		parts = append(parts, o.Result())
	}
	return strings.Join(parts, ", ")
}

func (m *Machine) appendOutcome(o ChannelOutcome) {
	m.mu.Lock()
	m.outcomes = append(m.outcomes, o)
	m.mu.Unlock()
}

// sendWithRetry runs one channel's bounded attempt loop.
func (m *Machine) sendWithRetry(ctx context.Context, msg *Message) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= m.config.Retry.MaxAttempts; attempt++ {
		providerID, err := m.sender.Send(ctx, msg)
		if err == nil {
			return providerID, nil
		}
		lastErr = err

		m.logger.Warn("channel send attempt failed",
			zap.String("send_id", msg.SendID.String()),
			zap.String("channel", msg.Channel),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if IsPermanent(err) {
			return "", err
		}
		if attempt == m.config.Retry.MaxAttempts {
			break
		}

		backoff := time.NewTimer(m.config.Retry.Backoff(attempt))
		select {
		case <-ctx.Done():
			backoff.Stop()
			return "", ctx.Err()
		case <-backoff.C:
		}
	}

	return "", fmt.Errorf("retries exhausted: %w", lastErr)
}
