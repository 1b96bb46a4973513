package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kindful-app/kindful/internal/db"
	"github.com/kindful-app/kindful/internal/metrics"
)

// ErrNotRunning is returned when a signal targets a send with no live
// machine instance.
var ErrNotRunning = errors.New("no running delivery for send")

// Repository is the store surface the dispatch step needs.
type Repository interface {
	GetDueSends(ctx context.Context, now time.Time, limit int) ([]*db.ScheduledSend, error)
	GetScheduledSend(ctx context.Context, id uuid.UUID) (*db.ScheduledSend, error)
	UpdateSendStatus(ctx context.Context, id uuid.UUID, status string, errorMsg *string) error
	AppendSendLog(ctx context.Context, log *db.SendLog) error
}

// OutcomeEvent is published after a machine reaches a terminal state,
// for downstream consumers (analytics, operator alerting).
type OutcomeEvent struct {
	SendID     string    `json:"send_id"`
	OccasionID string    `json:"occasion_id"`
	GroupID    string    `json:"group_id"`
	Channel    string    `json:"channel"`
	Result     string    `json:"result"`
	FinishedAt time.Time `json:"finished_at"`
}

// OutcomePublisher fans terminal outcomes out to a queue. Optional:
// a nil publisher disables fan-out.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, event OutcomeEvent) error
}

// Config tunes the dispatch loop.
type Config struct {
	PollInterval  time.Duration
	BatchSize     int
	MaxConcurrent int
	Machine       MachineConfig
}

// Dispatcher reads due scheduled sends and runs one delivery machine
// per send on a bounded worker pool. It also routes pause/resume/cancel
// signals and status queries to live machines by send ID. Machines
// share no state with each other; the registry exists only for signal
// routing.
type Dispatcher struct {
	repo      Repository
	sender    Sender
	publisher OutcomePublisher
	config    Config
	logger    *zap.Logger

	mu       sync.Mutex
	machines map[uuid.UUID]*Machine
	sem      chan struct{}
}

// NewDispatcher creates a dispatcher. publisher may be nil.
func NewDispatcher(repo Repository, sender Sender, publisher OutcomePublisher, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 64
	}

	return &Dispatcher{
		repo:      repo,
		sender:    sender,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
		machines:  make(map[uuid.UUID]*Machine),
		sem:       make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Start polls for due sends until the context is canceled.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			if _, err := d.DispatchDue(ctx, time.Now()); err != nil {
				d.logger.Error("dispatch pass failed", zap.Error(err))
			}
		}
	}
}

// DispatchDue runs one dispatch pass: every pending send due by now is
// marked queued and handed to a fresh machine. Returns how many
// machines were started.
func (d *Dispatcher) DispatchDue(ctx context.Context, now time.Time) (int, error) {
	sends, err := d.repo.GetDueSends(ctx, now, d.config.BatchSize)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, send := range sends {
		if d.running(send.ID) {
			continue
		}

		// Mark queued first so overlapping dispatch passes don't double-pick.
		if err := d.repo.UpdateSendStatus(ctx, send.ID, db.StatusQueued, nil); err != nil {
			d.logger.Error("failed to mark send queued",
				zap.Error(err),
				zap.String("send_id", send.ID.String()),
			)
			continue
		}

		machine := NewMachine(requestFromSend(send), d.sender, d.config.Machine, d.logger)
		d.register(send.ID, machine)
		metrics.SetActiveDeliveries(d.Running())

		go d.run(ctx, machine, send)
		started++
	}

	return started, nil
}

func requestFromSend(send *db.ScheduledSend) Request {
	return Request{
		ID:            send.ID,
		EventName:     send.OccasionName,
		RecipientName: send.RecipientName,
		GroupName:     send.GroupName,
		TargetDate:    send.TargetDate,
		DueAt:         send.DueAt,
		Channels:      []string{send.Channel},
		Identifiers:   map[string]string{send.Channel: send.RecipientIdentifier},
	}
}

func (d *Dispatcher) run(ctx context.Context, machine *Machine, send *db.ScheduledSend) {
	d.sem <- struct{}{}
	defer func() {
		<-d.sem
		d.unregister(send.ID)
		metrics.SetActiveDeliveries(d.Running())
	}()

	start := time.Now()
	result := machine.Run(ctx)
	outcomes := machine.Outcomes()

	for _, o := range outcomes {
		entry := &db.SendLog{
			ScheduledSendID: send.ID,
			Channel:         o.Channel,
			Outcome:         o.Result(),
		}
		if o.ProviderMessageID != "" {
			entry.ProviderMessageID = &o.ProviderMessageID
		}
		if o.Err != nil {
			msg := o.Err.Error()
			entry.ErrorMessage = &msg
		}
		if err := d.repo.AppendSendLog(ctx, entry); err != nil {
			d.logger.Error("failed to append send log",
				zap.Error(err),
				zap.String("send_id", send.ID.String()),
			)
		}
	}

	status, errMsg := finalStatus(result, outcomes)
	if err := d.repo.UpdateSendStatus(ctx, send.ID, status, errMsg); err != nil {
		d.logger.Error("failed to record delivery outcome",
			zap.Error(err),
			zap.String("send_id", send.ID.String()),
			zap.String("status", status),
		)
	}

	metrics.RecordSendOutcome(send.Channel, status)
	metrics.RecordDeliveryLatency(send.Channel, time.Since(start))

	d.logger.Info("delivery finished",
		zap.String("send_id", send.ID.String()),
		zap.String("result", result),
		zap.String("status", status),
	)

	if d.publisher != nil {
		event := OutcomeEvent{
			SendID:     send.ID.String(),
			OccasionID: send.OccasionID.String(),
			GroupID:    send.GroupID.String(),
			Channel:    send.Channel,
			Result:     result,
			FinishedAt: time.Now().UTC(),
		}
		if err := d.publisher.PublishOutcome(ctx, event); err != nil {
			d.logger.Warn("failed to publish outcome event", zap.Error(err))
		}
	}
}

// finalStatus folds machine outcomes into the durable send status.
func finalStatus(result string, outcomes []ChannelOutcome) (string, *string) {
	switch result {
	case ResultCanceled:
		return db.StatusCanceled, nil
	case ResultValidationFailed:
		msg := "validation failed: missing recipient identifier"
		return db.StatusFailed, &msg
	}

	allSent := true
	var lastErr *string
	for _, o := range outcomes {
		if !o.Sent {
			allSent = false
			if o.Err != nil {
				msg := o.Err.Error()
				lastErr = &msg
			}
		}
	}
	if allSent && len(outcomes) > 0 {
		return db.StatusSent, nil
	}
	return db.StatusFailed, lastErr
}

func (d *Dispatcher) running(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.machines[id]
	return ok
}

func (d *Dispatcher) register(id uuid.UUID, m *Machine) {
	d.mu.Lock()
	d.machines[id] = m
	d.mu.Unlock()
}

func (d *Dispatcher) unregister(id uuid.UUID) {
	d.mu.Lock()
	delete(d.machines, id)
	d.mu.Unlock()
}

func (d *Dispatcher) machine(id uuid.UUID) (*Machine, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.machines[id]
	return m, ok
}

// Running reports how many machines are currently registered.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.machines)
}

// Pause signals the live machine for a send. Fire-and-forget.
func (d *Dispatcher) Pause(id uuid.UUID) error {
	m, ok := d.machine(id)
	if !ok {
		return ErrNotRunning
	}
	m.Pause()
	return nil
}

// Resume signals the live machine for a send.
func (d *Dispatcher) Resume(id uuid.UUID) error {
	m, ok := d.machine(id)
	if !ok {
		return ErrNotRunning
	}
	m.Resume()
	return nil
}

// Cancel terminates delivery of a send. A live machine is signaled; a
// send with no machine yet (still pending in the store) is canceled
// directly so no machine ever starts for it.
func (d *Dispatcher) Cancel(ctx context.Context, id uuid.UUID) error {
	if m, ok := d.machine(id); ok {
		m.Cancel()
		return nil
	}
	return d.repo.UpdateSendStatus(ctx, id, db.StatusCanceled, nil)
}

// Status reports delivery state for a send: the live machine's view
// when one is running, otherwise a view derived from the stored row.
func (d *Dispatcher) Status(ctx context.Context, id uuid.UUID) (Status, error) {
	if m, ok := d.machine(id); ok {
		return m.Status(), nil
	}

	send, err := d.repo.GetScheduledSend(ctx, id)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		IsCanceled: send.Status == db.StatusCanceled,
		EventName:  send.OccasionName,
	}
	if send.Status == db.StatusSent || send.Status == db.StatusDelivered {
		st.RemindersSent = 1
	}
	if send.Status == db.StatusPending || send.Status == db.StatusQueued {
		due := send.DueAt
		st.NextReminderAt = &due
	}
	return st, nil
}
