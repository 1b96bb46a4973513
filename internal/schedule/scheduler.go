package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kindful-app/kindful/internal/db"
	"github.com/kindful-app/kindful/internal/metrics"
	"github.com/kindful-app/kindful/internal/recurrence"
)

// Repository is the store surface the scheduling pass needs.
type Repository interface {
	ListActiveRules(ctx context.Context) ([]*db.ActiveRule, error)
	UpsertScheduledSend(ctx context.Context, send *db.ScheduledSend) error
}

// SuppressionChecker answers opt-out lookups. The production wiring
// layers a redis cache over the store; tests use a map.
type SuppressionChecker interface {
	IsSuppressed(ctx context.Context, identifier, channel string) (bool, error)
}

// Config holds scheduling-pass parameters.
type Config struct {
	// HorizonDays is the look-ahead window: only offsets whose send date
	// falls within this many days are materialized per run.
	HorizonDays int
	// DefaultSendHour is used when a rule carries no send hour.
	DefaultSendHour int
}

// Counts is the result of one scheduling pass.
type Counts struct {
	Scheduled int `json:"scheduled"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Scheduler turns (occasion, offset, channel, recipient) tuples into
// durable scheduled sends, deduplicated by a deterministic idempotency
// key. The pass is stateless and safe to re-run: re-invocation on the
// same logical day upserts the same keys.
type Scheduler struct {
	repo         Repository
	suppressions SuppressionChecker
	config       Config
	logger       *zap.Logger
}

// NewScheduler creates a scheduler over the given store.
func NewScheduler(repo Repository, suppressions SuppressionChecker, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.HorizonDays == 0 {
		cfg.HorizonDays = 30
	}
	if cfg.DefaultSendHour < 0 || cfg.DefaultSendHour > 23 {
		cfg.DefaultSendHour = 9
	}
	return &Scheduler{
		repo:         repo,
		suppressions: suppressions,
		config:       cfg,
		logger:       logger,
	}
}

// ScheduleUpcomingReminders runs one scheduling pass as of now. A
// malformed rule or a failed upsert increments the error counter and
// the pass continues; it never aborts wholesale.
func (s *Scheduler) ScheduleUpcomingReminders(ctx context.Context, now time.Time) (Counts, error) {
	var counts Counts

	rules, err := s.repo.ListActiveRules(ctx)
	if err != nil {
		return counts, err
	}

	for _, rule := range rules {
		s.scheduleRule(ctx, rule, now, &counts)
	}

	s.logger.Info("scheduling pass complete",
		zap.Int("rules", len(rules)),
		zap.Int("scheduled", counts.Scheduled),
		zap.Int("skipped", counts.Skipped),
		zap.Int("errors", counts.Errors),
	)
	metrics.RecordSchedulingPass(counts.Scheduled, counts.Skipped, counts.Errors)

	return counts, nil
}

func (s *Scheduler) scheduleRule(ctx context.Context, rule *db.ActiveRule, now time.Time, counts *Counts) {
	loc := rule.Group.Location()
	today := recurrence.StartOfDay(now.In(loc))

	for _, celebrated := range rule.Roster {
		for i := range celebrated.Occasions {
			occ := &celebrated.Occasions[i]
			s.scheduleOccasion(ctx, rule, &celebrated, occ, today, counts)
		}
	}
}

func (s *Scheduler) scheduleOccasion(ctx context.Context, rule *db.ActiveRule, celebrated *db.RosterEntry, occ *db.Occasion, today time.Time, counts *Counts) {
	next := recurrence.NextOccurrence(occ.Date, occ.Repeat, today, rule.Group.LeapDayPolicy)
	if !occ.Repeat && next.Before(today) {
		// One-time occasion already behind us.
		return
	}

	matches := MatchOffsets(&rule.Rule, next, today, s.config.HorizonDays)
	if len(matches) == 0 {
		return
	}

	recipients := ResolveRecipients(&rule.Group, rule.Roster, celebrated.ContactID)
	if len(recipients) == 0 {
		return
	}

	occasionName := occ.DisplayName(celebrated.DisplayName())
	sendHour := s.config.DefaultSendHour
	if rule.Rule.SendHour != nil {
		sendHour = *rule.Rule.SendHour
	}

	for _, match := range matches {
		for _, channel := range match.Channels {
			for _, recipient := range recipients {
				s.upsertIntent(ctx, rule, occ, occasionName, next, match, channel, recipient, sendHour, counts)
			}
		}
	}
}

func (s *Scheduler) upsertIntent(ctx context.Context, rule *db.ActiveRule, occ *db.Occasion, occasionName string, targetDate time.Time, match Match, channel string, recipient Recipient, sendHour int, counts *Counts) {
	identifier, ok := IdentifierFor(recipient, channel, &rule.Group)
	if !ok {
		counts.Skipped++
		return
	}

	suppressed, err := s.suppressions.IsSuppressed(ctx, identifier, channel)
	if err != nil {
		s.logger.Error("suppression lookup failed",
			zap.Error(err),
			zap.String("channel", channel),
		)
		counts.Errors++
		return
	}
	if suppressed {
		s.logger.Debug("recipient suppressed",
			zap.String("channel", channel),
			zap.String("occasion_id", occ.ID.String()),
		)
		metrics.RecordSuppressionSkip(channel)
		counts.Skipped++
		return
	}

	dueAt := time.Date(
		match.SendDate.Year(), match.SendDate.Month(), match.SendDate.Day(),
		sendHour, 0, 0, 0, rule.Group.Location(),
	).UTC()

	send := &db.ScheduledSend{
		ID:                  uuid.New(),
		OccasionID:          occ.ID,
		GroupID:             rule.Group.ID,
		RecipientUserID:     recipient.UserID,
		RecipientIdentifier: identifier,
		RecipientName:       recipient.Name,
		OccasionName:        occasionName,
		GroupName:           rule.Group.Name,
		TargetDate:          targetDate,
		Offset:              match.Offset,
		Channel:             channel,
		DueAt:               dueAt,
		IdempotencyKey:      db.IdempotencyKey(occ.ID, targetDate, match.Offset, channel, identifier),
	}

	if err := s.repo.UpsertScheduledSend(ctx, send); err != nil {
		s.logger.Error("failed to upsert scheduled send",
			zap.Error(err),
			zap.String("idempotency_key", send.IdempotencyKey),
		)
		counts.Errors++
		return
	}

	counts.Scheduled++
}
