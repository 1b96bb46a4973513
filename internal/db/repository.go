package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrSendNotFound is returned when a scheduled send lookup misses.
var ErrSendNotFound = errors.New("scheduled send not found")

// ErrAlreadyTerminal is returned when a status transition targets a
// send that already reached a terminal state.
var ErrAlreadyTerminal = errors.New("scheduled send already terminal")

// Repository handles database operations for the reminder engine
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new reminder repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// ListActiveRules loads every reminder rule whose group is enabled and
// not soft-deleted, together with the group's active roster and each
// contact's non-deleted occasions. This is the read side of the
// scheduling pass.
func (r *Repository) ListActiveRules(ctx context.Context) ([]*ActiveRule, error) {
	query := `
		SELECT
			r.id, r.group_id, r.offsets, r.channels, r.send_hour, r.created_at, r.updated_at,
			g.owner_user_id, g.name, g.type, g.timezone, g.leap_day_policy,
			g.reminders_enabled, g.webhook_url, g.created_at, g.updated_at
		FROM reminder_rules r
		JOIN groups g ON g.id = r.group_id
		WHERE g.reminders_enabled = TRUE AND g.deleted_at IS NULL
		ORDER BY r.created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active rules: %w", err)
	}
	defer rows.Close()

	var rules []*ActiveRule
	for rows.Next() {
		var (
			ar          ActiveRule
			offsets     []int32
			channelsRaw []byte
		)
		err := rows.Scan(
			&ar.Rule.ID,
			&ar.Rule.GroupID,
			&offsets,
			&channelsRaw,
			&ar.Rule.SendHour,
			&ar.Rule.CreatedAt,
			&ar.Rule.UpdatedAt,
			&ar.Group.OwnerUserID,
			&ar.Group.Name,
			&ar.Group.Type,
			&ar.Group.Timezone,
			&ar.Group.LeapDayPolicy,
			&ar.Group.RemindersEnabled,
			&ar.Group.WebhookURL,
			&ar.Group.CreatedAt,
			&ar.Group.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		ar.Group.ID = ar.Rule.GroupID

		ar.Rule.Offsets = make([]int, 0, len(offsets))
		for _, o := range offsets {
			ar.Rule.Offsets = append(ar.Rule.Offsets, int(o))
		}
		ar.Rule.Channels, err = decodeChannelMap(channelsRaw)
		if err != nil {
			return nil, fmt.Errorf("decode rule channels: %w", err)
		}

		rules = append(rules, &ar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}

	for _, ar := range rules {
		roster, err := r.loadRoster(ctx, ar.Group.ID)
		if err != nil {
			return nil, fmt.Errorf("load roster for group %s: %w", ar.Group.ID, err)
		}
		ar.Roster = roster
	}

	return rules, nil
}

// decodeChannelMap converts the jsonb {"-7": ["email","sms"]} shape into
// the offset-keyed map the matcher works with.
func decodeChannelMap(raw []byte) (map[int][]string, error) {
	if len(raw) == 0 {
		return map[int][]string{}, nil
	}
	var byKey map[string][]string
	if err := json.Unmarshal(raw, &byKey); err != nil {
		return nil, fmt.Errorf("unmarshal channel map: %w", err)
	}
	out := make(map[int][]string, len(byKey))
	for k, v := range byKey {
		offset, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("bad channel map offset %q: %w", k, err)
		}
		out[offset] = v
	}
	return out, nil
}

func (r *Repository) loadRoster(ctx context.Context, groupID uuid.UUID) ([]RosterEntry, error) {
	query := `
		SELECT
			m.id, m.contact_id, m.role, m.status,
			c.user_id, c.first_name, c.last_name, c.email, c.phone
		FROM memberships m
		JOIN contacts c ON c.id = m.contact_id
		WHERE m.group_id = $1 AND m.status = $2 AND c.deleted_at IS NULL
		ORDER BY m.created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, groupID, MemberActive)
	if err != nil {
		return nil, fmt.Errorf("query roster: %w", err)
	}
	defer rows.Close()

	var roster []RosterEntry
	contactIDs := make([]uuid.UUID, 0, 8)
	for rows.Next() {
		var e RosterEntry
		err := rows.Scan(
			&e.MembershipID,
			&e.ContactID,
			&e.Role,
			&e.Status,
			&e.UserID,
			&e.FirstName,
			&e.LastName,
			&e.Email,
			&e.Phone,
		)
		if err != nil {
			return nil, fmt.Errorf("scan roster entry: %w", err)
		}
		roster = append(roster, e)
		contactIDs = append(contactIDs, e.ContactID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roster: %w", err)
	}
	if len(roster) == 0 {
		return roster, nil
	}

	occasions, err := r.loadOccasions(ctx, contactIDs)
	if err != nil {
		return nil, err
	}
	for i := range roster {
		roster[i].Occasions = occasions[roster[i].ContactID]
	}

	return roster, nil
}

func (r *Repository) loadOccasions(ctx context.Context, contactIDs []uuid.UUID) (map[uuid.UUID][]Occasion, error) {
	query := `
		SELECT id, contact_id, type, title, notes, date, year_known, repeat, created_at
		FROM occasions
		WHERE contact_id = ANY($1) AND deleted_at IS NULL
		ORDER BY date ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, contactIDs)
	if err != nil {
		return nil, fmt.Errorf("query occasions: %w", err)
	}
	defer rows.Close()

	byContact := make(map[uuid.UUID][]Occasion)
	for rows.Next() {
		var o Occasion
		err := rows.Scan(
			&o.ID,
			&o.ContactID,
			&o.Type,
			&o.Title,
			&o.Notes,
			&o.Date,
			&o.YearKnown,
			&o.Repeat,
			&o.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan occasion: %w", err)
		}
		byContact[o.ContactID] = append(byContact[o.ContactID], o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate occasions: %w", err)
	}

	return byContact, nil
}

// IsSuppressed reports whether an (identifier, channel) pair has opted out.
func (r *Repository) IsSuppressed(ctx context.Context, identifier, channel string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM suppressions WHERE identifier = $1 AND channel = $2)`

	var suppressed bool
	if err := r.db.Pool().QueryRow(ctx, query, identifier, channel).Scan(&suppressed); err != nil {
		return false, fmt.Errorf("query suppression: %w", err)
	}
	return suppressed, nil
}

// UpsertScheduledSend inserts a scheduled send keyed by its idempotency
// key. When the key already exists only the mutable fields (due time and
// recipient linkage) are refreshed, and never on a row that has reached
// a terminal status. Re-running the scheduling pass therefore cannot
// duplicate work or resurrect finished sends.
func (r *Repository) UpsertScheduledSend(ctx context.Context, send *ScheduledSend) error {
	query := `
		INSERT INTO scheduled_sends (
			id, occasion_id, group_id, recipient_user_id, recipient_identifier,
			recipient_name, occasion_name, group_name,
			target_date, send_offset, channel, due_at, status, idempotency_key, retry_count
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 0
		)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			due_at = EXCLUDED.due_at,
			recipient_user_id = EXCLUDED.recipient_user_id,
			recipient_name = EXCLUDED.recipient_name,
			updated_at = NOW()
		WHERE scheduled_sends.status IN ('pending', 'queued')
		RETURNING id, status, retry_count, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		send.ID,
		send.OccasionID,
		send.GroupID,
		send.RecipientUserID,
		send.RecipientIdentifier,
		send.RecipientName,
		send.OccasionName,
		send.GroupName,
		send.TargetDate,
		send.Offset,
		send.Channel,
		send.DueAt,
		StatusPending,
		send.IdempotencyKey,
	).Scan(&send.ID, &send.Status, &send.RetryCount, &send.CreatedAt, &send.UpdatedAt)

	// The guarded upsert returns no row when the existing send is
	// terminal. That is identity, not an error.
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		r.logger.Error("failed to upsert scheduled send",
			zap.Error(err),
			zap.String("idempotency_key", send.IdempotencyKey),
		)
		return fmt.Errorf("upsert scheduled send: %w", err)
	}

	return nil
}

// GetScheduledSend retrieves a scheduled send by ID.
func (r *Repository) GetScheduledSend(ctx context.Context, id uuid.UUID) (*ScheduledSend, error) {
	query := selectSendColumns + ` WHERE id = $1`

	send, err := scanSend(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSendNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query scheduled send: %w", err)
	}
	return send, nil
}

// GetPendingSendsForToday returns sends in pending or queued status whose
// due time falls within the given day (UTC), ordered by due time. The
// dispatch step picks these up and runs one delivery machine per row.
func (r *Repository) GetPendingSendsForToday(ctx context.Context, now time.Time) ([]*ScheduledSend, error) {
	dayStart := now.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	query := selectSendColumns + `
		WHERE status IN ($1, $2) AND due_at >= $3 AND due_at < $4
		ORDER BY due_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, StatusPending, StatusQueued, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("query pending sends: %w", err)
	}
	defer rows.Close()

	return collectSends(rows)
}

// StaleQueuedAfter is how long a queued send may sit without progress
// before dispatch passes treat it as orphaned. A row is marked queued
// just before its machine starts; if the instance dies before the
// machine records a terminal status, the row stays queued forever
// unless someone picks it back up.
const StaleQueuedAfter = 5 * time.Minute

// GetDueSends returns pending sends whose due time has arrived, plus
// queued sends that have made no progress within the stale grace
// (orphaned by a crashed instance), limited for batch pickup.
func (r *Repository) GetDueSends(ctx context.Context, now time.Time, limit int) ([]*ScheduledSend, error) {
	query := selectSendColumns + `
		WHERE due_at <= $1
		  AND (status = $2 OR (status = $3 AND updated_at < $4))
		ORDER BY due_at ASC
		LIMIT $5
	`

	rows, err := r.db.Pool().Query(ctx, query,
		now.UTC(), StatusPending, StatusQueued, now.UTC().Add(-StaleQueuedAfter), limit)
	if err != nil {
		return nil, fmt.Errorf("query due sends: %w", err)
	}
	defer rows.Close()

	return collectSends(rows)
}

// UpdateSendStatus transitions a scheduled send. Terminal rows are never
// overwritten; a transition to failed stamps failed_at, a reset to
// pending clears it.
func (r *Repository) UpdateSendStatus(ctx context.Context, id uuid.UUID, status string, errorMsg *string) error {
	query := `
		UPDATE scheduled_sends
		SET status = $1,
		    error_message = $2,
		    failed_at = CASE WHEN $1 = 'failed' THEN NOW() ELSE NULL END,
		    updated_at = NOW()
		WHERE id = $3 AND status NOT IN ('sent', 'delivered', 'failed', 'canceled')
	`

	result, err := r.db.Pool().Exec(ctx, query, status, errorMsg, id)
	if err != nil {
		r.logger.Error("failed to update send status",
			zap.Error(err),
			zap.String("send_id", id.String()),
			zap.String("status", status),
		)
		return fmt.Errorf("update send status: %w", err)
	}
	if result.RowsAffected() == 0 {
		var current string
		err := r.db.Pool().QueryRow(ctx,
			`SELECT status FROM scheduled_sends WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrSendNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("check send status: %w", err)
		}
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, current)
	}

	return nil
}

// GetFailedSendsToRetry returns failed sends still under the retry cap.
// Rows at or beyond the cap stay terminally failed and are surfaced
// through stats instead.
func (r *Repository) GetFailedSendsToRetry(ctx context.Context, maxRetries int) ([]*ScheduledSend, error) {
	query := selectSendColumns + `
		WHERE status = $1 AND retry_count < $2
		ORDER BY failed_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, StatusFailed, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("query failed sends: %w", err)
	}
	defer rows.Close()

	return collectSends(rows)
}

// ResetSendForRetry moves a failed send back to pending and bumps its
// retry count, clearing the failure stamp so the dispatch step picks it
// up again.
func (r *Repository) ResetSendForRetry(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE scheduled_sends
		SET status = $1, retry_count = retry_count + 1,
		    failed_at = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusPending, id, StatusFailed)
	if err != nil {
		return fmt.Errorf("reset send for retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("send not failed or not found: %s", id)
	}

	r.logger.Info("failed send reset for retry", zap.String("send_id", id.String()))

	return nil
}

// AppendSendLog records one delivery attempt outcome.
func (r *Repository) AppendSendLog(ctx context.Context, log *SendLog) error {
	query := `
		INSERT INTO send_logs (
			id, scheduled_send_id, channel, outcome, provider_message_id, error_message
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING attempted_at
	`

	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}

	err := r.db.Pool().QueryRow(ctx, query,
		log.ID,
		log.ScheduledSendID,
		log.Channel,
		log.Outcome,
		log.ProviderMessageID,
		log.ErrorMessage,
	).Scan(&log.AttemptedAt)
	if err != nil {
		return fmt.Errorf("insert send log: %w", err)
	}

	return nil
}

// GetStats summarizes scheduled-send state for the stats endpoint.
func (r *Repository) GetStats(ctx context.Context, maxRetries int) (*SchedulerStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('pending', 'queued')),
			COUNT(*) FILTER (WHERE status IN ('sent', 'delivered')),
			COUNT(*) FILTER (WHERE status = 'failed' AND retry_count >= $1),
			COUNT(*) FILTER (WHERE status = 'failed' AND retry_count < $1)
		FROM scheduled_sends
	`

	stats := &SchedulerStats{}
	err := r.db.Pool().QueryRow(ctx, query, maxRetries).Scan(
		&stats.TotalPending,
		&stats.TotalSent,
		&stats.TotalFailed,
		&stats.TotalRetrying,
	)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}

	recentQuery := selectSendColumns + `
		WHERE status IN ('sent', 'delivered', 'failed')
		ORDER BY updated_at DESC
		LIMIT 20
	`
	rows, err := r.db.Pool().Query(ctx, recentQuery)
	if err != nil {
		return nil, fmt.Errorf("query recent sends: %w", err)
	}
	defer rows.Close()

	stats.RecentSends, err = collectSends(rows)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

const selectSendColumns = `
	SELECT
		id, occasion_id, group_id, recipient_user_id, recipient_identifier,
		recipient_name, occasion_name, group_name,
		target_date, send_offset, channel, due_at, status, idempotency_key,
		retry_count, error_message, failed_at, created_at, updated_at
	FROM scheduled_sends`

func scanSend(row pgx.Row) (*ScheduledSend, error) {
	var s ScheduledSend
	err := row.Scan(
		&s.ID,
		&s.OccasionID,
		&s.GroupID,
		&s.RecipientUserID,
		&s.RecipientIdentifier,
		&s.RecipientName,
		&s.OccasionName,
		&s.GroupName,
		&s.TargetDate,
		&s.Offset,
		&s.Channel,
		&s.DueAt,
		&s.Status,
		&s.IdempotencyKey,
		&s.RetryCount,
		&s.ErrorMessage,
		&s.FailedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func collectSends(rows pgx.Rows) ([]*ScheduledSend, error) {
	var sends []*ScheduledSend
	for rows.Next() {
		send, err := scanSend(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled send: %w", err)
		}
		sends = append(sends, send)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled sends: %w", err)
	}
	return sends, nil
}
