package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel constants
const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
)

// Occasion type constants
const (
	OccasionBirthday    = "birthday"
	OccasionAnniversary = "anniversary"
	OccasionCustom      = "custom"
)

// Group type constants. A personal group funnels every reminder to the
// group owner; a team group reminds everyone except the celebrated member.
const (
	GroupPersonal = "personal"
	GroupTeam     = "team"
)

// Leap-day policy constants for Feb 29 anchors in non-leap years.
const (
	LeapDayFeb28 = "feb_28"
	LeapDayMar01 = "mar_01"
)

// Membership role constants
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Membership status constants
const (
	MemberActive  = "active"
	MemberInvited = "invited"
	MemberRemoved = "removed"
)

// ScheduledSend status constants
const (
	StatusPending   = "pending"
	StatusQueued    = "queued"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Group is a circle of contacts that share reminder rules.
type Group struct {
	ID               uuid.UUID  `json:"id"`
	OwnerUserID      uuid.UUID  `json:"owner_user_id"`
	Name             string     `json:"name"`
	Type             string     `json:"type"`
	Timezone         string     `json:"timezone"`
	LeapDayPolicy    string     `json:"leap_day_policy"`
	RemindersEnabled bool       `json:"reminders_enabled"`
	WebhookURL       *string    `json:"webhook_url,omitempty"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// EffectiveType resolves the distribution semantics for the group.
// Rows written before group types existed have an empty type and behave
// as personal groups.
func (g *Group) EffectiveType() string {
	if g.Type == GroupTeam {
		return GroupTeam
	}
	return GroupPersonal
}

// Location resolves the group's IANA timezone, falling back to UTC when
// the zone is absent or unknown.
func (g *Group) Location() *time.Location {
	if g.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(g.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Contact is a person a group keeps occasions for. A contact may or may
// not be linked to a login account; only linked contacts can receive
// notifications.
type Contact struct {
	ID        uuid.UUID  `json:"id"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	Email     string     `json:"email"`
	Phone     string     `json:"phone"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// DisplayName returns the contact's human-readable name.
func (c *Contact) DisplayName() string {
	if c.LastName == "" {
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

// Membership links a contact into a group.
type Membership struct {
	ID        uuid.UUID `json:"id"`
	GroupID   uuid.UUID `json:"group_id"`
	ContactID uuid.UUID `json:"contact_id"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Occasion is a recurring or one-time date of significance tied to a contact.
type Occasion struct {
	ID        uuid.UUID  `json:"id"`
	ContactID uuid.UUID  `json:"contact_id"`
	Type      string     `json:"type"`
	Title     *string    `json:"title,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
	Date      time.Time  `json:"date"`
	YearKnown bool       `json:"year_known"`
	Repeat    bool       `json:"repeat"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// DisplayName renders the occasion for notification copy. Custom
// occasions carry their own title; birthdays and anniversaries are
// derived from the contact's name.
func (o *Occasion) DisplayName(contactName string) string {
	switch o.Type {
	case OccasionCustom:
		if o.Title != nil && *o.Title != "" {
			return *o.Title
		}
		return contactName + "'s occasion"
	case OccasionAnniversary:
		return contactName + "'s anniversary"
	default:
		return contactName + "'s birthday"
	}
}

// ReminderRule says when and through which channels a group's occasions
// fire. Offsets are signed day counts relative to the occurrence
// (negative = before, 0 = on the day, positive = after). Channels maps
// each offset to the channel set it uses; an offset with no channels is
// skipped during scheduling. SendHour is nil when the rule carries no
// hour of its own; zero means midnight, not "unset".
type ReminderRule struct {
	ID        uuid.UUID        `json:"id"`
	GroupID   uuid.UUID        `json:"group_id"`
	Offsets   []int            `json:"offsets"`
	Channels  map[int][]string `json:"channels"`
	SendHour  *int             `json:"send_hour,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ChannelsFor returns the channel set configured for an offset.
func (r *ReminderRule) ChannelsFor(offset int) []string {
	return r.Channels[offset]
}

// Suppression is a durable per-channel opt-out. Presence of a row means
// "never deliver to this identifier on this channel".
type Suppression struct {
	Identifier string    `json:"identifier"`
	Channel    string    `json:"channel"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// ScheduledSend is the durable unit of delivery work: one planned
// notification to one recipient on one channel for one occurrence.
type ScheduledSend struct {
	ID                  uuid.UUID  `json:"id"`
	OccasionID          uuid.UUID  `json:"occasion_id"`
	GroupID             uuid.UUID  `json:"group_id"`
	RecipientUserID     uuid.UUID  `json:"recipient_user_id"`
	RecipientIdentifier string     `json:"recipient_identifier"`
	RecipientName       string     `json:"recipient_name"`
	OccasionName        string     `json:"occasion_name"`
	GroupName           string     `json:"group_name"`
	TargetDate          time.Time  `json:"target_date"`
	Offset              int        `json:"offset"`
	Channel             string     `json:"channel"`
	DueAt               time.Time  `json:"due_at"`
	Status              string     `json:"status"`
	IdempotencyKey      string     `json:"idempotency_key"`
	RetryCount          int        `json:"retry_count"`
	ErrorMessage        *string    `json:"error_message,omitempty"`
	FailedAt            *time.Time `json:"failed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// IdempotencyKey builds the deterministic dedup key for a planned send.
// The format is stable across reruns of the same logical day:
// {occasionID}-{yyyy-MM-dd of target date}-{offset}-{channel}-{identifier}.
func IdempotencyKey(occasionID uuid.UUID, targetDate time.Time, offset int, channel, identifier string) string {
	return fmt.Sprintf("%s-%s-%d-%s-%s",
		occasionID, targetDate.Format("2006-01-02"), offset, channel, identifier)
}

// IsTerminal reports whether a status may never be overwritten by the
// scheduling pass.
func IsTerminal(status string) bool {
	switch status {
	case StatusSent, StatusDelivered, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// SendLog is an append-only record of a single delivery attempt outcome.
type SendLog struct {
	ID                uuid.UUID `json:"id"`
	ScheduledSendID   uuid.UUID `json:"scheduled_send_id"`
	Channel           string    `json:"channel"`
	Outcome           string    `json:"outcome"`
	ProviderMessageID *string   `json:"provider_message_id,omitempty"`
	ErrorMessage      *string   `json:"error_message,omitempty"`
	AttemptedAt       time.Time `json:"attempted_at"`
}

// RosterEntry is a membership joined with its contact, as consumed by
// the scheduling pass. Occasions holds the contact's non-deleted
// occasions.
type RosterEntry struct {
	MembershipID uuid.UUID
	ContactID    uuid.UUID
	UserID       *uuid.UUID
	Role         string
	Status       string
	FirstName    string
	LastName     string
	Email        string
	Phone        string
	Occasions    []Occasion
}

// DisplayName returns the entry's contact name.
func (e *RosterEntry) DisplayName() string {
	if e.LastName == "" {
		return e.FirstName
	}
	return e.FirstName + " " + e.LastName
}

// ActiveRule is a reminder rule bundled with its group and the group's
// active roster, ready for a scheduling pass.
type ActiveRule struct {
	Rule   ReminderRule
	Group  Group
	Roster []RosterEntry
}

// SchedulerStats summarizes scheduled-send state for operators.
type SchedulerStats struct {
	TotalPending  int              `json:"total_pending"`
	TotalSent     int              `json:"total_sent"`
	TotalFailed   int              `json:"total_failed"`
	TotalRetrying int              `json:"total_retrying"`
	RecentSends   []*ScheduledSend `json:"recent_sends"`
}
