package schedule

import (
	"github.com/google/uuid"

	"github.com/kindful-app/kindful/internal/db"
)

// Recipient is one account that should receive a reminder, with the
// contact identifiers its channels draw from.
type Recipient struct {
	UserID uuid.UUID
	Name   string
	Email  string
	Phone  string
}

// ResolveRecipients determines who gets notified about an occasion of
// the celebrated contact, under the group's distribution semantics.
//
// Personal groups funnel everything to the owner's linked account, the
// owner's own occasions included. Team
// groups notify every active member with a linked account except the
// celebrated contact, so nobody is reminded of their own occasion.
// Contacts without a linked account cannot log in or receive anything
// and are skipped either way. Unknown group types fall back to personal
// for compatibility with rows that predate group types.
func ResolveRecipients(group *db.Group, roster []db.RosterEntry, celebratedContactID uuid.UUID) []Recipient {
	switch group.EffectiveType() {
	case db.GroupTeam:
		return teamRecipients(roster, celebratedContactID)
	default:
		return personalRecipients(group, roster)
	}
}

func personalRecipients(group *db.Group, roster []db.RosterEntry) []Recipient {
	for _, e := range roster {
		if e.UserID == nil || *e.UserID != group.OwnerUserID {
			continue
		}
		return []Recipient{{
			UserID: *e.UserID,
			Name:   e.DisplayName(),
			Email:  e.Email,
			Phone:  e.Phone,
		}}
	}
	// Owner has no linked, active contact in the roster: nobody to notify.
	return nil
}

func teamRecipients(roster []db.RosterEntry, celebratedContactID uuid.UUID) []Recipient {
	recipients := make([]Recipient, 0, len(roster))
	for _, e := range roster {
		if e.ContactID == celebratedContactID {
			continue
		}
		if e.UserID == nil {
			continue
		}
		recipients = append(recipients, Recipient{
			UserID: *e.UserID,
			Name:   e.DisplayName(),
			Email:  e.Email,
			Phone:  e.Phone,
		})
	}
	return recipients
}

// IdentifierFor resolves the delivery identifier a channel needs for a
// recipient: email address for email, phone number for sms, and the
// group's webhook URL for webhook. A missing identifier means the
// channel is skipped for that recipient, not an error.
func IdentifierFor(recipient Recipient, channel string, group *db.Group) (string, bool) {
	switch channel {
	case db.ChannelEmail:
		return recipient.Email, recipient.Email != ""
	case db.ChannelSMS:
		return recipient.Phone, recipient.Phone != ""
	case db.ChannelWebhook:
		if group.WebhookURL == nil || *group.WebhookURL == "" {
			return "", false
		}
		return *group.WebhookURL, true
	default:
		return "", false
	}
}
