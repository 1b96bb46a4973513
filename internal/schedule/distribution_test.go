package schedule

import (
	"testing"

	"github.com/google/uuid"

	"github.com/kindful-app/kindful/internal/db"
)

func linked(contactID uuid.UUID, userID uuid.UUID, first, email, phone string) db.RosterEntry {
	return db.RosterEntry{
		MembershipID: uuid.New(),
		ContactID:    contactID,
		UserID:       &userID,
		Status:       db.MemberActive,
		FirstName:    first,
		Email:        email,
		Phone:        phone,
	}
}

func unlinked(contactID uuid.UUID, first string) db.RosterEntry {
	return db.RosterEntry{
		MembershipID: uuid.New(),
		ContactID:    contactID,
		Status:       db.MemberActive,
		FirstName:    first,
	}
}

func TestResolveRecipients_PersonalGoesToOwner(t *testing.T) {
	ownerUser := uuid.New()
	ownerContact := uuid.New()
	friendContact := uuid.New()

	group := &db.Group{ID: uuid.New(), OwnerUserID: ownerUser, Type: db.GroupPersonal}
	roster := []db.RosterEntry{
		linked(ownerContact, ownerUser, "Priya", "priya@example.com", "+15550001111"),
		unlinked(friendContact, "Maya"),
	}

	got := ResolveRecipients(group, roster, friendContact)
	if len(got) != 1 {
		t.Fatalf("recipients = %d, want 1", len(got))
	}
	if got[0].UserID != ownerUser {
		t.Errorf("recipient = %s, want owner", got[0].UserID)
	}
	if got[0].Email != "priya@example.com" {
		t.Errorf("email = %s", got[0].Email)
	}
}

func TestResolveRecipients_PersonalIncludesOwnOccasion(t *testing.T) {
	ownerUser := uuid.New()
	ownerContact := uuid.New()

	group := &db.Group{ID: uuid.New(), OwnerUserID: ownerUser, Type: db.GroupPersonal}
	roster := []db.RosterEntry{
		linked(ownerContact, ownerUser, "Priya", "priya@example.com", ""),
	}

	// The owner's own birthday still reminds the owner.
	got := ResolveRecipients(group, roster, ownerContact)
	if len(got) != 1 || got[0].UserID != ownerUser {
		t.Fatalf("owner should be reminded of their own occasion, got %+v", got)
	}
}

func TestResolveRecipients_PersonalOwnerUnlinked(t *testing.T) {
	group := &db.Group{ID: uuid.New(), OwnerUserID: uuid.New(), Type: db.GroupPersonal}
	roster := []db.RosterEntry{
		unlinked(uuid.New(), "Maya"),
	}

	if got := ResolveRecipients(group, roster, roster[0].ContactID); got != nil {
		t.Fatalf("expected nobody to notify, got %+v", got)
	}
}

func TestResolveRecipients_TeamExcludesCelebrated(t *testing.T) {
	celebrated := uuid.New()
	group := &db.Group{ID: uuid.New(), OwnerUserID: uuid.New(), Type: db.GroupTeam}
	roster := []db.RosterEntry{
		linked(celebrated, uuid.New(), "Maya", "maya@example.com", ""),
		linked(uuid.New(), uuid.New(), "Ravi", "ravi@example.com", ""),
		linked(uuid.New(), uuid.New(), "Elena", "elena@example.com", ""),
	}

	got := ResolveRecipients(group, roster, celebrated)
	if len(got) != 2 {
		t.Fatalf("recipients = %d, want 2", len(got))
	}
	for _, r := range got {
		if r.Email == "maya@example.com" {
			t.Error("celebrated contact was included in their own reminder")
		}
	}
}

func TestResolveRecipients_TeamSkipsUnlinked(t *testing.T) {
	celebrated := uuid.New()
	group := &db.Group{ID: uuid.New(), OwnerUserID: uuid.New(), Type: db.GroupTeam}
	roster := []db.RosterEntry{
		unlinked(celebrated, "Maya"),
		linked(uuid.New(), uuid.New(), "Ravi", "ravi@example.com", ""),
		unlinked(uuid.New(), "Plus One"),
	}

	got := ResolveRecipients(group, roster, celebrated)
	if len(got) != 1 {
		t.Fatalf("recipients = %d, want 1", len(got))
	}
	if got[0].Email != "ravi@example.com" {
		t.Errorf("recipient = %s", got[0].Email)
	}
}

func TestResolveRecipients_EmptyTypeBehavesAsPersonal(t *testing.T) {
	ownerUser := uuid.New()
	ownerContact := uuid.New()

	group := &db.Group{ID: uuid.New(), OwnerUserID: ownerUser, Type: ""}
	roster := []db.RosterEntry{
		linked(ownerContact, ownerUser, "Priya", "priya@example.com", ""),
		linked(uuid.New(), uuid.New(), "Ravi", "ravi@example.com", ""),
	}

	got := ResolveRecipients(group, roster, roster[1].ContactID)
	if len(got) != 1 || got[0].UserID != ownerUser {
		t.Fatalf("untyped group should resolve as personal, got %+v", got)
	}
}

func TestIdentifierFor(t *testing.T) {
	webhookURL := "https://hooks.example.com/kindful"
	group := &db.Group{WebhookURL: &webhookURL}
	recipient := Recipient{Email: "a@example.com", Phone: "+15550001111"}

	tests := []struct {
		channel string
		want    string
		ok      bool
	}{
		{db.ChannelEmail, "a@example.com", true},
		{db.ChannelSMS, "+15550001111", true},
		{db.ChannelWebhook, webhookURL, true},
		{"carrier-pigeon", "", false},
	}

	for _, tt := range tests {
		got, ok := IdentifierFor(recipient, tt.channel, group)
		if got != tt.want || ok != tt.ok {
			t.Errorf("IdentifierFor(%s) = (%q, %v), want (%q, %v)", tt.channel, got, ok, tt.want, tt.ok)
		}
	}
}

func TestIdentifierFor_MissingValues(t *testing.T) {
	group := &db.Group{}
	recipient := Recipient{}

	for _, channel := range []string{db.ChannelEmail, db.ChannelSMS, db.ChannelWebhook} {
		if _, ok := IdentifierFor(recipient, channel, group); ok {
			t.Errorf("channel %s should have no identifier", channel)
		}
	}
}
