package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// fakeSender counts sends and fails per-channel on demand.
type fakeSender struct {
	mu       sync.Mutex
	sent     []string
	lastMsg  *Message
	attempts map[string]int
	failWith map[string]error
	failN    map[string]int // fail the first N attempts, then succeed
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		attempts: make(map[string]int),
		failWith: make(map[string]error),
		failN:    make(map[string]int),
	}
}

func (f *fakeSender) Send(ctx context.Context, msg *Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts[msg.Channel]++
	f.lastMsg = msg
	if err := f.failWith[msg.Channel]; err != nil {
		return "", err
	}
	if f.attempts[msg.Channel] <= f.failN[msg.Channel] {
		return "", errors.New("transient provider error")
	}
	f.sent = append(f.sent, msg.Channel)
	return "provider-" + msg.Channel, nil
}

func (f *fakeSender) SupportsChannel(channel string) bool { return true }

func (f *fakeSender) sentChannels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSender) attemptCount(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[channel]
}

func testRequest(due time.Time, channels ...string) Request {
	if len(channels) == 0 {
		channels = []string{"email"}
	}
	identifiers := make(map[string]string, len(channels))
	for _, ch := range channels {
		identifiers[ch] = "dest-" + ch
	}
	return Request{
		ID:            uuid.New(),
		EventName:     "Maya's birthday",
		RecipientName: "Priya",
		GroupName:     "My people",
		TargetDate:    due,
		DueAt:         due,
		Channels:      channels,
		Identifiers:   identifiers,
	}
}

func fastConfig() MachineConfig {
	return MachineConfig{
		Tick:  2 * time.Millisecond,
		Retry: RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond},
	}
}

func TestMachine_SendsWhenDue(t *testing.T) {
	sender := newFakeSender()
	m := NewMachine(testRequest(time.Now().Add(-time.Second)), sender, fastConfig(), zap.NewNop())

	result := m.Run(context.Background())
	if result != "EMAIL_SENT" {
		t.Fatalf("result = %q", result)
	}
	if got := sender.sentChannels(); len(got) != 1 || got[0] != "email" {
		t.Errorf("sent = %v", got)
	}

	outcomes := m.Outcomes()
	if len(outcomes) != 1 || !outcomes[0].Sent || outcomes[0].ProviderMessageID != "provider-email" {
		t.Errorf("outcomes = %+v", outcomes)
	}
}

func TestMachine_WaitsForDueTime(t *testing.T) {
	sender := newFakeSender()
	m := NewMachine(testRequest(time.Now().Add(30*time.Millisecond)), sender, fastConfig(), zap.NewNop())

	done := make(chan string, 1)
	start := time.Now()
	go func() { done <- m.Run(context.Background()) }()

	result := <-done
	if result != "EMAIL_SENT" {
		t.Fatalf("result = %q", result)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("sent after %v, before the due time", elapsed)
	}
}

func TestMachine_ValidationFailure(t *testing.T) {
	sender := newFakeSender()
	req := testRequest(time.Now().Add(-time.Second), "email", "sms")
	req.Identifiers["sms"] = ""

	m := NewMachine(req, sender, fastConfig(), zap.NewNop())
	result := m.Run(context.Background())
	if result != ResultValidationFailed {
		t.Fatalf("result = %q", result)
	}
	if len(sender.sentChannels()) != 0 {
		t.Error("nothing should be sent after validation failure")
	}
}

func TestMachine_NoChannels(t *testing.T) {
	req := testRequest(time.Now().Add(-time.Second))
	req.Channels = nil

	m := NewMachine(req, newFakeSender(), fastConfig(), zap.NewNop())
	if result := m.Run(context.Background()); result != ResultValidationFailed {
		t.Fatalf("result = %q", result)
	}
}

func TestMachine_CancelBeforeDue(t *testing.T) {
	sender := newFakeSender()
	m := NewMachine(testRequest(time.Now().Add(time.Hour)), sender, fastConfig(), zap.NewNop())

	go m.Run(context.Background())
	m.Cancel()

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("machine did not finish after cancel")
	}

	if m.Result() != ResultCanceled {
		t.Fatalf("result = %q", m.Result())
	}
	if len(sender.sentChannels()) != 0 {
		t.Error("canceled machine must not send")
	}
}

func TestMachine_CancelAfterDuePassedButPaused(t *testing.T) {
	// Pause before the due time, let the due time pass, then cancel:
	// nothing may be sent even though the reminder is overdue.
	sender := newFakeSender()
	m := NewMachine(testRequest(time.Now().Add(10*time.Millisecond)), sender, fastConfig(), zap.NewNop())

	m.Pause()
	go m.Run(context.Background())

	time.Sleep(40 * time.Millisecond)
	if m.isDone() {
		t.Fatal("paused machine should still be waiting")
	}
	m.Cancel()

	if m.Result() != ResultCanceled {
		t.Fatalf("result = %q", m.Result())
	}
	if len(sender.sentChannels()) != 0 {
		t.Error("canceled machine must not send")
	}
}

func TestMachine_PauseStopsCountdownResumeContinues(t *testing.T) {
	sender := newFakeSender()
	m := NewMachine(testRequest(time.Now().Add(20*time.Millisecond)), sender, fastConfig(), zap.NewNop())

	m.Pause()
	go m.Run(context.Background())

	// Far past the original due time, still paused, still waiting.
	time.Sleep(80 * time.Millisecond)
	if m.isDone() {
		t.Fatal("machine sent while paused")
	}

	st := m.Status()
	if !st.IsPaused {
		t.Error("status should report paused")
	}

	m.Resume()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("machine did not finish after resume")
	}
	if m.Result() != "EMAIL_SENT" {
		t.Fatalf("result = %q", m.Result())
	}
}

func TestMachine_MultiChannelPartialFailure(t *testing.T) {
	sender := newFakeSender()
	sender.failWith["sms"] = Permanent(errors.New("number unreachable"))

	m := NewMachine(testRequest(time.Now().Add(-time.Second), "email", "sms"), sender, fastConfig(), zap.NewNop())
	result := m.Run(context.Background())

	if result != "EMAIL_SENT, SMS_FAILED" {
		t.Fatalf("result = %q", result)
	}

	outcomes := m.Outcomes()
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d", len(outcomes))
	}
	if !outcomes[0].Sent || outcomes[1].Sent {
		t.Errorf("outcomes = %+v", outcomes)
	}
}

func TestMachine_TransientErrorsRetried(t *testing.T) {
	sender := newFakeSender()
	sender.failN["email"] = 2 // first two attempts fail, third succeeds

	m := NewMachine(testRequest(time.Now().Add(-time.Second)), sender, fastConfig(), zap.NewNop())
	if result := m.Run(context.Background()); result != "EMAIL_SENT" {
		t.Fatalf("result = %q", result)
	}
	if n := sender.attemptCount("email"); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestMachine_RetriesExhausted(t *testing.T) {
	sender := newFakeSender()
	sender.failWith["email"] = errors.New("provider down")

	m := NewMachine(testRequest(time.Now().Add(-time.Second)), sender, fastConfig(), zap.NewNop())
	if result := m.Run(context.Background()); result != "EMAIL_FAILED" {
		t.Fatalf("result = %q", result)
	}
	if n := sender.attemptCount("email"); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}

	outcomes := m.Outcomes()
	if outcomes[0].Err == nil || !strings.Contains(outcomes[0].Err.Error(), "retries exhausted") {
		t.Errorf("err = %v", outcomes[0].Err)
	}
}

func TestMachine_PermanentErrorNotRetried(t *testing.T) {
	sender := newFakeSender()
	sender.failWith["email"] = Permanent(errors.New("mailbox does not exist"))

	m := NewMachine(testRequest(time.Now().Add(-time.Second)), sender, fastConfig(), zap.NewNop())
	if result := m.Run(context.Background()); result != "EMAIL_FAILED" {
		t.Fatalf("result = %q", result)
	}
	if n := sender.attemptCount("email"); n != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on permanent errors)", n)
	}
}

func TestMachine_DaysUntilCountedInTargetZone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}

	// 01:00 UTC on June 16 is still the evening of June 15 in New York,
	// so a June 16 target there is tomorrow, not today.
	now := time.Date(2026, time.June, 16, 1, 0, 0, 0, time.UTC)
	sender := newFakeSender()
	cfg := fastConfig()
	cfg.Now = func() time.Time { return now }

	req := testRequest(now.Add(-time.Minute))
	req.TargetDate = time.Date(2026, time.June, 16, 0, 0, 0, 0, ny)

	m := NewMachine(req, sender, cfg, zap.NewNop())
	if result := m.Run(context.Background()); result != "EMAIL_SENT" {
		t.Fatalf("result = %q", result)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.lastMsg.DaysUntil != 1 {
		t.Errorf("days until = %d, want 1", sender.lastMsg.DaysUntil)
	}
}

func TestMachine_ContextCancellationStopsWait(t *testing.T) {
	sender := newFakeSender()
	m := NewMachine(testRequest(time.Now().Add(time.Hour)), sender, fastConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	cancel()

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("machine did not stop on context cancellation")
	}
	if m.Result() != ResultCanceled {
		t.Fatalf("result = %q", m.Result())
	}
}

func TestMachine_StatusWhileWaiting(t *testing.T) {
	m := NewMachine(testRequest(time.Now().Add(time.Hour)), newFakeSender(), fastConfig(), zap.NewNop())
	go m.Run(context.Background())
	defer m.Cancel()

	time.Sleep(10 * time.Millisecond)
	st := m.Status()
	if st.EventName != "Maya's birthday" {
		t.Errorf("event name = %q", st.EventName)
	}
	if st.NextReminderAt == nil {
		t.Fatal("waiting machine should expose the next reminder time")
	}
	if st.RemindersSent != 0 {
		t.Errorf("reminders sent = %d", st.RemindersSent)
	}
}

func TestMachine_StatusAfterSend(t *testing.T) {
	m := NewMachine(testRequest(time.Now().Add(-time.Second)), newFakeSender(), fastConfig(), zap.NewNop())
	m.Run(context.Background())

	st := m.Status()
	if st.RemindersSent != 1 {
		t.Errorf("reminders sent = %d, want 1", st.RemindersSent)
	}
	if st.NextReminderAt != nil {
		t.Errorf("finished machine should have no next reminder, got %v", st.NextReminderAt)
	}
}

func TestChannelOutcome_Result(t *testing.T) {
	sent := ChannelOutcome{Channel: "email", Sent: true}
	if sent.Result() != "EMAIL_SENT" {
		t.Errorf("result = %q", sent.Result())
	}
	failed := ChannelOutcome{Channel: "sms"}
	if failed.Result() != "SMS_FAILED" {
		t.Errorf("result = %q", failed.Result())
	}
}
