package rules

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jw6ventures/calsync/internal/notify"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (s *recordingSender) Send(ctx context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, n)
	return nil
}

var now = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

func newEngine(sender notify.Sender) *Engine {
	return New(sender, Options{Now: func() time.Time { return now }})
}

func event(startIn time.Duration) provider.EventRecord {
	return provider.EventRecord{
		ID:      "e1",
		Summary: "Quick sync",
		Start:   now.Add(startIn),
		End:     now.Add(startIn + 30*time.Minute),
		Creator: provider.Person{Email: "Alice@Example.com", DisplayName: "Alice"},
	}
}

func TestShortNoticeSendsOneNotification(t *testing.T) {
	sender := &recordingSender{}
	rule := store.CalendarRule{ID: 7, UserID: 1, MinNotice: 2 * time.Hour}

	sent, err := newEngine(sender).Evaluate(context.Background(), rule, "owner@example.com", event(30*time.Minute))
	if err != nil || !sent {
		t.Fatalf("Evaluate = %v, %v", sent, err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(sender.sent))
	}
	n := sender.sent[0]
	if n.To != "Alice@Example.com" || n.From != "owner@example.com" {
		t.Errorf("unexpected addressing %+v", n)
	}
	if !strings.Contains(n.Subject, "Quick sync") || !strings.Contains(n.Subject, "Alice") {
		t.Errorf("subject %q", n.Subject)
	}
	if !strings.Contains(n.Body, "2h") || !strings.Contains(n.Body, "owner@example.com") {
		t.Errorf("body %q", n.Body)
	}
}

func TestNoNotification(t *testing.T) {
	rule := store.CalendarRule{MinNotice: 2 * time.Hour, AllowList: []string{" alice@example.com "}}
	noAllow := store.CalendarRule{MinNotice: 2 * time.Hour}

	synthetic := event(time.Minute)
	synthetic.Tag()
	cancelled := event(time.Minute)
	cancelled.Status = provider.StatusCancelled
	noCreator := event(time.Minute)
	noCreator.Creator = provider.Person{DisplayName: "Someone"}

	tests := []struct {
		name string
		rule store.CalendarRule
		ev   provider.EventRecord
	}{
		{"allow-listed creator", rule, event(time.Minute)},
		{"enough notice", noAllow, event(3 * time.Hour)},
		{"exactly the minimum", noAllow, event(2 * time.Hour)},
		{"no minimum configured", store.CalendarRule{}, event(time.Minute)},
		{"synthetic copy", noAllow, synthetic},
		{"cancelled", noAllow, cancelled},
		{"no creator email", noAllow, noCreator},
		{"reserved flags only", store.CalendarRule{DeclineConflict: true, WarnLocationMismatch: true, TryDeleteCanceledEvents: true}, event(time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &recordingSender{}
			sent, err := newEngine(sender).Evaluate(context.Background(), tt.rule, "owner@example.com", tt.ev)
			if err != nil || sent || len(sender.sent) != 0 {
				t.Fatalf("expected no notification, got sent=%v err=%v n=%d", sent, err, len(sender.sent))
			}
		})
	}
}

func TestSenderFailureIsReturned(t *testing.T) {
	sender := &recordingSender{err: errors.New("relay down")}
	rule := store.CalendarRule{MinNotice: time.Hour}

	sent, err := newEngine(sender).Evaluate(context.Background(), rule, "owner@example.com", event(time.Minute))
	if sent || err == nil {
		t.Fatalf("expected error, got sent=%v err=%v", sent, err)
	}
}

func TestWarnsOncePerRuleAndEvent(t *testing.T) {
	sender := &recordingSender{}
	engine := newEngine(sender)
	rule := store.CalendarRule{ID: 7, UserID: 1, MinNotice: 2 * time.Hour}
	other := store.CalendarRule{ID: 8, UserID: 1, MinNotice: 2 * time.Hour}

	moved := event(45 * time.Minute)
	moved.Summary = "Quick sync (moved)"
	second := event(30 * time.Minute)
	second.ID = "e2"

	steps := []struct {
		name string
		rule store.CalendarRule
		ev   provider.EventRecord
		sent bool
	}{
		{"first sighting", rule, event(30 * time.Minute), true},
		{"resync of the same event", rule, event(30 * time.Minute), false},
		{"modification of the same event", rule, moved, false},
		{"another rule", other, event(30 * time.Minute), true},
		{"another event", rule, second, true},
	}
	for _, step := range steps {
		sent, err := engine.Evaluate(context.Background(), step.rule, "owner@example.com", step.ev)
		if err != nil || sent != step.sent {
			t.Fatalf("%s: Evaluate = %v, %v; want sent=%v", step.name, sent, err, step.sent)
		}
	}
	if len(sender.sent) != 3 {
		t.Fatalf("expected three notifications, got %d", len(sender.sent))
	}
}

func TestFailedSendCanBeRetried(t *testing.T) {
	sender := &recordingSender{err: errors.New("relay down")}
	engine := newEngine(sender)
	rule := store.CalendarRule{ID: 3, MinNotice: time.Hour}

	if _, err := engine.Evaluate(context.Background(), rule, "owner@example.com", event(time.Minute)); err == nil {
		t.Fatal("expected the relay error")
	}
	sender.err = nil
	sent, err := engine.Evaluate(context.Background(), rule, "owner@example.com", event(time.Minute))
	if err != nil || !sent {
		t.Fatalf("retry after a failed send: sent=%v err=%v", sent, err)
	}
}

func TestLocalMarkerExpires(t *testing.T) {
	clock := now
	m := NewLocalMarker()
	m.now = func() time.Time { return clock }

	steps := []struct {
		advance time.Duration
		fresh   bool
	}{
		{0, true},
		{time.Hour, false},
		{2 * time.Hour, true},
	}
	for i, step := range steps {
		clock = clock.Add(step.advance)
		fresh, err := m.Mark(context.Background(), "7:e1", 2*time.Hour)
		if err != nil || fresh != step.fresh {
			t.Fatalf("step %d: Mark = %v, %v; want %v", i, fresh, err, step.fresh)
		}
	}
}

func TestRedisMarkerSharedBetweenEngines(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sender := &recordingSender{}
	rule := store.CalendarRule{ID: 7, MinNotice: 2 * time.Hour}
	for i := 0; i < 2; i++ {
		engine := New(sender, Options{Now: func() time.Time { return now }, Marker: NewRedisMarker(client)})
		if _, err := engine.Evaluate(context.Background(), rule, "owner@example.com", event(30*time.Minute)); err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one notification across instances, got %d", len(sender.sent))
	}
	if ttl := mr.TTL("calsync:notice:7:e1"); ttl < markGrace {
		t.Fatalf("mark should outlive the event start, ttl %v", ttl)
	}
}

func TestSubjectWithoutDisplayName(t *testing.T) {
	ev := event(time.Minute)
	ev.Creator.DisplayName = ""
	if got := subject(ev); got != "Short notice: Quick sync" {
		t.Errorf("subject = %q", got)
	}
	if got := formatNotice(90 * time.Minute); got != "1h30m" {
		t.Errorf("formatNotice = %q", got)
	}
}
