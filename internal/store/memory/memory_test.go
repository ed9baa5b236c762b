package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/jw6ventures/calsync/internal/store"
)

func TestCalendarUpsertKeepsUUID(t *testing.T) {
	ctx := context.Background()
	db, s := New()
	acct := db.SeedAccount(store.ExternalAccount{UserID: 1, ProviderEmail: "a@example.com"})

	first, err := s.Calendars.Upsert(ctx, store.TrackedCalendar{UserID: 1, AccountID: acct, ProviderCalendarID: "primary", Name: "A"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	second, err := s.Calendars.Upsert(ctx, store.TrackedCalendar{UserID: 1, AccountID: acct, ProviderCalendarID: "primary", Name: "B"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if first.ID != second.ID || first.UUID != second.UUID || len(first.UUID) != 32 {
		t.Fatalf("expected stable identity, got %+v and %+v", first, second)
	}
	if second.Name != "B" {
		t.Errorf("expected renamed calendar, got %q", second.Name)
	}
}

func TestRepositoriesScopeByUser(t *testing.T) {
	ctx := context.Background()
	db, s := New()
	acct := db.SeedAccount(store.ExternalAccount{UserID: 1, ProviderEmail: "a@example.com"})
	cal, _ := s.Calendars.Upsert(ctx, store.TrackedCalendar{UserID: 1, AccountID: acct, ProviderCalendarID: "primary"})

	if _, err := s.Calendars.Get(ctx, 2, cal.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other user, got %v", err)
	}
	if _, err := s.Calendars.Upsert(ctx, store.TrackedCalendar{UserID: 2, AccountID: acct, ProviderCalendarID: "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign account, got %v", err)
	}
	if err := s.Accounts.Delete(ctx, 2, acct); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting foreign account, got %v", err)
	}
}

func TestLinkCreateRejectsForeignSink(t *testing.T) {
	ctx := context.Background()
	db, s := New()
	mine := db.SeedAccount(store.ExternalAccount{UserID: 1, ProviderEmail: "a@example.com"})
	theirs := db.SeedAccount(store.ExternalAccount{UserID: 2, ProviderEmail: "b@example.com"})
	src, _ := s.Calendars.Upsert(ctx, store.TrackedCalendar{UserID: 1, AccountID: mine, ProviderCalendarID: "src"})
	foreign, _ := s.Calendars.Upsert(ctx, store.TrackedCalendar{UserID: 2, AccountID: theirs, ProviderCalendarID: "sink"})

	_, err := s.Links.Create(ctx, store.SyncLink{UserID: 1, SourceIDs: []int64{src.ID}, SinkIDs: []int64{foreign.ID}})
	var cfgErr *store.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestAccountDeleteCascades(t *testing.T) {
	ctx := context.Background()
	db, s := New()
	acct := db.SeedAccount(store.ExternalAccount{UserID: 1, ProviderEmail: "a@example.com"})
	src, _ := s.Calendars.Upsert(ctx, store.TrackedCalendar{UserID: 1, AccountID: acct, ProviderCalendarID: "src"})
	sink, _ := s.Calendars.Upsert(ctx, store.TrackedCalendar{UserID: 1, AccountID: acct, ProviderCalendarID: "sink"})
	link, err := s.Links.Create(ctx, store.SyncLink{UserID: 1, SourceIDs: []int64{src.ID}, SinkIDs: []int64{sink.ID}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.Accounts.Delete(ctx, 1, acct); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := db.Calendar(src.ID); ok {
		t.Fatal("expected calendars to be removed with the account")
	}
	got, err := s.Links.Get(ctx, 1, link.ID)
	if err != nil {
		t.Fatalf("Get link: %v", err)
	}
	if len(got.SourceIDs) != 0 || len(got.SinkIDs) != 0 {
		t.Fatalf("expected memberships to be removed, got %+v", got)
	}
}
