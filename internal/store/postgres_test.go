package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

func calendarRow(id, userID, accountID int64, providerID string, token any) []any {
	return []any{id, userID, accountID, providerID, "Cal " + providerID, false, nil, token, false, "0123456789abcdef0123456789abcdef"}
}

func TestAccountGetNotFound(t *testing.T) {
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{expect: regexp.MustCompile("FROM external_accounts a WHERE a.user_id=\\$1 AND a.id=\\$2"), args: []any{int64(1), int64(9)}, err: pgx.ErrNoRows},
		},
	}
	s := New(pool)

	if _, err := s.Accounts.Get(context.Background(), 1, 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	pool.assertDone()
}

func TestAccountGetScansNullableCredentials(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{
				expect: regexp.MustCompile("FROM external_accounts"),
				values: []any{int64(4), int64(1), "me@example.com", nil, nil, now, true, false, false, now},
			},
		},
	}
	s := New(pool)

	acct, err := s.Accounts.Get(context.Background(), 1, 4)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if acct.Credentials != nil || acct.CredentialExpiry != nil {
		t.Fatalf("expected cleared credentials, got %+v", acct)
	}
	if acct.ProviderEmail != "me@example.com" || !acct.CalendarSyncEnabled {
		t.Fatalf("unexpected account %+v", acct)
	}
	pool.assertDone()
}

func TestAccountUpdateCredentialsScopedByUser(t *testing.T) {
	expiry := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	refreshed := expiry.Add(-time.Hour)
	pool := &mockPool{
		t: t,
		execs: []execExpectation{
			{expect: regexp.MustCompile("UPDATE external_accounts SET credentials=\\$3"), args: []any{int64(2), int64(4), []byte("blob"), &expiry, refreshed}},
			{expect: regexp.MustCompile("UPDATE external_accounts SET credentials=\\$3"), tag: "UPDATE 0"},
		},
	}
	s := New(pool)

	if err := s.Accounts.UpdateCredentials(context.Background(), 2, 4, []byte("blob"), &expiry, refreshed); err != nil {
		t.Fatalf("UpdateCredentials: %v", err)
	}
	// Another user's account id affects no row.
	if err := s.Accounts.UpdateCredentials(context.Background(), 3, 4, []byte("blob"), &expiry, refreshed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	pool.assertDone()
}

func TestCalendarUpsertRequiresOwnedAccount(t *testing.T) {
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{
				expect: regexp.MustCompile("INSERT INTO tracked_calendars AS c[\\s\\S]*FROM external_accounts a WHERE a.id=\\$2 AND a.user_id=\\$1"),
				args:   []any{int64(7), int64(3), "primary", "Main", false, nil},
				err:    pgx.ErrNoRows,
			},
		},
	}
	s := New(pool)

	_, err := s.Calendars.Upsert(context.Background(), TrackedCalendar{UserID: 7, AccountID: 3, ProviderCalendarID: "primary", Name: "Main"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign account, got %v", err)
	}
	pool.assertDone()
}

func TestCalendarListByUserScansRows(t *testing.T) {
	token := "sync-1"
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{
				expect: regexp.MustCompile("FROM tracked_calendars c WHERE c.user_id=\\$1 ORDER BY c.id"),
				args:   []any{int64(1)},
				rows: [][]any{
					calendarRow(1, 1, 2, "primary", nil),
					calendarRow(2, 1, 2, "work", token),
				},
			},
		},
	}
	s := New(pool)

	cals, err := s.Calendars.ListByUser(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(cals) != 2 {
		t.Fatalf("expected 2 calendars, got %d", len(cals))
	}
	if cals[0].SyncToken != nil {
		t.Errorf("expected nil cursor, got %v", *cals[0].SyncToken)
	}
	if cals[1].SyncToken == nil || *cals[1].SyncToken != "sync-1" {
		t.Errorf("unexpected cursor %v", cals[1].SyncToken)
	}
	pool.assertDone()
}

func TestCalendarMarkMissingDeleted(t *testing.T) {
	pool := &mockPool{
		t: t,
		execs: []execExpectation{
			{expect: regexp.MustCompile("SET deleted=TRUE"), args: []any{int64(1), int64(2), []string{"primary"}}, tag: "UPDATE 2"},
			{expect: regexp.MustCompile("SET deleted=TRUE"), args: []any{int64(1), int64(2), []string{}}, tag: "UPDATE 0"},
		},
	}
	s := New(pool)

	n, err := s.Calendars.MarkMissingDeleted(context.Background(), 1, 2, []string{"primary"})
	if err != nil || n != 2 {
		t.Fatalf("expected 2 rows, got %d (%v)", n, err)
	}
	if _, err := s.Calendars.MarkMissingDeleted(context.Background(), 1, 2, nil); err != nil {
		t.Fatalf("MarkMissingDeleted with empty listing: %v", err)
	}
	pool.assertDone()
}

func TestLinkValidate(t *testing.T) {
	bad := "("
	tests := []struct {
		name  string
		link  SyncLink
		field string
	}{
		{name: "no sources", link: SyncLink{SinkIDs: []int64{1}}, field: "sources"},
		{name: "no sinks", link: SyncLink{SourceIDs: []int64{1}}, field: "sinks"},
		{name: "negative threshold", link: SyncLink{SourceIDs: []int64{1}, SinkIDs: []int64{2}, InviteeSkipThreshold: -1}, field: "invitee_skip_threshold"},
		{name: "bad title regexp", link: SyncLink{SourceIDs: []int64{1}, SinkIDs: []int64{2}, TitleMatch: &bad}, field: "title_match"},
		{name: "bad creator regexp", link: SyncLink{SourceIDs: []int64{1}, SinkIDs: []int64{2}, CreatorMatch: &bad}, field: "creator_match"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var cfgErr *ConfigurationError
			if err := tc.link.Validate(); !errors.As(err, &cfgErr) || cfgErr.Field != tc.field {
				t.Fatalf("expected ConfigurationError on %s, got %v", tc.field, err)
			}
		})
	}
}

func TestLinkCreateRejectsForeignCalendar(t *testing.T) {
	tx := &mockTx{
		queries: []queryExpectation{
			{expect: regexp.MustCompile("SELECT COUNT\\(\\*\\) FROM tracked_calendars WHERE user_id=\\$1"), args: []any{int64(1), []int64{10}}, value: 1},
			// Calendar 20 belongs to another user.
			{expect: regexp.MustCompile("SELECT COUNT\\(\\*\\) FROM tracked_calendars WHERE user_id=\\$1"), args: []any{int64(1), []int64{20}}, value: 0},
		},
	}
	pool := &mockPool{t: t, txs: []*mockTx{tx}}
	s := New(pool)

	_, err := s.Links.Create(context.Background(), SyncLink{UserID: 1, SourceIDs: []int64{10}, SinkIDs: []int64{20}})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "sinks" {
		t.Fatalf("expected ConfigurationError on sinks, got %v", err)
	}
	pool.assertDone()
	tx.assertDone()
	if tx.committed {
		t.Fatal("transaction must not commit")
	}
}

func TestLinkCreateInsertsMembership(t *testing.T) {
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	title := "Busy"
	tx := &mockTx{
		queries: []queryExpectation{
			{expect: regexp.MustCompile("SELECT COUNT"), args: []any{int64(1), []int64{10, 11}}, value: 2},
			{expect: regexp.MustCompile("SELECT COUNT"), args: []any{int64(1), []int64{20}}, value: 1},
			{expect: regexp.MustCompile("INSERT INTO sync_links"), args: []any{int64(1), true, &title, nil, nil, nil, 0}, values: []any{int64(5), created}},
		},
		execs: []execExpectation{
			{expect: regexp.MustCompile("INSERT INTO sync_link_sources"), args: []any{int64(5), []int64{10, 11}}},
			{expect: regexp.MustCompile("INSERT INTO sync_link_sinks"), args: []any{int64(5), []int64{20}}},
		},
	}
	pool := &mockPool{t: t, txs: []*mockTx{tx}}
	s := New(pool)

	link, err := s.Links.Create(context.Background(), SyncLink{
		UserID:       1,
		SourceIDs:    []int64{10, 11, 10},
		SinkIDs:      []int64{20},
		HideDetails:  true,
		DefaultTitle: &title,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if link.ID != 5 || !link.CreatedAt.Equal(created) {
		t.Fatalf("unexpected link %+v", link)
	}
	pool.assertDone()
	tx.assertDone()
	if !tx.committed {
		t.Fatal("expected commit")
	}
}

func TestLinkSinksJoinOnOwner(t *testing.T) {
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{
				expect: regexp.MustCompile("l.user_id=\\$1 AND l.id=\\$2 AND c.user_id=\\$1"),
				args:   []any{int64(1), int64(5)},
				rows:   [][]any{calendarRow(20, 1, 3, "sink", nil)},
			},
		},
	}
	s := New(pool)

	sinks, err := s.Links.Sinks(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("Sinks: %v", err)
	}
	if len(sinks) != 1 || sinks[0].ID != 20 {
		t.Fatalf("unexpected sinks %+v", sinks)
	}
	pool.assertDone()
}

func TestRuleScanConvertsMinNotice(t *testing.T) {
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{
				expect: regexp.MustCompile("FROM calendar_rules r[\\s\\S]*rc.calendar_id=\\$2"),
				args:   []any{int64(1), int64(10)},
				rows: [][]any{
					{int64(3), int64(1), []int64{10}, int64(7200), []string{"boss@example.com"}, false, false, false, false, false, created},
				},
			},
		},
	}
	s := New(pool)

	rules, err := s.Rules.ListByCalendar(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("ListByCalendar: %v", err)
	}
	if len(rules) != 1 || rules[0].MinNotice != 2*time.Hour {
		t.Fatalf("unexpected rules %+v", rules)
	}
	pool.assertDone()
}

func TestRuleDeleteScopedByUser(t *testing.T) {
	pool := &mockPool{
		t: t,
		execs: []execExpectation{
			{expect: regexp.MustCompile("DELETE FROM calendar_rules WHERE user_id=\\$1 AND id=\\$2"), args: []any{int64(2), int64(3)}, tag: "DELETE 0"},
		},
	}
	s := New(pool)

	if err := s.Rules.Delete(context.Background(), 2, 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	pool.assertDone()
}
