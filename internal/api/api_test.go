package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/auth"
	"github.com/jw6ventures/calsync/internal/config"
	"github.com/jw6ventures/calsync/internal/credentials"
	"github.com/jw6ventures/calsync/internal/secrets"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/store/memory"
	"github.com/jw6ventures/calsync/internal/syncer"
)

type fakeEngine struct {
	pollErr     error
	polled      []int64
	subscribed  [][]int64
	discovered  []int64
	discoverErr map[int64]error
	store       *store.Store
}

func (f *fakeEngine) SyncCalendarByID(ctx context.Context, userID, calendarID int64) error {
	f.polled = append(f.polled, calendarID)
	return f.pollErr
}

func (f *fakeEngine) DiscoverAccount(ctx context.Context, userID, accountID int64) ([]store.TrackedCalendar, error) {
	f.discovered = append(f.discovered, accountID)
	return []store.TrackedCalendar{{ID: 99, AccountID: accountID, ProviderCalendarID: "primary", Name: "Primary"}}, nil
}

func (f *fakeEngine) DiscoverUser(ctx context.Context, userID int64) ([]syncer.AccountDiscovery, error) {
	accts, err := f.store.Accounts.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []syncer.AccountDiscovery
	for _, a := range accts {
		res := syncer.AccountDiscovery{Account: a, Err: f.discoverErr[a.ID]}
		if res.Err == nil {
			res.Calendars, _ = f.DiscoverAccount(ctx, userID, a.ID)
		}
		out = append(out, res)
	}
	return out, nil
}

func (f *fakeEngine) Subscribe(ctx context.Context, userID int64, calendarIDs []int64) error {
	f.subscribed = append(f.subscribed, calendarIDs)
	return nil
}

type fakeConnector struct{}

func (fakeConnector) AuthCodeURL(userID int64, groups string) (string, error) {
	if groups == "bogus" {
		return "", errors.New("unknown scope group bogus")
	}
	return fmt.Sprintf("https://accounts.example.com/auth?user=%d&groups=%s", userID, groups), nil
}

type fixture struct {
	db     *memory.DB
	store  *store.Store
	engine *fakeEngine
	router http.Handler
	acctID int64
	work   store.TrackedCalendar
	home   store.TrackedCalendar
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sealer, err := secrets.NewSealer(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	groups, err := config.LoadScopeGroups()
	if err != nil {
		t.Fatalf("LoadScopeGroups: %v", err)
	}
	db, s := memory.New()
	creds := credentials.New(s.Accounts, sealer, credentials.Options{})

	granted := []string{
		"openid",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/calendar.events",
		"https://www.googleapis.com/auth/calendar.calendarlist.readonly",
	}
	blob, expiry, err := creds.Seal(1, "me@example.com", &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)}, granted)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	acctID := db.SeedAccount(store.ExternalAccount{UserID: 1, ProviderEmail: "me@example.com", Credentials: blob, CredentialExpiry: expiry, CalendarSyncEnabled: true})
	db.SeedAccount(store.ExternalAccount{UserID: 1, ProviderEmail: "old@example.com"})
	db.SeedAccount(store.ExternalAccount{UserID: 2, ProviderEmail: "other@example.com"})

	ctx := context.Background()
	work, _ := s.Calendars.Upsert(ctx, store.TrackedCalendar{UserID: 1, AccountID: acctID, ProviderCalendarID: "work", Name: "Work"})
	home, _ := s.Calendars.Upsert(ctx, store.TrackedCalendar{UserID: 1, AccountID: acctID, ProviderCalendarID: "home", Name: "Home"})

	engine := &fakeEngine{store: s}
	h := NewHandler(s, engine, fakeConnector{}, creds, groups)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(auth.WithUserID(req.Context(), 1)))
		})
	})
	h.Routes(r)

	return &fixture{db: db, store: s, engine: engine, router: r, acctID: acctID, work: *work, home: *home}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestConnect(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/connect?scopes=cal_scopes", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if !strings.Contains(body["url"], "user=1") {
		t.Fatalf("unexpected url %q", body["url"])
	}

	if rec := f.do(t, http.MethodGet, "/connect?scopes=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown group, got %d", rec.Code)
	}
}

func TestListAccounts(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/accounts", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var accts []accountView
	if err := json.NewDecoder(rec.Body).Decode(&accts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(accts) != 2 {
		t.Fatalf("expected only the user's two accounts, got %+v", accts)
	}
	byEmail := map[string]accountView{}
	for _, a := range accts {
		byEmail[a.Email] = a
	}
	good := byEmail["me@example.com"]
	if good.Status != "" || len(good.ScopeGroups) != 2 {
		t.Fatalf("unexpected connected account %+v", good)
	}
	if old := byEmail["old@example.com"]; old.Status != ReauthMessage || len(old.ScopeGroups) != 0 {
		t.Fatalf("expected re-add status for account without credentials, got %+v", old)
	}
}

func TestUpdateAndDeleteAccount(t *testing.T) {
	f := newFixture(t)
	path := fmt.Sprintf("/accounts/%d", f.acctID)

	rec := f.do(t, http.MethodPatch, path, `{"calendar_sync_enabled":false,"second_chance_email":true}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("patch status %d: %s", rec.Code, rec.Body.String())
	}
	acct, _ := f.db.Account(f.acctID)
	if acct.CalendarSyncEnabled || !acct.SecondChanceEmail {
		t.Fatalf("flags not applied: %+v", acct)
	}

	if rec := f.do(t, http.MethodPatch, path, `{"unknown":1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/accounts/12345", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing account, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, path, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status %d", rec.Code)
	}
	if _, ok := f.db.Account(f.acctID); ok {
		t.Fatal("expected account to be gone")
	}
}

func TestDiscoverAccount(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, fmt.Sprintf("/accounts/%d/discover", f.acctID), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var cals []calendarView
	_ = json.NewDecoder(rec.Body).Decode(&cals)
	if len(cals) != 1 || cals[0].ProviderID != "primary" || f.engine.discovered[0] != f.acctID {
		t.Fatalf("unexpected discovery result %+v", cals)
	}
}

func TestDiscoverAllReportsEachAccount(t *testing.T) {
	f := newFixture(t)
	accts, _ := f.store.Accounts.ListByUser(context.Background(), 1)
	var oldID int64
	for _, a := range accts {
		if a.ProviderEmail == "old@example.com" {
			oldID = a.ID
		}
	}
	f.engine.discoverErr = map[int64]error{oldID: fmt.Errorf("account %d: %w", oldID, syncer.ErrReauthRequired)}

	rec := f.do(t, http.MethodPost, "/accounts/discover", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("one revoked account should not fail the listing, got %d: %s", rec.Code, rec.Body.String())
	}
	var body discoveryView
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Calendars) != 2 {
		t.Fatalf("expected the user's calendars, got %+v", body.Calendars)
	}
	if len(body.Accounts) != 2 {
		t.Fatalf("expected a status per account, got %+v", body.Accounts)
	}
	for _, a := range body.Accounts {
		want := ""
		if a.ID == oldID {
			want = ReauthMessage
		}
		if a.Status != want {
			t.Errorf("account %s: status %q, want %q", a.Email, a.Status, want)
		}
	}
	if len(f.engine.discovered) != 1 || f.engine.discovered[0] != f.acctID {
		t.Fatalf("expected the healthy account to be discovered, got %v", f.engine.discovered)
	}
}

func TestListCalendars(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/calendars", "")
	var cals []calendarView
	_ = json.NewDecoder(rec.Body).Decode(&cals)
	if len(cals) != 2 {
		t.Fatalf("expected two calendars, got %+v", cals)
	}
}

func TestPollCalendarErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"ok", nil, http.StatusNoContent},
		{"missing", store.ErrNotFound, http.StatusNotFound},
		{"revoked", fmt.Errorf("account 3: %w", syncer.ErrReauthRequired), http.StatusConflict},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.engine.pollErr = tt.err
			rec := f.do(t, http.MethodPost, fmt.Sprintf("/calendars/%d/poll", f.work.ID), "")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestLinkLifecycle(t *testing.T) {
	f := newFixture(t)
	body := fmt.Sprintf(`{"sources":[%d],"sinks":[%d],"hide_details":true,"default_title":"Busy"}`, f.work.ID, f.home.ID)
	rec := f.do(t, http.MethodPost, "/links", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", rec.Code, rec.Body.String())
	}
	var created linkBody
	_ = json.NewDecoder(rec.Body).Decode(&created)
	if created.ID == 0 || created.DefaultTitle == nil || *created.DefaultTitle != "Busy" {
		t.Fatalf("unexpected link %+v", created)
	}
	if len(f.engine.subscribed) != 1 || f.engine.subscribed[0][0] != f.work.ID {
		t.Fatalf("expected link sources to be subscribed, got %v", f.engine.subscribed)
	}

	var links []linkBody
	_ = json.NewDecoder(f.do(t, http.MethodGet, "/links", "").Body).Decode(&links)
	if len(links) != 1 {
		t.Fatalf("expected one link, got %+v", links)
	}

	if rec := f.do(t, http.MethodDelete, fmt.Sprintf("/links/%d", created.ID), ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status %d", rec.Code)
	}
}

func TestCreateLinkRejectsForeignCalendar(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/links", fmt.Sprintf(`{"sources":[%d],"sinks":[424242]}`, f.work.ID))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(f.engine.subscribed) != 0 {
		t.Fatal("nothing should be subscribed for a rejected link")
	}
}

func TestRuleLifecycle(t *testing.T) {
	f := newFixture(t)
	body := fmt.Sprintf(`{"calendars":[%d],"min_notice_minutes":120,"allow_list":["boss@example.com"]}`, f.work.ID)
	rec := f.do(t, http.MethodPost, "/rules", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", rec.Code, rec.Body.String())
	}
	var created ruleBody
	_ = json.NewDecoder(rec.Body).Decode(&created)
	if created.MinNoticeMinutes != 120 || len(created.AllowList) != 1 {
		t.Fatalf("unexpected rule %+v", created)
	}
	rules, _ := f.store.Rules.ListByUser(context.Background(), 1)
	if len(rules) != 1 || rules[0].MinNotice != 2*time.Hour {
		t.Fatalf("unexpected stored rules %+v", rules)
	}
	if len(f.engine.subscribed) != 1 {
		t.Fatal("expected rule calendars to be subscribed")
	}

	if rec := f.do(t, http.MethodDelete, fmt.Sprintf("/rules/%d", created.ID), ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/rules/abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rec.Code)
	}
}
