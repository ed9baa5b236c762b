// Package memory implements the store repositories in process memory. It
// backs tests of the sync engine and follows the same user scoping rules as
// the PostgreSQL repositories.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jw6ventures/calsync/internal/store"
)

type DB struct {
	mu        sync.Mutex
	nextID    int64
	accounts  map[int64]store.ExternalAccount
	calendars map[int64]store.TrackedCalendar
	links     map[int64]store.SyncLink
	rules     map[int64]store.CalendarRule
}

// New returns an empty database and a Store whose repositories use it.
func New() (*DB, *store.Store) {
	db := &DB{
		accounts:  make(map[int64]store.ExternalAccount),
		calendars: make(map[int64]store.TrackedCalendar),
		links:     make(map[int64]store.SyncLink),
		rules:     make(map[int64]store.CalendarRule),
	}
	return db, &store.Store{
		Accounts:  accountRepo{db},
		Calendars: calendarRepo{db},
		Links:     linkRepo{db},
		Rules:     ruleRepo{db},
	}
}

func (db *DB) id() int64 {
	db.nextID++
	return db.nextID
}

// Calendar returns a stored calendar without user scoping, for assertions.
func (db *DB) Calendar(id int64) (store.TrackedCalendar, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cal, ok := db.calendars[id]
	return copyCalendar(cal), ok
}

// Account returns a stored account without user scoping, for assertions.
func (db *DB) Account(id int64) (store.ExternalAccount, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	acct, ok := db.accounts[id]
	return copyAccount(acct), ok
}

func copyAccount(a store.ExternalAccount) store.ExternalAccount {
	if a.Credentials != nil {
		a.Credentials = append([]byte(nil), a.Credentials...)
	}
	if a.CredentialExpiry != nil {
		t := *a.CredentialExpiry
		a.CredentialExpiry = &t
	}
	return a
}

func copyCalendar(c store.TrackedCalendar) store.TrackedCalendar {
	if c.SyncToken != nil {
		s := *c.SyncToken
		c.SyncToken = &s
	}
	if c.LastError != nil {
		t := *c.LastError
		c.LastError = &t
	}
	return c
}

func copyLink(l store.SyncLink) store.SyncLink {
	l.SourceIDs = append([]int64(nil), l.SourceIDs...)
	l.SinkIDs = append([]int64(nil), l.SinkIDs...)
	return l
}

func copyRule(r store.CalendarRule) store.CalendarRule {
	r.CalendarIDs = append([]int64(nil), r.CalendarIDs...)
	r.AllowList = append([]string(nil), r.AllowList...)
	return r
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func dedupe(ids []int64) []int64 {
	var out []int64
	for _, id := range ids {
		if !contains(out, id) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type accountRepo struct{ db *DB }

func (r accountRepo) Upsert(ctx context.Context, acct store.ExternalAccount) (*store.ExternalAccount, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	now := time.Now().UTC()
	for id, existing := range r.db.accounts {
		if existing.UserID == acct.UserID && existing.ProviderEmail == acct.ProviderEmail {
			existing.Credentials = acct.Credentials
			existing.CredentialExpiry = acct.CredentialExpiry
			existing.LastRefreshed = now
			r.db.accounts[id] = copyAccount(existing)
			out := copyAccount(existing)
			return &out, nil
		}
	}
	acct.ID = r.db.id()
	acct.LastRefreshed = now
	acct.CreatedAt = now
	acct.CalendarSyncEnabled = true
	r.db.accounts[acct.ID] = copyAccount(acct)
	out := copyAccount(acct)
	return &out, nil
}

// SeedAccount stores an account as given, including flags, and returns its id.
func (db *DB) SeedAccount(acct store.ExternalAccount) int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	acct.ID = db.id()
	db.accounts[acct.ID] = copyAccount(acct)
	return acct.ID
}

func (r accountRepo) Get(ctx context.Context, userID, id int64) (*store.ExternalAccount, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	acct, ok := r.db.accounts[id]
	if !ok || acct.UserID != userID {
		return nil, store.ErrNotFound
	}
	out := copyAccount(acct)
	return &out, nil
}

func (r accountRepo) ListByUser(ctx context.Context, userID int64) ([]store.ExternalAccount, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []store.ExternalAccount
	for _, id := range sortedKeys(r.db.accounts) {
		if acct := r.db.accounts[id]; acct.UserID == userID {
			out = append(out, copyAccount(acct))
		}
	}
	return out, nil
}

func (r accountRepo) update(userID, id int64, fn func(*store.ExternalAccount)) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	acct, ok := r.db.accounts[id]
	if !ok || acct.UserID != userID {
		return store.ErrNotFound
	}
	fn(&acct)
	r.db.accounts[id] = copyAccount(acct)
	return nil
}

func (r accountRepo) UpdateCredentials(ctx context.Context, userID, id int64, blob []byte, expiry *time.Time, refreshedAt time.Time) error {
	return r.update(userID, id, func(a *store.ExternalAccount) {
		a.Credentials = blob
		a.CredentialExpiry = expiry
		a.LastRefreshed = refreshedAt
	})
}

func (r accountRepo) ClearCredentials(ctx context.Context, userID, id int64) error {
	return r.update(userID, id, func(a *store.ExternalAccount) {
		a.Credentials = nil
		a.CredentialExpiry = nil
	})
}

func (r accountRepo) UpdateFlags(ctx context.Context, userID, id int64, flags store.AccountFlags) error {
	return r.update(userID, id, func(a *store.ExternalAccount) {
		a.CalendarSyncEnabled = flags.CalendarSyncEnabled
		a.SecondChanceEmail = flags.SecondChanceEmail
		a.DeleteEventsFromEmail = flags.DeleteEventsFromEmail
	})
}

func (r accountRepo) Delete(ctx context.Context, userID, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	acct, ok := r.db.accounts[id]
	if !ok || acct.UserID != userID {
		return store.ErrNotFound
	}
	delete(r.db.accounts, id)
	for calID, cal := range r.db.calendars {
		if cal.AccountID == id {
			r.db.deleteCalendarLocked(calID)
		}
	}
	return nil
}

// deleteCalendarLocked removes a calendar and its link and rule memberships.
func (db *DB) deleteCalendarLocked(id int64) {
	delete(db.calendars, id)
	for linkID, link := range db.links {
		link.SourceIDs = remove(link.SourceIDs, id)
		link.SinkIDs = remove(link.SinkIDs, id)
		db.links[linkID] = link
	}
	for ruleID, rule := range db.rules {
		rule.CalendarIDs = remove(rule.CalendarIDs, id)
		db.rules[ruleID] = rule
	}
}

func remove(ids []int64, id int64) []int64 {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

type calendarRepo struct{ db *DB }

func (r calendarRepo) Upsert(ctx context.Context, cal store.TrackedCalendar) (*store.TrackedCalendar, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	acct, ok := r.db.accounts[cal.AccountID]
	if !ok || acct.UserID != cal.UserID {
		return nil, store.ErrNotFound
	}
	for id, existing := range r.db.calendars {
		if existing.UserID == cal.UserID && existing.AccountID == cal.AccountID && existing.ProviderCalendarID == cal.ProviderCalendarID {
			existing.Name = cal.Name
			existing.Deleted = cal.Deleted
			r.db.calendars[id] = existing
			out := copyCalendar(existing)
			return &out, nil
		}
	}
	out := store.TrackedCalendar{
		ID:                 r.db.id(),
		UserID:             cal.UserID,
		AccountID:          cal.AccountID,
		ProviderCalendarID: cal.ProviderCalendarID,
		Name:               cal.Name,
		Deleted:            cal.Deleted,
		UUID:               store.NewCalendarUUID(),
	}
	r.db.calendars[out.ID] = out
	out = copyCalendar(out)
	return &out, nil
}

func (r calendarRepo) Get(ctx context.Context, userID, id int64) (*store.TrackedCalendar, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cal, ok := r.db.calendars[id]
	if !ok || cal.UserID != userID {
		return nil, store.ErrNotFound
	}
	out := copyCalendar(cal)
	return &out, nil
}

func (r calendarRepo) GetByUUID(ctx context.Context, uuid string) (*store.TrackedCalendar, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, cal := range r.db.calendars {
		if cal.UUID == uuid {
			out := copyCalendar(cal)
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r calendarRepo) filter(keep func(store.TrackedCalendar) bool) []store.TrackedCalendar {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []store.TrackedCalendar
	for _, id := range sortedKeys(r.db.calendars) {
		if cal := r.db.calendars[id]; keep(cal) {
			out = append(out, copyCalendar(cal))
		}
	}
	return out
}

func (r calendarRepo) ListByUser(ctx context.Context, userID int64) ([]store.TrackedCalendar, error) {
	return r.filter(func(c store.TrackedCalendar) bool { return c.UserID == userID }), nil
}

func (r calendarRepo) ListByAccount(ctx context.Context, userID, accountID int64) ([]store.TrackedCalendar, error) {
	return r.filter(func(c store.TrackedCalendar) bool {
		return c.UserID == userID && c.AccountID == accountID
	}), nil
}

func (r calendarRepo) ListActive(ctx context.Context) ([]store.TrackedCalendar, error) {
	return r.filter(func(c store.TrackedCalendar) bool {
		if c.Deleted {
			return false
		}
		acct, ok := r.db.accounts[c.AccountID]
		if !ok || acct.UserID != c.UserID || !acct.CalendarSyncEnabled || acct.Credentials == nil {
			return false
		}
		for _, link := range r.db.links {
			if link.UserID == c.UserID && contains(link.SourceIDs, c.ID) {
				return true
			}
		}
		for _, rule := range r.db.rules {
			if rule.UserID == c.UserID && contains(rule.CalendarIDs, c.ID) {
				return true
			}
		}
		return false
	}), nil
}

func (r calendarRepo) MarkMissingDeleted(ctx context.Context, userID, accountID int64, keep []string) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	kept := make(map[string]bool, len(keep))
	for _, id := range keep {
		kept[id] = true
	}
	var n int64
	for id, cal := range r.db.calendars {
		if cal.UserID != userID || cal.AccountID != accountID || cal.Deleted || kept[cal.ProviderCalendarID] {
			continue
		}
		cal.Deleted = true
		r.db.calendars[id] = cal
		n++
	}
	return n, nil
}

func (r calendarRepo) update(userID, id int64, fn func(*store.TrackedCalendar)) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cal, ok := r.db.calendars[id]
	if !ok || cal.UserID != userID {
		return store.ErrNotFound
	}
	fn(&cal)
	r.db.calendars[id] = copyCalendar(cal)
	return nil
}

func (r calendarRepo) UpdateSyncToken(ctx context.Context, userID, id int64, token *string) error {
	return r.update(userID, id, func(c *store.TrackedCalendar) { c.SyncToken = token })
}

func (r calendarRepo) SetLastError(ctx context.Context, userID, id int64, at *time.Time) error {
	return r.update(userID, id, func(c *store.TrackedCalendar) { c.LastError = at })
}

func (r calendarRepo) MarkSubscribed(ctx context.Context, userID, id int64) error {
	return r.update(userID, id, func(c *store.TrackedCalendar) { c.Subscribed = true })
}

// SetSubscribed overrides the subscription flag, for tests of resubscription.
func (db *DB) SetSubscribed(id int64, subscribed bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cal := db.calendars[id]
	cal.Subscribed = subscribed
	db.calendars[id] = cal
}

func (db *DB) ownedLocked(userID int64, field string, ids []int64) error {
	for _, id := range ids {
		cal, ok := db.calendars[id]
		if !ok || cal.UserID != userID {
			return &store.ConfigurationError{Field: field, Reason: "references a calendar that does not exist or belongs to another user"}
		}
	}
	return nil
}

type linkRepo struct{ db *DB }

func (r linkRepo) Create(ctx context.Context, link store.SyncLink) (*store.SyncLink, error) {
	if err := link.Validate(); err != nil {
		return nil, err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	link.SourceIDs = dedupe(link.SourceIDs)
	link.SinkIDs = dedupe(link.SinkIDs)
	if err := r.db.ownedLocked(link.UserID, "sources", link.SourceIDs); err != nil {
		return nil, err
	}
	if err := r.db.ownedLocked(link.UserID, "sinks", link.SinkIDs); err != nil {
		return nil, err
	}
	link.ID = r.db.id()
	link.CreatedAt = time.Now().UTC()
	r.db.links[link.ID] = copyLink(link)
	out := copyLink(link)
	return &out, nil
}

// SeedLink stores a link without validation, for tests that need a row the
// API would reject.
func (db *DB) SeedLink(link store.SyncLink) int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	link.ID = db.id()
	db.links[link.ID] = copyLink(link)
	return link.ID
}

func (r linkRepo) Get(ctx context.Context, userID, id int64) (*store.SyncLink, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	link, ok := r.db.links[id]
	if !ok || link.UserID != userID {
		return nil, store.ErrNotFound
	}
	out := copyLink(link)
	return &out, nil
}

func (r linkRepo) filter(keep func(store.SyncLink) bool) []store.SyncLink {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []store.SyncLink
	for _, id := range sortedKeys(r.db.links) {
		if link := r.db.links[id]; keep(link) {
			out = append(out, copyLink(link))
		}
	}
	return out
}

func (r linkRepo) ListByUser(ctx context.Context, userID int64) ([]store.SyncLink, error) {
	return r.filter(func(l store.SyncLink) bool { return l.UserID == userID }), nil
}

func (r linkRepo) ListBySource(ctx context.Context, userID, calendarID int64) ([]store.SyncLink, error) {
	return r.filter(func(l store.SyncLink) bool {
		return l.UserID == userID && contains(l.SourceIDs, calendarID)
	}), nil
}

func (r linkRepo) Sinks(ctx context.Context, userID, linkID int64) ([]store.TrackedCalendar, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	link, ok := r.db.links[linkID]
	if !ok || link.UserID != userID {
		return nil, nil
	}
	var out []store.TrackedCalendar
	for _, id := range link.SinkIDs {
		cal, ok := r.db.calendars[id]
		if !ok || cal.UserID != userID {
			continue
		}
		out = append(out, copyCalendar(cal))
	}
	return out, nil
}

func (r linkRepo) Delete(ctx context.Context, userID, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	link, ok := r.db.links[id]
	if !ok || link.UserID != userID {
		return store.ErrNotFound
	}
	delete(r.db.links, id)
	return nil
}

type ruleRepo struct{ db *DB }

func (r ruleRepo) Create(ctx context.Context, rule store.CalendarRule) (*store.CalendarRule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rule.CalendarIDs = dedupe(rule.CalendarIDs)
	if err := r.db.ownedLocked(rule.UserID, "calendars", rule.CalendarIDs); err != nil {
		return nil, err
	}
	rule.ID = r.db.id()
	rule.CreatedAt = time.Now().UTC()
	r.db.rules[rule.ID] = copyRule(rule)
	out := copyRule(rule)
	return &out, nil
}

func (r ruleRepo) filter(keep func(store.CalendarRule) bool) []store.CalendarRule {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []store.CalendarRule
	for _, id := range sortedKeys(r.db.rules) {
		if rule := r.db.rules[id]; keep(rule) {
			out = append(out, copyRule(rule))
		}
	}
	return out
}

func (r ruleRepo) ListByUser(ctx context.Context, userID int64) ([]store.CalendarRule, error) {
	return r.filter(func(rule store.CalendarRule) bool { return rule.UserID == userID }), nil
}

func (r ruleRepo) ListByCalendar(ctx context.Context, userID, calendarID int64) ([]store.CalendarRule, error) {
	return r.filter(func(rule store.CalendarRule) bool {
		return rule.UserID == userID && contains(rule.CalendarIDs, calendarID)
	}), nil
}

func (r ruleRepo) Delete(ctx context.Context, userID, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rule, ok := r.db.rules[id]
	if !ok || rule.UserID != userID {
		return store.ErrNotFound
	}
	delete(r.db.rules, id)
	return nil
}
