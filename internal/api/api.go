// Package api serves the JSON endpoints the web layer uses to manage
// accounts, calendars, sync links and rules.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jw6ventures/calsync/internal/auth"
	"github.com/jw6ventures/calsync/internal/config"
	httperrors "github.com/jw6ventures/calsync/internal/http/errors"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/syncer"
)

// ReauthMessage is shown for accounts whose credentials can no longer be
// used.
const ReauthMessage = "Account re-add required."

// Engine is the sync functionality the API triggers.
type Engine interface {
	SyncCalendarByID(ctx context.Context, userID, calendarID int64) error
	DiscoverAccount(ctx context.Context, userID, accountID int64) ([]store.TrackedCalendar, error)
	DiscoverUser(ctx context.Context, userID int64) ([]syncer.AccountDiscovery, error)
	Subscribe(ctx context.Context, userID int64, calendarIDs []int64) error
}

// Connector builds consent URLs.
type Connector interface {
	AuthCodeURL(userID int64, groups string) (string, error)
}

// ScopeReader reads the scopes recorded on an account's credential.
type ScopeReader interface {
	GrantedScopes(acct store.ExternalAccount) ([]string, error)
}

type Handler struct {
	store     *store.Store
	engine    Engine
	connector Connector
	scopes    ScopeReader
	groups    config.ScopeGroups
}

func NewHandler(st *store.Store, engine Engine, connector Connector, scopes ScopeReader, groups config.ScopeGroups) *Handler {
	return &Handler{store: st, engine: engine, connector: connector, scopes: scopes, groups: groups}
}

// Routes mounts the endpoints. Callers must put auth.RequireAPIToken in
// front.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/connect", h.Connect)

	r.Get("/accounts", h.ListAccounts)
	r.Post("/accounts/discover", h.DiscoverAll)
	r.Patch("/accounts/{id}", h.UpdateAccount)
	r.Delete("/accounts/{id}", h.DeleteAccount)
	r.Post("/accounts/{id}/discover", h.DiscoverAccount)

	r.Get("/calendars", h.ListCalendars)
	r.Post("/calendars/{id}/poll", h.PollCalendar)

	r.Get("/links", h.ListLinks)
	r.Post("/links", h.CreateLink)
	r.Delete("/links/{id}", h.DeleteLink)

	r.Get("/rules", h.ListRules)
	r.Post("/rules", h.CreateRule)
	r.Delete("/rules/{id}", h.DeleteRule)
}

func userID(r *http.Request) int64 {
	id, _ := auth.UserIDFromContext(r.Context())
	return id
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error, message string) {
	var cfgErr *store.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		httperrors.BadRequestError(w, r, err, cfgErr.Error())
	case errors.Is(err, store.ErrNotFound):
		httperrors.ClientError(w, r, http.StatusNotFound, err, "not found")
	case errors.Is(err, syncer.ErrReauthRequired):
		httperrors.ClientError(w, r, http.StatusConflict, err, ReauthMessage)
	default:
		httperrors.InternalError(w, r, err, message)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	u, err := h.connector.AuthCodeURL(userID(r), r.URL.Query().Get("scopes"))
	if err != nil {
		httperrors.BadRequestError(w, r, err, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

type accountView struct {
	ID                    int64      `json:"id"`
	Email                 string     `json:"email"`
	CalendarSyncEnabled   bool       `json:"calendar_sync_enabled"`
	SecondChanceEmail     bool       `json:"second_chance_email"`
	DeleteEventsFromEmail bool       `json:"delete_events_from_email"`
	LastRefreshed         time.Time  `json:"last_refreshed"`
	CredentialExpiry      *time.Time `json:"credential_expiry,omitempty"`
	ScopeGroups           []string   `json:"scope_groups"`
	Status                string     `json:"status,omitempty"`
}

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := h.store.Accounts.ListByUser(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err, "list accounts")
		return
	}
	out := make([]accountView, 0, len(accts))
	for _, a := range accts {
		v := accountView{
			ID:                    a.ID,
			Email:                 a.ProviderEmail,
			CalendarSyncEnabled:   a.CalendarSyncEnabled,
			SecondChanceEmail:     a.SecondChanceEmail,
			DeleteEventsFromEmail: a.DeleteEventsFromEmail,
			LastRefreshed:         a.LastRefreshed,
			CredentialExpiry:      a.CredentialExpiry,
			ScopeGroups:           []string{},
		}
		if granted, err := h.scopes.GrantedScopes(a); err != nil {
			v.Status = ReauthMessage
		} else if covered := h.groups.Covered(granted); covered != nil {
			v.ScopeGroups = covered
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

type flagsRequest struct {
	CalendarSyncEnabled   bool `json:"calendar_sync_enabled"`
	SecondChanceEmail     bool `json:"second_chance_email"`
	DeleteEventsFromEmail bool `json:"delete_events_from_email"`
}

func (h *Handler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid account id")
		return
	}
	var req flagsRequest
	if !decode(w, r, &req) {
		return
	}
	err = h.store.Accounts.UpdateFlags(r.Context(), userID(r), id, store.AccountFlags(req))
	if err != nil {
		writeError(w, r, err, "update account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid account id")
		return
	}
	if err := h.store.Accounts.Delete(r.Context(), userID(r), id); err != nil {
		writeError(w, r, err, "delete account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type discoveryStatus struct {
	ID     int64  `json:"id"`
	Email  string `json:"email"`
	Status string `json:"status,omitempty"`
}

type discoveryView struct {
	Calendars []calendarView    `json:"calendars"`
	Accounts  []discoveryStatus `json:"accounts"`
}

// DiscoverAll refreshes every account of the user. One failing account does
// not fail the request; its problem is reported next to it.
func (h *Handler) DiscoverAll(w http.ResponseWriter, r *http.Request) {
	results, err := h.engine.DiscoverUser(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err, "discover calendars")
		return
	}
	cals, err := h.store.Calendars.ListByUser(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err, "list calendars")
		return
	}
	out := discoveryView{Calendars: calendarViews(cals), Accounts: make([]discoveryStatus, 0, len(results))}
	for _, res := range results {
		st := discoveryStatus{ID: res.Account.ID, Email: res.Account.ProviderEmail}
		switch {
		case res.Err == nil:
		case errors.Is(res.Err, syncer.ErrReauthRequired):
			st.Status = ReauthMessage
		default:
			st.Status = "Calendar discovery failed."
		}
		out.Accounts = append(out.Accounts, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) DiscoverAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid account id")
		return
	}
	cals, err := h.engine.DiscoverAccount(r.Context(), userID(r), id)
	if err != nil {
		writeError(w, r, err, "discover calendars")
		return
	}
	writeJSON(w, http.StatusOK, calendarViews(cals))
}

type calendarView struct {
	ID         int64      `json:"id"`
	AccountID  int64      `json:"account_id"`
	ProviderID string     `json:"provider_id"`
	Name       string     `json:"name"`
	Deleted    bool       `json:"deleted"`
	Subscribed bool       `json:"subscribed"`
	LastError  *time.Time `json:"last_error,omitempty"`
}

func calendarViews(cals []store.TrackedCalendar) []calendarView {
	out := make([]calendarView, 0, len(cals))
	for _, c := range cals {
		out = append(out, calendarView{
			ID:         c.ID,
			AccountID:  c.AccountID,
			ProviderID: c.ProviderCalendarID,
			Name:       c.Name,
			Deleted:    c.Deleted,
			Subscribed: c.Subscribed,
			LastError:  c.LastError,
		})
	}
	return out
}

func (h *Handler) ListCalendars(w http.ResponseWriter, r *http.Request) {
	cals, err := h.store.Calendars.ListByUser(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err, "list calendars")
		return
	}
	writeJSON(w, http.StatusOK, calendarViews(cals))
}

func (h *Handler) PollCalendar(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid calendar id")
		return
	}
	if err := h.engine.SyncCalendarByID(r.Context(), userID(r), id); err != nil {
		writeError(w, r, err, "poll calendar")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type linkBody struct {
	ID                   int64   `json:"id,omitempty"`
	Sources              []int64 `json:"sources"`
	Sinks                []int64 `json:"sinks"`
	HideDetails          bool    `json:"hide_details"`
	DefaultTitle         *string `json:"default_title,omitempty"`
	TitleMatch           *string `json:"title_match,omitempty"`
	CreatorMatch         *string `json:"creator_match,omitempty"`
	TitleRewrite         *string `json:"title_rewrite,omitempty"`
	InviteeSkipThreshold int     `json:"invitee_skip_threshold"`
}

func linkView(l store.SyncLink) linkBody {
	return linkBody{
		ID:                   l.ID,
		Sources:              l.SourceIDs,
		Sinks:                l.SinkIDs,
		HideDetails:          l.HideDetails,
		DefaultTitle:         l.DefaultTitle,
		TitleMatch:           l.TitleMatch,
		CreatorMatch:         l.CreatorMatch,
		TitleRewrite:         l.TitleRewrite,
		InviteeSkipThreshold: l.InviteeSkipThreshold,
	}
}

func (h *Handler) ListLinks(w http.ResponseWriter, r *http.Request) {
	links, err := h.store.Links.ListByUser(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err, "list links")
		return
	}
	out := make([]linkBody, 0, len(links))
	for _, l := range links {
		out = append(out, linkView(l))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateLink(w http.ResponseWriter, r *http.Request) {
	var req linkBody
	if !decode(w, r, &req) {
		return
	}
	link, err := h.store.Links.Create(r.Context(), store.SyncLink{
		UserID:               userID(r),
		SourceIDs:            req.Sources,
		SinkIDs:              req.Sinks,
		HideDetails:          req.HideDetails,
		DefaultTitle:         req.DefaultTitle,
		TitleMatch:           req.TitleMatch,
		CreatorMatch:         req.CreatorMatch,
		TitleRewrite:         req.TitleRewrite,
		InviteeSkipThreshold: req.InviteeSkipThreshold,
	})
	if err != nil {
		writeError(w, r, err, "create link")
		return
	}
	if err := h.engine.Subscribe(r.Context(), link.UserID, link.SourceIDs); err != nil {
		httperrors.LogError(r, "subscribe link sources", err)
	}
	writeJSON(w, http.StatusCreated, linkView(*link))
}

func (h *Handler) DeleteLink(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid link id")
		return
	}
	if err := h.store.Links.Delete(r.Context(), userID(r), id); err != nil {
		writeError(w, r, err, "delete link")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ruleBody struct {
	ID                      int64    `json:"id,omitempty"`
	Calendars               []int64  `json:"calendars"`
	MinNoticeMinutes        int64    `json:"min_notice_minutes"`
	AllowList               []string `json:"allow_list"`
	WarnLocationMismatch    bool     `json:"warn_location_mismatch"`
	SoftMaybeConflict       bool     `json:"soft_maybe_conflict"`
	DeclineConflict         bool     `json:"decline_conflict"`
	AllowListConflict       bool     `json:"allow_list_conflict"`
	TryDeleteCanceledEvents bool     `json:"try_delete_canceled_events"`
}

func ruleView(rule store.CalendarRule) ruleBody {
	allow := rule.AllowList
	if allow == nil {
		allow = []string{}
	}
	return ruleBody{
		ID:                      rule.ID,
		Calendars:               rule.CalendarIDs,
		MinNoticeMinutes:        int64(rule.MinNotice / time.Minute),
		AllowList:               allow,
		WarnLocationMismatch:    rule.WarnLocationMismatch,
		SoftMaybeConflict:       rule.SoftMaybeConflict,
		DeclineConflict:         rule.DeclineConflict,
		AllowListConflict:       rule.AllowListConflict,
		TryDeleteCanceledEvents: rule.TryDeleteCanceledEvents,
	}
}

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.Rules.ListByUser(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err, "list rules")
		return
	}
	out := make([]ruleBody, 0, len(rules))
	for _, rule := range rules {
		out = append(out, ruleView(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleBody
	if !decode(w, r, &req) {
		return
	}
	rule, err := h.store.Rules.Create(r.Context(), store.CalendarRule{
		UserID:                  userID(r),
		CalendarIDs:             req.Calendars,
		MinNotice:               time.Duration(req.MinNoticeMinutes) * time.Minute,
		AllowList:               req.AllowList,
		WarnLocationMismatch:    req.WarnLocationMismatch,
		SoftMaybeConflict:       req.SoftMaybeConflict,
		DeclineConflict:         req.DeclineConflict,
		AllowListConflict:       req.AllowListConflict,
		TryDeleteCanceledEvents: req.TryDeleteCanceledEvents,
	})
	if err != nil {
		writeError(w, r, err, "create rule")
		return
	}
	if err := h.engine.Subscribe(r.Context(), rule.UserID, rule.CalendarIDs); err != nil {
		httperrors.LogError(r, "subscribe rule calendars", err)
	}
	writeJSON(w, http.StatusCreated, ruleView(*rule))
}

func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid rule id")
		return
	}
	if err := h.store.Rules.Delete(r.Context(), userID(r), id); err != nil {
		writeError(w, r, err, "delete rule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
