package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/config"
	"github.com/jw6ventures/calsync/internal/credentials"
	httperrors "github.com/jw6ventures/calsync/internal/http/errors"
	"github.com/jw6ventures/calsync/internal/store"
)

// EmailVerifier checks an ID token and returns the verified account email.
type EmailVerifier interface {
	VerifyEmail(ctx context.Context, rawIDToken string) (string, error)
}

// Discoverer refreshes the calendar list of a freshly connected account.
type Discoverer interface {
	DiscoverAccount(ctx context.Context, userID, accountID int64) ([]store.TrackedCalendar, error)
}

// Service connects provider accounts: it builds authorization URLs and
// completes the code exchange.
type Service struct {
	oauth          *oauth2.Config
	verifier       EmailVerifier
	states         *StateCodec
	scopes         config.ScopeGroups
	accounts       store.AccountRepository
	creds          *credentials.Store
	discover       Discoverer
	postConnectURL string
	apiToken       string
	logger         *slog.Logger
}

type Options struct {
	OAuth          *oauth2.Config
	Verifier       EmailVerifier
	States         *StateCodec
	Scopes         config.ScopeGroups
	PostConnectURL string
	APIToken       string
	Logger         *slog.Logger
}

func NewService(accounts store.AccountRepository, creds *credentials.Store, discover Discoverer, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		oauth:          opts.OAuth,
		verifier:       opts.Verifier,
		states:         opts.States,
		scopes:         opts.Scopes,
		accounts:       accounts,
		creds:          creds,
		discover:       discover,
		postConnectURL: opts.PostConnectURL,
		apiToken:       opts.APIToken,
		logger:         logger,
	}
}

// OAuthConfig builds the client configuration for the provider at cfg's
// issuer, along with an ID token verifier for it.
func OAuthConfig(ctx context.Context, cfg *config.Config) (*oauth2.Config, EmailVerifier, error) {
	provider, err := oidc.NewProvider(ctx, cfg.OAuth.IssuerURL)
	if err != nil {
		return nil, nil, fmt.Errorf("discover oauth issuer: %w", err)
	}
	conf := &oauth2.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.RedirectURL(),
	}
	verifier := oidcVerifier{provider.Verifier(&oidc.Config{ClientID: cfg.OAuth.ClientID})}
	return conf, verifier, nil
}

type oidcVerifier struct {
	v *oidc.IDTokenVerifier
}

func (o oidcVerifier) VerifyEmail(ctx context.Context, raw string) (string, error) {
	tok, err := o.v.Verify(ctx, raw)
	if err != nil {
		return "", err
	}
	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := tok.Claims(&claims); err != nil {
		return "", err
	}
	if claims.Email == "" || !claims.EmailVerified {
		return "", errors.New("id token carries no verified email")
	}
	return claims.Email, nil
}

// AuthCodeURL returns the consent URL for connecting an account of userID
// with the scopes of the named groups (comma separated) plus the base group.
func (s *Service) AuthCodeURL(userID int64, groups string) (string, error) {
	scopes, err := s.scopes.Resolve(groups)
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()
	state, err := s.states.Encode(connectState{UserID: userID, Verifier: verifier, Groups: groups})
	if err != nil {
		return "", fmt.Errorf("encode oauth state: %w", err)
	}
	conf := s.configFor(scopes)
	return conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce, oauth2.S256ChallengeOption(verifier)), nil
}

func (s *Service) configFor(scopes []string) *oauth2.Config {
	conf := *s.oauth
	conf.Scopes = scopes
	return &conf
}

// ErrStateMismatch is returned when a callback arrives for a user other than
// the one who started the connect.
var ErrStateMismatch = errors.New("oauth state belongs to another user")

// Connect completes the exchange for code on behalf of userID and stores the
// account. The calendar list is refreshed afterwards; a failure there does not
// undo the connect.
func (s *Service) Connect(ctx context.Context, userID int64, state, code string) (*store.ExternalAccount, error) {
	st, err := s.states.Decode(state)
	if err != nil {
		return nil, err
	}
	if st.UserID != userID {
		return nil, ErrStateMismatch
	}
	scopes, err := s.scopes.Resolve(st.Groups)
	if err != nil {
		return nil, err
	}

	tok, err := s.configFor(scopes).Exchange(ctx, code, oauth2.VerifierOption(st.Verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return nil, errors.New("token response has no id_token")
	}
	email, err := s.verifier.VerifyEmail(ctx, rawID)
	if err != nil {
		return nil, fmt.Errorf("verify id token: %w", err)
	}

	granted := scopes
	if raw, ok := tok.Extra("scope").(string); ok && raw != "" {
		granted = strings.Fields(raw)
	}
	blob, expiry, err := s.creds.Seal(st.UserID, email, tok, granted)
	if err != nil {
		return nil, err
	}
	acct, err := s.accounts.Upsert(ctx, store.ExternalAccount{
		UserID:           st.UserID,
		ProviderEmail:    email,
		Credentials:      blob,
		CredentialExpiry: expiry,
	})
	if err != nil {
		return nil, fmt.Errorf("store account: %w", err)
	}
	s.logger.Info("account connected", "user_id", acct.UserID, "account_id", acct.ID)

	if _, err := s.discover.DiscoverAccount(ctx, acct.UserID, acct.ID); err != nil {
		s.logger.Warn("calendar discovery after connect failed", "account_id", acct.ID, "error", err)
	}
	return acct, nil
}

// HandleOAuthCallback completes the OAuth flow started by AuthCodeURL. It
// must run behind RequireAPIToken: the upstream web layer proxies the
// browser's callback and names the signed-in user in X-User-ID.
func (s *Service) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		httperrors.BadRequestError(w, r, fmt.Errorf("provider returned %s", e), "authorization was not granted")
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		httperrors.BadRequestError(w, r, errors.New("missing code or state"), "missing code or state")
		return
	}

	acct, err := s.Connect(r.Context(), userID, state, code)
	if errors.Is(err, errBadState) {
		httperrors.BadRequestError(w, r, err, "invalid or expired state")
		return
	}
	if errors.Is(err, ErrStateMismatch) {
		s.logger.Warn("oauth callback for another user", "user_id", userID)
		http.Error(w, "this connect link was started by another user", http.StatusForbidden)
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "oauth callback")
		return
	}

	if s.postConnectURL != "" {
		http.Redirect(w, r, s.postConnectURL+"?account="+strconv.FormatInt(acct.ID, 10), http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("account connected: " + acct.ProviderEmail))
}

// RequireAPIToken checks the shared bearer token of the upstream web layer
// and takes the acting user from X-User-ID.
func (s *Service) RequireAPIToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || s.apiToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiToken)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="calsync"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		userID, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
		if err != nil || userID <= 0 {
			http.Error(w, "missing or invalid X-User-ID", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}
