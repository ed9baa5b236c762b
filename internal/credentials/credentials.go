// Package credentials owns the OAuth token lifecycle of external accounts:
// sealing tokens for storage, refreshing expired ones and clearing revoked
// ones.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/jw6ventures/calsync/internal/keylock"
	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/secrets"
	"github.com/jw6ventures/calsync/internal/store"
)

// ErrRevoked means the stored credential is gone or unusable and the user must
// authorize the account again.
var ErrRevoked = errors.New("credentials revoked: re-authorization required")

const (
	defaultSkew = time.Minute
	// defaultLifetime applies when the token endpoint omits expires_in.
	defaultLifetime = time.Hour
	revokeTimeout   = 10 * time.Second
)

type blob struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

type Options struct {
	OAuth     *oauth2.Config
	RevokeURL string
	// HTTPClient is used for refresh and revoke calls; nil means
	// http.DefaultClient.
	HTTPClient *http.Client
	Locker     keylock.Locker
	Logger     *slog.Logger
	// Skew refreshes tokens this long before they expire.
	Skew time.Duration
	Now  func() time.Time
}

// Store hands out valid access tokens for accounts.
type Store struct {
	accounts   store.AccountRepository
	sealer     *secrets.Sealer
	oauth      *oauth2.Config
	revokeURL  string
	httpClient *http.Client
	locks      keylock.Locker
	logger     *slog.Logger
	skew       time.Duration
	now        func() time.Time
	group      singleflight.Group
}

func New(accounts store.AccountRepository, sealer *secrets.Sealer, opts Options) *Store {
	s := &Store{
		accounts:   accounts,
		sealer:     sealer,
		oauth:      opts.OAuth,
		revokeURL:  opts.RevokeURL,
		httpClient: opts.HTTPClient,
		locks:      opts.Locker,
		logger:     opts.Logger,
		skew:       opts.Skew,
		now:        opts.Now,
	}
	if s.httpClient == nil {
		s.httpClient = http.DefaultClient
	}
	if s.locks == nil {
		s.locks = keylock.NewLocal()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.skew <= 0 {
		s.skew = defaultSkew
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// associatedData binds a sealed blob to the (user, provider email) row it was
// written for, so a blob copied to another row does not open.
func associatedData(userID int64, email string) []byte {
	return []byte("calsync:account:" + strconv.FormatInt(userID, 10) + ":" + strings.ToLower(email))
}

// Seal encodes a freshly exchanged token for storage on the account row
// identified by userID and email.
func (s *Store) Seal(userID int64, email string, tok *oauth2.Token, scopes []string) ([]byte, *time.Time, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, nil, errors.New("seal credentials: empty token")
	}
	raw, err := json.Marshal(blob{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scopes:       scopes,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encode credentials: %w", err)
	}
	sealed, err := s.sealer.Seal(raw, associatedData(userID, email))
	if err != nil {
		return nil, nil, err
	}
	var expiry *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry.UTC()
		expiry = &e
	}
	return sealed, expiry, nil
}

func (s *Store) open(acct store.ExternalAccount) (*blob, error) {
	if acct.Credentials == nil {
		return nil, ErrRevoked
	}
	raw, err := s.sealer.Open(acct.Credentials, associatedData(acct.UserID, acct.ProviderEmail))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRevoked, err)
	}
	var b blob
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: decode credentials: %v", ErrRevoked, err)
	}
	if b.AccessToken == "" && b.RefreshToken == "" {
		return nil, fmt.Errorf("%w: credentials hold no token", ErrRevoked)
	}
	return &b, nil
}

// GrantedScopes returns the scopes recorded when the account was connected.
func (s *Store) GrantedScopes(acct store.ExternalAccount) ([]string, error) {
	b, err := s.open(acct)
	if err != nil {
		return nil, err
	}
	return b.Scopes, nil
}

// Get returns a token whose expiry is after now, refreshing and persisting it
// first when needed. Concurrent calls for one account share a refresh.
func (s *Store) Get(ctx context.Context, acct store.ExternalAccount) (*oauth2.Token, error) {
	if acct.Credentials == nil {
		return nil, ErrRevoked
	}
	v, err, _ := s.group.Do("account:"+strconv.FormatInt(acct.ID, 10), func() (any, error) {
		return s.get(ctx, acct.UserID, acct.ID)
	})
	if err != nil {
		return nil, err
	}
	tok := *v.(*oauth2.Token)
	return &tok, nil
}

func (s *Store) get(ctx context.Context, userID, accountID int64) (*oauth2.Token, error) {
	unlock, err := s.locks.Lock(ctx, "account:"+strconv.FormatInt(accountID, 10))
	if err != nil {
		return nil, fmt.Errorf("lock account %d: %w", accountID, err)
	}
	defer unlock()

	// Re-read under the lock: another holder may have refreshed or cleared it.
	acct, err := s.accounts.Get(ctx, userID, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account %d: %w", accountID, err)
	}
	b, err := s.open(*acct)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	expiry := now
	if acct.CredentialExpiry != nil {
		expiry = acct.CredentialExpiry.UTC()
	}
	if expiry.After(now.Add(s.skew)) && b.AccessToken != "" {
		return &oauth2.Token{
			AccessToken:  b.AccessToken,
			RefreshToken: b.RefreshToken,
			TokenType:    b.TokenType,
			Expiry:       expiry,
		}, nil
	}

	return s.refresh(ctx, *acct, b, now)
}

func (s *Store) refresh(ctx context.Context, acct store.ExternalAccount, b *blob, now time.Time) (*oauth2.Token, error) {
	logger := s.logger.With("account_id", acct.ID, "user_id", acct.UserID)
	if b.RefreshToken == "" {
		logger.Warn("credential expired without refresh token")
		return nil, s.revoke(ctx, acct, "")
	}

	octx := context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	src := s.oauth.TokenSource(octx, &oauth2.Token{RefreshToken: b.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		if isAuthError(err) {
			logger.Warn("refresh rejected, clearing credential", "error", err)
			metrics.TokenRefresh("revoked")
			return nil, s.revoke(ctx, acct, b.RefreshToken)
		}
		metrics.TokenRefresh("error")
		return nil, fmt.Errorf("refresh token for account %d: %w", acct.ID, err)
	}

	if tok.RefreshToken == "" {
		tok.RefreshToken = b.RefreshToken
	}
	if tok.Expiry.IsZero() || !tok.Expiry.After(now) {
		tok.Expiry = now.Add(defaultLifetime)
	}
	tok.Expiry = tok.Expiry.UTC()

	sealed, expiry, err := s.Seal(acct.UserID, acct.ProviderEmail, tok, b.Scopes)
	if err != nil {
		metrics.TokenRefresh("error")
		return nil, err
	}
	if err := s.accounts.UpdateCredentials(ctx, acct.UserID, acct.ID, sealed, expiry, now); err != nil {
		metrics.TokenRefresh("error")
		return nil, fmt.Errorf("persist refreshed token for account %d: %w", acct.ID, err)
	}
	metrics.TokenRefresh("ok")
	logger.Debug("refreshed access token", "expiry", tok.Expiry)

	return &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}, nil
}

// revoke makes a best-effort revoke call, clears the stored credential and
// returns ErrRevoked, or the store error if clearing failed.
func (s *Store) revoke(ctx context.Context, acct store.ExternalAccount, refreshToken string) error {
	if refreshToken != "" && s.revokeURL != "" {
		if err := s.postRevoke(ctx, refreshToken); err != nil {
			s.logger.Info("revoke call failed", "account_id", acct.ID, "error", err)
		}
	}
	if err := s.accounts.ClearCredentials(ctx, acct.UserID, acct.ID); err != nil {
		return fmt.Errorf("clear credentials for account %d: %w", acct.ID, err)
	}
	return ErrRevoked
}

func (s *Store) postRevoke(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, revokeTimeout)
	defer cancel()
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("revoke returned %s", resp.Status)
	}
	return nil
}

// isAuthError reports whether a refresh failure means the grant is no longer
// valid, as opposed to a transient failure.
func isAuthError(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	switch re.ErrorCode {
	case "invalid_grant", "unauthorized_client", "invalid_client":
		return true
	}
	if re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return true
		}
	}
	return false
}
