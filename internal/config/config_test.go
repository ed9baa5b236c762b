package config

import (
	"encoding/base64"
	"reflect"
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_DB_DSN", "postgres://u:p@localhost/calsync")
	t.Setenv("APP_OAUTH_CLIENT_ID", "client")
	t.Setenv("APP_OAUTH_CLIENT_SECRET", "secret")
	t.Setenv("APP_API_TOKEN", "api-token")
	t.Setenv("APP_CREDENTIAL_KEY", base64.StdEncoding.EncodeToString(make([]byte, 32)))
	t.Setenv("APP_STATE_SECRET", strings.Repeat("s", 32))
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.Sync.Horizon != 365*24*time.Hour {
		t.Errorf("unexpected horizon %v", cfg.Sync.Horizon)
	}
	if cfg.Sync.PollSchedule != "@every 15m" {
		t.Errorf("unexpected poll schedule %q", cfg.Sync.PollSchedule)
	}
	if got := cfg.WebhookAddress(); got != "http://localhost:8080/webhooks/calendar" {
		t.Errorf("unexpected webhook address %q", got)
	}
	if got := cfg.RedirectURL(); got != "http://localhost:8080/oauth/callback" {
		t.Errorf("unexpected redirect url %q", got)
	}
	if len(cfg.Secrets.CredentialKey) != 32 {
		t.Errorf("expected 32 byte credential key, got %d", len(cfg.Secrets.CredentialKey))
	}
}

func TestRedirectURLOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_OAUTH_REDIRECT_URL", "https://app.example.com/calendar/oauth/callback")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got := cfg.RedirectURL(); got != "https://app.example.com/calendar/oauth/callback" {
		t.Fatalf("unexpected redirect url %q", got)
	}
	if got := cfg.WebhookAddress(); got != "http://localhost:8080/webhooks/calendar" {
		t.Fatalf("webhook address should keep the base url, got %q", got)
	}
}

func TestLoadBuildsDSNFromParts(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_DB_DSN", "")
	t.Setenv("APP_DB_HOST", "db")
	t.Setenv("APP_DB_NAME", "calsync")
	t.Setenv("APP_DB_USER", "svc")
	t.Setenv("APP_DB_PASSWORD", "pw")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	want := "postgres://svc:pw@db:5432/calsync?sslmode=disable"
	if cfg.DB.DSN != want {
		t.Errorf("expected dsn %q, got %q", want, cfg.DB.DSN)
	}
}

func TestLoadRejectsBadCredentialKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{name: "missing", key: ""},
		{name: "not base64", key: "%%%"},
		{name: "short", key: base64.StdEncoding.EncodeToString([]byte("short"))},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv("APP_CREDENTIAL_KEY", tc.key)
			if _, err := Load(); err == nil {
				t.Fatal("expected error for bad credential key")
			}
		})
	}
}

func TestLoadRequiresAPIToken(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_API_TOKEN", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without api token")
	}
}

func TestScopeGroupsResolve(t *testing.T) {
	groups, err := LoadScopeGroups()
	if err != nil {
		t.Fatalf("LoadScopeGroups: %v", err)
	}

	scopes, err := groups.Resolve("cal_scopes")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{
		"openid",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/calendar.events",
		"https://www.googleapis.com/auth/calendar.calendarlist.readonly",
	}
	if !reflect.DeepEqual(scopes, want) {
		t.Errorf("unexpected scopes %v", scopes)
	}

	if _, err := groups.Resolve("cal_scopes,nope"); err == nil {
		t.Error("expected unknown group to fail")
	}
}

func TestScopeGroupsResolveDoesNotLeakInternalSlices(t *testing.T) {
	groups, err := parseScopeGroups([]byte("base: [a]\nextra: [b]\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	scopes, _ := groups.Resolve("extra")
	scopes[0] = "mutated"

	again, _ := groups.Resolve("extra")
	if again[0] != "a" {
		t.Errorf("scope table was mutated: %v", again)
	}
}

func TestScopeGroupsCovered(t *testing.T) {
	groups, err := parseScopeGroups([]byte("base: [openid, email]\ncal: [events]\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := groups.Covered([]string{"openid", "email"})
	if !reflect.DeepEqual(got, []string{"base"}) {
		t.Errorf("expected only base, got %v", got)
	}
	got = groups.Covered([]string{"openid", "email", "events"})
	if !reflect.DeepEqual(got, []string{"base", "cal"}) {
		t.Errorf("expected base and cal, got %v", got)
	}
}

func TestParseScopeGroupsRequiresBase(t *testing.T) {
	if _, err := parseScopeGroups([]byte("cal: [events]\n")); err == nil {
		t.Fatal("expected error without base group")
	}
}
