package gemini

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func freshAccount(path string) *Account {
	return &Account{
		Path: path,
		Storage: &GeminiTokenStorage{
			AccessToken:  "token-" + path,
			RefreshToken: "refresh-" + path,
			ExpiresIn:    3600,
			Timestamp:    time.Now().UnixMilli(),
			Enable:       true,
		},
		state: StateEnabled,
	}
}

func TestPoolRoundRobin(t *testing.T) {
	p := NewPool()
	p.AddAccount(freshAccount("a"))
	p.AddAccount(freshAccount("b"))

	first, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Release(first)

	second, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Release(second)

	if first.Path == second.Path {
		t.Errorf("expected rotation between accounts, got %q twice", first.Path)
	}
}

func TestPoolSkipsInUse(t *testing.T) {
	p := NewPool()
	p.AddAccount(freshAccount("a"))
	p.AddAccount(freshAccount("b"))

	a, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if a.Path == b.Path {
		t.Fatalf("in-use account handed out twice: %q", a.Path)
	}

	if _, err = p.Acquire(context.Background()); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Errorf("expected ErrNoCredentialAvailable with all accounts busy, got %v", err)
	}

	p.Release(a)
	if _, err = p.Acquire(context.Background()); err != nil {
		t.Errorf("released account should be acquirable again: %v", err)
	}
}

func TestPoolDisable(t *testing.T) {
	p := NewPool()
	p.AddAccount(freshAccount("a"))

	a, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Disable(a, "backend returned 403")

	if a.State() != StateDisabled {
		t.Errorf("state = %v, want disabled", a.State())
	}
	if _, err = p.Acquire(context.Background()); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Errorf("disabled account must not be handed out, got %v", err)
	}
	if p.EnabledCount() != 0 {
		t.Errorf("EnabledCount = %d, want 0", p.EnabledCount())
	}
}

func TestPoolDisabledFileStaysDisabled(t *testing.T) {
	p := NewPool()
	acct := freshAccount("a")
	acct.Storage.Enable = false
	p.AddAccount(acct)

	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Errorf("account with enable=false must not be handed out, got %v", err)
	}
}

func TestPoolReleaseAfterDisableKeepsDisabled(t *testing.T) {
	p := NewPool()
	p.AddAccount(freshAccount("a"))

	a, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Disable(a, "revoked")
	p.Release(a)

	if a.State() != StateDisabled {
		t.Errorf("Release must not resurrect a disabled account, state = %v", a.State())
	}
}

func staleAccount(path string) *Account {
	return &Account{
		Path: "",
		Storage: &GeminiTokenStorage{
			AccessToken:  "stale-token",
			RefreshToken: "refresh-" + path,
			ExpiresIn:    60,
			Timestamp:    time.Now().Add(-time.Hour).UnixMilli(),
			Enable:       true,
		},
		state: StateEnabled,
	}
}

func TestPoolStaleTokenOnTransientRefreshFailure(t *testing.T) {
	p := NewPool()
	p.oauthCfg.Endpoint.TokenURL = "http://127.0.0.1:1/token"
	p.AddAccount(staleAccount("a"))

	acct, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("transient refresh failure must fall back to the stale token, got %v", err)
	}
	if acct.Storage.AccessToken != "stale-token" {
		t.Errorf("AccessToken = %q, want the stale token", acct.Storage.AccessToken)
	}
	if acct.State() != StateInUse {
		t.Errorf("state = %v, want in-use", acct.State())
	}
	p.Release(acct)
	if acct.State() != StateEnabled {
		t.Errorf("state after release = %v, want enabled", acct.State())
	}
}

func TestPoolNoStaleTokenToFallBackOn(t *testing.T) {
	p := NewPool()
	p.oauthCfg.Endpoint.TokenURL = "http://127.0.0.1:1/token"
	acct := staleAccount("a")
	acct.Storage.AccessToken = ""
	p.AddAccount(acct)

	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatal("expected an error when refresh fails and no stale token exists")
	}
	if acct.State() != StateEnabled {
		t.Errorf("state = %v, want enabled for later picks", acct.State())
	}
}

func TestPoolRevokedRefreshDisables(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been revoked."}`))
	}))
	defer srv.Close()

	p := NewPool()
	p.oauthCfg.Endpoint.TokenURL = srv.URL + "/token"
	acct := staleAccount("a")
	p.AddAccount(acct)

	_, err := p.Acquire(context.Background())
	if !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("err = %v, want ErrTokenRevoked", err)
	}
	if acct.State() != StateDisabled {
		t.Errorf("state = %v, want disabled", acct.State())
	}
}

func TestStorageExpiry(t *testing.T) {
	now := time.Now()
	ts := &GeminiTokenStorage{ExpiresIn: 3600, Timestamp: now.UnixMilli()}
	want := now.Add(time.Hour)
	if got := ts.Expiry(); got.Sub(want) > time.Second || want.Sub(got) > time.Second {
		t.Errorf("Expiry() = %v, want about %v", got, want)
	}

	var zero GeminiTokenStorage
	if !zero.Expiry().IsZero() {
		t.Error("zero storage should have zero expiry")
	}
}
