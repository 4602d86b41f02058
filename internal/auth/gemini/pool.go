package gemini

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	geminiClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	geminiClientSecret = "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"
	googleTokenURL     = "https://oauth2.googleapis.com/token"

	// Tokens are refreshed this long before their actual expiry.
	refreshSkew = 3000 * time.Second
)

// AccountState tracks where a credential sits in its lifecycle.
type AccountState int

const (
	StateEnabled AccountState = iota
	StateInUse
	StateRefreshing
	StateDisabled
)

func (s AccountState) String() string {
	switch s {
	case StateEnabled:
		return "enabled"
	case StateInUse:
		return "in-use"
	case StateRefreshing:
		return "refreshing"
	case StateDisabled:
		return "disabled"
	}
	return "unknown"
}

// Account is one credential file managed by the pool.
type Account struct {
	Path    string
	Storage *GeminiTokenStorage
	state   AccountState
}

// State returns the account's current lifecycle state. Callers must hold no
// assumption that the state is still current once the pool mutex is released.
func (a *Account) State() AccountState { return a.state }

// Pool manages a set of credential files with round-robin selection. All
// state transitions happen under the pool mutex; the OAuth refresh round
// trip itself runs with the mutex released.
type Pool struct {
	mu       sync.Mutex
	accounts []*Account
	next     int

	oauthCfg *oauth2.Config
}

func NewPool() *Pool {
	return &Pool{
		oauthCfg: &oauth2.Config{
			ClientID:     geminiClientID,
			ClientSecret: geminiClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: googleTokenURL},
		},
	}
}

// LoadFromDir replaces the pool contents with the credential files found in
// dir. Accounts whose file persists across a reload keep their runtime state.
func (p *Pool) LoadFromDir(dir string) error {
	tokens, err := LoadTokensFromDir(dir)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	previous := make(map[string]*Account, len(p.accounts))
	for _, acct := range p.accounts {
		previous[acct.Path] = acct
	}

	accounts := make([]*Account, 0, len(tokens))
	for path, ts := range tokens {
		if ts.SessionID == "" {
			ts.SessionID = uuid.NewString()
		}
		acct := &Account{Path: path, Storage: ts, state: StateEnabled}
		if !ts.Enable {
			acct.state = StateDisabled
		}
		if prev, ok := previous[path]; ok && prev.state == StateDisabled {
			acct.state = StateDisabled
		}
		accounts = append(accounts, acct)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Path < accounts[j].Path })

	p.accounts = accounts
	p.next = 0
	log.Debugf("gemini pool loaded %d account(s) from %s", len(accounts), dir)
	return nil
}

// AddAccount registers a single account. Used by tests and by the login flow.
func (p *Pool) AddAccount(acct *Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acct.Storage != nil && acct.Storage.SessionID == "" {
		acct.Storage.SessionID = uuid.NewString()
	}
	if acct.Storage != nil && !acct.Storage.Enable {
		acct.state = StateDisabled
	}
	p.accounts = append(p.accounts, acct)
}

// Acquire selects the next enabled account round-robin, refreshing its token
// first when it is near expiry, and marks it in-use. The caller must Release
// or Disable the returned account when the request finishes.
func (p *Pool) Acquire(ctx context.Context) (*Account, error) {
	p.mu.Lock()
	acct := p.pickLocked()
	if acct == nil {
		p.mu.Unlock()
		return nil, ErrNoCredentialAvailable
	}

	needsRefresh := acct.Storage.AccessToken == "" ||
		acct.Storage.Expiry().Before(time.Now().Add(refreshSkew))
	if needsRefresh {
		acct.state = StateRefreshing
	} else {
		acct.state = StateInUse
	}
	p.mu.Unlock()

	if !needsRefresh {
		return acct, nil
	}

	if err := p.refresh(ctx, acct); err != nil {
		p.mu.Lock()
		if errors.Is(err, ErrTokenRevoked) {
			acct.state = StateDisabled
			p.mu.Unlock()
			log.Warnf("gemini account %s disabled: refresh token revoked", acct.Path)
			return nil, err
		}
		if acct.Storage.AccessToken == "" {
			// Nothing stale to fall back on.
			acct.state = StateEnabled
			p.mu.Unlock()
			return nil, err
		}
		// Transient failure: attempt the request once with the stale token.
		acct.state = StateInUse
		p.mu.Unlock()
		log.Warnf("gemini account %s refresh failed, using stale token: %v", acct.Path, err)
		return acct, nil
	}

	p.mu.Lock()
	acct.state = StateInUse
	p.mu.Unlock()
	return acct, nil
}

// pickLocked advances the round-robin cursor past in-use, refreshing and
// disabled accounts.
func (p *Pool) pickLocked() *Account {
	n := len(p.accounts)
	for i := 0; i < n; i++ {
		acct := p.accounts[(p.next+i)%n]
		if acct.state == StateEnabled {
			p.next = (p.next + i + 1) % n
			return acct
		}
	}
	return nil
}

// Release returns an in-use account to the enabled state.
func (p *Pool) Release(acct *Account) {
	if acct == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if acct.state == StateInUse || acct.state == StateRefreshing {
		acct.state = StateEnabled
	}
}

// Disable removes an account from rotation, typically after the backend
// rejected its credentials. The reason is logged, not retried.
func (p *Pool) Disable(acct *Account, reason string) {
	if acct == nil {
		return
	}
	p.mu.Lock()
	acct.state = StateDisabled
	p.mu.Unlock()
	log.Warnf("gemini account %s disabled: %s", acct.Path, reason)
}

// EnabledCount reports how many accounts are currently eligible for picks.
func (p *Pool) EnabledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, acct := range p.accounts {
		if acct.state == StateEnabled {
			n++
		}
	}
	return n
}

// Accounts returns a snapshot of the managed accounts.
func (p *Pool) Accounts() []*Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Account, len(p.accounts))
	copy(out, p.accounts)
	return out
}

// refresh exchanges the refresh token for a fresh access token and persists
// the updated credential file.
func (p *Pool) refresh(ctx context.Context, acct *Account) error {
	ts := acct.Storage
	if ts.RefreshToken == "" {
		return fmt.Errorf("%w: account %s has no refresh token", ErrTokenRevoked, acct.Path)
	}

	source := p.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: ts.RefreshToken})
	token, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			return fmt.Errorf("%w: %s", ErrTokenRevoked, retrieveErr.ErrorDescription)
		}
		return fmt.Errorf("gemini token refresh failed: %w", err)
	}

	now := time.Now()
	ts.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		ts.RefreshToken = token.RefreshToken
	}
	ts.Timestamp = now.UnixMilli()
	if !token.Expiry.IsZero() {
		ts.ExpiresIn = int64(token.Expiry.Sub(now) / time.Second)
	}

	if acct.Path != "" {
		if errSave := ts.SaveTokenToFile(acct.Path); errSave != nil {
			log.Warnf("failed to persist refreshed token for %s: %v", acct.Path, errSave)
		}
	}
	return nil
}
