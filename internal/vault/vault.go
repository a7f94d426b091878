package vault

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"presencebot/internal/eventbus"
	"presencebot/internal/metrics"
	"presencebot/internal/storage"
	"presencebot/internal/upstream"
	logx "presencebot/pkg/logx"
)

const (
	DefaultPendingTTL   = 10 * time.Minute
	DefaultSafetyMargin = 60 * time.Second
)

// TokenProvider is the upstream authorization server.
type TokenProvider interface {
	AuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (upstream.TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (upstream.TokenSet, error)
	UserInfo(ctx context.Context, accessToken string) (upstream.Identity, error)
}

type Options struct {
	Store   storage.Store
	Cipher  *Cipher
	OAuth   TokenProvider
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	Log     logx.Logger

	// Now defaults to time.Now.
	Now          func() time.Time
	PendingTTL   time.Duration
	SafetyMargin time.Duration
}

// Vault owns encrypted credentials: pending authorization state, the
// authorization exchange, and access-token refresh.
type Vault struct {
	store   storage.Store
	cipher  *Cipher
	oauth   TokenProvider
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time

	pendingTTL time.Duration
	margin     time.Duration

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(opts Options) (*Vault, error) {
	if opts.Store == nil || opts.Cipher == nil || opts.OAuth == nil {
		return nil, errors.New("vault: store, cipher and oauth are required")
	}
	v := &Vault{
		store:      opts.Store,
		cipher:     opts.Cipher,
		oauth:      opts.OAuth,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		log:        opts.Log,
		now:        opts.Now,
		pendingTTL: opts.PendingTTL,
		margin:     opts.SafetyMargin,
		locks:      map[string]*sync.Mutex{},
	}
	if v.bus == nil {
		v.bus = eventbus.Nop{}
	}
	if v.now == nil {
		v.now = time.Now
	}
	if v.pendingTTL <= 0 {
		v.pendingTTL = DefaultPendingTTL
	}
	if v.margin <= 0 {
		v.margin = DefaultSafetyMargin
	}
	return v, nil
}

func (v *Vault) Encrypt(plaintext string) (storage.Sealed, error) { return v.cipher.Encrypt(plaintext) }
func (v *Vault) Decrypt(s storage.Sealed) (string, error)         { return v.cipher.Decrypt(s) }

// AuthorizeURL is the consent link for a pending authorization token.
func (v *Vault) AuthorizeURL(token string) string { return v.oauth.AuthorizeURL(token) }

// accountLock serializes refresh-then-persist per external account.
func (v *Vault) accountLock(externalID string) *sync.Mutex {
	v.locksMu.Lock()
	defer v.locksMu.Unlock()
	mu, ok := v.locks[externalID]
	if !ok {
		mu = &sync.Mutex{}
		v.locks[externalID] = mu
	}
	return mu
}

func newStateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// PendingWriteFailure is published when a pending authorization could not be
// persisted. The issued token will not verify.
type PendingWriteFailure struct {
	RequesterID string
	Err         string
}

// IssuePendingAuthorization creates a single-use state token for requesterID.
//
// The write is synchronous. If it fails the token is still returned (the
// caller has already committed to showing a link) and the failure goes to the
// log at error level and to the event bus.
func (v *Vault) IssuePendingAuthorization(ctx context.Context, requesterID string) (string, error) {
	token, err := newStateToken()
	if err != nil {
		return "", fmt.Errorf("generate state token: %w", err)
	}
	now := v.now()
	err = v.store.PutPending(ctx, storage.PendingAuthorization{
		Token:       token,
		RequesterID: requesterID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(v.pendingTTL),
	})
	if err != nil {
		v.log.Error("pending authorization write failed", logx.String("requester_id", requesterID), logx.Err(err))
		v.bus.Publish(eventbus.Event{
			Type: eventbus.TopicPendingWriteFailed,
			Time: now,
			Data: PendingWriteFailure{RequesterID: requesterID, Err: err.Error()},
		})
	}
	return token, nil
}

// VerifyPendingAuthorization consumes token and returns its requester.
// Any attempt consumes the entry; expired entries never resolve.
func (v *Vault) VerifyPendingAuthorization(ctx context.Context, token string) (string, bool) {
	if token == "" {
		return "", false
	}
	p, ok, err := v.store.TakePending(ctx, token)
	if err != nil {
		v.log.Warn("pending authorization lookup failed", logx.Err(err))
		return "", false
	}
	if !ok || !p.ExpiresAt.After(v.now()) {
		return "", false
	}
	return p.RequesterID, true
}

// Linked is the result of a completed authorization.
type Linked struct {
	ExternalID  string
	DisplayName string
	Created     bool
}

// CompleteAuthorization exchanges code, resolves the identity and stores the
// encrypted token pair under requesterID. Failures are *ExchangeError.
func (v *Vault) CompleteAuthorization(ctx context.Context, code, requesterID string) (Linked, error) {
	ts, err := v.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return Linked{}, exchangeFailed(err)
	}
	id, err := v.oauth.UserInfo(ctx, ts.AccessToken)
	if err != nil {
		return Linked{}, exchangeFailed(err)
	}

	access, err := v.cipher.Encrypt(ts.AccessToken)
	if err != nil {
		return Linked{}, exchangeFailed(err)
	}
	refresh, err := v.cipher.Encrypt(ts.RefreshToken)
	if err != nil {
		return Linked{}, exchangeFailed(err)
	}

	mu := v.accountLock(id.ExternalID)
	mu.Lock()
	defer mu.Unlock()

	created, err := v.store.UpsertAccount(ctx, storage.LinkedAccount{
		ExternalID:   id.ExternalID,
		OwnerID:      requesterID,
		DisplayName:  id.DisplayName,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    v.now().Add(ts.ExpiresIn),
	})
	if errors.Is(err, storage.ErrConflict) {
		return Linked{}, &ExchangeError{Description: "this account is already linked to another user", Err: err}
	}
	if err != nil {
		return Linked{}, exchangeFailed(err)
	}
	v.log.Info("account linked",
		logx.String("external_id", id.ExternalID),
		logx.String("owner_id", requesterID),
		logx.Bool("created", created),
	)
	return Linked{ExternalID: id.ExternalID, DisplayName: id.DisplayName, Created: created}, nil
}

func exchangeFailed(err error) *ExchangeError {
	desc := err.Error()
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Description != "":
			desc = apiErr.Description
		case apiErr.Code != "":
			desc = apiErr.Code
		}
	}
	return &ExchangeError{Description: desc, Err: err}
}

// UsableToken returns a plaintext access token for externalID, refreshing it
// when it expires within the safety margin. ok=false means skip the account
// this cycle; it is never fatal.
func (v *Vault) UsableToken(ctx context.Context, externalID string) (string, bool) {
	tok, err := v.usableToken(ctx, externalID)
	if err == nil {
		return tok, true
	}
	log := v.log.With(logx.String("external_id", externalID))
	switch {
	case errors.Is(err, ErrNoAccount):
		log.Debug("no linked account")
	case errors.Is(err, ErrRefreshRevoked):
		log.Warn("refresh token revoked; owner must re-authorize")
	case errors.Is(err, ErrDecryption):
		log.Error("stored token unreadable", logx.Err(err))
	default:
		log.Warn("access token unavailable", logx.Err(err))
	}
	return "", false
}

func (v *Vault) usableToken(ctx context.Context, externalID string) (string, error) {
	mu := v.accountLock(externalID)
	mu.Lock()
	defer mu.Unlock()

	a, err := v.store.GetAccount(ctx, externalID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrNoAccount
	}
	if err != nil {
		return "", err
	}

	now := v.now()
	if a.ExpiresAt.After(now.Add(v.margin)) {
		return v.cipher.Decrypt(a.AccessToken)
	}

	refreshToken, err := v.cipher.Decrypt(a.RefreshToken)
	if err != nil {
		return "", err
	}
	ts, err := v.oauth.Refresh(ctx, refreshToken)
	if errors.Is(err, upstream.ErrUnauthorized) {
		v.metrics.TokenRefreshed("revoked")
		return "", fmt.Errorf("%w: %w", ErrRefreshRevoked, err)
	}
	if err != nil {
		v.metrics.TokenRefreshed("error")
		return "", fmt.Errorf("refresh: %w", err)
	}
	if ts.RefreshToken == "" {
		ts.RefreshToken = refreshToken
	}

	access, err := v.cipher.Encrypt(ts.AccessToken)
	if err != nil {
		return "", err
	}
	refresh, err := v.cipher.Encrypt(ts.RefreshToken)
	if err != nil {
		return "", err
	}
	expires := now.Add(ts.ExpiresIn)
	if err := v.store.UpdateTokens(ctx, externalID, access, refresh, expires); err != nil {
		// The new access token is still good for this cycle.
		v.metrics.TokenRefreshed("persist_failed")
		v.log.Error("refreshed tokens not persisted", logx.String("external_id", externalID), logx.Err(err))
		return ts.AccessToken, nil
	}
	v.metrics.TokenRefreshed("ok")
	v.log.Debug("access token refreshed", logx.String("external_id", externalID), logx.Time("expires_at", expires))
	return ts.AccessToken, nil
}

// Unlink deletes the owner's account and every subscription targeting it.
func (v *Vault) Unlink(ctx context.Context, ownerID string) (externalID string, removedSubs int, err error) {
	a, err := v.store.GetAccountByOwner(ctx, ownerID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", 0, ErrNoAccount
	}
	if err != nil {
		return "", 0, err
	}
	mu := v.accountLock(a.ExternalID)
	mu.Lock()
	defer mu.Unlock()

	externalID, removedSubs, err = v.store.DeleteAccountCascade(ctx, ownerID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", 0, ErrNoAccount
	}
	if err != nil {
		return "", 0, err
	}
	v.log.Info("account unlinked",
		logx.String("external_id", externalID),
		logx.String("owner_id", ownerID),
		logx.Int("subscriptions_removed", removedSubs),
	)
	return externalID, removedSubs, nil
}
