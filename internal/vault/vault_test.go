package vault

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"presencebot/internal/eventbus"
	"presencebot/internal/storage"
	"presencebot/internal/upstream"
	logx "presencebot/pkg/logx"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type fakeOAuth struct {
	exchangeErr error
	refreshErr  error
	identity    upstream.Identity

	refreshCalls atomic.Int32
	refreshDelay time.Duration
}

func (f *fakeOAuth) AuthorizeURL(state string) string { return "https://auth.example/authorize?state=" + state }

func (f *fakeOAuth) ExchangeCode(_ context.Context, code string) (upstream.TokenSet, error) {
	if f.exchangeErr != nil {
		return upstream.TokenSet{}, f.exchangeErr
	}
	return upstream.TokenSet{AccessToken: "access-" + code, RefreshToken: "refresh-" + code, ExpiresIn: time.Hour}, nil
}

func (f *fakeOAuth) Refresh(_ context.Context, refreshToken string) (upstream.TokenSet, error) {
	f.refreshCalls.Add(1)
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	if f.refreshErr != nil {
		return upstream.TokenSet{}, f.refreshErr
	}
	return upstream.TokenSet{AccessToken: "fresh-access", RefreshToken: "fresh-refresh", ExpiresIn: time.Hour}, nil
}

func (f *fakeOAuth) UserInfo(context.Context, string) (upstream.Identity, error) {
	return f.identity, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestVault(t *testing.T, oauth *fakeOAuth) (*Vault, *storage.Memory, *clock, eventbus.Bus) {
	t.Helper()
	c, err := NewCipher(testKey)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	store := storage.NewMemory()
	clk := &clock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	bus := eventbus.New()
	v, err := New(Options{
		Store:  store,
		Cipher: c,
		OAuth:  oauth,
		Bus:    bus,
		Log:    logx.Nop(),
		Now:    clk.Now,
	})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v, store, clk, bus
}

func TestCipherRoundTripAndTamper(t *testing.T) {
	t.Parallel()

	c, err := NewCipher(testKey)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	s, err := c.Encrypt("s3cret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := c.Decrypt(s)
	if err != nil || got != "s3cret" {
		t.Fatalf("decrypt = %q, %v", got, err)
	}

	s2, _ := c.Encrypt("s3cret")
	if string(s2.Nonce) == string(s.Nonce) {
		t.Fatalf("nonce reused")
	}

	s.Ciphertext[0] ^= 0xff
	if _, err := c.Decrypt(s); !errors.Is(err, ErrDecryption) {
		t.Fatalf("tampered decrypt err = %v, want ErrDecryption", err)
	}

	other, _ := NewCipher([]byte("fedcba9876543210fedcba9876543210"))
	if _, err := other.Decrypt(s2); !errors.Is(err, ErrDecryption) {
		t.Fatalf("wrong key err = %v, want ErrDecryption", err)
	}
	if _, err := NewCipher([]byte("short")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("short key err = %v", err)
	}
}

func TestPendingAuthorizationSingleUse(t *testing.T) {
	t.Parallel()

	v, _, _, _ := newTestVault(t, &fakeOAuth{})
	ctx := context.Background()

	token, err := v.IssuePendingAuthorization(ctx, "owner-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(token) != 64 {
		t.Fatalf("token length = %d", len(token))
	}
	owner, ok := v.VerifyPendingAuthorization(ctx, token)
	if !ok || owner != "owner-1" {
		t.Fatalf("verify = %q, %v", owner, ok)
	}
	if _, ok := v.VerifyPendingAuthorization(ctx, token); ok {
		t.Fatalf("second verify should fail")
	}
	if _, ok := v.VerifyPendingAuthorization(ctx, "nope"); ok {
		t.Fatalf("unknown token verified")
	}
}

func TestPendingAuthorizationExpires(t *testing.T) {
	t.Parallel()

	v, _, clk, _ := newTestVault(t, &fakeOAuth{})
	ctx := context.Background()

	token, _ := v.IssuePendingAuthorization(ctx, "owner-1")
	clk.Advance(DefaultPendingTTL + time.Second)
	if _, ok := v.VerifyPendingAuthorization(ctx, token); ok {
		t.Fatalf("expired token verified")
	}
}

func TestPendingWriteFailureIsReported(t *testing.T) {
	t.Parallel()

	v, store, _, bus := newTestVault(t, &fakeOAuth{})
	store.FailPendingWrites = errors.New("disk full")
	events, unsub := bus.Subscribe(4)
	defer unsub()

	token, err := v.IssuePendingAuthorization(context.Background(), "owner-1")
	if err != nil || token == "" {
		t.Fatalf("issue = %q, %v; want token despite write failure", token, err)
	}
	select {
	case e := <-events:
		if e.Type != eventbus.TopicPendingWriteFailed {
			t.Fatalf("event type = %q", e.Type)
		}
		f, ok := e.Data.(PendingWriteFailure)
		if !ok || f.RequesterID != "owner-1" {
			t.Fatalf("event data = %#v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatalf("no write failure event")
	}
	if _, ok := v.VerifyPendingAuthorization(context.Background(), token); ok {
		t.Fatalf("unpersisted token verified")
	}
}

func TestCompleteAuthorizationStoresEncryptedTokens(t *testing.T) {
	t.Parallel()

	oauth := &fakeOAuth{identity: upstream.Identity{ExternalID: "42", DisplayName: "builder"}}
	v, store, _, _ := newTestVault(t, oauth)
	ctx := context.Background()

	linked, err := v.CompleteAuthorization(ctx, "code1", "owner-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if linked.ExternalID != "42" || !linked.Created {
		t.Fatalf("linked = %+v", linked)
	}
	a, err := store.GetAccount(ctx, "42")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(a.AccessToken.Ciphertext) == "access-code1" {
		t.Fatalf("access token stored in plaintext")
	}
	if a.LastState != storage.StateOffline {
		t.Fatalf("initial state = %q", a.LastState)
	}
	tok, ok := v.UsableToken(ctx, "42")
	if !ok || tok != "access-code1" {
		t.Fatalf("usable token = %q, %v", tok, ok)
	}
	if oauth.refreshCalls.Load() != 0 {
		t.Fatalf("fresh token was refreshed")
	}
}

func TestCompleteAuthorizationConflict(t *testing.T) {
	t.Parallel()

	oauth := &fakeOAuth{identity: upstream.Identity{ExternalID: "42"}}
	v, _, _, _ := newTestVault(t, oauth)
	ctx := context.Background()

	if _, err := v.CompleteAuthorization(ctx, "a", "owner-1"); err != nil {
		t.Fatalf("first: %v", err)
	}
	_, err := v.CompleteAuthorization(ctx, "b", "owner-2")
	var xe *ExchangeError
	if !errors.As(err, &xe) || !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ExchangeError wrapping ErrConflict", err)
	}
}

func TestCompleteAuthorizationUpstreamDescription(t *testing.T) {
	t.Parallel()

	oauth := &fakeOAuth{exchangeErr: &upstream.APIError{Op: "exchange", Status: 400, Code: "invalid_grant", Description: "code expired"}}
	v, _, _, _ := newTestVault(t, oauth)

	_, err := v.CompleteAuthorization(context.Background(), "x", "owner-1")
	var xe *ExchangeError
	if !errors.As(err, &xe) {
		t.Fatalf("err = %v, want *ExchangeError", err)
	}
	if xe.Description != "code expired" {
		t.Fatalf("description = %q", xe.Description)
	}
}

func TestUsableTokenRefreshesOnceUnderConcurrency(t *testing.T) {
	t.Parallel()

	oauth := &fakeOAuth{identity: upstream.Identity{ExternalID: "42"}, refreshDelay: 20 * time.Millisecond}
	v, store, clk, _ := newTestVault(t, oauth)
	ctx := context.Background()

	if _, err := v.CompleteAuthorization(ctx, "c", "owner-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Inside the safety margin.
	clk.Advance(time.Hour - 30*time.Second)

	var wg sync.WaitGroup
	results := make([]string, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, ok := v.UsableToken(ctx, "42")
			if !ok {
				t.Errorf("usable token %d not ok", i)
			}
			results[i] = tok
		}(i)
	}
	wg.Wait()

	if n := oauth.refreshCalls.Load(); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
	for i, tok := range results {
		if tok != "fresh-access" {
			t.Fatalf("result %d = %q", i, tok)
		}
	}
	a, _ := store.GetAccount(ctx, "42")
	if !a.ExpiresAt.Equal(clk.Now().Add(time.Hour)) {
		t.Fatalf("expires_at = %v", a.ExpiresAt)
	}
}

func TestUsableTokenRevokedLeavesRecord(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{"invalid_grant", &upstream.APIError{Op: "refresh", Status: 400, Code: "invalid_grant"}},
		{"unauthorized", &upstream.APIError{Op: "refresh", Status: 401, Description: "refresh token revoked"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			oauth := &fakeOAuth{identity: upstream.Identity{ExternalID: "42"}, refreshErr: tt.err}
			v, store, clk, _ := newTestVault(t, oauth)
			ctx := context.Background()

			if _, err := v.CompleteAuthorization(ctx, "c", "owner-1"); err != nil {
				t.Fatalf("complete: %v", err)
			}
			before, _ := store.GetAccount(ctx, "42")
			clk.Advance(2 * time.Hour)

			if tok, ok := v.UsableToken(ctx, "42"); ok {
				t.Fatalf("revoked token usable: %q", tok)
			}
			if n := oauth.refreshCalls.Load(); n != 1 {
				t.Fatalf("refresh calls = %d, want 1", n)
			}
			after, err := store.GetAccount(ctx, "42")
			if err != nil {
				t.Fatalf("account removed on revocation: %v", err)
			}
			if !after.ExpiresAt.Equal(before.ExpiresAt) || string(after.RefreshToken.Ciphertext) != string(before.RefreshToken.Ciphertext) {
				t.Fatalf("record changed on revocation")
			}
		})
	}
}

func TestUsableTokenUnknownAccount(t *testing.T) {
	t.Parallel()

	v, _, _, _ := newTestVault(t, &fakeOAuth{})
	if _, ok := v.UsableToken(context.Background(), "missing"); ok {
		t.Fatalf("unknown account produced a token")
	}
}

func TestUnlinkCascades(t *testing.T) {
	t.Parallel()

	v, store, _, _ := newTestVault(t, &fakeOAuth{identity: upstream.Identity{ExternalID: "42"}})
	ctx := context.Background()

	if _, err := v.CompleteAuthorization(ctx, "c", "owner-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.PutSubscription(ctx, storage.Subscription{ContextID: "chat-1", ExternalID: "42", ChannelID: "chat-1"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ext, n, err := v.Unlink(ctx, "owner-1")
	if err != nil || ext != "42" || n != 1 {
		t.Fatalf("unlink = %q, %d, %v", ext, n, err)
	}
	if _, _, err := v.Unlink(ctx, "owner-1"); !errors.Is(err, ErrNoAccount) {
		t.Fatalf("second unlink err = %v", err)
	}
}
