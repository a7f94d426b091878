package storage

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is a process-local Store. Every method takes one lock, so the
// cascade and take operations are atomic.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]LinkedAccount // by external id
	owners   map[string]string        // owner id -> external id
	subs     map[string]Subscription  // by context id
	pending  map[string]PendingAuthorization

	// FailPendingWrites makes PutPending fail; tests use it to exercise
	// the issuance error path.
	FailPendingWrites error
}

func NewMemory() *Memory {
	return &Memory{
		accounts: map[string]LinkedAccount{},
		owners:   map[string]string{},
		subs:     map[string]Subscription{},
		pending:  map[string]PendingAuthorization{},
	}
}

func cloneSealed(s Sealed) Sealed {
	return Sealed{Nonce: slices.Clone(s.Nonce), Ciphertext: slices.Clone(s.Ciphertext)}
}

func cloneAccount(a LinkedAccount) LinkedAccount {
	a.AccessToken = cloneSealed(a.AccessToken)
	a.RefreshToken = cloneSealed(a.RefreshToken)
	return a
}

func (m *Memory) UpsertAccount(_ context.Context, a LinkedAccount) (bool, error) {
	if strings.TrimSpace(a.OwnerID) == "" || strings.TrimSpace(a.ExternalID) == "" {
		return false, errors.New("owner id and external id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.accounts[a.ExternalID]; ok && cur.OwnerID != a.OwnerID {
		return false, ErrConflict
	}
	now := time.Now()
	prev, hadPrev := m.owners[a.OwnerID]
	if hadPrev && prev != a.ExternalID {
		m.deleteLocked(prev)
		hadPrev = false
	}
	if hadPrev {
		cur := m.accounts[a.ExternalID]
		cur.DisplayName = a.DisplayName
		cur.AccessToken = cloneSealed(a.AccessToken)
		cur.RefreshToken = cloneSealed(a.RefreshToken)
		cur.ExpiresAt = a.ExpiresAt
		cur.UpdatedAt = now
		m.accounts[a.ExternalID] = cur
		return false, nil
	}
	a = cloneAccount(a)
	a.LastState = StateOffline
	a.LastActivityID = ""
	a.CreatedAt, a.UpdatedAt = now, now
	m.accounts[a.ExternalID] = a
	m.owners[a.OwnerID] = a.ExternalID
	return true, nil
}

// deleteLocked removes an account and its subscriptions. Caller holds mu.
func (m *Memory) deleteLocked(externalID string) int {
	removed := 0
	for k, s := range m.subs {
		if s.ExternalID == externalID {
			delete(m.subs, k)
			removed++
		}
	}
	if a, ok := m.accounts[externalID]; ok {
		delete(m.owners, a.OwnerID)
		delete(m.accounts, externalID)
	}
	return removed
}

func (m *Memory) GetAccount(_ context.Context, externalID string) (LinkedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[externalID]
	if !ok {
		return LinkedAccount{}, ErrNotFound
	}
	return cloneAccount(a), nil
}

func (m *Memory) GetAccountByOwner(ctx context.Context, ownerID string) (LinkedAccount, error) {
	m.mu.Lock()
	ext, ok := m.owners[ownerID]
	m.mu.Unlock()
	if !ok {
		return LinkedAccount{}, ErrNotFound
	}
	return m.GetAccount(ctx, ext)
}

func (m *Memory) ListAccounts(context.Context) ([]LinkedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LinkedAccount, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, cloneAccount(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	return out, nil
}

func (m *Memory) UpdateTokens(_ context.Context, externalID string, access, refresh Sealed, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[externalID]
	if !ok {
		return ErrNotFound
	}
	a.AccessToken = cloneSealed(access)
	a.RefreshToken = cloneSealed(refresh)
	a.ExpiresAt = expiresAt
	a.UpdatedAt = time.Now()
	m.accounts[externalID] = a
	return nil
}

func (m *Memory) UpdateStatus(_ context.Context, externalID string, state PresenceState, activityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[externalID]
	if !ok {
		return ErrNotFound
	}
	a.LastState = state
	a.LastActivityID = activityID
	a.UpdatedAt = time.Now()
	m.accounts[externalID] = a
	return nil
}

func (m *Memory) DeleteAccountCascade(_ context.Context, ownerID string) (string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ext, ok := m.owners[ownerID]
	if !ok {
		return "", 0, ErrNotFound
	}
	return ext, m.deleteLocked(ext), nil
}

func (m *Memory) PutSubscription(_ context.Context, s Subscription) error {
	if strings.TrimSpace(s.ContextID) == "" {
		return errors.New("subscription context id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[s.ExternalID]; !ok {
		return ErrNotFound
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	m.subs[s.ContextID] = s
	return nil
}

func (m *Memory) GetSubscription(_ context.Context, contextID string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[contextID]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListSubscriptions(_ context.Context, externalID string) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Subscription
	for _, s := range m.subs {
		if s.ExternalID == externalID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ContextID < out[j].ContextID
	})
	return out, nil
}

func (m *Memory) ListWatched(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]struct{}{}
	var out []string
	for _, s := range m.subs {
		if _, ok := seen[s.ExternalID]; ok {
			continue
		}
		seen[s.ExternalID] = struct{}{}
		out = append(out, s.ExternalID)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) PutPending(_ context.Context, p PendingAuthorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPendingWrites != nil {
		return m.FailPendingWrites
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.pending[p.Token] = p
	return nil
}

func (m *Memory) TakePending(_ context.Context, token string) (PendingAuthorization, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[token]
	if ok {
		delete(m.pending, token)
	}
	return p, ok, nil
}

func (m *Memory) PruneExpiredPending(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, p := range m.pending {
		if !p.ExpiresAt.After(now) {
			delete(m.pending, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Stats(context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	watched := map[string]struct{}{}
	for _, s := range m.subs {
		watched[s.ExternalID] = struct{}{}
	}
	return Stats{
		Accounts:      len(m.accounts),
		Subscriptions: len(m.subs),
		Watched:       len(watched),
		Pending:       len(m.pending),
	}, nil
}

func (m *Memory) Close() error { return nil }
