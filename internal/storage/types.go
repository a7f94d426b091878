package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when an external account is already linked
	// to a different owner.
	ErrConflict = errors.New("storage: external account linked to another owner")
)

// PresenceState is the coarse state kept in an account's status cache.
type PresenceState string

const (
	StateOffline PresenceState = "Offline"
	StateOnline  PresenceState = "Online"
	StateActive  PresenceState = "Active"
)

// Sealed is an encrypted secret: a nonce and the ciphertext it sealed.
type Sealed struct {
	Nonce      []byte
	Ciphertext []byte
}

func (s Sealed) IsZero() bool { return len(s.Nonce) == 0 && len(s.Ciphertext) == 0 }

// LinkedAccount is one watched external account. OwnerID and ExternalID are
// each unique.
type LinkedAccount struct {
	ExternalID  string
	OwnerID     string
	DisplayName string

	AccessToken  Sealed
	RefreshToken Sealed
	ExpiresAt    time.Time

	LastState      PresenceState
	LastActivityID string // empty when unknown

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Subscription routes notifications for ExternalID to one destination.
// ContextID (the destination-owning context) is unique.
type Subscription struct {
	ContextID   string
	ExternalID  string
	ChannelID   string
	MentionRole string
	CreatorID   string
	CreatedAt   time.Time
}

// PendingAuthorization is a single-use authorization state token.
type PendingAuthorization struct {
	Token       string
	RequesterID string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Stats is a cheap summary used by status commands and health output.
type Stats struct {
	Accounts      int
	Subscriptions int
	Watched       int
	Pending       int
}

// Store is the persistence API for accounts, subscriptions and pending
// authorizations. Implementations must make DeleteAccountCascade and
// TakePending atomic.
type Store interface {
	// UpsertAccount inserts or replaces the account owned by a.OwnerID.
	// On insert the status cache starts at StateOffline. Relinking an owner to
	// a different external id removes the old account and its subscriptions.
	UpsertAccount(ctx context.Context, a LinkedAccount) (created bool, err error)
	GetAccount(ctx context.Context, externalID string) (LinkedAccount, error)
	GetAccountByOwner(ctx context.Context, ownerID string) (LinkedAccount, error)
	ListAccounts(ctx context.Context) ([]LinkedAccount, error)
	UpdateTokens(ctx context.Context, externalID string, access, refresh Sealed, expiresAt time.Time) error
	UpdateStatus(ctx context.Context, externalID string, state PresenceState, activityID string) error
	// DeleteAccountCascade removes the owner's account and every subscription
	// targeting it in one transaction.
	DeleteAccountCascade(ctx context.Context, ownerID string) (externalID string, removedSubs int, err error)

	// PutSubscription creates or replaces the subscription for s.ContextID.
	// It fails with ErrNotFound when s.ExternalID is not linked.
	PutSubscription(ctx context.Context, s Subscription) error
	GetSubscription(ctx context.Context, contextID string) (Subscription, error)
	ListSubscriptions(ctx context.Context, externalID string) ([]Subscription, error)
	// ListWatched returns the distinct external ids referenced by any subscription.
	ListWatched(ctx context.Context) ([]string, error)

	PutPending(ctx context.Context, p PendingAuthorization) error
	// TakePending deletes and returns the entry for token, expired or not.
	// At most one caller observes ok=true for a given token.
	TakePending(ctx context.Context, token string) (p PendingAuthorization, ok bool, err error)
	PruneExpiredPending(ctx context.Context, now time.Time) (int64, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "postgres": PostgreSQL via lib/pq
//   - "memory": process-local, for tests and dry runs
type Config struct {
	Driver      string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
