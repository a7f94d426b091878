package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "presencebot/pkg/logx"
)

//go:embed schema/*.sql
var schemaFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) schemaFile() string {
	if d == dialectPostgres {
		return "schema/postgres.sql"
	}
	return "schema/sqlite.sql"
}

// sqlStore implements Store on database/sql for both dialects.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect dialect
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile(s.dialect.schemaFile())
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// q rewrites '?' placeholders to $n for postgres.
func (s *sqlStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const accountCols = `external_id, owner_id, display_name, access_nonce, access_ct, refresh_nonce, refresh_ct,
	expires_at, last_state, last_activity_id, created_at, updated_at`

func (s *sqlStore) getAccountWhere(ctx context.Context, qr queryer, where string, arg any) (LinkedAccount, error) {
	row := qr.QueryRowContext(ctx, s.q(`SELECT `+accountCols+` FROM linked_accounts WHERE `+where+` = ?`), arg)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return LinkedAccount{}, ErrNotFound
	}
	return a, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(r scanner) (LinkedAccount, error) {
	var (
		a                     LinkedAccount
		an, act, rn, rct      string
		state                 string
		activity              sql.NullString
		expires, created, upd int64
	)
	if err := r.Scan(&a.ExternalID, &a.OwnerID, &a.DisplayName, &an, &act, &rn, &rct,
		&expires, &state, &activity, &created, &upd); err != nil {
		return LinkedAccount{}, err
	}
	var err error
	if a.AccessToken, err = decodeSealed(an, act); err != nil {
		return LinkedAccount{}, fmt.Errorf("account %s access token: %w", a.ExternalID, err)
	}
	if a.RefreshToken, err = decodeSealed(rn, rct); err != nil {
		return LinkedAccount{}, fmt.Errorf("account %s refresh token: %w", a.ExternalID, err)
	}
	a.ExpiresAt = time.UnixMilli(expires)
	a.LastState = PresenceState(state)
	a.LastActivityID = activity.String
	a.CreatedAt = time.UnixMilli(created)
	a.UpdatedAt = time.UnixMilli(upd)
	return a, nil
}

func decodeSealed(nonce, ct string) (Sealed, error) {
	n, err := hex.DecodeString(nonce)
	if err != nil {
		return Sealed{}, err
	}
	c, err := hex.DecodeString(ct)
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{Nonce: n, Ciphertext: c}, nil
}

func (s *sqlStore) UpsertAccount(ctx context.Context, a LinkedAccount) (created bool, err error) {
	if strings.TrimSpace(a.OwnerID) == "" || strings.TrimSpace(a.ExternalID) == "" {
		return false, errors.New("owner id and external id are required")
	}
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var holder string
	err = tx.QueryRowContext(ctx, s.q(`SELECT owner_id FROM linked_accounts WHERE external_id = ?`), a.ExternalID).Scan(&holder)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	case err != nil:
		return false, err
	case holder != a.OwnerID:
		return false, ErrConflict
	}

	var prevExternal string
	err = tx.QueryRowContext(ctx, s.q(`SELECT external_id FROM linked_accounts WHERE owner_id = ?`), a.OwnerID).Scan(&prevExternal)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	case err != nil:
		return false, err
	}

	if prevExternal != "" && prevExternal != a.ExternalID {
		if _, err = tx.ExecContext(ctx, s.q(`DELETE FROM subscriptions WHERE external_id = ?`), prevExternal); err != nil {
			return false, err
		}
		if _, err = tx.ExecContext(ctx, s.q(`DELETE FROM linked_accounts WHERE external_id = ?`), prevExternal); err != nil {
			return false, err
		}
		prevExternal = ""
	}

	if prevExternal == "" {
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO linked_accounts(`+accountCols+`)
			VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`),
			a.ExternalID, a.OwnerID, a.DisplayName,
			hex.EncodeToString(a.AccessToken.Nonce), hex.EncodeToString(a.AccessToken.Ciphertext),
			hex.EncodeToString(a.RefreshToken.Nonce), hex.EncodeToString(a.RefreshToken.Ciphertext),
			a.ExpiresAt.UnixMilli(), string(StateOffline), nil, now.UnixMilli(), now.UnixMilli(),
		)
		created = true
	} else {
		_, err = tx.ExecContext(ctx, s.q(`UPDATE linked_accounts
			SET display_name = ?, access_nonce = ?, access_ct = ?, refresh_nonce = ?, refresh_ct = ?,
			    expires_at = ?, updated_at = ?
			WHERE external_id = ?`),
			a.DisplayName,
			hex.EncodeToString(a.AccessToken.Nonce), hex.EncodeToString(a.AccessToken.Ciphertext),
			hex.EncodeToString(a.RefreshToken.Nonce), hex.EncodeToString(a.RefreshToken.Ciphertext),
			a.ExpiresAt.UnixMilli(), now.UnixMilli(), a.ExternalID,
		)
	}
	if err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return created, nil
}

func (s *sqlStore) GetAccount(ctx context.Context, externalID string) (LinkedAccount, error) {
	return s.getAccountWhere(ctx, s.db, "external_id", externalID)
}

func (s *sqlStore) GetAccountByOwner(ctx context.Context, ownerID string) (LinkedAccount, error) {
	return s.getAccountWhere(ctx, s.db, "owner_id", ownerID)
}

func (s *sqlStore) ListAccounts(ctx context.Context) ([]LinkedAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountCols+` FROM linked_accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LinkedAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateTokens(ctx context.Context, externalID string, access, refresh Sealed, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE linked_accounts
		SET access_nonce = ?, access_ct = ?, refresh_nonce = ?, refresh_ct = ?, expires_at = ?, updated_at = ?
		WHERE external_id = ?`),
		hex.EncodeToString(access.Nonce), hex.EncodeToString(access.Ciphertext),
		hex.EncodeToString(refresh.Nonce), hex.EncodeToString(refresh.Ciphertext),
		expiresAt.UnixMilli(), time.Now().UnixMilli(), externalID,
	)
	return affectedOne(res, err)
}

func (s *sqlStore) UpdateStatus(ctx context.Context, externalID string, state PresenceState, activityID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE linked_accounts
		SET last_state = ?, last_activity_id = ?, updated_at = ?
		WHERE external_id = ?`),
		string(state), nullStr(activityID), time.Now().UnixMilli(), externalID,
	)
	return affectedOne(res, err)
}

func (s *sqlStore) DeleteAccountCascade(ctx context.Context, ownerID string) (externalID string, removedSubs int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = tx.QueryRowContext(ctx, s.q(`SELECT external_id FROM linked_accounts WHERE owner_id = ?`), ownerID).Scan(&externalID)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return "", 0, err
	}
	if err != nil {
		return "", 0, err
	}

	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM subscriptions WHERE external_id = ?`), externalID)
	if err != nil {
		return "", 0, err
	}
	n, _ := res.RowsAffected()
	if _, err = tx.ExecContext(ctx, s.q(`DELETE FROM linked_accounts WHERE external_id = ?`), externalID); err != nil {
		return "", 0, err
	}
	if err = tx.Commit(); err != nil {
		return "", 0, err
	}
	return externalID, int(n), nil
}

func (s *sqlStore) PutSubscription(ctx context.Context, sub Subscription) (err error) {
	if strings.TrimSpace(sub.ContextID) == "" {
		return errors.New("subscription context id is required")
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var one int
	err = tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM linked_accounts WHERE external_id = ?`), sub.ExternalID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return err
	}
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO subscriptions(context_id, external_id, channel_id, mention_role, creator_id, created_at)
		VALUES(?,?,?,?,?,?)
		ON CONFLICT(context_id) DO UPDATE SET
			external_id = excluded.external_id,
			channel_id = excluded.channel_id,
			mention_role = excluded.mention_role,
			creator_id = excluded.creator_id,
			created_at = excluded.created_at`),
		sub.ContextID, sub.ExternalID, sub.ChannelID, nullStr(sub.MentionRole), sub.CreatorID, sub.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

const subscriptionCols = `context_id, external_id, channel_id, mention_role, creator_id, created_at`

func scanSubscription(r scanner) (Subscription, error) {
	var (
		sub     Subscription
		mention sql.NullString
		created int64
	)
	if err := r.Scan(&sub.ContextID, &sub.ExternalID, &sub.ChannelID, &mention, &sub.CreatorID, &created); err != nil {
		return Subscription{}, err
	}
	sub.MentionRole = mention.String
	sub.CreatedAt = time.UnixMilli(created)
	return sub, nil
}

func (s *sqlStore) GetSubscription(ctx context.Context, contextID string) (Subscription, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+subscriptionCols+` FROM subscriptions WHERE context_id = ?`), contextID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	return sub, err
}

func (s *sqlStore) ListSubscriptions(ctx context.Context, externalID string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+subscriptionCols+` FROM subscriptions
		WHERE external_id = ? ORDER BY created_at, context_id`), externalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListWatched(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT external_id FROM subscriptions ORDER BY external_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutPending(ctx context.Context, p PendingAuthorization) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO pending_authorizations(token, requester_id, created_at, expires_at)
		VALUES(?,?,?,?)`),
		p.Token, p.RequesterID, p.CreatedAt.UnixMilli(), p.ExpiresAt.UnixMilli(),
	)
	return err
}

func (s *sqlStore) TakePending(ctx context.Context, token string) (PendingAuthorization, bool, error) {
	var (
		p                PendingAuthorization
		created, expires int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`DELETE FROM pending_authorizations WHERE token = ?
		RETURNING token, requester_id, created_at, expires_at`), token).
		Scan(&p.Token, &p.RequesterID, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingAuthorization{}, false, nil
	}
	if err != nil {
		return PendingAuthorization{}, false, err
	}
	p.CreatedAt = time.UnixMilli(created)
	p.ExpiresAt = time.UnixMilli(expires)
	return p, true, nil
}

func (s *sqlStore) PruneExpiredPending(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM pending_authorizations WHERE expires_at <= ?`), now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM linked_accounts),
		(SELECT COUNT(*) FROM subscriptions),
		(SELECT COUNT(DISTINCT external_id) FROM subscriptions),
		(SELECT COUNT(*) FROM pending_authorizations)`).
		Scan(&st.Accounts, &st.Subscriptions, &st.Watched, &st.Pending)
	return st, err
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
