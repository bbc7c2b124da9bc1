// Package db provides database connection helpers, schema migration, and the
// data access layer for subscriptions, the cached provider token, and small
// operational key/value state.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/pitwall/raceday/crypto"
)

var (
	// encryptor is the process-wide encryptor for the token cache.
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	encryptorErr  error
)

// initEncryptor initializes the encryptor from ENCRYPTION_KEY. When unset,
// tokens are stored in plaintext (encryption_version = 0).
func initEncryptor() {
	encryptorOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, cached tokens will be stored in plaintext", slog.String("component", "db_encryption"))
			return
		}
		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			encryptorErr = fmt.Errorf("failed to initialize encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("error", encryptorErr), slog.String("component", "db_encryption"))
			return
		}
		encryptor = enc
		slog.Info("token encryption enabled (AES-256-GCM)", slog.String("component", "db_encryption"))
	})
}

func getEncryptor() (crypto.Encryptor, error) {
	initEncryptor()
	if encryptorErr != nil {
		return nil, encryptorErr
	}
	return encryptor, nil
}

// Connect opens a Postgres connection for the given DSN. The DSN comes from
// config so there is a single source of truth for it.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id SERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			channel_id TEXT NOT NULL,
			last_race_time TEXT,
			display_name TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ,
			UNIQUE(user_id, channel_id)
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			expires_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			encryption_version INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_channel ON subscriptions(channel_id)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// Store wraps *sql.DB with the subscription, token cache, and kv operations.
type Store struct{ DB *sql.DB }

// NewStore returns a Store backed by the given connection.
func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

// Subscription operations ---------------------------------------------------

// SaveSubscription creates or refreshes a (user, channel) subscription.
// The display name is updated on conflict; an existing last_race_time is kept.
func (s *Store) SaveSubscription(ctx context.Context, userID int64, channelID, displayName string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO subscriptions(user_id, channel_id, display_name, updated_at) VALUES($1,$2,$3,NOW())
		 ON CONFLICT(user_id, channel_id) DO UPDATE SET display_name=EXCLUDED.display_name, updated_at=NOW()`,
		userID, channelID, displayName)
	return err
}

// RemoveSubscription deletes a subscription; returns false when none existed.
func (s *Store) RemoveSubscription(ctx context.Context, userID int64, channelID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE user_id=$1 AND channel_id=$2`, userID, channelID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LastRaceTime returns the persisted last-seen race timestamp for a
// (user, channel) pair. ok is false when no timestamp has been recorded yet.
func (s *Store) LastRaceTime(ctx context.Context, userID int64, channelID string) (value string, ok bool, err error) {
	var v sql.NullString
	err = s.DB.QueryRowContext(ctx,
		`SELECT last_race_time FROM subscriptions WHERE user_id=$1 AND channel_id=$2`,
		userID, channelID).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v.String, v.Valid && v.String != "", nil
}

// SetLastRaceTime records the last-seen race timestamp for a (user, channel) pair.
func (s *Store) SetLastRaceTime(ctx context.Context, userID int64, channelID, raceTime string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE subscriptions SET last_race_time=$1, updated_at=NOW() WHERE user_id=$2 AND channel_id=$3`,
		raceTime, userID, channelID)
	return err
}

// DisplayName returns the stored display name for a user, empty if unknown.
func (s *Store) DisplayName(ctx context.Context, userID int64) (string, error) {
	var v sql.NullString
	err := s.DB.QueryRowContext(ctx,
		`SELECT display_name FROM subscriptions WHERE user_id=$1 LIMIT 1`, userID).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v.String, nil
}

// Channels lists all distinct channels that have at least one subscription.
func (s *Store) Channels(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT channel_id FROM subscriptions ORDER BY channel_id`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// UsersByChannel lists all subscribed user ids for a channel.
func (s *Store) UsersByChannel(ctx context.Context, channelID string) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT user_id FROM subscriptions WHERE channel_id=$1 ORDER BY user_id`, channelID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Token cache ---------------------------------------------------------------

// tokenExpiryMargin keeps us from handing out tokens about to lapse mid-call.
const tokenExpiryMargin = 5 * time.Minute

// LoadToken returns the cached access token for a provider if its persisted
// expiry is still comfortably in the future. A missing or unreadable row is
// treated as a cache miss, never as an error the caller must handle.
func (s *Store) LoadToken(ctx context.Context, provider string) (string, bool) {
	var access string
	var expiry time.Time
	var encVersion int
	err := s.DB.QueryRowContext(ctx,
		`SELECT access_token, expires_at, COALESCE(encryption_version, 0) FROM oauth_tokens WHERE provider=$1`,
		provider).Scan(&access, &expiry, &encVersion)
	if err != nil {
		if err != sql.ErrNoRows {
			slog.Warn("token cache read failed", slog.Any("err", err), slog.String("provider", provider))
		}
		return "", false
	}
	if access == "" || time.Now().After(expiry.Add(-tokenExpiryMargin)) {
		return "", false
	}
	if encVersion == 1 {
		enc, err := getEncryptor()
		if err != nil || enc == nil {
			slog.Warn("cached token is encrypted but no encryption key is configured", slog.String("provider", provider))
			return "", false
		}
		plain, err := crypto.DecryptString(enc, access)
		if err != nil {
			slog.Warn("cached token decrypt failed", slog.Any("err", err), slog.String("provider", provider))
			return "", false
		}
		access = plain
	}
	return access, true
}

// StoreToken persists an access token with an absolute expiry computed from
// ttlSeconds. When encryption is configured the token is encrypted at rest.
func (s *Store) StoreToken(ctx context.Context, provider, access string, ttlSeconds int) error {
	expiry := time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	encVersion := 0
	toStore := access
	if enc, err := getEncryptor(); err == nil && enc != nil && access != "" {
		encAccess, err := crypto.EncryptString(enc, access)
		if err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		toStore = encAccess
		encVersion = 1
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO oauth_tokens(provider, access_token, expires_at, encryption_version, updated_at)
		 VALUES($1,$2,$3,$4,NOW())
		 ON CONFLICT(provider) DO UPDATE SET
		   access_token=EXCLUDED.access_token,
		   expires_at=EXCLUDED.expires_at,
		   encryption_version=EXCLUDED.encryption_version,
		   updated_at=NOW()`,
		provider, toStore, expiry, encVersion)
	return err
}

// InvalidateToken drops the cached token row after a detected auth failure so
// the next acquisition performs a fresh exchange.
func (s *Store) InvalidateToken(ctx context.Context, provider string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider=$1`, provider)
	return err
}

// KV helpers ----------------------------------------------------------------

// SetKV upserts a small operational value (rate-limit state, job heartbeats).
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
		 ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

// GetKV returns a kv value, empty string when absent.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var v string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}
