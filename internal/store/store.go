// Package store persists account rows and settings in SQLite. Credential
// bundles and bot configs are stored as JSON blobs; the relational columns
// carry only what the manager filters and updates directly.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	enabled           INTEGER NOT NULL DEFAULT 0,
	broker_type       TEXT NOT NULL,
	credentials       TEXT NOT NULL,
	config            TEXT NOT NULL,
	connected         INTEGER NOT NULL DEFAULT 0,
	last_connected_at TEXT,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store wraps the SQLite handle.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(logger *zap.Logger, path string) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The sqlite driver serializes access per connection; a single
	// connection avoids table-lock races between bots.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{logger: logger.Named("store"), db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// LoadAccounts returns every account row.
func (s *Store) LoadAccounts(ctx context.Context) ([]types.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, enabled, broker_type, credentials, config, connected, last_connected_at, created_at, updated_at FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []types.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// GetAccount returns one account or ErrNotFound.
func (s *Store) GetAccount(ctx context.Context, id string) (*types.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, enabled, broker_type, credentials, config, connected, last_connected_at, created_at, updated_at FROM accounts WHERE id = ?`, id)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// SaveAccount inserts or replaces an account row.
func (s *Store) SaveAccount(ctx context.Context, acct *types.Account) error {
	creds, err := json.Marshal(acct.Credentials)
	if err != nil {
		return err
	}
	cfg, err := json.Marshal(acct.Config)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now

	var last any
	if acct.LastConnectedAt != nil {
		last = acct.LastConnectedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, enabled, broker_type, credentials, config, connected, last_connected_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			broker_type = excluded.broker_type,
			credentials = excluded.credentials,
			config = excluded.config,
			connected = excluded.connected,
			last_connected_at = excluded.last_connected_at,
			updated_at = excluded.updated_at`,
		acct.ID, acct.Name, boolInt(acct.Enabled), string(acct.BrokerType),
		string(creds), string(cfg), boolInt(acct.Connected), last,
		acct.CreatedAt.UTC().Format(time.RFC3339Nano), acct.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// UpdateConnected flips the connection flag and stamps the time.
func (s *Store) UpdateConnected(ctx context.Context, id string, connected bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET connected = ?, last_connected_at = ?, updated_at = ? WHERE id = ?`,
		boolInt(connected), at.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAccount removes an account row.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSetting returns a settings value or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

// PutSetting upserts a settings value.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

const botConfigKey = "bot_config"

// LoadBotConfig reads the single-bot deployment blob.
func (s *Store) LoadBotConfig(ctx context.Context) (*types.BotConfig, error) {
	raw, err := s.GetSetting(ctx, botConfigKey)
	if err != nil {
		return nil, err
	}
	var cfg types.BotConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("decode bot_config: %w", err)
	}
	return &cfg, nil
}

// SaveBotConfig writes the single-bot deployment blob.
func (s *Store) SaveBotConfig(ctx context.Context, cfg *types.BotConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.PutSetting(ctx, botConfigKey, string(raw))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (types.Account, error) {
	var (
		acct       types.Account
		enabled    int
		connected  int
		brokerType string
		creds, cfg string
		last       sql.NullString
		created    string
		updated    string
	)
	if err := row.Scan(&acct.ID, &acct.Name, &enabled, &brokerType, &creds, &cfg, &connected, &last, &created, &updated); err != nil {
		return acct, err
	}
	acct.Enabled = enabled != 0
	acct.Connected = connected != 0
	acct.BrokerType = types.BrokerType(brokerType)
	if err := json.Unmarshal([]byte(creds), &acct.Credentials); err != nil {
		return acct, fmt.Errorf("decode credentials for %s: %w", acct.ID, err)
	}
	if err := json.Unmarshal([]byte(cfg), &acct.Config); err != nil {
		return acct, fmt.Errorf("decode config for %s: %w", acct.ID, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		acct.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		acct.UpdatedAt = t
	}
	if last.Valid {
		if t, err := time.Parse(time.RFC3339Nano, last.String); err == nil {
			acct.LastConnectedAt = &t
		}
	}
	return acct, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
