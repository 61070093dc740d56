package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when the store holds no row for the requested
// tenant and kind.
var ErrNotFound = errors.New("config: not found")

// Store fetches per-tenant configuration. Every method carries a tenant id
// except SecretaryTenant, the entry-point lookup that maps the secretary
// uuid in the stream URL to its owning tenant.
type Store interface {
	SecretaryTenant(ctx context.Context, secretaryID string) (string, error)
	Secretary(ctx context.Context, tenantID, secretaryID string) (*SecretaryConfig, error)
	Credentials(ctx context.Context, tenantID, provider string) (*ProviderCredentials, error)
	TransferRules(ctx context.Context, tenantID string) (*TransferRules, error)
	TimeCondition(ctx context.Context, tenantID string) (*TimeCondition, error)
}

// Schema is the SQL DDL for the tenant config tables. Config documents are
// stored as JSONB and unmarshalled into the typed structs in this package.
const Schema = `
CREATE TABLE IF NOT EXISTS secretaries (
    tenant_id    TEXT NOT NULL,
    secretary_id TEXT NOT NULL,
    config       JSONB NOT NULL DEFAULT '{}',
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (tenant_id, secretary_id)
);
CREATE TABLE IF NOT EXISTS provider_credentials (
    tenant_id  TEXT NOT NULL,
    provider   TEXT NOT NULL,
    config     JSONB NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (tenant_id, provider)
);
CREATE TABLE IF NOT EXISTS transfer_rules (
    tenant_id  TEXT PRIMARY KEY,
    config     JSONB NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS time_conditions (
    tenant_id  TEXT PRIMARY KEY,
    config     JSONB NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a read-only [Store] backed by PostgreSQL.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing connection or pool.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Dial connects a pool to dsn and returns a store over it, verifying the
// connection with a ping.
func Dial(ctx context.Context, dsn string) (*PostgresStore, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("config: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("config: ping: %w", err)
	}
	return NewPostgresStore(pool), pool, nil
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("config: migrate: %w", err)
	}
	return nil
}

// SecretaryTenant resolves a secretary uuid to its owning tenant.
func (s *PostgresStore) SecretaryTenant(ctx context.Context, secretaryID string) (string, error) {
	const query = `SELECT tenant_id FROM secretaries WHERE secretary_id = $1`
	var tenantID string
	err := s.db.QueryRow(ctx, query, secretaryID).Scan(&tenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("config: secretary %s: %w", secretaryID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("config: secretary tenant %s: %w", secretaryID, err)
	}
	return tenantID, nil
}

// Secretary fetches one secretary definition.
func (s *PostgresStore) Secretary(ctx context.Context, tenantID, secretaryID string) (*SecretaryConfig, error) {
	const query = `SELECT config FROM secretaries WHERE tenant_id = $1 AND secretary_id = $2`
	cfg := &SecretaryConfig{}
	if err := s.fetch(ctx, cfg, query, tenantID, secretaryID); err != nil {
		return nil, fmt.Errorf("config: secretary %s/%s: %w", tenantID, secretaryID, err)
	}
	cfg.TenantID = tenantID
	cfg.SecretaryID = secretaryID
	return cfg, nil
}

// Credentials fetches the tenant's credentials for one provider.
func (s *PostgresStore) Credentials(ctx context.Context, tenantID, provider string) (*ProviderCredentials, error) {
	const query = `SELECT config FROM provider_credentials WHERE tenant_id = $1 AND provider = $2`
	creds := &ProviderCredentials{}
	if err := s.fetch(ctx, creds, query, tenantID, provider); err != nil {
		return nil, fmt.Errorf("config: credentials %s/%s: %w", tenantID, provider, err)
	}
	creds.Provider = provider
	return creds, nil
}

// TransferRules fetches the tenant's transfer policy.
func (s *PostgresStore) TransferRules(ctx context.Context, tenantID string) (*TransferRules, error) {
	const query = `SELECT config FROM transfer_rules WHERE tenant_id = $1`
	rules := &TransferRules{}
	if err := s.fetch(ctx, rules, query, tenantID); err != nil {
		return nil, fmt.Errorf("config: transfer rules %s: %w", tenantID, err)
	}
	return rules, nil
}

// TimeCondition fetches the tenant's business-hours condition.
func (s *PostgresStore) TimeCondition(ctx context.Context, tenantID string) (*TimeCondition, error) {
	const query = `SELECT config FROM time_conditions WHERE tenant_id = $1`
	tc := &TimeCondition{}
	if err := s.fetch(ctx, tc, query, tenantID); err != nil {
		return nil, fmt.Errorf("config: time condition %s: %w", tenantID, err)
	}
	return tc, nil
}

func (s *PostgresStore) fetch(ctx context.Context, out any, query string, args ...any) error {
	var doc []byte
	err := s.db.QueryRow(ctx, query, args...).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(doc, out); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}
