package authstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/watzon/sellia/internal/ratelimit"
)

// Postgres validates api keys against an `api_keys` table and seeds the
// registry's reserved-name snapshot from a `reserved_subdomains` table.
// Connection pooling and schema ownership live entirely in this package;
// the core only ever sees it through the narrow gateway.AuthProvider
// interface.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool to databaseURL (a postgres:// DSN). Callers
// own the returned Postgres and should call Close on shutdown.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("authstore: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("authstore: ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Validate implements gateway.AuthProvider by looking up an active,
// non-revoked api key.
func (p *Postgres) Validate(ctx context.Context, apiKey string) (string, bool) {
	var accountID string
	err := p.pool.QueryRow(ctx,
		`SELECT account_id FROM api_keys WHERE key = $1 AND revoked_at IS NULL`,
		apiKey,
	).Scan(&accountID)
	if err != nil {
		return "", false
	}
	return accountID, true
}

// ReservedNames returns every administratively reserved subdomain. Unlike
// Static's ReservedNames, this one queries the database and can fail, so
// it returns (names, error) rather than matching Static's bare-slice
// signature.
func (p *Postgres) ReservedNames(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT name FROM reserved_subdomains`)
	if err != nil {
		return nil, fmt.Errorf("authstore: query reserved subdomains: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("authstore: scan reserved subdomain: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

// ErrKeyExists is returned by InsertAPIKey when the key is already present.
var ErrKeyExists = errors.New("authstore: key already exists")

// InsertAPIKey adds a new api key for accountID, used by the (out-of-scope)
// admin HTTP surface this package stands in for. Returns ErrKeyExists if
// the key is already present rather than silently no-op'ing.
func (p *Postgres) InsertAPIKey(ctx context.Context, apiKey, accountID string) error {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO api_keys (key, account_id) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		apiKey, accountID,
	)
	if err != nil {
		return fmt.Errorf("authstore: insert api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyExists
	}
	return nil
}

// AccountLimits implements gateway.AccountLimiter, looking up a
// per-account tunnels_per_client override from an account_limits table.
// Returns (zero, false) when the account has no override row, leaving the
// gateway's default shape in place.
func (p *Postgres) AccountLimits(ctx context.Context, accountID string) (ratelimit.Shape, bool) {
	var shape ratelimit.Shape
	err := p.pool.QueryRow(ctx,
		`SELECT tunnels_per_client_max, tunnels_per_client_refill FROM account_limits WHERE account_id = $1`,
		accountID,
	).Scan(&shape.Max, &shape.Refill)
	// No row, or any query failure: fall back to the gateway's default
	// shape rather than failing the whole auth handshake over it.
	if err != nil {
		return ratelimit.Shape{}, false
	}
	return shape, true
}
