package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const queryTimeout = 5 * time.Second

// PostgresStore keeps routes in the whatsapp_config table.
type PostgresStore struct {
	pool       *pgxpool.Pool
	def        *Route
	maxRetries uint64
}

// PoolConfig sizes the connection pool. Zero values keep pgxpool defaults.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

func NewPostgresStore(ctx context.Context, connString string, pc PoolConfig, def *Route) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool, def: def, maxRetries: 2}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const selectRoute = `
	SELECT phone_number_id, host_id, COALESCE(property_id, ''), welcome_enabled,
	       COALESCE(welcome_template, ''), COALESCE(template_language, ''),
	       COALESCE(access_token, ''), COALESCE(ai_instructions, '')
	FROM whatsapp_config`

func scanRoute(row pgx.Row) (*Route, error) {
	var r Route
	err := row.Scan(&r.ChannelID, &r.HostID, &r.PropertyID, &r.WelcomeEnabled,
		&r.WelcomeTemplate, &r.TemplateLanguage, &r.AccessToken, &r.Instructions)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Resolve falls back to the default route when the channel is unknown.
// Transient read errors are retried; a missing row is not.
func (s *PostgresStore) Resolve(ctx context.Context, channelID string) (*Route, error) {
	var route *Route
	op := func() error {
		r, err := s.Get(ctx, channelID)
		if errors.Is(err, ErrRouteNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		route = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx))
	if errors.Is(err, ErrRouteNotFound) {
		return fallback(s.def, channelID)
	}
	if err != nil {
		return nil, err
	}
	return route, nil
}

func (s *PostgresStore) Get(ctx context.Context, channelID string) (*Route, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	r, err := scanRoute(s.pool.QueryRow(ctx, selectRoute+` WHERE phone_number_id = $1`, channelID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRouteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get route: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Route, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, selectRoute+` ORDER BY phone_number_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	defer rows.Close()

	var routes []*Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan route: %w", err)
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

func (s *PostgresStore) Upsert(ctx context.Context, r *Route) error {
	if r.ChannelID == "" || r.HostID == "" {
		return errors.New("channel_id and host_id are required")
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO whatsapp_config (
			phone_number_id, host_id, property_id, welcome_enabled, welcome_template,
			template_language, access_token, ai_instructions, updated_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NOW())
		ON CONFLICT (phone_number_id) DO UPDATE SET
			host_id = EXCLUDED.host_id,
			property_id = EXCLUDED.property_id,
			welcome_enabled = EXCLUDED.welcome_enabled,
			welcome_template = EXCLUDED.welcome_template,
			template_language = EXCLUDED.template_language,
			access_token = COALESCE(EXCLUDED.access_token, whatsapp_config.access_token),
			ai_instructions = EXCLUDED.ai_instructions,
			updated_at = NOW()`,
		r.ChannelID, r.HostID, r.PropertyID, r.WelcomeEnabled, r.WelcomeTemplate,
		r.TemplateLanguage, r.AccessToken, r.Instructions,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert route: %w", err)
	}
	return nil
}
