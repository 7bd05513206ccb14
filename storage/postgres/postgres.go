// Package postgres provides a PostgreSQL implementation of the goentitle.Storage interface.
// Event and pending idempotency rely on primary keys with ON CONFLICT DO NOTHING;
// user writes are guarded by an optimistic version column.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	uniqueViolation     = "23505"
	usersPrimaryKey     = "users_pkey"
	usersEmailUniqueKey = "users_email_normalized_key"
)

// Storage implements goentitle.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded schema migrations on New
	AutoMigrate bool

	// MigrationsTable is the goose version table (default: goose_db_version)
	MigrationsTable string

	// Logger receives migration output (default: NoopLogger)
	Logger goentitle.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		MigrationsTable: "goose_db_version",
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &goentitle.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if config.AutoMigrate {
		if err := Migrate(ctx, pool, config.MigrationsTable, config.Logger); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &Storage{pool: pool, config: config}, nil
}

// NewWithPool wraps an existing pool. Migrations are the caller's responsibility.
func NewWithPool(pool *pgxpool.Pool) *Storage {
	return &Storage{pool: pool, config: DefaultConfig()}
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RecordEvent implements goentitle.EventStore
func (s *Storage) RecordEvent(ctx context.Context, event *goentitle.BillingEvent) (bool, error) {
	if event == nil || event.EventID == "" {
		return false, fmt.Errorf("invalid billing event")
	}
	payload := event.Payload
	if payload == nil {
		payload = []byte{}
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO billing_events
			(provider, event_id, event_type, event_type_known, email, payload,
			processing_status, received_at, processed_at, user_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (provider, event_id) DO NOTHING`,
		string(event.Provider), event.EventID, event.EventType, event.EventTypeKnown, event.Email, payload,
		string(event.ProcessingStatus), event.ReceivedAt.UTC(), event.ProcessedAt, event.UserID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record billing event: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}

// GetEvent implements goentitle.EventStore
func (s *Storage) GetEvent(ctx context.Context, provider goentitle.Provider, eventID string) (
	*goentitle.BillingEvent, error) {
	var (
		event            goentitle.BillingEvent
		providerName     string
		processingStatus string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT provider, event_id, event_type, event_type_known, email, payload,
			processing_status, received_at, processed_at, user_id
			FROM billing_events WHERE provider = $1 AND event_id = $2`,
		string(provider), eventID).Scan(
		&providerName,
		&event.EventID,
		&event.EventType,
		&event.EventTypeKnown,
		&event.Email,
		&event.Payload,
		&processingStatus,
		&event.ReceivedAt,
		&event.ProcessedAt,
		&event.UserID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goentitle.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing event: %w", err)
	}

	event.Provider = goentitle.Provider(providerName)
	event.ProcessingStatus = goentitle.ProcessingStatus(processingStatus)
	event.ReceivedAt = event.ReceivedAt.UTC()
	if event.ProcessedAt != nil {
		t := event.ProcessedAt.UTC()
		event.ProcessedAt = &t
	}
	return &event, nil
}

// TransitionEvent implements goentitle.EventStore. The current status is read
// under a row lock so concurrent transitions cannot both succeed.
func (s *Storage) TransitionEvent(ctx context.Context, provider goentitle.Provider, eventID string,
	to goentitle.ProcessingStatus, userID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var current string
	err = tx.QueryRow(ctx,
		`SELECT processing_status FROM billing_events
			WHERE provider = $1 AND event_id = $2
			FOR UPDATE`,
		string(provider), eventID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return goentitle.ErrEventNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock billing event: %w", err)
	}

	from := goentitle.ProcessingStatus(current)
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", goentitle.ErrInvalidTransition, from, to)
	}

	_, err = tx.Exec(ctx,
		`UPDATE billing_events
			SET processing_status = $3, processed_at = $4,
				user_id = CASE WHEN $5 = '' THEN user_id ELSE $5 END
			WHERE provider = $1 AND event_id = $2`,
		string(provider), eventID, string(to), time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to transition billing event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// EnqueuePending implements goentitle.PendingStore. The sequence comes from
// the BIGSERIAL column.
func (s *Storage) EnqueuePending(ctx context.Context, pending *goentitle.PendingEntitlement) (bool, error) {
	if pending == nil || pending.EventID == "" {
		return false, fmt.Errorf("invalid pending entitlement")
	}
	refs, err := json.Marshal(pending.Refs)
	if err != nil {
		return false, fmt.Errorf("failed to marshal refs: %w", err)
	}

	var sequence int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO pending_entitlements
			(provider, event_id, event_type, scope, email, user_id_hint, status,
			valid_until, valid_until_inferred, refs, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (provider, event_id) DO NOTHING
			RETURNING sequence`,
		string(pending.Provider), pending.EventID, pending.EventType, string(pending.Scope),
		pending.Email, pending.UserIDHint, string(pending.Entitlement.Status),
		pending.Entitlement.ValidUntil, pending.ValidUntilInferred, refs, pending.ReceivedAt.UTC(),
	).Scan(&sequence)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to enqueue pending entitlement: %w", err)
	}

	pending.Sequence = sequence
	return false, nil
}

// ListUnappliedPending implements goentitle.PendingStore
func (s *Storage) ListUnappliedPending(ctx context.Context, email, userID string) (
	[]*goentitle.PendingEntitlement, error) {
	if email == "" && userID == "" {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT provider, event_id, sequence, event_type, scope, email, user_id_hint, status,
			valid_until, valid_until_inferred, refs, received_at
			FROM pending_entitlements
			WHERE applied_at IS NULL
				AND (($1 <> '' AND email = $1) OR ($2 <> '' AND user_id_hint = $2))
			ORDER BY received_at ASC, sequence ASC`,
		email, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entitlements: %w", err)
	}
	defer rows.Close()

	var out []*goentitle.PendingEntitlement
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending entitlements: %w", err)
	}
	return out, nil
}

func scanPending(row pgx.Row) (*goentitle.PendingEntitlement, error) {
	var (
		p                       goentitle.PendingEntitlement
		provider, scope, status string
		refs                    []byte
	)
	err := row.Scan(
		&provider,
		&p.EventID,
		&p.Sequence,
		&p.EventType,
		&scope,
		&p.Email,
		&p.UserIDHint,
		&status,
		&p.Entitlement.ValidUntil,
		&p.ValidUntilInferred,
		&refs,
		&p.ReceivedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending entitlement: %w", err)
	}
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &p.Refs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal refs: %w", err)
		}
	}

	p.Provider = goentitle.Provider(provider)
	p.Scope = goentitle.Scope(scope)
	p.Entitlement.Status = goentitle.Status(status)
	p.ReceivedAt = p.ReceivedAt.UTC()
	if p.Entitlement.ValidUntil != nil {
		t := p.Entitlement.ValidUntil.UTC()
		p.Entitlement.ValidUntil = &t
	}
	return &p, nil
}

// MarkPendingApplied implements goentitle.PendingStore. Rows already applied
// are excluded by the WHERE clause, which keeps AppliedAt write-once.
func (s *Storage) MarkPendingApplied(ctx context.Context, keys []goentitle.PendingKey, userID string,
	at time.Time) error {
	if len(keys) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, key := range keys {
		batch.Queue(
			`UPDATE pending_entitlements SET applied_at = $3, applied_user_id = $4
				WHERE provider = $1 AND event_id = $2 AND applied_at IS NULL`,
			string(key.Provider), key.EventID, at.UTC(), userID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to mark pending entitlements applied: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

const selectUser = `SELECT id, email, entitlements, billing, access_tier, version, created_at, updated_at
	FROM users`

// FindByEmail implements goentitle.UserStore
func (s *Storage) FindByEmail(ctx context.Context, email string) (*goentitle.User, error) {
	email = goentitle.NormalizeEmail(email)
	if email == "" {
		return nil, goentitle.ErrUserNotFound
	}
	return s.findUser(ctx, selectUser+` WHERE email_normalized = $1`, email)
}

// FindByID implements goentitle.UserStore
func (s *Storage) FindByID(ctx context.Context, id string) (*goentitle.User, error) {
	return s.findUser(ctx, selectUser+` WHERE id = $1`, id)
}

func (s *Storage) findUser(ctx context.Context, query string, arg string) (*goentitle.User, error) {
	var (
		u                     goentitle.User
		entitlements, billing []byte
		tier                  string
	)
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&u.ID,
		&u.Email,
		&entitlements,
		&billing,
		&tier,
		&u.Version,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goentitle.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if err := json.Unmarshal(entitlements, &u.Entitlements); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entitlements: %w", err)
	}
	if err := json.Unmarshal(billing, &u.Billing); err != nil {
		return nil, fmt.Errorf("failed to unmarshal billing: %w", err)
	}
	u.AccessTier = goentitle.AccessTier(tier)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

// Save implements goentitle.UserStore with optimistic version checks
func (s *Storage) Save(ctx context.Context, u *goentitle.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("invalid user")
	}

	entitlements, err := json.Marshal(u.Entitlements)
	if err != nil {
		return fmt.Errorf("failed to marshal entitlements: %w", err)
	}
	billing, err := json.Marshal(u.Billing)
	if err != nil {
		return fmt.Errorf("failed to marshal billing: %w", err)
	}

	var normalized *string
	if email := goentitle.NormalizeEmail(u.Email); email != "" {
		normalized = &email
	}
	tier := u.AccessTier
	if tier == "" {
		tier = goentitle.AccessTierFree
	}
	now := time.Now().UTC()
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	if u.Version == 0 {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO users
				(id, email, email_normalized, entitlements, billing, access_tier, version, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)`,
			u.ID, u.Email, normalized, entitlements, billing, string(tier), createdAt, now)
		if err != nil {
			return saveError(err)
		}
	} else {
		tag, err := s.pool.Exec(ctx,
			`UPDATE users SET email = $3, email_normalized = $4, entitlements = $5, billing = $6,
				access_tier = $7, version = version + 1, updated_at = $8
				WHERE id = $1 AND version = $2`,
			u.ID, u.Version, u.Email, normalized, entitlements, billing, string(tier), now)
		if err != nil {
			return saveError(err)
		}
		if tag.RowsAffected() == 0 {
			return goentitle.ErrVersionConflict
		}
	}

	u.Version++
	u.CreatedAt = createdAt
	u.UpdatedAt = now
	return nil
}

func saveError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case usersEmailUniqueKey:
			return goentitle.ErrDuplicateEmail
		case usersPrimaryKey:
			return goentitle.ErrVersionConflict
		}
	}
	return fmt.Errorf("failed to save user: %w", err)
}
