package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

const ticketColumns = `id, service_type, citizen_ref, status, priority_score,
	elderly, disability, pregnant, appointment,
	created_at, updated_at, agent_id, recommended_agent_id,
	called_at, completed_at, position, version`

const schema = `
CREATE TABLE IF NOT EXISTS tickets (
	id                   BIGSERIAL PRIMARY KEY,
	service_type         TEXT NOT NULL,
	citizen_ref          TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL,
	priority_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
	elderly              BOOLEAN NOT NULL DEFAULT FALSE,
	disability           BOOLEAN NOT NULL DEFAULT FALSE,
	pregnant             BOOLEAN NOT NULL DEFAULT FALSE,
	appointment          BOOLEAN NOT NULL DEFAULT FALSE,
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL,
	agent_id             TEXT NOT NULL DEFAULT '',
	recommended_agent_id TEXT NOT NULL DEFAULT '',
	called_at            TIMESTAMPTZ,
	completed_at         TIMESTAMPTZ,
	position             INTEGER NOT NULL DEFAULT 0,
	version              BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS tickets_status_idx ON tickets (status);
CREATE INDEX IF NOT EXISTS tickets_agent_idx ON tickets (agent_id) WHERE agent_id <> '';
`

// PostgresConfig holds connection pool settings
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenPostgres opens a pgx-backed connection pool
func OpenPostgres(cfg PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// PostgresTicketStore implements TicketStore on Postgres
type PostgresTicketStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewPostgresTicketStore creates a store on an open pool
func NewPostgresTicketStore(db *sql.DB, logger zerolog.Logger) *PostgresTicketStore {
	return &PostgresTicketStore{
		db:     db,
		logger: logger.With().Str("component", "ticket_store").Logger(),
	}
}

// Migrate creates the tickets table if it does not exist
func (s *PostgresTicketStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate tickets table: %w", err)
	}
	s.logger.Info().Msg("tickets table ready")
	return nil
}

// Ping checks connectivity
func (s *PostgresTicketStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresTicketStore) Create(ctx context.Context, t *types.Ticket) error {
	query := `
		INSERT INTO tickets (service_type, citizen_ref, status, priority_score,
			elderly, disability, pregnant, appointment, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, version
	`
	err := s.db.QueryRowContext(ctx, query,
		t.ServiceType, t.CitizenRef, string(t.Status), t.PriorityScore,
		t.Factors.Elderly, t.Factors.Disability, t.Factors.Pregnant, t.Factors.Appointment,
		t.CreatedAt, t.UpdatedAt,
	).Scan(&t.ID, &t.Version)
	if err != nil {
		return fmt.Errorf("failed to insert ticket: %w", err)
	}
	return nil
}

func (s *PostgresTicketStore) Get(ctx context.Context, id int64) (*types.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket %d: %w", id, err)
	}
	return t, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const updateQuery = `
	UPDATE tickets
	SET status = $1, priority_score = $2, agent_id = $3, recommended_agent_id = $4,
		called_at = $5, completed_at = $6, position = $7, updated_at = $8,
		version = version + 1
	WHERE id = $9 AND version = $10
	RETURNING version
`

// updateOne runs the optimistic update and returns the new version
func updateOne(ctx context.Context, q rowQuerier, t *types.Ticket) (int64, error) {
	var version int64
	err := q.QueryRowContext(ctx, updateQuery,
		string(t.Status), t.PriorityScore, t.AgentID, t.RecommendedAgentID,
		nullTime(t.CalledAt), nullTime(t.CompletedAt), t.Position, t.UpdatedAt,
		t.ID, t.Version,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tickets WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return 0, fmt.Errorf("failed to check ticket %d: %w", t.ID, err)
		}
		if !exists {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ticket %d at version %d: %w", t.ID, t.Version, ErrVersionConflict)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update ticket %d: %w", t.ID, err)
	}
	return version, nil
}

func (s *PostgresTicketStore) Update(ctx context.Context, t *types.Ticket) error {
	version, err := updateOne(ctx, s.db, t)
	if err != nil {
		return err
	}
	t.Version = version
	return nil
}

// UpdateBatch applies every update in one transaction. Any conflict rolls
// the whole batch back.
func (s *PostgresTicketStore) UpdateBatch(ctx context.Context, tickets []*types.Ticket) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	versions := make([]int64, len(tickets))
	for i, t := range tickets {
		v, err := updateOne(ctx, tx, t)
		if err != nil {
			tx.Rollback()
			return err
		}
		versions[i] = v
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	for i, t := range tickets {
		t.Version = versions[i]
	}
	return nil
}

func (s *PostgresTicketStore) List(ctx context.Context, statuses ...types.TicketStatus) ([]types.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY id ASC`

	return s.query(ctx, query, args...)
}

func (s *PostgresTicketStore) ListActiveByAgent(ctx context.Context, agentID string) ([]types.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets
		WHERE agent_id = $1 AND status IN ('assigned', 'in_progress')
		ORDER BY id ASC`
	return s.query(ctx, query, agentID)
}

func (s *PostgresTicketStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tickets
		WHERE status IN ('completed', 'cancelled', 'no_show') AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old tickets: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresTicketStore) query(ctx context.Context, query string, args ...any) ([]types.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer rows.Close()

	var tickets []types.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		tickets = append(tickets, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTicket(row scanner) (*types.Ticket, error) {
	var (
		t         types.Ticket
		status    string
		called    sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.ServiceType, &t.CitizenRef, &status, &t.PriorityScore,
		&t.Factors.Elderly, &t.Factors.Disability, &t.Factors.Pregnant, &t.Factors.Appointment,
		&t.CreatedAt, &t.UpdatedAt, &t.AgentID, &t.RecommendedAgentID,
		&called, &completed, &t.Position, &t.Version,
	)
	if err != nil {
		return nil, err
	}
	t.Status = types.TicketStatus(status)
	if called.Valid {
		t.CalledAt = &called.Time
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// NewTicketStore creates the ticket store selected by STORE_MODE. The
// returned close function releases the connection pool.
func NewTicketStore(ctx context.Context, cfg StoreConfig, logger zerolog.Logger) (TicketStore, func() error, error) {
	if cfg.Mode != StoreModePostgres {
		logger.Info().Msg("using in-memory ticket store")
		return NewMemoryTicketStore(), func() error { return nil }, nil
	}

	db, err := OpenPostgres(cfg.Postgres)
	if err != nil {
		return nil, nil, err
	}
	store := NewPostgresTicketStore(db, logger)
	if err := store.Ping(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db.Close, nil
}
