package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

type PostgresConfig struct {
	DSN          string        `envconfig:"DSN" split_words:"true" required:"true"`
	MaxOpenConns int           `envconfig:"MAX_OPEN_CONNS" split_words:"true" default:"10"`
	DialTimeout  time.Duration `envconfig:"DIAL_TIMEOUT" split_words:"true" default:"5s"`
}

type sessionRow struct {
	bun.BaseModel `bun:"table:orchestrator_sessions,alias:s"`

	SessionID     string    `bun:"session_id,pk"`
	Status        string    `bun:"status,notnull"`
	LatestVersion int64     `bun:"latest_version,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
	UpdatedAt     time.Time `bun:"updated_at,notnull"`
}

type checkpointRow struct {
	bun.BaseModel `bun:"table:orchestrator_checkpoints,alias:c"`

	SessionID string             `bun:"session_id,pk"`
	Version   int64              `bun:"version,pk"`
	State     *ConversationState `bun:"state,type:jsonb,notnull"`
	CreatedAt time.Time          `bun:"created_at,notnull"`
}

func (r *checkpointRow) toCheckpoint() *Checkpoint {
	return &Checkpoint{
		SessionID: r.SessionID,
		Version:   r.Version,
		State:     r.State,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

// PostgresStore keeps one row per session (holding the latest version) and
// one immutable row per checkpoint. Commit runs in a transaction that locks
// the session row, so concurrent writers across processes serialise on it.
type PostgresStore struct {
	db  *bun.DB
	now func() time.Time
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	connector := pgdriver.NewConnector(
		pgdriver.WithDSN(dsn),
		pgdriver.WithDialTimeout(cfg.DialTimeout),
	)
	sqldb := sql.OpenDB(connector)
	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	db := bun.NewDB(sqldb, pgdialect.New())
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := NewPostgresStoreFromDB(db)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func NewPostgresStoreFromDB(db *bun.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().Model((*sessionRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	if _, err := s.db.NewCreateTable().Model((*checkpointRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create checkpoints table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrInvalidSession
	}

	row := new(checkpointRow)
	err := s.db.NewSelect().
		Model(row).
		Where("c.session_id = ?", sessionID).
		OrderExpr("c.version DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select latest checkpoint: %w", err)
	}
	return row.toCheckpoint(), nil
}

func (s *PostgresStore) LoadVersion(ctx context.Context, sessionID string, version int64) (*Checkpoint, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrInvalidSession
	}
	return s.loadVersion(ctx, s.db, sessionID, version)
}

func (s *PostgresStore) loadVersion(ctx context.Context, db bun.IDB, sessionID string, version int64) (*Checkpoint, error) {
	row := new(checkpointRow)
	err := db.NewSelect().
		Model(row).
		Where("c.session_id = ?", sessionID).
		Where("c.version = ?", version).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select checkpoint version=%d: %w", version, err)
	}
	return row.toCheckpoint(), nil
}

func (s *PostgresStore) Commit(ctx context.Context, sessionID string, base int64, st *ConversationState) (int64, error) {
	if st == nil {
		return 0, ErrNilState
	}
	now := s.now().UTC()
	next := base + 1

	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		seed := &sessionRow{
			SessionID: sessionID,
			Status:    string(st.Session.Status),
			CreatedAt: st.Session.CreatedAt.UTC(),
			UpdatedAt: now,
		}
		if _, err := tx.NewInsert().Model(seed).On("CONFLICT (session_id) DO NOTHING").Exec(ctx); err != nil {
			return fmt.Errorf("insert session row: %w", err)
		}

		current := new(sessionRow)
		if err := tx.NewSelect().
			Model(current).
			Where("s.session_id = ?", sessionID).
			For("UPDATE").
			Scan(ctx); err != nil {
			return fmt.Errorf("lock session row: %w", err)
		}
		if current.LatestVersion != base {
			return ErrVersionConflict
		}

		var prev *ConversationState
		if base > 0 {
			cp, err := s.loadVersion(ctx, tx, sessionID, base)
			if err != nil {
				return err
			}
			prev = cp.State
		}
		if err := validateCommit(sessionID, base, prev, st); err != nil {
			return err
		}

		row := &checkpointRow{
			SessionID: sessionID,
			Version:   next,
			State:     st,
			CreatedAt: now,
		}
		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}

		if _, err := tx.NewUpdate().
			Model(current).
			Set("latest_version = ?", next).
			Set("status = ?", string(st.Session.Status)).
			Set("updated_at = ?", now).
			WherePK().
			Exec(ctx); err != nil {
			return fmt.Errorf("advance session version: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
