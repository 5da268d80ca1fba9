package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/civicsite/commentview/comment"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// An entry is a single storage key of a visitor profile.
type entry struct {
	bun.BaseModel `bun:"table:visitor_entries"`

	VisitorID string    `bun:",pk"`
	Key       string    `bun:",pk"`
	Value     string    `bun:",notnull"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:now()"`
}

// Postgres provides visitor profile storage in PostgreSQL.
type Postgres struct {
	bun *bun.DB
}

// Connect connects to the database, pings the DB to ensure the connection is
// working and creates the entries table if it is missing.
func Connect(ctx context.Context, connStr string) (*Postgres, error) {
	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db := bun.NewDB(sqlDB, pgdialect.New())
	if _, err := db.NewCreateTable().Model((*entry)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &Postgres{
		bun: db,
	}, nil
}

// Close closes the database.
func (pg *Postgres) Close() error {
	return pg.bun.Close()
}

// Profile returns the storage of a single visitor.
func (pg *Postgres) Profile(visitorID string) comment.Storage {
	return &profile{pg: pg, visitorID: visitorID}
}

type profile struct {
	pg        *Postgres
	visitorID string
}

// Get returns the value stored under key for the visitor.
func (p *profile) Get(ctx context.Context, key string) (string, bool, error) {
	var e entry
	err := p.pg.bun.NewSelect().
		Model(&e).
		Where("visitor_id = ?", p.visitorID).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select: %w", err)
	}
	return e.Value, true, nil
}

// Set upserts the value stored under key for the visitor.
func (p *profile) Set(ctx context.Context, key, value string) error {
	e := &entry{
		VisitorID: p.visitorID,
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now(),
	}
	_, err := p.pg.bun.NewInsert().
		Model(e).
		On("CONFLICT (visitor_id, key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}
