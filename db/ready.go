package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// Probe answers readiness checks through database/sql so it can be driven
// by sqlmock in tests.
type Probe struct {
	db *sql.DB
}

func NewProbe(pool *pgxpool.Pool) *Probe {
	return &Probe{db: stdlib.OpenDBFromPool(pool)}
}

func NewProbeFromDB(db *sql.DB) *Probe {
	return &Probe{db: db}
}

// Ready reports nil once the database answers and the schema is in place.
func (p *Probe) Ready(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db: ping: %w", err)
	}
	var present bool
	err := p.db.QueryRowContext(ctx,
		`SELECT to_regclass('disputes') IS NOT NULL AND to_regclass('outbox') IS NOT NULL`).Scan(&present)
	if err != nil {
		return fmt.Errorf("db: schema check: %w", err)
	}
	if !present {
		return fmt.Errorf("db: schema not migrated")
	}
	return nil
}

func (p *Probe) Close() error {
	return p.db.Close()
}
