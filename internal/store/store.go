package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"papertrade/internal/config"
)

// Аналитическое хранилище (Postgres).
//
// Таблицы append-only по смыслу: ETL наполняет их из журнала событий,
// записи идемпотентны по (date, entity_id) - повторный прогон ETL
// по тому же диапазону журнала является no-op.

// Open подключается к базе и настраивает пул соединений
func Open(cfg config.StorageConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.DBDriver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open analytical store: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping analytical store: %w", err)
	}

	return db, nil
}

// Migrate создаёт схему, если её ещё нет
func Migrate(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			symbol      TEXT NOT NULL,
			ts          TIMESTAMPTZ NOT NULL,
			open        NUMERIC(18,4) NOT NULL,
			high        NUMERIC(18,4) NOT NULL,
			low         NUMERIC(18,4) NOT NULL,
			close       NUMERIC(18,4) NOT NULL,
			volume      NUMERIC(18,4) NOT NULL,
			tier        TEXT NOT NULL,
			PRIMARY KEY (symbol, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			order_id        TEXT PRIMARY KEY,
			client_order_id TEXT NOT NULL,
			symbol          TEXT NOT NULL,
			side            TEXT NOT NULL,
			qty             NUMERIC(18,4) NOT NULL,
			type            TEXT NOT NULL,
			limit_price     NUMERIC(18,4),
			final_state     TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			terminal_at     TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS orders_client_order_id_idx ON orders (client_order_id)`,
		`CREATE TABLE IF NOT EXISTS fills (
			fill_id  TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			qty      NUMERIC(18,4) NOT NULL,
			price    NUMERIC(18,4) NOT NULL,
			fees     NUMERIC(18,4) NOT NULL,
			ts       TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			ts             TIMESTAMPTZ NOT NULL,
			symbol         TEXT NOT NULL,
			net_qty        NUMERIC(18,4) NOT NULL,
			avg_cost       NUMERIC(18,4) NOT NULL,
			unrealized_pnl NUMERIC(18,4) NOT NULL,
			PRIMARY KEY (ts, symbol)
		)`,
		`CREATE TABLE IF NOT EXISTS performance (
			ts              TIMESTAMPTZ PRIMARY KEY,
			equity          NUMERIC(18,4) NOT NULL,
			cash            NUMERIC(18,4) NOT NULL,
			positions_value NUMERIC(18,4) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS etl_cursor (
			id       INT PRIMARY KEY,
			file     TEXT NOT NULL,
			"offset" BIGINT NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate analytical store: %w", err)
		}
	}
	return nil
}
