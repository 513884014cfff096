// Package migrations embeds the SQL migrations for the coordination
// core's schema and applies them via goose, adopted from the pack's
// dependency on pressly/goose/v3 (jordigilh-kubernaut's go.mod) since
// the teacher ships its schema as raw SQL files without a migration
// runner.
package migrations

import (
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed *.sql
var FS embed.FS

// Up applies every pending migration against pool.
func Up(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrations: set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}
