package main

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"engram/migrations"
)

// migrateCmd applies the embedded goose migrations
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	Long: `Applies the embedded SQL migrations to the configured PostgreSQL
database. Requires the vector and pg_trgm extensions to be installable
(the first migration creates them).

Safe to run repeatedly; goose tracks the applied version.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	db, err := sql.Open("pgx", cfg.Database.ConnString())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(cmd.Context(), db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, err := goose.GetDBVersionContext(cmd.Context(), db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	fmt.Printf("Schema up to date (version %d)\n", version)
	return nil
}
