package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/amura2406/songshake/internal/config"
	"github.com/amura2406/songshake/internal/logging"
	"github.com/amura2406/songshake/internal/store"
)

func main() {
	logger := logging.New(os.Stderr, "info")

	app := &cli.Command{
		Name:  "migrate",
		Usage: "Manage the SQLite schema of the job store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Usage:   "Path to the SQLite database (defaults to store.sqlite_path)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "up",
				Usage:  "Apply every pending migration",
				Action: withDB(logger, up),
			},
			{
				Name:   "down",
				Usage:  "Roll back the most recent migration",
				Action: withDB(logger, down),
			},
			{
				Name:   "status",
				Usage:  "List applied migrations",
				Action: withDB(logger, status),
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logger.Fatal("migrate failed", "err", err)
	}
}

type dbAction func(logger *log.Logger, db *sql.DB) error

func withDB(logger *log.Logger, action dbAction) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		path := cmd.String("db")
		if path == "" {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			path = cfg.Store.SQLitePath
		}

		db, err := store.NewDatabase(path)
		if err != nil {
			return err
		}
		defer db.Close()

		logger.Info("using database", "path", path)
		return action(logger, db)
	}
}

func up(logger *log.Logger, db *sql.DB) error {
	applied, err := store.RunMigrations(db)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		logger.Info("schema is up to date")
		return nil
	}
	for _, v := range applied {
		logger.Info("applied migration", "version", v)
	}
	return nil
}

func down(logger *log.Logger, db *sql.DB) error {
	version, err := store.RollbackMigration(db)
	if err != nil {
		return err
	}
	logger.Info("rolled back migration", "version", version)
	return nil
}

func status(logger *log.Logger, db *sql.DB) error {
	versions, err := store.AppliedMigrations(db)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		logger.Info("no migrations applied")
		return nil
	}
	logger.Info("applied migrations", "versions", versions)
	return nil
}
