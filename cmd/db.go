package cmd

import (
	"context"
	"fmt"

	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/urfave/cli/v2"

	"github.com/pipewatch/internal/config"
	"github.com/pipewatch/internal/store"
)

// DBCommand returns the database management command
func DBCommand() *cli.Command {
	return &cli.Command{
		Name:  "db",
		Usage: "Manage the database",
		Subcommands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "Create or update the database schema, including the job queue tables",
				Action: runDBMigrate,
			},
		},
	}
}

func runDBMigrate(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}

	ctx := context.Background()
	pg, err := store.NewPostgres(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		return err
	}

	migrator, err := rivermigrate.New(riverpgxv5.New(pg.Pool()), nil)
	if err != nil {
		return fmt.Errorf("failed to create queue migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("failed to migrate queue tables: %w", err)
	}

	fmt.Println("Database schema is up to date")
	return nil
}
