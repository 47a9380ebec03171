package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	dbmigrations "github.com/coachpo/tradegate/db/migrations"
	"github.com/coachpo/tradegate/internal/infra/config"
	"github.com/coachpo/tradegate/internal/infra/persistence/migrations"
	"github.com/coachpo/tradegate/internal/observability"
)

const defaultMigrationsPath = "db/migrations"

func newMigrateCommand(root *rootOptions) *cobra.Command {
	var (
		dsn     string
		dir     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "migrate up|down [steps]",
		Short: "Apply or roll back the PostgreSQL schema",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(dsn) == "" {
				cfg, err := config.Load(cmd.Context(), resolveConfigPath(root.configPath))
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				dsn = cfg.Database.DSN
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runMigration(ctx, dsn, dir, args)
		},
	}
	cmd.Flags().StringVar(&dsn, "database", "", "PostgreSQL DSN (defaults to database.dsn from config)")
	cmd.Flags().StringVar(&dir, "path", "", fmt.Sprintf("Migrations directory; up uses the embedded set when empty, down defaults to %s", defaultMigrationsPath))
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Maximum time to wait for database connectivity")
	return cmd
}

func runMigration(ctx context.Context, dsn, dir string, args []string) error {
	logger := observability.Log()
	switch args[0] {
	case "up":
		if len(args) > 1 {
			return errors.New("up takes no step count")
		}
		if strings.TrimSpace(dir) == "" {
			return migrations.ApplyEmbedded(ctx, dsn, dbmigrations.Files, logger)
		}
		return migrations.Apply(ctx, dsn, dir, logger)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		if strings.TrimSpace(dir) == "" {
			dir = defaultMigrationsPath
		}
		return migrations.Rollback(ctx, dsn, dir, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
