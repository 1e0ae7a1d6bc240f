package main

import (
	"fmt"

	"github.com/LeventeLantos/group-messaging/internal/logging"
	"github.com/LeventeLantos/group-messaging/internal/repo"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate up|down",
		Short:     "Apply or roll back the message store schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := parseDirection(args[0])
			if err != nil {
				return err
			}

			db, dialect, err := openDatabase(cmd.Context(), a.cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := repo.Migrate(db, dialect, dir)
			if err != nil {
				return fmt.Errorf("migrate %s: %w", args[0], err)
			}
			logging.For("migrate").WithField("applied", n).Infof("migrations %s", args[0])
			return nil
		},
	}
}

func parseDirection(arg string) (migrate.MigrationDirection, error) {
	switch arg {
	case "up":
		return migrate.Up, nil
	case "down":
		return migrate.Down, nil
	}
	return 0, fmt.Errorf("unknown direction %q (want up or down)", arg)
}
