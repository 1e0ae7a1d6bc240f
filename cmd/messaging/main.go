package main

import (
	"os"

	"github.com/LeventeLantos/group-messaging/internal/config"
	"github.com/LeventeLantos/group-messaging/internal/logging"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type app struct {
	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "messaging",
		Short:         "Group media delivery pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()

			cfg, err := config.LoadAll()
			if err != nil {
				return err
			}
			logging.Setup(cfg.Log.Level, cfg.Log.Format)
			a.cfg = cfg
			return nil
		},
	}

	root.AddCommand(newServeCmd(a), newMigrateCmd(a), newReprocessCmd(a))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("messaging exited")
		os.Exit(1)
	}
}
