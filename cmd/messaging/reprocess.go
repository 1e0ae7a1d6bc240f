package main

import (
	"encoding/json"
	"time"

	"github.com/LeventeLantos/group-messaging/internal/queue"
	"github.com/LeventeLantos/group-messaging/internal/reprocess"
	"github.com/LeventeLantos/group-messaging/internal/repo"
	"github.com/spf13/cobra"
)

type reprocessFlags struct {
	errorContains string
	lookback      time.Duration
	limit         int
	pace          time.Duration
}

func (f reprocessFlags) filter(paceSet bool) reprocess.Filter {
	out := reprocess.Filter{
		ErrorContains: f.errorContains,
		Lookback:      f.lookback,
		Limit:         f.limit,
	}
	if paceSet {
		pace := f.pace
		out.Pace = &pace
	}
	return out
}

func newReprocessCmd(a *app) *cobra.Command {
	var flags reprocessFlags

	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Re-enqueue failed records and wait until they are queued",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			db, dialect, err := openDatabase(ctx, a.cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			rdb, err := openRedis(ctx, a.cfg.Redis)
			if err != nil {
				return err
			}
			defer rdb.Close()

			runner := reprocess.NewRunner(
				repo.NewSQLMessageRepo(db, dialect),
				queue.NewRedisQueue(rdb, a.cfg.Redis.QueueKey),
				reprocessOptions(a),
			)
			res, err := runner.OnDemand(ctx, flags.filter(cmd.Flags().Changed("pace")))
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVar(&flags.errorContains, "error-contains", "", "only records whose error contains this text")
	cmd.Flags().DurationVar(&flags.lookback, "lookback", 0, "only records created within this window (0 = no limit)")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "maximum records to enqueue (0 = configured default)")
	cmd.Flags().DurationVar(&flags.pace, "pace", 0, "delay between enqueues (default: configured pace)")
	return cmd
}

func reprocessOptions(a *app) reprocess.Options {
	c := a.cfg.Reprocess
	return reprocess.Options{
		Spec:             c.Spec,
		RecentWindow:     c.RecentWindow,
		PeriodicLimit:    c.PeriodicLimit,
		StartupLimit:     c.StartupLimit,
		StartupSignature: c.StartupSignature,
		OnDemandLimit:    c.OnDemandLimit,
		OnDemandPace:     c.OnDemandPace,
	}
}
