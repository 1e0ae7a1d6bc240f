package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LeventeLantos/group-messaging/internal/api"
	"github.com/LeventeLantos/group-messaging/internal/cache"
	"github.com/LeventeLantos/group-messaging/internal/client"
	"github.com/LeventeLantos/group-messaging/internal/config"
	"github.com/LeventeLantos/group-messaging/internal/connection"
	"github.com/LeventeLantos/group-messaging/internal/liveview"
	"github.com/LeventeLantos/group-messaging/internal/logging"
	"github.com/LeventeLantos/group-messaging/internal/metrics"
	"github.com/LeventeLantos/group-messaging/internal/model"
	"github.com/LeventeLantos/group-messaging/internal/queue"
	"github.com/LeventeLantos/group-messaging/internal/reprocess"
	"github.com/LeventeLantos/group-messaging/internal/repo"
	"github.com/LeventeLantos/group-messaging/internal/scheduler"
	"github.com/LeventeLantos/group-messaging/internal/service"
	"github.com/LeventeLantos/group-messaging/internal/session"
	"github.com/LeventeLantos/group-messaging/internal/worker"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 15 * time.Second
	dialTimeout     = 30 * time.Second
)

func newServeCmd(a *app) *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the connection, queue consumer, sweep, reprocess jobs and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.cfg, !skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on start")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, runMigrations bool) error {
	log := logging.For("main")

	db, dialect, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if runMigrations {
		n, err := repo.Migrate(db, dialect, migrate.Up)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.WithField("applied", n).Info("migrations applied")
	}
	messages := repo.NewSQLMessageRepo(db, dialect)

	rdb, err := openRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	q := queue.NewRedisQueue(rdb, cfg.Redis.QueueKey)
	receipts := cache.NewRedisReceipts(rdb, cfg.Redis.ReceiptTTL)

	local, err := session.OpenSQLite(ctx, cfg.Session.Path)
	if err != nil {
		return fmt.Errorf("open session snapshot: %w", err)
	}
	defer local.Close()
	creds := session.NewStore(local, session.NewRedisTier(rdb, cfg.Redis.SessionKey))

	mgr := connection.NewManager(
		client.NewBridgeDialer(cfg.Bridge.URL, cfg.Bridge.SendTimeout),
		creds,
		connection.Options{
			BaseDelay:         cfg.Reconnect.BaseDelay,
			MaxDelay:          cfg.Reconnect.MaxDelay,
			HeartbeatInterval: cfg.Bridge.HeartbeatInterval,
			DialTimeout:       dialTimeout,
		},
		logging.For("connection"),
	)
	mgr.OnStateChange(func(s connection.State) { metrics.SetConnectionState(string(s)) })
	mgr.OnQR(func(string) {
		log.Info("pairing code available at /v1/pairing/qr.png")
	})

	var pub liveview.Publisher
	if cfg.NATS.URL != "" {
		np, err := liveview.ConnectNATS(cfg.NATS.URL, cfg.NATS.Subject, "group-messaging")
		if err != nil {
			log.WithError(err).Warn("live view disabled")
		} else {
			defer np.Close()
			pub = np
		}
	}
	mgr.OnMessage(liveview.NewRecorder(repo.NewSQLInboundRepo(db, dialect), pub).Handle)

	deliverer := service.NewDeliverer(mgr, messages, cfg.Media.Dir, cfg.Reconnect.SettleDelay, logging.For("deliverer")).
		WithHooks(
			func(ctx context.Context, job model.DeliveryJob, remoteID string) error {
				return receipts.StoreSent(ctx, job, remoteID, time.Now().UTC())
			},
			nil,
		)

	consumer := worker.NewConsumer(q, messages, mgr, deliverer, worker.Options{
		EmptyPoll:     cfg.Consumer.EmptyPoll,
		NotReadySleep: cfg.Consumer.NotReadySleep,
		StoreRetry:    cfg.Consumer.StoreRetry,
		ErrorSleep:    cfg.Consumer.ErrorSleep,
		MessageDelay:  cfg.Consumer.MessageDelay,
	})

	sweep := scheduler.NewSweep(messages, mgr, deliverer, cfg.Scheduler.BatchSize, cfg.Consumer.MessageDelay)
	sched, err := scheduler.New("sweep", cfg.Scheduler.Interval, sweep.Tick)
	if err != nil {
		return err
	}

	runner := reprocess.NewRunner(messages, q, reprocess.Options{
		Spec:             cfg.Reprocess.Spec,
		RecentWindow:     cfg.Reprocess.RecentWindow,
		PeriodicLimit:    cfg.Reprocess.PeriodicLimit,
		StartupLimit:     cfg.Reprocess.StartupLimit,
		StartupSignature: cfg.Reprocess.StartupSignature,
		OnDemandLimit:    cfg.Reprocess.OnDemandLimit,
		OnDemandPace:     cfg.Reprocess.OnDemandPace,
	})

	g, gctx := errgroup.WithContext(ctx)

	// A failed first dial is retried by the manager itself.
	_ = mgr.Start(gctx)
	defer mgr.Close()

	if err := startProcessing(gctx, g, processing{
		startup: runner.Startup,
		cron:    runner.Start,
		sweep:   sched.Start,
		consume: consumer.Run,
	}); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.Server.Address,
		Handler: api.Router(api.NewHandler(api.Deps{
			Scheduler: sched,
			Messages:  messages,
			Queue:     q,
			Conn:      mgr,
			Reprocess: runner,
			Receipts:  receipts,
			BaseCtx:   gctx,
		})),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		sched.Stop()
		runner.Stop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("messaging stopped")
	return nil
}

type processing struct {
	startup func(context.Context) (reprocess.Result, error)
	cron    func(context.Context) error
	sweep   func(context.Context) bool
	consume func(context.Context) error
}

// startProcessing runs the startup reprocess to completion, then starts the
// periodic reprocess, the sweep and the consumer. A failed startup reprocess
// is logged and does not block the rest.
func startProcessing(ctx context.Context, g *errgroup.Group, p processing) error {
	if _, err := p.startup(ctx); err != nil {
		logging.For("main").WithError(err).Error("startup reprocess")
	}
	if err := p.cron(ctx); err != nil {
		return fmt.Errorf("schedule reprocess: %w", err)
	}
	p.sweep(ctx)
	g.Go(func() error { return p.consume(ctx) })
	return nil
}
