package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"loanflow/audit"
	"loanflow/auth"
	"loanflow/blob"
	"loanflow/branch"
	"loanflow/config"
	"loanflow/db"
	"loanflow/ledger"
	"loanflow/loan"
	"loanflow/logging"
	"loanflow/notify"
	"loanflow/plafond"
	"loanflow/profile"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "loanflow",
		Short:         "Loan application pipeline service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("LOANFLOW_CONFIG"), "path to YAML config file")

	root.AddCommand(serveCmd(&configPath), migrateCmd(&configPath), relayCmd(&configPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	var withRelay bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (and the outbox relay unless --relay=false)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(cmd.Context(), withRelay)
		},
	}
	cmd.Flags().BoolVar(&withRelay, "relay", true, "run the outbox relay in-process")
	return cmd
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return db.Migrate(cfg.Database.URL, logger)
		},
	}
}

func relayCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run only the outbox relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.relay.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

// app is the wired process.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	server  *Server
	relay   *notify.Relay
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func bootstrap(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() { _ = logger.Sync() })

	if cfg.Database.MigrateOnStart {
		if err := db.Migrate(cfg.Database.URL, logger); err != nil {
			a.Close()
			return nil, err
		}
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}
	a.closers = append(a.closers, pool.Close)

	blobs, err := blob.NewFSStore(cfg.Blob.Dir)
	if err != nil {
		a.Close()
		return nil, err
	}

	branches := branch.NewService(branch.NewRepository(pool))
	authService := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret,
		auth.WithTokenTTL(cfg.Auth.TokenTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithBranchChecker(branches),
	)
	plafonds := plafond.NewService(plafond.NewRepository(pool), logger.Named("plafond"))
	credit := ledger.New(pool, ledger.NewRepository(), logger.Named("ledger"))
	profileRepo := profile.NewRepository(pool)
	profiles := profile.NewService(profileRepo, pool, blobs, logger.Named("profile"))
	inboxRepo := notify.NewInboxRepository(pool)

	loans := loan.NewService(loan.Deps{
		Pool:      pool,
		Reader:    pool,
		Store:     loan.NewRepository(),
		Ledger:    credit,
		Audit:     audit.NewTrail(pool),
		Profiles:  profileRepo,
		Templates: plafonds,
		Branches:  branches,
		Blobs:     blobs,
		Notifier:  notify.NewOutboxNotifier(),
	}, loan.WithLogger(logger.Named("loan")))

	sinks := []notify.Sink{notify.NewInboxSink(inboxRepo)}
	if k := cfg.Notify.Kafka; len(k.Brokers) > 0 {
		writer := notify.NewKafkaWriter(k.Brokers)
		sink := notify.NewKafkaSink(writer, k.Topic)
		sinks = append(sinks, sink)
		a.closers = append(a.closers, func() { _ = sink.Close() })
	}
	if rc := cfg.Notify.Redis; rc.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: rc.Addr})
		sinks = append(sinks, notify.NewRedisSink(client, rc.Channel))
		a.closers = append(a.closers, func() { _ = client.Close() })
	}
	a.relay = notify.NewRelay(pool, notify.NewQueue(), notify.RelayConfig{
		Interval:    cfg.Notify.RelayInterval,
		BatchSize:   cfg.Notify.BatchSize,
		MaxAttempts: cfg.Notify.MaxAttempts,
		RetryBase:   cfg.Notify.RetryBase,
		RetryMax:    cfg.Notify.RetryMax,
	}, logger.Named("relay"), sinks...)

	a.server = &Server{
		authService:    authService,
		branchService:  branches,
		plafondService: plafonds,
		creditService:  credit,
		profileService: profiles,
		loanService:    loans,
		inboxService:   notify.NewInbox(inboxRepo),
		logger:         logger.Named("http"),
		maxUploadBytes: cfg.HTTP.MaxUploadBytes,
	}
	return a, nil
}

// serve runs the HTTP server and, optionally, the relay until ctx ends or
// either fails.
func (a *app) serve(ctx context.Context, withRelay bool) error {
	srv := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      a.server.Routes(),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		a.logger.Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if withRelay {
		g.Go(func() error {
			if err := a.relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
