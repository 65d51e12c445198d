package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"taskmarket/analytics"
	"taskmarket/auth"
	"taskmarket/config"
	"taskmarket/db"
	"taskmarket/inbox"
	"taskmarket/kvstore"
	"taskmarket/logging"
	"taskmarket/metrics"
	"taskmarket/platform"
	"taskmarket/portfolio"
	"taskmarket/profile"
	"taskmarket/transaction"
)

var configPath string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "api",
		Short:         "Task marketplace backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")
	root.AddCommand(serveCmd(), cleanupViewedCmd(), statsCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			return a.serve(ctx)
		},
	}
}

func cleanupViewedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup-viewed",
		Short: "Drop viewed-transaction entries older than 90 days for every viewer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			sweeper := inbox.NewSweeper(a.backend, a.trackers, a.cfg.Inbox.SweepInterval, logging.Component(a.logger, "sweeper"))
			removed, err := sweeper.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale entries\n", removed)
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print completed task count and AED total",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := transaction.NewStatsService(a.client, logging.Component(a.logger, "stats")).Compute(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}

// app holds the process-wide dependencies shared by every command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	pool     *pgxpool.Pool
	backend  kvstore.Backend
	client   *platform.Client
	events   *analytics.Tracker
	trackers *inbox.Trackers
}

func bootstrap(ctx context.Context, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	needsDB := cfg.Inbox.Store == config.StorePostgres || cfg.Auth.SendLog == config.StorePostgres
	if needsDB {
		a.pool, err = db.NewPool(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap database pool: %w", err)
		}
	}

	backend, err := openBackend(ctx, cfg.Inbox, a.pool)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.backend = backend

	a.client = platform.NewClient(platform.Config{
		BaseURL:                 cfg.Platform.BaseURL,
		IntegrationBaseURL:      cfg.Platform.IntegrationBaseURL,
		ClientID:                cfg.Platform.ClientID,
		ClientSecret:            cfg.Platform.ClientSecret,
		IntegrationClientID:     cfg.Platform.IntegrationClientID,
		IntegrationClientSecret: cfg.Platform.IntegrationClientSecret,
		Timeout:                 cfg.Platform.Timeout,
	}, platform.WithLogger(logging.Component(logger, "platform")), platform.WithMetrics(a.metrics))

	a.events = analytics.NewTracker(analytics.Config{
		Domain:   cfg.Analytics.PlausibleDomain,
		Endpoint: cfg.Analytics.PlausibleEndpoint,
	}, analytics.WithLogger(logging.Component(logger, "analytics")))

	a.trackers = inbox.NewTrackers(a.backend,
		inbox.WithTrackerLogger(logging.Component(logger, "viewed")),
		inbox.WithTrackerMetrics(a.metrics),
	)
	return a, nil
}

func openBackend(ctx context.Context, cfg config.InboxConfig, pool *pgxpool.Pool) (kvstore.Backend, error) {
	switch cfg.Store {
	case config.StoreBolt:
		backend, err := kvstore.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case config.StorePostgres:
		if pool == nil {
			return nil, errors.New("postgres viewed store requires DATABASE_URL")
		}
		backend := kvstore.NewPostgres(pool)
		if err := backend.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return backend, nil
	default:
		return kvstore.NewMemory(), nil
	}
}

func (a *app) Close() {
	a.events.Wait()
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.logger.Warn("close viewed store", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	_ = a.logger.Sync()
}

func (a *app) newServer(ctx context.Context) (*Server, error) {
	trusted, err := a.cfg.Server.TrustedPrefixes()
	if err != nil {
		return nil, err
	}
	schema := profile.NewSchema(a.cfg.UserTypes, a.cfg.Fields, profile.WithLogger(logging.Component(a.logger, "profile")))

	var sendLog auth.SendLog = auth.NewMemorySendLog()
	if a.cfg.Auth.SendLog == config.StorePostgres {
		pgLog := auth.NewPGSendLog(a.pool)
		if err := pgLog.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		sendLog = pgLog
	}

	authService := auth.NewService(auth.Config{
		Secret:      a.cfg.Auth.OTPSigningSecret,
		Cooldown:    a.cfg.Auth.OTPCooldown,
		OTPTTL:      a.cfg.Auth.OTPTTL,
		VerifiedTTL: a.cfg.Auth.VerifiedTTL,
	}, sendLog, auth.NewLogMailer(logging.Component(a.logger, "mailer")), a.client, schema,
		auth.WithLogger(logging.Component(a.logger, "auth")),
		auth.WithMetrics(a.metrics),
	)

	return &Server{
		inboxService: inbox.NewService(a.client, a.trackers, logging.Component(a.logger, "inbox")),
		portfolioService: portfolio.NewService(a.client,
			portfolio.WithAnalytics(a.events),
			portfolio.WithLogger(logging.Component(a.logger, "portfolio")),
		),
		transitionService: transaction.NewService(a.client, a.events, logging.Component(a.logger, "transition")),
		statsService:      transaction.NewStatsService(a.client, logging.Component(a.logger, "stats")),
		authService:       authService,
		accounts:          a.client,
		schema:            schema,
		events:            a.events,
		metrics:           a.metrics,
		otpLimiter:        newIPLimiter(a.cfg.Auth.OTPRatePerMinute),
		trustedProxies:    trusted,
		logger:            logging.Component(a.logger, "http"),
	}, nil
}

// serve runs the HTTP server and the stale-entry sweeper until ctx ends.
func (a *app) serve(ctx context.Context) error {
	server, err := a.newServer(ctx)
	if err != nil {
		return err
	}

	sweeper := inbox.NewSweeper(a.backend, a.trackers, a.cfg.Inbox.SweepInterval, logging.Component(a.logger, "sweeper"))
	go sweeper.Run(ctx)

	httpServer := &http.Server{
		Addr:         a.cfg.Server.ListenAddr,
		Handler:      server.routes(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("api listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	a.logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
