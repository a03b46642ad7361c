package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"huddle/api/internal/app"
	"huddle/api/internal/avatar"
	"huddle/api/internal/config"
	"huddle/api/internal/identity"
	"huddle/api/internal/logging"
	"huddle/api/internal/realtime"
	"huddle/api/internal/roster"
	"huddle/api/internal/search"
	"huddle/api/internal/store"
)

var serveReindex bool

const migrateRetryInterval = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and live API",
	Long: `Run the HTTP and live API.

Configuration comes from the environment, optionally overlaid by the YAML file named
by HUDDLE_CONFIG. Without DATABASE_URL the API still starts and every operation
returns empty results.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveReindex, "reindex", false, "push every stored comment to the search index on start")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := app.Options{Logger: logger}
	providers := roster.Chain{}

	var sqlStore *store.SQLStore
	var pendingMigrations *sqlx.DB
	if cfg.StoreConfigured() {
		db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			if !store.IsUnavailable(err) {
				return err
			}
			// Keep a lazy handle; operations degrade until the database answers.
			logger.Warn("database unreachable, serving degraded until it comes back", zap.Error(err))
			if db, err = store.OpenHandle(cfg.DatabaseDriver, cfg.DatabaseURL); err != nil {
				return err
			}
			if cfg.AutoMigrate {
				pendingMigrations = db
			}
		} else if cfg.AutoMigrate {
			if err := store.ApplyMigrations(ctx, db, cfg.DatabaseDriver); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
		}
		defer db.Close()
		sqlStore = store.NewSQLStore(db)
		opts.Store = sqlStore
		providers = append(providers, roster.NewSQL(sqlStore))
	} else {
		logger.Warn("no database configured, running without a store")
	}

	var rosterFile *roster.File
	if strings.TrimSpace(cfg.RosterFile) != "" {
		rosterFile, err = roster.NewFile(cfg.RosterFile, logger.Named("roster"))
		if err != nil {
			return err
		}
		providers = append(providers, rosterFile)
	}
	opts.Roster = providers

	var broker realtime.Broker = realtime.NewLocalBroker(0)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisBroker, err := realtime.NewRedisBroker(cfg.RedisURL, cfg.RedisChannel, logger.Named("broker"))
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisBroker.Close()
		broker = redisBroker
		logger.Info("fanning out changes through redis", zap.String("channel", cfg.RedisChannel))
	}
	hub := realtime.NewHub(broker, logger.Named("realtime"))
	opts.Hub = hub

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Named("meili"))
		defer meili.Close()
		opts.Search = meili
	}

	avatars, err := avatar.NewResolver(avatar.Config{
		Endpoint:  cfg.AvatarEndpoint,
		AccessKey: cfg.AvatarAccessKey,
		SecretKey: cfg.AvatarSecretKey,
		Bucket:    cfg.AvatarBucket,
		Region:    cfg.AvatarRegion,
		UseSSL:    cfg.AvatarUseSSL,
		TTL:       cfg.AvatarURLTTL,
	})
	if err != nil {
		return err
	}
	opts.Avatars = avatars

	var verifier *identity.Verifier
	if cfg.LocalOnly() {
		logger.Warn("no identity secret configured, running in local-only mode")
	} else {
		verifier = identity.NewVerifier(cfg.JWTSecret)
	}

	service := app.New(cfg, opts)
	httpServer := app.NewHTTPServer(service, verifier, cfg.CORSOrigin, logger.Named("http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	if rosterFile != nil {
		g.Go(func() error {
			return rosterFile.Watch(gctx)
		})
	}
	if pendingMigrations != nil {
		g.Go(func() error {
			return migrateWhenReachable(gctx, pendingMigrations, cfg.DatabaseDriver, migrateRetryInterval, logger)
		})
	}
	if serveReindex && sqlStore != nil {
		g.Go(func() error {
			reindexAll(gctx, service, sqlStore, logger)
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("huddle api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	hub.Close()
	service.Close()
	return err
}

func reindexAll(ctx context.Context, service *app.Service, s *store.SQLStore, logger *zap.Logger) {
	projects, err := s.ListCommentProjects(ctx)
	if err != nil {
		logger.Warn("list projects for reindex", zap.Error(err))
		return
	}
	for _, projectID := range projects {
		count, err := service.ReindexProject(ctx, projectID)
		if err != nil {
			logger.Warn("reindex project", zap.String("project_id", projectID), zap.Error(err))
			continue
		}
		logger.Info("reindexed project", zap.String("project_id", projectID), zap.Int("comments", count))
	}
}

// migrateWhenReachable applies migrations once the database first answers a ping.
func migrateWhenReachable(ctx context.Context, db *sqlx.DB, dialect string, every time.Duration, logger *zap.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := db.PingContext(ctx); err == nil {
			if err := store.ApplyMigrations(ctx, db, dialect); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			logger.Info("database reachable, migrations applied")
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
