// Command pipelinectl runs ingestion, churn and ledger maintenance against a
// retailpulse database without going through the HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"retailpulse/backend/internal/cache"
	"retailpulse/backend/internal/churn"
	"retailpulse/backend/internal/config"
	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/ingest"
	"retailpulse/backend/internal/logging"
	"retailpulse/backend/internal/notify"
	"retailpulse/backend/internal/ocr"
	"retailpulse/backend/internal/service"
	"retailpulse/backend/internal/store"
	pgstore "retailpulse/backend/internal/store/postgres"
)

var Version = "dev"

var errNoDatabase = errors.New("DATABASE_URL is required")

func main() {
	cfg := config.Load()
	logger := logging.Setup(cfg.LogLevel, cfg.LogPretty)

	c := &cli{
		out:    os.Stdout,
		log:    logger,
		cfg:    cfg,
		openDB: openPostgres,
	}
	if err := c.rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// database is what the CLI needs from a store beyond the repository:
// schema management and account provisioning.
type database interface {
	store.Repository
	Migrate() error
	MigrateDown() error
	MigrationVersion() (uint, bool, error)
	CreateTenant(ctx context.Context, tenant domain.Tenant) error
	CreateUser(ctx context.Context, user domain.UserAccount) error
	Close() error
}

type cli struct {
	out    io.Writer
	log    zerolog.Logger
	cfg    config.Config
	openDB func(ctx context.Context, cfg config.Config) (database, error)

	tenant string
	actor  string
}

func openPostgres(ctx context.Context, cfg config.Config) (database, error) {
	if cfg.DatabaseURL == "" {
		return nil, errNoDatabase
	}
	return pgstore.New(ctx, cfg.DatabaseURL)
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pipelinectl",
		Short:         "Operate the retailpulse ingestion pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(c.out)
	root.PersistentFlags().StringVar(&c.tenant, "tenant", "", "tenant to operate on")
	root.PersistentFlags().StringVar(&c.actor, "actor", "pipelinectl", "username recorded on ledger entries")

	root.AddCommand(c.migrateCmd())
	root.AddCommand(c.ingestCmd())
	root.AddCommand(c.churnCmd())
	root.AddCommand(c.failedRowsCmd())
	root.AddCommand(c.consistencyCmd())
	root.AddCommand(c.tenantCmd())
	root.AddCommand(c.userCmd())
	return root
}

// session is one opened database plus the services built over it.
type session struct {
	db      database
	service *service.Service
	churn   *churn.Service
}

func (c *cli) open(ctx context.Context) (*session, error) {
	db, err := c.openDB(ctx, c.cfg)
	if err != nil {
		return nil, err
	}
	reportCache := cache.ReportCache(cache.NoopReportCache{})
	if c.cfg.RedisAddr != "" {
		redisCache := cache.NewRedisReportCache(c.cfg.RedisAddr, c.cfg.RedisPassword, c.cfg.RedisDB)
		if err := redisCache.Ping(ctx); err == nil {
			reportCache = redisCache
		} else {
			c.log.Warn().Err(err).Msg("redis unavailable, report caches will not be invalidated")
			_ = redisCache.Close()
		}
	}

	churnSvc := churn.NewService(db, reportCache, c.cfg.ReportCacheTTL(), c.log)
	var extractor ocr.Extractor = ocr.MockExtractor{}
	if c.cfg.OCRProvider == "openai" {
		extractor = ocr.NewOpenAIExtractor(c.cfg.OpenAIAPIKey, c.cfg.OpenAIModel)
	}
	pipeline := ingest.New(db, c.log,
		ingest.WithNotifier(notify.New(c.log, churnSvc.Hook())),
		ingest.WithCache(reportCache),
		ingest.WithExtractor(extractor),
	)
	svc := service.New(db, pipeline, churnSvc, nil, c.log, service.WithCache(reportCache, c.cfg.ReportCacheTTL()))
	return &session{db: db, service: svc, churn: churnSvc}, nil
}

func (s *session) Close() error {
	return s.db.Close()
}

// tenantContext scopes ctx to --tenant for the service layer.
func (c *cli) tenantContext(ctx context.Context) (context.Context, error) {
	if c.tenant == "" {
		return nil, errors.New("--tenant is required")
	}
	return service.WithActor(ctx, domain.Actor{Username: c.actor, Role: "admin", TenantID: c.tenant}), nil
}
