package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/apec-labs/apec-certs-go/pkg/commitment"
	"github.com/apec-labs/apec-certs-go/pkg/config"
	"github.com/apec-labs/apec-certs-go/pkg/eligibility"
	"github.com/apec-labs/apec-certs-go/pkg/eligibility/postgres"
	"github.com/apec-labs/apec-certs-go/pkg/logger"
	"github.com/apec-labs/apec-certs-go/pkg/merkle"
	"github.com/apec-labs/apec-certs-go/pkg/metrics"
	"github.com/apec-labs/apec-certs-go/pkg/persistence"
	badgerPersistence "github.com/apec-labs/apec-certs-go/pkg/persistence/badger"
	"github.com/apec-labs/apec-certs-go/pkg/persistence/memory"
	redisPersistence "github.com/apec-labs/apec-certs-go/pkg/persistence/redis"
	"github.com/apec-labs/apec-certs-go/pkg/server"
)

const shutdownTimeout = 15 * time.Second

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Value:   config.DefaultPort,
			Usage:   "HTTP server port",
			EnvVars: []string{config.EnvPort},
		},
		leafOrderFlag(),
		&cli.IntFlag{
			Name:    "max-concurrency",
			Value:   config.DefaultMaxConcurrency,
			Usage:   "Goroutines used to generate batch proofs",
			EnvVars: []string{config.EnvMaxConcurrency},
		},
		&cli.Float64Flag{
			Name:    "rate-limit",
			Value:   config.DefaultRateLimit,
			Usage:   "Requests per second across all clients, 0 disables limiting",
			EnvVars: []string{config.EnvRateLimit},
		},
		&cli.IntFlag{
			Name:    "rate-burst",
			Value:   config.DefaultRateBurst,
			Usage:   "Requests allowed in a burst above the rate limit",
			EnvVars: []string{config.EnvRateBurst},
		},
		&cli.StringFlag{
			Name:    "postgres-url",
			Usage:   "Certificate database URL; enables publishing without an explicit address list",
			EnvVars: []string{config.EnvPostgresURL},
		},
		&cli.StringFlag{
			Name:    "persistence",
			Value:   config.PersistenceTypeMemory.String(),
			Usage:   fmt.Sprintf("Commitment store: %s", strings.Join(config.SupportedPersistenceTypes(), ", ")),
			EnvVars: []string{config.EnvPersistenceType},
		},
		&cli.StringFlag{
			Name:    "badger-path",
			Value:   config.DefaultBadgerPath,
			Usage:   "Data directory for badger persistence",
			EnvVars: []string{config.EnvBadgerPath},
		},
		&cli.StringFlag{
			Name:    "redis-address",
			Value:   "localhost:6379",
			Usage:   "Redis host:port for redis persistence",
			EnvVars: []string{config.EnvRedisAddress},
		},
		&cli.StringFlag{
			Name:    "redis-password",
			Usage:   "Redis password",
			EnvVars: []string{config.EnvRedisPassword},
		},
		&cli.IntFlag{
			Name:    "redis-db",
			Usage:   "Redis database number",
			EnvVars: []string{config.EnvRedisDB},
		},
		&cli.StringFlag{
			Name:    "redis-key-prefix",
			Usage:   "Prefix for every redis key, for sharing one instance between environments",
			EnvVars: []string{config.EnvRedisKeyPrefix},
		},
	}
}

func parseServerConfig(c *cli.Context) *config.ServerConfig {
	return &config.ServerConfig{
		Port:           c.Int("port"),
		LeafOrder:      merkle.LeafOrder(c.String("leaf-order")),
		MaxConcurrency: c.Int("max-concurrency"),
		RateLimit:      c.Float64("rate-limit"),
		RateBurst:      c.Int("rate-burst"),
		PostgresURL:    c.String("postgres-url"),
		Persistence: config.PersistenceConfig{
			Type:           config.PersistenceType(c.String("persistence")),
			BadgerPath:     c.String("badger-path"),
			RedisAddress:   c.String("redis-address"),
			RedisPassword:  c.String("redis-password"),
			RedisDB:        c.Int("redis-db"),
			RedisKeyPrefix: c.String("redis-key-prefix"),
		},
		Debug: c.Bool("verbose"),
	}
}

// newPersistence opens the commitment store selected by cfg.
func newPersistence(cfg *config.PersistenceConfig, l *zap.Logger) (persistence.ICommitmentPersistence, error) {
	switch cfg.Type {
	case config.PersistenceTypeMemory:
		l.Sugar().Warnw("Using in-memory persistence; commitments are lost on restart")
		return memory.NewMemoryPersistence(), nil
	case config.PersistenceTypeBadger:
		return badgerPersistence.NewBadgerPersistence(cfg.BadgerPath, l)
	case config.PersistenceTypeRedis:
		return redisPersistence.NewRedisPersistence(&redisPersistence.RedisConfig{
			Address:   cfg.RedisAddress,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		}, l)
	default:
		return nil, fmt.Errorf("unsupported persistence type: %s", cfg.Type)
	}
}

// serveCommand handles the serve subcommand
func serveCommand(c *cli.Context) error {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("verbose")})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	cfg := parseServerConfig(c)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newPersistence(&cfg.Persistence, l)
	if err != nil {
		return fmt.Errorf("failed to open persistence: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			l.Sugar().Errorw("Failed to close persistence", "error", err)
		}
	}()

	var source eligibility.ILeafSource
	if cfg.PostgresURL != "" {
		pgSource, pool, err := postgres.NewPostgresLeafSource(ctx, cfg.PostgresURL, l)
		if err != nil {
			return fmt.Errorf("failed to connect to certificate database: %w", err)
		}
		defer pool.Close()
		source = pgSource
	} else {
		l.Sugar().Infow("No certificate database configured; publishing requires an explicit address list")
	}

	m := metrics.NewMetrics()
	svc := commitment.NewService(&commitment.Config{
		LeafOrder:      cfg.LeafOrder,
		MaxConcurrency: cfg.MaxConcurrency,
	}, store, source, m, l)

	srv := server.NewServer(&server.Config{
		Address:   cfg.Address(),
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	}, svc, m, l)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	l.Sugar().Infow("certproof server running",
		"port", cfg.Port,
		"persistence", cfg.Persistence.Type,
		"leaf_order", cfg.LeafOrder,
		"rate_limit", cfg.RateLimit,
	)
	l.Sugar().Infow("Available endpoints",
		"commitments", "GET|POST /commitments/{courseID}",
		"freshness", "GET /commitments/{courseID}/freshness",
		"proofs", "POST /proofs, POST /proofs/batch",
		"verify", "POST /verify",
	)

	<-ctx.Done()
	l.Sugar().Infow("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
