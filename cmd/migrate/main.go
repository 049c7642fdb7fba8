package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/mesikahq/clinic-sync/internal/audit"
	"github.com/mesikahq/clinic-sync/internal/catalog"
	"github.com/mesikahq/clinic-sync/internal/config"
	"github.com/mesikahq/clinic-sync/internal/database"
	"github.com/mesikahq/clinic-sync/internal/history"
	"github.com/mesikahq/clinic-sync/internal/metrics"
	"github.com/mesikahq/clinic-sync/internal/migration"
	"github.com/mesikahq/clinic-sync/internal/outbox"
	"github.com/mesikahq/clinic-sync/internal/relational"
	"github.com/mesikahq/clinic-sync/internal/source"
)

// app holds the connections shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	pool   *pgxpool.Pool
	mongo  *mongo.Client
	rel    relational.Store
	hist   history.Store
	audit  audit.Service
}

func connect(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	pool, err := database.Connect(ctx, database.PostgresConfig{
		Host:        cfg.Postgres.Host,
		Port:        cfg.Postgres.Port,
		Database:    cfg.Postgres.Database,
		User:        cfg.Postgres.User,
		Password:    cfg.Postgres.Password,
		SSLMode:     cfg.Postgres.SSLMode,
		MaxPoolSize: cfg.Postgres.MaxPoolSize,
		ConnTimeout: cfg.Postgres.ConnTimeout,
	})
	if err != nil {
		return nil, err
	}
	client, err := database.NewMongoClient(ctx, &database.MongoConfig{
		URI:            cfg.Mongo.URI,
		Database:       cfg.Mongo.Database,
		MaxPoolSize:    cfg.Mongo.MaxPoolSize,
		MinPoolSize:    cfg.Mongo.MinPoolSize,
		ConnectTimeout: cfg.Mongo.ConnTimeout,
		TLSEnabled:     cfg.Mongo.TLS.Enabled,
		TLSCAFile:      cfg.Mongo.TLS.CAFile,
		TLSCertFile:    cfg.Mongo.TLS.CertFile,
		TLSKeyFile:     cfg.Mongo.TLS.KeyFile,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	var esAddrs []string
	if cfg.Elasticsearch.URL != "" {
		esAddrs = []string{cfg.Elasticsearch.URL}
	}
	esClient, err := audit.NewClient(esAddrs, cfg.Elasticsearch.Username, cfg.Elasticsearch.Password)
	if err != nil {
		logger.Warn("audit sink disabled", zap.Error(err))
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		mongo:  client,
		rel:    relational.NewPGStore(pool),
		hist:   history.NewMongoStore(client.Database(cfg.Mongo.Database), cfg.Mongo.Collection),
		audit:  audit.NewService(esClient, cfg.Elasticsearch.Index),
	}, nil
}

func (a *app) close() {
	_ = a.mongo.Disconnect(context.Background())
	database.Disconnect(a.pool)
	_ = a.logger.Sync()
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func withApp(fn func(ctx context.Context, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		return fn(cmd.Context(), a)
	}
}

func runCmd() *cobra.Command {
	var clearBefore bool
	var sourceURI string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load the batch source into both stores",
		RunE: withApp(func(ctx context.Context, a *app) error {
			orch := migration.NewOrchestrator(migration.Config{
				SourceURI: a.cfg.Source.URI,
				S3: source.S3Config{
					Region:    a.cfg.Source.S3.Region,
					Endpoint:  a.cfg.Source.S3.Endpoint,
					PathStyle: a.cfg.Source.S3.PathStyle,
				},
			}, relational.NewEngine(a.rel, a.logger), a.hist, a.audit, a.logger, metrics.New())

			sum, err := orch.Run(ctx, migration.Options{ClearBefore: clearBefore, Source: sourceURI})
			if sum != nil {
				if perr := printJSON(sum); perr != nil {
					return perr
				}
			}
			return err
		}),
	}
	cmd.Flags().BoolVar(&clearBefore, "clear-before", false, "delete all existing data in both stores first")
	cmd.Flags().StringVar(&sourceURI, "source", "", "batch file path or s3://bucket/key (overrides config)")
	return cmd
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete every row and history document",
		RunE: withApp(func(ctx context.Context, a *app) error {
			if err := a.rel.InitSchema(ctx); err != nil {
				return err
			}
			if err := a.rel.RunInTx(ctx, func(tx relational.Tx) error {
				return tx.ClearAll(ctx)
			}); err != nil {
				return fmt.Errorf("failed to clear relational store: %w", err)
			}
			if err := a.hist.Clear(ctx); err != nil {
				return fmt.Errorf("failed to clear history store: %w", err)
			}
			a.logger.Info("both stores cleared")
			return nil
		}),
	}
}

func outboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outbox",
		Short: "Deliver pending history updates once and exit",
		RunE: withApp(func(ctx context.Context, a *app) error {
			m := metrics.New()
			d := outbox.NewDispatcher(a.rel, a.hist, a.logger, m)
			relay := outbox.NewRelay(d, a.rel, a.cfg.Outbox.Interval, a.cfg.Outbox.BatchSize, a.logger, m)

			total := 0
			for {
				n, err := relay.RunOnce(ctx)
				total += n
				if err != nil {
					return err
				}
				if n == 0 {
					break
				}
			}
			pending, err := a.rel.CountPendingOutbox(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]int64{"delivered": int64(total), "pending": pending})
		}),
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show schema readiness and row counts",
		RunE: withApp(func(ctx context.Context, a *app) error {
			st, err := catalog.NewService(a.rel, a.hist, a.audit, a.logger).Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(st)
		}),
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	root := &cobra.Command{
		Use:           "clinic-migrate",
		Short:         "Batch migration and maintenance for the clinic stores",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), resetCmd(), outboxCmd(), statusCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, migration.ErrPartialSync) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
