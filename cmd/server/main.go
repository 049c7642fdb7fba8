package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mesikahq/clinic-sync/internal/api"
	"github.com/mesikahq/clinic-sync/internal/audit"
	"github.com/mesikahq/clinic-sync/internal/catalog"
	"github.com/mesikahq/clinic-sync/internal/config"
	"github.com/mesikahq/clinic-sync/internal/database"
	"github.com/mesikahq/clinic-sync/internal/history"
	"github.com/mesikahq/clinic-sync/internal/metrics"
	"github.com/mesikahq/clinic-sync/internal/migration"
	"github.com/mesikahq/clinic-sync/internal/outbox"
	"github.com/mesikahq/clinic-sync/internal/propagate"
	"github.com/mesikahq/clinic-sync/internal/relational"
	"github.com/mesikahq/clinic-sync/internal/source"
)

func newLogger() (*zap.Logger, error) {
	if os.Getenv("APP_ENV") == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// prepareStores creates the relational schema and the history indexes. The
// unique patientEmail index is what keeps one document per patient.
func prepareStores(ctx context.Context, rel relational.Store, hist history.Store) error {
	if err := rel.InitSchema(ctx); err != nil {
		return fmt.Errorf("relational schema: %w", err)
	}
	if err := hist.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("history indexes: %w", err)
	}
	return nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer database.Disconnect(pool)

	mongoClient, err := database.NewMongoClient(ctx, &database.MongoConfig{
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
		logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	defer mongoClient.Disconnect(context.Background())

	var esAddrs []string
	if cfg.Elasticsearch.URL != "" {
		esAddrs = []string{cfg.Elasticsearch.URL}
	}
	esClient, err := audit.NewClient(esAddrs, cfg.Elasticsearch.Username, cfg.Elasticsearch.Password)
	if err != nil {
		logger.Fatal("Failed to create Elasticsearch client", zap.Error(err))
	}
	if esClient == nil {
		logger.Warn("Elasticsearch not configured, audit events go to the local log only")
	}
	auditService := audit.NewService(esClient, cfg.Elasticsearch.Index)

	m := metrics.New()
	rel := relational.NewPGStore(pool)
	hist := history.NewMongoStore(mongoClient.Database(cfg.Mongo.Database), cfg.Mongo.Collection)
	if err := prepareStores(ctx, rel, hist); err != nil {
		logger.Fatal("Failed to prepare stores", zap.Error(err))
	}

	dispatcher := outbox.NewDispatcher(rel, hist, logger, m)
	orchestrator := migration.NewOrchestrator(migration.Config{
		SourceURI: cfg.Source.URI,
		S3: source.S3Config{
			Region:    cfg.Source.S3.Region,
			Endpoint:  cfg.Source.S3.Endpoint,
			PathStyle: cfg.Source.S3.PathStyle,
		},
	}, relational.NewEngine(rel, logger), hist, auditService, logger, m)

	handler := api.NewHandler(
		catalog.NewService(rel, hist, auditService, logger),
		propagate.NewService(rel, dispatcher, auditService, logger, m),
		history.NewService(hist, logger),
		orchestrator,
		auditService,
		logger,
	)

	gin.SetMode(cfg.Server.Mode)
	router := api.NewRouter(handler, api.RouterOptions{
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
		Timeout:   cfg.Server.Timeout,
		Metrics:   m.Handler(),
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router.SetupRouter(logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	relayDone := make(chan struct{})
	if cfg.Outbox.Enabled {
		relay := outbox.NewRelay(dispatcher, rel, cfg.Outbox.Interval, cfg.Outbox.BatchSize, logger, m)
		go func() {
			defer close(relayDone)
			relay.Run(ctx)
		}()
	} else {
		close(relayDone)
	}

	go func() {
		logger.Info("Starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	<-relayDone

	logger.Info("Server exiting")
}
