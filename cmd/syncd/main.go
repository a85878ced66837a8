package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/heatsync/internal/api"
	"example.com/heatsync/internal/auth"
	"example.com/heatsync/internal/config"
	"example.com/heatsync/internal/outbox"
	"example.com/heatsync/internal/remote"
	"example.com/heatsync/internal/remote/memory"
	"example.com/heatsync/internal/remote/postgres"
	httptransport "example.com/heatsync/internal/transport/http"
)

func main() {
	cfg := config.LoadServer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		repo       remote.Repository
		dispatcher *outbox.Dispatcher
	)
	if cfg.PostgresURL == "" {
		log.Printf("POSTGRES_URL not set, keeping sessions in memory")
		repo = memory.NewRepository()
	} else {
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		defer pool.Close()

		if err := postgres.Migrate(ctx, pool); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		repo = postgres.NewRepository(pool, postgres.WithTopic(cfg.SessionEventsTopic))

		if len(cfg.KafkaBrokers) > 0 {
			producer := outbox.NewKafkaProducer(cfg.KafkaBrokers, 0)
			defer producer.Close()

			dispatcher = outbox.NewDispatcher(outbox.NewPGStore(pool), producer, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
			go dispatcher.Start(ctx)
		} else {
			log.Printf("KAFKA_BROKERS not set, outbox events stay in postgres")
		}
	}

	service := remote.NewService(repo)
	handler := api.NewHandler(service, api.WithPageLimit(cfg.PullPageLimit))

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, auth.SkipProbes)
	serverCfg := httptransport.DefaultServerConfig(cfg.HTTPAddress)
	server := httptransport.NewServer(serverCfg, authMiddleware.Wrap(httptransport.LogRequests(log.Printf)(mux)))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdownCh
		cancel()
	}()

	log.Printf("syncd listening on %s", cfg.HTTPAddress)
	if err := httptransport.Serve(ctx, server, serverCfg.ShutdownTimeout); err != nil {
		log.Printf("server error: %v", err)
	}
	cancel()

	if dispatcher != nil {
		dispatcher.Wait()
	}
}
