package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"example.com/heatsync/internal/config"
	"example.com/heatsync/internal/device"
	"example.com/heatsync/internal/persistence/sqlite"
	"example.com/heatsync/internal/reconciler"
	"example.com/heatsync/internal/relay"
	"example.com/heatsync/internal/remote"
	"example.com/heatsync/internal/remote/httpclient"
	"example.com/heatsync/internal/remote/memory"
	httptransport "example.com/heatsync/internal/transport/http"
)

func main() {
	if err := run(config.LoadDevice()); err != nil {
		log.Fatalf("deviced: %v", err)
	}
}

func run(cfg config.DeviceConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer store.Close()

	var cloud reconciler.RemoteStore
	if cfg.SyncAPIURL == "" {
		log.Printf("SYNC_API_URL not set, reconciling against an in-process store")
		cloud = remote.NewLocal(remote.NewService(memory.NewRepository()), cfg.AccountID)
	} else {
		cloud = httpclient.New(cfg.SyncAPIURL, cfg.SyncAPIToken)
	}

	var transport relay.Transport
	if cfg.RelayEnabled && cfg.RelayPeerURL != "" {
		ws := relay.NewWebSocketTransport(cfg.RelayPeerURL, nil)
		defer ws.Close()
		transport = ws
	} else {
		log.Printf("relay disabled, syncing through the cloud only")
	}

	node := device.New(device.Config{
		DeviceID:          cfg.DeviceID,
		AccountID:         cfg.AccountID,
		RelayTimeout:      cfg.RelayTimeout,
		ReconcileInterval: cfg.ReconcileInterval,
		PullPageSize:      cfg.PullPageSize,
		TriggerEvery:      cfg.SyncTriggerRate,
		TriggerBurst:      cfg.SyncTriggerBurst,
	}, store, cloud, transport)
	defer node.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		report, err := node.SyncNow(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(report)
	})

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		node.Start(gctx)
		return nil
	})

	metricsCfg := httptransport.DefaultServerConfig(cfg.MetricsAddress)
	metricsServer := httptransport.NewServer(metricsCfg, httptransport.LogRequests(log.Printf)(mux))
	group.Go(func() error {
		log.Printf("deviced %s serving metrics on %s", cfg.DeviceID, cfg.MetricsAddress)
		return httptransport.Serve(gctx, metricsServer, metricsCfg.ShutdownTimeout)
	})

	if cfg.RelayEnabled {
		relayMux := http.NewServeMux()
		relayMux.Handle("/relay", node.RelayHandler())
		relayCfg := httptransport.DefaultServerConfig(cfg.RelayListenAddress)
		// Relay connections are long-lived websockets.
		relayCfg.ReadTimeout, relayCfg.WriteTimeout = 0, 0
		relayServer := httptransport.NewServer(relayCfg, relayMux)
		group.Go(func() error {
			log.Printf("relay receiver listening on %s", cfg.RelayListenAddress)
			return httptransport.Serve(gctx, relayServer, relayCfg.ShutdownTimeout)
		})
	}

	node.OnForeground()

	return group.Wait()
}
