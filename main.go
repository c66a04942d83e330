package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sorterfleet/internal/acquisition"
	"sorterfleet/internal/aggregate"
	apihttp "sorterfleet/internal/api/http"
	"sorterfleet/internal/archive"
	"sorterfleet/internal/auth"
	"sorterfleet/internal/config"
	"sorterfleet/internal/device"
	"sorterfleet/internal/metricslog"
	"sorterfleet/internal/observability/metrics"
	"sorterfleet/internal/poller"
	"sorterfleet/internal/query"
	"sorterfleet/internal/supervisor"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}
	if cfg.JWTSecret == "" {
		logger.Fatal("AUTH_JWT_SECRET is required")
	}

	metrics.Init()

	storeOpts := []metricslog.Option{metricslog.WithRetention(cfg.Retention.Std())}
	if cfg.ArchiveDSN != "" {
		db, err := sql.Open("pgx", cfg.ArchiveDSN)
		if err != nil {
			logger.Fatalf("archive db open error: %v", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			logger.Fatalf("archive db ping error: %v", err)
		}
		sink, err := archive.NewSink(db, logger)
		if err != nil {
			logger.Fatalf("archive sink error: %v", err)
		}
		if err := sink.EnsureSchema(context.Background()); err != nil {
			logger.Fatalf("archive schema error: %v", err)
		}
		storeOpts = append(storeOpts, metricslog.WithArchiver(sink))
	}

	store, err := metricslog.NewStore(cfg.ExportRoot, logger, storeOpts...)
	if err != nil {
		logger.Fatalf("metrics store error: %v", err)
	}

	cache, err := aggregate.NewCache(store, logger, aggregate.WithObjectScale(cfg.ObjectScale))
	if err != nil {
		logger.Fatalf("aggregate cache error: %v", err)
	}

	dialer := device.NewOPCUADialer(device.OPCUAConfig{
		ApplicationName: cfg.ApplicationName,
		Port:            cfg.OPCUAPort,
	})
	registry, err := acquisition.NewRegistry(dialer, device.DefaultCatalog(), nil, logger)
	if err != nil {
		logger.Fatalf("acquisition registry error: %v", err)
	}

	pollMachines := make([]poller.Machine, 0, len(cfg.Machines))
	supMachines := make([]supervisor.Machine, 0, len(cfg.Machines))
	for _, m := range cfg.Machines {
		pollMachines = append(pollMachines, poller.Machine{ID: m.ID, Address: m.Address, Demo: m.Demo})
		if !m.Demo {
			supMachines = append(supMachines, supervisor.Machine{ID: m.ID, Address: m.Address})
		}
	}

	super, err := supervisor.New(registry, supMachines, nil, logger)
	if err != nil {
		logger.Fatalf("supervisor error: %v", err)
	}

	engine, err := poller.New(registry, store, pollMachines, logger,
		poller.WithCycleInterval(cfg.CycleInterval.Std()))
	if err != nil {
		logger.Fatalf("poller error: %v", err)
	}

	service, err := query.NewService(store, cache, registry)
	if err != nil {
		logger.Fatalf("query service error: %v", err)
	}

	machinesHandler := apihttp.NewMachinesHandler(pollMachines, service)
	machineHandler, err := apihttp.NewMachineHandler(pollMachines, service, registry, super, store, engine, cache)
	if err != nil {
		logger.Fatalf("machine handler error: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/machines", machinesHandler)
	mux.Handle("/api/v1/machines/", machineHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	super.Start(ctx)
	engine.Start(ctx)

	// First connect pass ahead of the supervisor's regular cadence, once
	// the HTTP surface is already listening.
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.ConnectDelay.Std()):
			super.Scan(ctx)
		}
	}()

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown error: %v", err)
	}
	if err := engine.Stop(); err != nil {
		logger.Printf("poller stop error: %v", err)
	}
	if err := super.Stop(); err != nil {
		logger.Printf("supervisor stop error: %v", err)
	}
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
