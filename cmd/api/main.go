package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"adfunds.io/internal/auth"
	"adfunds.io/internal/config"
	"adfunds.io/internal/events"
	"adfunds.io/internal/httpapi"
	"adfunds.io/internal/impersonation"
	"adfunds.io/internal/obs"
	"adfunds.io/internal/plan"
	"adfunds.io/internal/scheduler"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("ADFUNDS_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		obs.Logger().Error("adfunds-api exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	catalog := plan.DefaultCatalog()
	if cfg.PlanCatalog != "" {
		if catalog, err = plan.LoadFile(cfg.PlanCatalog); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	var pub events.Publisher = bus
	if cfg.Redis.Addr != "" {
		client, err := events.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		pub = events.Multi(bus, events.NewRedisPublisher(client, cfg.Redis.Prefix))
		log.Info("redis event fan-out enabled", "addr", cfg.Redis.Addr)
	}

	be, err := newBackend(cfg, catalog, pub)
	if err != nil {
		return err
	}
	defer be.close()

	sessions := impersonation.NewManager(be.sessions,
		impersonation.WithPublisher(pub),
		impersonation.WithDurations(cfg.Impersonation.DefaultDuration, cfg.Impersonation.MaxDuration),
	)

	var tokens *auth.Tokens
	if cfg.Auth.Secret != "" {
		if tokens, err = auth.NewTokens(cfg.Auth.Secret, auth.WithIssuer(cfg.Auth.Issuer)); err != nil {
			return err
		}
	} else {
		log.Warn("auth.secret is empty; authenticated routes answer 503")
	}

	api := httpapi.New(httpapi.Deps{
		Ledger:        be.ledger,
		Entitlements:  be.ents,
		Impersonation: sessions,
		Tokens:        tokens,
		Bus:           bus,
		Ready:         be.ready,
		Version:       version,
	}, httpapi.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Bind both ports before any background work starts so an address in
	// use fails the process cleanly.
	httpLis, grpcLis, err := openListeners(cfg.HTTPAddr, cfg.GRPCAddr)
	if err != nil {
		return err
	}

	grpcSrv, health := httpapi.NewGRPCServer(be.ready)
	go httpapi.WatchHealth(ctx, health, be.ready, 10*time.Second)

	sched := scheduler.New()
	err = sched.Add(scheduler.Job{
		Name:    "impersonation-sweep",
		Spec:    cfg.Impersonation.SweepSchedule,
		Timeout: 30 * time.Second,
		Run: func(ctx context.Context) error {
			n, err := sessions.Sweep(ctx)
			if n > 0 {
				log.Info("expired impersonation sessions", "count", n)
			}
			return err
		},
	})
	if err != nil {
		closeAll(httpLis, grpcLis)
		return err
	}
	sched.Start()

	errCh := make(chan error, 2)
	go func() {
		log.Info("http listening", "addr", httpLis.Addr().String(), "version", version, "in_memory", cfg.InMemory())
		if err := srv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if grpcLis != nil {
		go func() {
			log.Info("grpc health listening", "addr", grpcLis.Addr().String())
			if err := grpcSrv.Serve(grpcLis); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errCh:
		log.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sched.Stop(shutdownCtx)
	grpcSrv.GracefulStop()
	if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	log.Info("stopped")
	return err
}

// openListeners binds the HTTP port and, when grpcAddr is set, the gRPC
// port. On failure nothing is left open.
func openListeners(httpAddr, grpcAddr string) (httpLis, grpcLis net.Listener, err error) {
	if httpLis, err = net.Listen("tcp", httpAddr); err != nil {
		return nil, nil, fmt.Errorf("listen http %s: %w", httpAddr, err)
	}
	if grpcAddr == "" {
		return httpLis, nil, nil
	}
	if grpcLis, err = net.Listen("tcp", grpcAddr); err != nil {
		_ = httpLis.Close()
		return nil, nil, fmt.Errorf("listen grpc %s: %w", grpcAddr, err)
	}
	return httpLis, grpcLis, nil
}

func closeAll(ls ...net.Listener) {
	for _, l := range ls {
		if l != nil {
			_ = l.Close()
		}
	}
}
