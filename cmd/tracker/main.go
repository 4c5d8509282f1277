package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fleet-tracker/internal/config"
	"fleet-tracker/internal/engine"
	"fleet-tracker/internal/fsm"
	"fleet-tracker/internal/hub"
	"fleet-tracker/internal/metrics"
	"fleet-tracker/internal/publisher"
	"fleet-tracker/internal/server"
	"fleet-tracker/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db open error")
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("db ping error")
	}

	mcol := metrics.NewCollector(cfg.TickInterval)
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = mcol.Serve(cfg.MetricsAddr)
	}

	pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, mcol)
	if err != nil {
		log.Fatal().Err(err).Msg("nats error")
	}
	defer pub.Close()

	broadcast := hub.New(pub, mcol)
	machine := fsm.New(store, broadcast, mcol)
	eng := engine.New(store, machine, broadcast, mcol, cfg.TickInterval)

	var resolver server.UserResolver
	if len(cfg.AuthTokens) > 0 {
		resolver = server.StaticResolver(cfg.AuthTokens)
	}
	handler := server.New(eng, broadcast, resolver, cfg.CORSOrigin)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	if cfg.AutoStart {
		if err := eng.Start(ctx); err != nil {
			log.Error().Err(err).Msg("simulation start failed")
		}
	}

	<-ctx.Done()

	eng.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Info().Msg("shutdown complete")
}
