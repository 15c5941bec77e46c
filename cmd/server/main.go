package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/alumninet/chatwire/internal/config"
	"github.com/alumninet/chatwire/internal/observe"
	"github.com/alumninet/chatwire/internal/server"
	"github.com/alumninet/chatwire/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.L().Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := server.NewMemStore()
	if cfg.PostgresDSN != "" {
		pg, err := server.OpenPGStore(cfg.PostgresDSN)
		if err != nil {
			log.Fatalw("postgres_open_failed", "err", err)
		}
		store = pg
		log.Infow("store_ready", "backend", "postgres")
	} else {
		log.Infow("store_ready", "backend", "memory")
	}

	var relay *server.Relay
	if cfg.RedisAddr != "" {
		node := uuid.NewString()
		relay = server.NewRelay(cfg.RedisAddr, "chatwire:messages", "chatwire-nodes", node)
		if err := relay.EnsureGroup(ctx); err != nil {
			log.Fatalw("relay_group_failed", "err", err)
		}
		defer relay.Close()
		log.Infow("relay_ready", "addr", cfg.RedisAddr, "node", node)
	}

	hub := server.NewHub(store, relay)
	go hub.Run(ctx)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := observe.StartHTTP(cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("metrics_server_failed", "err", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      hub.Router(cfg.OutBuffer),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket connections stay open
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infow("server_listening", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalw("server_failed", "err", err)
	}
}
