package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/voice-call/config"
	"github.com/mossy-p/voice-call/internal/backend"
	"github.com/mossy-p/voice-call/internal/handlers"
	"github.com/mossy-p/voice-call/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L().Error("load config", "err", err)
		os.Exit(1)
	}

	log := logger.Init(logger.Config{
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Env:       cfg.Environment,
		Backend:   logger.Backend(cfg.Logging.Backend),
		Debug:     cfg.Logging.Debug,
		AddSource: cfg.Logging.AddSource,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := backend.Open(ctx, cfg, log)
	if err != nil {
		log.Error("open store", "backend", cfg.Store.Backend, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	handlers.New(st, cfg.Call.MaxParticipants, log).Register(router, handlers.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		DevTokens:      !cfg.IsProduction(),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("starting call gateway", "port", cfg.Port, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", "err", err)
	}
}
