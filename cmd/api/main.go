package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"tandem/api/internal/app"
	"tandem/api/internal/authpw"
	"tandem/api/internal/config"
	"tandem/api/internal/email"
	"tandem/api/internal/gateway"
	"tandem/api/internal/search"
	"tandem/api/internal/session"
	"tandem/api/internal/store"
	"tandem/api/internal/transport"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)

	broker, err := transport.NewBroker(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer broker.Close()

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		go searchService.ReindexAllFromPG(ctx)
	}

	mail := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	passwords := authpw.NewService(dataStore)

	// Refresh tokens live in Redis; the Postgres fallback keeps single
	// dependency deployments working.
	redisSessions, err := session.NewRedisStore(cfg.RedisURL)
	var service *app.Service
	if err != nil {
		logger.Warn().Err(err).Msg("redis session store unavailable, using postgres")
		service = app.New(cfg, dataStore, nil, broker, searchService, mail, passwords, logger)
	} else {
		defer redisSessions.Close()
		service = app.New(cfg, dataStore, redisSessions, broker, searchService, mail, passwords, logger)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	ws := gateway.New(service, broker, cfg.CORSOrigin, logger)

	mux := http.NewServeMux()
	mux.Handle("/api/ws", ws)
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Tandem API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
