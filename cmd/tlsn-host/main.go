package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"tlsn-host/api"
	"tlsn-host/notary"
	"tlsn-host/records"
	"tlsn-host/session"
	"tlsn-host/shared"
	"tlsn-host/tunnel"
)

func main() {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	cfg := shared.LoadConfig()

	logger, err := shared.NewLoggerFromEnv("tlsn-host")
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	tunnels := tunnel.NewManager(cfg.BridgeHost, cfg.HostLookupTimeout, logger)
	engine := notary.NewLocalEngine(logger)
	driver := session.NewDriver(engine, cfg.MaxRecvBytes, logger)
	store := records.NewStore(tunnels, driver, &notary.LocalVerifier{}, records.Options{
		DefaultNotaryURL:    cfg.NotaryURL,
		ConflictRetryBudget: cfg.ConflictRetryBudget,
		ConflictRetryDelay:  cfg.ConflictRetryDelay,
	}, logger)

	handler := api.NewServer(tunnels, store, api.Config{CORSOrigin: cfg.CORSOrigin}, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown did not complete cleanly", zap.Error(err))
	}
	tunnels.DeleteAll()
}
