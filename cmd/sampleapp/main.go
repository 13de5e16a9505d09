package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/lookout-dev/lookout/internal/config"
	"github.com/lookout-dev/lookout/internal/logger"
	"github.com/lookout-dev/lookout/pkg/telemetry"
)

// sampleapp is a demo instrumented service generating traffic patterns that
// exercise the collector's classifier rules.
func main() {
	log := logger.New("sampleapp", slog.LevelInfo)
	addr := config.GetString("SAMPLE_APP_ADDR", ":4000")
	collectorURL := config.GetString("COLLECTOR_URL", "http://localhost:8080")
	serviceName := config.GetString("SAMPLE_APP_NAME", "sample-service")

	emitter, err := telemetry.NewEmitter(collectorURL, nil)
	if err != nil {
		log.Error("failed to build telemetry emitter", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/fast", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, `{"msg":"fast"}`)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, req *http.Request) {
		time.Sleep(800 * time.Millisecond)
		writeJSON(w, http.StatusOK, `{"msg":"slow"}`)
	})
	mux.HandleFunc("/error", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{"error":"server error"}`)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           telemetry.Middleware(serviceName, emitter, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errorCh := make(chan error, 1)
	go func() {
		log.Info("sample app starting", "addr", addr, "collector", collectorURL)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("sample app stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
