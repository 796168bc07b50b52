// Command mockprovider serves canned OpenRouter, Anthropic admin and Codex
// usage data plus a LiteLLM pricing table, for local runs and e2e tests.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opscost/opscost/internal/logging"
	"github.com/opscost/opscost/test/mockprovider"
)

func main() {
	addr := flag.String("addr", ":8888", "Listen address for the mock usage and pricing endpoints")
	pageSize := flag.Int("page-size", 1, "Buckets per Anthropic usage report page")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), `Usage: %s [flags]

Serves fake provider usage for opscost:
  GET  /api/v1/auth/key, /api/v1/activity            OpenRouter (Bearer %s)
  GET  /v1/organizations/usage_report/messages       Anthropic admin (x-api-key %s)
  POST /oauth/token, /backend-api/codex/responses/compact   Codex (refresh token %s)
  GET  /pricing.json                                 LiteLLM-shaped price table
  POST /_test/reset, /_test/config                   reset data or inject failures

Flags:
`, os.Args[0], mockprovider.OpenRouterKey, mockprovider.AnthropicAdminKey, mockprovider.CodexRefreshToken)
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := logging.Setup(logging.Config{Level: *logLevel, Format: "text"})

	state := mockprovider.NewState()
	state.SetPageSize(*pageSize)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mockprovider.NewServer(state).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mock usage provider listening", slog.String("addr", *addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("mock usage provider failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("mock usage provider shutdown failed", slog.String("error", err.Error()))
	}
	logger.Info("mock usage provider stopped")
}
