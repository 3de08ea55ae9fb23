package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the batch fetch HTTP API",
		Long: `Starts the HTTP API (POST /v1/fetch, GET /v1/stats, /healthz,
/readyz, /metrics) together with the memory watchdog. The listen port comes
from --port, then $PORT, then server.port.`,
		RunE: runServe,
	}
	cmd.Flags().Int("port", 0, "override server.port")
	cmd.Flags().Int("concurrency", 0, "override fetch.max_concurrent_requests")
	cmd.Flags().String("backend", "", "override backend.kind (http or browser)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger
	port := listenPort(cmd, appInstance.Config.Server.Port)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           appInstance.NewServer().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error { return appInstance.Background(gctx) })
	g.Go(func() error {
		logger.Info("http server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func listenPort(cmd *cobra.Command, configured int) int {
	if cmd.Flags().Changed("port") {
		return configured
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			return p
		}
	}
	return configured
}
