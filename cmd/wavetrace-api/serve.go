package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the document history API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Documents:      rt.manager,
		Metrics:        promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{Registry: rt.registry}),
		AllowedOrigins: rt.config.CORSAllowedOrigins,
		Logger:         rt.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    rt.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		if err := rt.manager.CloseAll(shutdownCtx); err != nil {
			rt.logger.Error("closing document sessions failed", zap.Error(err))
			shutdownErr = errors.Join(shutdownErr, err)
		}
		return shutdownErr
	case err := <-errCh:
		if closeErr := rt.manager.CloseAll(context.Background()); closeErr != nil {
			rt.logger.Error("closing document sessions failed", zap.Error(closeErr))
		}
		return err
	}
}
