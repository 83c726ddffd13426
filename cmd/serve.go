package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabfab/go-assistant/api"
	"github.com/fabfab/go-assistant/session"
)

const (
	shutdownTimeout = 15 * time.Second
	sessionSweep    = time.Hour
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.setup()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rt, err := openRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			provider := session.NewOIDCProvider(cfg.OIDC, cfg.PublicURL+"/auth/callback", nil)
			sessionStore := session.NewPostgresStore(rt.pool)
			sessions := session.NewManager(
				provider,
				sessionStore,
				session.NewSigner(cfg.SessionSecret, cfg.SessionTTL),
				strings.HasPrefix(cfg.PublicURL, "https://"),
				logger.Named("session"),
			)
			conns := rt.connections()

			assistant, err := rt.assistant(provider, conns)
			if err != nil {
				return err
			}

			server := api.New(api.Dependencies{
				Sessions:    sessions,
				Assistant:   assistant,
				Documents:   rt.documents,
				Permissions: rt.authz,
				Retriever:   rt.index,
				Connections: conns,
			}, api.Options{
				CORSOrigins: cfg.CORSOrigins,
				FrontendURL: cfg.FrontendURL,
			}, logger.Named("api"))

			go sweepSessions(ctx, sessionStore, logger)
			return listen(ctx, cfg.HTTPAddr, server, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}

// listen serves handler on addr until ctx is cancelled, then drains in-flight
// requests.
func listen(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

type expiredSessionDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

func sweepSessions(ctx context.Context, store expiredSessionDeleter, logger *zap.Logger) {
	ticker := time.NewTicker(sessionSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.DeleteExpired(ctx)
			if err != nil {
				logger.Warn("delete expired sessions", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("deleted expired sessions", zap.Int64("count", n))
			}
		}
	}
}
