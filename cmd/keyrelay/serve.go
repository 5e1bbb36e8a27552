package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/keyrelay/keyrelay/internal/backend"
	"github.com/keyrelay/keyrelay/internal/config"
	"github.com/keyrelay/keyrelay/internal/keychecker"
	"github.com/keyrelay/keyrelay/internal/keypool"
	"github.com/keyrelay/keyrelay/internal/logger"
	"github.com/keyrelay/keyrelay/internal/pipeline"
	"github.com/keyrelay/keyrelay/internal/queue"
	"github.com/keyrelay/keyrelay/internal/server"
	"github.com/keyrelay/keyrelay/internal/upstreamproxy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the keyrelay proxy server",
	Long: `Start the proxy server that accepts client requests in any of the
supported wire formats, queues them against the right service's key
pool, and dispatches them upstream.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(os.LookupEnv)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}

	providers := cfg.Services.Providers(cfg.Selection.ProviderConfig())
	pool := keypool.NewPool(providers, nil)

	checkers := startCheckers(cfg, providers, &log)
	defer stopCheckers(checkers)

	manager := queue.NewManager(pool, &log)
	manager.Start()
	defer manager.Stop()

	srv := server.New(server.Config{
		Pool:         pool,
		Preprocessor: pipeline.NewPreprocessor(pool, nil),
		Queue:        manager,
		Dispatcher:   upstreamproxy.NewDispatcher(pool, &log),
		Logger:       log,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})

	h2s := &http2.Server{}
	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           h2c.NewHandler(srv.Handler(), h2s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return runWithGracefulShutdown(cmd.Context(), httpServer, &log)
}

// startCheckers launches one background key-capability checker per
// configured provider, unless CHECK_KEYS disables the feature.
func startCheckers(cfg *config.Config, providers []keypool.Provider, log *zerolog.Logger) []*keychecker.Checker {
	if !cfg.Checker.Enabled {
		return nil
	}

	checkerCfg := keychecker.Config{}
	cfg.Checker.Interval.ForEach(func(d time.Duration) { checkerCfg.Interval = d })

	checkers := make([]*keychecker.Checker, 0, len(providers))
	for _, p := range providers {
		desc, ok := backend.Lookup(p.Service())
		if !ok {
			continue
		}
		prober := keychecker.NewHTTPProber(desc, nil)
		c := keychecker.NewChecker(p.Service(), p, prober, checkerCfg, log)
		c.Start()
		checkers = append(checkers, c)
	}
	return checkers
}

func stopCheckers(checkers []*keychecker.Checker) {
	for _, c := range checkers {
		c.Stop()
	}
}

// runWithGracefulShutdown serves httpServer until SIGINT/SIGTERM, then
// drains in-flight connections before returning.
func runWithGracefulShutdown(ctx context.Context, httpServer *http.Server, log *zerolog.Logger) error {
	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Info().Msg("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		close(done)
	}()

	log.Info().Str("listen", httpServer.Addr).Msg("starting keyrelay")

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server error")
		return err
	}

	<-done
	log.Info().Msg("server stopped")
	return nil
}
