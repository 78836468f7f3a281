package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/ccproxy/internal/app"
	"github.com/jordanhubbard/ccproxy/internal/clientcfg"
	"github.com/jordanhubbard/ccproxy/internal/daemon"
	"github.com/jordanhubbard/ccproxy/internal/logging"
)

const shutdownTimeout = 30 * time.Second

var startFlags struct {
	configure bool
	listen    string
	logLevel  string
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy in the foreground",
	Long: `Start the proxy and serve until SIGINT or SIGTERM.

SIGHUP reloads the provider file and re-reads CCPROXY_LOG_LEVEL.
Only one instance may run per CCPROXY_HOME.

Examples:
  # Start and configure Claude Code and Codex to use the proxy
  ccproxy start --configure

  # Listen on loopback only
  ccproxy start --listen 127.0.0.1:18100`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().BoolVar(&startFlags.configure, "configure", false, "write Claude Code and Codex settings pointing at this proxy")
	startCmd.Flags().StringVarP(&startFlags.listen, "listen", "l", "", "override listen address")
	startCmd.Flags().StringVar(&startFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}

func loadConfig() (app.Config, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return app.Config{}, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if startFlags.listen != "" {
		cfg.ListenAddr = startFlags.listen
	}
	if startFlags.logLevel != "" {
		cfg.LogLevel = startFlags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	pid := daemon.NewPIDFile(cfg.PIDFile())
	if err := pid.Acquire(); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			return fmt.Errorf("%w; run 'ccproxy stop' first", err)
		}
		return err
	}
	defer func() { _ = pid.Remove() }()

	srv, err := app.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("server init error: %w", err)
	}
	logger := slog.Default()

	advertised := clientcfg.AdvertisedAddr(cfg.ListenAddr, nil, logger)
	if startFlags.configure {
		configureClients(advertised, logger)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		_ = srv.Close()
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		_ = ln.Close()
		_ = srv.Close()
		return fmt.Errorf("server start error: %w", err)
	}

	httpServer := &http.Server{
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: streamed completions can run for many minutes.
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	printBanner(cmd, cfg, advertised, srv.ProviderFile())
	logger.Info("ccproxy listening",
		slog.String("addr", cfg.ListenAddr),
		slog.String("advertised", advertised),
		slog.String("version", Version))

	// SIGHUP: reload providers and the log level without restarting.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)
	go func() {
		for range reload {
			logger.Info("SIGHUP received, reloading")
			if newCfg, err := app.LoadConfig(); err != nil {
				logger.Warn("config reload error, keeping current log level", slog.String("error", err.Error()))
			} else {
				logging.SetLevel(newCfg.LogLevel)
			}
			_ = srv.Reload()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	var runErr error
	select {
	case sig := <-stop:
		logger.Info("shutting down (draining in-flight requests)", slog.String("signal", sig.String()))
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("serve: %w", err)
			logger.Error("server stopped", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown error", slog.String("error", err.Error()))
	}
	cancel()
	if err := srv.Close(); err != nil {
		logger.Warn("server close error", slog.String("error", err.Error()))
	}
	logger.Info("shutdown complete")
	return runErr
}

func configureClients(addr string, logger *slog.Logger) {
	paths, err := clientcfg.DefaultPaths()
	if err == nil {
		err = clientcfg.ConfigureAll(paths, addr, logger)
	}
	if err != nil {
		logger.Warn("failed to configure CLI tools; configure Claude Code and Codex manually",
			slog.String("error", err.Error()))
	}
}

func printBanner(cmd *cobra.Command, cfg app.Config, advertised, providerFile string) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "ccproxy is running")
	fmt.Fprintf(out, "  Listening on:   http://%s\n", cfg.ListenAddr)
	fmt.Fprintf(out, "  Share this URL: %s\n", clientcfg.BaseURL(advertised))
	fmt.Fprintln(out, "  Claude Code:    POST /v1/messages")
	fmt.Fprintln(out, "  Codex:          POST /responses")
	fmt.Fprintf(out, "  Providers:      %s\n", providerFile)
}
