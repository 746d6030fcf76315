// Package main is the entry point for the fetchgate binary.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	tlspkg "github.com/polisai/fetchgate/internal/tls"
	"github.com/polisai/fetchgate/pkg/config"
	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/ipc"
	"github.com/polisai/fetchgate/pkg/logging"
	"github.com/polisai/fetchgate/pkg/network"
	"github.com/polisai/fetchgate/pkg/storage"
	"github.com/polisai/fetchgate/pkg/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fetchgate",
		Short: "Secure network request processing service",
		Long: `fetchgate fetches resources on behalf of clients of varying trust.

Every request is bound to an isolated security context, driven through a
staged lifecycle and checked against private network access, CORP and
opaque response blocking before any byte reaches the client.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().String("env-file", ".env", "Environment file loaded before the configuration")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(), newValidateCmd(), newGenCertCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the request service with its IPC listeners and admin server",
		RunE:  runServe,
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration, including operator rules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if _, err := cfg.Policy.LoadRules(cmd.Context()); err != nil {
				return fmt.Errorf("policy rules: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "configuration valid: %d listener(s), storage %s, pna %s, orb %s\n",
				len(cfg.Listeners), cfg.Storage.Driver, cfg.Policy.PNAMode, cfg.Policy.ORBMode)
			return nil
		},
	}
}

func newGenCertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gen-cert",
		Short: "Generate a self-signed key pair for a TLS listener",
		RunE: func(cmd *cobra.Command, _ []string) error {
			outDir, _ := cmd.Flags().GetString("output-dir")
			cn, _ := cmd.Flags().GetString("cn")
			hosts, _ := cmd.Flags().GetString("hosts")
			validFor, _ := cmd.Flags().GetDuration("valid-for")

			opts := tlspkg.GenerateOptions{CommonName: cn, ValidFor: validFor}
			for _, h := range strings.Split(hosts, ",") {
				h = strings.TrimSpace(h)
				if h == "" {
					continue
				}
				if ip := net.ParseIP(h); ip != nil {
					opts.IPAddresses = append(opts.IPAddresses, ip)
				} else {
					opts.DNSNames = append(opts.DNSNames, h)
				}
			}
			certPEM, keyPEM, err := tlspkg.GenerateSelfSigned(opts)
			if err != nil {
				return err
			}
			certFile := filepath.Join(outDir, "cert.pem")
			keyFile := filepath.Join(outDir, "key.pem")
			if err := tlspkg.WriteFiles(certPEM, keyPEM, certFile, keyFile); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", certFile, keyFile)
			return nil
		},
	}
	cmd.Flags().String("output-dir", ".", "Directory for cert.pem and key.pem")
	cmd.Flags().String("cn", "localhost", "Common name of the certificate")
	cmd.Flags().String("hosts", "", "Comma-separated DNS names and IP addresses")
	cmd.Flags().Duration("valid-for", 365*24*time.Hour, "Certificate validity")
	return cmd
}

// loadConfig reads the env file, the configuration and flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func buildStorage(cfg config.StorageConfig, logger *slog.Logger) (storage.Backend, error) {
	switch cfg.Driver {
	case "sqlite":
		return storage.NewSQLBackend(storage.SQLBackendConfig{DSN: cfg.DSN, Logger: logger})
	default:
		return storage.NewMemoryBackend(), nil
	}
}

func buildService(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics, logger *slog.Logger) (*network.Service, error) {
	backend, err := buildStorage(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	rules, err := cfg.Policy.LoadRules(ctx)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("policy rules: %w", err)
	}
	policy, err := cfg.Policy.ToNetwork()
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	svc, err := network.Init(network.Params{
		Storage:      backend,
		Transport:    cfg.Transport,
		Policy:       policy,
		Rules:        rules,
		MaxRedirects: cfg.Network.MaxRedirects,
		Breaker:      cfg.Network.Breaker,
		ChunkSize:    cfg.Network.ChunkSize,
		Metrics:      metrics,
		Logger:       logger,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return svc, nil
}

func adminHandler(svc *network.Service, metrics *telemetry.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := svc.Err(); err != nil {
			http.Error(w, "terminated: "+domain.CodeOf(err), http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintf(w, "active=%d silos=%d\n", svc.Active(), len(svc.Silos()))
	})
	return otelhttp.NewHandler(metrics.Middleware(mux), "fetchgate.admin")
}

// ipcServer builds the HTTP server of one listener. The returned key pair is
// nil unless the listener terminates TLS.
func ipcServer(baseCtx context.Context, svc *network.Service, l config.ListenerConfig, metrics *telemetry.Metrics, logger *slog.Logger) (*http.Server, *tlspkg.KeyPair, error) {
	handler, err := ipc.NewServer(svc, ipc.Config{
		Trust:            l.TrustLevel(),
		Profile:          l.Profile,
		AllowKeyOverride: l.AllowKeyOverride,
		TopFrameOrigin:   l.TopFrameOrigin,
		FrameScope:       l.FrameScope,
		InitiatorLock:    l.InitiatorLock,
		RateLimit:        l.RateLimit,
		OriginPatterns:   l.OriginPatterns,
		Metrics:          metrics,
		Logger:           logger,
	})
	if err != nil {
		return nil, nil, err
	}
	mux := http.NewServeMux()
	mux.Handle(l.Path, handler)

	server := &http.Server{
		Addr:              l.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	if l.TLS == nil || !l.TLS.Enabled {
		return server, nil, nil
	}
	keyPair, err := tlspkg.NewKeyPair(l.TLS.CertFile, l.TLS.KeyFile, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("listener %s: %w", l.Address, err)
	}
	server.TLSConfig = keyPair.ServerConfig(l.TLS.MinVersion)
	return server, keyPair, nil
}

func serve(server *http.Server, errCh chan<- error) {
	var err error
	if server.TLSConfig != nil {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("server %s: %w", server.Addr, err)
	}
}

// watchPolicy applies every reloaded policy to the running service.
func watchPolicy(updates <-chan *config.Config, svc *network.Service, logger *slog.Logger) {
	for cfg := range updates {
		policy, err := cfg.Policy.ToNetwork()
		if err != nil {
			logger.Error("reloaded policy rejected", "error", err)
			continue
		}
		rules, err := cfg.Policy.LoadRules(context.Background())
		if err != nil {
			logger.Error("reloaded rules rejected", "error", err)
			continue
		}
		if err := svc.ApplyPolicy(policy); err != nil {
			logger.Error("failed to apply policy", "error", err)
			continue
		}
		svc.SetRules(rules)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := logging.SetupLogger(cfg.Logging)
	metrics := telemetry.NewMetrics()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, cfg.Telemetry.TelemetryProvider())
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	svc, err := buildService(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}

	// Cancelled on shutdown so IPC sessions close their sockets.
	baseCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	admin := &http.Server{
		Addr:              cfg.Server.AdminAddress,
		Handler:           adminHandler(svc, metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{admin}
	for _, l := range cfg.Listeners {
		server, keyPair, err := ipcServer(baseCtx, svc, l, metrics, logger)
		if err != nil {
			_ = svc.Shutdown(context.Background())
			return err
		}
		if keyPair != nil {
			defer func() { _ = keyPair.Close() }()
		}
		servers = append(servers, server)
	}

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		watcher, err := config.NewFileWatcher(path, logger, metrics)
		if err != nil {
			_ = svc.Shutdown(context.Background())
			return err
		}
		defer func() { _ = watcher.Close() }()
		go watchPolicy(watcher.Subscribe(), svc, logger)
	}

	errCh := make(chan error, len(servers))
	for _, server := range servers {
		go serve(server, errCh)
	}
	for _, l := range cfg.Listeners {
		logger.Info("IPC listener started", "addr", l.Address, "path", l.Path, "trust", l.Trust)
	}
	logger.Info("fetchgate started", "admin", cfg.Server.AdminAddress, "listeners", len(cfg.Listeners))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case <-svc.Terminated():
		runErr = svc.Err()
		logger.Error("Request processing terminated", "error", runErr)
	case runErr = <-errCh:
		logger.Error("Server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	cancelSessions()
	shutdownAll(shutdownCtx, servers, svc, logger)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("Tracer shutdown error", "error", err)
	}
	logger.Info("Shutdown complete")
	return runErr
}

func shutdownAll(ctx context.Context, servers []*http.Server, svc *network.Service, logger *slog.Logger) {
	for _, server := range servers {
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "addr", server.Addr, "error", err)
		}
	}
	if err := svc.Shutdown(ctx); err != nil {
		logger.Error("Service shutdown error", "error", err)
	}
}
