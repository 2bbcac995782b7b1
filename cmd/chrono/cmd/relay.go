package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/slotem-chrono/pkg/api"
	"github.com/psantana5/slotem-chrono/pkg/auth"
	"github.com/psantana5/slotem-chrono/pkg/logging"
	"github.com/psantana5/slotem-chrono/pkg/metrics"
	"github.com/psantana5/slotem-chrono/pkg/ratelimit"
	"github.com/psantana5/slotem-chrono/pkg/retry"
	"github.com/psantana5/slotem-chrono/pkg/shutdown"
	"github.com/psantana5/slotem-chrono/pkg/store"
	tlsutil "github.com/psantana5/slotem-chrono/pkg/tls"
	"github.com/psantana5/slotem-chrono/pkg/tracing"
)

var (
	generateCert bool
	certHosts    string
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the lap relay",
	Long: `Receives crossings from the lane detectors on POST /lap/{id} and pushes the
lane token to every display subscribed on /ws.`,
	RunE: runRelay,
}

func init() {
	rootCmd.AddCommand(relayCmd)

	relayCmd.Flags().String("listen", "", "listen address (default :8080)")
	relayCmd.Flags().String("store", "", "crossing store: memory, sqlite or postgres")
	relayCmd.Flags().String("dsn", "", "SQLite path or PostgreSQL connection string")
	relayCmd.Flags().String("upload-dir", "", "directory for detector images")
	relayCmd.Flags().String("cert", "", "TLS certificate file")
	relayCmd.Flags().String("key", "", "TLS key file")
	relayCmd.Flags().BoolVar(&generateCert, "generate-cert", false, "generate a self-signed certificate at --cert/--key and exit")
	relayCmd.Flags().StringVar(&certHosts, "cert-hosts", "", "comma-separated IPs or hostnames to add to the certificate")

	viper.BindPFlag("relay.listen", relayCmd.Flags().Lookup("listen"))
	viper.BindPFlag("relay.store", relayCmd.Flags().Lookup("store"))
	viper.BindPFlag("relay.dsn", relayCmd.Flags().Lookup("dsn"))
	viper.BindPFlag("relay.upload_dir", relayCmd.Flags().Lookup("upload-dir"))
	viper.BindPFlag("relay.cert_file", relayCmd.Flags().Lookup("cert"))
	viper.BindPFlag("relay.key_file", relayCmd.Flags().Lookup("key"))
}

func runRelay(cmd *cobra.Command, args []string) error {
	if generateCert {
		return runGenerateCert()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, "relay")
	if err != nil {
		return err
	}
	defer logger.Close()

	sm := shutdown.New(30*time.Second, logger)
	rotateLogs(cfg, logger, sm)

	tp, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "chrono-relay",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		return err
	}
	sm.Register("tracer", tp.Shutdown)

	st, err := store.OpenWithRetry(cmd.Context(), store.Config{Type: cfg.Relay.Store, DSN: cfg.Relay.DSN}, retry.Config{
		MaxRetries:     5,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
	})
	if err != nil {
		return fmt.Errorf("failed to open crossing store: %w", err)
	}
	sm.Register("store", shutdown.CloseResource(st, "store"))
	logger.Info("Crossing store ready", logging.Fields{"type": cfg.Relay.Store})

	verifier, err := auth.NewKeyVerifier(cfg.Relay.APIKeyHash)
	if err != nil {
		return err
	}
	if verifier.Enabled() {
		logger.Info("API key authentication enabled")
	}

	var limiter *ratelimit.Limiter
	if cfg.Relay.RateLimitRPS > 0 {
		limiter = ratelimit.NewLimiter(cfg.Relay.RateLimitRPS, cfg.Relay.RateLimitBurst)
		stopCleanup := make(chan struct{})
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					limiter.CleanupOldLimiters(10 * time.Minute)
				case <-stopCleanup:
					return
				}
			}
		}()
		sm.Register("ratelimit", func(context.Context) error {
			close(stopCleanup)
			return nil
		})
	}

	m := metrics.New()
	hub := api.NewHub("relay", logger, m)
	sm.Register("hub", shutdown.CloseResource(hub, "relay hub"))

	handler := api.NewRelayHandler(api.RelayConfig{
		Store:     st,
		Hub:       hub,
		UploadDir: cfg.Relay.UploadDir,
		Limiter:   limiter,
		Verifier:  verifier,
		Tracer:    tp,
		Recorder:  m,
		Logger:    logger,
	})

	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(tp))
	handler.RegisterRoutes(router)
	router.Handle("/metrics", metrics.NewExporter("relay", m.Registry())).Methods("GET")

	srv := &http.Server{
		Addr:        cfg.Relay.Listen,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	if cfg.Relay.CertFile != "" {
		srv.TLSConfig, err = tlsutil.LoadServerConfig(cfg.Relay.CertFile, cfg.Relay.KeyFile)
		if err != nil {
			return err
		}
	}
	sm.Register("http", shutdown.StopHTTPServer(srv, "relay"))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Relay listening", logging.Fields{
			"addr": cfg.Relay.Listen,
			"tls":  srv.TLSConfig != nil,
		})
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
			sm.Trigger()
		}
	}()

	sm.WaitWithContext(context.Background())
	select {
	case err := <-errCh:
		return fmt.Errorf("relay server failed: %w", err)
	default:
		return nil
	}
}

func runGenerateCert() error {
	certFile := viper.GetString("relay.cert_file")
	keyFile := viper.GetString("relay.key_file")
	if certFile == "" {
		certFile = filepath.Join("certs", "relay.crt")
	}
	if keyFile == "" {
		keyFile = filepath.Join("certs", "relay.key")
	}
	for _, dir := range []string{filepath.Dir(certFile), filepath.Dir(keyFile)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	var hosts []string
	for _, h := range strings.Split(certHosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	if err := tlsutil.GenerateSelfSignedCert(certFile, keyFile, "chrono-relay", hosts...); err != nil {
		return err
	}
	fmt.Printf("Certificate: %s\nKey:         %s\n", certFile, keyFile)
	fmt.Println("Point display.ca_file at the certificate to dial wss://")
	return nil
}
