package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/slotem-chrono/internal/display"
	"github.com/psantana5/slotem-chrono/pkg/engine"
	"github.com/psantana5/slotem-chrono/pkg/logging"
	"github.com/psantana5/slotem-chrono/pkg/metrics"
	"github.com/psantana5/slotem-chrono/pkg/shutdown"
	"github.com/psantana5/slotem-chrono/pkg/signal"
	tlsutil "github.com/psantana5/slotem-chrono/pkg/tls"
	"github.com/psantana5/slotem-chrono/pkg/tracing"
)

var displayCmd = &cobra.Command{
	Use:   "display",
	Short: "Run both chronometers",
	Long: `Connects to the relay's push channel, resets a chronometer on every "1" or
"2" token and serves the current values on /snapshot, /history and /ws.`,
	RunE: runDisplay,
}

func init() {
	rootCmd.AddCommand(displayCmd)

	displayCmd.Flags().String("endpoint", "", "push channel endpoint (default ws://localhost:8080/ws)")
	displayCmd.Flags().String("listen", "", "listen address (default :8090)")
	displayCmd.Flags().Bool("render", false, "draw both chronos on the terminal")
	displayCmd.Flags().Bool("strict", false, "drop the connection on unknown tokens")
	displayCmd.Flags().Bool("archive-first-reset", false, "archive a zero entry on a lane's first reset")

	viper.BindPFlag("display.endpoint", displayCmd.Flags().Lookup("endpoint"))
	viper.BindPFlag("display.listen", displayCmd.Flags().Lookup("listen"))
	viper.BindPFlag("display.render", displayCmd.Flags().Lookup("render"))
	viper.BindPFlag("display.strict_tokens", displayCmd.Flags().Lookup("strict"))
	viper.BindPFlag("display.archive_first_reset", displayCmd.Flags().Lookup("archive-first-reset"))
}

func runDisplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, "display")
	if err != nil {
		return err
	}
	defer logger.Close()

	sm := shutdown.New(15*time.Second, logger)
	rotateLogs(cfg, logger, sm)

	tp, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "chrono-display",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		return err
	}
	sm.Register("tracer", tp.Shutdown)

	var engineOpts []engine.Option
	if cfg.Display.ArchiveFirstReset {
		engineOpts = append(engineOpts, engine.WithArchiveFirstReset())
	}
	if !cfg.Display.ClampNegative {
		engineOpts = append(engineOpts, engine.WithoutClamp())
	}

	var channelOpts []signal.Option
	if cfg.Display.StrictTokens {
		channelOpts = append(channelOpts, signal.WithStrictTokens())
	}
	if cfg.Display.IdleTimeout > 0 {
		channelOpts = append(channelOpts, signal.WithIdleTimeout(cfg.Display.IdleTimeout))
	}
	key := cfg.Display.APIKey
	if key == "" {
		key = apiKey
	}
	if key != "" {
		channelOpts = append(channelOpts, signal.WithAPIKey(key))
	}
	if cfg.Display.CAFile != "" {
		tlsCfg, err := tlsutil.LoadClientConfig(cfg.Display.CAFile)
		if err != nil {
			return err
		}
		channelOpts = append(channelOpts, signal.WithTLSConfig(tlsCfg))
	}

	m := metrics.New()
	opts := display.Options{
		Endpoint:       cfg.Display.Endpoint,
		TickInterval:   cfg.Display.TickInterval,
		PushInterval:   cfg.Display.PushInterval,
		Reconnect:      cfg.Reconnect.Retry(),
		EngineOptions:  engineOpts,
		ChannelOptions: channelOpts,
		Metrics:        m,
		Logger:         logger,
	}
	if cfg.Display.Render {
		opts.Render = os.Stdout
	}
	svc := display.New(opts)

	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(tp))
	svc.Handler().RegisterRoutes(router)
	router.Handle("/metrics", metrics.NewExporter("display", m.Registry())).Methods("GET")

	srv := &http.Server{
		Addr:        cfg.Display.Listen,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	ctx, cancel := sm.Context()
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		logger.Info("Display service starting", logging.Fields{
			"endpoint": cfg.Display.Endpoint,
			"listen":   cfg.Display.Listen,
		})
		runErr <- svc.Run(ctx)
		sm.Trigger()
	}()
	var serviceErr error
	sm.Register("engine", func(context.Context) error {
		cancel()
		serviceErr = <-runErr
		return nil
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Display server failed", logging.Fields{"error": err.Error()})
			sm.Trigger()
		}
	}()
	sm.Register("http", shutdown.StopHTTPServer(srv, "display"))

	sm.WaitWithContext(context.Background())
	if cfg.Display.Render {
		fmt.Println()
	}
	if serviceErr != nil {
		return fmt.Errorf("display service stopped: %w", serviceErr)
	}
	return nil
}
