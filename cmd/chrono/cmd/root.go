package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/slotem-chrono/internal/config"
	"github.com/psantana5/slotem-chrono/pkg/logging"
	"github.com/psantana5/slotem-chrono/pkg/shutdown"
	"github.com/psantana5/slotem-chrono/pkg/tracing"
)

var (
	cfgFile      string
	outputFormat string
	relayURL     string
	displayURL   string
	apiKey       string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "chrono",
	Short: "Dual lap chronometer for slot car tracks",
	Long: `chrono runs the two services of a slot car lap timer and talks to them.

  chrono relay     receives crossings from the lane detectors and pushes "1"/"2"
  chrono display   runs both chronometers from the relay's push channel
  chrono lap       reports a crossing, like a detector does`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.chrono/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&relayURL, "relay", "", "relay URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&displayURL, "display", "", "display service URL (default from config or http://localhost:8090)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key sent as a bearer token (or CHRONO_API_KEY)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	config.SetDefaults(viper.GetViper())
	viper.SetDefault("relay_url", "http://localhost:8080")
	viper.SetDefault("display_url", "http://localhost:8090")
	viper.SetDefault("api_key", "")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".chrono"))
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	config.BindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
	}

	if relayURL == "" {
		relayURL = viper.GetString("relay_url")
	}
	if displayURL == "" {
		displayURL = viper.GetString("display_url")
	}
	if apiKey == "" {
		apiKey = viper.GetString("api_key")
	}
}

// loadConfig returns the validated effective configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

// newLogger builds the logger for a long-running command.
func newLogger(cfg *config.Config, component string) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.File {
		return logging.NewFileLogger(component, level, cfg.Log.JSON)
	}
	return logging.NewLogger(level, cfg.Log.JSON).WithField("component", component), nil
}

// rotateLogs keeps a file logger under log.max_size_mb until shutdown.
func rotateLogs(cfg *config.Config, logger *logging.Logger, sm *shutdown.Manager) {
	if !cfg.Log.File {
		return
	}
	stop := logger.StartRotation(cfg.Log.RotateInterval, cfg.Log.MaxSizeMB<<20)
	sm.Register("log rotation", func(context.Context) error {
		stop()
		return nil
	})
}

// GetRelayURL returns the relay URL with trailing slashes removed
func GetRelayURL() string {
	return strings.TrimRight(relayURL, "/")
}

// GetDisplayURL returns the display URL with trailing slashes removed
func GetDisplayURL() string {
	return strings.TrimRight(displayURL, "/")
}

// CreateAuthenticatedRequest creates an HTTP request with authentication header if API key is configured
func CreateAuthenticatedRequest(method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req, nil
}

// doRequest sends req under a client span and returns the body of a 200
// response. The span's context travels in the request headers.
func doRequest(req *http.Request) ([]byte, error) {
	tp, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "chrono-cli",
		ServiceVersion: "1.0.0",
		Environment:    viper.GetString("tracing.environment"),
		OTLPEndpoint:   viper.GetString("tracing.endpoint"),
		Enabled:        viper.GetBool("tracing.enabled"),
	}, nil)
	if err != nil {
		return nil, err
	}
	defer tp.Shutdown(context.Background())

	req, span := tp.TraceRequest(req)
	defer span.End()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		tracing.SetError(req.Context(), err)
		return nil, fmt.Errorf("failed to reach %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
