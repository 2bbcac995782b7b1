package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/slotem-chrono/pkg/auth"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long:  `Prints defaults merged with the config file, CHRONO_* environment variables and flags.`,
	RunE:  runConfigShow,
}

var configKeyCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an API key and its bcrypt hash",
	Long: `Prints a new API key for detectors and displays, and the hash to put in
relay.api_key_hash. Only the hash belongs on the relay.`,
	RunE: runConfigKeygen,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configKeyCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	if f := viper.ConfigFileUsed(); f != "" {
		fmt.Fprintf(os.Stderr, "# from %s\n", f)
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(viper.AllSettings()); err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return enc.Close()
}

func runConfigKeygen(cmd *cobra.Command, args []string) error {
	key, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}
	hash, err := auth.HashKey(key)
	if err != nil {
		return err
	}
	fmt.Printf("api_key:      %s\n", key)
	fmt.Printf("api_key_hash: %s\n", hash)
	return nil
}
