package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/legatohq/legato/internal/config"
)

var configureForce bool

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a starter configuration file",
	Long: `Write a configuration file with default values.
Edit the generated file to add provider credentials (api_key, model)
and the bridge gateway URL before starting the daemon.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().BoolVar(&configureForce, "force", false, "overwrite an existing configuration file")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()

	if _, err := os.Stat(configPath); err == nil && !configureForce {
		return fmt.Errorf("configuration already exists at %s (use --force to overwrite)", configPath)
	}

	cfg := config.DefaultConfig()
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Printf("Configuration written to: %s\n", configPath)
	fmt.Println("\nAdd at least one provider profile (api_key, model) and set")
	fmt.Println("bridge.gateway_url, then start the daemon with: legato start")

	return nil
}
