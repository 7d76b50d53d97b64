package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lewtec/tracker/tracker"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tracker [folder|config.yaml]",
	Short: "Track image annotation records across workers",
	Long: strings.TrimSpace(`
Keep the authoritative annotation record for every image across two camera
partitions, hand units of work to annotators, derive per-image lifecycle
status and mirror per-worker ledgers for spreadsheet review.
    `),
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, err := resolveConfigPath(cmd, args)
		if err != nil {
			return err
		}

		config, err := tracker.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		app, err := tracker.NewApp(config)
		if err != nil {
			return fmt.Errorf("failed to build application: %w", err)
		}

		log.Printf("Configuration: %s", configFile)
		log.Printf("Data directory: %s", config.DataDir)
		if config.Mirror.Enabled {
			log.Printf("Mirror ledgers: %s", config.Mirror.Dir)
		}
		log.Printf("Starting server on: %s", config.ListenAddr)

		server := &http.Server{Addr: config.ListenAddr, Handler: app.GetHTTPHandler()}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- server.ListenAndServe() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		log.Printf("shutting down")
		if err := server.Shutdown(context.Background()); err != nil {
			log.Printf("error: while shutting down the server: %s", err)
		}
		if err := app.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("while flushing stores at shutdown: %w", err)
		}
		return nil
	},
}

// resolveConfigPath handles the folder-vs-config positional argument and
// the --config flag, bootstrapping a sample config into bare folders.
func resolveConfigPath(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		arg := args[0]
		if stat, err := os.Stat(arg); err == nil && stat.IsDir() {
			log.Printf("Detected folder argument: %s", arg)
			configFile := filepath.Join(arg, "config.yaml")
			if _, err := os.Stat(configFile); os.IsNotExist(err) {
				log.Printf("Creating default config: %s", configFile)
				if err := createSampleConfig(configFile, arg); err != nil {
					return "", fmt.Errorf("failed to create config: %w", err)
				}
			}
			return configFile, nil
		}
		return arg, nil
	}

	configFile, err := cmd.Flags().GetString("config")
	if err != nil || configFile == "" {
		return "", errors.New("either provide a folder/config argument or use --config flag")
	}
	return configFile, nil
}

func createSampleConfig(path, dataDir string) error {
	content := fmt.Sprintf(`meta:
  description: |
    Annotation tracking project. Edit this description.
data_dir: %s
listen_addr: ":8080"
admin:
  password: change-me
mirror:
  enabled: false
  dir: ledgers
  attempts: 5
  base_delay: 500ms
`, dataDir)
	return os.WriteFile(path, []byte(content), 0o644)
}

// openApp builds the application for one-shot subcommands.
func openApp(cmd *cobra.Command) (*tracker.App, *tracker.Config, error) {
	configFile, err := cmd.Flags().GetString("config")
	if err != nil || configFile == "" {
		return nil, nil, errors.New("--config flag is required")
	}
	config, err := tracker.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	app, err := tracker.NewApp(config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build application: %w", err)
	}
	return app, config, nil
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file for the tracker")
}
