package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/teemow/inboxmeet/internal/config"
	"github.com/teemow/inboxmeet/internal/google"
	"github.com/teemow/inboxmeet/internal/logging"
)

// rootCmd represents the base command for the inboxmeet application
var rootCmd = &cobra.Command{
	Use:   "inboxmeet",
	Short: "Turns meeting requests in your inbox into calendar bookings",
	Long: `inboxmeet reads meeting proposals from your Gmail inbox, checks them against
your Google Calendar and negotiates a time with the sender. A meeting is only
booked once you confirm it.

It can run as:
  - A CLI that scans the inbox (process) and inspects tracked meetings (meetings)
  - An MCP (Model Context Protocol) server for AI assistants (serve)`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env file is fine.
		_ = godotenv.Load()
		if !cmd.Flags().Changed("log-format") {
			if v := os.Getenv("INBOXMEET_LOG_FORMAT"); v != "" {
				logFormat = v
			}
		}
		f, err := logging.ParseFormat(logFormat)
		if err != nil {
			return err
		}
		logFormat = string(f)
		return nil
	},
}

var (
	// version will be set by main
	version = "dev"

	configPath string
	debugMode  bool
	logFormat  string
)

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "inboxmeet version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML config file (default: $XDG_CONFIG_HOME/inboxmeet/config.yaml). Can also use INBOXMEET_CONFIG env var.")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json. Can also use INBOXMEET_LOG_FORMAT env var.")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newProcessCmd())
	rootCmd.AddCommand(newMeetingsCmd())
	rootCmd.AddCommand(newAuthCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newGenerateDocsCmd())
}

// loadConfig reads the configuration and registers the Google OAuth client.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if cfg.Google.ClientID != "" {
		google.SetClientCredentials(cfg.Google.ClientID, cfg.Google.ClientSecret)
	}
	return cfg, nil
}

// newLogger returns the process logger. Logs go to stderr so stdout stays
// free for the stdio transport and command output.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if debugMode {
		level = slog.LevelDebug
	}
	return logging.New(os.Stderr, logging.Options{Level: level, Format: logging.Format(logFormat)})
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "inboxmeet version %s\n", version)
		},
	}
}
