package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/wabridge/internal/auth"
	"github.com/memohai/wabridge/internal/config"
	"github.com/memohai/wabridge/internal/db"
	"github.com/memohai/wabridge/internal/logger"
	"github.com/memohai/wabridge/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "wabridge",
	Short:         "Bridge between a CRM and a WhatsApp gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server, connection monitor and retry replays",
	RunE: func(_ *cobra.Command, _ []string) error {
		runServe()
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger.Init(cfg.Log.Level, cfg.Log.Format)
		return db.Migrate(logger.L, cfg.Postgres.DSN())
	},
}

var (
	tokenSubject string
	tokenExpires string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an operator token for the admin API",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		raw := tokenExpires
		if raw == "" {
			raw = cfg.Auth.JWTExpiresIn
		}
		expiresIn, err := config.ParseDuration(raw, config.DefaultJWTExpiresIn)
		if err != nil {
			return err
		}
		token, expiresAt, err := auth.GenerateToken(tokenSubject, cfg.Auth.JWTSecret, expiresIn)
		if err != nil {
			return err
		}
		fmt.Println(token)
		fmt.Fprintf(os.Stderr, "expires at %s\n", expiresAt.Format(time.RFC3339))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(version.GetInfo())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default $CONFIG_PATH or "+config.DefaultConfigPath+")")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "admin", "operator name recorded in the token")
	tokenCmd.Flags().StringVar(&tokenExpires, "expires", "", "token lifetime, defaults to auth.jwt_expires_in")
	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd, versionCmd)
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
