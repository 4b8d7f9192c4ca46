// Command lucentra runs the metering and accountable-transaction engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lucentra/lucentra/internal/app"
	"github.com/lucentra/lucentra/internal/config"
	"github.com/lucentra/lucentra/internal/logging"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "lucentra",
		Short: "Metering, quota, and accountable-transaction engine",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")

	loadConfig := func() (config.Config, error) {
		cfg, errLoad := config.Load(configPath)
		if errLoad != nil {
			return cfg, errLoad
		}
		logging.Setup(cfg.LogLevel, cfg.LogFile)
		return cfg, nil
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, errLoad := loadConfig()
			if errLoad != nil {
				return errLoad
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.RunServer(ctx, cfg)
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, errLoad := loadConfig()
			if errLoad != nil {
				return errLoad
			}
			if errMigrate := app.Migrate(cmd.Context(), cfg); errMigrate != nil {
				return errMigrate
			}
			log.Info("migrations applied")
			return nil
		},
	}

	var admin bool
	createKey := &cobra.Command{
		Use:   "create-key [name]",
		Short: "Provision a platform API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, errLoad := loadConfig()
			if errLoad != nil {
				return errLoad
			}
			raw, errCreate := app.CreateAPIKey(cmd.Context(), cfg, args[0], admin)
			if errCreate != nil {
				return errCreate
			}
			// Printed once; only a masked form is ever logged afterwards.
			fmt.Println(raw)
			return nil
		},
	}
	createKey.Flags().BoolVar(&admin, "admin", false, "grant provisioning endpoints")

	var password string
	createOperator := &cobra.Command{
		Use:   "create-operator [name]",
		Short: "Provision a password-login operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, errLoad := loadConfig()
			if errLoad != nil {
				return errLoad
			}
			if password == "" {
				return fmt.Errorf("--password is required")
			}
			return app.CreateOperator(cmd.Context(), cfg, args[0], password)
		},
	}
	createOperator.Flags().StringVar(&password, "password", "", "initial operator password")

	root.AddCommand(serve, migrate, createKey, createOperator)
	if err := root.Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
