// Command gateway runs the proof-submission gateway: it serves the HTTP API
// and provides operational subcommands for the Elder Quorum.
//
// Grounded on the teacher's cmd/synnergy/main.go cobra tree (one rootCmd,
// nouns as subcommands, verbs as their children) generalized from the
// teacher's mock testnet/tokens commands to this gateway's serve and elders
// operations.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/drp-network/gateway/internal/app"
	"github.com/drp-network/gateway/internal/elders"
	"github.com/drp-network/gateway/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "gateway"}

	var configFile string
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML configuration file")

	rootCmd.AddCommand(serveCmd(&configFile))
	rootCmd.AddCommand(eldersCmd(&configFile))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	return log
}

func loadConfig(configFile string) (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadFromEnv()
}

func serveCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			cfg, err := loadConfig(*configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			defer a.Close()

			srv := &http.Server{
				Addr:              cfg.Gateway.ListenAddr,
				Handler:           a.HTTPAPI.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.WithField("addr", cfg.Gateway.ListenAddr).Info("gateway: listening")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return fmt.Errorf("serve: %w", err)
			case sig := <-sigCh:
				log.WithField("signal", sig.String()).Info("gateway: shutting down")
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func eldersCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{Use: "elders"}
	cmd.AddCommand(eldersStatusCmd(configFile))
	cmd.AddCommand(eldersBootstrapCmd(configFile))
	return cmd
}

// eldersBootstrapCmd provisions elder_keys.json ahead of the first `serve`,
// rather than relying on the implicit bootstrap-on-first-run inside
// elders.New, so an operator can generate key material and inspect it
// before the gateway ever accepts traffic.
func eldersBootstrapCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "generate the Elder Quorum's key material if it does not already exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if _, err := os.Stat(cfg.Elders.KeysFile); err == nil {
				return fmt.Errorf("elders bootstrap: %s already exists; remove it first to re-bootstrap", cfg.Elders.KeysFile)
			}

			quorum, err := elders.New(cfg.Elders.KeysFile, cfg.Elders.Count, cfg.Elders.CountThreshold, log)
			if err != nil {
				return fmt.Errorf("bootstrap elders: %w", err)
			}

			fmt.Printf("bootstrapped %d elders into %s\n", len(quorum.StatusSnapshot()), cfg.Elders.KeysFile)
			for _, e := range quorum.StatusSnapshot() {
				fmt.Printf("%s\tweight=%d\tstatus=%s\n", e.ElderID, e.Weight, e.Status)
			}
			return nil
		},
	}
}

func eldersStatusCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print the current Elder Quorum membership",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			defer a.Close()

			for _, e := range a.Elders.StatusSnapshot() {
				fmt.Printf("%s\tweight=%d\tstatus=%s\n", e.ElderID, e.Weight, e.Status)
			}
			return nil
		},
	}
}
