// -- cmd/run.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chauffeur/internal/browser"
	"github.com/xkilldash9x/chauffeur/internal/observability"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [url]",
		Short: "Starts a browser session and keeps it running until interrupted",
		Long: `Run launches (or attaches to) a browser, restores any saved storage state,
optionally navigates the first tab to the given URL and then holds the session
open. Interrupting the process saves state and shuts the browser down cleanly.`,
		Args: cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their Viper keys so command-line values override
			// the config file and environment with the right precedence.
			if err := viper.BindPFlag("browser.attach_url", cmd.Flags().Lookup("attach")); err != nil {
				return err
			}
			if err := viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless")); err != nil {
				return err
			}
			if err := viper.BindPFlag("session.storage_state_path", cmd.Flags().Lookup("storage-state")); err != nil {
				return err
			}
			return viper.BindPFlag("session.allowed_domains", cmd.Flags().Lookup("allow"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			cfg := loadedConfig

			// Flag overrides landed in Viper during PreRunE; rebuild the
			// typed config so they take effect.
			if err := viper.Unmarshal(cfg); err != nil {
				return fmt.Errorf("failed to re-unmarshal config with flag overrides: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			orch := browser.NewOrchestrator(cfg, logger)
			if err := orch.Start(ctx); err != nil {
				return fmt.Errorf("starting browser session: %w", err)
			}
			defer func() {
				// Shutdown runs on its own clock; the signal context is
				// already gone by the time we get here.
				sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := orch.Stop(sctx); err != nil {
					logger.Error("Session shutdown failed", zap.Error(err))
				}
			}()

			if len(args) == 1 {
				if err := orch.Navigate(ctx, args[0]); err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					logger.Error("Initial navigation failed", zap.String("url", args[0]), zap.Error(err))
				}
			}

			logger.Info("Session running; press Ctrl+C to stop",
				zap.Int("tabs", len(orch.Tabs())))
			<-ctx.Done()
			logger.Info("Shutdown signal received")
			return nil
		},
	}

	runCmd.Flags().String("attach", "", "attach to a running browser's DevTools endpoint instead of launching one")
	runCmd.Flags().Bool("headless", true, "run the launched browser headless")
	runCmd.Flags().String("storage-state", "", "path of the storage state document to restore and persist")
	runCmd.Flags().StringSlice("allow", nil, "allowlist pattern (repeatable); empty allows all navigation")

	return runCmd
}
