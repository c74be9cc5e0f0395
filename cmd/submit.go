// File: cmd/submit.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/formrelay/formrelay-cli/api/schemas"
	"github.com/formrelay/formrelay-cli/internal/browser"
	"github.com/formrelay/formrelay-cli/internal/captcha"
	"github.com/formrelay/formrelay-cli/internal/config"
	"github.com/formrelay/formrelay-cli/internal/display"
	"github.com/formrelay/formrelay-cli/internal/engine"
	"github.com/formrelay/formrelay-cli/internal/forms"
	"github.com/formrelay/formrelay-cli/internal/heartbeat"
	"github.com/formrelay/formrelay-cli/internal/observability"
	"github.com/formrelay/formrelay-cli/internal/orchestrator"
	"github.com/formrelay/formrelay-cli/internal/results"
	"github.com/formrelay/formrelay-cli/internal/store"
	"github.com/formrelay/formrelay-cli/internal/template"
)

// newSubmitCmd creates and configures the `submit` command.
func newSubmitCmd() *cobra.Command {
	submitCmd := &cobra.Command{
		Use:   "submit [targets...]",
		Short: "Submits a contact-form template against the specified target URLs",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their Viper keys so command-line values override
			// the config file and environment with the right precedence.
			if err := viper.BindPFlag("engine.concurrency", cmd.Flags().Lookup("concurrency")); err != nil {
				return err
			}
			if err := viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return fmt.Errorf("failed to finalize config with flag overrides: %w", err)
			}

			cfg.Batch.Targets = normalizeTargets(args)
			cfg.Batch.TemplatePath = viper.GetString("template")
			cfg.Batch.Output = viper.GetString("output")
			cfg.Batch.Concurrency = cfg.Engine.Concurrency

			if cfg.Batch.TemplatePath == "" {
				return fmt.Errorf("a template file is required (--template)")
			}

			tpl, err := template.Load(cfg.Batch.TemplatePath, template.Defaults{
				SettleWait:      cfg.Network.PostLoadWait,
				LocalTimeout:    cfg.Captcha.LocalTimeout,
				ExternalTimeout: cfg.Captcha.ExternalTimeout,
				ManualTimeout:   cfg.Captcha.ManualTimeout,
				PreActionWait:   cfg.Network.ActionTimeout,
			})
			if err != nil {
				return err
			}

			logger.Info("Starting batch submission",
				zap.Strings("targets", cfg.Batch.Targets),
				zap.String("template", tpl.Name),
				zap.Int("template_version", tpl.Version),
				zap.Int("concurrency", cfg.Batch.Concurrency),
			)

			components, err := initializeSubmitComponents(ctx, cfg, logger)
			if err != nil {
				if components != nil {
					components.Shutdown()
				}
				return fmt.Errorf("failed to initialize submission components: %w", err)
			}
			defer components.Shutdown()

			batch := components.Pool.Execute(ctx, cfg.Batch.Targets, tpl)
			if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
				logger.Warn("Batch aborted by user signal")
			}

			if err := writeResults(cfg.Batch.Output, batch); err != nil {
				return err
			}

			summary := results.Summarize(batch)
			fmt.Printf("\nBatch complete: %d targets, %d success, %d failed, %d errors (%d stalled)\n",
				summary.Total, summary.Success, summary.Failed, summary.Errors, summary.Stalled)
			return nil
		},
	}

	submitCmd.Flags().StringP("template", "t", "", "Path to the submission template YAML file. (Required)")
	submitCmd.Flags().StringP("output", "o", "", "Output file path for batch results JSON. If unset, results go to stdout.")
	submitCmd.Flags().IntP("concurrency", "j", 0, "Number of concurrent submission workers. (Overrides config/env)")
	submitCmd.Flags().Bool("headless", true, "Run browser surfaces headless by default. (Overrides config/env)")

	return submitCmd
}

// submitComponents holds initialized services.
type submitComponents struct {
	Store          *store.Store
	BrowserManager schemas.BrowserManager
	Displays       *display.Manager
	Pool           *engine.Pool
}

// Shutdown gracefully closes all components.
func (sc *submitComponents) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if sc.BrowserManager != nil {
		if err := sc.BrowserManager.Shutdown(shutdownCtx); err != nil {
			observability.GetLogger().Warn("Error during browser manager shutdown", zap.Error(err))
		}
	}
	if sc.Store != nil {
		sc.Store.Close()
	}
}

// initializeSubmitComponents handles dependency injection.
func initializeSubmitComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*submitComponents, error) {
	components := &submitComponents{}

	// 1. Run store. Persistence is optional; without a database URL results
	// stay in-memory for the life of the batch.
	var runStore schemas.RunStore
	if cfg.Database.URL != "" {
		dbStore, err := store.Connect(ctx, cfg.Database.URL, logger)
		if err != nil {
			return components, fmt.Errorf("failed to initialize run store: %w", err)
		}
		components.Store = dbStore
		runStore = dbStore
	}

	// 2. Browser manager.
	browserManager, err := browser.NewManager(ctx, logger, cfg.Browser, cfg.Network)
	if err != nil {
		return components, fmt.Errorf("failed to initialize browser manager: %w", err)
	}
	components.BrowserManager = browserManager

	// 3. Virtual displays for visible-solve templates.
	components.Displays = display.NewManager(logger, cfg.Display)

	// 4. Challenge solver tiers. Nil interface values mean the tier is
	// unavailable and the engine skips it.
	var stt schemas.SpeechToText
	if transcriber, err := captcha.NewTranscriber(ctx, logger, cfg.Speech); err != nil {
		return components, fmt.Errorf("failed to initialize transcriber: %w", err)
	} else if transcriber != nil {
		stt = transcriber
	}

	var external schemas.ExternalSolver
	if provider := captcha.NewProviderClient(logger, cfg.Captcha.Provider); provider != nil {
		external = provider
	}

	solver := captcha.NewEngine(logger, stt, external, cfg.Captcha)

	// 5. Orchestrator and pool.
	heartbeats := heartbeat.NewRegistry()
	runner, err := orchestrator.New(
		cfg, logger, browserManager, components.Displays,
		forms.NewEngine(logger), solver, runStore, heartbeats,
	)
	if err != nil {
		return components, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	engineCfg := cfg.Engine
	if cfg.Batch.Concurrency > 0 {
		engineCfg.Concurrency = cfg.Batch.Concurrency
	}
	components.Pool = engine.NewPool(logger, runner, heartbeats, engineCfg)

	return components, nil
}

// writeResults emits the batch results JSON to the output path or stdout.
func writeResults(path string, batch []schemas.Result) error {
	if path == "" {
		return results.Write(os.Stdout, batch)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()
	if err := results.Write(f, batch); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}

// normalizeTargets ensures every target carries a scheme.
func normalizeTargets(targets []string) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		if !strings.HasPrefix(t, "http://") && !strings.HasPrefix(t, "https://") {
			t = "https://" + t
		}
		out[i] = t
	}
	return out
}
