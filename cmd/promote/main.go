package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/profianinc/promote/internal/config"
	"github.com/profianinc/promote/internal/debug"
	"github.com/profianinc/promote/internal/ui"
)

var (
	configFile   string
	jsonOutput   bool
	verboseFlag  bool
	quietFlag    bool
	maxWait      time.Duration
	pollInterval time.Duration
	registry     string
	highest      string

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: .promote.yaml in this or a parent directory)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print the promotion report as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")
	rootCmd.PersistentFlags().DurationVar(&maxWait, "max-wait", 0, "Deadline for each check wait (overrides checks.max-wait)")
	rootCmd.PersistentFlags().DurationVar(&pollInterval, "poll-interval", 0, "Delay between check polls (overrides checks.poll-interval)")
	rootCmd.PersistentFlags().StringVar(&registry, "registry", "", "Image registry and namespace (overrides registry)")
	rootCmd.PersistentFlags().StringVar(&highest, "highest", "", "Stop at this environment even if the ref qualifies for more (testing, staging, production)")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

var rootCmd = &cobra.Command{
	Use:   "promote [flags] <service> <ref> <digest>",
	Short: "promote - move a container image through testing, staging and production",
	Long: `Promotes a service image through the deployment environments by patching
the per-environment manifest, opening a pull request, waiting for its checks,
merging it and waiting for the deploy checks on the main branch.

A release tag (refs/tags/v1.2.0) goes up to production, where the pull request
is left open for a manual merge. A release candidate tag (v1.2.0-rc1) stops at
staging. Any other ref promotes <digest> into testing only.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if v, _ := cmd.Flags().GetBool("version"); v {
			return nil
		}
		return cobra.ExactArgs(3)(cmd, args)
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Arguments are valid by now; later failures are not usage errors.
		cmd.SilenceUsage = true

		setupSignalContext()
		applyVerbosityFlags()
		ui.ConfigureColor()

		if err := config.InitializeFrom(configFile); err != nil {
			return err
		}
		applyFlagOverrides(cmd)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("promote version %s\n", FullVersionString())
			return nil
		}

		cmd.SilenceErrors = true

		if problems := config.Validate(); len(problems) > 0 {
			return &configError{problems: problems}
		}
		return runPromote(rootCtx, cmd.OutOrStdout(), args[0], args[1], args[2])
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func setupSignalContext() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// applyVerbosityFlags propagates --verbose and --quiet flags to the debug
// package so all subsequent log output respects the user's preference.
func applyVerbosityFlags() {
	debug.SetVerbose(verboseFlag)
	debug.SetQuiet(quietFlag)
}

// applyFlagOverrides pushes explicitly set flags into the config layer.
// Priority: flags > config file + env vars > defaults.
func applyFlagOverrides(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("json") {
		config.Set(config.KeyJSON, jsonOutput)
	} else {
		jsonOutput = config.GetBool(config.KeyJSON)
	}
	if flags.Changed("max-wait") {
		config.Set(config.KeyMaxWait, maxWait)
	}
	if flags.Changed("poll-interval") {
		config.Set(config.KeyPollInterval, pollInterval)
	}
	if flags.Changed("registry") {
		config.Set(config.KeyRegistry, registry)
	}
	if flags.Changed("highest") {
		config.Set(config.KeyHighest, highest)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if rootCmd.SilenceErrors {
			reportFailure(err)
		}
		os.Exit(1)
	}
}
