// Command miel runs the honeypot Controller: binding configured services,
// spawning ephemeral systemd-nspawn containers per connection, and
// recording attacker interaction to durable storage.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/miel/pkg/config"
	"github.com/cuemby/miel/pkg/controller"
	"github.com/cuemby/miel/pkg/log"
	"github.com/cuemby/miel/pkg/metrics"
)

// Exit codes from spec §6/§7: 0 success, 2 config error, 3 privilege/
// sandbox error, 4 bind failure, 64 internal.
const (
	exitOK         = 0
	exitConfig     = 2
	exitPrivilege  = 3
	exitBindFailed = 4
	exitInternal   = 64
)

var (
	// Version information, set via ldflags during build.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}
	return exitOK
}

var rootCmd = &cobra.Command{
	Use:           "miel",
	Short:         "miel is a modular container-backed honeypot",
	Version:       Version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("miel version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	runCmd.Flags().String("config", envOr("MIEL_CONFIG", "/etc/miel/miel.toml"), "path to the TOML config file")
	validateCmd.Flags().String("config", envOr("MIEL_CONFIG", "/etc/miel/miel.toml"), "path to the TOML config file")
	statusCmd.Flags().String("addr", "127.0.0.1:9090", "miel status/metrics endpoint address")

	rootCmd.AddCommand(runCmd, validateCmd, statusCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the Controller and serve configured services",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		applyEnvOverrides(cfg)

		log.Init(log.Config{Level: log.Level(cfg.Global.LogLevel), JSONOutput: true})
		metrics.SetVersion(Version)

		ctrl, err := controller.New(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := ctrl.Start(ctx); err != nil {
			return err
		}
		log.Logger.Info().Str("config", path).Msg("miel is running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

		for {
			sig := <-sigCh
			switch sig {
			case syscall.SIGHUP:
				log.Logger.Info().Msg("SIGHUP received, reloading config")
				next, err := config.Load(path)
				if err != nil {
					log.Logger.Error().Err(err).Msg("reload failed, keeping running config")
					continue
				}
				applyEnvOverrides(next)
				if err := ctrl.Reload(ctx, next); err != nil {
					log.Logger.Error().Err(err).Msg("reload failed, keeping running config")
				}
			default:
				log.Logger.Info().Msg("shutting down")
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Global.DrainDeadline+2*time.Second)
				ctrl.Shutdown(shutdownCtx)
				shutdownCancel()
				return nil
			}
		}
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse and validate a config file without starting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		fmt.Printf("config OK: %d service(s)\n", len(cfg.Services))
		for _, svc := range cfg.Services {
			fmt.Printf("  %-20s port=%-5d transport=%-4s pool_target=%d\n", svc.Name, svc.Port, svc.Transport, svc.PoolTarget)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running miel process's /status endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		return printStatus(addr)
	},
}

// applyEnvOverrides implements spec §6's environment variable override
// contract: MIEL_CONFIG only selects which file Load reads (handled by the
// --config flag default above); MIEL_LOG_LEVEL and MIEL_LOG_DIR override
// whatever the file says after it's parsed.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("MIEL_LOG_LEVEL"); v != "" {
		cfg.Global.LogLevel = v
	}
	if v := os.Getenv("MIEL_LOG_DIR"); v != "" {
		cfg.Global.LogDir = v
	}
}

// exitCodeFor maps a returned error to spec §6's process exit codes by
// matching the sentinel error kind it wraps.
func exitCodeFor(err error) int {
	switch {
	case isErrConfigInvalid(err):
		return exitConfig
	case isErrBindFailed(err):
		return exitBindFailed
	case isErrPrivilege(err):
		return exitPrivilege
	default:
		return exitInternal
	}
}
