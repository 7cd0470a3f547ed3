package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mywio/secret-service/pkg/config"
	"github.com/mywio/secret-service/pkg/core"
	notifierwebhook "github.com/mywio/secret-service/plugins/notifier_webhook"
	secretservice "github.com/mywio/secret-service/plugins/secret_service"
)

// errCheckFailed makes `check` exit non-zero without an extra error line.
var errCheckFailed = errors.New("check failed")

const maxStdinValue = 64 << 10

type options struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "secret-service",
		Short: "Validate values against hashed secrets and secret groups",
		Long: `secret-service builds a registry of salted secret hashes from its config
file and answers check_secret calls over HTTP. Without a subcommand it runs
the server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", config.LoadConfig().ConfigFile, "Config file path")

	root.AddCommand(
		newServeCommand(opts),
		newValidateCommand(opts),
		newCheckCommand(opts),
	)
	return root
}

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func newValidateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Build the secret registry from the config file and report errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, plug, err := initOffline(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := mgr.Failed(plug.Name()); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			st, _ := plug.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d secrets, %d groups (%d members), %s\n",
				st.Secrets, st.Groups, st.Members, st.Algorithm)
			return nil
		},
	}
}

func newCheckCommand(opts *options) *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "check NAME",
		Short: "Check a value read from stdin against a secret or group",
		Long: `Reads the candidate value from stdin (one trailing newline is ignored),
prints the result and exits 0 only on a match.

Examples:
  printf '%s' "$CODE" | secret-service check doors
  secret-service check wifi --full < value.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := readValue(cmd.InOrStdin())
			if err != nil {
				return err
			}
			mgr, _, err := initOffline(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			res, err := mgr.Execute(cmd.Context(), "secret_service", secretservice.ActionCheck, map[string]any{
				"name":          args[0],
				"value":         value,
				"full_response": true,
			})
			if err != nil {
				return err
			}
			out, _ := res.(map[string]any)
			result, _ := out["result"].(string)
			if full {
				fmt.Fprintln(cmd.OutOrStdout(), result)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), result == "success")
			}
			if result != "success" {
				return errCheckFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Print the result code instead of true/false")
	return cmd
}

func runServe(ctx context.Context, opts *options) error {
	cfgMap, cfg, err := loadConfig(opts.configFile)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	mgr := newManager(logger, cfgMap, opts.configFile)
	mgr.SetHTTPClient(&http.Client{Timeout: 15 * time.Second})

	pluginsDir := cfg.PluginsDir
	if pluginsDir == "" {
		pluginsDir = "plugins"
	}
	if err := mgr.LoadPlugins(pluginsDir); err != nil {
		logger.Error("Failed to load plugins", "error", err)
	}

	mgr.Register(secretservice.New())
	mgr.Register(notifierwebhook.New())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := mgr.Init(ctx); err != nil {
		return fmt.Errorf("initialize modules: %w", err)
	}
	mgr.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logger.Info("Received SIGHUP, reloading configuration")
			if err := mgr.Reload(ctx); err != nil {
				logger.Error("Reload failed, previous configuration stays active", "error", err)
			}
			continue
		}
		logger.Info("Received signal, shutting down...", "signal", sig)
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mgr.Stop(shutdownCtx)
	logger.Info("Shutdown complete")
	return nil
}

// initOffline initializes only the secret service plugin, without the HTTP
// server or external plugins.
func initOffline(ctx context.Context, opts *options, logOut io.Writer) (*core.ModuleManager, *secretservice.SecretServicePlugin, error) {
	cfgMap, cfg, err := loadConfig(opts.configFile)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level}))

	mgr := newManager(logger, cfgMap, opts.configFile)
	plug := secretservice.New()
	mgr.Register(plug)
	if err := mgr.Init(ctx); err != nil {
		return nil, nil, err
	}
	return mgr, plug, nil
}

func newManager(logger *slog.Logger, cfgMap config.ConfigMap, path string) *core.ModuleManager {
	mgr := core.NewModuleManager(logger)
	mgr.SetConfig(cfgMap)
	mgr.SetConfigLoader(func() (map[string]map[string]any, error) {
		return config.Load(path)
	})
	return mgr
}

// loadConfig merges the config file over the environment and derives the
// core settings.
func loadConfig(path string) (config.ConfigMap, config.Config, error) {
	cfgMap, err := config.Load(path)
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg := config.LoadConfig()
	if coreSection, ok := cfgMap["core"]; ok {
		cfg = config.MergeConfig(config.LoadConfigFromMap(coreSection), cfg)
	}
	cfg.ConfigFile = path
	return cfgMap, cfg, nil
}

func readValue(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxStdinValue+1))
	if err != nil {
		return "", fmt.Errorf("read value: %w", err)
	}
	if len(data) > maxStdinValue {
		return "", fmt.Errorf("read value: longer than %d bytes", maxStdinValue)
	}
	s := string(data)
	if strings.HasSuffix(s, "\r\n") {
		return strings.TrimSuffix(s, "\r\n"), nil
	}
	return strings.TrimSuffix(s, "\n"), nil
}
