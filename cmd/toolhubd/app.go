package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"github.com/jonwraymond/toolhub/backend"
	"github.com/jonwraymond/toolhub/cursor"
	"github.com/jonwraymond/toolhub/internal/logutil"
	"github.com/jonwraymond/toolhub/loader"
	"github.com/jonwraymond/toolhub/notify"
	"github.com/jonwraymond/toolhub/registry"
)

var version = "dev"

const (
	defaultListen          = "127.0.0.1:8765"
	defaultMaxPageSize     = 200
	defaultPageSize        = 50
	defaultCursorHistory   = 128
	defaultShutdownTimeout = 10 * time.Second
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("TOOLHUB_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "toolhubd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			logutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

// backendConfig is one remote MCP server from the config file's backends list.
type backendConfig struct {
	Name      string            `mapstructure:"name"`
	Namespace string            `mapstructure:"namespace"`
	URL       string            `mapstructure:"url"`
	Command   []string          `mapstructure:"command"`
	Headers   map[string]string `mapstructure:"headers"`
	RetrySafe bool              `mapstructure:"retry-safe"`
}

type daemonConfig struct {
	registry  registry.Config
	listen    string
	stdio     bool
	manifests string
	backends  []backend.MCPConfig
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "toolhubd",
		Short:         "toolhubd serves a live MCP tool registry",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadConfigFile(viper.GetString("config")); err != nil {
				return err
			}
			logger := baseLogger
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			level, ok := pslog.ParseLevel(logLevel)
			if !ok {
				return fmt.Errorf("invalid log level %q", logLevel)
			}
			logger = logger.LogLevel(level)

			cfg, err := configFromViper()
			if err != nil {
				return err
			}
			cfg.registry.Logger = logger
			return run(cmd.Context(), cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringP("config", "c", "", "path to a YAML config file")
	flags.String("listen", defaultListen, "HTTP listen address")
	flags.Bool("stdio", false, "serve MCP over stdin/stdout instead of HTTP")
	flags.String("manifests", "", "directory of tool manifests to load and watch")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.Duration("debounce-window", notify.DefaultWindow, "coalescing window for tools/list_changed notifications")
	flags.Bool("notifications", true, "send tools/list_changed notifications")
	flags.Int("max-page-size", defaultMaxPageSize, "largest page tools/list and tools/search return")
	flags.Int("default-page-size", defaultPageSize, "page size when the client sets none")
	flags.Duration("invocation-timeout", 0, "default tools/call timeout (0 disables)")
	flags.String("cursor-secret", "", "secret for cursor tags (random per process when empty)")
	flags.String("stale-cursor-policy", cursor.ResumeByKey.String(), "stale cursor handling: resume or reject")
	flags.Int("cursor-history", defaultCursorHistory, "index revisions kept for cursor resumption")
	flags.Int64("max-concurrent", 0, "maximum in-flight tool calls (0 is unlimited)")

	viper.SetEnvPrefix("TOOLHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{
		"config", "listen", "stdio", "manifests", "log-level",
		"debounce-window", "notifications", "max-page-size", "default-page-size",
		"invocation-timeout", "cursor-secret", "stale-cursor-policy", "cursor-history",
		"max-concurrent",
	} {
		mustBindFlag(name, "", flags.Lookup(name))
	}
	// the secret is usually injected by the environment only
	mustBindFlag("cursor-secret", "TOOLHUB_CURSOR_SECRET", flags.Lookup("cursor-secret"))
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func loadConfigFile(cfgPath string) (string, error) {
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if len(p) == 1 {
		return home, nil
	}
	if p[1] == '/' || p[1] == '\\' {
		return filepath.Join(home, p[2:]), nil
	}
	return p, nil
}

func configFromViper() (daemonConfig, error) {
	policy, err := cursor.ParsePolicy(viper.GetString("stale-cursor-policy"))
	if err != nil {
		return daemonConfig{}, err
	}
	cfg := daemonConfig{
		listen:    viper.GetString("listen"),
		stdio:     viper.GetBool("stdio"),
		manifests: viper.GetString("manifests"),
		registry: registry.Config{
			ServerInfo:            registry.ServerInfo{Name: "toolhub", Version: version},
			DebounceWindow:        viper.GetDuration("debounce-window"),
			NotificationsDisabled: !viper.GetBool("notifications"),
			DefaultPageSize:       viper.GetInt("default-page-size"),
			MaxPageSize:           viper.GetInt("max-page-size"),
			CursorHistory:         viper.GetInt("cursor-history"),
			StalePolicy:           policy,
			InvocationTimeout:     viper.GetDuration("invocation-timeout"),
			MaxConcurrent:         viper.GetInt64("max-concurrent"),
		},
	}
	if secret := viper.GetString("cursor-secret"); secret != "" {
		cfg.registry.CursorSecret = []byte(secret)
	}

	var backends []backendConfig
	if err := viper.UnmarshalKey("backends", &backends); err != nil {
		return daemonConfig{}, fmt.Errorf("parse backends: %w", err)
	}
	for _, b := range backends {
		cfg.backends = append(cfg.backends, backend.MCPConfig{
			Name:      b.Name,
			Namespace: b.Namespace,
			URL:       b.URL,
			Command:   b.Command,
			Headers:   b.Headers,
			RetrySafe: b.RetrySafe,
		})
	}
	return cfg, nil
}

func run(ctx context.Context, cfg daemonConfig, logger pslog.Logger) error {
	cliLogger := logutil.WithSubsystem(logger, "cli.root")

	reg, err := registry.New(cfg.registry)
	if err != nil {
		return err
	}
	defer reg.Close()

	for _, b := range cfg.backends {
		b.Logger = logger
		if err := reg.RegisterMCP(b); err != nil {
			return err
		}
	}
	if err := reg.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.manifests != "" {
		l := loader.New(cfg.manifests, reg.Index(), reg.Commands(), logger)
		if err := l.Load(); err != nil {
			cliLogger.Warn("manifests.load.partial", "error", err)
		}
		g.Go(func() error { return l.Run(gctx) })
	}

	if cfg.stdio {
		g.Go(func() error {
			err := registry.ServeStdio(gctx, reg, os.Stdin, os.Stdout)
			if err == nil {
				// stdin closed: the client is gone
				return context.Canceled
			}
			return err
		})
	} else {
		handler := registry.NewHTTPHandler(reg)
		srv := &http.Server{
			Addr:              cfg.listen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			cliLogger.Info("http.listen", "addr", cfg.listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			handler.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		cliLogger.Info("shutdown")
		return nil
	}
	return err
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
