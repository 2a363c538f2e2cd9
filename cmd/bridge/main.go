package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/woxQAQ/wasm-bridge/internal/bridge"
	"github.com/woxQAQ/wasm-bridge/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.NewViper()
	var configPath string

	root := &cobra.Command{
		Use:          "bridge",
		Short:        "Host a WebAssembly guest with fetch, clipboard and GPU host calls",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to configuration file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("module", "", "Path to the guest .wasm file")
	flags.String("url", "", "URL to download the guest module from")
	flags.String("manifest", "", "Module manifest (default: manifest.yaml beside --module)")
	flags.Int("address-width", 8, "Guest pointer width in bytes (4 or 8)")
	flags.Bool("status-byte", false, "Append a status byte to pending result records")
	flags.String("gpu", "none", "GPU mode (none, headless)")
	flags.String("clipboard", "system", "Clipboard backend (system, memory)")

	bind(v, flags.Lookup("log-level"), "log_level")
	bind(v, flags.Lookup("module"), "module.path")
	bind(v, flags.Lookup("url"), "module.url")
	bind(v, flags.Lookup("manifest"), "module.manifest")
	bind(v, flags.Lookup("address-width"), "abi.address_width")
	bind(v, flags.Lookup("status-byte"), "abi.status_byte")
	bind(v, flags.Lookup("gpu"), "gpu.mode")
	bind(v, flags.Lookup("clipboard"), "clipboard.backend")

	load := func() (*config.BridgeConfig, error) {
		cfg, err := config.Load(v, configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		if _, err := bridge.ApplyManifest(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	root.AddCommand(newRunCommand(v, load), newInspectCommand(load))
	return root
}

func bind(v *viper.Viper, flag *pflag.Flag, key string) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		if lvl, perr := zap.ParseAtomicLevel(level); perr == nil {
			cfg.Level = lvl
		}
		logger, err = cfg.Build()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func newRunCommand(v *viper.Viper, load func() (*config.BridgeConfig, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load the guest module and drive its frame loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			logger := newLogger(cfg.LogLevel)
			defer logger.Sync()

			logger.Info("Starting wasm-bridge",
				zap.String("version", version),
				zap.String("commit", commit),
				zap.String("date", date),
			)

			ctx, cancel := signalContext(logger)
			defer cancel()

			b, err := bridge.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close(context.Background())

			source, err := b.Source()
			if err != nil {
				return err
			}
			if _, err := b.Load(ctx, source); err != nil {
				return err
			}
			if err := b.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().Duration("tick", 0, "Frame interval (default from config)")
	cmd.Flags().Int("max-frames", 0, "Stop after this many frames (0 for no limit)")
	bind(v, cmd.Flags().Lookup("tick"), "run.tick_interval")
	bind(v, cmd.Flags().Lookup("max-frames"), "run.max_frames")

	return cmd
}

type importView struct {
	Import    string `yaml:"import"`
	Kind      string `yaml:"kind"`
	Signature string `yaml:"signature,omitempty"`
	Satisfied bool   `yaml:"satisfied"`
	Reason    string `yaml:"reason,omitempty"`
}

type reportView struct {
	Module   string       `yaml:"module"`
	Size     int64        `yaml:"size"`
	Loadable bool         `yaml:"loadable"`
	Problem  string       `yaml:"problem,omitempty"`
	Imports  []importView `yaml:"imports"`
	Exports  []string     `yaml:"exports"`
}

func newInspectCommand(load func() (*config.BridgeConfig, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Compile the guest module and report which imports the host satisfies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)
			defer logger.Sync()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			b, err := bridge.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close(ctx)

			source, err := b.Source()
			if err != nil {
				return err
			}
			report, err := b.Inspect(ctx, source)
			if err != nil {
				return err
			}
			if err := writeReport(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Problem != nil {
				return report.Problem
			}
			return nil
		},
	}
}

func writeReport(w io.Writer, report *bridge.Report) error {
	view := reportView{
		Module:   report.Module,
		Size:     report.Size,
		Loadable: report.Problem == nil,
		Exports:  report.Exports,
	}
	if report.Problem != nil {
		view.Problem = report.Problem.Error()
	}
	for _, imp := range report.Imports {
		view.Imports = append(view.Imports, importView{
			Import:    imp.Namespace + "." + imp.Name,
			Kind:      imp.Kind,
			Signature: imp.Signature,
			Satisfied: imp.Satisfied,
			Reason:    imp.Reason,
		})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(view)
}
