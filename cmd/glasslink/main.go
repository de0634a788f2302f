package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/chaz8081/glasslink/internal/config"
)

// CLI is the root command structure for glasslink.
type CLI struct {
	Config  string `short:"c" help:"Path to config file (default: ~/.config/glasslink/config.yaml)" type:"path"`
	Verbose bool   `short:"v" help:"Enable debug logging"`

	Scan        ScanCmd        `cmd:"" help:"Scan for glasses and remember one"`
	Info        InfoCmd        `cmd:"" help:"Show device information"`
	Battery     BatteryCmd     `cmd:"" help:"Show the battery level"`
	Update      UpdateCmd      `cmd:"" help:"Check for and install firmware and configuration updates"`
	Flash       FlashCmd       `cmd:"" help:"Flash a local firmware image"`
	ApplyConfig ApplyConfigCmd `cmd:"" name:"apply-config" help:"Apply a local configuration script"`
	Forget      ForgetCmd      `cmd:"" help:"Forget the remembered device"`
	InitConfig  InitConfigCmd  `cmd:"" name:"init-config" help:"Write the default config file"`
}

// app is the state shared by commands.
type app struct {
	cfg *config.Config
	log *slog.Logger
	ctx context.Context
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("glasslink"),
		kong.Description("Manage and update BLE smart glasses."),
		kong.UsageOnError(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, &cli, os.Stderr)
	kctx.FatalIfErrorf(err)

	err = kctx.Run(a)
	kctx.FatalIfErrorf(err)
}

func newApp(ctx context.Context, cli *CLI, logOut io.Writer) (*app, error) {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	if cli.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return &app{cfg: cfg, log: log, ctx: ctx}, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}
