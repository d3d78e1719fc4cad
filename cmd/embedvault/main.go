// Command embedvault inspects and maintains an embedding vault on disk.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/hupe1980/embedvault"
	"github.com/hupe1980/embedvault/internal/config"
)

var version = "dev"

const defaultConfigPath = "embedvault.yaml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "embedvault:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "embedvault",
		Usage:   "embedding storage with versioned updates and an IVF-PQ index",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   defaultConfigPath,
				Usage:   "path to the YAML config file",
				EnvVars: []string{"EMBEDVAULT_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Aliases: []string{"d"},
				Usage:   "override data_dir from the config",
				EnvVars: []string{"EMBEDVAULT_DATA_DIR"},
			},
		},
		Commands: commands(),
	}
}

// loadConfig reads the config named by --config. A missing default config
// falls back to built-in defaults.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		if !c.IsSet("config") && errors.Is(err, fs.ErrNotExist) {
			cfg = config.Default()
		} else {
			return nil, err
		}
	}
	if dir := c.String("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	return cfg, nil
}

// openVault loads the config and opens the vault it describes.
func openVault(c *cli.Context, extra ...embedvault.Option) (*embedvault.Vault, *config.Config, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	opts, err := cfg.VaultOptions()
	if err != nil {
		return nil, nil, err
	}
	v, err := embedvault.Open(c.Context, cfg.DataDir, append(opts, extra...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", cfg.DataDir, err)
	}
	return v, cfg, nil
}
