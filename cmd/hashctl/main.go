package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fxnlabs/hash-backend/internal/config"
	"github.com/fxnlabs/hash-backend/internal/logger"
	"github.com/fxnlabs/hash-backend/internal/version"
	"github.com/fxnlabs/hash-backend/pkg/backend"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const defaultConfigPath = "config.yaml"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	var configPath string

	return &cli.App{
		Name:    "hashctl",
		Usage:   "Inspect, verify and benchmark the GPU hash backend",
		Version: version.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Value:       defaultConfigPath,
				Usage:       "Path to the backend config file",
				EnvVars:     []string{"HASHCTL_CONFIG"},
				Destination: &configPath,
			},
		},
		Before: func(c *cli.Context) error {
			// init creates the file, so it may name one that does not exist yet.
			strict := c.IsSet("config") && c.Args().First() != "init"
			cfg, err := loadConfig(configPath, strict)
			if err != nil {
				return err
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			c.App.Metadata["config"] = cfg
			c.App.Metadata["configPath"] = configPath
			c.App.Metadata["logger"] = zapLogger.Named("hashctl")
			return nil
		},
		Commands: []*cli.Command{
			versionCommand(),
			devicesCommand(),
			kernelsCommand(),
			verifyCommand(),
			benchCommand(),
			initCommand(),
		},
	}
}

// loadConfig reads path. A missing file at the default location falls back
// to the built-in config; an explicitly named one must exist.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func appConfig(c *cli.Context) *config.Config {
	return c.App.Metadata["config"].(*config.Config)
}

func appLogger(c *cli.Context) *zap.Logger {
	return c.App.Metadata["logger"].(*zap.Logger)
}

// openBackend creates a backend on the configured driver with bfactor
// applied to every context.
func openBackend(cfg *config.Config, bfactor int, log *zap.Logger) (*backend.Backend, error) {
	driver, err := cfg.NewDriver(log)
	if err != nil {
		return nil, err
	}
	return backend.New(backend.Options{
		DriverInstance: driver,
		CloseGrace:     cfg.CloseGrace,
		Bfactor:        bfactor,
		Logger:         log,
	})
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the backend, ABI and driver versions",
		Action: func(c *cli.Context) error {
			b, err := openBackend(appConfig(c), 0, appLogger(c))
			if err != nil {
				return err
			}
			defer b.Release()

			runtime, driver := b.DriverVersion()
			w := c.App.Writer
			fmt.Fprintf(w, "%s %s\n", version.AppDesc, version.String())
			fmt.Fprintf(w, "ABI:     %d\n", backend.Version)
			fmt.Fprintf(w, "Driver:  %s (runtime %s, driver %s)\n", b.Table().Driver().Name(), cudaVersion(runtime), cudaVersion(driver))
			fmt.Fprintln(w, version.Copyright)
			return nil
		},
	}
}

// cudaVersion renders a major*1000+minor*10 version number.
func cudaVersion(v int) string {
	return fmt.Sprintf("%d.%d", v/1000, v%1000/10)
}
