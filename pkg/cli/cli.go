// Package cli implements the evna command line.
package cli

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/dan-solli/evna/pkg/config"
	"github.com/dan-solli/evna/pkg/evna"
)

// env carries what every subcommand needs.
type env struct {
	configPath string
	logger     *slog.Logger
	stdin      io.Reader
	stdout     io.Writer
}

// openEngine loads the configuration and builds the engine. The alias table
// and the durable store are mandatory: failures here abort the command.
func (e *env) openEngine(ctx context.Context) (*evna.Engine, error) {
	file, err := config.Load(e.configPath)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load configuration")
	}

	cfg := file.EngineConfig()
	e.logger.Debug("engine configured", redact(nil, slog.Any("config", cfg)))

	engine, err := evna.New(cfg)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to start engine")
	}
	engine.SetLogger(e.logger)

	if _, err := engine.Warm(ctx); err != nil {
		e.logger.Warn("failed to warm hot tier", "error", err)
	}
	return engine, nil
}

func (e *env) closeEngine(engine *evna.Engine) {
	if err := engine.Close(); err != nil {
		e.logger.Error("failed to close engine", "error", err)
	}
}

func Run(ctx context.Context, args []string, version string) error {
	app, e := newApp(version, os.Stdin, os.Stdout, os.Stderr)
	if err := app.Run(ctx, args); err != nil {
		e.logger.Error("failed to run app", "error", err)
		return err
	}
	return nil
}

func newApp(version string, stdin io.Reader, stdout, stderr io.Writer) (*cli.Command, *env) {
	var loggerCfg loggerConfig
	e := &env{
		logger: slog.New(slog.NewTextHandler(stderr, nil)),
		stdin:  stdin,
		stdout: stdout,
	}

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to the TOML configuration file",
			Value:       config.DefaultPath(),
			Sources:     cli.EnvVars(config.EnvConfigPath),
			Destination: &e.configPath,
		},
	}
	flags = append(flags, loggerCfg.Flags()...)

	app := &cli.Command{
		Name:    "evna",
		Usage:   "Context synthesis for AI-assisted work sessions",
		Version: version,
		Flags:   flags,
		Writer:    stdout,
		ErrWriter: stderr,
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			logger, err := loggerCfg.Configure(stderr)
			if err != nil {
				return ctx, err
			}
			e.logger = logger
			return ctx, nil
		},
		Commands: []*cli.Command{
			cmdCapture(e),
			cmdQuery(e),
			cmdHistory(e),
			cmdBoot(e),
			cmdServe(e),
		},
	}
	return app, e
}
