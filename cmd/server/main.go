package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/admin-inbox/internal/config"
	"github.com/urfave/cli/v3"
)

type flags struct {
	ConfigPath string
	LogLevel   string
}

func main() {
	f := &flags{}
	var app *application

	cmd := &cli.Command{
		Name:  "admin-inbox",
		Usage: "Real-time notification inbox for the admin console",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file (defaults to ./config.yaml or ./config/config.yaml)",
				Sources:     cli.EnvVars("INBOX_CONFIG"),
				Destination: &f.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error); overrides log_level from the config",
				Sources:     cli.EnvVars("INBOX_LOG_LEVEL"),
				Destination: &f.LogLevel,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			cfg, err := config.Load(f.ConfigPath)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			if f.LogLevel != "" {
				cfg.LogLevel = f.LogLevel
			}

			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return ctx, err
			}
			app = newApplication(cfg, logger)
			return ctx, nil
		},
		After: func(ctx context.Context, c *cli.Command) error {
			if app != nil {
				app.close()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Connect to the notification service and serve the inbox API",
				Action: func(ctx context.Context, c *cli.Command) error {
					return app.serve(ctx)
				},
			},
			{
				Name:  "whoami",
				Usage: "Resolve and print the current identity",
				Action: func(ctx context.Context, c *cli.Command) error {
					return app.whoami(ctx, os.Stdout)
				},
			},
			{
				Name:      "login",
				Usage:     "Store a bearer credential",
				ArgsUsage: "<token>",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return fmt.Errorf("expected exactly one token argument")
					}
					return app.login(ctx, c.Args().First(), os.Stdout)
				},
			},
			{
				Name:  "logout",
				Usage: "Forget the stored credential",
				Action: func(ctx context.Context, c *cli.Command) error {
					return app.logout(ctx)
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger sets up structured, level-based logging.
func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(lvl)
	log.SetFlags(0)
	log.SetOutput(logger)
	return logger, nil
}
