package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "gateway",
		Usage: "Anthropic Messages API in front of OpenAI-style backends",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a TOML config file",
				Sources: cli.EnvVars("GATEWAY_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override log level (trace|debug|info|warn|error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "override log format (text|json)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start the HTTP gateway",
				Action: serveAction,
			},
			{
				Name:   "migrate",
				Usage:  "Apply database migrations for the request log",
				Action: migrateAction,
			},
			{
				Name:      "seal-key",
				Usage:     "Encrypt an upstream API key for use as an enc: config value",
				ArgsUsage: "<api-key>",
				Action:    sealKeyAction,
			},
		},
	}
}

func newLogger(level, format string) (*logrus.Logger, error) {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(lvl)
	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}
