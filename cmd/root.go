package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "rssarchive",
		Usage: "An RSS feed registry with a web archive helper",
		Description: `Keeps a list of RSS feed URLs and archives links on public
		web archive mirrors (archive.today and its aliases).

		Archiving tries each configured mirror in order. A mirror that rate
		limits the request is retried with exponential backoff, any other
		failure moves on to the next mirror. The first archived URL wins.

		Flags can generally be set via environment variables, e.g.:

		--database => RSSARCHIVE_DATABASE=rss.db
		--port => RSSARCHIVE_PORT=3000
		`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (trace, debug, info, warn, error)",
				EnvVars: []string{"RSSARCHIVE_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:    "log-json",
				Usage:   "Log as JSON instead of text",
				EnvVars: []string{"RSSARCHIVE_LOG_JSON"},
			},
		},
		Before: func(ctx *cli.Context) error {
			return setupLogging(ctx.String("log-level"), ctx.Bool("log-json"))
		},
		Commands: []*cli.Command{
			serveCmd(),
			archiveCmd(),
			feedsCmd(),
			migrateCmd(),
			rollbackCmd(),
			tidyCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return cli.ShowAppHelp(ctx)
		},
	}
}

// Execute runs the CLI with the process arguments
func Execute() {
	if err := RootApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setupLogging(level string, json bool) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)
	if json {
		log.SetFormatter(&log.JSONFormatter{})
	}
	return nil
}
