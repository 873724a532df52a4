package cmd

import (
	"errors"

	"rssarchive/config"

	"github.com/urfave/cli/v2"
)

func databaseFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "database",
		Aliases: []string{"d"},
		Value:   config.DefaultDatabase,
		Usage:   "SQLite database file location",
		EnvVars: []string{"RSSARCHIVE_DATABASE"},
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "config/rssarchive.toml",
		Usage:   "Path to the TOML configuration file, skipped when missing",
		EnvVars: []string{"RSSARCHIVE_CONFIG"},
	}
}

func archiveFlags() []cli.Flag {
	return []cli.Flag{
		configFlag(),
		&cli.StringSliceFlag{
			Name:    "mirror",
			Usage:   "Archive mirror submit URL, repeat to set the try order",
			EnvVars: []string{"RSSARCHIVE_MIRRORS"},
		},
		&cli.IntFlag{
			Name:    "max-retries",
			Usage:   "Retries per mirror when it answers 429 Too Many Requests",
			EnvVars: []string{"RSSARCHIVE_MAX_RETRIES"},
		},
		&cli.DurationFlag{
			Name:    "base-delay",
			Usage:   "Backoff unit, retry n waits 2^n times this",
			EnvVars: []string{"RSSARCHIVE_BASE_DELAY"},
		},
		&cli.DurationFlag{
			Name:    "archive-timeout",
			Usage:   "Upper bound for archiving a single link, 0 for none",
			EnvVars: []string{"RSSARCHIVE_ARCHIVE_TIMEOUT"},
		},
	}
}

// loadConfig reads the config file and lets explicitly set flags win
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, err
	}

	if ctx.IsSet("database") {
		cfg.Database = ctx.String("database")
	}
	if ctx.IsSet("port") {
		cfg.Port = ctx.Int("port")
	}
	if ctx.IsSet("cors-origins") {
		cfg.CorsOrigins = ctx.String("cors-origins")
	}
	if ctx.IsSet("mirror") {
		cfg.Archive.Mirrors = config.CleanMirrors(ctx.StringSlice("mirror"))
	}
	if ctx.IsSet("max-retries") {
		cfg.Archive.MaxRetries = ctx.Int("max-retries")
	}
	if ctx.IsSet("base-delay") {
		cfg.Archive.BaseDelay = ctx.Duration("base-delay")
	}
	if ctx.IsSet("archive-timeout") {
		cfg.Archive.Timeout = ctx.Duration("archive-timeout")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// databasePath resolves the database the same way serve does, without
// validating the unrelated server and archive settings
func databasePath(ctx *cli.Context) (string, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return "", err
	}
	if ctx.IsSet("database") {
		cfg.Database = ctx.String("database")
	}
	if cfg.Database == "" {
		return "", errors.New("database path is required")
	}
	return cfg.Database, nil
}
