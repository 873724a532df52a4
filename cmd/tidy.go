package cmd

import (
	"fmt"
	"time"

	"rssarchive/db"

	"github.com/urfave/cli/v2"
)

func tidyCmd() *cli.Command {
	return &cli.Command{
		Name:  "tidy",
		Usage: "Tidy up the database",
		Description: `Tidy up the database by removing saved links that are old.

		Removes saved archive links older than the given number of days
		(90 by default). Registered feeds are never removed.`,
		Flags: []cli.Flag{
			databaseFlag(),
			configFlag(),
			&cli.IntFlag{
				Name:    "days",
				Value:   90,
				Usage:   "Keep saved links younger than this many days",
				EnvVars: []string{"RSSARCHIVE_RETENTION_DAYS"},
			},
		},
		Action: func(ctx *cli.Context) error {
			database, err := databasePath(ctx)
			if err != nil {
				return err
			}
			fmt.Println("Database configured:", database)

			removed, err := db.Tidy(database, time.Duration(ctx.Int("days"))*24*time.Hour)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d saved links\n", removed)
			return nil
		},
	}
}
