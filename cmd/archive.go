package cmd

import (
	"errors"
	"fmt"
	"strings"

	"rssarchive/archive"
	"rssarchive/db"
	"rssarchive/models"

	"github.com/cqroot/prompt"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func archiveCmd() *cli.Command {
	return &cli.Command{
		Name:      "archive",
		Usage:     "Archive a single link and print the archived URL",
		ArgsUsage: "[url]",
		Description: `Submits the link to the configured archive mirrors and prints the
archived URL on stdout. Prompts for the link when none is given.

Exits with an error when every mirror failed.`,
		Flags: append([]cli.Flag{
			databaseFlag(),
			&cli.BoolFlag{
				Name:  "save",
				Usage: "Keep the result as a saved link in the database",
			},
		}, archiveFlags()...),
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			target := strings.TrimSpace(ctx.Args().First())
			if target == "" {
				answer, err := prompt.New().Ask("URL:").Input("https://")
				if err != nil {
					return err
				}
				target = strings.TrimSpace(answer)
			}
			if target == "" || target == "https://" {
				return errors.New("URL parameter is required")
			}

			resolver, err := archive.NewResolver(cfg.Archive, nil)
			if err != nil {
				return err
			}

			archived, err := resolver.Resolve(ctx.Context, target)
			if err != nil {
				return err
			}
			fmt.Println(archived)

			if ctx.Bool("save") {
				if err := db.Migrate(cfg.Database); err != nil {
					return err
				}
				store, err := db.NewStore(cfg.Database)
				if err != nil {
					return err
				}
				defer store.Close()

				if _, err := store.SaveLink(ctx.Context, models.SavedLink{
					Link:        target,
					ArchivedUrl: archived,
				}); err != nil {
					log.WithField("error", err).Error("Error saving archived link")
					return err
				}
			}
			return nil
		},
	}
}
