package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"rssarchive/db"

	"github.com/urfave/cli/v2"
)

func feedsCmd() *cli.Command {
	return &cli.Command{
		Name:  "feeds",
		Usage: "Manage registered RSS feeds",
		Flags: []cli.Flag{
			databaseFlag(),
			configFlag(),
		},
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Register an RSS feed URL",
				ArgsUsage: "<url>",
				Action: func(ctx *cli.Context) error {
					url := strings.TrimSpace(ctx.Args().First())
					if url == "" {
						return errors.New("URL parameter is required")
					}
					return withStore(ctx, func(store *db.Store) error {
						feed, err := store.AddFeed(ctx.Context, url)
						if err != nil {
							return err
						}
						return printJson(ctx.App.Writer, feed)
					})
				},
			},
			{
				Name:  "list",
				Usage: "List registered feeds as JSON lines",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "visible",
						Usage: "Leave out hidden feeds",
					},
				},
				Action: func(ctx *cli.Context) error {
					return withStore(ctx, func(store *db.Store) error {
						feeds, err := store.ListFeeds(ctx.Context, !ctx.Bool("visible"))
						if err != nil {
							return err
						}
						for _, feed := range feeds {
							if err := printJson(ctx.App.Writer, feed); err != nil {
								return err
							}
						}
						return nil
					})
				},
			},
			{
				Name:      "remove",
				Usage:     "Delete a registered feed",
				ArgsUsage: "<id>",
				Action: func(ctx *cli.Context) error {
					id, err := parseID(ctx.Args().First())
					if err != nil {
						return err
					}
					return withStore(ctx, func(store *db.Store) error {
						return store.DeleteFeed(ctx.Context, id)
					})
				},
			},
			{
				Name:      "toggle",
				Usage:     "Hide a visible feed or show a hidden one",
				ArgsUsage: "<id>",
				Action: func(ctx *cli.Context) error {
					id, err := parseID(ctx.Args().First())
					if err != nil {
						return err
					}
					return withStore(ctx, func(store *db.Store) error {
						feed, err := store.ToggleFeedHidden(ctx.Context, id)
						if err != nil {
							return err
						}
						return printJson(ctx.App.Writer, feed)
					})
				},
			},
		},
	}
}

func withStore(ctx *cli.Context, fn func(store *db.Store) error) error {
	database, err := databasePath(ctx)
	if err != nil {
		return err
	}
	if err := db.Migrate(database); err != nil {
		return err
	}

	store, err := db.NewStore(database)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(store)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid feed id %q", arg)
	}
	return id, nil
}

// Print as single JSON string on a single line
func printJson(w io.Writer, v interface{}) error {
	out, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
