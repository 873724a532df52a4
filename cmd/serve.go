package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rssarchive/archive"
	"rssarchive/db"
	"rssarchive/server"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the feed registry and archive API",
		Description: `Starts the HTTP server on the specified or default port.

Runs pending database migrations first. Links posted to /archive are
submitted to the configured archive mirrors and successful results are
kept as saved links.`,
		Flags: append([]cli.Flag{
			databaseFlag(),
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   3000,
				Usage:   "Port to listen on",
				EnvVars: []string{"RSSARCHIVE_PORT"},
			},
			&cli.StringFlag{
				Name:    "cors-origins",
				Usage:   "Comma separated list of origins allowed to call the API",
				EnvVars: []string{"RSSARCHIVE_CORS_ORIGINS"},
			},
		}, archiveFlags()...),
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			if err := db.Migrate(cfg.Database); err != nil {
				return err
			}

			store, err := db.NewStore(cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			resolver, err := archive.NewResolver(cfg.Archive, nil)
			if err != nil {
				return err
			}

			log.WithFields(log.Fields{
				"mirrors":          resolver.Mirrors(),
				"maxRetries":       cfg.Archive.MaxRetries,
				"baseDelay":        cfg.Archive.BaseDelay,
				"worstCaseBackoff": cfg.Archive.WorstCaseBackoff(),
			}).Info("Archive resolver configured")

			bc := server.NewBroadcaster()
			app := server.Server(&server.ServerConfig{
				Archiver:    resolver,
				Store:       store,
				Broadcaster: bc,
				CorsOrigins: cfg.CorsOrigins,
			})

			// Graceful shutdown
			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)

			go func() {
				<-c
				log.Info("Gracefully shutting down...")
				bc.Shutdown()
				if err := app.ShutdownWithTimeout(60 * time.Second); err != nil {
					log.Errorf("Error shutting down server: %v", err)
				}
			}()

			log.WithField("port", cfg.Port).Info("Starting server")
			if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
				return err
			}

			log.Info("Done!")
			return nil
		},
	}
}
