package server

import (
	"bufio"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"rssarchive/db"
	"rssarchive/models"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/filesystem"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

//go:embed dist/*
var dist embed.FS

// Archiver resolves a link to its archived copy
type Archiver interface {
	Resolve(ctx context.Context, targetURL string) (string, error)
}

// Store persists feeds and saved links
type Store interface {
	AddFeed(ctx context.Context, url string) (models.Feed, error)
	ListFeeds(ctx context.Context, includeHidden bool) ([]models.Feed, error)
	DeleteFeed(ctx context.Context, id int64) error
	ToggleFeedHidden(ctx context.Context, id int64) (models.Feed, error)
	SaveLink(ctx context.Context, link models.SavedLink) (models.SavedLink, error)
	ListSavedLinks(ctx context.Context, limit int) ([]models.SavedLink, error)
	Tidy(ctx context.Context, retention time.Duration) (int64, error)
}

type ServerConfig struct {
	// Resolves links submitted to /archive
	Archiver Archiver

	// Feed registry and saved links
	Store Store

	// Broadcast channel to pass archive events to SSE clients
	Broadcaster *Broadcaster

	// Comma separated origins allowed by CORS, empty disables CORS
	CorsOrigins string
}

const (
	msgURLRequired = "URL parameter is required"
	msgIDRequired  = "ID parameter is required"
	msgNotFound    = "RSS feed not found"
)

// Returns a fiber.App instance to be used as the HTTP server
func Server(config *ServerConfig) *fiber.App {

	bc := config.Broadcaster
	if bc == nil {
		bc = NewBroadcaster()
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"status":  c.Response().StatusCode(),
			"latency": time.Since(start),
		}).Info("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(compress.New())

	if config.CorsOrigins != "" {
		app.Use(cors.New(cors.Config{
			AllowOrigins: config.CorsOrigins,
			AllowHeaders: "Cache-Control, Content-Type",
		}))
	}

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Post("/archive", func(c *fiber.Ctx) error {
		var req models.ArchiveRequest
		if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.Url) == "" {
			log.Error("No URL provided in request body")
			return c.Status(fiber.StatusBadRequest).SendString(msgURLRequired)
		}
		target := strings.TrimSpace(req.Url)

		archived, err := config.Archiver.Resolve(c.UserContext(), target)
		if err != nil {
			log.WithFields(log.Fields{
				"url":   target,
				"error": err,
			}).Error("Error archiving URL")

			bc.Broadcast(models.ArchiveFailedEvent{Url: target, At: time.Now().UTC()})
			return c.Status(fiber.StatusInternalServerError).JSON(models.ArchiveResponse{})
		}

		// The link is archived either way, a failed save only loses history
		if _, err := config.Store.SaveLink(c.UserContext(), models.SavedLink{
			Link:        target,
			ArchivedUrl: archived,
			Title:       strings.TrimSpace(req.Title),
		}); err != nil {
			log.WithFields(log.Fields{
				"url":   target,
				"error": err,
			}).Error("Error saving archived link")
		}

		bc.Broadcast(models.ArchivedEvent{Url: target, ArchivedUrl: archived, At: time.Now().UTC()})
		return c.JSON(models.ArchiveResponse{ArchivedUrl: &archived})
	})

	app.Delete("/archive/events", func(c *fiber.Ctx) error {
		key := c.Query("key", "")
		bc.RemoveClient(key)
		return c.Status(fiber.StatusOK).SendString("OK")
	})

	app.Get("/archive/events", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		// Unique client key
		key := uuid.New().String()
		events := make(chan interface{}, 10) // Buffered channel
		alive := time.NewTicker(5 * time.Second)

		bc.AddClient(key, events)

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer alive.Stop()
			defer bc.RemoveClient(key)

			fmt.Fprintf(w, "event: init\ndata: %s\n\n", key)
			if err := w.Flush(); err != nil {
				log.Errorf("Failed to send init event: %v", err)
				return
			}

			for {
				select {
				case <-alive.C:
					if _, err := fmt.Fprintf(w, "event: ping\ndata: \n\n"); err != nil {
						log.Warnf("Failed to send ping to client %s: %v", key, err)
						return
					}
					if err := w.Flush(); err != nil {
						log.Warnf("Failed to flush ping for client %s: %v", key, err)
						return
					}

				case event, ok := <-events:
					if !ok {
						log.Warnf("Event channel closed for client %s", key)
						return
					}
					if err := writeEvent(w, event); err != nil {
						log.Warnf("Failed to send event to client %s: %v", key, err)
						return
					}
				}
			}
		}))

		return nil
	})

	app.Post("/rss", func(c *fiber.Ctx) error {
		var req models.FeedRequest
		if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.Url) == "" {
			return c.Status(fiber.StatusBadRequest).SendString(msgURLRequired)
		}

		feed, err := config.Store.AddFeed(c.UserContext(), strings.TrimSpace(req.Url))
		if err != nil {
			log.WithField("error", err).Error("Error saving the RSS feed URL")
			return c.Status(fiber.StatusInternalServerError).SendString("Error saving the RSS feed URL")
		}

		if !c.Is("json") {
			return c.Redirect("/")
		}
		return c.Status(fiber.StatusCreated).JSON(feed)
	})

	app.Get("/rss", func(c *fiber.Ctx) error {
		feeds, err := config.Store.ListFeeds(c.UserContext(), c.QueryBool("hidden", true))
		if err != nil {
			log.WithField("error", err).Error("Error listing RSS feeds")
			return c.Status(fiber.StatusInternalServerError).SendString("Error listing RSS feeds")
		}
		return c.JSON(feeds)
	})

	app.Post("/delete-rss", func(c *fiber.Ctx) error {
		id, err := feedID(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).SendString(msgIDRequired)
		}

		if err := config.Store.DeleteFeed(c.UserContext(), id); err != nil {
			return feedError(c, err, "Error deleting the RSS feed URL")
		}

		if !c.Is("json") {
			return c.Redirect("/")
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Post("/hide-rss", func(c *fiber.Ctx) error {
		id, err := feedID(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).SendString(msgIDRequired)
		}

		feed, err := config.Store.ToggleFeedHidden(c.UserContext(), id)
		if err != nil {
			return feedError(c, err, "Error hiding the RSS feed URL")
		}

		if !c.Is("json") {
			return c.Redirect("/")
		}
		return c.JSON(feed)
	})

	app.Get("/saved-rss", func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", db.DefaultSavedLinksLimit)
		if limit < 1 || limit > 1000 {
			limit = db.DefaultSavedLinksLimit
		}

		links, err := config.Store.ListSavedLinks(c.UserContext(), limit)
		if err != nil {
			log.WithField("error", err).Error("Error fetching saved links")
			return c.Status(fiber.StatusInternalServerError).SendString("Error fetching saved RSS feeds")
		}
		return c.JSON(links)
	})

	app.Delete("/saved-rss", func(c *fiber.Ctx) error {
		days := c.QueryInt("days", int(db.DefaultRetention/(24*time.Hour)))
		if days < 1 {
			return c.Status(fiber.StatusBadRequest).SendString("Invalid days")
		}

		removed, err := config.Store.Tidy(c.UserContext(), time.Duration(days)*24*time.Hour)
		if err != nil {
			log.WithField("error", err).Error("Error tidying saved links")
			return c.Status(fiber.StatusInternalServerError).SendString("Error tidying saved links")
		}
		return c.JSON(fiber.Map{"removed": removed})
	})

	// Serve the static page
	app.Use("/", filesystem.New(filesystem.Config{
		Browse:     false,
		Index:      "index.html",
		Root:       http.FS(dist),
		PathPrefix: "/dist",
	}))

	return app
}

func feedID(c *fiber.Ctx) (int64, error) {
	var req models.FeedRequest
	if err := c.BodyParser(&req); err != nil {
		return 0, err
	}
	if req.Id <= 0 {
		return 0, errors.New("missing feed id")
	}
	return req.Id, nil
}

func feedError(c *fiber.Ctx, err error, message string) error {
	if errors.Is(err, db.ErrFeedNotFound) {
		return c.Status(fiber.StatusNotFound).SendString(msgNotFound)
	}
	log.WithField("error", err).Error(message)
	return c.Status(fiber.StatusInternalServerError).SendString(message)
}

func writeEvent(w *bufio.Writer, event interface{}) error {
	var name string
	switch event.(type) {
	case models.ArchivedEvent:
		name = "archived"
	case models.ArchiveFailedEvent:
		name = "failed"
	default:
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Errorf("Error marshalling %s event: %v", name, err)
		return nil
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	return w.Flush()
}
