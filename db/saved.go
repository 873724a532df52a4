package db

import (
	"context"
	"fmt"
	"time"

	"rssarchive/models"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"
)

const DefaultSavedLinksLimit = 100

// SaveLink stores a successfully archived link and returns it with its id
func (s *Store) SaveLink(ctx context.Context, link models.SavedLink) (models.SavedLink, error) {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = s.now().UTC().Truncate(time.Second)
	}

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto("saved_links").
		Cols("link", "archived_url", "title", "created_at").
		Values(link.Link, link.ArchivedUrl, link.Title, link.CreatedAt.Unix())
	query, args := ib.Build()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return models.SavedLink{}, fmt.Errorf("insert error: %w", err)
	}

	link.Id, err = res.LastInsertId()
	if err != nil {
		return models.SavedLink{}, fmt.Errorf("insert id error: %w", err)
	}

	log.WithFields(log.Fields{
		"id":       link.Id,
		"link":     link.Link,
		"archived": link.ArchivedUrl,
	}).Info("Saved archived link")

	return link, nil
}

// ListSavedLinks returns saved links newest first
func (s *Store) ListSavedLinks(ctx context.Context, limit int) ([]models.SavedLink, error) {
	if limit <= 0 {
		limit = DefaultSavedLinksLimit
	}

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("id", "link", "archived_url", "title", "created_at").
		From("saved_links").
		OrderBy("id").Desc().
		Limit(limit)
	query, args := sb.Build()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	links := []models.SavedLink{}
	for rows.Next() {
		var link models.SavedLink
		var createdAt int64
		if err := rows.Scan(&link.Id, &link.Link, &link.ArchivedUrl, &link.Title, &createdAt); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		link.CreatedAt = time.Unix(createdAt, 0).UTC()
		links = append(links, link)
	}
	return links, rows.Err()
}
