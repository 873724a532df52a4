package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rssarchive/models"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"
)

// ErrFeedNotFound is returned when no feed has the requested id
var ErrFeedNotFound = errors.New("rss feed not found")

// Store holds registered feeds and saved archive links
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens the SQLite database at path. Migrations must have run.
func NewStore(database string) (*Store, error) {
	db, err := connection(database)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Feed operations

func (s *Store) AddFeed(ctx context.Context, url string) (models.Feed, error) {
	now := s.now().UTC().Truncate(time.Second)

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto("rss_feeds").
		Cols("url", "is_hidden", "created_at", "updated_at").
		Values(url, false, now.Unix(), now.Unix())
	query, args := ib.Build()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return models.Feed{}, fmt.Errorf("insert error: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return models.Feed{}, fmt.Errorf("insert id error: %w", err)
	}

	log.WithFields(log.Fields{
		"id":  id,
		"url": url,
	}).Info("Added rss feed")

	return models.Feed{
		Id:        id,
		Url:       url,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ListFeeds returns feeds in insertion order, hidden ones only when asked for
func (s *Store) ListFeeds(ctx context.Context, includeHidden bool) ([]models.Feed, error) {
	sb := feedSelect()
	if !includeHidden {
		sb.Where(sb.Equal("is_hidden", false))
	}
	sb.OrderBy("id").Asc()

	query, args := sb.Build()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	feeds := []models.Feed{}
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, feed)
	}
	return feeds, rows.Err()
}

func (s *Store) GetFeed(ctx context.Context, id int64) (models.Feed, error) {
	sb := feedSelect()
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	feed, err := scanFeed(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Feed{}, ErrFeedNotFound
	}
	return feed, err
}

func (s *Store) DeleteFeed(ctx context.Context, id int64) error {
	db := sqlbuilder.SQLite.NewDeleteBuilder()
	db.DeleteFrom("rss_feeds").Where(db.Equal("id", id))
	query, args := db.Build()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete error: %w", err)
	}
	if err := expectRow(res); err != nil {
		return err
	}

	log.WithField("id", id).Info("Deleted rss feed")
	return nil
}

// ToggleFeedHidden flips is_hidden and returns the updated feed
func (s *Store) ToggleFeedHidden(ctx context.Context, id int64) (models.Feed, error) {
	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update("rss_feeds").
		Set("is_hidden = NOT is_hidden", ub.Assign("updated_at", s.now().UTC().Unix())).
		Where(ub.Equal("id", id))
	query, args := ub.Build()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return models.Feed{}, fmt.Errorf("update error: %w", err)
	}
	if err := expectRow(res); err != nil {
		return models.Feed{}, err
	}

	feed, err := s.GetFeed(ctx, id)
	if err != nil {
		return models.Feed{}, err
	}

	log.WithFields(log.Fields{
		"id":     id,
		"hidden": feed.IsHidden,
	}).Info("Toggled rss feed visibility")
	return feed, nil
}

func feedSelect() *sqlbuilder.SelectBuilder {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("id", "url", "is_hidden", "created_at", "updated_at").From("rss_feeds")
	return sb
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFeed(row scanner) (models.Feed, error) {
	var feed models.Feed
	var createdAt, updatedAt int64
	if err := row.Scan(&feed.Id, &feed.Url, &feed.IsHidden, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Feed{}, err
		}
		return models.Feed{}, fmt.Errorf("scan error: %w", err)
	}
	feed.CreatedAt = time.Unix(createdAt, 0).UTC()
	feed.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return feed, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return ErrFeedNotFound
	}
	return nil
}
