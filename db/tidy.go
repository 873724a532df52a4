package db

import (
	"context"
	"fmt"
	"time"

	sb "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"
)

// DefaultRetention is how long saved links are kept by Tidy
const DefaultRetention = 90 * 24 * time.Hour

// Tidy removes saved links older than retention from the database
func Tidy(database string, retention time.Duration) (int64, error) {
	store, err := NewStore(database)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	return store.Tidy(context.Background(), retention)
}

// Tidy removes saved links older than retention and returns how many were removed
func (s *Store) Tidy(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", retention)
	}

	cutoff := s.now().Add(-retention).Unix()
	deleteLinks := sb.SQLite.NewDeleteBuilder()
	sql, args := deleteLinks.DeleteFrom("saved_links").Where(deleteLinks.LessThan("created_at", cutoff)).Build()

	log.WithFields(log.Fields{
		"sql":  sql,
		"args": args,
	}).Info("Tidying database")

	res, err := s.db.ExecContext(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("delete error: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}

	log.WithField("removed", removed).Info("Tidied saved links")
	return removed, nil
}
