package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vietddude/resilience/deadletter"
	"github.com/vietddude/resilience/internal/metrics"
)

// Archive implements deadletter.Archive using PostgreSQL. The full item
// is stored as JSONB next to the columns queries filter and order on.
type Archive struct {
	db *DB
}

// NewArchive creates a PostgreSQL-backed dead letter archive.
func NewArchive(db *DB) *Archive {
	return &Archive{db: db}
}

// Save upserts an item. Replayed items keep their ID, so a failed
// replay overwrites the existing row with the bumped attempt count.
func (a *Archive) Save(ctx context.Context, item *deadletter.Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		metrics.ArchiveOps.WithLabelValues("postgres", "save", "error").Inc()
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	query := `
		INSERT INTO dead_letters (id, operation_name, category, attempts, first_failure, last_failure, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET attempts = EXCLUDED.attempts, last_failure = EXCLUDED.last_failure, payload = EXCLUDED.payload
	`
	err = a.withRetry(ctx, func() error {
		_, err := a.db.ExecContext(
			ctx,
			query,
			item.ID,
			item.OperationName,
			string(item.Category()),
			item.Attempts,
			item.FirstFailure.UTC(),
			item.LastFailure.UTC(),
			payload,
		)
		if err != nil {
			return fmt.Errorf("failed to save dead letter: %w", err)
		}
		return nil
	})
	metrics.ArchiveOps.WithLabelValues("postgres", "save", statusOf(err)).Inc()
	return err
}

// Delete removes an item.
func (a *Archive) Delete(ctx context.Context, id string) error {
	err := a.withRetry(ctx, func() error {
		if _, err := a.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete dead letter: %w", err)
		}
		return nil
	})
	metrics.ArchiveOps.WithLabelValues("postgres", "delete", statusOf(err)).Inc()
	return err
}

// Load returns every archived item, oldest first. Rows whose payload no
// longer unmarshals are skipped.
func (a *Archive) Load(ctx context.Context) ([]*deadletter.Item, error) {
	var items []*deadletter.Item
	err := a.withRetry(ctx, func() error {
		var rows []struct {
			ID      string `db:"id"`
			Payload []byte `db:"payload"`
		}
		query := `
			SELECT id, payload
			FROM dead_letters
			ORDER BY first_failure ASC
		`
		if err := a.db.SelectContext(ctx, &rows, query); err != nil {
			return fmt.Errorf("failed to load dead letters: %w", err)
		}

		items = make([]*deadletter.Item, 0, len(rows))
		for _, row := range rows {
			var item deadletter.Item
			if err := json.Unmarshal(row.Payload, &item); err != nil {
				continue
			}
			items = append(items, &item)
		}
		return nil
	})
	metrics.ArchiveOps.WithLabelValues("postgres", "load", statusOf(err)).Inc()
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Clear drops every archived item.
func (a *Archive) Clear(ctx context.Context) error {
	err := a.withRetry(ctx, func() error {
		if _, err := a.db.ExecContext(ctx, `DELETE FROM dead_letters`); err != nil {
			return fmt.Errorf("failed to clear dead letters: %w", err)
		}
		return nil
	})
	metrics.ArchiveOps.WithLabelValues("postgres", "clear", statusOf(err)).Inc()
	return err
}

// Count returns the number of archived items.
func (a *Archive) Count(ctx context.Context) (int, error) {
	var count int
	if err := a.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM dead_letters`); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return count, nil
}

// withRetry wraps an operation with exponential backoff retry logic.
// Retries on transient database errors; context cancellation stops
// immediately.
func (a *Archive) withRetry(ctx context.Context, operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second

	return backoff.Retry(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
