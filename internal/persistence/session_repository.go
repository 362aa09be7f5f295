package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/IliaW/image-crawler/internal"
	"github.com/IliaW/image-crawler/internal/model"
	"github.com/lib/pq"
)

type SessionStorage interface {
	Save(context.Context, *model.Result)
}

// SessionRepository stores crawl sessions in image_crawler.crawl_session and their images in
// image_crawler.crawl_image. See db/schema.sql.
type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (sr *SessionRepository) Save(ctx context.Context, result *model.Result) {
	if err := sr.save(ctx, result); err != nil {
		slog.Error("failed to save crawl session to database.", slog.String("session", result.SessionID),
			slog.String("err", err.Error()))
		return
	}
	slog.Debug("crawl session saved to db.", slog.String("session", result.SessionID))
}

func (sr *SessionRepository) save(ctx context.Context, result *model.Result) error {
	tx, err := sr.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO image_crawler.crawl_session
    (session_id, seed_url_hash, seed_url, base_host, max_depth, pages_fetched, pages_failed, images, cancelled,
     started_at, finished_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (session_id) DO NOTHING;`,
		result.SessionID,
		internal.HashURL(result.SeedURL),
		result.SeedURL,
		result.BaseHost,
		result.MaxDepth,
		result.PagesFetched,
		result.PagesFailed,
		len(result.Images),
		result.Cancelled,
		result.StartedAt,
		result.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema("image_crawler", "crawl_image",
		"session_id", "image_url", "source_url", "depth"))
	if err != nil {
		return fmt.Errorf("failed to prepare copy: %w", err)
	}
	for _, image := range result.Images {
		if _, err = stmt.ExecContext(ctx, result.SessionID, image.ImageURL, image.SourceURL, image.Depth); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to copy image: %w", err)
		}
	}
	if _, err = stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("failed to flush images: %w", err)
	}
	if err = stmt.Close(); err != nil {
		return err
	}

	return tx.Commit()
}
