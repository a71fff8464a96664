package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/maneesh/hookdrive/internal/models"
)

var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("storage: record not found")

	// ErrIncomplete means a file cannot be marked complete before every chunk is recorded.
	ErrIncomplete = errors.New("storage: file has missing chunks")

	// ErrNotUploading is returned when a file left the UPLOADING state.
	ErrNotUploading = errors.New("storage: file is not uploading")
)

// Repository persists file, chunk and webhook metadata.
type Repository struct {
	db *gorm.DB
}

// NewMySQL connects to MySQL or TiDB and migrates the schema.
func NewMySQL(dsn string) (*Repository, error) {
	repo, err := Open(gormmysql.Open(dsn))
	if err != nil {
		return nil, err
	}

	sqlDB, err := repo.db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return repo, nil
}

// Open connects through any gorm dialector and migrates the schema.
func Open(dialector gorm.Dialector) (*Repository, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := db.AutoMigrate(&models.File{}, &models.Chunk{}, &models.Webhook{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the connection
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateFile inserts a new file record in UPLOADING state and assigns its id.
func (r *Repository) CreateFile(ctx context.Context, file *models.File) error {
	if file.ID == "" {
		file.ID = uuid.NewString()
	}
	file.Status = models.StatusUploading

	ctx, span := tracer.Start(ctx, "tidb.create_file",
		trace.WithAttributes(
			attribute.String("file_id", file.ID),
			attribute.String("file_name", file.Name),
			attribute.Int64("file_size", file.Size),
			attribute.Int("total_chunks", file.TotalChunks),
		),
	)
	defer span.End()

	if err := r.db.WithContext(ctx).Create(file).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert file: %w", err)
	}
	return nil
}

// UpsertChunk records where chunk index of a file was stored. A second call for
// the same (file, index) pair replaces the location instead of adding a row.
// The file must exist and not be deleted.
func (r *Repository) UpsertChunk(ctx context.Context, fileID string, index int, loc models.ChunkLocation) error {
	ctx, span := tracer.Start(ctx, "tidb.upsert_chunk",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.Int("chunk_index", index),
		),
	)
	defer span.End()

	chunk := models.Chunk{
		FileID:          fileID,
		ChunkIndex:      index,
		Size:            loc.Size,
		URL:             loc.URL,
		RemoteObjectID:  loc.RemoteObjectID,
		RemoteMessageID: loc.RemoteMessageID,
		EndpointID:      loc.EndpointID,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var file models.File
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "status").
			First(&file, "id = ?", fileID).Error; err != nil {
			return notFound(err)
		}
		if file.Status == models.StatusDeleted {
			return fmt.Errorf("%w: %s", ErrNotUploading, file.Status)
		}
		return upsertChunk(tx, &chunk)
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotUploading) {
			return err
		}
		return fmt.Errorf("failed to upsert chunk: %w", err)
	}
	return nil
}

func upsertChunk(tx *gorm.DB, chunk *models.Chunk) error {
	return tx.
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "file_id"},
				{Name: "chunk_index"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"size",
				"url",
				"remote_object_id",
				"remote_message_id",
				"endpoint_id",
				"updated_at",
			}),
		}).
		Create(chunk).Error
}

// CountChunks returns how many distinct chunks of a file are recorded.
func (r *Repository) CountChunks(ctx context.Context, fileID string) (int, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Chunk{}).Where("file_id = ?", fileID).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return int(n), nil
}

// MarkFileComplete flips an UPLOADING file to COMPLETE. It refuses with
// ErrIncomplete while fewer than TotalChunks chunks are recorded, and with
// ErrNotUploading for a deleted file. A complete file is left as is.
func (r *Repository) MarkFileComplete(ctx context.Context, fileID string) error {
	ctx, span := tracer.Start(ctx, "tidb.mark_file_complete",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var file models.File
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&file, "id = ?", fileID).Error; err != nil {
			return notFound(err)
		}
		switch file.Status {
		case models.StatusComplete:
			return nil
		case models.StatusUploading:
		default:
			return fmt.Errorf("%w: %s", ErrNotUploading, file.Status)
		}

		var n int64
		if err := tx.Model(&models.Chunk{}).Where("file_id = ?", fileID).Count(&n).Error; err != nil {
			return fmt.Errorf("failed to count chunks: %w", err)
		}
		if int(n) < file.TotalChunks {
			return fmt.Errorf("%w: %d of %d recorded", ErrIncomplete, n, file.TotalChunks)
		}

		res := tx.Model(&models.File{}).
			Where("id = ? AND status = ?", fileID, models.StatusUploading).
			Update("status", models.StatusComplete)
		if res.Error != nil {
			return fmt.Errorf("failed to update file status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotUploading
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// GetFile retrieves file metadata by ID
func (r *Repository) GetFile(ctx context.Context, fileID string) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_file",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	var file models.File
	if err := r.db.WithContext(ctx).First(&file, "id = ?", fileID).Error; err != nil {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, notFound(err)
	}
	span.SetAttributes(attribute.Bool("found", true))
	return &file, nil
}

// GetChunks retrieves all chunks of a file ordered by index
func (r *Repository) GetChunks(ctx context.Context, fileID string) ([]models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_chunks",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	var chunks []models.Chunk
	err := r.db.WithContext(ctx).Where("file_id = ?", fileID).Order("chunk_index ASC").Find(&chunks).Error
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	return chunks, nil
}

// ListFiles returns every file that is not soft-deleted, newest first.
func (r *Repository) ListFiles(ctx context.Context) ([]models.File, error) {
	var files []models.File
	err := r.db.WithContext(ctx).
		Where("status <> ?", models.StatusDeleted).
		Order("created_at DESC").
		Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return files, nil
}

// RenameFile changes the display name of a file.
func (r *Repository) RenameFile(ctx context.Context, fileID, name string) error {
	return r.updateFile(ctx, fileID, "name", name)
}

// MarkFileDeleted hides a file from listings without touching its chunks.
func (r *Repository) MarkFileDeleted(ctx context.Context, fileID string) error {
	return r.updateFile(ctx, fileID, "status", models.StatusDeleted)
}

func (r *Repository) updateFile(ctx context.Context, fileID, column string, value any) error {
	res := r.db.WithContext(ctx).Model(&models.File{}).Where("id = ?", fileID).Update(column, value)
	if res.Error != nil {
		return fmt.Errorf("failed to update file %s: %w", column, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFile removes a file and its chunk records.
func (r *Repository) DeleteFile(ctx context.Context, fileID string) error {
	ctx, span := tracer.Start(ctx, "tidb.delete_file",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("file_id = ?", fileID).Delete(&models.Chunk{}).Error; err != nil {
			return fmt.Errorf("failed to delete chunks: %w", err)
		}
		res := tx.Where("id = ?", fileID).Delete(&models.File{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete file: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// AddWebhooks registers endpoint URLs. Already registered URLs are skipped.
func (r *Repository) AddWebhooks(ctx context.Context, urls []string) ([]models.Webhook, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	hooks := make([]models.Webhook, 0, len(urls))
	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		hooks = append(hooks, models.Webhook{ID: uuid.NewString(), URL: u})
	}
	if len(hooks) == 0 {
		return nil, nil
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "url"}}, DoNothing: true}).
		Create(&hooks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to insert webhooks: %w", err)
	}

	var stored []models.Webhook
	if err := r.db.WithContext(ctx).Where("url IN ?", urls).Order("created_at ASC").Find(&stored).Error; err != nil {
		return nil, fmt.Errorf("failed to query webhooks: %w", err)
	}
	return stored, nil
}

// ListWebhooks returns every registered endpoint in registration order.
func (r *Repository) ListWebhooks(ctx context.Context) ([]models.Webhook, error) {
	var hooks []models.Webhook
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&hooks).Error; err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	return hooks, nil
}

// DeleteWebhook unregisters an endpoint.
func (r *Repository) DeleteWebhook(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Webhook{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete webhook: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("failed to query file: %w", err)
}
