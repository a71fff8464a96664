package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/hookdrive/internal/models"
)

// CacheTTL is how long file metadata stays cached
const CacheTTL = 5 * time.Minute

// RedisCache caches file records in front of the repository.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to Redis and checks the connection.
func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisCache{client: client, ttl: CacheTTL}, nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func fileKey(fileID string) string {
	return fmt.Sprintf("file:%s", fileID)
}

func chunksKey(fileID string) string {
	return fmt.Sprintf("chunks:%s", fileID)
}

// GetFile returns the cached record, or nil on a miss.
func (c *RedisCache) GetFile(ctx context.Context, fileID string) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "redis.get_file",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	data, err := c.client.Get(ctx, fileKey(fileID)).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("cache_hit", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var file models.File
	if err := json.Unmarshal(data, &file); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached data: %w", err)
	}

	span.SetAttributes(attribute.Bool("cache_hit", true))
	return &file, nil
}

// SetFile caches a record for CacheTTL.
func (c *RedisCache) SetFile(ctx context.Context, file *models.File) error {
	ctx, span := tracer.Start(ctx, "redis.set_file",
		trace.WithAttributes(
			attribute.String("file_id", file.ID),
			attribute.String("file_status", string(file.Status)),
		),
	)
	defer span.End()

	data, err := json.Marshal(file)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal file: %w", err)
	}

	if err := c.client.Set(ctx, fileKey(file.ID), data, c.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// GetChunks returns the cached chunk list of a file, or nil on a miss.
func (c *RedisCache) GetChunks(ctx context.Context, fileID string) ([]models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "redis.get_chunks",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	data, err := c.client.Get(ctx, chunksKey(fileID)).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("cache_hit", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var chunks []models.Chunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached chunks: %w", err)
	}
	span.SetAttributes(attribute.Bool("cache_hit", true), attribute.Int("chunk_count", len(chunks)))
	return chunks, nil
}

// SetChunks caches the chunk list of a complete file. Only complete files
// have a stable chunk list.
func (c *RedisCache) SetChunks(ctx context.Context, fileID string, chunks []models.Chunk) error {
	ctx, span := tracer.Start(ctx, "redis.set_chunks",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.Int("chunk_count", len(chunks)),
		),
	)
	defer span.End()

	data, err := json.Marshal(chunks)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal chunks: %w", err)
	}
	if err := c.client.Set(ctx, chunksKey(fileID), data, c.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// InvalidateFile drops the cached record and chunk list.
func (c *RedisCache) InvalidateFile(ctx context.Context, fileID string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_file",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	if err := c.client.Del(ctx, fileKey(fileID), chunksKey(fileID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}
