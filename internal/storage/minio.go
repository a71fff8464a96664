package storage

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("hookdrive-storage")

// MinioSink receives reassembled files exported out of the webhook store.
type MinioSink struct {
	client     *minio.Client
	bucketName string
}

// NewMinioSink connects to MinIO and makes sure the bucket exists.
func NewMinioSink(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*MinioSink, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		log.WithField("bucket", bucketName).Info("creating bucket")
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioSink{client: client, bucketName: bucketName}, nil
}

// URL returns a presigned GET URL for an exported object.
func (s *MinioSink) URL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.presign_get",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	params := url.Values{}
	params.Set("response-content-disposition", mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(key)}))
	u, err := s.client.PresignedGetObject(ctx, s.bucketName, key, expiry, params)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to presign object: %w", err)
	}
	return u.String(), nil
}

// ExportKey is the object key a file is exported under.
func ExportKey(fileID, name string) string {
	return fmt.Sprintf("exports/%s/%s", fileID, name)
}

// Put stores data under key and returns the object location.
func (s *MinioSink) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.put_object",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to put object: %w", err)
	}

	span.SetAttributes(attribute.String("etag", info.ETag))
	return fmt.Sprintf("%s/%s", info.Bucket, info.Key), nil
}
