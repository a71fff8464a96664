package transfer

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/hookdrive/internal/models"
	"github.com/maneesh/hookdrive/internal/protocol"
	"github.com/maneesh/hookdrive/internal/storage"
)

// File returns a file record, served from the cache when possible.
func (s *Service) File(ctx context.Context, fileID string) (*models.File, error) {
	if s.cache != nil {
		cached, err := s.cache.GetFile(ctx, fileID)
		if err != nil {
			s.l.WithError(err).WithField("file_id", fileID).Warn("cache read failed")
		} else if cached != nil {
			return cached, nil
		}
	}

	file, err := s.repo.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetFile(ctx, file); err != nil {
			s.l.WithError(err).WithField("file_id", fileID).Warn("cache write failed")
		}
	}
	return file, nil
}

// Files lists the files that are not deleted.
func (s *Service) Files(ctx context.Context) ([]models.File, error) {
	return s.repo.ListFiles(ctx)
}

// Chunks returns the recorded chunks of a file in index order.
func (s *Service) Chunks(ctx context.Context, fileID string) ([]models.Chunk, error) {
	file, err := s.File(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return s.chunks(ctx, file)
}

// chunks reads the chunk list of file. Lists of complete files no longer
// change and go through the cache.
func (s *Service) chunks(ctx context.Context, file *models.File) ([]models.Chunk, error) {
	cacheable := s.cache != nil && file.Status == models.StatusComplete
	if cacheable {
		cached, err := s.cache.GetChunks(ctx, file.ID)
		if err != nil {
			s.l.WithError(err).WithField("file_id", file.ID).Warn("cache read failed")
		} else if cached != nil {
			return cached, nil
		}
	}

	chunks, err := s.repo.GetChunks(ctx, file.ID)
	if err != nil {
		return nil, err
	}

	if cacheable {
		if err := s.cache.SetChunks(ctx, file.ID, chunks); err != nil {
			s.l.WithError(err).WithField("file_id", file.ID).Warn("cache write failed")
		}
	}
	return chunks, nil
}

// Rename changes the display name of a file.
func (s *Service) Rename(ctx context.Context, fileID, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", protocol.ErrInvalidRequest)
	}
	if err := s.repo.RenameFile(ctx, fileID, name); err != nil {
		return err
	}
	s.invalidate(ctx, fileID)
	return nil
}

// Delete removes a file. A soft delete only hides it from listings. A running
// upload of the file is cancelled and drained first, so none of its buffered
// events land after the delete.
func (s *Service) Delete(ctx context.Context, fileID string, soft bool) error {
	if u, err := s.stop(fileID); err == nil {
		select {
		case <-u.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		s.l.WithField("file_id", fileID).Info("cancelled upload of deleted file")
	}

	var err error
	if soft {
		err = s.repo.MarkFileDeleted(ctx, fileID)
	} else {
		err = s.repo.DeleteFile(ctx, fileID)
	}
	if err != nil {
		return err
	}
	s.invalidate(ctx, fileID)
	return nil
}

func (s *Service) invalidate(ctx context.Context, fileID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateFile(ctx, fileID); err != nil {
		s.l.WithError(err).WithField("file_id", fileID).Warn("cache invalidation failed")
	}
}

// Download fetches every chunk of a complete file through the proxy and
// returns the merged bytes. Progress is published on the file's topic.
func (s *Service) Download(ctx context.Context, fileID string) (*models.File, []byte, error) {
	ctx, span := tracer.Start(ctx, "transfer.download",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	file, err := s.File(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	if file.Status != models.StatusComplete {
		return nil, nil, fmt.Errorf("%w: status %s", ErrNotComplete, file.Status)
	}

	chunks, err := s.chunks(ctx, file)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	req := protocol.DownloadRequest{
		FileID:   file.ID,
		FileName: file.Name,
		FileType: file.Type,
		Chunks:   make([]protocol.ChunkRef, len(chunks)),
	}
	for i, c := range chunks {
		req.Chunks[i] = protocol.ChunkRef{ChunkIndex: c.ChunkIndex, URL: c.URL, Size: c.Size}
	}

	tr, err := s.dl.Start(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	var data []byte
	for ev := range tr.Events() {
		if done, ok := ev.(protocol.DownloadComplete); ok {
			data = done.Blob.Data
		}
		s.broker.Publish(fileID, ev)
	}
	if err := tr.Err(); err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	span.SetAttributes(attribute.Int("size_bytes", len(data)))
	return file, data, nil
}

// ExportResult is a file copied into the export sink.
type ExportResult struct {
	FileID   string    `json:"file_id"`
	Location string    `json:"location"`
	URL      string    `json:"url"`
	Expires  time.Time `json:"expires"`
}

// Export downloads a complete file, stores it in the export sink and returns
// where it went along with a temporary download link.
func (s *Service) Export(ctx context.Context, fileID string) (*ExportResult, error) {
	if s.sink == nil {
		return nil, ErrNoExportSink
	}

	file, data, err := s.Download(ctx, fileID)
	if err != nil {
		return nil, err
	}

	key := storage.ExportKey(file.ID, file.Name)
	location, err := s.sink.Put(ctx, key, file.Type, data)
	if err != nil {
		return nil, err
	}
	link, err := s.sink.URL(ctx, key, ExportURLExpiry)
	if err != nil {
		return nil, err
	}

	s.l.WithFields(log.Fields{"file_id": file.ID, "location": location}).Info("file exported")
	return &ExportResult{
		FileID:   file.ID,
		Location: location,
		URL:      link,
		Expires:  time.Now().Add(ExportURLExpiry),
	}, nil
}
