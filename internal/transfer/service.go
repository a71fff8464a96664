// Package transfer drives the upload and download engines on behalf of the
// HTTP layer: it owns file records, persists chunk locations as they arrive
// and decides when a file is complete.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/hookdrive/internal/chunker"
	"github.com/maneesh/hookdrive/internal/downloader"
	"github.com/maneesh/hookdrive/internal/events"
	"github.com/maneesh/hookdrive/internal/models"
	"github.com/maneesh/hookdrive/internal/protocol"
	"github.com/maneesh/hookdrive/internal/storage"
	"github.com/maneesh/hookdrive/internal/uploader"
)

var tracer = otel.Tracer("hookdrive-transfer")

var (
	ErrNoEndpoints       = errors.New("transfer: no webhook endpoints configured")
	ErrCompletionTimeout = errors.New("transfer: upload did not complete in time")
	ErrUploadFailed      = errors.New("transfer: some chunks failed to upload")
	ErrNotComplete       = errors.New("transfer: file upload is not complete")
	ErrNoActiveTransfer  = errors.New("transfer: no active upload for file")
	ErrNoExportSink      = errors.New("transfer: export storage is not configured")
)

// ExportURLExpiry is how long the download link of an export stays valid.
const ExportURLExpiry = time.Hour

// DefaultCompletionTimeout bounds the wait for the terminal event once an
// upload reports at least 99% progress.
const DefaultCompletionTimeout = 30 * time.Second

// Repository is the metadata store the service works against.
type Repository interface {
	CreateFile(ctx context.Context, file *models.File) error
	UpsertChunk(ctx context.Context, fileID string, index int, loc models.ChunkLocation) error
	CountChunks(ctx context.Context, fileID string) (int, error)
	MarkFileComplete(ctx context.Context, fileID string) error
	GetFile(ctx context.Context, fileID string) (*models.File, error)
	GetChunks(ctx context.Context, fileID string) ([]models.Chunk, error)
	ListFiles(ctx context.Context) ([]models.File, error)
	RenameFile(ctx context.Context, fileID, name string) error
	MarkFileDeleted(ctx context.Context, fileID string) error
	DeleteFile(ctx context.Context, fileID string) error
	ListWebhooks(ctx context.Context) ([]models.Webhook, error)
}

// Cache holds file records, and the chunk lists of complete files, in front
// of the repository. Misses return nil without error.
type Cache interface {
	GetFile(ctx context.Context, fileID string) (*models.File, error)
	SetFile(ctx context.Context, file *models.File) error
	GetChunks(ctx context.Context, fileID string) ([]models.Chunk, error)
	SetChunks(ctx context.Context, fileID string, chunks []models.Chunk) error
	InvalidateFile(ctx context.Context, fileID string) error
}

// Sink receives exported files.
type Sink interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	URL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Options configures the service. Cache and Sink are optional.
type Options struct {
	Uploader   *uploader.Uploader
	Downloader *downloader.Downloader
	Repo       Repository
	Cache      Cache
	Sink       Sink
	Broker     *events.Broker

	// WebhookURLs are used when no webhook is registered.
	WebhookURLs []string

	// ChunkSize defaults to chunker.DefaultChunkSize.
	ChunkSize int64

	// CompletionTimeout defaults to DefaultCompletionTimeout.
	CompletionTimeout time.Duration

	Logger *log.Entry
}

// Service runs transfers in the background and tracks the active ones.
type Service struct {
	up      *uploader.Uploader
	dl      *downloader.Downloader
	repo    Repository
	cache   Cache
	sink    Sink
	broker  *events.Broker
	hooks   []string
	chunk   int64
	timeout time.Duration
	l       *log.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*Upload
}

// New creates a service.
func New(opts Options) *Service {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = chunker.DefaultChunkSize
	}
	if opts.CompletionTimeout <= 0 {
		opts.CompletionTimeout = DefaultCompletionTimeout
	}
	if opts.Broker == nil {
		opts.Broker = events.NewBroker()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewEntry(log.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		up:      opts.Uploader,
		dl:      opts.Downloader,
		repo:    opts.Repo,
		cache:   opts.Cache,
		sink:    opts.Sink,
		broker:  opts.Broker,
		hooks:   opts.WebhookURLs,
		chunk:   opts.ChunkSize,
		timeout: opts.CompletionTimeout,
		l:       opts.Logger.WithField("component", "transfer"),
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[string]*Upload),
	}
}

// Broker returns the broker transfer events are published on, one topic per file id.
func (s *Service) Broker() *events.Broker { return s.broker }

// Close aborts every running upload and waits for the background work to stop.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every background upload has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Endpoints returns the registered webhook URLs, or the configured ones when
// none are registered.
func (s *Service) Endpoints(ctx context.Context) ([]string, error) {
	hooks, err := s.repo.ListWebhooks(ctx)
	if err != nil {
		return nil, err
	}
	if len(hooks) == 0 {
		return s.hooks, nil
	}
	urls := make([]string, len(hooks))
	for i, h := range hooks {
		urls[i] = h.URL
	}
	return urls, nil
}

// Upload is a background upload started by StartUpload.
type Upload struct {
	File *models.File

	tr   *uploader.Transfer
	done chan struct{}
	err  error
}

// Done is closed when the upload has ended and its outcome is persisted.
func (u *Upload) Done() <-chan struct{} { return u.done }

// Err blocks until the upload ends. It returns nil only when the file was
// marked complete.
func (u *Upload) Err() error {
	<-u.done
	return u.err
}

// StartUpload creates the file record and uploads file in the background.
// When file.Reader is an io.Closer it is closed once the upload ends.
func (s *Service) StartUpload(ctx context.Context, file *protocol.File) (*Upload, error) {
	ctx, span := tracer.Start(ctx, "transfer.start_upload",
		trace.WithAttributes(
			attribute.String("file_name", file.Name),
			attribute.Int64("file_size", file.Size),
		),
	)
	defer span.End()

	endpoints, err := s.Endpoints(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load webhooks: %w", err)
	}
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	plan, err := chunker.NewPlan(file.Size, s.chunk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidRequest, err)
	}

	rec := &models.File{
		Name:        file.Name,
		Type:        file.Type,
		Size:        file.Size,
		TotalChunks: plan.Count,
	}
	if err := s.repo.CreateFile(ctx, rec); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("file_id", rec.ID))

	tr, err := s.up.Start(s.ctx, protocol.UploadRequest{
		File:          file,
		EndpointURLs:  endpoints,
		ChunkSize:     s.chunk,
		CorrelationID: rec.ID,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to start upload: %w", err)
	}

	u := &Upload{File: rec, tr: tr, done: make(chan struct{})}
	s.mu.Lock()
	s.active[rec.ID] = u
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(u.done)
		u.err = s.consume(rec, file, tr)
	}()
	return u, nil
}

// uploadState is what consume learns from the event stream.
type uploadState struct {
	summary  *protocol.UploadComplete
	failure  error
	markErr  error
	timedOut bool
}

// consume persists the events of one upload until its stream closes.
func (s *Service) consume(rec *models.File, file *protocol.File, tr *uploader.Transfer) error {
	l := s.l.WithFields(log.Fields{"file_id": rec.ID, "file_name": rec.Name})
	defer func() {
		s.mu.Lock()
		delete(s.active, rec.ID)
		s.mu.Unlock()
		s.broker.CloseTopic(rec.ID)
		if c, ok := file.Reader.(io.Closer); ok {
			if err := c.Close(); err != nil {
				l.WithError(err).Warn("failed to release upload source")
			}
		}
	}()

	ctx := context.WithoutCancel(s.ctx)
	var st uploadState
	var stall <-chan time.Time
	var timer *time.Timer
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
		stall = nil
	}
	defer disarm()

	stream := tr.Events()
	for stream != nil {
		select {
		case ev, ok := <-stream:
			if !ok {
				stream = nil
				continue
			}
			s.handle(ctx, l, rec, ev, &st)

			switch e := ev.(type) {
			case protocol.UploadProgress:
				// The watchdog measures silence after full progress. A retry
				// drops progress below the threshold and disarms it.
				disarm()
				if e.OverallProgress >= 99 {
					timer = time.NewTimer(s.timeout)
					stall = timer.C
				}
			case protocol.UploadComplete, protocol.Error:
				disarm()
			}

		case <-stall:
			stall = nil
			st.timedOut = true
			l.WithField("timeout", s.timeout).Warn("upload stalled after reaching full progress, cancelling")
			tr.Cancel()
			s.broker.Publish(rec.ID, protocol.Error{FileID: rec.ID, Message: ErrCompletionTimeout.Error()})
		}
	}

	err := s.outcome(tr.Err(), &st)
	if err != nil {
		l.WithError(err).Warn("upload ended without completing the file")
	} else {
		l.Info("file complete")
	}
	return err
}

func (s *Service) outcome(trErr error, st *uploadState) error {
	switch {
	case st.timedOut:
		return ErrCompletionTimeout
	case trErr != nil:
		return trErr
	case st.failure != nil:
		return st.failure
	case st.summary == nil:
		return ErrUploadFailed
	case st.summary.FailedChunks > 0:
		return fmt.Errorf("%w: %d of %d", ErrUploadFailed, st.summary.FailedChunks, st.summary.TotalChunks)
	case st.markErr != nil:
		return st.markErr
	}
	return nil
}

// handle persists one event and then republishes it, so a subscriber that
// sees file-complete can already read the completed record.
func (s *Service) handle(ctx context.Context, l *log.Entry, rec *models.File, ev protocol.Event, st *uploadState) {
	switch e := ev.(type) {
	case protocol.ChunkURL:
		err := s.repo.UpsertChunk(ctx, rec.ID, e.ChunkIndex, models.ChunkLocation{
			URL:             e.URL,
			Size:            e.Size,
			RemoteObjectID:  e.RemoteObjectID,
			RemoteMessageID: e.RemoteMessageID,
			EndpointID:      e.EndpointID,
		})
		if err != nil {
			l.WithError(err).WithField("chunk", e.ChunkIndex).Error("failed to record chunk location")
		}

	case protocol.FileComplete:
		st.markErr = s.complete(ctx, rec)
		if st.markErr != nil {
			l.WithError(st.markErr).Error("failed to mark file complete")
		}

	case protocol.UploadComplete:
		st.summary = &e
		l.WithFields(log.Fields{
			"successful": e.SuccessfulChunks,
			"failed":     e.FailedChunks,
			"total_ms":   e.TotalTime,
		}).Info("upload finished")

	case protocol.Error:
		st.failure = errors.New(e.Message)
	}

	s.broker.Publish(rec.ID, ev)
}

// complete marks the file complete once every chunk location is recorded.
func (s *Service) complete(ctx context.Context, rec *models.File) error {
	n, err := s.repo.CountChunks(ctx, rec.ID)
	if err != nil {
		return err
	}
	if n != rec.TotalChunks {
		return fmt.Errorf("%w: %d of %d recorded", storage.ErrIncomplete, n, rec.TotalChunks)
	}
	if err := s.repo.MarkFileComplete(ctx, rec.ID); err != nil {
		return err
	}
	s.invalidate(ctx, rec.ID)
	return nil
}

// Cancel stops the active upload of a file. It does not wait for the upload
// to wind down.
func (s *Service) Cancel(fileID string) error {
	_, err := s.stop(fileID)
	return err
}

func (s *Service) stop(fileID string) (*Upload, error) {
	s.mu.Lock()
	u, ok := s.active[fileID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNoActiveTransfer
	}
	u.tr.Cancel()
	return u, nil
}

// Active reports whether an upload of the file is running.
func (s *Service) Active(fileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[fileID]
	return ok
}
