package handlers

import (
	"fmt"
	"io"
	"net/http"
	"os"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/hookdrive/internal/protocol"
	"github.com/maneesh/hookdrive/internal/transfer"
)

// WriteHandler accepts file uploads and hands them to the transfer service.
type WriteHandler struct {
	svc      *transfer.Service
	spoolDir string
	l        *log.Entry
}

// NewWriteHandler creates a write handler. Request bodies are spooled under
// spoolDir (the system temp dir when empty) while their upload runs.
func NewWriteHandler(svc *transfer.Service, spoolDir string) *WriteHandler {
	return &WriteHandler{
		svc:      svc,
		spoolDir: spoolDir,
		l:        log.WithField("component", "write"),
	}
}

// WriteResponse is returned once an upload has been accepted.
type WriteResponse struct {
	FileID      string `json:"file_id"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	TotalChunks int    `json:"total_chunks"`
	Message     string `json:"message"`
}

// ServeHTTP handles PUT /write?name=filename&type=mime
func (wh *WriteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "write_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	name := r.URL.Query().Get("name")
	if name == "" {
		badRequest(w, "missing 'name' query parameter")
		return
	}
	fileType := r.URL.Query().Get("type")
	if fileType == "" {
		fileType = r.Header.Get("Content-Type")
	}
	span.SetAttributes(attribute.String("file_name", name))

	spool, size, err := wh.spool(r.Body)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	span.SetAttributes(attribute.Int64("file_size", size))

	up, err := wh.svc.StartUpload(ctx, &protocol.File{
		Name:   name,
		Type:   fileType,
		Size:   size,
		Reader: spool,
	})
	if err != nil {
		spool.Close()
		span.RecordError(err)
		writeError(w, err)
		return
	}

	wh.l.WithFields(log.Fields{
		"file_id":   up.File.ID,
		"file_name": name,
		"size":      size,
		"chunks":    up.File.TotalChunks,
	}).Info("upload accepted")

	writeJSON(w, http.StatusAccepted, WriteResponse{
		FileID:      up.File.ID,
		FileName:    name,
		FileSize:    size,
		TotalChunks: up.File.TotalChunks,
		Message:     "upload started",
	})
}

// spool copies the request body to a temporary file so the upload can outlive
// the request.
func (wh *WriteHandler) spool(body io.ReadCloser) (*spoolFile, int64, error) {
	defer body.Close()

	f, err := os.CreateTemp(wh.spoolDir, "upload-*")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create spool file: %w", err)
	}
	sf := &spoolFile{f}

	size, err := io.Copy(f, body)
	if err != nil {
		sf.Close()
		return nil, 0, fmt.Errorf("failed to read request body: %w", err)
	}
	return sf, size, nil
}

// spoolFile removes itself when closed.
type spoolFile struct {
	*os.File
}

func (s *spoolFile) Close() error {
	err := s.File.Close()
	if rmErr := os.Remove(s.Name()); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}
