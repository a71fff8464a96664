package handlers

import (
	"mime"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/hookdrive/internal/transfer"
)

// ReadHandler downloads a complete file from its webhook attachments and
// streams the merged bytes.
type ReadHandler struct {
	svc *transfer.Service
	l   *log.Entry
}

// NewReadHandler creates a read handler.
func NewReadHandler(svc *transfer.Service) *ReadHandler {
	return &ReadHandler{svc: svc, l: log.WithField("component", "read")}
}

// ServeHTTP handles GET /read/{file_id}
func (rh *ReadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "read_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	fileID := mux.Vars(r)["file_id"]
	if fileID == "" {
		badRequest(w, "missing file_id in path")
		return
	}
	span.SetAttributes(attribute.String("file_id", fileID))

	file, data, err := rh.svc.Download(ctx, fileID)
	if err != nil {
		span.RecordError(err)
		rh.l.WithError(err).WithField("file_id", fileID).Warn("download failed")
		writeError(w, err)
		return
	}

	contentType := file.Type
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": file.Name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		rh.l.WithError(err).WithField("file_id", fileID).Debug("client went away")
		return
	}

	rh.l.WithFields(log.Fields{"file_id": fileID, "size": len(data)}).Info("file read")
}
