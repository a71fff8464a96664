package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/maneesh/hookdrive/internal/models"
	"github.com/maneesh/hookdrive/internal/transfer"
)

// FilesHandler manages stored file records.
type FilesHandler struct {
	svc *transfer.Service
}

func NewFilesHandler(svc *transfer.Service) *FilesHandler {
	return &FilesHandler{svc: svc}
}

// FileDetails is a file record with its chunk locations.
type FileDetails struct {
	models.File
	Chunks []models.Chunk `json:"chunks"`
	Active bool           `json:"active"`
}

// List handles GET /files
func (fh *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	files, err := fh.svc.Files(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if files == nil {
		files = []models.File{}
	}
	writeJSON(w, http.StatusOK, files)
}

// Get handles GET /files/{file_id}
func (fh *FilesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["file_id"]
	file, err := fh.svc.File(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	chunks, err := fh.svc.Chunks(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if chunks == nil {
		chunks = []models.Chunk{}
	}
	writeJSON(w, http.StatusOK, FileDetails{File: *file, Chunks: chunks, Active: fh.svc.Active(id)})
}

type renameRequest struct {
	Name string `json:"name"`
}

// Rename handles PATCH /files/{file_id}
func (fh *FilesHandler) Rename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	id := mux.Vars(r)["file_id"]
	if err := fh.svc.Rename(r.Context(), id, req.Name); err != nil {
		writeError(w, err)
		return
	}
	file, err := fh.svc.File(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// Delete handles DELETE /files/{file_id}?soft=true
func (fh *FilesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	soft := false
	if v := r.URL.Query().Get("soft"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(w, "invalid 'soft' query parameter")
			return
		}
		soft = b
	}
	if err := fh.svc.Delete(r.Context(), mux.Vars(r)["file_id"], soft); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Export handles POST /files/{file_id}/export
func (fh *FilesHandler) Export(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["file_id"]
	export, err := fh.svc.Export(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}
