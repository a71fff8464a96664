// Package protocol defines the messages exchanged between a transfer engine
// and its controller. Every message carries a "type" discriminator when it is
// encoded as JSON.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Message types.
const (
	TypeUpload       = "upload"
	TypeDownload     = "download"
	TypeCancel       = "cancel"
	TypeProgress     = "progress"
	TypeChunkURL     = "chunk-url"
	TypeFileComplete = "file-complete"
	TypeComplete     = "complete"
	TypeError        = "error"
)

var (
	ErrInvalidRequest = errors.New("protocol: invalid request")
	ErrUnknownType    = errors.New("protocol: unknown message type")
)

// Event is anything an engine emits towards its controller.
type Event interface {
	EventType() string
}

// File is the byte-addressable source of an upload.
type File struct {
	Name   string
	Type   string
	Size   int64
	Reader io.ReaderAt
}

// UploadRequest starts an upload. File is attached in-process and is never
// part of the JSON form.
type UploadRequest struct {
	File          *File    `json:"-"`
	EndpointURLs  []string `json:"endpointUrls"`
	ChunkSize     int64    `json:"chunkSize,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
}

// Validate checks the request before any transfer starts.
func (r *UploadRequest) Validate() error {
	if r.File == nil || r.File.Reader == nil {
		return fmt.Errorf("%w: missing file", ErrInvalidRequest)
	}
	if r.File.Size < 0 {
		return fmt.Errorf("%w: negative file size", ErrInvalidRequest)
	}
	if len(r.EndpointURLs) == 0 {
		return fmt.Errorf("%w: no endpoint urls", ErrInvalidRequest)
	}
	if r.ChunkSize < 0 {
		return fmt.Errorf("%w: negative chunk size", ErrInvalidRequest)
	}
	return nil
}

// ChunkRef locates one stored chunk.
type ChunkRef struct {
	ChunkIndex int    `json:"chunkIndex"`
	URL        string `json:"url"`
	Size       int64  `json:"size"`
}

// DownloadRequest starts a download of the listed chunks.
type DownloadRequest struct {
	FileID   string     `json:"fileId"`
	FileName string     `json:"fileName"`
	FileType string     `json:"fileType"`
	Chunks   []ChunkRef `json:"chunks"`
}

// Validate checks that chunk indices form exactly [0, len(Chunks)).
func (r *DownloadRequest) Validate() error {
	if r.FileID == "" {
		return fmt.Errorf("%w: missing file id", ErrInvalidRequest)
	}
	seen := make([]bool, len(r.Chunks))
	for _, c := range r.Chunks {
		if c.ChunkIndex < 0 || c.ChunkIndex >= len(r.Chunks) {
			return fmt.Errorf("%w: chunk index %d out of range", ErrInvalidRequest, c.ChunkIndex)
		}
		if seen[c.ChunkIndex] {
			return fmt.Errorf("%w: duplicate chunk index %d", ErrInvalidRequest, c.ChunkIndex)
		}
		if c.URL == "" {
			return fmt.Errorf("%w: chunk %d has no url", ErrInvalidRequest, c.ChunkIndex)
		}
		seen[c.ChunkIndex] = true
	}
	return nil
}

// CancelRequest stops the running transfer.
type CancelRequest struct{}

// Decode parses a JSON request. It returns *UploadRequest, *DownloadRequest
// or *CancelRequest.
func Decode(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var req any
	switch envelope.Type {
	case TypeUpload:
		req = &UploadRequest{}
	case TypeDownload:
		req = &DownloadRequest{}
	case TypeCancel:
		return &CancelRequest{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}

	if err := json.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return req, nil
}

// Encode marshals an event with its type discriminator.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
