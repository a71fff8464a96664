package protocol

import "encoding/json"

// Chunk statuses reported in upload progress.
const (
	ChunkPending   = "pending"
	ChunkUploading = "uploading"
	ChunkSuccess   = "success"
	ChunkError     = "error"
)

// ChunkStatus is the per-chunk view inside an upload progress event.
type ChunkStatus struct {
	ID            int     `json:"id"`
	Status        string  `json:"status"`
	Progress      float64 `json:"progress"`
	EndpointID    string  `json:"endpointId,omitempty"`
	Error         string  `json:"error,omitempty"`
	Size          int64   `json:"size"`
	UploadedBytes int64   `json:"uploadedBytes"`
}

// UploadProgress reports byte and chunk counters of an upload.
type UploadProgress struct {
	FileID                 string        `json:"fileId"`
	FileName               string        `json:"fileName"`
	TotalBytes             int64         `json:"totalBytes"`
	UploadedBytes          int64         `json:"uploadedBytes"`
	OverallProgress        float64       `json:"overallProgress"`
	CompletedChunks        int           `json:"completedChunks"`
	TotalChunks            int           `json:"totalChunks"`
	Chunks                 []ChunkStatus `json:"chunks"`
	EstimatedTimeRemaining *float64      `json:"estimatedTimeRemaining,omitempty"`
	UploadSpeed            float64       `json:"uploadSpeed"`
}

// ChunkURL reports where a chunk was stored.
type ChunkURL struct {
	FileID          string `json:"fileId"`
	ChunkIndex      int    `json:"chunkIndex"`
	URL             string `json:"url"`
	Size            int64  `json:"size"`
	RemoteObjectID  string `json:"remoteObjectId,omitempty"`
	RemoteMessageID string `json:"remoteMessageId,omitempty"`
	EndpointID      string `json:"endpointId,omitempty"`
}

// FileComplete tells the controller every chunk of a correlated file was stored.
type FileComplete struct {
	FileID string `json:"fileId"`
}

// UploadComplete is the terminal summary of an upload.
type UploadComplete struct {
	FileID           string  `json:"fileId"`
	FileName         string  `json:"fileName"`
	TotalSize        int64   `json:"totalSize"`
	TotalChunks      int     `json:"totalChunks"`
	SuccessfulChunks int     `json:"successfulChunks"`
	FailedChunks     int     `json:"failedChunks"`
	TotalTime        int64   `json:"totalTime"`
	AverageSpeed     float64 `json:"averageSpeed"`
}

// Error is the terminal failure of a transfer.
type Error struct {
	FileID     string `json:"fileId"`
	Message    string `json:"message"`
	ChunkIndex *int   `json:"chunkIndex,omitempty"`
}

// DownloadProgress reports byte counters of a download.
type DownloadProgress struct {
	FileID            string  `json:"fileId"`
	FileName          string  `json:"fileName"`
	TotalBytes        int64   `json:"totalBytes"`
	DownloadedBytes   int64   `json:"downloadedBytes"`
	OverallProgress   float64 `json:"overallProgress"`
	CurrentChunk      int     `json:"currentChunk"`
	TotalChunks       int     `json:"totalChunks"`
	Speed             float64 `json:"speed"`
	EstimatedTimeLeft int64   `json:"estimatedTimeLeft"`
}

// Blob is a reassembled file tagged with its media type.
type Blob struct {
	Type string
	Data []byte
}

// MarshalJSON describes the blob without its payload.
func (b Blob) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Size int    `json:"size"`
	}{b.Type, len(b.Data)})
}

// DownloadComplete carries the merged file.
type DownloadComplete struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	Blob     Blob   `json:"blob"`
}

func (UploadProgress) EventType() string   { return TypeProgress }
func (ChunkURL) EventType() string         { return TypeChunkURL }
func (FileComplete) EventType() string     { return TypeFileComplete }
func (UploadComplete) EventType() string   { return TypeComplete }
func (Error) EventType() string            { return TypeError }
func (DownloadProgress) EventType() string { return TypeProgress }
func (DownloadComplete) EventType() string { return TypeComplete }

func (e UploadProgress) MarshalJSON() ([]byte, error) {
	type plain UploadProgress
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{TypeProgress, plain(e)})
}

func (e ChunkURL) MarshalJSON() ([]byte, error) {
	type plain ChunkURL
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{TypeChunkURL, plain(e)})
}

func (e FileComplete) MarshalJSON() ([]byte, error) {
	type plain FileComplete
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{TypeFileComplete, plain(e)})
}

func (e UploadComplete) MarshalJSON() ([]byte, error) {
	type plain UploadComplete
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{TypeComplete, plain(e)})
}

func (e Error) MarshalJSON() ([]byte, error) {
	type plain Error
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{TypeError, plain(e)})
}

func (e DownloadProgress) MarshalJSON() ([]byte, error) {
	type plain DownloadProgress
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{TypeProgress, plain(e)})
}

func (e DownloadComplete) MarshalJSON() ([]byte, error) {
	type plain DownloadComplete
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{TypeComplete, plain(e)})
}
