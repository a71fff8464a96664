package models

import "time"

// FileStatus is the lifecycle state of a stored file
type FileStatus string

const (
	StatusUploading FileStatus = "UPLOADING"
	StatusComplete  FileStatus = "COMPLETE"
	StatusDeleted   FileStatus = "DELETED"
)

// File represents one logical file split across webhook attachments
type File struct {
	ID          string     `json:"id" gorm:"primaryKey;size:36"`
	Name        string     `json:"name" gorm:"size:255;not null"`
	Type        string     `json:"type" gorm:"size:255"`
	Size        int64      `json:"size" gorm:"not null"`
	TotalChunks int        `json:"total_chunks" gorm:"not null"`
	Status      FileStatus `json:"status" gorm:"size:16;not null;default:UPLOADING"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Chunk represents one uploaded byte range of a file
type Chunk struct {
	ID              uint64    `json:"id" gorm:"primaryKey"`
	FileID          string    `json:"file_id" gorm:"size:36;not null;uniqueIndex:idx_file_chunk"`
	ChunkIndex      int       `json:"chunk_index" gorm:"not null;uniqueIndex:idx_file_chunk"`
	Size            int64     `json:"size" gorm:"not null"`
	URL             string    `json:"url" gorm:"size:2048;not null"`
	RemoteObjectID  string    `json:"remote_object_id" gorm:"size:64"`
	RemoteMessageID string    `json:"remote_message_id" gorm:"size:64"`
	EndpointID      string    `json:"endpoint_id" gorm:"size:64"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Webhook is a registered upload endpoint
type Webhook struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	URL       string    `json:"url" gorm:"size:512;not null;uniqueIndex"`
	CreatedAt time.Time `json:"created_at"`
}

// ChunkLocation is where an uploaded chunk ended up
type ChunkLocation struct {
	URL             string
	Size            int64
	RemoteObjectID  string
	RemoteMessageID string
	EndpointID      string
}
