// Package core provides the domain models and shared types for the tracker.
package core

import (
	"time"
)

// UploadStatus represents the current state of a tracked upload.
type UploadStatus string

const (
	StatusProcessing UploadStatus = "processing"
	StatusSuccess    UploadStatus = "success"
	StatusFailed     UploadStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s UploadStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Upload represents one tracked upload/processing task.
//
// An upload is created with StatusProcessing and transitions to exactly one
// terminal status (success or failed) via the reconciler. Its identity never
// changes after creation.
type Upload struct {
	ID             string       `json:"id"`
	FileName       string       `json:"fileName"`
	FileSize       int64        `json:"fileSize"`
	UploadedAt     time.Time    `json:"uploadedAt"`
	Status         UploadStatus `json:"status"`
	ProcessingTime int          `json:"processingTime"` // elapsed seconds, refreshed while processing
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`

	// Outcome metadata, populated only on success.
	RecordsProcessed int      `json:"recordsProcessed,omitempty"`
	SheetsProcessed  []string `json:"sheetsProcessed,omitempty"`
	NewRecords       int      `json:"newRecords,omitempty"`
	DuplicateRecords int      `json:"duplicateRecords,omitempty"`

	// Populated only on failure.
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Outcome is the terminal result applied to an upload by the reconciler.
type Outcome struct {
	Status           UploadStatus
	ProcessingTime   int
	RecordsProcessed int
	SheetsProcessed  []string
	NewRecords       int
	DuplicateRecords int
	ErrorMessage     string
}

// BackendState is the state string reported by the processing backend.
type BackendState string

const (
	StateIdle       BackendState = "idle"
	StateProcessing BackendState = "processing"
	StateError      BackendState = "error"
)

// BackendStatus is the response shape of the backend status endpoint.
// The backend processes at most one upload at a time, so the response
// carries no job id; the poller applies it to every processing upload.
type BackendStatus struct {
	IsProcessing        bool         `json:"isProcessing"`
	Status              BackendState `json:"status"`
	ProcessingTime      int          `json:"processingTime"`
	ProcessingStartTime *time.Time   `json:"processingStartTime,omitempty"`
	ProcessingError     string       `json:"processingError,omitempty"`
	RecordsProcessed    int          `json:"recordsProcessed,omitempty"`
	SheetsProcessed     []string     `json:"sheetsProcessed,omitempty"`
	NewRecords          int          `json:"newRecords,omitempty"`
	DuplicateRecords    int          `json:"duplicateRecords,omitempty"`
}
