// Package history provides the durable, per-user store for completed
// upload records and the activity log they cross-reference.
package history

import (
	"time"
)

// Record is one durable row per completed (or failed) upload, scoped to
// the owning user.
type Record struct {
	ID                string     `gorm:"primaryKey;size:36"`
	UserID            string     `gorm:"index;size:36;not null"`
	LogID             *string    `gorm:"size:36"`
	FileName          string     `gorm:"size:255;not null"`
	FileSize          int64      `gorm:"not null"`
	UploadStartedAt   time.Time  `gorm:"not null"`
	UploadCompletedAt *time.Time
	ProcessingTime    int        `gorm:"default:0"`
	RecordsProcessed  int        `gorm:"default:0"`
	SheetsProcessed   []string   `gorm:"serializer:json"`
	NewRecords        int        `gorm:"default:0"`
	DuplicateRecords  int        `gorm:"default:0"`
	Status            string     `gorm:"index;size:20;not null"`
	ErrorMessage      string     `gorm:"type:text"`
	CreatedAt         time.Time  `gorm:"autoCreateTime;index"`
}

// TableName maps Record to the upload_history table.
func (Record) TableName() string { return "upload_history" }

// Activity log types.
const (
	LogTypeInfo    = "INFO"
	LogTypeSuccess = "SUCCESS"
	LogTypeWarning = "WARNING"
	LogTypeError   = "ERROR"
	LogTypeLogin   = "LOGIN"
	LogTypeLogout  = "LOGOUT"
)

// ActivityLog is one row in the user activity log. UserID is nil for
// authentication events that happen without a signed-in user.
type ActivityLog struct {
	ID        string    `gorm:"primaryKey;size:36"`
	UserID    *string   `gorm:"index;size:36"`
	Activity  string    `gorm:"size:255;not null"`
	LogType   string    `gorm:"size:20;not null;default:'INFO'"`
	Details   string    `gorm:"type:text"`
	IPAddress string    `gorm:"size:45"`
	CreatedAt time.Time `gorm:"autoCreateTime;index"`
}

// TableName maps ActivityLog to the logs table.
func (ActivityLog) TableName() string { return "logs" }
