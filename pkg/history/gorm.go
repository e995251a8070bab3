package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/core"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/security"
)

// UserSource resolves the currently authenticated user's id from locally
// cached session data.
type UserSource interface {
	UserID() (string, bool)
}

// GormStore implements the per-user history store using GORM.
// Every read and delete is filtered on the owning user's id.
type GormStore struct {
	db     *gorm.DB
	users  UserSource
	logger *slog.Logger
	ip     *ipResolver
}

// StoreOption configures a GormStore.
type StoreOption func(*GormStore)

// WithStoreLogger sets the logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *GormStore) { s.logger = l }
}

// WithIPLookup enables best-effort public-IP resolution for activity log
// rows, using an ipify-compatible endpoint.
func WithIPLookup(url string) StoreOption {
	return func(s *GormStore) { s.ip = newIPResolver(url) }
}

// NewGormStore creates a history store over the given database.
func NewGormStore(db *gorm.DB, users UserSource, opts ...StoreOption) *GormStore {
	s := &GormStore{
		db:     db,
		users:  users,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the upload_history and logs tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Record{}, &ActivityLog{})
}

// Save inserts one history row scoped to the current user. The record's
// UserID is always overwritten with the authenticated user's id.
func (s *GormStore) Save(ctx context.Context, rec *Record, logID *string) (*Record, error) {
	uid, ok := s.users.UserID()
	if !ok {
		return nil, core.ErrNotAuthenticated
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.UserID = uid
	rec.LogID = logID
	rec.ErrorMessage = security.SanitizeErrorMessage(rec.ErrorMessage)

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("history: save record: %w", err)
	}
	return rec, nil
}

// Fetch returns up to limit most-recent rows belonging to the current
// user, newest first. Every returned row's owner id is re-verified
// client-side; a mismatch is logged as a security fault and the row is
// dropped, never trusted.
func (s *GormStore) Fetch(ctx context.Context, limit int) ([]Record, error) {
	uid, ok := s.users.UserID()
	if !ok {
		return []Record{}, nil
	}

	var rows []Record
	err := s.db.WithContext(ctx).
		Where("user_id = ?", uid).
		Order("created_at DESC").
		Limit(security.ClampHistoryLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history: fetch: %w", err)
	}

	verified := rows[:0]
	for _, row := range rows {
		if row.UserID != uid {
			s.logger.Error("security: history row owned by another user",
				"record_id", row.ID, "owner", row.UserID, "current_user", uid)
			continue
		}
		verified = append(verified, row)
	}
	return verified, nil
}

// Clear deletes all history rows belonging to the current user.
func (s *GormStore) Clear(ctx context.Context) error {
	uid, ok := s.users.UserID()
	if !ok {
		return core.ErrNotAuthenticated
	}

	if err := s.db.WithContext(ctx).Where("user_id = ?", uid).Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("history: clear: %w", err)
	}
	return nil
}

// RecordCompletion performs the durable write for one terminal upload:
// an activity-log insert (yielding the cross-referenced log id) followed
// by the history row. A failed activity insert degrades to a nil log id;
// a failed history insert is returned so the caller may retry.
func (s *GormStore) RecordCompletion(ctx context.Context, up core.Upload) (*Record, error) {
	var activity, logType, details string
	if up.Status == core.StatusSuccess {
		activity = "File upload completed successfully: " + up.FileName
		logType = LogTypeSuccess
		sheets := "N/A"
		if len(up.SheetsProcessed) > 0 {
			sheets = strings.Join(up.SheetsProcessed, ", ")
		}
		details = fmt.Sprintf("Records: %d, Sheets: %s, Time: %ds",
			up.RecordsProcessed, sheets, up.ProcessingTime)
	} else {
		activity = "File upload failed: " + up.FileName
		logType = LogTypeError
		msg := up.ErrorMessage
		if msg == "" {
			msg = "Upload failed"
		}
		details = "Error: " + msg
	}

	var logID *string
	if id, err := s.LogActivity(ctx, activity, logType, details); err != nil {
		s.logger.Warn("failed to write activity log for completion", "error", err)
	} else {
		logID = &id
	}

	rec := &Record{
		FileName:          up.FileName,
		FileSize:          up.FileSize,
		UploadStartedAt:   up.UploadedAt,
		UploadCompletedAt: up.CompletedAt,
		ProcessingTime:    up.ProcessingTime,
		RecordsProcessed:  up.RecordsProcessed,
		SheetsProcessed:   up.SheetsProcessed,
		NewRecords:        up.NewRecords,
		DuplicateRecords:  up.DuplicateRecords,
		Status:            string(up.Status),
		ErrorMessage:      up.ErrorMessage,
	}
	return s.Save(ctx, rec, logID)
}

// LogActivity inserts one activity-log row for the current user and
// returns its id. The IP address is resolved best-effort when lookup is
// enabled.
func (s *GormStore) LogActivity(ctx context.Context, activity, logType, details string) (string, error) {
	var userID *string
	if uid, ok := s.users.UserID(); ok {
		userID = &uid
	}

	entry := &ActivityLog{
		ID:        uuid.New().String(),
		UserID:    userID,
		Activity:  activity,
		LogType:   logType,
		Details:   details,
		IPAddress: s.ip.resolve(ctx),
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return "", fmt.Errorf("history: log activity: %w", err)
	}
	return entry.ID, nil
}

// PruneOlderThan deletes history and activity rows created before the
// cutoff, across all users. Returns the number of deleted history rows.
func (s *GormStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("history: prune records: %w", res.Error)
	}
	if err := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&ActivityLog{}).Error; err != nil {
		return res.RowsAffected, fmt.Errorf("history: prune logs: %w", err)
	}
	return res.RowsAffected, nil
}
