package models

import (
	"context"
	"errors"
	"time"

	"github.com/DEFRA/epr-subsidiary-func-bulk-upload-sub000/config"
	"github.com/DEFRA/epr-subsidiary-func-bulk-upload-sub000/utils"
	"gorm.io/gorm"
)

const (
	UploadRunStatusQueued  = "queued"
	UploadRunStatusRunning = "running"
	UploadRunStatusSuccess = "success"
	UploadRunStatusFailed  = "failed"
	UploadRunStatusPartial = "partial"
)

const (
	UploadTriggeredManual = "manual"
	UploadTriggeredRetry  = "retry"
)

// BulkUploadRun is one processing attempt for one uploaded subsidiary file.
// The raw file lives in object storage under FileObjectKey; the run row only
// carries bookkeeping.
type BulkUploadRun struct {
	ID             uint       `gorm:"primary_key" json:"id"`
	UserId         string     `gorm:"index;size:64;not null" json:"user_id"`
	OrganisationId string     `gorm:"index;size:64;not null" json:"organisation_id"`
	FileName       string     `gorm:"size:255" json:"file_name"`
	FileObjectKey  string     `gorm:"size:512;not null" json:"file_object_key"`
	Status         string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy    string     `gorm:"size:20" json:"triggered_by"`
	RecordsAdded   int        `json:"records_added"`
	ErrorCount     int        `json:"error_count"`
	ParentRunId    *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	DurationMs     int64      `json:"duration_ms"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// BulkUploadError is one persisted error report for one failed row of a run.
// The same reports also go to the notification channel; the table exists so
// run detail endpoints can serve them after the channel entries expire.
type BulkUploadError struct {
	ID             uint      `gorm:"primary_key" json:"id"`
	UploadRunId    uint      `gorm:"index;not null" json:"upload_run_id"`
	OrganisationId string    `gorm:"index;size:64;not null" json:"organisation_id"`
	LineNumber     int       `json:"line_number"`
	RowContent     string    `gorm:"type:text" json:"row_content"`
	Message        string    `gorm:"type:text" json:"message"`
	ErrorCode      int       `json:"error_code"`
	IsError        bool      `gorm:"default:true" json:"is_error"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// GetBulkUploadRun loads one run, optionally scoped to an organisation.
// Returns utils.ErrorRecordNotFound when no such run exists.
func GetBulkUploadRun(ctx context.Context, id uint, organisationId string) (*BulkUploadRun, error) {
	db := config.GetDB()
	if db == nil {
		return nil, errors.New("db is nil")
	}

	query := db.WithContext(ctx).Where("id = ?", id)
	if organisationId != "" {
		query = query.Where("organisation_id = ?", organisationId)
	}

	var run BulkUploadRun
	if err := query.Take(&run).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &run, nil
}

func translateNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorRecordNotFound
	}
	return err
}
