package bulkupload

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/DEFRA/epr-subsidiary-func-bulk-upload-sub000/config"
	"github.com/DEFRA/epr-subsidiary-func-bulk-upload-sub000/models"
	"github.com/DEFRA/epr-subsidiary-func-bulk-upload-sub000/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxUploadBytes = 20 << 20 // 20 MiB

// RegisterRoutes mounts the authenticated bulk-upload API.
func RegisterRoutes(r gin.IRoutes) {
	r.POST("/api/bulk-upload/subsidiaries", UploadHandler)
	r.GET("/api/bulk-upload/runs", RunHistoryHandler)
	r.GET("/api/bulk-upload/runs/:id", RunDetailHandler)
	r.POST("/api/bulk-upload/runs/:id/retry", RetryRunHandler)
}

// UploadHandler accepts the multipart CSV, stores it in GCS and queues a
// run. Processing is asynchronous; the response carries the run id for
// the frontend to poll.
func UploadHandler(c *gin.Context) {
	logger := config.GetLogger()
	ctx := c.Request.Context()

	userId, orgId, ok := callerIdentity(c)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if fileHeader.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds 20MB limit"})
		return
	}
	if ext := strings.ToLower(filepath.Ext(fileHeader.Filename)); ext != ".csv" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file must be a .csv"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer file.Close()

	objectKey := fmt.Sprintf("subsidiary-uploads/%s/%s/%s-%s",
		orgId, time.Now().UTC().Format("2006-01-02"), uuid.NewString(), filepath.Base(fileHeader.Filename))
	if err := utils.SaveUploadToGCS(ctx, objectKey, file); err != nil {
		config.LogError(logger, "bulkupload", "UploadHandler", "save to gcs", objectKey, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store upload"})
		return
	}

	run := models.BulkUploadRun{
		UserId:         userId,
		OrganisationId: orgId,
		FileName:       filepath.Base(fileHeader.Filename),
		FileObjectKey:  objectKey,
		Status:         models.UploadRunStatusQueued,
		TriggeredBy:    models.UploadTriggeredManual,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&run).Error; err != nil {
		config.LogError(logger, "bulkupload", "UploadHandler", "create run", objectKey, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue upload"})
		return
	}

	payload := UploadPubSubPayload{RunId: run.ID, UserId: userId, OrganisationId: orgId}
	if err := PublishUploadRun(ctx, payload); err != nil {
		config.LogError(logger, "bulkupload", "UploadHandler", "publish run", run.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue upload"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"runId": run.ID, "status": run.Status})
}

// RunHistoryHandler lists the caller's runs, newest first.
func RunHistoryHandler(c *gin.Context) {
	ctx := c.Request.Context()

	_, orgId, ok := callerIdentity(c)
	if !ok {
		return
	}

	limit := config.SearchLimit
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	var runs []models.BulkUploadRun
	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("organisation_id = ?", orgId).
		Order("id desc").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := UploadRunHistoryResponse{Items: make([]UploadRunResponse, 0, len(runs))}
	for _, run := range runs {
		resp.Items = append(resp.Items, toRunResponse(run))
	}
	c.JSON(http.StatusOK, resp)
}

// RunDetailHandler returns one run with its persisted error reports.
func RunDetailHandler(c *gin.Context) {
	ctx := c.Request.Context()

	_, orgId, ok := callerIdentity(c)
	if !ok {
		return
	}
	runId, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}

	run, err := models.GetBulkUploadRun(ctx, uint(runId), orgId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	db := config.GetDB()
	var rows []models.BulkUploadError
	if err := db.WithContext(ctx).
		Where("upload_run_id = ?", run.ID).
		Order("line_number asc").
		Find(&rows).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	detail := UploadRunDetailResponse{UploadRunResponse: toRunResponse(*run)}
	detail.Errors = make([]ErrorReport, 0, len(rows))
	for _, row := range rows {
		detail.Errors = append(detail.Errors, ErrorReport{
			LineNumber: row.LineNumber,
			RowContent: row.RowContent,
			Message:    row.Message,
			ErrorCode:  row.ErrorCode,
			IsError:    row.IsError,
		})
	}
	c.JSON(http.StatusOK, detail)
}

// RetryRunHandler queues a fresh run over the same stored file. Only
// terminal runs can be retried.
func RetryRunHandler(c *gin.Context) {
	logger := config.GetLogger()
	ctx := c.Request.Context()

	userId, orgId, ok := callerIdentity(c)
	if !ok {
		return
	}
	runId, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}

	source, err := models.GetBulkUploadRun(ctx, uint(runId), orgId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	switch source.Status {
	case models.UploadRunStatusSuccess, models.UploadRunStatusPartial, models.UploadRunStatusFailed:
	default:
		c.JSON(http.StatusConflict, gin.H{"error": "run is still in progress"})
		return
	}

	parentId := source.ID
	retry := models.BulkUploadRun{
		UserId:         userId,
		OrganisationId: orgId,
		FileName:       source.FileName,
		FileObjectKey:  source.FileObjectKey,
		Status:         models.UploadRunStatusQueued,
		TriggeredBy:    models.UploadTriggeredRetry,
		ParentRunId:    &parentId,
	}
	if err := config.GetDB().WithContext(ctx).Create(&retry).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue retry"})
		return
	}

	payload := UploadPubSubPayload{RunId: retry.ID, UserId: userId, OrganisationId: orgId}
	if err := PublishUploadRun(ctx, payload); err != nil {
		config.LogError(logger, "bulkupload", "RetryRunHandler", "publish retry", retry.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue retry"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"runId": retry.ID, "status": retry.Status})
}

func callerIdentity(c *gin.Context) (string, string, bool) {
	ctx := c.Request.Context()
	userId, okUser := utils.GetUserIdFromContext(ctx)
	orgId, okOrg := utils.GetOrganisationIdFromContext(ctx)
	if !okUser || !okOrg || userId == "" || orgId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	return userId, orgId, true
}

func toRunResponse(run models.BulkUploadRun) UploadRunResponse {
	format := func(t *time.Time) *string {
		if t == nil {
			return nil
		}
		s := t.UTC().Format(time.RFC3339)
		return &s
	}
	return UploadRunResponse{
		ID:           run.ID,
		FileName:     run.FileName,
		Status:       run.Status,
		StartedAt:    format(run.StartedAt),
		FinishedAt:   format(run.FinishedAt),
		DurationMs:   run.DurationMs,
		RecordsAdded: run.RecordsAdded,
		ErrorCount:   run.ErrorCount,
		TriggeredBy:  run.TriggeredBy,
	}
}
