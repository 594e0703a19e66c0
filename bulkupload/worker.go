package bulkupload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DEFRA/epr-subsidiary-func-bulk-upload-sub000/config"
	"github.com/DEFRA/epr-subsidiary-func-bulk-upload-sub000/models"
	"github.com/DEFRA/epr-subsidiary-func-bulk-upload-sub000/utils"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const uploadLockTTL = 10 * time.Minute

// ProcessUploadRun executes one queued run: fetch the file from object
// storage, parse, reconcile, persist the outcome. A per-user lock keeps
// redelivered Pub/Sub messages and concurrent uploads from the same
// account serialised.
func ProcessUploadRun(ctx context.Context, payload UploadPubSubPayload) error {
	logger := config.GetLogger()
	db := config.GetDB()
	if db == nil {
		return errors.New("db is nil")
	}

	loaded, err := models.GetBulkUploadRun(ctx, payload.RunId, "")
	if err != nil {
		return fmt.Errorf("load run %d: %w", payload.RunId, err)
	}
	run := *loaded
	if run.Status != models.UploadRunStatusQueued {
		logger.WithFields(logrus.Fields{
			"run_id": run.ID,
			"status": run.Status,
		}).Info("skipping run not in queued state")
		return nil
	}

	lockKey := "SubsidiaryUploadLock:" + run.UserId + ":" + run.OrganisationId
	lock, err := config.GetRedisLock().Obtain(ctx, lockKey, uploadLockTTL, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return fmt.Errorf("upload already in progress for %s", run.UserId)
		}
		return err
	}
	defer lock.Release(ctx)

	startedAt := time.Now()
	if err := db.WithContext(ctx).Model(&run).Updates(map[string]interface{}{
		"status":     models.UploadRunStatusRunning,
		"started_at": startedAt,
	}).Error; err != nil {
		return err
	}

	added, reports, runErr := executeRun(ctx, run)

	finishedAt := time.Now()
	status := models.UploadRunStatusSuccess
	switch {
	case runErr != nil:
		status = models.UploadRunStatusFailed
	case len(reports) > 0 && added == 0:
		status = models.UploadRunStatusFailed
	case len(reports) > 0:
		status = models.UploadRunStatusPartial
	}

	if err := persistReports(ctx, run, reports); err != nil {
		config.LogError(logger, "bulkupload", "ProcessUploadRun", "persist reports", run.ID, err)
	}

	if err := db.WithContext(ctx).Model(&run).Updates(map[string]interface{}{
		"status":        status,
		"records_added": added,
		"error_count":   len(reports),
		"finished_at":   finishedAt,
		"duration_ms":   finishedAt.Sub(startedAt).Milliseconds(),
	}).Error; err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"run_id":      run.ID,
		"status":      status,
		"added":       added,
		"error_count": len(reports),
		"duration_ms": finishedAt.Sub(startedAt).Milliseconds(),
	}).Info("subsidiary upload run finished")

	return runErr
}

func executeRun(ctx context.Context, run models.BulkUploadRun) (int, []ErrorReport, error) {
	contents, err := utils.ReadUploadFromGCS(ctx, run.FileObjectKey)
	if err != nil {
		return 0, nil, fmt.Errorf("read upload %s: %w", run.FileObjectKey, err)
	}

	records, err := ParseSubsidiaryFile(contents)
	if err != nil {
		report := ErrorReport{
			LineNumber: 1,
			Message:    err.Error(),
			ErrorCode:  ErrorCodeRowValidation,
			IsError:    true,
		}
		return 0, []ErrorReport{report}, nil
	}

	registry, err := NewRegistryClient()
	if err != nil {
		return 0, nil, err
	}

	runCtx, err := buildRunContext(ctx, registry, run)
	if err != nil {
		return 0, nil, err
	}

	// Mutations run as the system identity; the registry client reads it
	// back off the context for its outbound headers.
	ctx = utils.SetUserIdInContext(ctx, runCtx.SystemUserID)
	ctx = utils.SetOrganisationIdInContext(ctx, runCtx.SystemOrganisationID)
	ctx = utils.SetCorrelationIdInContext(ctx, runCtx.CorrelationID)

	sink := NewRedisNotificationSink()
	engine := NewEngine(registry, NewCompaniesHouseEnricher(), sink)
	orchestrator := NewOrchestrator(registry, engine, sink)
	return orchestrator.Run(ctx, runCtx, records)
}

// buildRunContext resolves the system identity once per run. Every
// registry mutation in the run uses this same identity; nothing downstream
// re-fetches it.
func buildRunContext(ctx context.Context, registry RegistryClient, run models.BulkUploadRun) (RunContext, error) {
	systemUserId, systemOrgId, err := registry.SystemUserAndOrganisation(ctx)
	if err != nil {
		return RunContext{}, fmt.Errorf("resolve system user: %w", err)
	}
	return RunContext{
		UserID:               run.UserId,
		OrganisationID:       run.OrganisationId,
		CorrelationID:        uuid.NewString(),
		SystemUserID:         systemUserId,
		SystemOrganisationID: systemOrgId,
	}, nil
}

func persistReports(ctx context.Context, run models.BulkUploadRun, reports []ErrorReport) error {
	if len(reports) == 0 {
		return nil
	}
	db := config.GetDB()
	if db == nil {
		return errors.New("db is nil")
	}

	rows := make([]models.BulkUploadError, 0, len(reports))
	for _, r := range reports {
		rows = append(rows, models.BulkUploadError{
			UploadRunId:    run.ID,
			OrganisationId: run.OrganisationId,
			LineNumber:     r.LineNumber,
			RowContent:     r.RowContent,
			Message:        r.Message,
			ErrorCode:      r.ErrorCode,
			IsError:        r.IsError,
		})
	}
	return db.WithContext(ctx).Create(&rows).Error
}
