package bulkupload

import (
	"context"
	"fmt"
	"strings"

	"github.com/DEFRA/epr-subsidiary-func-bulk-upload-sub000/config"
)

// Orchestrator drives one upload end to end: progress notifications,
// row-validation reporting, grouping, parent resolution and the engine per
// group. It is registry-state free; everything it learns comes through
// its collaborators.
type Orchestrator struct {
	registry RegistryClient
	engine   *Engine
	sink     NotificationSink
}

func NewOrchestrator(registry RegistryClient, engine *Engine, sink NotificationSink) *Orchestrator {
	return &Orchestrator{registry: registry, engine: engine, sink: sink}
}

// Run processes every record of one upload. Returns the count of
// relationships added or updated and the full set of error reports
// (validation, parent resolution and reconciliation).
func (o *Orchestrator) Run(ctx context.Context, run RunContext, records []SubsidiaryRecord) (int, []ErrorReport, error) {
	logger := config.GetLogger()
	progressKey := notificationKey(run.UserID, run.OrganisationID, PurposeProgress)
	errorsKey := notificationKey(run.UserID, run.OrganisationID, PurposeErrors)
	rowsKey := notificationKey(run.UserID, run.OrganisationID, PurposeRowsAdded)

	o.setStatus(ctx, progressKey, StatusUploading)
	o.setErrorStatus(ctx, errorsKey, nil)

	if len(records) == 0 {
		report := ErrorReport{
			LineNumber: 2,
			Message:    "The file contains no subsidiary rows",
			ErrorCode:  ErrorCodeFileEmpty,
			IsError:    true,
		}
		o.setErrorStatus(ctx, errorsKey, []ErrorReport{report})
		o.setStatus(ctx, progressKey, StatusError)
		return 0, []ErrorReport{report}, nil
	}

	var allReports []ErrorReport
	valid := make([]SubsidiaryRecord, 0, len(records))
	for _, r := range records {
		if len(r.Errors) == 0 {
			valid = append(valid, r)
			continue
		}
		allReports = append(allReports, ErrorReport{
			LineNumber: r.LineNumber,
			RowContent: r.RawRow,
			Message:    strings.Join(r.Errors, "; "),
			ErrorCode:  ErrorCodeRowValidation,
			IsError:    true,
		})
	}
	if len(allReports) > 0 {
		o.setStatus(ctx, progressKey, StatusError)
		o.setErrorStatus(ctx, errorsKey, allReports)
	}

	added := 0
	for _, group := range ExtractGroups(valid) {
		var parentOrg *RegistryOrganisation
		if !group.Orphan {
			var err error
			parentOrg, err = o.resolveParent(ctx, group.Parent)
			if err != nil {
				o.setStatus(ctx, progressKey, StatusError)
				return added, allReports, err
			}
		}
		if parentOrg == nil {
			if config.ReportUnresolvedParents() {
				allReports = append(allReports, unresolvedParentReports(group)...)
				o.setErrorStatus(ctx, errorsKey, unresolvedParentReports(group))
			} else {
				logger.WithField("organisation_ref", group.Parent.OrganisationRef).
					Warn("skipping group with unresolved parent")
			}
			continue
		}

		n, reports, err := o.engine.Process(ctx, run, group.Parent, parentOrg, group.Subsidiaries)
		added += n
		allReports = append(allReports, reports...)
		if err != nil {
			o.setStatus(ctx, progressKey, StatusError)
			return added, allReports, err
		}
	}

	o.setStatus(ctx, rowsKey, fmt.Sprintf("%d", added))
	o.setStatus(ctx, progressKey, StatusFinished)
	return added, allReports, nil
}

// resolveParent locates the group's parent in the registry, by companies
// house number first, then by reference number.
func (o *Orchestrator) resolveParent(ctx context.Context, parent SubsidiaryRecord) (*RegistryOrganisation, error) {
	if number := normalizeCompaniesHouseNumber(parent.CompaniesHouseNumber); number != "" {
		org, err := o.registry.ByCompaniesHouseNumber(ctx, number)
		if err != nil || org != nil {
			return org, err
		}
	}
	if ref := strings.TrimSpace(parent.OrganisationRef); ref != "" {
		return o.registry.ByReferenceNumber(ctx, ref)
	}
	return nil, nil
}

func unresolvedParentReports(group ParentWithSubsidiaries) []ErrorReport {
	reports := make([]ErrorReport, 0, len(group.Subsidiaries))
	for _, sub := range group.Subsidiaries {
		reports = append(reports, ErrorReport{
			LineNumber: sub.LineNumber,
			RowContent: sub.RawRow,
			Message:    "Parent organisation could not be resolved in the registry",
			ErrorCode:  ErrorCodeParentUnresolved,
			IsError:    true,
		})
	}
	return reports
}

func (o *Orchestrator) setStatus(ctx context.Context, key string, value string) {
	if o.sink == nil {
		return
	}
	if err := o.sink.SetStatus(ctx, key, value); err != nil {
		config.LogError(config.GetLogger(), "bulkupload", "setStatus", key, value, err)
	}
}

func (o *Orchestrator) setErrorStatus(ctx context.Context, key string, reports []ErrorReport) {
	if o.sink == nil {
		return
	}
	if err := o.sink.SetErrorStatus(ctx, key, reports); err != nil {
		config.LogError(config.GetLogger(), "bulkupload", "setErrorStatus", key, len(reports), err)
	}
}
