package bulkupload

import (
	"context"
	"fmt"
	"strings"

	"github.com/DEFRA/epr-subsidiary-func-bulk-upload-sub000/config"
)

// outcome is the mutually exclusive classification of one subsidiary row
// against the registry snapshot. Exactly one outcome per row.
type outcome int

const (
	outcomeAlreadyLinked outcome = iota
	outcomeNewRelationship
	outcomeRelationshipUpdate
	outcomeNewOrganisationAndRelationship
	outcomeNameMismatchRegistry
	outcomeNameMismatchCompaniesHouse
	outcomeJoinerDateMismatch
	outcomeNotFoundAnywhere
	outcomeEnrichmentError
	outcomeFranchiseeLinked
	outcomeFranchiseeCreated
)

type classified struct {
	record  SubsidiaryRecord
	outcome outcome
	org     *RegistryOrganisation
	draft   *OrganisationDraft
}

// Engine reconciles one parent group against the registry. Collaborators
// may be nil: a nil enricher resolves nothing, a nil sink drops
// notifications. Registry failures abort the group; enrichment failures
// mark the single affected row and the run continues.
type Engine struct {
	registry RegistryClient
	enricher Enricher
	sink     NotificationSink
}

func NewEngine(registry RegistryClient, enricher Enricher, sink NotificationSink) *Engine {
	return &Engine{registry: registry, enricher: enricher, sink: sink}
}

// Process classifies and applies every subsidiary of one parent group.
// All registry lookups happen up front against a single snapshot; the
// mutation phase never re-reads, so two rows naming the same subsidiary
// see the same registry state. Returns the number of relationships added
// or updated and the per-row error reports.
func (e *Engine) Process(ctx context.Context, run RunContext, parent SubsidiaryRecord, parentOrg *RegistryOrganisation, subsidiaries []SubsidiaryRecord) (int, []ErrorReport, error) {
	logger := config.GetLogger()

	var regular, franchisees []SubsidiaryRecord
	for _, sub := range subsidiaries {
		if sub.IsFranchisee() {
			franchisees = append(franchisees, sub)
		} else {
			regular = append(regular, sub)
		}
	}

	snapshot, err := e.fetchSnapshot(ctx, regular)
	if err != nil {
		return 0, nil, err
	}

	added := 0
	var results []classified
	claimed := map[string]bool{}

	for _, sub := range regular {
		key := "ch:" + normalizeCompaniesHouseNumber(sub.CompaniesHouseNumber)
		if claimed[key] {
			// Duplicate row for the same subsidiary. The first row owns
			// the mutation; repeats resolve as already linked.
			results = append(results, classified{record: sub, outcome: outcomeAlreadyLinked})
			continue
		}
		claimed[key] = true

		c := e.classify(ctx, sub, parentOrg, snapshot)
		results = append(results, c)
	}

	for _, fr := range franchisees {
		key := "name:" + strings.ToLower(strings.TrimSpace(fr.OrganisationName))
		if claimed[key] {
			results = append(results, classified{record: fr, outcome: outcomeAlreadyLinked})
			continue
		}
		claimed[key] = true

		c, err := e.classifyFranchisee(ctx, fr, parentOrg)
		if err != nil {
			return 0, nil, err
		}
		results = append(results, c)
	}

	for _, c := range results {
		n, err := e.apply(ctx, run, parentOrg, c)
		if err != nil {
			return added, nil, err
		}
		added += n
	}

	reports := buildReports(results)
	if err := e.notifyReports(ctx, run, reports); err != nil {
		config.LogError(logger, "bulkupload", "Process", "notify error reports", run, err)
	}

	return added, reports, nil
}

// fetchSnapshot resolves every distinct companies house number once. The
// classification phase reads only from this map.
func (e *Engine) fetchSnapshot(ctx context.Context, subsidiaries []SubsidiaryRecord) (map[string]*RegistryOrganisation, error) {
	snapshot := map[string]*RegistryOrganisation{}
	for _, sub := range subsidiaries {
		number := normalizeCompaniesHouseNumber(sub.CompaniesHouseNumber)
		if number == "" {
			continue
		}
		if _, seen := snapshot[number]; seen {
			continue
		}
		org, err := e.registry.ByCompaniesHouseNumber(ctx, number)
		if err != nil {
			return nil, fmt.Errorf("registry lookup %s: %w", number, err)
		}
		snapshot[number] = org
	}
	return snapshot, nil
}

func (e *Engine) classify(ctx context.Context, sub SubsidiaryRecord, parentOrg *RegistryOrganisation, snapshot map[string]*RegistryOrganisation) classified {
	number := normalizeCompaniesHouseNumber(sub.CompaniesHouseNumber)
	org := snapshot[number]

	if org == nil {
		draft := &OrganisationDraft{
			Name:                 strings.TrimSpace(sub.OrganisationName),
			CompaniesHouseNumber: number,
		}
		enriched := false
		if e.enricher != nil {
			var err error
			enriched, err = e.enricher.Enrich(ctx, draft)
			if err != nil {
				draft.EnrichmentError = err.Error()
			}
		}
		switch {
		case draft.EnrichmentError != "":
			return classified{record: sub, outcome: outcomeEnrichmentError, draft: draft}
		case !enriched:
			return classified{record: sub, outcome: outcomeNotFoundAnywhere, draft: draft}
		case !namesEqual(sub.OrganisationName, draft.Name):
			return classified{record: sub, outcome: outcomeNameMismatchCompaniesHouse, draft: draft}
		default:
			return classified{record: sub, outcome: outcomeNewOrganisationAndRelationship, draft: draft}
		}
	}

	if !namesEqual(sub.OrganisationName, org.Name) {
		return classified{record: sub, outcome: outcomeNameMismatchRegistry, org: org}
	}

	linked := org.Relationship != nil && parentOrg != nil && org.Relationship.FirstOrganisationID == parentOrg.ID
	if !linked {
		return classified{record: sub, outcome: outcomeNewRelationship, org: org}
	}

	if sub.ReportingType != "" && !strings.EqualFold(strings.TrimSpace(sub.ReportingType), strings.TrimSpace(org.Relationship.ReportingType)) {
		return classified{record: sub, outcome: outcomeRelationshipUpdate, org: org}
	}

	if sub.JoinerDate != "" && strings.TrimSpace(sub.JoinerDate) != strings.TrimSpace(org.Relationship.JoinerDate) {
		return classified{record: sub, outcome: outcomeJoinerDateMismatch, org: org}
	}

	return classified{record: sub, outcome: outcomeAlreadyLinked, org: org}
}

// classifyFranchisee resolves franchisee/licensee/tenant rows by trading
// name rather than companies house number. Misses are never reported as
// errors; a franchisee the registry does not know is simply created.
func (e *Engine) classifyFranchisee(ctx context.Context, sub SubsidiaryRecord, parentOrg *RegistryOrganisation) (classified, error) {
	org, err := e.registry.ByName(ctx, strings.TrimSpace(sub.OrganisationName))
	if err != nil {
		return classified{}, fmt.Errorf("registry lookup by name %q: %w", sub.OrganisationName, err)
	}

	matched := org != nil &&
		namesEqual(sub.OrganisationName, org.Name) &&
		strings.EqualFold(normalizeCompaniesHouseNumber(sub.CompaniesHouseNumber), normalizeCompaniesHouseNumber(org.CompaniesHouseNumber))

	if !matched {
		draft := &OrganisationDraft{
			Name:                 strings.TrimSpace(sub.OrganisationName),
			CompaniesHouseNumber: normalizeCompaniesHouseNumber(sub.CompaniesHouseNumber),
		}
		return classified{record: sub, outcome: outcomeFranchiseeCreated, draft: draft}, nil
	}

	if parentOrg != nil {
		exists, err := e.registry.RelationshipExists(ctx, parentOrg.ID, org.ID)
		if err != nil {
			return classified{}, err
		}
		if exists {
			return classified{record: sub, outcome: outcomeAlreadyLinked, org: org}, nil
		}
	}
	return classified{record: sub, outcome: outcomeFranchiseeLinked, org: org}, nil
}

// apply performs the minimal registry mutation for one classified row.
// Mismatch and not-found outcomes mutate nothing.
func (e *Engine) apply(ctx context.Context, run RunContext, parentOrg *RegistryOrganisation, c classified) (int, error) {
	if parentOrg == nil {
		return 0, nil
	}

	rel := RelationshipDraft{
		ParentOrganisationID: parentOrg.ID,
		ReportingType:        strings.ToUpper(strings.TrimSpace(c.record.ReportingType)),
		JoinerDate:           strings.TrimSpace(c.record.JoinerDate),
	}

	switch c.outcome {
	case outcomeNewRelationship, outcomeFranchiseeLinked:
		rel.SubsidiaryOrganisationID = c.org.ID
		status, err := e.registry.AddRelationship(ctx, rel)
		if err != nil {
			return 0, err
		}
		if !statusOK(status) {
			return 0, fmt.Errorf("add relationship for line %d: registry returned %d", c.record.LineNumber, status)
		}
		return 1, nil

	case outcomeRelationshipUpdate:
		rel.SubsidiaryOrganisationID = c.org.ID
		status, err := e.registry.UpdateRelationship(ctx, rel)
		if err != nil {
			return 0, err
		}
		if !statusOK(status) {
			return 0, fmt.Errorf("update relationship for line %d: registry returned %d", c.record.LineNumber, status)
		}
		return 1, nil

	case outcomeNewOrganisationAndRelationship, outcomeFranchiseeCreated:
		status, err := e.registry.CreateOrganisationAndRelationship(ctx, c.draft, rel)
		if err != nil {
			return 0, err
		}
		if !statusOK(status) {
			return 0, fmt.Errorf("create organisation for line %d: registry returned %d", c.record.LineNumber, status)
		}
		return 1, nil
	}

	return 0, nil
}

func buildReports(results []classified) []ErrorReport {
	var reports []ErrorReport
	for _, c := range results {
		var code int
		var message string
		switch c.outcome {
		case outcomeNameMismatchRegistry:
			code = ErrorCodeNameDiffersInRPD
			message = "Organisation name does not match the registered name"
		case outcomeNameMismatchCompaniesHouse:
			code = ErrorCodeNameDiffersInCompaniesHouse
			message = "Organisation name does not match the Companies House record"
		case outcomeJoinerDateMismatch:
			code = ErrorCodeJoinerDateMismatch
			message = "Joiner date does not match the existing relationship"
		case outcomeNotFoundAnywhere:
			code = ErrorCodeNotFoundAnywhere
			message = "Companies House number not found in any source"
		case outcomeEnrichmentError:
			code = ErrorCodeEnrichmentFailed
			message = "Companies House lookup failed: " + c.draft.EnrichmentError
		default:
			continue
		}
		reports = append(reports, ErrorReport{
			LineNumber: c.record.LineNumber,
			RowContent: c.record.RawRow,
			Message:    message,
			ErrorCode:  code,
			IsError:    true,
		})
	}
	return reports
}

// notifyReports pushes reports to the sink grouped by error code, so the
// frontend receives each failure category as one batch.
func (e *Engine) notifyReports(ctx context.Context, run RunContext, reports []ErrorReport) error {
	if e.sink == nil || len(reports) == 0 {
		return nil
	}
	key := notificationKey(run.UserID, run.OrganisationID, PurposeErrors)

	byCode := map[int][]ErrorReport{}
	var order []int
	for _, r := range reports {
		if _, seen := byCode[r.ErrorCode]; !seen {
			order = append(order, r.ErrorCode)
		}
		byCode[r.ErrorCode] = append(byCode[r.ErrorCode], r)
	}
	for _, code := range order {
		if err := e.sink.SetErrorStatus(ctx, key, byCode[code]); err != nil {
			return err
		}
	}
	return nil
}

func normalizeCompaniesHouseNumber(number string) string {
	return strings.ToUpper(strings.TrimSpace(number))
}

func namesEqual(a string, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
