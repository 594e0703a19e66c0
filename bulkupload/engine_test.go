package bulkupload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// NOTE: These tests are intentionally DB-free and network-free. The fakes
// stand in for RPD, the Companies House enricher and the notification
// channel so the classification and mutation semantics can be validated
// in isolation.

type createdOrg struct {
	draft OrganisationDraft
	rel   RelationshipDraft
}

type fakeRegistry struct {
	orgsByCH   map[string]*RegistryOrganisation
	orgsByName map[string]*RegistryOrganisation
	orgsByRef  map[string]*RegistryOrganisation
	relations  map[string]bool

	lookupsByCH   []string
	lookupsByName []string
	added         []RelationshipDraft
	updated       []RelationshipDraft
	created       []createdOrg

	lookupErr error
	mutateErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		orgsByCH:   map[string]*RegistryOrganisation{},
		orgsByName: map[string]*RegistryOrganisation{},
		orgsByRef:  map[string]*RegistryOrganisation{},
		relations:  map[string]bool{},
	}
}

func (f *fakeRegistry) ByCompaniesHouseNumber(ctx context.Context, number string) (*RegistryOrganisation, error) {
	f.lookupsByCH = append(f.lookupsByCH, number)
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.orgsByCH[strings.ToUpper(number)], nil
}

func (f *fakeRegistry) ByName(ctx context.Context, name string) (*RegistryOrganisation, error) {
	f.lookupsByName = append(f.lookupsByName, name)
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.orgsByName[strings.ToLower(name)], nil
}

func (f *fakeRegistry) ByReferenceNumber(ctx context.Context, ref string) (*RegistryOrganisation, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.orgsByRef[ref], nil
}

func (f *fakeRegistry) RelationshipExists(ctx context.Context, parentId int, subId int) (bool, error) {
	return f.relations[fmt.Sprintf("%d:%d", parentId, subId)], nil
}

func (f *fakeRegistry) SystemUserAndOrganisation(ctx context.Context) (string, string, error) {
	return "system-user", "system-org", nil
}

func (f *fakeRegistry) CreateOrganisationAndRelationship(ctx context.Context, draft *OrganisationDraft, rel RelationshipDraft) (int, error) {
	if f.mutateErr != nil {
		return 500, f.mutateErr
	}
	f.created = append(f.created, createdOrg{draft: *draft, rel: rel})

	org := &RegistryOrganisation{
		ID:                   1000 + len(f.created),
		CompaniesHouseNumber: draft.CompaniesHouseNumber,
		Name:                 draft.Name,
	}
	if draft.CompaniesHouseNumber != "" {
		f.orgsByCH[strings.ToUpper(draft.CompaniesHouseNumber)] = org
	}
	f.orgsByName[strings.ToLower(draft.Name)] = org
	rel.SubsidiaryOrganisationID = org.ID
	f.applyRelationship(org, rel)
	return 201, nil
}

func (f *fakeRegistry) AddRelationship(ctx context.Context, rel RelationshipDraft) (int, error) {
	if f.mutateErr != nil {
		return 500, f.mutateErr
	}
	f.added = append(f.added, rel)
	f.applyRelationship(f.orgByID(rel.SubsidiaryOrganisationID), rel)
	return 200, nil
}

func (f *fakeRegistry) UpdateRelationship(ctx context.Context, rel RelationshipDraft) (int, error) {
	if f.mutateErr != nil {
		return 500, f.mutateErr
	}
	f.updated = append(f.updated, rel)
	f.applyRelationship(f.orgByID(rel.SubsidiaryOrganisationID), rel)
	return 200, nil
}

// applyRelationship folds a mutation back into the fake's state so a
// second Process run observes the post-mutation registry.
func (f *fakeRegistry) applyRelationship(org *RegistryOrganisation, rel RelationshipDraft) {
	if org != nil {
		org.Relationship = &RegistryRelationship{
			FirstOrganisationID:  rel.ParentOrganisationID,
			SecondOrganisationID: rel.SubsidiaryOrganisationID,
			ReportingType:        rel.ReportingType,
			JoinerDate:           rel.JoinerDate,
		}
	}
	f.relations[fmt.Sprintf("%d:%d", rel.ParentOrganisationID, rel.SubsidiaryOrganisationID)] = true
}

func (f *fakeRegistry) orgByID(id int) *RegistryOrganisation {
	for _, org := range f.orgsByCH {
		if org.ID == id {
			return org
		}
	}
	for _, org := range f.orgsByName {
		if org.ID == id {
			return org
		}
	}
	return nil
}

type fakeEnricher struct {
	companies map[string]OrganisationDraft
	failing   map[string]string
}

func (f *fakeEnricher) Enrich(ctx context.Context, draft *OrganisationDraft) (bool, error) {
	number := strings.ToUpper(draft.CompaniesHouseNumber)
	if msg, ok := f.failing[number]; ok {
		return false, errors.New(msg)
	}
	found, ok := f.companies[number]
	if !ok {
		return false, nil
	}
	draft.Name = found.Name
	draft.AddressLine1 = found.AddressLine1
	draft.Postcode = found.Postcode
	return true, nil
}

type fakeSink struct {
	statuses     map[string][]string
	errorBatches map[string][][]ErrorReport
	cleared      map[string]int
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		statuses:     map[string][]string{},
		errorBatches: map[string][][]ErrorReport{},
		cleared:      map[string]int{},
	}
}

func (f *fakeSink) SetStatus(ctx context.Context, key string, value string) error {
	f.statuses[key] = append(f.statuses[key], value)
	return nil
}

func (f *fakeSink) SetErrorStatus(ctx context.Context, key string, reports []ErrorReport) error {
	if len(reports) == 0 {
		f.cleared[key]++
		return nil
	}
	f.errorBatches[key] = append(f.errorBatches[key], reports)
	return nil
}

func testRunContext() RunContext {
	return RunContext{
		UserID:               "user-1",
		OrganisationID:       "org-1",
		SystemUserID:         "system-user",
		SystemOrganisationID: "system-org",
	}
}

func parentRecord() SubsidiaryRecord {
	return SubsidiaryRecord{
		OrganisationRef:      "100001",
		OrganisationName:     "Parent Packaging Ltd",
		CompaniesHouseNumber: "AA000001",
		ParentChild:          "Parent",
		LineNumber:           2,
	}
}

func parentOrg() *RegistryOrganisation {
	return &RegistryOrganisation{
		ID:                   10,
		CompaniesHouseNumber: "AA000001",
		Name:                 "Parent Packaging Ltd",
	}
}

func childRecord(name, chNumber string, line int) SubsidiaryRecord {
	return SubsidiaryRecord{
		OrganisationRef:      "100001",
		SubsidiaryRef:        "1",
		OrganisationName:     name,
		CompaniesHouseNumber: chNumber,
		ParentChild:          "Child",
		LineNumber:           line,
		RawRow:               fmt.Sprintf("100001,1,%s,%s,Child,,,,", name, chNumber),
	}
}

func TestProcess_AlreadyLinked_IsIdempotent(t *testing.T) {
	reg := newFakeRegistry()
	reg.orgsByCH["BB000001"] = &RegistryOrganisation{
		ID:                   20,
		CompaniesHouseNumber: "BB000001",
		Name:                 "Sub One Ltd",
		Relationship:         &RegistryRelationship{FirstOrganisationID: 10, SecondOrganisationID: 20},
	}
	engine := NewEngine(reg, nil, nil)

	added, reports, err := engine.Process(context.Background(), testRunContext(), parentRecord(), parentOrg(),
		[]SubsidiaryRecord{childRecord("Sub One Ltd", "BB000001", 3)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added != 0 {
		t.Fatalf("expected 0 rows added, got %d", added)
	}
	if len(reports) != 0 {
		t.Fatalf("expected no error reports, got %v", reports)
	}
	if len(reg.added)+len(reg.updated)+len(reg.created) != 0 {
		t.Fatalf("expected no mutations for an already linked subsidiary")
	}
}

func TestProcess_NewRelationship_AddsLink(t *testing.T) {
	reg := newFakeRegistry()
	reg.orgsByCH["BB000001"] = &RegistryOrganisation{
		ID:                   20,
		CompaniesHouseNumber: "BB000001",
		Name:                 "Sub One Ltd",
	}
	engine := NewEngine(reg, nil, nil)

	sub := childRecord("Sub One Ltd", "BB000001", 3)
	sub.ReportingType = "GROUP"
	added, reports, err := engine.Process(context.Background(), testRunContext(), parentRecord(), parentOrg(), []SubsidiaryRecord{sub})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added != 1 {
		t.Fatalf("expected 1 row added, got %d", added)
	}
	if len(reports) != 0 {
		t.Fatalf("expected no error reports, got %v", reports)
	}
	if len(reg.added) != 1 {
		t.Fatalf("expected exactly one AddRelationship call, got %d", len(reg.added))
	}
	rel := reg.added[0]
	if rel.ParentOrganisationID != 10 || rel.SubsidiaryOrganisationID != 20 {
		t.Fatalf("relationship links wrong organisations: %+v", rel)
	}
	if rel.ReportingType != "GROUP" {
		t.Fatalf("expected GROUP reporting type, got %q", rel.ReportingType)
	}
}

func TestProcess_LinkedElsewhere_StillAddsLink(t *testing.T) {
	// A relationship to some other parent does not count as linked here.
	reg := newFakeRegistry()
	reg.orgsByCH["BB000001"] = &RegistryOrganisation{
		ID:           20,
		Name:         "Sub One Ltd",
		Relationship: &RegistryRelationship{FirstOrganisationID: 99, SecondOrganisationID: 20},
	}
	engine := NewEngine(reg, nil, nil)

	added, _, err := engine.Process(context.Background(), testRunContext(), parentRecord(), parentOrg(),
		[]SubsidiaryRecord{childRecord("Sub One Ltd", "BB000001", 3)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added != 1 || len(reg.added) != 1 {
		t.Fatalf("expected one new relationship, got added=%d calls=%d", added, len(reg.added))
	}
}

func TestProcess_ReportingTypeChange_UpdatesRelationship(t *testing.T) {
	reg := newFakeRegistry()
	reg.orgsByCH["BB000001"] = &RegistryOrganisation{
		ID:   20,
		Name: "Sub One Ltd",
		Relationship: &RegistryRelationship{
			FirstOrganisationID:  10,
			SecondOrganisationID: 20,
			ReportingType:        "SELF",
		},
	}
	engine := NewEngine(reg, nil, nil)

	sub := childRecord("Sub One Ltd", "BB000001", 3)
	sub.ReportingType = "GROUP"
	added, reports, err := engine.Process(context.Background(), testRunContext(), parentRecord(), parentOrg(), []SubsidiaryRecord{sub})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added != 1 || len(reg.updated) != 1 {
		t.Fatalf("expected one update, got added=%d updates=%d", added, len(reg.updated))
	}
	if len(reports) != 0 {
		t.Fatalf("expected no error reports, got %v", reports)
	}
	if len(reg.added) != 0 {
		t.Fatalf("update must not also add a relationship")
	}
}

func TestProcess_JoinerDateMismatch_ReportsWithoutMutating(t *testing.T) {
	reg := newFakeRegistry()
	reg.orgsByCH["BB000001"] = &RegistryOrganisation{
		ID:   20,
		Name: "Sub One Ltd",
		Relationship: &RegistryRelationship{
			FirstOrganisationID:  10,
			SecondOrganisationID: 20,
			JoinerDate:           "01/01/2024",
		},
	}
	engine := NewEngine(reg, nil, nil)

	sub := childRecord("Sub One Ltd", "BB000001", 3)
	sub.JoinerDate = "15/03/2024"
	added, reports, err := engine.Process(context.Background(), testRunContext(), parentRecord(), parentOrg(), []SubsidiaryRecord{sub})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added != 0 {
		t.Fatalf("joiner date mismatch must not mutate, got added=%d", added)
	}
	if len(reports) != 1 || reports[0].ErrorCode != ErrorCodeJoinerDateMismatch {
		t.Fatalf("expected one joiner date mismatch report, got %v", reports)
	}
	if reports[0].LineNumber != 3 {
		t.Fatalf("report carries wrong line number: %d", reports[0].LineNumber)
	}
}

func TestProcess_NameDiffersInRegistry_Reports801(t *testing.T) {
	reg := newFakeRegistry()
	reg.orgsByCH["BB000001"] = &RegistryOrganisation{ID: 20, Name: "Completely Different Ltd"}
	engine := NewEngine(reg, nil, nil)

	added, reports, err := engine.Process(context.Background(), testRunContext(), parentRecord(), parentOrg(),
		[]SubsidiaryRecord{childRecord("Sub One Ltd", "BB000001", 3)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added != 0 || len(reg.added) != 0 {
		t.Fatalf("name mismatch must not mutate")
	}
	if len(reports) != 1 || reports[0].ErrorCode != ErrorCodeNameDiffersInRPD {
		t.Fatalf("expected error code %d, got %v", ErrorCodeNameDiffersInRPD, reports)
	}
}

func TestProcess_NotFoundAnywhere_Reports803(t *testing.T) {
	reg := newFakeRegistry()
	engine := NewEngine(reg, &fakeEnricher{}, nil)

	added, reports, err := engine.Process(context.Background(), testRunContext(), parentRecord(), parentOrg(),
		[]SubsidiaryRecord{childRecord("Sub One Ltd", "ZZ999999", 3)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added != 0 {
		t.Fatalf("not-found must not mutate, got added=%d", added)
	}
	if len(reports) != 1 || reports[0].ErrorCode != ErrorCodeNotFoundAnywhere {
		t.Fatalf("expected error code %d, got %v", ErrorCodeNotFoundAnywhere, reports)
	}
}

func TestProcess_NilEnricher_ResolvesNothing(t *testing.T) {
	reg := newFakeRegistry()
	engine := NewEngine(reg, nil, nil)

	_, reports, err := engine.Process(context.Background(), testRunContext(), parentRecord(), parentOrg(),
		[]SubsidiaryRecord{childRecord("Sub One Ltd", "ZZ999999", 3)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reports) != 1 || reports[0].ErrorCode != ErrorCodeNotFoundAnywhere {
		t.Fatalf("nil enricher should yield not-found, got %v", reports)
	}
}

func TestProcess_EnrichedMatch_CreatesOrganisation(t *testing.T) {
	reg := newFakeRegistry()
	enricher := &fakeEnricher{companies: map[string]OrganisationDraft{
		"BB000002": {Name: "Sub Two Ltd", AddressLine1: "1 High Street", Postcode: "BS1 1AA"},
	}}
	engine := NewEngine(reg, enricher, nil)

	added, reports, err := engine.Process(context.Background(), testRunContext(), parentRecord(), parentOrg(),
		[]SubsidiaryRecord{childRecord("Sub Two Ltd", "BB000002", 3)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added != 1 || len(reg.created) != 1 {
		t.Fatalf("expected one create call, got added=%d creates=%d", added, len(reg.created))
	}
	if len(reports) != 0 {
		t.Fatalf("expected no error reports, got %v", reports)
	}
	created := reg.created[0]
	if created.draft.CompaniesHouseNumber != "BB000002" || created.draft.Postcode != "BS1 1AA" {
		t.Fatalf("draft not filled from enrichment: %+v", created.draft)
	}
	if created.rel.ParentOrganisationID != 10 {
		t.Fatalf("created relationship points at wrong parent: %+v", created.rel)
	}
}

func TestProcess_EnrichedNameDiffers_Reports804(t *testing.T) {
	reg := newFakeRegistry()
	enricher := &fakeEnricher{companies: map[string]OrganisationDraft{
		"BB000002": {Name: "Registered Name Ltd"},
	}}
	engine := NewEngine(reg, enricher, nil)

	added, reports, err := engine.Process(context.Background(), testRunContext(), parentRecord(), parentOrg(),
		[]SubsidiaryRecord{childRecord("Trading Name Ltd", "BB000002", 3)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added != 0 || len(reg.created) != 0 {
		t.Fatalf("companies house name mismatch must not create")
	}
	if len(reports) != 1 || reports[0].ErrorCode != ErrorCodeNameDiffersInCompaniesHouse {
		t.Fatalf("expected error code %d, got %v", ErrorCodeNameDiffersInCompaniesHouse, reports)
	}
}

func TestProcess_EnrichmentFailure_Reports805AndContinues(t *testing.T) {
	reg := newFakeRegistry()
	reg.orgsByCH["BB000001"] = &RegistryOrganisation{ID: 20, Name: "Sub One Ltd"}
	enricher := &fakeEnricher{failing: map[string]string{"BB000002": "companies house timeout"}}
	engine := NewEngine(reg, enricher, nil)

	added, reports, err := engine.Process(context.Background(), testRunContext(), parentRecord(), parentOrg(),
		[]SubsidiaryRecord{
			childRecord("Sub Two Ltd", "BB000002", 3),
			childRecord("Sub One Ltd", "BB000001", 4),
		})
	if err != nil {
		t.Fatalf("an enrichment failure must not abort the run: %v", err)
	}
	if added != 1 {
		t.Fatalf("the healthy row should still be processed, got added=%d", added)
	}
	if len(reports) != 1 || reports[0].ErrorCode != ErrorCodeEnrichmentFailed {
		t.Fatalf("expected one enrichment failure report, got %v", reports)
	}
	if !strings.Contains(reports[0].Message, "companies house timeout") {
		t.Fatalf("report should carry the upstream message, got %q", reports[0].Message)
	}
}

func TestProcess_DuplicateRows_SingleMutationSingleLookup(t *testing.T) {
	reg := newFakeRegistry()
	reg.orgsByCH["BB000001"] = &RegistryOrganisation{ID: 20, Name: "Sub One Ltd"}
	engine := NewEngine(reg, nil, nil)

	added, reports, err := engine.Process(context.Background(), testRunContext(), parentRecord(), parentOrg(),
		[]SubsidiaryRecord{
			childRecord("Sub One Ltd", "BB000001", 3),
			childRecord("Sub One Ltd", "BB000001", 4),
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added != 1 || len(reg.added) != 1 {
		t.Fatalf("duplicate rows must mutate once, got added=%d calls=%d", added, len(reg.added))
	}
	if len(reports) != 0 {
		t.Fatalf("the duplicate resolves as already linked, not an error: %v", reports)
	}
	if len(reg.lookupsByCH) != 1 {
		t.Fatalf("expected one registry lookup for the shared number, got %d", len(reg.lookupsByCH))
	}
}

func TestProcess_RegistryLookupFailure_Aborts(t *testing.T) {
	reg := newFakeRegistry()
	reg.lookupErr = errors.New("rpd unavailable")
	engine := NewEngine(reg, nil, nil)

	_, _, err := engine.Process(context.Background(), testRunContext(), parentRecord(), parentOrg(),
		[]SubsidiaryRecord{childRecord("Sub One Ltd", "BB000001", 3)})
	if err == nil {
		t.Fatalf("registry failure must abort the group")
	}
}

func TestProcess_Franchisee_KnownByName_LinksIt(t *testing.T) {
	reg := newFakeRegistry()
	reg.orgsByName["corner shop franchise"] = &RegistryOrganisation{
		ID:   30,
		Name: "Corner Shop Franchise",
	}
	engine := NewEngine(reg, nil, nil)

	fr := childRecord("Corner Shop Franchise", "", 3)
	fr.FranchiseeFlag = "Y"
	added, reports, err := engine.Process(context.Background(), testRunContext(), parentRecord(), parentOrg(), []SubsidiaryRecord{fr})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added != 1 || len(reg.added) != 1 {
		t.Fatalf("expected the franchisee to be linked, got added=%d calls=%d", added, len(reg.added))
	}
	if len(reports) != 0 {
		t.Fatalf("franchisee resolution must not produce reports: %v", reports)
	}
	if len(reg.lookupsByCH) != 0 {
		t.Fatalf("franchisees resolve by name, not companies house number")
	}
}

func TestProcess_Franchisee_AlreadyRelated_NoMutation(t *testing.T) {
	reg := newFakeRegistry()
	reg.orgsByName["corner shop franchise"] = &RegistryOrganisation{ID: 30, Name: "Corner Shop Franchise"}
	reg.relations["10:30"] = true
	engine := NewEngine(reg, nil, nil)

	fr := childRecord("Corner Shop Franchise", "", 3)
	fr.FranchiseeFlag = "Y"
	added, _, err := engine.Process(context.Background(), testRunContext(), parentRecord(), parentOrg(), []SubsidiaryRecord{fr})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added != 0 || len(reg.added) != 0 {
		t.Fatalf("an existing franchisee link must not be re-added")
	}
}

func TestProcess_Franchisee_Unknown_CreatedWithoutReport(t *testing.T) {
	reg := newFakeRegistry()
	engine := NewEngine(reg, nil, nil)

	fr := childRecord("Brand New Franchise", "", 3)
	fr.FranchiseeFlag = "Y"
	added, reports, err := engine.Process(context.Background(), testRunContext(), parentRecord(), parentOrg(), []SubsidiaryRecord{fr})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added != 1 || len(reg.created) != 1 {
		t.Fatalf("unknown franchisee should be created, got added=%d creates=%d", added, len(reg.created))
	}
	if len(reports) != 0 {
		t.Fatalf("a franchisee miss is never an error: %v", reports)
	}
}

func TestProcess_MixedGroup_EveryRowAccountedExactlyOnce(t *testing.T) {
	reg := newFakeRegistry()
	reg.orgsByCH["BB000001"] = &RegistryOrganisation{
		ID:           20,
		Name:         "Linked Sub Ltd",
		Relationship: &RegistryRelationship{FirstOrganisationID: 10, SecondOrganisationID: 20},
	}
	reg.orgsByCH["BB000002"] = &RegistryOrganisation{ID: 21, Name: "New Sub Ltd"}
	reg.orgsByCH["BB000003"] = &RegistryOrganisation{
		ID:   22,
		Name: "Changed Sub Ltd",
		Relationship: &RegistryRelationship{
			FirstOrganisationID:  10,
			SecondOrganisationID: 22,
			ReportingType:        "SELF",
		},
	}
	reg.orgsByCH["BB000004"] = &RegistryOrganisation{ID: 23, Name: "Somebody Else Ltd"}
	engine := NewEngine(reg, nil, nil)

	update := childRecord("Changed Sub Ltd", "BB000003", 5)
	update.ReportingType = "GROUP"
	franchisee := childRecord("Fresh Franchise", "", 8)
	franchisee.FranchiseeFlag = "Y"
	rows := []SubsidiaryRecord{
		childRecord("Linked Sub Ltd", "BB000001", 3),
		childRecord("New Sub Ltd", "BB000002", 4),
		update,
		childRecord("Mismatched Sub Ltd", "BB000004", 6),
		childRecord("Unknown Sub Ltd", "ZZ999999", 7),
		franchisee,
	}
	added, reports, err := engine.Process(context.Background(), testRunContext(), parentRecord(), parentOrg(), rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Every row lands in exactly one bucket: one add, one update, one
	// create, two reports, one no-op.
	mutations := len(reg.added) + len(reg.updated) + len(reg.created)
	if mutations+len(reports) != len(rows)-1 {
		t.Fatalf("rows not partitioned: %d mutations + %d reports for %d rows (1 no-op expected)",
			mutations, len(reports), len(rows))
	}
	if added != 3 || len(reg.added) != 1 || len(reg.updated) != 1 || len(reg.created) != 1 {
		t.Fatalf("expected add/update/create once each, got added=%d add=%d update=%d create=%d",
			added, len(reg.added), len(reg.updated), len(reg.created))
	}
	if len(reports) != 2 {
		t.Fatalf("expected exactly the mismatch and not-found reports, got %v", reports)
	}
	reportLines := map[int]int{}
	for _, r := range reports {
		reportLines[r.LineNumber] = r.ErrorCode
	}
	if reportLines[6] != ErrorCodeNameDiffersInRPD || reportLines[7] != ErrorCodeNotFoundAnywhere {
		t.Fatalf("reports attached to wrong rows: %v", reportLines)
	}
}

func TestProcess_SecondRun_AllAlreadyLinked(t *testing.T) {
	reg := newFakeRegistry()
	reg.orgsByCH["BB000002"] = &RegistryOrganisation{ID: 21, Name: "New Sub Ltd"}
	reg.orgsByCH["BB000003"] = &RegistryOrganisation{
		ID:   22,
		Name: "Changed Sub Ltd",
		Relationship: &RegistryRelationship{
			FirstOrganisationID:  10,
			SecondOrganisationID: 22,
			ReportingType:        "SELF",
		},
	}
	engine := NewEngine(reg, nil, nil)

	update := childRecord("Changed Sub Ltd", "BB000003", 4)
	update.ReportingType = "GROUP"
	franchisee := childRecord("Fresh Franchise", "", 5)
	franchisee.FranchiseeFlag = "Y"
	rows := []SubsidiaryRecord{
		childRecord("New Sub Ltd", "BB000002", 3),
		update,
		franchisee,
	}

	added, reports, err := engine.Process(context.Background(), testRunContext(), parentRecord(), parentOrg(), rows)
	if err != nil {
		t.Fatalf("first run: unexpected error: %v", err)
	}
	if added != 3 || len(reports) != 0 {
		t.Fatalf("first run should mutate all three rows, got added=%d reports=%v", added, reports)
	}

	// Replay the identical file against the post-mutation registry state.
	reg.added = nil
	reg.updated = nil
	reg.created = nil
	added, reports, err = engine.Process(context.Background(), testRunContext(), parentRecord(), parentOrg(), rows)
	if err != nil {
		t.Fatalf("second run: unexpected error: %v", err)
	}
	if added != 0 {
		t.Fatalf("second run must be a no-op, got added=%d", added)
	}
	if len(reg.added)+len(reg.updated)+len(reg.created) != 0 {
		t.Fatalf("second run must not mutate: add=%d update=%d create=%d",
			len(reg.added), len(reg.updated), len(reg.created))
	}
	if len(reports) != 0 {
		t.Fatalf("second run must not report errors, got %v", reports)
	}
}

func TestProcess_ReportsGroupedByCode(t *testing.T) {
	reg := newFakeRegistry()
	reg.orgsByCH["BB000001"] = &RegistryOrganisation{ID: 20, Name: "Different Ltd"}
	reg.orgsByCH["BB000003"] = &RegistryOrganisation{ID: 21, Name: "Another Different Ltd"}
	sink := newFakeSink()
	engine := NewEngine(reg, nil, sink)

	_, reports, err := engine.Process(context.Background(), testRunContext(), parentRecord(), parentOrg(),
		[]SubsidiaryRecord{
			childRecord("Sub One Ltd", "BB000001", 3),
			childRecord("Sub Two Ltd", "ZZ999999", 4),
			childRecord("Sub Three Ltd", "BB000003", 5),
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(reports))
	}

	key := notificationKey("user-1", "org-1", PurposeErrors)
	batches := sink.errorBatches[key]
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches (one per error code), got %d", len(batches))
	}
	if len(batches[0]) != 2 || batches[0][0].ErrorCode != ErrorCodeNameDiffersInRPD {
		t.Fatalf("first batch should hold both name mismatches, got %v", batches[0])
	}
	if len(batches[1]) != 1 || batches[1][0].ErrorCode != ErrorCodeNotFoundAnywhere {
		t.Fatalf("second batch should hold the not-found row, got %v", batches[1])
	}
}
