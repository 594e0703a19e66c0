package bulkupload

import "strings"

const (
	MarkerParent = "Parent"
	MarkerChild  = "Child"

	// OrphanParentName is the synthetic parent placeholder for child rows
	// whose organisation reference matches no parent row.
	OrphanParentName = "orphan"
)

const (
	ReportingTypeSelf  = "SELF"
	ReportingTypeGroup = "GROUP"
)

// Notification channel purposes. Keys are {userId}{organisationId}{purpose}.
const (
	PurposeProgress  = "SubsidiaryBulkUploadProgress"
	PurposeErrors    = "SubsidiaryBulkUploadErrors"
	PurposeRowsAdded = "SubsidiaryBulkUploadRowsAdded"
)

const (
	StatusUploading = "Uploading"
	StatusFinished  = "Finished"
	StatusError     = "Error"
)

// Error codes carried on ErrorReport. 80x are per-row reconciliation
// failures, 81x are file/group level.
const (
	ErrorCodeNameDiffersInRPD            = 801
	ErrorCodeJoinerDateMismatch          = 802
	ErrorCodeNotFoundAnywhere            = 803
	ErrorCodeNameDiffersInCompaniesHouse = 804
	ErrorCodeEnrichmentFailed            = 805
	ErrorCodeParentUnresolved            = 810
	ErrorCodeFileEmpty                   = 811
	ErrorCodeRowValidation               = 812
)

// SubsidiaryRecord is one validated row of the uploaded file. Records are
// produced by the parser and consumed read-only downstream; a record with
// a non-empty Errors list is excluded from reconciliation.
type SubsidiaryRecord struct {
	OrganisationRef      string
	SubsidiaryRef        string
	OrganisationName     string
	CompaniesHouseNumber string
	ParentChild          string
	FranchiseeFlag       string
	JoinerDate           string
	ReportingType        string
	NationCode           string
	RawRow               string
	LineNumber           int
	Errors               []string
}

func (r SubsidiaryRecord) IsParent() bool {
	return strings.EqualFold(strings.TrimSpace(r.ParentChild), MarkerParent)
}

func (r SubsidiaryRecord) IsChild() bool {
	return strings.EqualFold(strings.TrimSpace(r.ParentChild), MarkerChild)
}

func (r SubsidiaryRecord) IsFranchisee() bool {
	return strings.EqualFold(strings.TrimSpace(r.FranchiseeFlag), "Y")
}

// ParentWithSubsidiaries is one parent row plus the child rows sharing its
// organisation reference. Built once per run by ExtractGroups; immutable
// afterwards. Orphan marks the synthetic group built around a child whose
// reference matched no parent row; such a parent is never resolved against
// the registry.
type ParentWithSubsidiaries struct {
	Parent       SubsidiaryRecord
	Subsidiaries []SubsidiaryRecord
	Orphan       bool
}

// ErrorReport is the unit sent to the notification channel and persisted on
// the run, one per failed subsidiary row.
type ErrorReport struct {
	LineNumber int    `json:"lineNumber"`
	RowContent string `json:"rowContent"`
	Message    string `json:"message"`
	ErrorCode  int    `json:"errorCode"`
	IsError    bool   `json:"isError"`
}

// RunContext carries the per-run identity the engine namespaces its calls
// by. SystemUserID/SystemOrganisationID are resolved once, up front, via
// the registry; nothing downstream re-fetches them.
type RunContext struct {
	UserID               string
	OrganisationID       string
	CorrelationID        string
	SystemUserID         string
	SystemOrganisationID string
}

// RegistryOrganisation is RPD's view of an organisation.
type RegistryOrganisation struct {
	ID                   int                   `json:"id"`
	ExternalID           string                `json:"externalId"`
	CompaniesHouseNumber string                `json:"companiesHouseNumber"`
	Name                 string                `json:"name"`
	ReferenceNumber      string                `json:"referenceNumber"`
	Relationship         *RegistryRelationship `json:"relationship"`
}

// RegistryRelationship is the stored parent/subsidiary link. The parent is
// the first organisation.
type RegistryRelationship struct {
	FirstOrganisationID  int    `json:"firstOrganisationId"`
	SecondOrganisationID int    `json:"secondOrganisationId"`
	ReportingType        string `json:"organisationRelationshipType"`
	JoinerDate           string `json:"joinerDate"`
}

// OrganisationDraft is the create payload for an organisation missing from
// RPD. The enricher fills the name/address fields in place and sets
// EnrichmentError when the upstream lookup returned an error payload.
type OrganisationDraft struct {
	Name                 string `json:"name"`
	CompaniesHouseNumber string `json:"companiesHouseNumber"`
	AddressLine1         string `json:"addressLine1"`
	AddressLine2         string `json:"addressLine2"`
	Town                 string `json:"town"`
	County               string `json:"county"`
	Country              string `json:"country"`
	Postcode             string `json:"postcode"`
	EnrichmentError      string `json:"-"`
}

// RelationshipDraft is the add/update payload for a parent/subsidiary link.
type RelationshipDraft struct {
	ParentOrganisationID     int    `json:"firstOrganisationId"`
	SubsidiaryOrganisationID int    `json:"secondOrganisationId"`
	ReportingType            string `json:"organisationRelationshipType"`
	JoinerDate               string `json:"joinerDate"`
}

type UploadPubSubPayload struct {
	RunId          uint   `json:"run_id"`
	UserId         string `json:"user_id"`
	OrganisationId string `json:"organisation_id"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type UploadRunResponse struct {
	ID           uint    `json:"id"`
	FileName     string  `json:"fileName"`
	Status       string  `json:"status"`
	StartedAt    *string `json:"startedAt"`
	FinishedAt   *string `json:"finishedAt"`
	DurationMs   int64   `json:"durationMs"`
	RecordsAdded int     `json:"recordsAdded"`
	ErrorCount   int     `json:"errorCount"`
	TriggeredBy  string  `json:"triggeredBy"`
}

type UploadRunHistoryResponse struct {
	Items []UploadRunResponse `json:"items"`
}

type UploadRunDetailResponse struct {
	UploadRunResponse
	Errors []ErrorReport `json:"errors"`
}
