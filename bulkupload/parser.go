package bulkupload

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
)

// Column order of the upload template. Header row is required; data rows
// start at line 2.
var expectedHeader = []string{
	"organisation_id",
	"subsidiary_id",
	"organisation_name",
	"companies_house_number",
	"parent_child",
	"franchisee_licensee_tenant",
	"joiner_date",
	"reporting_type",
	"nation_code",
}

const joinerDateLayout = "02/01/2006"

var companiesHouseNumberPattern = regexp.MustCompile(`^[A-Za-z0-9]{8}$`)

// ParseSubsidiaryFile reads the uploaded CSV into records. Row-level
// validation failures do not stop the parse; they accumulate on each
// record's Errors list so the caller can report every bad row at once.
// A malformed header or unreadable CSV structure is a file-level error.
func ParseSubsidiaryFile(contents []byte) ([]SubsidiaryRecord, error) {
	reader := csv.NewReader(bytes.NewReader(contents))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if err := validateHeader(header); err != nil {
		return nil, err
	}

	var records []SubsidiaryRecord
	lineNumber := 1
	for {
		row, err := reader.Read()
		lineNumber++
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", lineNumber, err)
		}
		records = append(records, parseRow(row, lineNumber))
	}
	return records, nil
}

func validateHeader(header []string) error {
	if len(header) < len(expectedHeader) {
		return fmt.Errorf("header has %d columns, expected %d", len(header), len(expectedHeader))
	}
	for i, want := range expectedHeader {
		got := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(header[i], "\uFEFF")))
		if got != want {
			return fmt.Errorf("header column %d is %q, expected %q", i+1, header[i], want)
		}
	}
	return nil
}

func parseRow(row []string, lineNumber int) SubsidiaryRecord {
	record := SubsidiaryRecord{
		OrganisationRef:      field(row, 0),
		SubsidiaryRef:        field(row, 1),
		OrganisationName:     field(row, 2),
		CompaniesHouseNumber: field(row, 3),
		ParentChild:          field(row, 4),
		FranchiseeFlag:       field(row, 5),
		JoinerDate:           field(row, 6),
		ReportingType:        field(row, 7),
		NationCode:           field(row, 8),
		RawRow:               strings.Join(row, ","),
		LineNumber:           lineNumber,
	}
	record.Errors = validateRecord(record)
	return record
}

func field(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func validateRecord(r SubsidiaryRecord) []string {
	var errs []string

	if r.OrganisationRef == "" {
		errs = append(errs, "organisation_id is required")
	}
	if r.OrganisationName == "" {
		errs = append(errs, "organisation_name is required")
	}
	if !r.IsParent() && !r.IsChild() {
		errs = append(errs, "parent_child must be Parent or Child")
	}

	switch strings.ToUpper(r.FranchiseeFlag) {
	case "", "Y", "N":
	default:
		errs = append(errs, "franchisee_licensee_tenant must be Y or N")
	}

	if r.IsFranchisee() {
		if r.CompaniesHouseNumber != "" && !companiesHouseNumberPattern.MatchString(r.CompaniesHouseNumber) {
			errs = append(errs, "companies_house_number must be 8 alphanumeric characters")
		}
	} else if r.IsChild() {
		if r.CompaniesHouseNumber == "" {
			errs = append(errs, "companies_house_number is required")
		} else if !companiesHouseNumberPattern.MatchString(r.CompaniesHouseNumber) {
			errs = append(errs, "companies_house_number must be 8 alphanumeric characters")
		}
	}

	if r.JoinerDate != "" {
		if _, err := time.Parse(joinerDateLayout, r.JoinerDate); err != nil {
			errs = append(errs, "joiner_date must be in DD/MM/YYYY format")
		}
	}

	switch strings.ToUpper(r.ReportingType) {
	case "", ReportingTypeSelf, ReportingTypeGroup:
	default:
		errs = append(errs, "reporting_type must be SELF or GROUP")
	}

	return errs
}
