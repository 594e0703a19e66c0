package bulkupload

import (
	"strings"
	"testing"
)

const csvHeader = "organisation_id,subsidiary_id,organisation_name,companies_house_number,parent_child,franchisee_licensee_tenant,joiner_date,reporting_type,nation_code"

func parseLines(t *testing.T, lines ...string) []SubsidiaryRecord {
	t.Helper()
	records, err := ParseSubsidiaryFile([]byte(strings.Join(lines, "\n")))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	return records
}

func TestParse_EmptyFile(t *testing.T) {
	records, err := ParseSubsidiaryFile(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if records != nil {
		t.Fatalf("expected no records, got %v", records)
	}
}

func TestParse_HeaderOnly(t *testing.T) {
	records := parseLines(t, csvHeader)
	if len(records) != 0 {
		t.Fatalf("expected no records from a header-only file, got %d", len(records))
	}
}

func TestParse_HeaderWithByteOrderMark(t *testing.T) {
	// Files exported from Excel open with a UTF-8 BOM before the first
	// column name.
	records := parseLines(t,
		"\xEF\xBB\xBF"+csvHeader,
		"100001,,Parent Packaging Ltd,AA000001,Parent,,,,EN",
	)
	if len(records) != 1 || len(records[0].Errors) != 0 {
		t.Fatalf("a BOM-prefixed header must parse cleanly, got %+v", records)
	}
}

func TestParse_BadHeader(t *testing.T) {
	_, err := ParseSubsidiaryFile([]byte("wrong,header,row\n"))
	if err == nil {
		t.Fatalf("a malformed header must be a file-level error")
	}
}

func TestParse_ValidRows(t *testing.T) {
	records := parseLines(t,
		csvHeader,
		"100001,,Parent Packaging Ltd,AA000001,Parent,,,,EN",
		"100001,1,Sub One Ltd,BB000001,Child,N,15/03/2024,GROUP,EN",
	)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	parent, child := records[0], records[1]
	if len(parent.Errors) != 0 || len(child.Errors) != 0 {
		t.Fatalf("valid rows must carry no errors: %v / %v", parent.Errors, child.Errors)
	}
	if !parent.IsParent() || !child.IsChild() {
		t.Fatalf("parent_child markers not parsed")
	}
	if parent.LineNumber != 2 || child.LineNumber != 3 {
		t.Fatalf("line numbers wrong: %d, %d", parent.LineNumber, child.LineNumber)
	}
	if child.JoinerDate != "15/03/2024" || child.ReportingType != "GROUP" {
		t.Fatalf("child fields not parsed: %+v", child)
	}
}

func TestParse_MarkerIsCaseInsensitive(t *testing.T) {
	records := parseLines(t,
		csvHeader,
		"100001,,Parent Packaging Ltd,AA000001,PARENT,,,,EN",
		"100001,1,Sub One Ltd,BB000001,child,,,,EN",
	)
	if !records[0].IsParent() || !records[1].IsChild() {
		t.Fatalf("markers should match case-insensitively")
	}
	if len(records[0].Errors) != 0 || len(records[1].Errors) != 0 {
		t.Fatalf("unexpected validation errors: %v / %v", records[0].Errors, records[1].Errors)
	}
}

func TestParse_RowValidation(t *testing.T) {
	cases := []struct {
		name string
		row  string
		want string
	}{
		{"missing organisation id", ",1,Sub One Ltd,BB000001,Child,,,,EN", "organisation_id is required"},
		{"missing name", "100001,1,,BB000001,Child,,,,EN", "organisation_name is required"},
		{"bad marker", "100001,1,Sub One Ltd,BB000001,Sibling,,,,EN", "parent_child must be Parent or Child"},
		{"missing companies house number", "100001,1,Sub One Ltd,,Child,,,,EN", "companies_house_number is required"},
		{"short companies house number", "100001,1,Sub One Ltd,BB1,Child,,,,EN", "companies_house_number must be 8 alphanumeric characters"},
		{"bad joiner date", "100001,1,Sub One Ltd,BB000001,Child,,2024-03-15,,EN", "joiner_date must be in DD/MM/YYYY format"},
		{"bad reporting type", "100001,1,Sub One Ltd,BB000001,Child,,,BOTH,EN", "reporting_type must be SELF or GROUP"},
		{"bad franchisee flag", "100001,1,Sub One Ltd,BB000001,Child,maybe,,,EN", "franchisee_licensee_tenant must be Y or N"},
	}
	for _, tc := range cases {
		records := parseLines(t, csvHeader, tc.row)
		if len(records) != 1 {
			t.Fatalf("%s: expected 1 record, got %d", tc.name, len(records))
		}
		found := false
		for _, e := range records[0].Errors {
			if e == tc.want {
				found = true
			}
		}
		if !found {
			t.Fatalf("%s: expected error %q, got %v", tc.name, tc.want, records[0].Errors)
		}
	}
}

func TestParse_FranchiseeWithoutCompaniesHouseNumber(t *testing.T) {
	records := parseLines(t,
		csvHeader,
		"100001,1,Corner Shop Franchise,,Child,Y,,,EN",
	)
	if len(records[0].Errors) != 0 {
		t.Fatalf("a franchisee may omit the companies house number, got %v", records[0].Errors)
	}
	if !records[0].IsFranchisee() {
		t.Fatalf("franchisee flag not parsed")
	}
}

func TestParse_ValidationAccumulates(t *testing.T) {
	records := parseLines(t,
		csvHeader,
		",,,,Sibling,,,,",
	)
	if len(records[0].Errors) < 3 {
		t.Fatalf("expected multiple accumulated errors, got %v", records[0].Errors)
	}
}
