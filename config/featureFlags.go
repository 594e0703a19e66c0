package config

import (
	"os"
	"strings"
)

// ReportUnresolvedParents controls whether groups whose parent cannot be
// resolved against RPD produce an error report for the user. When off, the
// group is skipped silently (legacy behaviour).
//
// Set via env:
// - REPORT_UNRESOLVED_PARENTS=false
func ReportUnresolvedParents() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("REPORT_UNRESOLVED_PARENTS")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// CompaniesHouseAPIEnabled controls the upstream Companies House lookup
// fallback used when a company is missing from the local offline table.
//
// Set via env:
// - CH_API_ENABLED=true
func CompaniesHouseAPIEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("CH_API_ENABLED")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
