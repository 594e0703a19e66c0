package bulkupload

import "strings"

// ExtractGroups partitions validated rows into parent-with-subsidiaries
// sets, matching children to parents on the organisation reference id.
//
// A parent whose reference matches no child yields no group. A child whose
// reference matches no parent yields a singleton group with a synthetic
// "orphan" parent so the row still reaches the orchestrator and fails
// loudly there instead of vanishing.
//
// Pure function; output order follows input order of the parents, then the
// orphans.
func ExtractGroups(rows []SubsidiaryRecord) []ParentWithSubsidiaries {
	var parents []SubsidiaryRecord
	var children []SubsidiaryRecord
	for _, row := range rows {
		switch {
		case row.IsParent():
			parents = append(parents, row)
		case row.IsChild():
			children = append(children, row)
		}
	}

	matched := make([]bool, len(children))
	var groups []ParentWithSubsidiaries

	for _, parent := range parents {
		var subs []SubsidiaryRecord
		for i, child := range children {
			if refsEqual(child.OrganisationRef, parent.OrganisationRef) {
				subs = append(subs, child)
				matched[i] = true
			}
		}
		if len(subs) == 0 {
			continue
		}
		groups = append(groups, ParentWithSubsidiaries{Parent: parent, Subsidiaries: subs})
	}

	for i, child := range children {
		if matched[i] {
			continue
		}
		groups = append(groups, ParentWithSubsidiaries{
			Parent: SubsidiaryRecord{
				OrganisationRef:  child.OrganisationRef,
				OrganisationName: OrphanParentName,
				ParentChild:      MarkerParent,
				LineNumber:       child.LineNumber,
				RawRow:           child.RawRow,
			},
			Subsidiaries: []SubsidiaryRecord{child},
			Orphan:       true,
		})
	}

	return groups
}

func refsEqual(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b) && strings.TrimSpace(a) != ""
}
