package reconcile

import "strings"

// MarkerRef binds a stable id to a marker string embedded in editable text
type MarkerRef struct {
	Marker string `json:"marker"`
	ID     string `json:"id"`
}

// PruneMarkers keeps only the refs whose marker still occurs in text, in their
// original order and without duplicates.
func PruneMarkers(text string, refs []MarkerRef) []MarkerRef {
	var kept []MarkerRef
	seen := make(map[MarkerRef]bool, len(refs))
	for _, ref := range refs {
		if ref.Marker == "" || seen[ref] {
			continue
		}
		if strings.Contains(text, ref.Marker) {
			kept = append(kept, ref)
			seen[ref] = true
		}
	}
	return kept
}

// FindingMarker is the inline citation used for a finding id in report text
func FindingMarker(findingID string) string {
	return "[" + findingID + "]"
}

// RetainedFindings returns the finding ids whose citation markers survive in text
func RetainedFindings(text string, findingIDs []string) []string {
	refs := make([]MarkerRef, 0, len(findingIDs))
	for _, id := range findingIDs {
		refs = append(refs, MarkerRef{Marker: FindingMarker(id), ID: id})
	}
	var ids []string
	for _, ref := range PruneMarkers(text, refs) {
		ids = append(ids, ref.ID)
	}
	return ids
}
