package reconcile

import (
	"fmt"
	"strings"

	"github.com/lamim/ddreview/pkg/models"
)

// Allowed values per response field
var (
	questionDecisions = []string{"confirm", "reject", "clarify"}
	financialStatuses = []string{"correct", "incorrect", "not_available", "uncertain_check"}
	missingDocActions = []string{"uploaded", "dont_have", "not_applicable"}
)

// Reconcile checks responses against content and returns them normalized.
// A mandatory item with no usable answer yields *models.IncompleteResponseError;
// a response of the wrong shape or value yields *models.InvalidResponseError.
func Reconcile(content models.CheckpointContent, responses map[string]models.ItemResponse) (map[string]models.ItemResponse, error) {
	items, err := indexItems(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidResponse, err)
	}

	known := make(map[string]bool, len(items))
	for _, it := range items {
		known[it.id] = true
	}

	problems := make(map[string]string)
	for id := range responses {
		if !known[id] {
			problems[id] = "no such item in checkpoint content"
		}
	}

	var missing []string
	normalized := make(map[string]models.ItemResponse, len(responses))
	for _, it := range items {
		resp, ok := responses[it.id]
		if !ok || !answered(it.kind, resp) {
			if it.mandatory {
				missing = append(missing, it.id)
			}
			continue
		}
		norm, problem := checkItem(it, resp)
		if problem != "" {
			problems[it.id] = problem
			continue
		}
		normalized[it.id] = norm
	}

	if len(missing) > 0 {
		return nil, models.NewIncompleteResponse(missing)
	}
	if len(problems) > 0 {
		return nil, &models.InvalidResponseError{Problems: problems}
	}
	return normalized, nil
}

// answered reports whether the primary field for the item kind is filled in
func answered(kind itemKind, r models.ItemResponse) bool {
	switch kind {
	case kindQuestion:
		return strings.TrimSpace(r.Decision) != ""
	case kindFinancial:
		return strings.TrimSpace(r.Status) != ""
	case kindMissingDoc:
		return strings.TrimSpace(r.Action) != ""
	case kindEntity:
		return strings.TrimSpace(r.Relationship) != ""
	}
	return false
}

func checkItem(it item, r models.ItemResponse) (models.ItemResponse, string) {
	if foreign := foreignFields(it.kind, r); len(foreign) > 0 {
		return r, fmt.Sprintf("fields %s do not apply to a %s", strings.Join(foreign, ", "), it.kind)
	}

	switch it.kind {
	case kindQuestion:
		decision, ok := oneOf(r.Decision, questionDecisions)
		if !ok {
			return r, fmt.Sprintf("decision must be one of %s", strings.Join(questionDecisions, ", "))
		}
		if decision == "clarify" && strings.TrimSpace(r.Comment) == "" {
			return r, "clarify requires a comment"
		}
		r.Decision = decision
	case kindFinancial:
		status, ok := oneOf(r.Status, financialStatuses)
		if !ok {
			return r, fmt.Sprintf("status must be one of %s", strings.Join(financialStatuses, ", "))
		}
		if status == "incorrect" && strings.TrimSpace(r.CorrectedValue) == "" {
			return r, "incorrect requires a corrected_value"
		}
		r.Status = status
	case kindMissingDoc:
		action, ok := oneOf(r.Action, missingDocActions)
		if !ok {
			return r, fmt.Sprintf("action must be one of %s", strings.Join(missingDocActions, ", "))
		}
		if action == "uploaded" && strings.TrimSpace(r.UploadedDocID) == "" {
			return r, "uploaded requires a non-empty uploaded_doc_id"
		}
		r.Action = action
	case kindEntity:
		rel, err := CanonicalRelationship(r.Relationship)
		if err != nil {
			return r, err.Error()
		}
		if len(it.entity.Options) > 0 && !offered(it.entity.Options, rel) {
			return r, fmt.Sprintf("relationship %s is not one of the offered options", rel)
		}
		r.Relationship = string(rel)
	}
	return r, ""
}

// foreignFields names response fields that belong to a different item kind
func foreignFields(kind itemKind, r models.ItemResponse) []string {
	type field struct {
		name  string
		value string
		owner itemKind
	}
	fields := []field{
		{"decision", r.Decision, kindQuestion},
		{"status", r.Status, kindFinancial},
		{"corrected_value", r.CorrectedValue, kindFinancial},
		{"action", r.Action, kindMissingDoc},
		{"uploaded_doc_id", r.UploadedDocID, kindMissingDoc},
		{"relationship", r.Relationship, kindEntity},
	}
	var out []string
	for _, f := range fields {
		if f.owner != kind && strings.TrimSpace(f.value) != "" {
			out = append(out, f.name)
		}
	}
	return out
}

func oneOf(value string, allowed []string) (string, bool) {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, a := range allowed {
		if v == a {
			return a, true
		}
	}
	return v, false
}

func offered(options []string, rel Relationship) bool {
	for _, opt := range options {
		if canon, err := CanonicalRelationship(opt); err == nil && canon == rel {
			return true
		}
	}
	return false
}
