package report

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/lamim/ddreview/pkg/models"
)

// Diff computes section-level changes from old to new. Sections present in new
// are reported in new's order, followed by sections removed from old.
func Diff(old, new models.ReportContent) []models.SectionDiff {
	oldByKey := make(map[string]models.ReportSection, len(old.Sections))
	for _, s := range old.Sections {
		oldByKey[s.Key] = s
	}
	newKeys := make(map[string]bool, len(new.Sections))

	diffs := []models.SectionDiff{}
	for _, s := range new.Sections {
		newKeys[s.Key] = true
		prev, ok := oldByKey[s.Key]
		switch {
		case !ok:
			diffs = append(diffs, models.SectionDiff{
				Section:    s.Key,
				ChangeType: models.ChangeAdd,
				NewText:    s.Text,
			})
		case prev.Text != s.Text:
			diffs = append(diffs, models.SectionDiff{
				Section:     s.Key,
				ChangeType:  models.ChangeModify,
				OldText:     prev.Text,
				NewText:     s.Text,
				UnifiedDiff: unifiedDiff(s.Key, prev.Text, s.Text),
			})
		}
	}
	for _, s := range old.Sections {
		if !newKeys[s.Key] {
			diffs = append(diffs, models.SectionDiff{
				Section:    s.Key,
				ChangeType: models.ChangeRemove,
				OldText:    s.Text,
			})
		}
	}
	return diffs
}

func unifiedDiff(section, a, b string) string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(ensureNewline(a)),
		B:        difflib.SplitLines(ensureNewline(b)),
		FromFile: fmt.Sprintf("a/%s", section),
		ToFile:   fmt.Sprintf("b/%s", section),
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return text
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// apply returns a copy of content with one section change applied
func apply(content models.ReportContent, section string, change models.ChangeType, title, text string) (models.ReportContent, error) {
	out := content.Clone()
	idx := -1
	for i, s := range out.Sections {
		if s.Key == section {
			idx = i
			break
		}
	}

	switch change {
	case models.ChangeModify:
		if idx < 0 {
			return out, fmt.Errorf("%w: section %q does not exist", models.ErrInvalidResponse, section)
		}
		out.Sections[idx].Text = text
	case models.ChangeAdd:
		if idx >= 0 {
			return out, fmt.Errorf("%w: section %q already exists", models.ErrInvalidResponse, section)
		}
		out.Sections = append(out.Sections, models.ReportSection{Key: section, Title: title, Text: text})
	case models.ChangeRemove:
		if idx < 0 {
			return out, fmt.Errorf("%w: section %q does not exist", models.ErrInvalidResponse, section)
		}
		out.Sections = append(out.Sections[:idx], out.Sections[idx+1:]...)
	default:
		return out, fmt.Errorf("%w: unknown change type %q", models.ErrInvalidResponse, change)
	}
	return out, nil
}
