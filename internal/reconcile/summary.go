package reconcile

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lamim/ddreview/pkg/models"
)

const correctionsHeading = "User corrections:"

// Rewrite is the result of applying corrections to a preliminary summary
type Rewrite struct {
	Summary string
	Applied int
}

// ValidateCorrections checks a partial set of question/financial corrections.
// Unlike Reconcile, nothing is mandatory.
func ValidateCorrections(content models.CheckpointContent, corrections map[string]models.ItemResponse) (map[string]models.ItemResponse, error) {
	items, err := indexItems(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidResponse, err)
	}
	byID := make(map[string]item, len(items))
	for _, it := range items {
		byID[it.id] = it
	}

	problems := make(map[string]string)
	out := make(map[string]models.ItemResponse, len(corrections))
	for id, c := range corrections {
		it, ok := byID[id]
		switch {
		case !ok:
			problems[id] = "no such item in checkpoint content"
		case it.kind != kindQuestion && it.kind != kindFinancial:
			problems[id] = fmt.Sprintf("a %s cannot correct the summary", it.kind)
		case !answered(it.kind, c):
			problems[id] = "correction is empty"
		default:
			norm, problem := checkItem(it, c)
			if problem != "" {
				problems[id] = problem
				continue
			}
			out[id] = norm
		}
	}
	if len(problems) > 0 {
		return nil, &models.InvalidResponseError{Problems: problems}
	}
	return out, nil
}

// ApplyCorrections rewrites base with corrections. Incorrect figures are
// replaced in one pass over the original text, whole tokens only; every
// effective correction is also listed under a trailing corrections block.
// The same base and corrections always yield the same summary.
func ApplyCorrections(base string, content models.CheckpointContent, corrections map[string]models.ItemResponse) Rewrite {
	text := stripCorrectionsBlock(base)
	var notes []string
	var subs []substitution
	applied := 0

	for _, f := range content.FinancialConfirmations {
		c, ok := corrections[f.ID]
		if !ok {
			continue
		}
		label := f.Metric
		if f.Period != "" {
			label = fmt.Sprintf("%s (%s)", f.Metric, f.Period)
		}
		switch c.Status {
		case "incorrect":
			if f.Value != "" {
				subs = append(subs, substitution{old: f.Value, new: c.CorrectedValue})
			}
			notes = append(notes, fmt.Sprintf("- %s: corrected from %s to %s.", label, f.Value, c.CorrectedValue))
		case "not_available":
			notes = append(notes, fmt.Sprintf("- %s: not available in the provided documents.", label))
		case "uncertain_check":
			notes = append(notes, fmt.Sprintf("- %s: flagged for verification.", label))
		default:
			continue
		}
		applied++
	}

	for _, q := range content.UnderstandingQuestions {
		c, ok := corrections[q.ID]
		if !ok {
			continue
		}
		comment := strings.TrimSpace(c.Comment)
		switch c.Decision {
		case "reject":
			line := fmt.Sprintf("- %s: the stated understanding is incorrect.", q.Question)
			if comment != "" {
				line += " " + comment
			}
			notes = append(notes, line)
		case "clarify":
			notes = append(notes, fmt.Sprintf("- %s: %s", q.Question, comment))
		default:
			continue
		}
		applied++
	}

	text = strings.TrimSpace(replaceTokens(text, subs))
	if len(notes) > 0 {
		if text != "" {
			text += "\n\n"
		}
		text += correctionsHeading + "\n" + strings.Join(notes, "\n")
	}
	return Rewrite{Summary: text, Applied: applied}
}

func stripCorrectionsBlock(s string) string {
	if i := strings.Index(s, "\n\n"+correctionsHeading+"\n"); i >= 0 {
		return s[:i]
	}
	if strings.HasPrefix(s, correctionsHeading+"\n") {
		return ""
	}
	return s
}

type substitution struct {
	old, new string
}

// replaceTokens substitutes every whole-token occurrence of each old value in
// text. Matching is done against the original text only, so a replacement is
// never rewritten by a later one. Longer values win when several match at the
// same position; for equal values the first listed wins.
func replaceTokens(text string, subs []substitution) string {
	if len(subs) == 0 {
		return text
	}
	sort.SliceStable(subs, func(i, j int) bool { return len(subs[i].old) > len(subs[j].old) })

	var b strings.Builder
	for i := 0; i < len(text); {
		matched := false
		if tokenStart(text, i) {
			for _, sub := range subs {
				end := i + len(sub.old)
				if strings.HasPrefix(text[i:], sub.old) && tokenEnd(text, end) {
					b.WriteString(sub.new)
					i = end
					matched = true
					break
				}
			}
		}
		if !matched {
			_, size := utf8.DecodeRuneInString(text[i:])
			b.WriteString(text[i : i+size])
			i += size
		}
	}
	return b.String()
}

func isTokenRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// tokenStart reports whether a value may begin at i: the previous rune is not
// part of a word or number ("112%" does not contain "12%", "0.12" not "12").
func tokenStart(text string, i int) bool {
	if i == 0 {
		return true
	}
	prev, size := utf8.DecodeLastRuneInString(text[:i])
	if isTokenRune(prev) {
		return false
	}
	if prev == '.' || prev == ',' {
		before, _ := utf8.DecodeLastRuneInString(text[:i-size])
		return !unicode.IsDigit(before)
	}
	return true
}

// tokenEnd reports whether a value may end at i ("12" does not match "12.5")
func tokenEnd(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	next, size := utf8.DecodeRuneInString(text[i:])
	if isTokenRune(next) {
		return false
	}
	if next == '.' || next == ',' {
		after, _ := utf8.DecodeRuneInString(text[i+size:])
		return !unicode.IsDigit(after)
	}
	return true
}
