// Package reconcile validates checkpoint content and user responses against the
// schema implied by each checkpoint type. Nothing here has side effects.
package reconcile

import (
	"fmt"
	"strings"

	"github.com/lamim/ddreview/pkg/models"
)

// itemKind is the tag of a single content item
type itemKind int

const (
	kindQuestion itemKind = iota
	kindFinancial
	kindMissingDoc
	kindEntity
)

func (k itemKind) String() string {
	switch k {
	case kindQuestion:
		return "understanding question"
	case kindFinancial:
		return "financial confirmation"
	case kindMissingDoc:
		return "missing document"
	case kindEntity:
		return "entity question"
	}
	return "unknown"
}

type item struct {
	id        string
	kind      itemKind
	mandatory bool
	question  *models.UnderstandingQuestion
	financial *models.FinancialConfirmation
	entity    *models.EntityQuestion
}

// sections lists which content sections each checkpoint type may carry
var sections = map[models.CheckpointType]struct {
	summary, questions, financials, missingDocs, entities bool
}{
	models.CheckpointPostAnalysis:       {summary: true, questions: true, financials: true},
	models.CheckpointMissingDocs:        {missingDocs: true},
	models.CheckpointEntityConfirmation: {entities: true},
}

// ValidateContent checks that content is a well-formed member of its tagged union
func ValidateContent(content models.CheckpointContent) error {
	allowed, ok := sections[content.Type]
	if !ok {
		return fmt.Errorf("%w: unknown checkpoint type %q", models.ErrInvalidResponse, content.Type)
	}

	var problems []string
	check := func(present, legal bool, name string) {
		if present && !legal {
			problems = append(problems, fmt.Sprintf("%s not allowed for %s", name, content.Type))
		}
	}
	check(strings.TrimSpace(content.PreliminarySummary) != "", allowed.summary, "preliminary_summary")
	check(len(content.UnderstandingQuestions) > 0, allowed.questions, "understanding_questions")
	check(len(content.FinancialConfirmations) > 0, allowed.financials, "financial_confirmations")
	check(len(content.MissingDocuments) > 0, allowed.missingDocs, "missing_documents")
	check(len(content.EntityQuestions) > 0, allowed.entities, "entity_questions")

	switch content.Type {
	case models.CheckpointPostAnalysis:
		if strings.TrimSpace(content.PreliminarySummary) == "" &&
			len(content.UnderstandingQuestions) == 0 &&
			len(content.FinancialConfirmations) == 0 {
			problems = append(problems, "post_analysis needs a summary, questions or financial confirmations")
		}
	case models.CheckpointMissingDocs:
		if len(content.MissingDocuments) == 0 {
			problems = append(problems, "missing_docs needs at least one missing document")
		}
	case models.CheckpointEntityConfirmation:
		if len(content.EntityQuestions) == 0 {
			problems = append(problems, "entity_confirmation needs at least one entity question")
		}
	}

	for _, q := range content.EntityQuestions {
		for _, opt := range q.Options {
			if _, err := CanonicalRelationship(opt); err != nil {
				problems = append(problems, fmt.Sprintf("entity question %s option: %v", q.ID, err))
			}
		}
	}

	if _, err := indexItems(content); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", models.ErrInvalidResponse, strings.Join(problems, "; "))
	}
	return nil
}

// indexItems lists content items in display order and rejects blank or duplicate ids
func indexItems(content models.CheckpointContent) ([]item, error) {
	var items []item
	seen := make(map[string]bool)
	add := func(it item) error {
		if strings.TrimSpace(it.id) == "" {
			return fmt.Errorf("%s without id", it.kind)
		}
		if seen[it.id] {
			return fmt.Errorf("duplicate item id %q", it.id)
		}
		seen[it.id] = true
		items = append(items, it)
		return nil
	}

	for i := range content.UnderstandingQuestions {
		q := &content.UnderstandingQuestions[i]
		if err := add(item{id: q.ID, kind: kindQuestion, mandatory: !q.Optional, question: q}); err != nil {
			return nil, err
		}
	}
	for i := range content.FinancialConfirmations {
		f := &content.FinancialConfirmations[i]
		if err := add(item{id: f.ID, kind: kindFinancial, mandatory: true, financial: f}); err != nil {
			return nil, err
		}
	}
	for i := range content.MissingDocuments {
		d := &content.MissingDocuments[i]
		if err := add(item{id: d.ID, kind: kindMissingDoc, mandatory: true}); err != nil {
			return nil, err
		}
	}
	for i := range content.EntityQuestions {
		e := &content.EntityQuestions[i]
		if err := add(item{id: e.ID, kind: kindEntity, mandatory: true, entity: e}); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// MandatoryItems returns the ids that must be answered before a checkpoint can complete
func MandatoryItems(content models.CheckpointContent) []string {
	items, err := indexItems(content)
	if err != nil {
		return nil
	}
	var ids []string
	for _, it := range items {
		if it.mandatory {
			ids = append(ids, it.id)
		}
	}
	return ids
}
