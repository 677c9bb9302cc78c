package reconcile

import (
	"fmt"
	"strings"
)

// Relationship is the canonical relation of a discovered entity to the deal target
type Relationship string

const (
	RelationshipTarget       Relationship = "target"
	RelationshipSubsidiary   Relationship = "subsidiary"
	RelationshipParent       Relationship = "parent"
	RelationshipAffiliate    Relationship = "affiliate"
	RelationshipCounterparty Relationship = "counterparty"
	RelationshipNotRelated   Relationship = "not_related"
)

var relationshipAliases = map[string]Relationship{
	"target":          RelationshipTarget,
	"target_company":  RelationshipTarget,
	"same_entity":     RelationshipTarget,
	"subsidiary":      RelationshipSubsidiary,
	"sub":             RelationshipSubsidiary,
	"wholly_owned":    RelationshipSubsidiary,
	"parent":          RelationshipParent,
	"parent_company":  RelationshipParent,
	"holding_company": RelationshipParent,
	"affiliate":       RelationshipAffiliate,
	"affiliated":      RelationshipAffiliate,
	"sister_company":  RelationshipAffiliate,
	"counterparty":    RelationshipCounterparty,
	"customer":        RelationshipCounterparty,
	"supplier":        RelationshipCounterparty,
	"vendor":          RelationshipCounterparty,
	"lender":          RelationshipCounterparty,
	"not_related":     RelationshipNotRelated,
	"unrelated":       RelationshipNotRelated,
	"no_relationship": RelationshipNotRelated,
	"none":            RelationshipNotRelated,
}

// CanonicalRelationship maps a free-form relationship choice onto the canonical enum
func CanonicalRelationship(choice string) (Relationship, error) {
	key := strings.ToLower(strings.TrimSpace(choice))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if rel, ok := relationshipAliases[key]; ok {
		return rel, nil
	}
	return "", fmt.Errorf("unknown relationship %q", choice)
}
