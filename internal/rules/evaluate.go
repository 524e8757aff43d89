package rules

import (
	"fmt"
	"slices"
	"strings"

	"github.com/elabx-org/cloudmux/internal/domain"
)

// Evaluate picks the placement for file. Rules are tried in (Priority,
// CreatedAt, ID) order, skipping deleted and disabled rules and rules whose
// target is not in active; the first match wins. With no match the default
// is returned, or domain.ErrNoPlacement when def is nil.
//
// Evaluate does not mutate rules and returns the same decision for the same
// inputs. It fails with domain.ErrInvalidRule on malformed predicates only.
func Evaluate(file domain.FileInfo, rules []domain.Rule, def *domain.PlacementDecision, active map[string]bool) (domain.PlacementDecision, error) {
	for _, r := range ordered(rules) {
		if r.Deleted || !r.Enabled || !active[r.TargetProviderID] {
			continue
		}
		m, err := Compile(r.Predicate)
		if err != nil {
			return domain.PlacementDecision{}, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		if m.Match(file) {
			return domain.PlacementDecision{
				RuleID:     r.ID,
				ProviderID: r.TargetProviderID,
				FolderPath: r.TargetFolderPath,
			}, nil
		}
	}
	if def == nil {
		return domain.PlacementDecision{}, fmt.Errorf("rules: no rule matched %q and no default placement: %w", file.Name, domain.ErrNoPlacement)
	}
	return domain.PlacementDecision{ProviderID: def.ProviderID, FolderPath: def.FolderPath}, nil
}

// ordered returns a sorted copy of rules.
func ordered(rules []domain.Rule) []domain.Rule {
	out := slices.Clone(rules)
	slices.SortStableFunc(out, compareRules)
	return out
}

func compareRules(a, b domain.Rule) int {
	if a.Priority != b.Priority {
		return a.Priority - b.Priority
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
