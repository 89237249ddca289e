package query

import (
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/relaycache/internal/search"
	"github.com/nbd-wtf/go-nostr"
)

// Build translates a filter into a plan. Nil fields are absent; present but
// empty lists produce a plan that matches nothing.
func Build(filter nostr.Filter) Plan {
	var plan Plan

	if filter.IDs != nil {
		plan.Predicates = append(plan.Predicates, in(ColumnID, filter.IDs))
	}
	if filter.Authors != nil {
		plan.Predicates = append(plan.Predicates, in(ColumnPubKey, filter.Authors))
	}
	if filter.Kinds != nil {
		values := make([]any, 0, len(filter.Kinds))
		for _, kind := range filter.Kinds {
			values = append(values, kind)
		}
		plan.Predicates = append(plan.Predicates, In{Column: ColumnKind, Values: values})
	}
	if filter.Since != nil {
		plan.Predicates = append(plan.Predicates, Compare{
			Column:   ColumnCreatedAt,
			Operator: GreaterOrEqual,
			Value:    int64(*filter.Since),
		})
	}
	if filter.Until != nil {
		plan.Predicates = append(plan.Predicates, Compare{
			Column:   ColumnCreatedAt,
			Operator: Less,
			Value:    int64(*filter.Until),
		})
	}

	keys := make([]string, 0, len(filter.Tags))
	values := make(map[string][]string, len(filter.Tags))
	for key, tagValues := range filter.Tags {
		normalized := strings.TrimPrefix(key, "#")
		if _, seen := values[normalized]; !seen {
			keys = append(keys, normalized)
		}
		values[normalized] = append(values[normalized], tagValues...)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if len(values[key]) == 0 {
			plan.Predicates = append(plan.Predicates, Nothing{})
			continue
		}
		plan.Joins = append(plan.Joins, TagJoin{Key: key, Values: values[key]})
	}

	if filter.Search != "" {
		plan.Joins = append(plan.Joins, SearchJoin{})
		plan.Predicates = append(plan.Predicates, Match{Expression: search.MatchExpression(filter.Search)})
	}

	if filter.Limit > 0 {
		plan.Limit = filter.Limit
	}
	return plan
}

func in(column string, values []string) In {
	converted := make([]any, 0, len(values))
	for _, value := range values {
		converted = append(converted, value)
	}
	return In{Column: column, Values: converted}
}
