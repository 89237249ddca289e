package query

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// Compile renders a plan as parameterized SQL against the events table.
// Parameters are bound in the order joins and predicates appear in the plan.
func Compile(plan Plan, projection Projection) (string, []any, error) {
	builder := sq.Select(projectionColumn(projection)).From("events")

	for index, join := range plan.Joins {
		switch node := join.(type) {
		case TagJoin:
			alias := fmt.Sprintf("t%d", index)
			args := make([]any, 0, len(node.Values)+1)
			args = append(args, node.Key)
			for _, value := range node.Values {
				args = append(args, value)
			}
			builder = builder.Join(fmt.Sprintf(
				"(SELECT DISTINCT event_id FROM tags WHERE key = ? AND value IN (%s)) AS %s ON %s.event_id = events.id",
				sq.Placeholders(len(node.Values)), alias, alias), args...)
		case SearchJoin:
			builder = builder.Join("search_content ON search_content.id = events.id")
		default:
			return "", nil, fmt.Errorf("query: unsupported join %T", join)
		}
	}

	for _, predicate := range plan.Predicates {
		clause, err := compilePredicate(predicate)
		if err != nil {
			return "", nil, err
		}
		builder = builder.Where(clause)
	}

	if projection == Rows && plan.Limit > 0 {
		builder = builder.OrderBy(ColumnCreatedAt + " DESC").Limit(uint64(plan.Limit))
	}
	return builder.ToSql()
}

func projectionColumn(projection Projection) string {
	if projection == Count {
		return "COUNT(*)"
	}
	return "events.json"
}

func compilePredicate(predicate Predicate) (sq.Sqlizer, error) {
	switch node := predicate.(type) {
	case In:
		if len(node.Values) == 0 {
			return sq.Expr("1 = 0"), nil
		}
		return sq.Eq{node.Column: node.Values}, nil
	case Compare:
		switch node.Operator {
		case GreaterOrEqual:
			return sq.GtOrEq{node.Column: node.Value}, nil
		case Less:
			return sq.Lt{node.Column: node.Value}, nil
		default:
			return nil, fmt.Errorf("query: unsupported operator %q", node.Operator)
		}
	case Match:
		return sq.Expr("search_content MATCH ?", node.Expression), nil
	case Nothing:
		return sq.Expr("1 = 0"), nil
	default:
		return nil, fmt.Errorf("query: unsupported predicate %T", predicate)
	}
}
