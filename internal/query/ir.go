// Package query turns subscription filters into an intermediate plan of
// typed predicates and joins, and compiles that plan to parameterized SQL.
//
// Predicate and Join are sealed: only types in this package implement them,
// so the compiler can switch over every node exhaustively.
package query

// Column names are qualified because the search join brings a second id column
// into scope.
const (
	ColumnID        = "events.id"
	ColumnPubKey    = "events.pubkey"
	ColumnKind      = "events.kind"
	ColumnCreatedAt = "events.created_at"
)

// Operator is a comparison operator usable in a Compare predicate.
type Operator string

const (
	GreaterOrEqual Operator = ">="
	Less           Operator = "<"
)

// Predicate is a WHERE condition on the events table.
type Predicate interface {
	predicateNode()
}

// Join narrows the events table through another relation.
type Join interface {
	joinNode()
}

// In matches rows whose column holds one of the values. An empty Values list
// matches nothing.
type In struct {
	Column string
	Values []any
}

func (In) predicateNode() {}

// Compare matches rows whose column satisfies Operator against Value.
type Compare struct {
	Column   string
	Operator Operator
	Value    any
}

func (Compare) predicateNode() {}

// Match is a full-text condition; it requires a SearchJoin in the same plan.
type Match struct {
	Expression string
}

func (Match) predicateNode() {}

// Nothing never matches. It stands in for a filter field that is present but
// lists no candidates.
type Nothing struct{}

func (Nothing) predicateNode() {}

// TagJoin restricts events to those carrying a tag with Key and one of Values.
type TagJoin struct {
	Key    string
	Values []string
}

func (TagJoin) joinNode() {}

// SearchJoin brings the full-text table into scope.
type SearchJoin struct{}

func (SearchJoin) joinNode() {}

// Plan is the compiled form of a single filter.
type Plan struct {
	Joins      []Join
	Predicates []Predicate
	// Limit is only applied when positive.
	Limit int
}

// Projection selects what a compiled plan returns.
type Projection int

const (
	// Rows returns the stored event JSON, newest first when limited.
	Rows Projection = iota
	// Count returns a single COUNT(*) and ignores ordering and limit.
	Count
)
