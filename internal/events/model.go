package events

// EventRecord is a stored event row. The verbatim JSON serialization is the
// source of truth; the other columns exist for filtering.
type EventRecord struct {
	ID               string  `gorm:"column:id;primaryKey"`
	PubKey           string  `gorm:"column:pubkey"`
	CreatedAtSeconds int64   `gorm:"column:created_at"`
	Kind             int     `gorm:"column:kind"`
	JSON             string  `gorm:"column:json"`
	DTag             *string `gorm:"column:d_tag"`
}

// TableName binds the record to the events table.
func (EventRecord) TableName() string {
	return "events"
}

// TagRecord indexes one single-letter tag of a stored event.
type TagRecord struct {
	EventID string `gorm:"column:event_id"`
	Key     string `gorm:"column:key"`
	Value   string `gorm:"column:value"`
}

// TableName binds the record to the tags table.
func (TagRecord) TableName() string {
	return "tags"
}

// Outcome describes how a single insert was resolved.
type Outcome int

const (
	// RejectedSeen means the id was already seen by this process.
	RejectedSeen Outcome = iota
	// RejectedStale means a same-identity event at least as new is stored.
	RejectedStale
	// RejectedDuplicate means the events table already held the id.
	RejectedDuplicate
	// AcceptedNew means the event was stored and nothing shared its identity.
	AcceptedNew
	// AcceptedReplacing means the event was stored and supersedes older rows.
	AcceptedReplacing
)

// Accepted reports whether the event was persisted by this insert.
func (o Outcome) Accepted() bool {
	return o == AcceptedNew || o == AcceptedReplacing
}

func (o Outcome) String() string {
	switch o {
	case RejectedSeen:
		return "rejected_seen"
	case RejectedStale:
		return "rejected_stale"
	case RejectedDuplicate:
		return "rejected_duplicate"
	case AcceptedNew:
		return "accepted_new"
	case AcceptedReplacing:
		return "accepted_replacing"
	default:
		return "unknown"
	}
}
