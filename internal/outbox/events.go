package outbox

import (
	"strconv"
	"time"
)

const (
	// EventSessionChanged is emitted whenever the cloud store accepts a new version of a session.
	EventSessionChanged = "session.changed"
	// DefaultSessionTopic is the Kafka topic session events are published to.
	DefaultSessionTopic = "session_events"
	// AggregateSession is the aggregate type recorded on session events.
	AggregateSession = "session"
)

// SessionChanged is the payload of a session.changed event.
type SessionChanged struct {
	AccountID  string    `json:"account_id"`
	WorkoutKey string    `json:"workout_key"`
	ChangeSeq  int64     `json:"change_seq"`
	UpdatedAt  time.Time `json:"updated_at"`
	Deleted    bool      `json:"deleted"`
	Outcome    string    `json:"outcome"`
}

// PartitionKey keeps every version of one session on the same partition.
func (e SessionChanged) PartitionKey() string {
	return e.AccountID + ":" + e.WorkoutKey
}

// DedupeKey identifies one accepted version.
func (e SessionChanged) DedupeKey() string {
	return e.PartitionKey() + ":" + strconv.FormatInt(e.ChangeSeq, 10)
}
