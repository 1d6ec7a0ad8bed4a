package recalcqueue

import (
	"errors"
	"fmt"
	"time"
)

// Status enumerates queue entry lifecycle values.
type Status string

const (
	// StatusPending indicates waiting to be claimed.
	StatusPending Status = "PENDING"
	// StatusProcessing indicates claimed by a drain.
	StatusProcessing Status = "PROCESSING"
	// StatusCompleted indicates the recalculation succeeded.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the recalculation failed; the error is recorded.
	StatusFailed Status = "FAILED"
)

// Priority orders queue entries. Urgent entries are always drained before
// deferred ones; the backing integers (urgent 0, deferred -1) only matter to
// the ORDER BY.
type Priority int

const (
	// PriorityDeferred is used for same-day changes; the end-of-day pass will
	// recompute that day's figures anyway.
	PriorityDeferred Priority = -1
	// PriorityUrgent is used for backdated changes, which have already
	// invalidated every report generated from the stale chain.
	PriorityUrgent Priority = 0
)

// Valid reports whether the priority is a known level.
func (p Priority) Valid() bool {
	return p == PriorityUrgent || p == PriorityDeferred
}

// String renders the priority for logs and API payloads.
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "URGENT"
	case PriorityDeferred:
		return "DEFERRED"
	default:
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
}

// PriorityFor derives the priority from the effective date of a change
// relative to today in the reference time zone. Strictly-before-today means
// backdated, therefore urgent.
func PriorityFor(effectiveDate, today time.Time, loc *time.Location) Priority {
	if loc == nil {
		loc = time.UTC
	}
	ey, em, ed := effectiveDate.In(loc).Date()
	ty, tm, td := today.In(loc).Date()
	effective := time.Date(ey, em, ed, 0, 0, 0, 0, loc)
	current := time.Date(ty, tm, td, 0, 0, 0, 0, loc)
	if effective.Before(current) {
		return PriorityUrgent
	}
	return PriorityDeferred
}

// Key is the natural key of a queue entry. One row exists per key; repeated
// invalidations collapse into it.
type Key struct {
	CompanyCode string    `validate:"required"`
	ItemType    string    `validate:"required"`
	ItemCode    string    `validate:"required"`
	Date        time.Time `validate:"required"`
}

// String renders the key for logs.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s@%s", k.CompanyCode, k.ItemType, k.ItemCode, k.Date.Format("2006-01-02"))
}

// Entry is one pending unit of recalculation work.
type Entry struct {
	ID          int64
	Key         Key
	Status      Status
	Priority    Priority
	Reason      string
	QueuedAt    time.Time
	ClaimedAt   *time.Time
	ProcessedAt *time.Time
	LastError   string
}

// DepthFilter narrows queue depth counting.
type DepthFilter struct {
	CompanyCode string
	Priority    *Priority
}

var (
	// ErrValidation indicates a malformed key or unknown priority. Nothing is
	// persisted for such requests.
	ErrValidation = errors.New("recalcqueue: invalid enqueue request")
)
