package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RunStatusSuccess = "success"
	RunStatusFailure = "failure"
	RunStatusPartial = "partial"
)

// Run is the immutable record of one dispatch attempt of a job. Exactly one
// Run is appended per attempt; retries of a transient failure produce their
// own Run records rather than mutating the failed one. The GET history
// endpoint returning these records is the sole mechanism for a caller to
// observe async completion.
type Run struct {
	ID            uuid.UUID  `db:"id"             json:"id"`
	JobID         uuid.UUID  `db:"job_id"         json:"job_id"`
	CorrelationID uuid.UUID  `db:"correlation_id" json:"correlation_id"`
	Status        string     `db:"status"         json:"status"`
	ItemsSynced   int        `db:"items_synced"   json:"items_synced"`
	ItemsFailed   int        `db:"items_failed"   json:"items_failed"`
	ErrorDetail   *string    `db:"error_detail"   json:"error_detail,omitempty"`
	FailedItems   []string   `db:"failed_items"   json:"failed_items,omitempty"`
	StartedAt     time.Time  `db:"started_at"     json:"started_at"`
	CompletedAt   *time.Time `db:"completed_at"   json:"completed_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at"     json:"created_at"`
}

// Terminal reports whether the run reached a terminal status.
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunStatusSuccess, RunStatusFailure, RunStatusPartial:
		return true
	}
	return false
}
