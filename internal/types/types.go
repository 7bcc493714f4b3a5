// Package types holds the core domain entities of the notification
// dispatch service: requests, their per-recipient queue entries, and the
// singleton job row the scheduler hook maintains.
package types

import "time"

// RequestStatus is the lifecycle state of a Request.
type RequestStatus string

const (
	StatusPending        RequestStatus = "pending"
	StatusSending        RequestStatus = "sending"
	StatusSent           RequestStatus = "sent"
	StatusPartialFailure RequestStatus = "partial_failure"
	StatusFailed         RequestStatus = "failed"
	StatusCancelled      RequestStatus = "cancelled"
)

// PartyKind distinguishes an individual recipient from a group.
type PartyKind string

const (
	KindIndividual PartyKind = "individual"
	KindGroup      PartyKind = "group"
)

// DefaultMaxRetries is applied by the request API when the caller omits one.
const DefaultMaxRetries = 3

// Request is a single caller-submitted notification order.
type Request struct {
	ID          uint64        `json:"id"`
	PartyFrom   uint64        `json:"party_from"`
	PartyTo     uint64        `json:"party_to"`
	ExpandGroup bool          `json:"expand_group"`
	Subject     string        `json:"subject"`
	Message     string        `json:"message"`
	RequestDate time.Time     `json:"request_date"`
	FulfillDate *time.Time    `json:"fulfill_date,omitempty"`
	Status      RequestStatus `json:"status"`
	MaxRetries  int           `json:"max_retries"`

	// Rollup counters over this request's QueueEntry children, maintained
	// incrementally by the dispatcher so reconciliation is an O(1) check
	// over three integers instead of a re-scan of every child row.
	SucceededCount       int `json:"succeeded_count"`
	FailedExhaustedCount int `json:"failed_exhausted_count"`
	RetryableCount       int `json:"retryable_count"`
}

// TotalQueueRows reports how many child QueueEntry rows this request has,
// derived from the rollup counters.
func (r Request) TotalQueueRows() int {
	return r.SucceededCount + r.FailedExhaustedCount + r.RetryableCount
}

// QueueEntry is one recipient's delivery slot for a Request; the unit of
// retry. Keyed by (RequestID, PartyTo).
type QueueEntry struct {
	RequestID        uint64 `json:"request_id"`
	PartyTo          uint64 `json:"party_to"`
	SMTPReplyCode    *int   `json:"smtp_reply_code,omitempty"`
	SMTPReplyMessage string `json:"smtp_reply_message,omitempty"`
	RetryCount       int    `json:"retry_count"`
	IsSuccessful     bool   `json:"is_successful"`
}

// Exhausted reports whether this row has used up its retry budget against
// the owning request's max_retries.
func (q QueueEntry) Exhausted(maxRetries int) bool {
	return !q.IsSuccessful && q.RetryCount >= maxRetries
}

// Retryable reports whether another delivery attempt is still permitted.
func (q QueueEntry) Retryable(maxRetries int) bool {
	return !q.IsSuccessful && q.RetryCount < maxRetries
}

// Job is the process-wide scheduler handle singleton. Exactly one row
// exists; the Store rejects insert/delete against it.
type Job struct {
	JobID       string     `json:"job_id,omitempty"`
	LastRunDate *time.Time `json:"last_run_date,omitempty"`
}

// Party is a resolved directory entry: an individual or a group.
type Party struct {
	ID    uint64
	Name  string
	Email *string
	Kind  PartyKind
}
