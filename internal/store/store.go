// Package store defines the durable persistence contract for requests,
// per-recipient queue entries, and the job singleton, plus a bbolt-backed
// implementation.
package store

import (
	"context"
	"time"

	"github.com/relaynet/notifydispatch/internal/types"
)

// Store exposes the transactional primitives the request API, expander,
// and dispatcher need. Implementations must make InsertRequest atomic (no
// row survives a failed insert), make per-row mutations safe to call
// concurrently from overlapping dispatcher runs (re-checking
// retryability/status before mutating), and treat the Job singleton as
// update-only: no Store implementation exposes an insert or delete for it.
type Store interface {
	// InsertRequest allocates a strictly increasing id starting at 1000,
	// writes the request with status=pending, and returns it populated
	// with that id. Atomic: on error, nothing is persisted.
	InsertRequest(ctx context.Context, req types.Request) (types.Request, error)
	GetRequest(ctx context.Context, id uint64) (types.Request, error)
	// ListRequests returns requests in ascending id order, optionally
	// filtered to the given statuses (all requests if none given).
	ListRequests(ctx context.Context, statuses ...types.RequestStatus) ([]types.Request, error)
	// CancelRequest forces every queue row of the request to
	// is_successful=no, retry_count=max_retries+1, and sets the request's
	// status to cancelled. Idempotent; legal from any status.
	CancelRequest(ctx context.Context, id uint64) error

	// ApplyExpansion inserts the given queue rows for requestID, sets the
	// request's retryable counter, and transitions it pending -> sending
	// if it is still pending. Atomic.
	ApplyExpansion(ctx context.Context, requestID uint64, entries []types.QueueEntry) error
	ListQueueEntriesByRequest(ctx context.Context, requestID uint64) ([]types.QueueEntry, error)
	// ListAllQueueEntries returns every queue row in (request_id, party_to)
	// key order.
	ListAllQueueEntries(ctx context.Context) ([]types.QueueEntry, error)

	// ApplyDeliverySuccess marks a row terminal-successful and shifts it
	// from the request's retryable counter to its succeeded counter. A
	// no-op if the row is no longer retryable (already handled by an
	// overlapping run).
	ApplyDeliverySuccess(ctx context.Context, requestID, partyTo uint64) error
	// ApplyDeliveryFailure increments a row's retry_count and records the
	// reply, shifting it to the exhausted counter once retry_count
	// reaches the request's max_retries. A no-op if the row is no longer
	// retryable.
	ApplyDeliveryFailure(ctx context.Context, requestID, partyTo uint64, code *int, message string) error
	// FoldConnectionFailure increments retry_count for every retryable row
	// of every non-cancelled request currently in status=sending,
	// recording the given reply, without running the expander or delivery
	// scan.
	FoldConnectionFailure(ctx context.Context, code *int, message string) error
	// Reconcile applies the three disjoint, idempotent status-rollup rules
	// to every request currently in status=sending.
	Reconcile(ctx context.Context) error

	GetJob(ctx context.Context) (types.Job, error)
	TouchJobLastRun(ctx context.Context, at time.Time) error
	// SetJobID sets (or, given "", clears) the job singleton's job_id.
	SetJobID(ctx context.Context, jobID string) error
	AcquireLock(ctx context.Context, instanceID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, instanceID string) error

	Close() error
}
