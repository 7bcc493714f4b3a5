// Package request implements the request intake API (component C4):
// validating and inserting new requests, and cancelling them by id.
package request

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/relaynet/notifydispatch/internal/metrics"
	"github.com/relaynet/notifydispatch/internal/store"
	"github.com/relaynet/notifydispatch/internal/types"
)

// maxSubjectLen bounds the Subject field written into the SMTP header.
const maxSubjectLen = 1000

// UnsetMaxRetries marks a PostRequest call's MaxRetries as omitted, distinct
// from an explicit 0 (which means no retries permitted at all). Callers
// that have no caller-supplied value, rather than a caller-supplied 0,
// must pass this sentinel instead of leaving the field at its Go zero
// value.
const UnsetMaxRetries = -1

// ErrInvalidRequest wraps a validation failure on a submitted request.
var ErrInvalidRequest = errors.New("invalid request")

// API is the request intake business layer over a Store.
type API struct {
	st                store.Store
	defaultMaxRetries int
	metrics           *metrics.Metrics
}

func New(st store.Store) *API {
	return &API{st: st, defaultMaxRetries: types.DefaultMaxRetries, metrics: metrics.GetMetrics()}
}

// SetDefaultMaxRetries overrides the max_retries value applied when a
// submitted request omits one. Call before serving any requests.
func (a *API) SetDefaultMaxRetries(n int) {
	if n > 0 {
		a.defaultMaxRetries = n
	}
}

// PostRequest validates and inserts a new request. party_from and
// party_to are caller-supplied ids resolved later by the expander;
// max_retries defaults to types.DefaultMaxRetries when the caller passes
// UnsetMaxRetries, and is otherwise taken literally (0 means no retries
// permitted).
func (a *API) PostRequest(ctx context.Context, req types.Request) (types.Request, error) {
	if req.PartyFrom == 0 {
		return types.Request{}, errors.Wrap(ErrInvalidRequest, "party_from is required")
	}
	if req.PartyTo == 0 {
		return types.Request{}, errors.Wrap(ErrInvalidRequest, "party_to is required")
	}
	if utf8.RuneCountInString(req.Subject) > maxSubjectLen {
		return types.Request{}, errors.Wrapf(ErrInvalidRequest, "subject exceeds %d characters", maxSubjectLen)
	}
	if req.MaxRetries == UnsetMaxRetries {
		req.MaxRetries = a.defaultMaxRetries
	} else if req.MaxRetries < 0 {
		return types.Request{}, errors.Wrap(ErrInvalidRequest, "max_retries must be >= 0")
	}
	if req.RequestDate.IsZero() {
		req.RequestDate = time.Now()
	}

	inserted, err := a.st.InsertRequest(ctx, req)
	if err != nil {
		return types.Request{}, errors.Wrap(err, "insert request")
	}
	a.metrics.RecordRequestPosted()
	return inserted, nil
}

// GetRequest fetches a single request by id.
func (a *API) GetRequest(ctx context.Context, id uint64) (types.Request, error) {
	req, err := a.st.GetRequest(ctx, id)
	if err != nil {
		return types.Request{}, errors.Wrapf(err, "get request %d", id)
	}
	return req, nil
}

// CancelRequest cancels exactly the request named by id; it never affects
// any other request.
func (a *API) CancelRequest(ctx context.Context, id uint64) error {
	if err := a.st.CancelRequest(ctx, id); err != nil {
		return errors.Wrapf(err, "cancel request %d", id)
	}
	a.metrics.RecordRequestCancelled()
	return nil
}
