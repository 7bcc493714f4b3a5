// Package dispatch implements group expansion (component C5) and queued
// delivery (component C6): turning pending requests into per-recipient
// queue rows, then streaming those rows over SMTP in sender/recipient
// coalesced batches and reconciling request status.
package dispatch

import (
	"context"

	"github.com/pkg/errors"

	"github.com/relaynet/notifydispatch/internal/directory"
	"github.com/relaynet/notifydispatch/internal/store"
	"github.com/relaynet/notifydispatch/internal/types"
)

// Expander turns every pending request into its per-recipient queue rows.
type Expander struct {
	st  store.Store
	dir directory.Directory
}

func NewExpander(st store.Store, dir directory.Directory) *Expander {
	return &Expander{st: st, dir: dir}
}

// ExpandPending reads every request with status=pending and inserts its
// queue rows, transitioning each to sending. Not re-entrant: only requests
// still in status=pending are listed, so a request already expanded by a
// prior run is never passed to ApplyExpansion again.
func (e *Expander) ExpandPending(ctx context.Context) error {
	reqs, err := e.st.ListRequests(ctx, types.StatusPending)
	if err != nil {
		return errors.Wrap(err, "list pending requests")
	}

	for _, req := range reqs {
		entries := e.expandOne(ctx, req)
		if err := e.st.ApplyExpansion(ctx, req.ID, entries); err != nil {
			return errors.Wrapf(err, "apply expansion for request %d", req.ID)
		}
	}
	return nil
}

func (e *Expander) expandOne(ctx context.Context, req types.Request) []types.QueueEntry {
	single := []types.QueueEntry{{PartyTo: req.PartyTo}}
	if !req.ExpandGroup {
		return single
	}

	party, err := e.dir.Resolve(ctx, req.PartyTo)
	if err != nil || party.Kind != types.KindGroup {
		return single
	}

	members, err := e.dir.MembersOf(ctx, req.PartyTo)
	if err != nil || len(members) == 0 {
		// Outer-join semantics: a group with no approved members still
		// yields one queue row addressed to the group id itself.
		return single
	}

	entries := make([]types.QueueEntry, 0, len(members))
	for _, m := range members {
		entries = append(entries, types.QueueEntry{PartyTo: m})
	}
	return entries
}
