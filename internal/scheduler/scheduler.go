// Package scheduler implements the periodic dispatch hook (component C7)
// on top of robfig/cron/v3: a single cooperative entry representing the
// one dispatch job the process runs.
package scheduler

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/relaynet/notifydispatch/internal/store"
)

// Logger is a minimal logging interface compatible with logrus.Logger.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Hook runs one periodic job via a single cron.Cron instance. The active
// entry's id is persisted as the Job singleton's job_id so a restarted
// process can tell whether a schedule was already registered.
type Hook struct {
	cron *cron.Cron
	st   store.Store
	log  Logger

	mu      sync.Mutex
	entryID cron.EntryID
	active  bool
}

// New constructs a Hook. The cron instance is started immediately and
// runs with no entries until SchedulePeriodic is called.
func New(st store.Store, log Logger) *Hook {
	c := cron.New()
	c.Start()
	return &Hook{cron: c, st: st, log: log}
}

// SchedulePeriodic registers fn to run on the given cron expression,
// first de-registering any previously active entry so at most one job is
// ever scheduled. Passing a nil fn cancels the active schedule without
// registering a new one.
func (h *Hook) SchedulePeriodic(ctx context.Context, cronExpr string, fn func(context.Context) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.active {
		h.cron.Remove(h.entryID)
		h.active = false
		if err := h.st.SetJobID(ctx, ""); err != nil {
			return errors.Wrap(err, "clear job id")
		}
	}
	if fn == nil {
		return nil
	}

	id, err := h.cron.AddFunc(cronExpr, func() {
		if err := fn(ctx); err != nil {
			h.log.Errorf("scheduled dispatch run failed: %v", err)
		}
	})
	if err != nil {
		return errors.Wrapf(err, "add cron entry %q", cronExpr)
	}
	h.entryID = id
	h.active = true

	jobID := formatEntryID(id)
	if err := h.st.SetJobID(ctx, jobID); err != nil {
		h.cron.Remove(id)
		h.active = false
		return errors.Wrap(err, "persist job id")
	}
	h.log.Infof("scheduled periodic dispatch %q as job %s", cronExpr, jobID)
	return nil
}

// Cancel deregisters the active schedule, if any. Equivalent to calling
// SchedulePeriodic with a nil fn.
func (h *Hook) Cancel(ctx context.Context) error {
	return h.SchedulePeriodic(ctx, "", nil)
}

// Stop halts the underlying cron scheduler, waiting for any in-flight run
// to finish.
func (h *Hook) Stop() {
	<-h.cron.Stop().Done()
}

func formatEntryID(id cron.EntryID) string {
	return "dispatch-" + strconv.Itoa(int(id))
}
