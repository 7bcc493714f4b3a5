package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/relaynet/notifydispatch/internal/directory"
	"github.com/relaynet/notifydispatch/internal/metrics"
	"github.com/relaynet/notifydispatch/internal/smtpclient"
	"github.com/relaynet/notifydispatch/internal/store"
	"github.com/relaynet/notifydispatch/internal/types"
)

// unknownSenderEmail is substituted for MAIL FROM when the sender party
// has no email on file.
const unknownSenderEmail = "unknown@unknown.com"

// lockTTL bounds how long a dispatcher run may hold the advisory lock
// before a subsequent run is allowed to reclaim it.
const lockTTL = 5 * time.Minute

// Logger is a minimal logging interface compatible with logrus.Logger.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Dispatcher drives one end-to-end queue-processing run: expansion,
// coalesced SMTP delivery, and reconciliation.
type Dispatcher struct {
	st         store.Store
	dir        directory.Directory
	expander   *Expander
	log        Logger
	instanceID string
	metrics    *metrics.Metrics
}

func New(st store.Store, dir directory.Directory, log Logger, instanceID string) *Dispatcher {
	return &Dispatcher{
		st:         st,
		dir:        dir,
		expander:   NewExpander(st, dir),
		log:        log,
		instanceID: instanceID,
		metrics:    metrics.GetMetrics(),
	}
}

// deliveryRow is one queue row joined with its owning request and resolved
// recipient/sender email addresses, ready to stream over SMTP.
type deliveryRow struct {
	req       types.Request
	entry     types.QueueEntry
	fromEmail string
	toEmail   string
}

// ProcessQueue runs one dispatch pass: touch the job singleton, acquire
// the advisory lock, fold a connection failure across all candidate rows
// if the SMTP session cannot be opened, otherwise expand pending requests
// and stream every retryable row in (party_from, party_to) order, then
// reconcile request status.
func (d *Dispatcher) ProcessQueue(ctx context.Context, host string, port int) error {
	if err := d.st.TouchJobLastRun(ctx, time.Now()); err != nil {
		return errors.Wrap(err, "touch job last run")
	}

	locked, err := d.st.AcquireLock(ctx, d.instanceID, lockTTL)
	if err != nil {
		return errors.Wrap(err, "acquire dispatch lock")
	}
	if !locked {
		d.log.Infof("dispatch run skipped: lock held by another instance")
		return nil
	}
	defer func() {
		if err := d.st.ReleaseLock(ctx, d.instanceID); err != nil {
			d.log.Warnf("release dispatch lock: %v", err)
		}
	}()

	d.metrics.RecordDispatchRun()

	active, err := d.st.ListRequests(ctx, types.StatusPending, types.StatusSending)
	if err != nil {
		return errors.Wrap(err, "list active requests")
	}
	if len(active) == 0 {
		return nil
	}

	d.metrics.RecordSMTPConnection()
	session, openReply, openErr := smtpclient.Open(ctx, host, port)
	if openErr != nil || openReply.Code != 250 {
		d.metrics.RecordDispatchFailure()
		var code *int
		msg := openReply.Text
		if openErr != nil {
			msg = openErr.Error()
		} else {
			c := openReply.Code
			code = &c
		}
		if err := d.st.FoldConnectionFailure(ctx, code, msg); err != nil {
			return errors.Wrap(err, "fold connection failure")
		}
		return errors.Wrap(d.st.Reconcile(ctx), "reconcile after connection failure")
	}
	defer session.Close()

	if err := d.expander.ExpandPending(ctx); err != nil {
		return errors.Wrap(err, "expand pending requests")
	}

	rows, err := d.scanDeliverable(ctx)
	if err != nil {
		return errors.Wrap(err, "scan deliverable rows")
	}

	if err := d.deliver(ctx, session, rows); err != nil {
		return err
	}

	return errors.Wrap(d.st.Reconcile(ctx), "reconcile after delivery")
}

func (d *Dispatcher) scanDeliverable(ctx context.Context) ([]deliveryRow, error) {
	sendingReqs, err := d.st.ListRequests(ctx, types.StatusSending)
	if err != nil {
		return nil, errors.Wrap(err, "list sending requests")
	}
	reqByID := make(map[uint64]types.Request, len(sendingReqs))
	for _, r := range sendingReqs {
		reqByID[r.ID] = r
	}

	allEntries, err := d.st.ListAllQueueEntries(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list queue entries")
	}

	senderEmail := make(map[uint64]string)
	recipientEmail := make(map[uint64]*string)

	var rows []deliveryRow
	for _, entry := range allEntries {
		req, ok := reqByID[entry.RequestID]
		if !ok {
			continue
		}
		if !entry.Retryable(req.MaxRetries) {
			continue
		}

		to, ok := recipientEmail[entry.PartyTo]
		if !ok {
			party, err := d.dir.Resolve(ctx, entry.PartyTo)
			if err != nil {
				recipientEmail[entry.PartyTo] = nil
				to = nil
			} else {
				to = party.Email
				recipientEmail[entry.PartyTo] = to
			}
		}
		if to == nil {
			continue
		}

		from, ok := senderEmail[req.PartyFrom]
		if !ok {
			from = unknownSenderEmail
			if party, err := d.dir.Resolve(ctx, req.PartyFrom); err == nil && party.Email != nil {
				from = *party.Email
			}
			senderEmail[req.PartyFrom] = from
		}

		rows = append(rows, deliveryRow{req: req, entry: entry, fromEmail: from, toEmail: *to})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].req.PartyFrom != rows[j].req.PartyFrom {
			return rows[i].req.PartyFrom < rows[j].req.PartyFrom
		}
		return rows[i].entry.PartyTo < rows[j].entry.PartyTo
	})
	return rows, nil
}

func (d *Dispatcher) deliver(ctx context.Context, session *smtpclient.Session, rows []deliveryRow) error {
	dataOpen := false
	var prevFrom, prevTo uint64

	closeData := func() {
		if _, err := session.CloseData(); err != nil {
			d.log.Warnf("close data section: %v", err)
		}
		dataOpen = false
	}

	for _, row := range rows {
		if dataOpen && (row.req.PartyFrom != prevFrom || row.entry.PartyTo != prevTo) {
			closeData()
		}

		if !dataOpen {
			mailReply, err := session.MailFrom(row.fromEmail)
			if err != nil || mailReply.Code != 250 {
				d.failRow(ctx, row, mailReply, err)
				continue
			}

			rcptReply, err := session.RcptTo(row.toEmail)
			if err != nil || (rcptReply.Code != 250 && rcptReply.Code != 251) {
				d.failRow(ctx, row, rcptReply, err)
				continue
			}

			dataReply, err := session.OpenData()
			if err != nil || dataReply.Code != 354 {
				d.failRow(ctx, row, dataReply, err)
				continue
			}

			if err := session.WriteHeaders(row.fromEmail, row.toEmail, row.req.Subject, row.req.RequestDate); err != nil {
				closeData()
				d.failRow(ctx, row, smtpclient.Reply{}, err)
				continue
			}
			dataOpen = true
			prevFrom, prevTo = row.req.PartyFrom, row.entry.PartyTo
		}

		prefix := fmt.Sprintf("\n\nMessage sent on %s regarding %s\n\n",
			smtpclient.PrettyDate(row.req.RequestDate), row.req.Subject)
		if err := session.WriteString(prefix); err != nil {
			closeData()
			d.failRow(ctx, row, smtpclient.Reply{}, err)
			continue
		}
		if err := session.WriteChunks([]byte(row.req.Message)); err != nil {
			closeData()
			d.failRow(ctx, row, smtpclient.Reply{}, err)
			continue
		}

		if err := d.st.ApplyDeliverySuccess(ctx, row.req.ID, row.entry.PartyTo); err != nil {
			return errors.Wrapf(err, "apply delivery success for request %d party %d", row.req.ID, row.entry.PartyTo)
		}
		d.metrics.RecordRowDelivered()
	}

	if dataOpen {
		closeData()
	}
	return nil
}

func (d *Dispatcher) failRow(ctx context.Context, row deliveryRow, reply smtpclient.Reply, transportErr error) {
	var code *int
	msg := reply.Text
	if transportErr != nil {
		msg = transportErr.Error()
	} else if reply.Code != 0 {
		c := reply.Code
		code = &c
	}

	if err := d.st.ApplyDeliveryFailure(ctx, row.req.ID, row.entry.PartyTo, code, msg); err != nil {
		d.log.Errorf("apply delivery failure for request %d party %d: %v", row.req.ID, row.entry.PartyTo, err)
		return
	}
	if row.entry.RetryCount+1 >= row.req.MaxRetries {
		d.metrics.RecordRowExhausted()
	} else {
		d.metrics.RecordRowRetried()
	}
}
