// Package status implements the read-only dispatch dashboard: a JSON
// snapshot endpoint and an HTML view over the same data.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/relaynet/notifydispatch/internal/store"
	"github.com/relaynet/notifydispatch/internal/types"
)

// Logger is a minimal logging interface compatible with logrus.Logger.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Snapshot is the point-in-time view served by both the JSON and HTML
// endpoints.
type Snapshot struct {
	Job            types.Job       `json:"job"`
	PendingCount   int             `json:"pending_count"`
	SendingCount   int             `json:"sending_count"`
	SentCount      int             `json:"sent_count"`
	FailedCount    int             `json:"failed_count"`
	PartialCount   int             `json:"partial_failure_count"`
	CancelledCount int             `json:"cancelled_count"`
	RetryableRows  int             `json:"retryable_rows"`
	ExhaustedRows  int             `json:"exhausted_rows"`
	Requests       []types.Request `json:"requests"`
}

// Server serves the dashboard over HTTP.
type Server struct {
	st  store.Store
	log Logger
}

func NewServer(st store.Store, log Logger) *Server {
	return &Server{st: st, log: log}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatusJSON)
	mux.HandleFunc("GET /", s.handleDashboard)
	return mux
}

// Start runs the status server until ctx is cancelled, then shuts it down
// within 5 seconds.
func (s *Server) Start(ctx context.Context, port int) error {
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Errorf("status dashboard shutdown error: %v", err)
		}
	}()

	s.log.Infof("status dashboard starting on port %d", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) snapshot(ctx context.Context) (Snapshot, error) {
	job, err := s.st.GetJob(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	reqs, err := s.st.ListRequests(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Job: job, Requests: reqs}
	for _, r := range reqs {
		switch r.Status {
		case types.StatusPending:
			snap.PendingCount++
		case types.StatusSending:
			snap.SendingCount++
		case types.StatusSent:
			snap.SentCount++
		case types.StatusFailed:
			snap.FailedCount++
		case types.StatusPartialFailure:
			snap.PartialCount++
		case types.StatusCancelled:
			snap.CancelledCount++
		}
		snap.RetryableRows += r.RetryableCount
		snap.ExhaustedRows += r.FailedExhaustedCount
	}
	return snap, nil
}

func (s *Server) handleStatusJSON(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		s.log.Errorf("build status snapshot: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "failed to build status snapshot"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		s.log.Errorf("build status snapshot: %v", err)
		http.Error(w, "failed to build status snapshot", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, renderDashboard(snap))
}

func renderDashboard(snap Snapshot) string {
	lastRun := "never"
	if snap.Job.LastRunDate != nil {
		lastRun = snap.Job.LastRunDate.Format(time.RFC3339)
	}

	var rows string
	for _, r := range snap.Requests {
		fulfill := "-"
		if r.FulfillDate != nil {
			fulfill = r.FulfillDate.Format(time.RFC3339)
		}
		rows += fmt.Sprintf(`<tr>
			<td>%d</td><td>%d</td><td>%d</td><td class="status-%s">%s</td>
			<td>%d</td><td>%d</td><td>%d</td><td>%s</td>
		</tr>`, r.ID, r.PartyFrom, r.PartyTo, r.Status, r.Status,
			r.SucceededCount, r.RetryableCount, r.FailedExhaustedCount, fulfill)
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
	<title>Dispatch Status</title>
	<meta charset="utf-8">
	<meta http-equiv="refresh" content="5">
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; margin: 0; padding: 20px; background: #f5f5f5; }
		.container { max-width: 1100px; margin: 0 auto; }
		.header { background: #2563eb; color: white; padding: 20px; border-radius: 8px; margin-bottom: 20px; }
		.stats-grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(150px, 1fr)); gap: 16px; margin-bottom: 20px; }
		.stat-card { background: white; padding: 16px; border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
		.stat-value { font-size: 1.8em; font-weight: bold; color: #2563eb; }
		.stat-label { color: #666; margin-top: 4px; }
		table { width: 100%%; border-collapse: collapse; background: white; border-radius: 8px; overflow: hidden; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
		th, td { padding: 8px 12px; text-align: left; border-bottom: 1px solid #e2e8f0; }
		th { background: #f8fafc; }
		.status-pending { color: #92400e; }
		.status-sending { color: #1e40af; }
		.status-sent { color: #065f46; }
		.status-failed { color: #991b1b; }
		.status-partial_failure { color: #92400e; }
		.status-cancelled { color: #6b7280; }
	</style>
</head>
<body>
	<div class="container">
		<div class="header">
			<h1>Dispatch Status</h1>
			<div>Job last run: %s</div>
		</div>
		<div class="stats-grid">
			<div class="stat-card"><div class="stat-value">%d</div><div class="stat-label">Pending</div></div>
			<div class="stat-card"><div class="stat-value">%d</div><div class="stat-label">Sending</div></div>
			<div class="stat-card"><div class="stat-value">%d</div><div class="stat-label">Sent</div></div>
			<div class="stat-card"><div class="stat-value">%d</div><div class="stat-label">Partial failure</div></div>
			<div class="stat-card"><div class="stat-value">%d</div><div class="stat-label">Failed</div></div>
			<div class="stat-card"><div class="stat-value">%d</div><div class="stat-label">Cancelled</div></div>
		</div>
		<table>
			<tr><th>ID</th><th>From</th><th>To</th><th>Status</th><th>Succeeded</th><th>Retryable</th><th>Exhausted</th><th>Fulfilled</th></tr>
			%s
		</table>
	</div>
</body>
</html>`, lastRun, snap.PendingCount, snap.SendingCount, snap.SentCount, snap.PartialCount,
		snap.FailedCount, snap.CancelledCount, rows)
}
