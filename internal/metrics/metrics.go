// Package metrics exposes process counters for the dispatch service via
// expvar.
package metrics

import (
	"context"
	"expvar"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Metrics holds process-wide counters for requests posted/cancelled, queue
// row outcomes, dispatch runs, and SMTP connection attempts.
type Metrics struct {
	RequestsPosted    *expvar.Int
	RequestsCancelled *expvar.Int
	RowsDelivered     *expvar.Int
	RowsRetried       *expvar.Int
	RowsExhausted     *expvar.Int
	DispatchRuns      *expvar.Int
	DispatchFailures  *expvar.Int
	SMTPConnections   *expvar.Int
	ErrorCounts       *expvar.Map

	startTime time.Time
	log       *logrus.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// GetMetrics returns the singleton metrics instance, registering its
// expvar variables on first call.
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			RequestsPosted:    expvar.NewInt("requests_posted_total"),
			RequestsCancelled: expvar.NewInt("requests_cancelled_total"),
			RowsDelivered:     expvar.NewInt("queue_rows_delivered_total"),
			RowsRetried:       expvar.NewInt("queue_rows_retried_total"),
			RowsExhausted:     expvar.NewInt("queue_rows_exhausted_total"),
			DispatchRuns:      expvar.NewInt("dispatch_runs_total"),
			DispatchFailures:  expvar.NewInt("dispatch_connection_failures_total"),
			SMTPConnections:   expvar.NewInt("smtp_connection_attempts_total"),
			ErrorCounts:       expvar.NewMap("error_counts"),
			startTime:         time.Now(),
			log:               logrus.New(),
		}

		expvar.Publish("uptime_seconds", expvar.Func(func() any {
			return int64(time.Since(instance.startTime).Seconds())
		}))
	})
	return instance
}

func (m *Metrics) RecordRequestPosted()    { m.RequestsPosted.Add(1) }
func (m *Metrics) RecordRequestCancelled() { m.RequestsCancelled.Add(1) }
func (m *Metrics) RecordRowDelivered()     { m.RowsDelivered.Add(1) }
func (m *Metrics) RecordRowRetried()       { m.RowsRetried.Add(1) }
func (m *Metrics) RecordRowExhausted()     { m.RowsExhausted.Add(1) }
func (m *Metrics) RecordDispatchRun()      { m.DispatchRuns.Add(1) }
func (m *Metrics) RecordDispatchFailure()  { m.DispatchFailures.Add(1) }
func (m *Metrics) RecordSMTPConnection()   { m.SMTPConnections.Add(1) }

func (m *Metrics) RecordError(errorType string) {
	m.ErrorCounts.Add(errorType, 1)
}

// StartMetricsServer serves expvar's default handler at /debug/vars plus
// a /health liveness check, shutting down when ctx is cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/health", m.healthHandler)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			m.log.Errorf("metrics server shutdown error: %v", err)
		}
	}()

	m.log.Infof("metrics server starting on port %d", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (m *Metrics) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
}
