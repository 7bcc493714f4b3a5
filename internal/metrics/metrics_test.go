package metrics

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestMetricsSingleton(t *testing.T) {
	once = sync.Once{}
	instance = nil

	m1 := GetMetrics()
	m2 := GetMetrics()

	if m1 != m2 {
		t.Error("GetMetrics should return the same instance")
	}
}

func TestRequestMetrics(t *testing.T) {
	m := GetMetrics()

	initialPosted := m.RequestsPosted.Value()
	m.RecordRequestPosted()
	m.RecordRequestPosted()
	if m.RequestsPosted.Value() != initialPosted+2 {
		t.Errorf("expected requests posted %d, got %d", initialPosted+2, m.RequestsPosted.Value())
	}

	initialCancelled := m.RequestsCancelled.Value()
	m.RecordRequestCancelled()
	if m.RequestsCancelled.Value() != initialCancelled+1 {
		t.Errorf("expected requests cancelled %d, got %d", initialCancelled+1, m.RequestsCancelled.Value())
	}
}

func TestQueueRowMetrics(t *testing.T) {
	m := GetMetrics()

	initialDelivered := m.RowsDelivered.Value()
	m.RecordRowDelivered()
	if m.RowsDelivered.Value() != initialDelivered+1 {
		t.Errorf("expected rows delivered %d, got %d", initialDelivered+1, m.RowsDelivered.Value())
	}

	initialRetried := m.RowsRetried.Value()
	m.RecordRowRetried()
	if m.RowsRetried.Value() != initialRetried+1 {
		t.Errorf("expected rows retried %d, got %d", initialRetried+1, m.RowsRetried.Value())
	}

	initialExhausted := m.RowsExhausted.Value()
	m.RecordRowExhausted()
	if m.RowsExhausted.Value() != initialExhausted+1 {
		t.Errorf("expected rows exhausted %d, got %d", initialExhausted+1, m.RowsExhausted.Value())
	}
}

func TestDispatchAndSMTPMetrics(t *testing.T) {
	m := GetMetrics()

	initialRuns := m.DispatchRuns.Value()
	m.RecordDispatchRun()
	if m.DispatchRuns.Value() != initialRuns+1 {
		t.Errorf("expected dispatch runs %d, got %d", initialRuns+1, m.DispatchRuns.Value())
	}

	initialFailures := m.DispatchFailures.Value()
	m.RecordDispatchFailure()
	if m.DispatchFailures.Value() != initialFailures+1 {
		t.Errorf("expected dispatch failures %d, got %d", initialFailures+1, m.DispatchFailures.Value())
	}

	initialConns := m.SMTPConnections.Value()
	m.RecordSMTPConnection()
	if m.SMTPConnections.Value() != initialConns+1 {
		t.Errorf("expected smtp connections %d, got %d", initialConns+1, m.SMTPConnections.Value())
	}
}

func TestErrorMetrics(t *testing.T) {
	m := GetMetrics()

	m.RecordError("smtp_error")
	m.RecordError("timeout_error")
	m.RecordError("smtp_error")
}

func TestMetricsServer(t *testing.T) {
	m := GetMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		err := m.StartMetricsServer(ctx, 0)
		if err != nil && err != http.ErrServerClosed {
			t.Logf("metrics server error (expected): %v", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	time.Sleep(100 * time.Millisecond)
}

func TestHealthHandler(t *testing.T) {
	m := GetMetrics()

	req, err := http.NewRequest("GET", "/health", nil)
	if err != nil {
		t.Fatal(err)
	}

	rr := &testResponseWriter{}
	m.healthHandler(rr, req)

	if rr.statusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rr.statusCode)
	}
	if rr.header.Get("Content-Type") != "application/json" {
		t.Error("expected JSON content type")
	}
	if !strings.Contains(string(rr.body), `"status":"healthy"`) {
		t.Errorf("expected healthy status in body, got %q", string(rr.body))
	}
}

type testResponseWriter struct {
	header     http.Header
	body       []byte
	statusCode int
}

func (rw *testResponseWriter) Header() http.Header {
	if rw.header == nil {
		rw.header = make(http.Header)
	}
	return rw.header
}

func (rw *testResponseWriter) Write(data []byte) (int, error) {
	rw.body = append(rw.body, data...)
	return len(data), nil
}

func (rw *testResponseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
}
