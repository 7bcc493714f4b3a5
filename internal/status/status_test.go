package status_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaynet/notifydispatch/internal/status"
	"github.com/relaynet/notifydispatch/internal/store"
	"github.com/relaynet/notifydispatch/internal/types"
)

type nullLogger struct{}

func (nullLogger) Infof(string, ...any)  {}
func (nullLogger) Warnf(string, ...any)  {}
func (nullLogger) Errorf(string, ...any) {}

func newTestServer(t *testing.T) (*httptest.Server, *store.BoltStore) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "status.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	srv := status.NewServer(st, nullLogger{})
	return httptest.NewServer(srv.Handler()), st
}

func TestStatusJSONReflectsRequestCounts(t *testing.T) {
	ts, st := newTestServer(t)
	defer ts.Close()

	ctx := context.Background()
	_, err := st.InsertRequest(ctx, types.Request{PartyFrom: 1, PartyTo: 2, MaxRetries: 3})
	require.NoError(t, err)
	req2, err := st.InsertRequest(ctx, types.Request{PartyFrom: 1, PartyTo: 3, MaxRetries: 3})
	require.NoError(t, err)
	require.NoError(t, st.CancelRequest(ctx, req2.ID))

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap status.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Equal(t, 1, snap.PendingCount)
	require.Equal(t, 1, snap.CancelledCount)
	require.Len(t, snap.Requests, 2)
}

func TestDashboardHTMLRendersRequestRows(t *testing.T) {
	ts, st := newTestServer(t)
	defer ts.Close()

	ctx := context.Background()
	_, err := st.InsertRequest(ctx, types.Request{PartyFrom: 1, PartyTo: 2, MaxRetries: 3})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/html", resp.Header.Get("Content-Type"))

	body := make([]byte, 1<<20)
	n, _ := resp.Body.Read(body)
	html := string(body[:n])
	require.True(t, strings.Contains(html, "Dispatch Status"))
	require.True(t, strings.Contains(html, "status-pending"))
}
