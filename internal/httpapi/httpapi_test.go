package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaynet/notifydispatch/internal/httpapi"
	"github.com/relaynet/notifydispatch/internal/request"
	"github.com/relaynet/notifydispatch/internal/store"
	"github.com/relaynet/notifydispatch/internal/types"
)

type nullLogger struct{}

func (nullLogger) Infof(string, ...any)  {}
func (nullLogger) Warnf(string, ...any)  {}
func (nullLogger) Errorf(string, ...any) {}

func newTestServer(t *testing.T) (*httptest.Server, *store.BoltStore) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "httpapi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	api := request.New(st)
	srv := httpapi.NewServer(api, st, nullLogger{})
	return httptest.NewServer(srv.Handler()), st
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestPostRequestCreatesPendingRequest(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/requests", `{"party_from":10,"party_to":20,"subject":"hi","message":"hello there"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	got := decodeBody(t, resp)
	require.Equal(t, "pending", got["status"])
	require.Equal(t, float64(3), got["max_retries"])
}

func TestPostRequestHonorsExplicitZeroMaxRetries(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/requests", `{"party_from":10,"party_to":20,"subject":"hi","message":"hello","max_retries":0}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	got := decodeBody(t, resp)
	require.Equal(t, float64(0), got["max_retries"])
}

func TestPostRequestRejectsMissingPartyTo(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/requests", `{"party_from":10,"subject":"hi","message":"hello"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRequestReturnsQueueEntriesAfterExpansion(t *testing.T) {
	ts, st := newTestServer(t)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/requests", `{"party_from":10,"party_to":20,"subject":"hi","message":"hello"}`)
	created := decodeBody(t, resp)
	id := uint64(created["id"].(float64))

	require.NoError(t, st.ApplyExpansion(context.Background(), id, []types.QueueEntry{{PartyTo: 20}}))

	getResp, err := http.Get(ts.URL + "/requests/" + strconv.FormatUint(id, 10))
	require.NoError(t, err)
	got := decodeBody(t, getResp)

	entries, ok := got["queue_entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	require.Equal(t, "sending", got["status"])
}

func TestGetRequestNotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/requests/9999")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetRequestInvalidID(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/requests/not-a-number")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelRequestTransitionsToCancelled(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/requests", `{"party_from":10,"party_to":20,"subject":"hi","message":"hello"}`)
	created := decodeBody(t, resp)
	id := uint64(created["id"].(float64))

	cancelResp := postJSON(t, ts.URL+"/requests/"+strconv.FormatUint(id, 10)+"/cancel", "")
	require.Equal(t, http.StatusOK, cancelResp.StatusCode)

	cancelled := decodeBody(t, cancelResp)
	require.Equal(t, "cancelled", cancelled["status"])
}

func TestCancelRequestNotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/requests/9999/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
