// Package httpapi implements the request intake HTTP API (component C8):
// POST /requests, POST /requests/{id}/cancel, and GET /requests/{id},
// each translating request.API results into JSON bodies and status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/relaynet/notifydispatch/internal/request"
	"github.com/relaynet/notifydispatch/internal/store"
	"github.com/relaynet/notifydispatch/internal/types"
)

// Logger is a minimal logging interface compatible with logrus.Logger.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Server serves the request intake API over HTTP.
type Server struct {
	api *request.API
	st  store.Store
	log Logger
}

func NewServer(api *request.API, st store.Store, log Logger) *Server {
	return &Server{api: api, st: st, log: log}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /requests", s.handlePostRequest)
	mux.HandleFunc("GET /requests/{id}", s.handleGetRequest)
	mux.HandleFunc("POST /requests/{id}/cancel", s.handleCancelRequest)
	return mux
}

// Start runs the intake server until ctx is cancelled, then shuts it down
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
			s.log.Errorf("request intake server shutdown error: %v", err)
		}
	}()

	s.log.Infof("request intake API starting on port %d", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type postRequestBody struct {
	PartyFrom   uint64 `json:"party_from"`
	PartyTo     uint64 `json:"party_to"`
	ExpandGroup bool   `json:"expand_group"`
	Subject     string `json:"subject"`
	Message     string `json:"message"`
	// MaxRetries is a pointer so an omitted field can be distinguished from
	// an explicit 0 (no retries permitted).
	MaxRetries *int `json:"max_retries"`
}

type requestView struct {
	types.Request
	QueueEntries []types.QueueEntry `json:"queue_entries,omitempty"`
}

func (s *Server) handlePostRequest(w http.ResponseWriter, r *http.Request) {
	var body postRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	maxRetries := request.UnsetMaxRetries
	if body.MaxRetries != nil {
		maxRetries = *body.MaxRetries
	}

	inserted, err := s.api.PostRequest(r.Context(), types.Request{
		PartyFrom:   body.PartyFrom,
		PartyTo:     body.PartyTo,
		ExpandGroup: body.ExpandGroup,
		Subject:     body.Subject,
		Message:     body.Message,
		MaxRetries:  maxRetries,
	})
	if err != nil {
		if errors.Is(err, request.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Errorf("post request: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to record request")
		return
	}

	writeJSON(w, http.StatusCreated, requestView{Request: inserted})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r)
	if !ok {
		return
	}

	req, err := s.api.GetRequest(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "request not found")
			return
		}
		s.log.Errorf("get request %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load request")
		return
	}

	entries, err := s.st.ListQueueEntriesByRequest(r.Context(), id)
	if err != nil {
		s.log.Errorf("list queue entries for request %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load queue entries")
		return
	}

	writeJSON(w, http.StatusOK, requestView{Request: req, QueueEntries: entries})
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r)
	if !ok {
		return
	}

	if err := s.api.CancelRequest(r.Context(), id); err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "request not found")
			return
		}
		s.log.Errorf("cancel request %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to cancel request")
		return
	}

	req, err := s.api.GetRequest(r.Context(), id)
	if err != nil {
		s.log.Errorf("get request %d after cancel: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load cancelled request")
		return
	}
	writeJSON(w, http.StatusOK, requestView{Request: req})
}

func parsePathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "not found")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
