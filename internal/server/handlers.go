package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rickgao/quotecache/internal/connection"
	"github.com/rickgao/quotecache/internal/query"
	"github.com/rickgao/quotecache/internal/registry"
	"github.com/rickgao/quotecache/internal/router"
	"github.com/rickgao/quotecache/internal/version"
)

// defaultJobRunID is used when a request omits its id.
const defaultJobRunID = "1"

// adapterRequest is the inbound job shape. The symbol may be given under
// any of the aliases in symbolKeys.
type adapterRequest struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

var symbolKeys = []string{"base", "from", "coin", "market"}

func (r adapterRequest) symbol() string {
	for _, k := range symbolKeys {
		if v, ok := r.Data[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

type adapterResult struct {
	Result float64 `json:"result"`
}

type adapterResponse struct {
	JobRunID   string        `json:"jobRunID"`
	Result     float64       `json:"result"`
	StatusCode int           `json:"statusCode"`
	MaxAge     int64         `json:"maxAge"`
	Data       adapterResult `json:"data"`
}

type adapterError struct {
	JobRunID   string    `json:"jobRunID"`
	Status     string    `json:"status"`
	StatusCode int       `json:"statusCode"`
	Error      errorBody `json:"error"`
}

type errorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type quoteResponse struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type sessionStatus struct {
	Status     string    `json:"status"`
	SessionID  string    `json:"sessionId,omitempty"`
	ClientID   string    `json:"clientId"`
	LastAckAt  time.Time `json:"lastHeartbeatAckAt,omitzero"`
	Reconnects int64     `json:"reconnects"`
	Queued     int       `json:"queued"`
}

type healthResponse struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	Streaming     bool           `json:"streaming"`
	Session       *sessionStatus `json:"session,omitempty"`
	Subscriptions int            `json:"subscriptions"`
}

type subscriptionView struct {
	Symbol          string    `json:"symbol"`
	State           string    `json:"state"`
	Claimed         bool      `json:"claimed"`
	LastValue       *float64  `json:"lastValue,omitempty"`
	LastUpdatedAt   time.Time `json:"lastUpdatedAt,omitzero"`
	LastRequestedAt time.Time `json:"lastRequestedAt"`
	SubscribedAt    time.Time `json:"subscribedAt"`
}

type statsResponse struct {
	Events map[string]int64    `json:"events"`
	Push   *router.RouterStats `json:"push,omitempty"`
}

// handleAdapter serves POST /.
func (s *Server) handleAdapter(w http.ResponseWriter, r *http.Request) {
	var req adapterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAdapterError(w, defaultJobRunID, http.StatusBadRequest, "AdapterInputError", "invalid request body")
		return
	}
	if req.ID == "" {
		req.ID = defaultJobRunID
	}

	q, err := s.deps.Query.Handle(r.Context(), req.symbol())
	if err != nil {
		code := statusFor(err)
		s.writeAdapterError(w, req.ID, code, errorName(code), err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, adapterResponse{
		JobRunID:   req.ID,
		Result:     q.Price,
		StatusCode: http.StatusOK,
		MaxAge:     s.cfg.MaxAge.Milliseconds(),
		Data:       adapterResult{Result: q.Price},
	})
}

// handleQuote serves GET /quote/{symbol}.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.deps.Query.Handle(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Cache-Control", "max-age="+strconv.FormatInt(int64(s.cfg.MaxAge/time.Second), 10))
	s.writeJSON(w, http.StatusOK, quoteResponse{
		Symbol:    q.Symbol,
		Price:     q.Price,
		Source:    string(q.Source),
		UpdatedAt: q.UpdatedAt,
	})
}

// handleHealth serves GET /health. A degraded session still reports 200
// because queries fall back to fetch.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Version:   version.Version,
		Streaming: s.deps.Session != nil,
	}
	if s.deps.Registry != nil {
		resp.Subscriptions = s.deps.Registry.Len()
	}
	if s.deps.Session != nil {
		info := s.deps.Session.Info()
		resp.Session = &sessionStatus{
			Status:     info.Status.String(),
			SessionID:  info.SessionID,
			ClientID:   info.ClientID,
			LastAckAt:  info.LastHeartbeatAckAt,
			Reconnects: info.Reconnects,
			Queued:     info.Queued,
		}
		if info.Status != connection.Ready {
			resp.Status = "degraded"
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleSubscriptions serves GET /debug/subscriptions.
func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	views := []subscriptionView{}
	if s.deps.Registry != nil {
		for _, e := range s.deps.Registry.Snapshot() {
			views = append(views, viewOf(e))
		}
	}
	s.writeJSON(w, http.StatusOK, views)
}

// handleStats serves GET /debug/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Events: map[string]int64{}}
	if s.deps.Counters != nil {
		resp.Events = s.deps.Counters.Snapshot()
	}
	if s.deps.Push != nil {
		stats := s.deps.Push.Stats()
		resp.Push = &stats
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func viewOf(e registry.Entry) subscriptionView {
	v := subscriptionView{
		Symbol:          e.Symbol,
		State:           e.State.String(),
		Claimed:         e.Claimed,
		LastUpdatedAt:   e.LastUpdatedAt,
		LastRequestedAt: e.LastRequestedAt,
		SubscribedAt:    e.SubscribedAt,
	}
	if e.HasValue {
		price := e.LastValue
		v.LastValue = &price
	}
	return v
}

// statusFor maps query errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, query.ErrInvalidSymbol):
		return http.StatusBadRequest
	case errors.Is(err, query.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorName(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "AdapterInputError"
	case http.StatusBadGateway:
		return "AdapterConnectionError"
	default:
		return "AdapterError"
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeAdapterError(w http.ResponseWriter, jobRunID string, status int, name, message string) {
	s.writeJSON(w, status, adapterError{
		JobRunID:   jobRunID,
		Status:     "errored",
		StatusCode: status,
		Error:      errorBody{Name: name, Message: message},
	})
}
