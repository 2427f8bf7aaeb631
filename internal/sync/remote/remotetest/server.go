// Package remotetest provides an in-memory PostgREST-style backend for tests.
//
// Records are JSON objects keyed by their "id" field. A numeric "version"
// field implements optimistic locking: a PATCH carrying a stale version is
// rejected with 409 Conflict.
package remotetest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

// Record is a stored row.
type Record map[string]interface{}

// Fault is an injected failure applied to the next matching requests.
type Fault struct {
	// Method restricts the fault to one HTTP method; empty matches all.
	Method string
	// Status is written instead of the normal response. Zero drops the
	// connection to simulate a transport failure.
	Status int
	Body   string
}

// Server is an httptest server hosting the fake backend.
type Server struct {
	*httptest.Server

	APIKey    string
	JWTSecret string

	mu       sync.Mutex
	tables   map[string]map[string]Record
	faults   []Fault
	latency  time.Duration
	requests []string
	nextID   int
}

// NewServer starts a fake backend. Authentication is only enforced when
// APIKey or JWTSecret are set before the first request.
func NewServer() *Server {
	s := &Server{
		tables: make(map[string]map[string]Record),
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

// BaseURL returns the REST root expected by remote.HTTPClient.
func (s *Server) BaseURL() string {
	return s.URL + "/rest/v1"
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.record)
	r.Use(s.inject)
	r.Use(s.auth)

	r.Route("/rest/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Post("/{table}", s.handleCreate)
		r.Patch("/{table}", s.handleUpdate)
		r.Delete("/{table}", s.handleDelete)
		r.Get("/{table}", s.handleFetch)
	})
	return r
}

// =====================================================
// Test controls
// =====================================================

// Put stores a record directly, bypassing version checks.
func (s *Server) Put(table string, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprint(rec["id"])
	s.table(table)[id] = clone(rec)
}

// Get returns a copy of a stored record.
func (s *Server) Get(table, id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.table(table)[id]
	if !ok {
		return nil, false
	}
	return clone(rec), true
}

// Count returns the number of records in table.
func (s *Server) Count(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table(table))
}

// FailNext queues faults consumed by subsequent requests in order.
func (s *Server) FailNext(faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, faults...)
}

// SetLatency delays every response.
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// Requests returns "METHOD /path?query" for every request received.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// =====================================================
// Middleware
// =====================================================

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		line := r.Method + " " + r.URL.Path
		if r.URL.RawQuery != "" {
			line += "?" + r.URL.RawQuery
		}
		s.requests = append(s.requests, line)
		latency := s.latency
		s.mu.Unlock()

		if latency > 0 {
			select {
			case <-time.After(latency):
			case <-r.Context().Done():
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) inject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fault, ok := s.takeFault(r.Method)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if fault.Status == 0 {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
					return
				}
			}
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body := fault.Body
		if body == "" {
			body = fmt.Sprintf(`{"message":"injected failure %d"}`, fault.Status)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(fault.Status)
		io.WriteString(w, body)
	})
}

func (s *Server) takeFault(method string) (Fault, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.faults {
		if f.Method == "" || f.Method == method {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
			return f, true
		}
	}
	return Fault{}, false
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.APIKey != "" && r.Header.Get("apikey") != s.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		if s.JWTSecret != "" {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(s.JWTSecret), nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// =====================================================
// Handlers
// =====================================================

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	rec, err := decodeRecord(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := idOf(rec)
	if id == "" {
		s.nextID++
		id = fmt.Sprintf("srv-%d", s.nextID)
		rec["id"] = id
	}
	rows := s.table(table)
	if _, exists := rows[id]; exists {
		writeError(w, http.StatusConflict, "duplicate key value violates unique constraint")
		return
	}
	rec["version"] = 1
	rows[id] = rec
	writeJSON(w, http.StatusCreated, []Record{clone(rec)})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id, ok := idFromFilter(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing id filter")
		return
	}
	patch, err := decodeRecord(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.table(table)
	current, exists := rows[id]
	if !exists {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if v, ok := patch["version"]; ok && toInt(v) != toInt(current["version"]) {
		writeError(w, http.StatusConflict, "version conflict")
		return
	}
	for k, v := range patch {
		current[k] = v
	}
	current["id"] = id
	current["version"] = toInt(current["version"]) + 1
	writeJSON(w, http.StatusOK, []Record{clone(current)})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id, ok := idFromFilter(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing id filter")
		return
	}

	s.mu.Lock()
	delete(s.table(table), id)
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0)
	if id, ok := idFromFilter(r); ok {
		if rec, exists := s.table(table)[id]; exists {
			out = append(out, clone(rec))
		}
	} else {
		ids := make([]string, 0, len(s.table(table)))
		for id := range s.table(table) {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			out = append(out, clone(s.table(table)[id]))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// =====================================================
// Helpers
// =====================================================

func (s *Server) table(name string) map[string]Record {
	rows, ok := s.tables[name]
	if !ok {
		rows = make(map[string]Record)
		s.tables[name] = rows
	}
	return rows
}

func decodeRecord(r *http.Request) (Record, error) {
	var rec Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("body must be a JSON object")
	}
	return rec, nil
}

func idFromFilter(r *http.Request) (string, bool) {
	v := r.URL.Query().Get("id")
	if !strings.HasPrefix(v, "eq.") {
		return "", false
	}
	return strings.TrimPrefix(v, "eq."), true
}

func idOf(rec Record) string {
	if v, ok := rec["id"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

func clone(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg, "code": fmt.Sprint(status)})
}
