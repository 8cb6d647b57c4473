package remote

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mapsync/mapsync/internal/replica/schema"
	"github.com/mapsync/mapsync/internal/session"
)

// Server is an in-memory implementation of the remote API. It backs
// `mapsync serve-remote` for local development and the sync tests.
//
// The server is the arbiter of versions: a write is accepted only when its
// version is newer than the stored one, except that replaying the stored
// version with the same updated_at is a no-op success.
type Server struct {
	mu       sync.Mutex
	maps     map[string]*stored[schema.Map]
	nodes    map[string]*stored[schema.Node]
	edges    map[string]*stored[schema.Edge]
	access   map[string]bool
	refresh  map[string]bool
	clock    *schema.Clock
	fault    func(r *http.Request) int
	logger   *log.Logger
	requests atomic.Int64

	// RefreshCalls counts POST /auth/refresh requests.
	RefreshCalls atomic.Int64
}

// stored is a record plus the server time it last changed, used by ?since=.
type stored[T any] struct {
	rec      T
	modified int64
}

// NewServer creates an empty server. If logger is nil, a default stderr
// logger is used.
func NewServer(clock *schema.Clock, logger *log.Logger) *Server {
	if clock == nil {
		clock = schema.NewClock(nil)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Server{
		maps:    make(map[string]*stored[schema.Map]),
		nodes:   make(map[string]*stored[schema.Node]),
		edges:   make(map[string]*stored[schema.Edge]),
		access:  make(map[string]bool),
		refresh: make(map[string]bool),
		clock:   clock,
		logger:  logger,
	}
}

// IssueSession creates a valid token pair, as a login would.
func (s *Server) IssueSession() session.Tokens {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked()
}

func (s *Server) issueLocked() session.Tokens {
	t := session.Tokens{Access: randomToken(), Refresh: randomToken()}
	s.access[t.Access] = true
	s.refresh[t.Refresh] = true
	return t
}

// ExpireAccessTokens invalidates every access token; refresh tokens stay valid.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]bool)
}

// RevokeAll invalidates every token.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]bool)
	s.refresh = make(map[string]bool)
}

// SetFault installs a hook consulted before each authenticated request; a
// non-zero return is sent as the response status instead of serving it.
func (s *Server) SetFault(fn func(r *http.Request) int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// Requests returns the number of requests served.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// Map returns a copy of a stored map.
func (s *Server) Map(id string) (schema.Map, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.maps[id]
	if !ok {
		return schema.Map{}, false
	}
	return m.rec, true
}

// Node returns a copy of a stored node.
func (s *Server) Node(id string) (schema.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return schema.Node{}, false
	}
	return n.rec, true
}

// Edge returns a copy of a stored edge.
func (s *Server) Edge(id string) (schema.Edge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[id]
	if !ok {
		return schema.Edge{}, false
	}
	return e.rec, true
}

// Counts returns the number of stored maps, nodes and edges.
func (s *Server) Counts() (maps, nodes, edges int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.maps), len(s.nodes), len(s.edges)
}

// PutMap stores m as if another client had written it.
func (s *Server) PutMap(m schema.Map) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maps[m.ID] = &stored[schema.Map]{rec: m, modified: s.clock.Now()}
}

// PutNode stores n as if another client had written it.
func (s *Server) PutNode(n schema.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = &stored[schema.Node]{rec: n, modified: s.clock.Now()}
}

// PutEdge stores e as if another client had written it.
func (s *Server) PutEdge(e schema.Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[e.ID] = &stored[schema.Edge]{rec: e, modified: s.clock.Now()}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.requests.Add(1)
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", APIVersion: APIVersion})
	})
	r.Post("/auth/refresh", s.handleRefresh)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/maps", s.handleList)
		r.Put("/maps/{id}/edges", s.handleEdgeBundle)

		r.Post("/maps", handleCreate(s, s.maps, mapMeta))
		r.Get("/maps/{id}", handleGet(s, s.maps))
		r.Put("/maps/{id}", handleReplace(s, s.maps, mapMeta))
		r.Delete("/maps/{id}", handleDelete(s, s.maps, mapMeta))

		r.Post("/nodes", handleCreate(s, s.nodes, nodeMeta))
		r.Get("/nodes/{id}", handleGet(s, s.nodes))
		r.Put("/nodes/{id}", handleReplace(s, s.nodes, nodeMeta))
		r.Delete("/nodes/{id}", handleDelete(s, s.nodes, nodeMeta))

		r.Post("/edges", handleCreate(s, s.edges, edgeMeta))
		r.Get("/edges/{id}", handleGet(s, s.edges))
		r.Put("/edges/{id}", handleReplace(s, s.edges, edgeMeta))
		r.Delete("/edges/{id}", handleDelete(s, s.edges, edgeMeta))
	})

	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		s.mu.Lock()
		valid := s.access[token]
		fault := s.fault
		s.mu.Unlock()

		if !valid {
			writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: "invalid or expired token"})
			return
		}
		if fault != nil {
			if code := fault(r); code != 0 {
				s.logger.Printf("injected %d for %s %s", code, r.Method, r.URL.Path)
				writeJSON(w, code, ErrorBody{Error: http.StatusText(code)})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.RefreshCalls.Add(1)

	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid request body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.refresh[req.RefreshToken] {
		s.logger.Printf("rejected refresh with unknown token")
		writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: "invalid refresh token"})
		return
	}
	delete(s.refresh, req.RefreshToken)
	writeJSON(w, http.StatusOK, s.issueLocked())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid since"})
			return
		}
		since = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deltas := make(map[string]*MapDelta)
	delta := func(mapID string) *MapDelta {
		d, ok := deltas[mapID]
		if !ok {
			d = &MapDelta{MapID: mapID}
			deltas[mapID] = d
		}
		return d
	}
	for id, m := range s.maps {
		if m.modified > since {
			rec := m.rec
			delta(id).Map = &rec
		}
	}
	for _, n := range s.nodes {
		if n.modified > since {
			rec := n.rec
			d := delta(rec.MapID)
			d.Nodes = append(d.Nodes, &rec)
		}
	}
	for _, e := range s.edges {
		if e.modified > since {
			rec := e.rec
			d := delta(rec.MapID)
			d.Edges = append(d.Edges, &rec)
		}
	}

	resp := DeltaResponse{ServerTime: s.clock.Now(), Maps: make([]MapDelta, 0, len(deltas))}
	for _, d := range deltas {
		resp.Maps = append(resp.Maps, *d)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEdgeBundle(w http.ResponseWriter, r *http.Request) {
	mapID := chi.URLParam(r, "id")
	var bundle EdgeBundle
	if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid request body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.maps[mapID]; !ok {
		writeJSON(w, http.StatusNotFound, ErrorBody{Error: "map not found"})
		return
	}

	var res BundleResult
	for _, e := range bundle.Edges {
		if e == nil || e.ID == "" || e.MapID != mapID {
			writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "edge does not belong to map " + mapID})
			return
		}
		if cur, ok := s.edges[e.ID]; ok {
			have := cur.rec.Meta
			if e.Version == have.Version && e.UpdatedAt == have.UpdatedAt {
				res.Applied++
				continue
			}
			if e.Version <= have.Version {
				res.Stale = append(res.Stale, StaleEdge{ID: e.ID, Remote: cur.rec.Snapshot()})
				continue
			}
		}
		s.edges[e.ID] = &stored[schema.Edge]{rec: *e, modified: s.clock.Now()}
		res.Applied++
	}
	writeJSON(w, http.StatusOK, res)
}

// metaOf exposes the sync metadata and snapshot of a record type.
type metaOf[T any] func(rec *T) (id string, meta *schema.Meta, snap schema.Snapshot)

func mapMeta(m *schema.Map) (string, *schema.Meta, schema.Snapshot) {
	return m.ID, &m.Meta, m.Snapshot()
}

func nodeMeta(n *schema.Node) (string, *schema.Meta, schema.Snapshot) {
	return n.ID, &n.Meta, n.Snapshot()
}

func edgeMeta(e *schema.Edge) (string, *schema.Meta, schema.Snapshot) {
	return e.ID, &e.Meta, e.Snapshot()
}

func handleGet[T any](s *Server, table map[string]*stored[T]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, ok := table[chi.URLParam(r, "id")]
		if !ok {
			writeJSON(w, http.StatusNotFound, ErrorBody{Error: "not found"})
			return
		}
		writeJSON(w, http.StatusOK, cur.rec)
	}
}

func handleCreate[T any](s *Server, table map[string]*stored[T], meta metaOf[T]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rec T
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid request body"})
			return
		}
		id, _, _ := meta(&rec)
		if id == "" {
			writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "id is required"})
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := table[id]; ok {
			// An existing id is a replay or a competing write; same rules as PUT.
			replaceLocked(s, w, table, meta, &rec)
			return
		}
		table[id] = &stored[T]{rec: rec, modified: s.clock.Now()}
		writeJSON(w, http.StatusCreated, rec)
	}
}

func handleReplace[T any](s *Server, table map[string]*stored[T], meta metaOf[T]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rec T
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid request body"})
			return
		}
		if id, _, _ := meta(&rec); id != chi.URLParam(r, "id") {
			writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "id does not match path"})
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := table[chi.URLParam(r, "id")]; !ok {
			writeJSON(w, http.StatusNotFound, ErrorBody{Error: "not found"})
			return
		}
		replaceLocked(s, w, table, meta, &rec)
	}
}

// replaceLocked applies the version rule to an existing record. The caller
// holds s.mu.
func replaceLocked[T any](s *Server, w http.ResponseWriter, table map[string]*stored[T], meta metaOf[T], rec *T) {
	id, in, _ := meta(rec)
	cur := table[id]
	_, have, snap := meta(&cur.rec)

	if in.Version == have.Version && in.UpdatedAt == have.UpdatedAt {
		writeJSON(w, http.StatusOK, cur.rec)
		return
	}
	if in.Version <= have.Version {
		writeJSON(w, http.StatusConflict, ConflictBody{Error: "version conflict", Remote: snap})
		return
	}
	table[id] = &stored[T]{rec: *rec, modified: s.clock.Now()}
	writeJSON(w, http.StatusOK, *rec)
}

func handleDelete[T any](s *Server, table map[string]*stored[T], meta metaOf[T]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, ok := table[chi.URLParam(r, "id")]
		if !ok {
			writeJSON(w, http.StatusNotFound, ErrorBody{Error: "not found"})
			return
		}
		_, m, _ := meta(&cur.rec)
		if m.DeletedAt == nil {
			now := s.clock.Now()
			m.Version++
			m.DeletedAt = &now
			if now > m.UpdatedAt {
				m.UpdatedAt = now
			}
			cur.modified = now
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
