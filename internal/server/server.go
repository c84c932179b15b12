// Package server exposes a juicydb database over HTTP with JSON bodies,
// on a TCP address or a UNIX socket.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oda/juicydb"
	"github.com/oda/juicydb/internal/dberr"
	"github.com/oda/juicydb/internal/record"
	"github.com/oda/juicydb/internal/sql"
)

// Server holds the database and provides HTTP handlers.
// The engine takes no locks, so every handler runs under mu.
type Server struct {
	db  *juicydb.DB
	log *zap.Logger
	mu  sync.Mutex
}

// Response is a generic JSON response.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse contains database status information.
type StatusResponse struct {
	Dir     string   `json:"dir"`
	Tables  []string `json:"tables"`
	Indexes []string `json:"indexes"`
}

// ExecRequest is the request body for /api/exec.
type ExecRequest struct {
	SQL string `json:"sql"`
}

// Result is one statement result.
type Result struct {
	Columns  []string `json:"columns,omitempty"`
	Rows     [][]any  `json:"rows,omitempty"`
	Affected int      `json:"affected,omitempty"`
	Message  string   `json:"message,omitempty"`
	Plan     string   `json:"plan,omitempty"`
}

// BenchmarkRequest is the request body for benchmark operations.
type BenchmarkRequest struct {
	Count    int   `json:"count"`    // Number of operations
	KeyRange int64 `json:"keyRange"` // Max key value for random generation
}

// BenchmarkResult contains benchmark timing results.
type BenchmarkResult struct {
	InsertCount     int     `json:"insertCount"`
	InsertTotalMs   float64 `json:"insertTotalMs"`
	InsertOpsPerSec float64 `json:"insertOpsPerSec"`
	Duplicates      int     `json:"duplicates"`
	SearchCount     int     `json:"searchCount"`
	SearchTotalMs   float64 `json:"searchTotalMs"`
	SearchOpsPerSec float64 `json:"searchOpsPerSec"`
	Height          int     `json:"height"`
}

const benchTable = "_bench"

// New returns a server for db. A nil logger discards everything.
func New(db *juicydb.DB, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{db: db, log: log}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/exec", s.handleExec)
	mux.HandleFunc("/api/check", s.handleInspect(".check"))
	mux.HandleFunc("/api/stats", s.handleInspect(".stats"))
	mux.HandleFunc("/api/dump", s.handleInspect(".btree"))
	mux.HandleFunc("/api/benchmark", s.handleBenchmark)
	return mux
}

// Listen opens a listener. A stale UNIX socket file left by a previous
// run is removed first.
func Listen(network, addr string) (net.Listener, error) {
	if network == "unix" {
		if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
			return nil, dberr.IO(err, "remove socket %s", addr)
		}
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, dberr.IO(err, "listen %s %s", network, addr)
	}
	return ln, nil
}

// Serve handles requests on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info("serving", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.log.Info("server stopped")
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, Response{Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case dberr.Is(err, dberr.ErrNotFound):
		return http.StatusNotFound
	case dberr.Is(err, dberr.ErrDuplicateKey), dberr.Is(err, dberr.ErrExists):
		return http.StatusConflict
	case dberr.Is(err, sql.ErrSyntax), dberr.Is(err, dberr.ErrSchema), dberr.Is(err, dberr.ErrRecordTooLarge):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data: StatusResponse{
			Dir:     s.db.Dir(),
			Tables:  s.db.Tables(),
			Indexes: s.db.Indexes(),
		},
	})
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
		return
	}

	var req ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "invalid request body"})
		return
	}
	if req.SQL == "" {
		writeJSON(w, http.StatusBadRequest, Response{Error: "sql is required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	results, err := s.db.ExecString(req.SQL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]Result, len(results))
	for i, res := range results {
		out[i] = convert(res)
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: out})
}

// handleInspect serves a tree command for the table or index given by ?name=.
func (s *Server) handleInspect(cmd string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
			return
		}
		name := r.URL.Query().Get("name")
		if name == "" {
			writeJSON(w, http.StatusBadRequest, Response{Error: "name is required"})
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		results, err := s.db.Exec(&sql.Meta{Command: cmd, Args: []string{name}})
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, Response{Success: true, Data: convert(results)})
	}
}

// handleBenchmark inserts and looks up random keys in a scratch table,
// which is dropped afterwards.
func (s *Server) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
		return
	}

	var req BenchmarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "invalid request body"})
		return
	}
	if req.Count <= 0 {
		req.Count = 10000
	}
	if req.KeyRange <= 0 {
		req.KeyRange = 1000000
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.benchmark(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: result})
}

func (s *Server) benchmark(req BenchmarkRequest) (result BenchmarkResult, err error) {
	schema, err := record.NewSchema("k",
		record.Column{Name: "k", Type: record.TypeInteger},
		record.Column{Name: "v", Type: record.TypeInteger})
	if err != nil {
		return result, err
	}
	t, err := s.db.CreateTable(benchTable, schema)
	if err != nil {
		return result, err
	}
	defer func() {
		if dropErr := s.db.DropTable(benchTable); err == nil {
			err = dropErr
		}
	}()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	keys := make([]int64, req.Count)
	for i := range keys {
		keys[i] = rng.Int63n(req.KeyRange)
	}

	insertStart := time.Now()
	for i, key := range keys {
		err := t.Insert(record.Row{record.Int(key), record.Int(int64(i))})
		if dberr.Is(err, dberr.ErrDuplicateKey) {
			result.Duplicates++
			continue
		}
		if err != nil {
			return result, dberr.Wrapf(err, "insert %d", i)
		}
	}
	insertDuration := time.Since(insertStart)

	searchStart := time.Now()
	for _, key := range keys {
		if _, err := t.Get(record.Int(key)); err != nil {
			return result, dberr.Wrapf(err, "get %d", key)
		}
	}
	searchDuration := time.Since(searchStart)

	stats, err := t.Stats()
	if err != nil {
		return result, err
	}

	result.InsertCount = req.Count
	result.InsertTotalMs = float64(insertDuration.Microseconds()) / 1000.0
	result.InsertOpsPerSec = float64(req.Count) / insertDuration.Seconds()
	result.SearchCount = req.Count
	result.SearchTotalMs = float64(searchDuration.Microseconds()) / 1000.0
	result.SearchOpsPerSec = float64(req.Count) / searchDuration.Seconds()
	result.Height = stats.Height
	s.log.Info("benchmark", zap.Int("count", req.Count), zap.Duration("insert", insertDuration), zap.Duration("search", searchDuration))
	return result, nil
}

func convert(res *juicydb.Result) Result {
	out := Result{
		Columns:  res.Columns,
		Affected: res.Affected,
		Message:  res.Message,
		Plan:     res.Plan,
	}
	for _, row := range res.Rows {
		vals := make([]any, len(row))
		for i, v := range row {
			vals[i] = jsonValue(v)
		}
		out.Rows = append(out.Rows, vals)
	}
	return out
}

// jsonValue maps a value to its JSON form; blobs encode as base64 strings.
func jsonValue(v record.Value) any {
	switch v.Type() {
	case record.TypeNull:
		return nil
	case record.TypeInteger:
		return v.Int()
	case record.TypeText:
		return v.Str()
	case record.TypeBytes:
		return v.Raw()
	default:
		return fmt.Sprint(v)
	}
}
