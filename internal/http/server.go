package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"txkv/pkg/dberrors"
	"txkv/pkg/iterator"
	"txkv/pkg/store"
	"txkv/pkg/txn"
	"txkv/pkg/types"

	"github.com/go-chi/chi/v5"
)

const (
	contentTypeJSON          = "application/json"
	defaultHTTPPort          = 8080
	defaultShutdownTimeout   = time.Second * 5
	defaultReadHeaderTimeout = time.Second
)

type iStoreAPI interface {
	txn.Engine
	Upsert(e types.Entry) error
	Delete(key types.Key) error
	Scan(from, to types.Key) (iterator.Iterator, error)
	Flush() error
	Compact() error
	Stats() store.Stats
}

// Server exposes a store and its transaction group over HTTP.
type Server struct {
	store iStoreAPI
	group *txn.Group

	httpServer        *http.Server
	readHeaderTimeout time.Duration
	URL               string
	addr              string
}

// NewServer creates a new server instance. A zero port means 8080.
func NewServer(store iStoreAPI, group *txn.Group, port int, readHeaderTimeout time.Duration) *Server {
	if port == 0 {
		port = defaultHTTPPort
	}
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = defaultReadHeaderTimeout
	}
	p := strconv.Itoa(port)
	return &Server{
		store:             store,
		group:             group,
		readHeaderTimeout: readHeaderTimeout,
		URL:               "http://localhost:" + p,
		addr:              ":" + p,
	}
}

// Start starts the server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)

	r.Get("/api", s.handleGet)
	r.Put("/api", s.handlePut)
	r.Delete("/api", s.handleDelete)
	r.Get("/api/scan", s.handleScan)
	r.Post("/api/txn", s.handleTxn)
	r.Post("/api/admin/flush", s.handleFlush)
	r.Post("/api/admin/compact", s.handleCompact)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dberrors.ErrConflict):
		s.writeJSON(w, http.StatusConflict, NewConflictResponse(err.Error()))
	case errors.Is(err, dberrors.ErrInvalidArgument):
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
	case errors.Is(err, dberrors.ErrClosed):
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse(err.Error()))
	default:
		slog.Error("request failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewStatsResponse(s.store.Stats()))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	_, hasValue := r.Form["value"]
	if key == "" || !hasValue {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key or value"))
		return
	}

	if err := s.store.Upsert(types.NewEntry([]byte(key), []byte(r.FormValue("value")))); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	e, found, err := s.store.Get([]byte(key))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse(dberrors.ErrNotFound.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(string(e.Value)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	if err := s.store.Delete([]byte(key)); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var from, to types.Key
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		from = []byte(v)
	}
	if v := q.Get("to"); v != "" {
		to = []byte(v)
	}

	it, err := s.store.Scan(from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := iterator.Collect(it)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]EntryJSON, len(entries))
	for i, e := range entries {
		out[i] = EntryJSON{Key: string(e.Key), Value: string(e.Value), Found: true}
	}
	s.writeJSON(w, http.StatusOK, NewEntriesResponse(out))
}

func (s *Server) handleTxn(w http.ResponseWriter, r *http.Request) {
	var req TxnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	for _, wr := range req.Writes {
		if wr.Key == "" {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key in writes"))
			return
		}
	}

	tx := txn.New(s.store, s.group)

	reads := make([]EntryJSON, 0, len(req.Reads))
	for _, k := range req.Reads {
		e, found, err := tx.Get([]byte(k))
		if err != nil {
			s.writeError(w, err)
			return
		}
		reads = append(reads, EntryJSON{Key: k, Value: string(e.Value), Found: found})
	}

	for _, wr := range req.Writes {
		var err error
		if wr.Delete {
			err = tx.Delete([]byte(wr.Key))
		} else {
			err = tx.Put([]byte(wr.Key), []byte(wr.Value))
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewEntriesResponse(reads))
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Flush(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Compact(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// Handler returns the router without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.createRouter()
}
