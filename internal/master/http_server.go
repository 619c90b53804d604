package master

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/codetrek/forkdb/internal/replication"
)

// TokenValidator checks replication client credentials. A nil validator
// disables authentication.
type TokenValidator interface {
	Validate(token string) error
}

// Server exposes a MasterHandler over HTTP:
//
//	GET  /v1/replication/pull?checkpoint=...&limit=...
//	POST /v1/replication/push
//	GET  /v1/replication/stream   (server-sent events)
//	GET  /health
type Server struct {
	handler replication.MasterHandler
	tokens  TokenValidator
	mux     *http.ServeMux
}

func NewServer(handler replication.MasterHandler, tokens TokenValidator) *Server {
	s := &Server{
		handler: handler,
		tokens:  tokens,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /v1/replication/pull", s.handlePull)
	s.mux.HandleFunc("POST /v1/replication/push", s.handlePush)
	s.mux.HandleFunc("GET /v1/replication/stream", s.handleStream)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/health" {
		if err := s.authorize(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authorize(r *http.Request) error {
	if s.tokens == nil {
		return nil
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return fmt.Errorf("missing bearer token")
	}
	return s.tokens.Validate(token)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var cp replication.Checkpoint
	if raw := r.URL.Query().Get("checkpoint"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cp); err != nil {
			http.Error(w, "Invalid checkpoint", http.StatusBadRequest)
			return
		}
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	resp, err := s.handler.PullChanges(r.Context(), cp, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var rows []replication.WriteIntent
	if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	results, err := s.handler.PushRows(r.Context(), rows)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(results)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	stream, err := s.handler.ChangeStream(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case doc, ok := <-stream:
			if !ok {
				return
			}
			data, err := json.Marshal(doc)
			if err != nil {
				log.Printf("[Master] Failed to encode stream event: %v", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
