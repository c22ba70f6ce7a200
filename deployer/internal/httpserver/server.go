// Package httpserver exposes the deployment record store as a read-only
// status API.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ILLUVRSE/searchdeploy/deployer/internal/models"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/store"
)

type Server struct {
	store store.Store
}

func New(store store.Store) *Server {
	return &Server{store: store}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Route("/deployments", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListDeploymentsFilter{
		Tenant:      q.Get("tenant"),
		Application: q.Get("application"),
		Instance:    q.Get("instance"),
		State:       models.State(q.Get("state")),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	deployments, err := s.store.ListDeployments(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if deployments == nil {
		deployments = []models.Deployment{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"deployments": deployments})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	d, err := s.store.GetDeployment(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "deployment not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
