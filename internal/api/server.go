package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"remindd/internal/domain"
	"remindd/internal/sched"
)

type Server struct {
	r   *chi.Mux
	svc *sched.Service
}

func NewServer(svc *sched.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, svc: svc}

	r.Get("/health", s.health)
	r.Post("/api/schedules", s.create)
	r.Get("/api/schedules", s.list)
	r.Get("/api/schedules/{id}", s.get)
	r.Patch("/api/schedules/{id}", s.edit)
	r.Delete("/api/schedules/{id}", s.cancel)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type createReq struct {
	Payload  string    `json:"payload"`
	TenantID int64     `json:"tenant_id"`
	TargetID int64     `json:"target_id"`
	OwnerID  int64     `json:"owner_id"`
	FireAt   time.Time `json:"fire_at"`
	Repeat   *float64  `json:"repeat_minutes"`
	Notify   bool      `json:"notify"`
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var req createReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := s.svc.Schedule(r.Context(), domain.Event{
		Payload:  req.Payload,
		TenantID: req.TenantID,
		TargetID: req.TargetID,
		OwnerID:  req.OwnerID,
		FireAt:   req.FireAt,
		Repeat:   req.Repeat,
		Notify:   req.Notify,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	tenantID := queryInt64(r, "tenant_id")
	if tenantID == 0 {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	targetID := queryInt64(r, "target_id")
	page := int(queryInt64(r, "page"))

	result, err := s.svc.List(r.Context(), tenantID, targetID, page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	id, ownerID, tenantID, ok := s.scopedID(w, r)
	if !ok {
		return
	}
	rec, err := s.svc.Get(r.Context(), id, ownerID, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type editReq struct {
	Payload  *string  `json:"payload"`
	TargetID *int64   `json:"target_id"`
	Repeat   *float64 `json:"repeat_minutes"`
	Notify   *bool    `json:"notify"`
}

func (s *Server) edit(w http.ResponseWriter, r *http.Request) {
	id, ownerID, tenantID, ok := s.scopedID(w, r)
	if !ok {
		return
	}
	var req editReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := s.svc.Edit(r.Context(), id, ownerID, tenantID, sched.Edit{
		Payload:  req.Payload,
		TargetID: req.TargetID,
		Repeat:   req.Repeat,
		Notify:   req.Notify,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id, ownerID, tenantID, ok := s.scopedID(w, r)
	if !ok {
		return
	}
	rec, err := s.svc.Cancel(r.Context(), id, ownerID, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// scopedID extracts the record id from the path and the acting owner/tenant
// from query parameters. Authorization itself happens at the data layer; the
// API only carries the identities through.
func (s *Server) scopedID(w http.ResponseWriter, r *http.Request) (id, ownerID, tenantID int64, ok bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, 0, 0, false
	}
	ownerID = queryInt64(r, "owner_id")
	tenantID = queryInt64(r, "tenant_id")
	if ownerID == 0 || tenantID == 0 {
		http.Error(w, "owner_id and tenant_id are required", http.StatusBadRequest)
		return 0, 0, 0, false
	}
	return id, ownerID, tenantID, true
}

func queryInt64(r *http.Request, key string) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	return v
}

func writeError(w http.ResponseWriter, err error) {
	var (
		vErr *domain.ValidationError
		qErr *domain.QuotaExceededError
	)
	switch {
	case errors.As(err, &vErr):
		http.Error(w, vErr.Error(), http.StatusBadRequest)
	case errors.As(err, &qErr):
		http.Error(w, qErr.Error(), http.StatusTooManyRequests)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
