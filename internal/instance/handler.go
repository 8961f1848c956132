package instance

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"unieval/internal/app/apiresp"
	"unieval/internal/model"
	"unieval/internal/store"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	svc lifecycleService
}

type lifecycleService interface {
	Get(ctx context.Context, id int64) (*model.Instance, error)
	List(ctx context.Context, f store.InstanceFilter) ([]model.Instance, error)
	CreateInstance(ctx context.Context, in CreateInput) (*model.Instance, error)
	CloseInstance(ctx context.Context, id int64, followupDeadline *time.Time) (*InstanceView, error)
	CreateSynthesis(ctx context.Context, departmentID int64) (*SynthesisView, error)
	RequestSynthesis(ctx context.Context, departmentID int64) (*model.SynthesisRequest, error)
}

type response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

type closeInstanceRequest struct {
	FollowupDeadline string `json:"followup_deadline"`
}

func NewHandler(svc lifecycleService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/instances", h.List)
	r.Post("/instances", h.Create)
	r.Get("/instances/{id}", h.Get)
	r.Post("/instances/{id}/close", h.Close)
	r.Post("/departments/{id}/syntheses", h.CreateSynthesis)
	r.Post("/departments/{id}/synthesis-requests", h.RequestSynthesis)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.InstanceFilter
	if v := strings.TrimSpace(q.Get("kind")); v != "" {
		kind, ok := model.ParseKind(v)
		if !ok {
			writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid kind"})
			return
		}
		f.Kinds = []model.Kind{kind}
	}
	if v := strings.ToUpper(strings.TrimSpace(q.Get("state"))); v != "" {
		f.States = []model.InstanceState{model.InstanceState(v)}
	}
	for name, dst := range map[string]*int64{
		"department_id":      &f.DepartmentID,
		"course_offering_id": &f.CourseOfferingID,
		"template_id":        &f.TemplateID,
	} {
		v := strings.TrimSpace(q.Get(name))
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid " + name})
			return
		}
		*dst = n
	}
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, _ := strconv.Atoi(v)
		if n > 0 && n <= 500 {
			f.Limit = n
		}
	}

	items, err := h.svc.List(r.Context(), f)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: items})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
		return
	}
	inst, err := h.svc.CreateInstance(r.Context(), req)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, response{OK: true, Data: inst})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inst, err := h.svc.Get(r.Context(), id)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: inst})
}

func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req closeInstanceRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
			return
		}
	}
	var deadline *time.Time
	if v := strings.TrimSpace(req.FollowupDeadline); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "followup_deadline must be RFC3339"})
			return
		}
		deadline = &t
	}

	view, err := h.svc.CloseInstance(r.Context(), id, deadline)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: view})
}

func (h *Handler) CreateSynthesis(w http.ResponseWriter, r *http.Request) {
	departmentID, ok := pathID(w, r)
	if !ok {
		return
	}
	view, err := h.svc.CreateSynthesis(r.Context(), departmentID)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, response{OK: true, Data: view})
}

func (h *Handler) RequestSynthesis(w http.ResponseWriter, r *http.Request) {
	departmentID, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := h.svc.RequestSynthesis(r.Context(), departmentID)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, response{OK: true, Data: req})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid id"})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, payload response) {
	if payload.OK {
		apiresp.WriteOK(w, r, code, payload.Data)
		return
	}
	apiresp.WriteError(w, r, code, payload.Error)
}
