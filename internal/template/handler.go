package template

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"unieval/internal/app/apiresp"
	"unieval/internal/model"
	"unieval/internal/store"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	svc templateService
}

type templateService interface {
	Create(ctx context.Context, in CreateInput) (*model.Template, error)
	Get(ctx context.Context, id int64) (*model.Template, error)
	List(ctx context.Context, f store.TemplateFilter) ([]model.Template, error)
	AddSection(ctx context.Context, templateID int64, title string) (*model.Section, error)
	AddQuestion(ctx context.Context, templateID, sectionID int64, in QuestionInput) (*model.Question, error)
	UpdateMetadata(ctx context.Context, id int64, in MetadataInput) (*model.Template, error)
	Publish(ctx context.Context, id int64) (*model.Template, error)
	Delete(ctx context.Context, id int64) error
	Import(ctx context.Context, r io.Reader) (*model.Template, error)
}

type response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

type createTemplateRequest struct {
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type addSectionRequest struct {
	Title string `json:"title"`
}

func NewHandler(svc templateService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/templates", h.List)
	r.Post("/templates", h.Create)
	r.Post("/templates/import", h.Import)
	r.Get("/templates/{id}", h.Get)
	r.Patch("/templates/{id}", h.UpdateMetadata)
	r.Delete("/templates/{id}", h.Delete)
	r.Post("/templates/{id}/publish", h.Publish)
	r.Post("/templates/{id}/sections", h.AddSection)
	r.Post("/templates/{id}/sections/{sectionID}/questions", h.AddQuestion)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
		return
	}
	kind, ok := model.ParseKind(req.Kind)
	if !ok {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "kind must be SURVEY, PROFESSOR_REPORT or SYNTHESIS_REPORT"})
		return
	}

	tpl, err := h.svc.Create(r.Context(), CreateInput{Kind: kind, Title: req.Title, Description: req.Description})
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, response{OK: true, Data: tpl})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	var f store.TemplateFilter
	if v := strings.TrimSpace(r.URL.Query().Get("kind")); v != "" {
		kind, ok := model.ParseKind(v)
		if !ok {
			writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid kind"})
			return
		}
		f.Kind = kind
	}
	if v := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("state"))); v != "" {
		f.State = model.TemplateState(v)
	}

	items, err := h.svc.List(r.Context(), f)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: items})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	tpl, err := h.svc.Get(r.Context(), id)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: tpl})
}

func (h *Handler) UpdateMetadata(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req MetadataInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
		return
	}
	tpl, err := h.svc.UpdateMetadata(r.Context(), id, req)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: tpl})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: map[string]any{"deleted": id}})
}

func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	tpl, err := h.svc.Publish(r.Context(), id)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: tpl})
}

func (h *Handler) AddSection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req addSectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
		return
	}
	sec, err := h.svc.AddSection(r.Context(), id, req.Title)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, response{OK: true, Data: sec})
}

func (h *Handler) AddQuestion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	sectionID, ok := pathID(w, r, "sectionID")
	if !ok {
		return
	}
	var req QuestionInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
		return
	}
	req.Kind = model.QuestionKind(strings.ToUpper(strings.TrimSpace(string(req.Kind))))

	q, err := h.svc.AddQuestion(r.Context(), id, sectionID, req)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, response{OK: true, Data: q})
}

func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.svc.Import(r.Context(), http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, response{OK: true, Data: tpl})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid " + name})
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
