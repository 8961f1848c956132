package response

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"unieval/internal/app/apiresp"
	"unieval/internal/model"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	svc collectorService
}

type collectorService interface {
	Submit(ctx context.Context, instanceID int64, answers []AnswerInput, submitter Submitter) (*Ack, error)
	Enroll(ctx context.Context, courseOfferingID, studentID int64) (*model.Enrollment, error)
}

type response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

type submitRequest struct {
	SubmitterID int64         `json:"submitter_id"`
	Answers     []AnswerInput `json:"answers"`
}

type enrollRequest struct {
	CourseOfferingID int64 `json:"course_offering_id"`
	StudentID        int64 `json:"student_id"`
}

func NewHandler(svc collectorService) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts the collector endpoints. submitMW wraps only the submission
// route, which is where rate limiting applies.
func (h *Handler) Routes(r chi.Router, submitMW ...func(http.Handler) http.Handler) {
	r.With(submitMW...).Post("/instances/{id}/responses", h.Submit)
	r.Post("/enrollments", h.Enroll)
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	instanceID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || instanceID <= 0 {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid instance id"})
		return
	}
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
		return
	}

	ack, err := h.svc.Submit(r.Context(), instanceID, req.Answers, Submitter{UserID: req.SubmitterID})
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, response{OK: true, Data: ack})
}

func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
		return
	}
	e, err := h.svc.Enroll(r.Context(), req.CourseOfferingID, req.StudentID)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, response{OK: true, Data: e})
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, payload response) {
	if payload.OK {
		apiresp.WriteOK(w, r, code, payload.Data)
		return
	}
	apiresp.WriteError(w, r, code, payload.Error)
}
