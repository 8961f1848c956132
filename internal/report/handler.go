package report

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"unieval/internal/app/apiresp"

	"github.com/go-chi/chi/v5"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type summaryService interface {
	InstanceSummary(ctx context.Context, instanceIDs []int64) (*Summary, error)
	SynthesisSummary(ctx context.Context, synthesisID int64) (*Summary, error)
	Workbook(sum *Summary) ([]byte, error)
}

type Handler struct {
	svc summaryService
}

func NewHandler(svc summaryService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/stats", h.Instances)
	r.Get("/syntheses/{id}/stats", h.Synthesis)
}

// Instances serves GET /stats?instance_ids=1,2[&format=xlsx].
func (h *Handler) Instances(w http.ResponseWriter, r *http.Request) {
	ids, err := parseIDs(r.URL.Query().Get("instance_ids"))
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sum, err := h.svc.InstanceSummary(r.Context(), ids)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	h.render(w, r, sum, "instance-stats")
}

func (h *Handler) Synthesis(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid synthesis id")
		return
	}
	sum, err := h.svc.SynthesisSummary(r.Context(), id)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	h.render(w, r, sum, fmt.Sprintf("synthesis-%d-stats", id))
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, sum *Summary, name string) {
	if r.URL.Query().Get("format") != "xlsx" {
		apiresp.WriteOK(w, r, http.StatusOK, sum)
		return
	}
	data, err := h.svc.Workbook(sum)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".xlsx"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid instance id %q", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("instance_ids is required")
	}
	return ids, nil
}
