package instance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"unieval/internal/apperr"
	"unieval/internal/model"
	"unieval/internal/store"

	"github.com/go-chi/chi/v5"
)

type mockLifecycleService struct {
	getFn              func(ctx context.Context, id int64) (*model.Instance, error)
	listFn             func(ctx context.Context, f store.InstanceFilter) ([]model.Instance, error)
	createInstanceFn   func(ctx context.Context, in CreateInput) (*model.Instance, error)
	closeInstanceFn    func(ctx context.Context, id int64, followupDeadline *time.Time) (*InstanceView, error)
	createSynthesisFn  func(ctx context.Context, departmentID int64) (*SynthesisView, error)
	requestSynthesisFn func(ctx context.Context, departmentID int64) (*model.SynthesisRequest, error)
}

func (m *mockLifecycleService) Get(ctx context.Context, id int64) (*model.Instance, error) {
	if m.getFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.getFn(ctx, id)
}

func (m *mockLifecycleService) List(ctx context.Context, f store.InstanceFilter) ([]model.Instance, error) {
	if m.listFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.listFn(ctx, f)
}

func (m *mockLifecycleService) CreateInstance(ctx context.Context, in CreateInput) (*model.Instance, error) {
	if m.createInstanceFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.createInstanceFn(ctx, in)
}

func (m *mockLifecycleService) CloseInstance(ctx context.Context, id int64, followupDeadline *time.Time) (*InstanceView, error) {
	if m.closeInstanceFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.closeInstanceFn(ctx, id, followupDeadline)
}

func (m *mockLifecycleService) CreateSynthesis(ctx context.Context, departmentID int64) (*SynthesisView, error) {
	if m.createSynthesisFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.createSynthesisFn(ctx, departmentID)
}

func (m *mockLifecycleService) RequestSynthesis(ctx context.Context, departmentID int64) (*model.SynthesisRequest, error) {
	if m.requestSynthesisFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.requestSynthesisFn(ctx, departmentID)
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.Routes(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCloseParsesFollowupDeadline(t *testing.T) {
	var got *time.Time
	h := NewHandler(&mockLifecycleService{
		closeInstanceFn: func(ctx context.Context, id int64, followupDeadline *time.Time) (*InstanceView, error) {
			got = followupDeadline
			return &InstanceView{Instance: model.Instance{ID: id, State: model.InstanceClosed}}, nil
		},
	})

	body, _ := json.Marshal(map[string]string{"followup_deadline": "2026-07-14T18:00:00Z"})
	w := serve(h, httptest.NewRequest(http.MethodPost, "/instances/4/close", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	if got == nil || !got.Equal(time.Date(2026, 7, 14, 18, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected deadline %v", got)
	}

	w = serve(h, httptest.NewRequest(http.MethodPost, "/instances/4/close", nil))
	if w.Code != http.StatusOK || got != nil {
		t.Fatalf("empty body should close with the default window, code=%d deadline=%v", w.Code, got)
	}
}

func TestCloseMapsErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"missing", apperr.NotFound("instance", 4), http.StatusNotFound},
		{"not active", apperr.InvalidState("instance", 4, "ACTIVE", "CLOSED"), http.StatusConflict},
		{"no successor template", apperr.Configuration("no published PROFESSOR_REPORT template"), http.StatusFailedDependency},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(&mockLifecycleService{
				closeInstanceFn: func(ctx context.Context, id int64, _ *time.Time) (*InstanceView, error) {
					return nil, tc.err
				},
			})
			w := serve(h, httptest.NewRequest(http.MethodPost, "/instances/4/close", nil))
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestListBuildsFilter(t *testing.T) {
	var got store.InstanceFilter
	h := NewHandler(&mockLifecycleService{
		listFn: func(ctx context.Context, f store.InstanceFilter) ([]model.Instance, error) {
			got = f
			return []model.Instance{}, nil
		},
	})

	w := serve(h, httptest.NewRequest(http.MethodGet, "/instances?kind=professor_report&state=active&department_id=12", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(got.Kinds) != 1 || got.Kinds[0] != model.KindProfessorReport {
		t.Fatalf("unexpected kinds %v", got.Kinds)
	}
	if len(got.States) != 1 || got.States[0] != model.InstanceActive {
		t.Fatalf("unexpected states %v", got.States)
	}
	if got.DepartmentID != 12 {
		t.Fatalf("unexpected department %d", got.DepartmentID)
	}

	w = serve(h, httptest.NewRequest(http.MethodGet, "/instances?department_id=x", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCreateSynthesisNotFound(t *testing.T) {
	h := NewHandler(&mockLifecycleService{
		createSynthesisFn: func(ctx context.Context, departmentID int64) (*SynthesisView, error) {
			return nil, apperr.NotFoundf("professor report", "no completed professor reports awaiting synthesis in department %d", departmentID)
		},
	})
	w := serve(h, httptest.NewRequest(http.MethodPost, "/departments/3/syntheses", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
