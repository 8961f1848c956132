package instance

import (
	"context"
	"errors"
	"testing"
	"time"

	"unieval/internal/apperr"
	"unieval/internal/model"
	"unieval/internal/store"
	"unieval/internal/store/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func (f *fixture) report(templateID, departmentID int64, processing model.ProcessingState) int64 {
	return f.instance(model.Instance{
		TemplateID: templateID,
		Kind:       model.KindProfessorReport,
		State:      model.InstanceClosed,
		OpenAt:     f.now,
		Processing: processing,
		Context:    model.Context{DepartmentID: departmentID, CourseOfferingID: 5, ProfessorID: 6},
	})
}

func TestCreateSynthesis(t *testing.T) {
	f := newFixture(t)
	reportTpl := f.template(model.KindProfessorReport, model.TemplatePublished)
	synthTpl := f.template(model.KindSynthesisReport, model.TemplatePublished)

	a := f.report(reportTpl, 10, model.ProcessingCompleted)
	b := f.report(reportTpl, 10, model.ProcessingCompleted)
	pending := f.report(reportTpl, 10, model.ProcessingPending)
	otherDept := f.report(reportTpl, 11, model.ProcessingCompleted)

	view, err := f.engine.CreateSynthesis(f.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, model.KindSynthesisReport, view.Synthesis.Kind)
	assert.Equal(t, synthTpl, view.Synthesis.TemplateID)
	assert.Equal(t, []int64{a, b}, view.Synthesis.MemberIDs)
	assert.Nil(t, view.Synthesis.CloseAt)
	require.Len(t, view.Members, 2)

	for _, id := range []int64{a, b} {
		m := f.get(id)
		assert.Equal(t, model.ProcessingSummarized, m.Processing)
		assert.Equal(t, view.Synthesis.ID, m.SynthesisID)
	}
	assert.Equal(t, model.ProcessingPending, f.get(pending).Processing)
	assert.Equal(t, model.ProcessingCompleted, f.get(otherDept).Processing)

	stored := f.get(view.Synthesis.ID)
	assert.Equal(t, []int64{a, b}, stored.MemberIDs)

	_, err = f.engine.CreateSynthesis(f.ctx, 10)
	assert.ErrorIs(t, err, apperr.ErrNotFound, "no eligible reports remain")
}

func TestCreateSynthesisWithoutTemplateIsAtomic(t *testing.T) {
	f := newFixture(t)
	reportTpl := f.template(model.KindProfessorReport, model.TemplatePublished)
	a := f.report(reportTpl, 10, model.ProcessingCompleted)

	_, err := f.engine.CreateSynthesis(f.ctx, 10)
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	m := f.get(a)
	assert.Equal(t, model.ProcessingCompleted, m.Processing)
	assert.Zero(t, m.SynthesisID)
}

func TestProcessSynthesisRequests(t *testing.T) {
	f := newFixture(t)
	reportTpl := f.template(model.KindProfessorReport, model.TemplatePublished)
	f.template(model.KindSynthesisReport, model.TemplatePublished)
	f.report(reportTpl, 10, model.ProcessingCompleted)

	ok, err := f.engine.RequestSynthesis(f.ctx, 10)
	require.NoError(t, err)
	empty, err := f.engine.RequestSynthesis(f.ctx, 99)
	require.NoError(t, err)
	_, err = f.engine.RequestSynthesis(f.ctx, 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	created, err := f.engine.ProcessSynthesisRequests(f.ctx)
	require.NoError(t, err)
	require.Len(t, created, 1)

	done, err := f.store.FindSynthesisRequests(f.ctx, model.SynthesisRequestDone, 0)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, ok.ID, done[0].ID)
	assert.Equal(t, created[0], done[0].SynthesisID)

	failed, err := f.store.FindSynthesisRequests(f.ctx, model.SynthesisRequestFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, empty.ID, failed[0].ID)
	assert.NotEmpty(t, failed[0].Failure)

	again, err := f.engine.ProcessSynthesisRequests(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

// unreachableStore fails every transaction while down is set.
type unreachableStore struct {
	*memstore.Store
	down bool
}

func (s *unreachableStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if s.down {
		return errors.New("dial tcp 10.0.0.5:5432: connection refused")
	}
	return s.Store.WithTx(ctx, fn)
}

func TestProcessSynthesisRequestsKeepsTransientFailuresPending(t *testing.T) {
	f := newFixture(t)
	reportTpl := f.template(model.KindProfessorReport, model.TemplatePublished)
	f.template(model.KindSynthesisReport, model.TemplatePublished)
	f.report(reportTpl, 10, model.ProcessingCompleted)

	s := &unreachableStore{Store: f.store}
	engine := NewEngine(s, func() time.Time { return f.now }, zaptest.NewLogger(t), DefaultFollowupWindow)
	req, err := engine.RequestSynthesis(f.ctx, 10)
	require.NoError(t, err)

	s.down = true
	created, err := engine.ProcessSynthesisRequests(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, created)

	pending, err := f.store.FindSynthesisRequests(f.ctx, model.SynthesisRequestPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)
	assert.Empty(t, pending[0].Failure)

	s.down = false
	created, err = engine.ProcessSynthesisRequests(f.ctx)
	require.NoError(t, err)
	assert.Len(t, created, 1)
}
