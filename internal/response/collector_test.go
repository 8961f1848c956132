package response

import (
	"context"
	"errors"
	"sync"
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

var baseTime = time.Date(2026, 6, 30, 18, 0, 0, 0, time.UTC)

type fixture struct {
	t         *testing.T
	ctx       context.Context
	store     *memstore.Store
	collector *Collector
	tpl       *model.Template
}

// newFixture seeds a published template with one choice question (Yes/No)
// and one text question.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, ctx: context.Background(), store: memstore.New()}
	f.collector = NewCollector(f.store, func() time.Time { return baseTime }, zaptest.NewLogger(t))

	choice, err := model.NewChoiceQuestion("Was the course useful?", "Yes", "No")
	require.NoError(t, err)
	text, err := model.NewTextQuestion("Comments")
	require.NoError(t, err)
	at := baseTime
	f.tpl = &model.Template{
		Title:       "Course evaluation",
		Kind:        model.KindSurvey,
		State:       model.TemplatePublished,
		PublishedAt: &at,
		Sections:    []model.Section{{Title: "Main", Position: 1, Questions: []model.Question{choice, text}}},
	}
	require.NoError(t, f.store.WithTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SaveTemplate(ctx, f.tpl)
	}))
	return f
}

func (f *fixture) choiceQ() model.Question { return f.tpl.Sections[0].Questions[0] }
func (f *fixture) textQ() model.Question   { return f.tpl.Sections[0].Questions[1] }

func (f *fixture) instance(kind model.Kind, state model.InstanceState, processing model.ProcessingState) int64 {
	f.t.Helper()
	inst := &model.Instance{
		TemplateID: f.tpl.ID,
		Kind:       kind,
		State:      state,
		OpenAt:     baseTime.Add(-time.Hour),
		Processing: processing,
		Context:    model.Context{DepartmentID: 1, CourseOfferingID: 50, ProfessorID: 9},
	}
	require.NoError(f.t, f.store.WithTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SaveInstance(ctx, inst)
	}))
	return inst.ID
}

func (f *fixture) enroll(studentID int64) {
	f.t.Helper()
	_, err := f.collector.Enroll(f.ctx, 50, studentID)
	require.NoError(f.t, err)
}

func (f *fixture) yes() []AnswerInput {
	opt := f.choiceQ().Options[0].ID
	return []AnswerInput{{QuestionID: f.choiceQ().ID, OptionID: &opt}}
}

func strPtr(s string) *string { return &s }

func TestSubmitSurvey(t *testing.T) {
	f := newFixture(t)
	id := f.instance(model.KindSurvey, model.InstanceActive, model.ProcessingNone)
	f.enroll(77)

	answers := append(f.yes(), AnswerInput{QuestionID: f.textQ().ID, Text: strPtr("  clear lectures ")})
	ack, err := f.collector.Submit(f.ctx, id, answers, Submitter{UserID: 77})
	require.NoError(t, err)
	assert.Equal(t, id, ack.InstanceID)
	assert.Equal(t, 2, ack.Answers)
	assert.NotEmpty(t, ack.Receipt)
	assert.True(t, baseTime.Equal(ack.SubmittedAt))

	sets, err := f.store.FindResponseSets(f.ctx, []int64{id})
	require.NoError(t, err)
	require.Len(t, sets, 1)
	require.Len(t, sets[0].Responses, 2)
	assert.Equal(t, model.ResponseChoice, sets[0].Responses[0].Kind)
	assert.Equal(t, "clear lectures", sets[0].Responses[1].Text)

	e, err := f.store.GetEnrollment(f.ctx, 50, 77)
	require.NoError(t, err)
	assert.True(t, e.Responded)
	require.NotNil(t, e.RespondedAt)
}

func TestSubmitSurveyOncePerStudent(t *testing.T) {
	f := newFixture(t)
	id := f.instance(model.KindSurvey, model.InstanceActive, model.ProcessingNone)
	f.enroll(77)

	_, err := f.collector.Submit(f.ctx, id, f.yes(), Submitter{UserID: 77})
	require.NoError(t, err)

	_, err = f.collector.Submit(f.ctx, id, f.yes(), Submitter{UserID: 77})
	assert.ErrorIs(t, err, apperr.ErrAlreadySubmitted)
	assert.Equal(t, apperr.KindAlreadySubmitted, apperr.KindOf(err))

	_, err = f.collector.Submit(f.ctx, id, f.yes(), Submitter{UserID: 78})
	assert.ErrorIs(t, err, apperr.ErrNotFound, "not enrolled")

	_, err = f.collector.Submit(f.ctx, id, f.yes(), Submitter{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	sets, err := f.store.FindResponseSets(f.ctx, []int64{id})
	require.NoError(t, err)
	assert.Len(t, sets, 1)
}

func TestSubmitRejectsUnknownOrClosedInstance(t *testing.T) {
	f := newFixture(t)
	closed := f.instance(model.KindSurvey, model.InstanceClosed, model.ProcessingNone)
	pending := f.instance(model.KindSurvey, model.InstancePending, model.ProcessingNone)
	f.enroll(77)

	_, err := f.collector.Submit(f.ctx, 9999, f.yes(), Submitter{UserID: 77})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	for _, id := range []int64{closed, pending} {
		_, err = f.collector.Submit(f.ctx, id, f.yes(), Submitter{UserID: 77})
		require.ErrorIs(t, err, apperr.ErrInvalidState)
		var e *apperr.Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, string(model.InstanceActive), e.Expected)
	}

	completed := f.instance(model.KindProfessorReport, model.InstanceActive, model.ProcessingCompleted)
	_, err = f.collector.Submit(f.ctx, completed, f.yes(), Submitter{UserID: 9})
	require.ErrorIs(t, err, apperr.ErrInvalidState)
	var pe *apperr.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, string(model.ProcessingPending), pe.Expected)
	assert.Equal(t, string(model.ProcessingCompleted), pe.Actual)

	sets, err := f.store.FindResponseSets(f.ctx, []int64{closed, pending, completed})
	require.NoError(t, err)
	assert.Empty(t, sets, "rejected submissions store nothing")

	e, err := f.store.GetEnrollment(f.ctx, 50, 77)
	require.NoError(t, err)
	assert.False(t, e.Responded)
}

func TestSubmitAfterDeadlineIsRejected(t *testing.T) {
	f := newFixture(t)
	id := f.instance(model.KindSurvey, model.InstanceActive, model.ProcessingNone)
	f.enroll(77)

	deadline := baseTime.Add(-time.Hour)
	require.NoError(t, f.store.WithTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
		inst, err := tx.GetInstance(ctx, id)
		if err != nil {
			return err
		}
		inst.CloseAt = &deadline
		return tx.SaveInstance(ctx, inst)
	}))

	_, err := f.collector.Submit(f.ctx, id, f.yes(), Submitter{UserID: 77})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	sets, err := f.store.FindResponseSets(f.ctx, []int64{id})
	require.NoError(t, err)
	assert.Empty(t, sets)
}

func TestSubmitValidationListsOffendingQuestions(t *testing.T) {
	f := newFixture(t)
	id := f.instance(model.KindSurvey, model.InstanceActive, model.ProcessingNone)
	f.enroll(77)

	foreign := int64(424242)
	opt := f.choiceQ().Options[1].ID
	answers := []AnswerInput{
		{QuestionID: f.choiceQ().ID, OptionID: &foreign},
		{QuestionID: f.textQ().ID, OptionID: &opt, Text: strPtr("both")},
		{QuestionID: 31337, Text: strPtr("unknown")},
	}
	_, err := f.collector.Submit(f.ctx, id, answers, Submitter{UserID: 77})
	require.ErrorIs(t, err, apperr.ErrValidation)
	var e *apperr.Error
	require.True(t, errors.As(err, &e))
	assert.ElementsMatch(t, []int64{f.choiceQ().ID, f.textQ().ID, 31337}, e.QuestionIDs)

	sets, err := f.store.FindResponseSets(f.ctx, []int64{id})
	require.NoError(t, err)
	assert.Empty(t, sets, "nothing is persisted when any answer is invalid")

	enrollment, err := f.store.GetEnrollment(f.ctx, 50, 77)
	require.NoError(t, err)
	assert.False(t, enrollment.Responded)
}

func TestBuildResponses(t *testing.T) {
	f := newFixture(t)
	choice, text := f.choiceQ(), f.textQ()
	yes := choice.Options[0].ID

	tests := []struct {
		name    string
		answers []AnswerInput
		bad     []int64
	}{
		{"empty batch", nil, nil},
		{"duplicate question", []AnswerInput{{QuestionID: choice.ID, OptionID: &yes}, {QuestionID: choice.ID, OptionID: &yes}}, []int64{choice.ID}},
		{"neither value", []AnswerInput{{QuestionID: choice.ID}}, []int64{choice.ID}},
		{"text on choice", []AnswerInput{{QuestionID: choice.ID, Text: strPtr("yes")}}, []int64{choice.ID}},
		{"option on text", []AnswerInput{{QuestionID: text.ID, OptionID: &yes}}, []int64{text.ID}},
		{"blank text", []AnswerInput{{QuestionID: text.ID, Text: strPtr("   ")}}, []int64{text.ID}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := buildResponses(f.tpl, tc.answers)
			require.ErrorIs(t, err, apperr.ErrValidation)
			var e *apperr.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, tc.bad, e.QuestionIDs)
		})
	}

	out, err := buildResponses(f.tpl, []AnswerInput{{QuestionID: text.ID, Text: strPtr("only comments")}})
	require.NoError(t, err)
	assert.Len(t, out, 1, "skipping questions is allowed")
}

func TestSubmitProfessorReportCompletesIt(t *testing.T) {
	f := newFixture(t)
	id := f.instance(model.KindProfessorReport, model.InstanceActive, model.ProcessingPending)

	_, err := f.collector.Submit(f.ctx, id, f.yes(), Submitter{})
	require.NoError(t, err)

	inst, err := f.store.GetInstance(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingCompleted, inst.Processing)
	assert.Equal(t, model.InstanceActive, inst.State)

	_, err = f.collector.Submit(f.ctx, id, f.yes(), Submitter{})
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	sets, err := f.store.FindResponseSets(f.ctx, []int64{id})
	require.NoError(t, err)
	assert.Len(t, sets, 1)
}

func TestEnrollTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	f.enroll(77)
	_, err := f.collector.Enroll(f.ctx, 50, 77)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	_, err = f.collector.Enroll(f.ctx, 0, 77)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

// A close racing a submission must leave exactly one of two outcomes: the
// submission landed before the close, or it was rejected and nothing stored.
func TestSubmitRacingClose(t *testing.T) {
	f := newFixture(t)
	id := f.instance(model.KindSurvey, model.InstanceActive, model.ProcessingNone)
	f.enroll(77)

	var (
		wg        sync.WaitGroup
		submitErr error
		closeErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, submitErr = f.collector.Submit(f.ctx, id, f.yes(), Submitter{UserID: 77})
	}()
	go func() {
		defer wg.Done()
		closeErr = f.store.WithTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
			inst, err := tx.GetInstance(ctx, id)
			if err != nil {
				return err
			}
			if err := inst.Close(baseTime); err != nil {
				return err
			}
			return tx.SaveInstance(ctx, inst)
		})
	}()
	wg.Wait()
	require.NoError(t, closeErr)

	sets, err := f.store.FindResponseSets(f.ctx, []int64{id})
	require.NoError(t, err)
	if submitErr != nil {
		assert.ErrorIs(t, submitErr, apperr.ErrInvalidState)
		assert.Empty(t, sets)
	} else {
		assert.Len(t, sets, 1)
	}
}
