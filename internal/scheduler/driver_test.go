package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"unieval/internal/instance"
	"unieval/internal/model"
	"unieval/internal/store"
	"unieval/internal/store/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeLifecycle struct {
	openFn    func(ctx context.Context, now time.Time) ([]int64, error)
	closeFn   func(ctx context.Context, now time.Time, window time.Duration) ([]int64, error)
	processFn func(ctx context.Context) ([]int64, error)
}

func (f *fakeLifecycle) OpenDue(ctx context.Context, now time.Time) ([]int64, error) {
	if f.openFn == nil {
		return nil, nil
	}
	return f.openFn(ctx, now)
}

func (f *fakeLifecycle) CloseDue(ctx context.Context, now time.Time, window time.Duration) ([]int64, error) {
	if f.closeFn == nil {
		return nil, nil
	}
	return f.closeFn(ctx, now, window)
}

func (f *fakeLifecycle) ProcessSynthesisRequests(ctx context.Context) ([]int64, error) {
	if f.processFn == nil {
		return nil, nil
	}
	return f.processFn(ctx)
}

type recorder struct {
	mu   sync.Mutex
	runs []Report
}

func (r *recorder) ObserveRun(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, rep)
}

var baseTime = time.Date(2026, 6, 30, 18, 0, 0, 0, time.UTC)

func TestRunOnceCallsStepsInOrder(t *testing.T) {
	var order []string
	var gotWindow time.Duration
	var gotNow time.Time
	engine := &fakeLifecycle{
		openFn: func(ctx context.Context, now time.Time) ([]int64, error) {
			order = append(order, "open")
			gotNow = now
			return []int64{1}, nil
		},
		closeFn: func(ctx context.Context, now time.Time, window time.Duration) ([]int64, error) {
			order = append(order, "close")
			gotWindow = window
			return []int64{2, 3}, nil
		},
		processFn: func(ctx context.Context) ([]int64, error) {
			order = append(order, "synthesis")
			return []int64{4}, nil
		},
	}
	rec := &recorder{}
	d := NewDriver(engine, Config{FollowupWindow: 48 * time.Hour}, func() time.Time { return baseTime }, zaptest.NewLogger(t), rec)

	rep := d.RunOnce(context.Background())
	assert.Equal(t, []string{"open", "close", "synthesis"}, order)
	assert.Equal(t, []int64{1}, rep.Opened)
	assert.Equal(t, []int64{2, 3}, rep.Closed)
	assert.Equal(t, []int64{4}, rep.Syntheses)
	assert.False(t, rep.Failed())
	assert.Equal(t, 48*time.Hour, gotWindow)
	assert.True(t, baseTime.Equal(gotNow))
	require.Len(t, rec.runs, 1)
}

func TestRunOnceContainsFailures(t *testing.T) {
	engine := &fakeLifecycle{
		openFn: func(ctx context.Context, now time.Time) ([]int64, error) {
			panic("store exploded")
		},
		closeFn: func(ctx context.Context, now time.Time, window time.Duration) ([]int64, error) {
			return nil, errors.New("db down")
		},
		processFn: func(ctx context.Context) ([]int64, error) {
			return []int64{9}, nil
		},
	}
	d := NewDriver(engine, Config{}, func() time.Time { return baseTime }, zaptest.NewLogger(t), nil)

	var rep Report
	require.NotPanics(t, func() { rep = d.RunOnce(context.Background()) })
	assert.True(t, rep.Failed())
	assert.Len(t, rep.Errors, 2)
	assert.Empty(t, rep.Opened)
	assert.Empty(t, rep.Closed)
	assert.Equal(t, []int64{9}, rep.Syntheses, "later steps still run")
}

func TestRunStopsOnCancel(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	engine := &fakeLifecycle{
		processFn: func(ctx context.Context) ([]int64, error) {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("each run should carry a deadline")
			}
			if runs.Add(1) == 3 {
				cancel()
			}
			return nil, nil
		},
	}
	d := NewDriver(engine, Config{Interval: time.Millisecond, RunTimeout: time.Second}, nil, zaptest.NewLogger(t), nil)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, int32(3), runs.Load())
}

func TestRunOnceAgainstEngine(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	now := baseTime
	clock := func() time.Time { return now }
	engine := instance.NewEngine(s, clock, zaptest.NewLogger(t), instance.DefaultFollowupWindow)

	var survey, report model.Template
	for _, tpl := range []*model.Template{&survey, &report} {
		q, err := model.NewChoiceQuestion("Overall?", "Good", "Bad")
		require.NoError(t, err)
		*tpl = model.Template{Title: "t", State: model.TemplatePublished, PublishedAt: &now, Sections: []model.Section{{Title: "s", Questions: []model.Question{q}}}}
	}
	survey.Kind = model.KindSurvey
	report.Kind = model.KindProfessorReport

	closeAt := now.Add(-time.Second)
	pending := &model.Instance{Kind: model.KindSurvey, State: model.InstancePending, OpenAt: now.Add(-time.Minute)}
	due := &model.Instance{Kind: model.KindSurvey, State: model.InstanceActive, OpenAt: now.Add(-time.Hour), CloseAt: &closeAt,
		Context: model.Context{DepartmentID: 1, CourseOfferingID: 2, ProfessorID: 3}}
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.SaveTemplate(ctx, &survey); err != nil {
			return err
		}
		if err := tx.SaveTemplate(ctx, &report); err != nil {
			return err
		}
		pending.TemplateID, due.TemplateID = survey.ID, survey.ID
		if err := tx.SaveInstance(ctx, pending); err != nil {
			return err
		}
		return tx.SaveInstance(ctx, due)
	}))

	d := NewDriver(engine, Config{FollowupWindow: 14 * 24 * time.Hour}, clock, zaptest.NewLogger(t), nil)
	rep := d.RunOnce(ctx)
	assert.False(t, rep.Failed(), rep.Errors)
	assert.Equal(t, []int64{pending.ID}, rep.Opened)
	require.Len(t, rep.Closed, 2)
	assert.Equal(t, due.ID, rep.Closed[0])

	again := d.RunOnce(ctx)
	assert.Empty(t, again.Opened)
	assert.Empty(t, again.Closed)
}
