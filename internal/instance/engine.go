// Package instance is the lifecycle engine for instrument instances: the
// PENDING -> ACTIVE -> CLOSED machine, the survey -> professor report
// cascade and department synthesis creation.
package instance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"unieval/internal/apperr"
	"unieval/internal/model"
	"unieval/internal/store"
	"unieval/internal/template"

	"go.uber.org/zap"
)

const DefaultFollowupWindow = 14 * 24 * time.Hour

type Engine struct {
	store  store.Store
	now    func() time.Time
	logger *zap.Logger
	window time.Duration
}

// InstanceView is a closed instance together with the successor its
// closure created, if any.
type InstanceView struct {
	model.Instance
	Successor    *model.Instance `json:"successor,omitempty"`
	CascadeError string          `json:"cascade_error,omitempty"`
}

type SynthesisView struct {
	Synthesis model.Instance   `json:"synthesis"`
	Members   []model.Instance `json:"members"`
}

type CreateInput struct {
	TemplateID int64         `json:"template_id" validate:"required,gt=0"`
	Context    model.Context `json:"context"`
	OpenAt     *time.Time    `json:"open_at"`
	CloseAt    *time.Time    `json:"close_at"`
}

func NewEngine(s store.Store, now func() time.Time, logger *zap.Logger, window time.Duration) *Engine {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = DefaultFollowupWindow
	}
	return &Engine{store: s, now: now, logger: logger, window: window}
}

func (e *Engine) Get(ctx context.Context, id int64) (*model.Instance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err, "instance", id)
	}
	return inst, nil
}

func (e *Engine) List(ctx context.Context, f store.InstanceFilter) ([]model.Instance, error) {
	items, err := e.store.FindInstances(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return items, nil
}

// CreateInstance is the administrative path. The instance starts ACTIVE
// when its open time has already passed and PENDING otherwise.
func (e *Engine) CreateInstance(ctx context.Context, in CreateInput) (*model.Instance, error) {
	if err := apperr.Check(in); err != nil {
		return nil, err
	}
	now := e.now().UTC()
	openAt := now
	if in.OpenAt != nil {
		openAt = in.OpenAt.UTC()
	}
	if in.CloseAt != nil && !in.CloseAt.After(openAt) {
		return nil, apperr.Validation("close_at must be after open_at")
	}

	var out *model.Instance
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		tpl, err := tx.GetTemplate(ctx, in.TemplateID)
		if err != nil {
			return mapStoreErr(err, "template", in.TemplateID)
		}
		if !tpl.IsPublished() {
			return apperr.InvalidState("template", tpl.ID, string(model.TemplatePublished), string(tpl.State))
		}
		if tpl.Kind == model.KindSynthesisReport {
			return apperr.Validation("synthesis instances are created from completed professor reports")
		}
		if err := in.Context.ValidateFor(tpl.Kind); err != nil {
			return apperr.Validation(fmt.Sprintf("%s: %s", err, tpl.Kind))
		}

		inst := &model.Instance{
			TemplateID: tpl.ID,
			Kind:       tpl.Kind,
			Context:    in.Context,
			State:      model.InstancePending,
			OpenAt:     openAt,
		}
		if in.CloseAt != nil {
			closeAt := in.CloseAt.UTC()
			inst.CloseAt = &closeAt
		}
		if !openAt.After(now) {
			inst.State = model.InstanceActive
		}
		if inst.IsProfessorReport() {
			inst.Processing = model.ProcessingPending
		}
		if err := tx.SaveInstance(ctx, inst); err != nil {
			return fmt.Errorf("save instance: %w", err)
		}
		out = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("instance created",
		zap.Int64("instance_id", out.ID),
		zap.String("kind", string(out.Kind)),
		zap.String("state", string(out.State)),
	)
	return out, nil
}

// OpenDue moves every PENDING instance whose open time is at or before now
// to ACTIVE. Each instance commits on its own; failures are logged and the
// instance is retried on the next run. Returns the ids actually opened.
func (e *Engine) OpenDue(ctx context.Context, now time.Time) ([]int64, error) {
	now = now.UTC()
	due, err := e.store.FindInstances(ctx, store.InstanceFilter{
		States: []model.InstanceState{model.InstancePending},
		OpenBy: &now,
	})
	if err != nil {
		return nil, fmt.Errorf("find instances due to open: %w", err)
	}

	opened := make([]int64, 0, len(due))
	for _, candidate := range due {
		id := candidate.ID
		var changed bool
		err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			inst, err := tx.GetInstance(ctx, id)
			if err != nil {
				return mapStoreErr(err, "instance", id)
			}
			if !inst.DueToOpen(now) {
				return nil
			}
			if err := inst.Open(now); err != nil {
				return err
			}
			if err := tx.SaveInstance(ctx, inst); err != nil {
				return mapSaveErr(err, id)
			}
			changed = true
			return nil
		})
		if err != nil {
			e.logger.Error("open instance failed", zap.Int64("instance_id", id), zap.Error(err))
			continue
		}
		if changed {
			opened = append(opened, id)
		}
	}
	if len(opened) > 0 {
		e.logger.Info("instances opened", zap.Int64s("instance_ids", opened))
	}
	return opened, nil
}

// CloseDue closes every ACTIVE instance whose deadline is at or before now,
// then creates successors with a deadline of now+window. A close commits on
// its own, so an instance whose cascade fails is still CLOSED; its successor
// is created by a later run. The result lists closed ids followed by the ids
// of created successors.
func (e *Engine) CloseDue(ctx context.Context, now time.Time, window time.Duration) ([]int64, error) {
	now = now.UTC()
	if window <= 0 {
		window = e.window
	}
	due, err := e.store.FindInstances(ctx, store.InstanceFilter{
		States:  []model.InstanceState{model.InstanceActive},
		CloseBy: &now,
	})
	if err != nil {
		return nil, fmt.Errorf("find instances due to close: %w", err)
	}

	closed := make([]int64, 0, len(due))
	for _, candidate := range due {
		id := candidate.ID
		var changed bool
		err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			inst, err := tx.GetInstance(ctx, id)
			if err != nil {
				return mapStoreErr(err, "instance", id)
			}
			if !inst.DueToClose(now) {
				return nil
			}
			if err := closeInTx(ctx, tx, inst, now); err != nil {
				return err
			}
			changed = true
			return nil
		})
		if err != nil {
			e.logger.Error("close instance failed",
				zap.Int64("instance_id", id),
				zap.String("kind", string(candidate.Kind)),
				zap.Error(err),
			)
			continue
		}
		if changed {
			closed = append(closed, id)
		}
	}

	created := e.cascadeClosed(ctx, now, now.Add(window))
	if len(closed) > 0 || len(created) > 0 {
		e.logger.Info("instances closed", zap.Int64s("instance_ids", closed), zap.Int64s("successor_ids", created))
	}
	return append(closed, created...), nil
}

// cascadeClosed creates the missing successor of every CLOSED instance whose
// kind has one. Each successor commits on its own; failures stay pending
// until the next run.
func (e *Engine) cascadeClosed(ctx context.Context, now, deadline time.Time) []int64 {
	var kinds []model.Kind
	for _, k := range model.Kinds {
		if _, ok := k.Successor(); ok {
			kinds = append(kinds, k)
		}
	}
	waiting, err := e.store.FindInstances(ctx, store.InstanceFilter{
		Kinds:            kinds,
		States:           []model.InstanceState{model.InstanceClosed},
		WithoutSuccessor: true,
	})
	if err != nil {
		e.logger.Error("find instances awaiting a successor", zap.Error(err))
		return nil
	}

	created := make([]int64, 0, len(waiting))
	for _, inst := range waiting {
		successor, err := e.cascade(ctx, inst.ID, now, deadline)
		if err != nil {
			e.logger.Warn("cascade failed, retrying next run",
				zap.Int64("instance_id", inst.ID),
				zap.String("kind", string(inst.Kind)),
				zap.Error(err),
			)
			continue
		}
		if successor != nil {
			created = append(created, successor.ID)
		}
	}
	return created
}

// CloseInstance closes one ACTIVE instance on demand. followupDeadline
// overrides the configured window for the cascaded successor. A failed
// cascade does not undo the close; it is reported in CascadeError and
// retried by CloseDue.
func (e *Engine) CloseInstance(ctx context.Context, id int64, followupDeadline *time.Time) (*InstanceView, error) {
	now := e.now().UTC()
	deadline := now.Add(e.window)
	if followupDeadline != nil {
		if !followupDeadline.After(now) {
			return nil, apperr.Validation("follow-up deadline must be in the future")
		}
		deadline = followupDeadline.UTC()
	}

	var view *InstanceView
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		inst, err := tx.GetInstance(ctx, id)
		if err != nil {
			return mapStoreErr(err, "instance", id)
		}
		if inst.State != model.InstanceActive {
			return apperr.InvalidState("instance", id, string(model.InstanceActive), string(inst.State))
		}
		if err := closeInTx(ctx, tx, inst, now); err != nil {
			return err
		}
		view = &InstanceView{Instance: *inst}
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{zap.Int64("instance_id", view.ID)}
	if _, ok := view.Kind.Successor(); ok {
		successor, err := e.cascade(ctx, view.ID, now, deadline)
		if err != nil {
			view.CascadeError = err.Error()
			fields = append(fields, zap.NamedError("cascade_error", err))
		} else if successor != nil {
			view.Successor = successor
			fields = append(fields, zap.Int64("successor_id", successor.ID))
		}
	}
	e.logger.Info("instance closed manually", fields...)
	return view, nil
}

func closeInTx(ctx context.Context, tx store.Tx, inst *model.Instance, now time.Time) error {
	if err := inst.Close(now); err != nil {
		return apperr.InvalidState("instance", inst.ID, string(model.InstanceActive), string(inst.State))
	}
	return mapSaveErr(tx.SaveInstance(ctx, inst), inst.ID)
}

// cascade creates the successor of a closed instance in its own
// transaction, bound to the same course offering and its professor. It
// returns nil without error when the instance has no successor kind or
// already has a successor.
func (e *Engine) cascade(ctx context.Context, closedID int64, now, deadline time.Time) (*model.Instance, error) {
	var successor *model.Instance
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		closed, err := tx.GetInstance(ctx, closedID)
		if err != nil {
			return mapStoreErr(err, "instance", closedID)
		}
		kind, ok := closed.Kind.Successor()
		if !ok || closed.State != model.InstanceClosed {
			return nil
		}
		if closed.Context.ProfessorID <= 0 {
			return apperr.NotFoundf("professor", "no professor linked to course offering %d of instance %d",
				closed.Context.CourseOfferingID, closed.ID)
		}
		tpl, err := template.LatestPublished(ctx, tx, kind)
		if err != nil {
			return err
		}

		next := &model.Instance{
			TemplateID:    tpl.ID,
			Kind:          kind,
			Context:       closed.Context,
			State:         model.InstanceActive,
			OpenAt:        now,
			CloseAt:       &deadline,
			PredecessorID: closed.ID,
		}
		if next.IsProfessorReport() {
			next.Processing = model.ProcessingPending
		}
		if err := tx.SaveInstance(ctx, next); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// another run created it first
				return nil
			}
			return fmt.Errorf("save successor of %d: %w", closed.ID, err)
		}
		successor = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return successor, nil
}

func mapStoreErr(err error, entity string, id int64) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(entity, id)
	}
	return fmt.Errorf("load %s %d: %w", entity, id, err)
}

func mapSaveErr(err error, id int64) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrStaleWrite) {
		return apperr.StaleState("instance", id, err)
	}
	return fmt.Errorf("save instance %d: %w", id, err)
}
