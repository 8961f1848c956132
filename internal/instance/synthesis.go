package instance

import (
	"context"
	"fmt"
	"time"

	"unieval/internal/apperr"
	"unieval/internal/model"
	"unieval/internal/store"
	"unieval/internal/template"

	"go.uber.org/zap"
)

// CreateSynthesis folds every COMPLETED, not yet summarized professor report
// of the department into one new synthesis instance. The synthesis and all
// member flips commit in a single transaction.
func (e *Engine) CreateSynthesis(ctx context.Context, departmentID int64) (*SynthesisView, error) {
	if departmentID <= 0 {
		return nil, apperr.Validation("department id is required")
	}
	var view *SynthesisView
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		view, err = e.createSynthesisInTx(ctx, tx, departmentID, e.now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("synthesis created",
		zap.Int64("synthesis_id", view.Synthesis.ID),
		zap.Int64("department_id", departmentID),
		zap.Int64s("member_ids", view.Synthesis.MemberIDs),
	)
	return view, nil
}

func (e *Engine) createSynthesisInTx(ctx context.Context, tx store.Tx, departmentID int64, now time.Time) (*SynthesisView, error) {
	members, err := tx.FindInstances(ctx, store.InstanceFilter{
		Kinds:        []model.Kind{model.KindProfessorReport},
		DepartmentID: departmentID,
		Processing:   model.ProcessingCompleted,
		Unsummarized: true,
	})
	if err != nil {
		return nil, fmt.Errorf("find completed reports: %w", err)
	}
	if len(members) == 0 {
		return nil, apperr.NotFoundf("professor report", "no completed professor reports awaiting synthesis in department %d", departmentID)
	}
	tpl, err := template.LatestPublished(ctx, tx, model.KindSynthesisReport)
	if err != nil {
		return nil, err
	}

	memberIDs := make([]int64, 0, len(members))
	for _, m := range members {
		memberIDs = append(memberIDs, m.ID)
	}
	synthesis := &model.Instance{
		TemplateID: tpl.ID,
		Kind:       model.KindSynthesisReport,
		Context:    model.Context{DepartmentID: departmentID},
		State:      model.InstanceActive,
		OpenAt:     now,
		MemberIDs:  memberIDs,
	}
	if err := tx.SaveInstance(ctx, synthesis); err != nil {
		return nil, fmt.Errorf("save synthesis: %w", err)
	}

	for i := range members {
		m := &members[i]
		if err := m.Summarize(synthesis.ID, now); err != nil {
			return nil, apperr.InvalidState("professor report", m.ID, string(model.ProcessingCompleted), string(m.Processing))
		}
		if err := tx.SaveInstance(ctx, m); err != nil {
			return nil, mapSaveErr(err, m.ID)
		}
	}
	return &SynthesisView{Synthesis: *synthesis, Members: members}, nil
}

// RequestSynthesis queues a synthesis for the department. The scheduler
// drains the queue through ProcessSynthesisRequests.
func (e *Engine) RequestSynthesis(ctx context.Context, departmentID int64) (*model.SynthesisRequest, error) {
	if departmentID <= 0 {
		return nil, apperr.Validation("department id is required")
	}
	req := &model.SynthesisRequest{
		DepartmentID: departmentID,
		State:        model.SynthesisRequestPending,
		RequestedAt:  e.now().UTC(),
	}
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SaveSynthesisRequest(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("queue synthesis request: %w", err)
	}
	return req, nil
}

// ProcessSynthesisRequests handles every PENDING request. A request rejected
// with a domain error is marked FAILED with the reason; any other failure
// leaves it PENDING for the next run. Returns the ids of the syntheses
// created.
func (e *Engine) ProcessSynthesisRequests(ctx context.Context) ([]int64, error) {
	pending, err := e.store.FindSynthesisRequests(ctx, model.SynthesisRequestPending, 0)
	if err != nil {
		return nil, fmt.Errorf("find synthesis requests: %w", err)
	}

	created := make([]int64, 0, len(pending))
	for _, req := range pending {
		req := req
		now := e.now().UTC()
		var view *SynthesisView
		err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			if view, err = e.createSynthesisInTx(ctx, tx, req.DepartmentID, now); err != nil {
				return err
			}
			req.State = model.SynthesisRequestDone
			req.SynthesisID = view.Synthesis.ID
			req.ProcessedAt = &now
			return tx.SaveSynthesisRequest(ctx, &req)
		})
		if err == nil {
			created = append(created, view.Synthesis.ID)
			e.logger.Info("synthesis request fulfilled",
				zap.Int64("request_id", req.ID),
				zap.Int64("synthesis_id", view.Synthesis.ID),
			)
			continue
		}

		if apperr.KindOf(err) == 0 {
			e.logger.Error("synthesis request left pending",
				zap.Int64("request_id", req.ID),
				zap.Int64("department_id", req.DepartmentID),
				zap.Error(err),
			)
			continue
		}
		e.logger.Warn("synthesis request failed",
			zap.Int64("request_id", req.ID),
			zap.Int64("department_id", req.DepartmentID),
			zap.Error(err),
		)
		failed := req
		failed.State = model.SynthesisRequestFailed
		failed.SynthesisID = 0
		failed.Failure = err.Error()
		failed.ProcessedAt = &now
		if markErr := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.SaveSynthesisRequest(ctx, &failed)
		}); markErr != nil {
			e.logger.Error("mark synthesis request failed", zap.Int64("request_id", req.ID), zap.Error(markErr))
		}
	}
	return created, nil
}
