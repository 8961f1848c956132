// Package response accepts answer batches for open instances and stores
// each batch atomically as one anonymous response set.
package response

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"unieval/internal/apperr"
	"unieval/internal/model"
	"unieval/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AnswerInput is one raw answer. Exactly one of OptionID and Text must be
// set, matching the question's kind.
type AnswerInput struct {
	QuestionID int64   `json:"question_id"`
	OptionID   *int64  `json:"option_id,omitempty"`
	Text       *string `json:"text,omitempty"`
}

// Submitter identifies who is answering. It is used for the enrollment
// check on surveys and never stored with the answers.
type Submitter struct {
	UserID int64 `json:"user_id"`
}

type Ack struct {
	ResponseSetID int64     `json:"response_set_id"`
	InstanceID    int64     `json:"instance_id"`
	Receipt       string    `json:"receipt"`
	SubmittedAt   time.Time `json:"submitted_at"`
	Answers       int       `json:"answers"`
}

type Collector struct {
	store  store.Store
	now    func() time.Time
	logger *zap.Logger
}

func NewCollector(s store.Store, now func() time.Time, logger *zap.Logger) *Collector {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{store: s, now: now, logger: logger}
}

// Submit validates answers against the instance's template and persists
// them as one response set. Professor reports move PENDING -> COMPLETED and
// survey enrollments are flagged as responded in the same transaction.
func (c *Collector) Submit(ctx context.Context, instanceID int64, answers []AnswerInput, submitter Submitter) (*Ack, error) {
	var ack *Ack
	err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := c.now().UTC()

		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound("instance", instanceID)
			}
			return fmt.Errorf("load instance %d: %w", instanceID, err)
		}
		if inst.State != model.InstanceActive {
			return apperr.InvalidState("instance", inst.ID, string(model.InstanceActive), string(inst.State))
		}
		if inst.CloseAt != nil && !now.Before(*inst.CloseAt) {
			// deadline passed, the next CloseDue run records the close
			return apperr.InvalidState("instance", inst.ID, string(model.InstanceActive), string(model.InstanceClosed))
		}
		if inst.IsProfessorReport() && inst.Processing != model.ProcessingPending {
			return apperr.InvalidState("professor report", inst.ID, string(model.ProcessingPending), string(inst.Processing))
		}

		tpl, err := tx.GetTemplate(ctx, inst.TemplateID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound("template", inst.TemplateID)
			}
			return fmt.Errorf("load template %d: %w", inst.TemplateID, err)
		}
		responses, err := buildResponses(tpl, answers)
		if err != nil {
			return err
		}

		if inst.Kind == model.KindSurvey {
			if err := markResponded(ctx, tx, inst, submitter, now); err != nil {
				return err
			}
		}

		set := &model.ResponseSet{
			Receipt:     uuid.NewString(),
			InstanceID:  inst.ID,
			SubmittedAt: now,
			Responses:   responses,
		}
		if err := tx.SaveResponseSet(ctx, set); err != nil {
			return fmt.Errorf("save response set: %w", err)
		}

		if inst.IsProfessorReport() {
			if err := inst.Complete(now); err != nil {
				return apperr.InvalidState("professor report", inst.ID, string(model.ProcessingPending), string(inst.Processing))
			}
			if err := tx.SaveInstance(ctx, inst); err != nil {
				if errors.Is(err, store.ErrStaleWrite) {
					return apperr.StaleState("instance", inst.ID, err)
				}
				return fmt.Errorf("complete professor report: %w", err)
			}
		}

		ack = &Ack{
			ResponseSetID: set.ID,
			InstanceID:    inst.ID,
			Receipt:       set.Receipt,
			SubmittedAt:   set.SubmittedAt,
			Answers:       len(set.Responses),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("response set stored",
		zap.Int64("instance_id", ack.InstanceID),
		zap.Int64("response_set_id", ack.ResponseSetID),
		zap.Int("answers", ack.Answers),
	)
	return ack, nil
}

// markResponded enforces one submission per enrolled student. The flag
// lives on the enrollment, so the response set stays anonymous.
func markResponded(ctx context.Context, tx store.Tx, inst *model.Instance, submitter Submitter, now time.Time) error {
	if submitter.UserID <= 0 {
		return apperr.Validation("submitter is required for surveys")
	}
	enrollment, err := tx.GetEnrollment(ctx, inst.Context.CourseOfferingID, submitter.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFoundf("enrollment", "student is not enrolled in course offering %d", inst.Context.CourseOfferingID)
		}
		return fmt.Errorf("load enrollment: %w", err)
	}
	if enrollment.Responded {
		return apperr.AlreadySubmitted("enrollment", enrollment.ID)
	}
	enrollment.Responded = true
	enrollment.RespondedAt = &now
	if err := tx.SaveEnrollment(ctx, enrollment); err != nil {
		return fmt.Errorf("flag enrollment: %w", err)
	}
	return nil
}

// buildResponses checks every answer against the template and collects the
// offending question ids into one validation error.
func buildResponses(tpl *model.Template, answers []AnswerInput) ([]model.Response, error) {
	if len(answers) == 0 {
		return nil, apperr.Validation("at least one answer is required")
	}

	var (
		bad  []int64
		out  = make([]model.Response, 0, len(answers))
		seen = make(map[int64]struct{}, len(answers))
	)
	for _, a := range answers {
		if _, dup := seen[a.QuestionID]; dup {
			bad = append(bad, a.QuestionID)
			continue
		}
		seen[a.QuestionID] = struct{}{}

		r, ok := buildResponse(tpl, a)
		if !ok {
			bad = append(bad, a.QuestionID)
			continue
		}
		out = append(out, r)
	}
	if len(bad) > 0 {
		return nil, apperr.Validation("answers rejected", bad...)
	}
	return out, nil
}

func buildResponse(tpl *model.Template, a AnswerInput) (model.Response, bool) {
	q, ok := tpl.Question(a.QuestionID)
	if !ok {
		return model.Response{}, false
	}
	if (a.OptionID == nil) == (a.Text == nil) {
		return model.Response{}, false
	}

	var (
		r   model.Response
		err error
	)
	switch q.Kind {
	case model.QuestionChoice:
		if a.OptionID == nil {
			return model.Response{}, false
		}
		if _, owned := q.Option(*a.OptionID); !owned {
			return model.Response{}, false
		}
		r, err = model.NewChoiceResponse(q.ID, *a.OptionID)
	case model.QuestionText:
		if a.Text == nil || strings.TrimSpace(*a.Text) == "" {
			return model.Response{}, false
		}
		r, err = model.NewTextResponse(q.ID, *a.Text)
	default:
		return model.Response{}, false
	}
	return r, err == nil
}

// Enroll registers a student in a course offering so they can answer its
// surveys. Enrollments normally arrive from the registrar feed.
func (c *Collector) Enroll(ctx context.Context, courseOfferingID, studentID int64) (*model.Enrollment, error) {
	if courseOfferingID <= 0 || studentID <= 0 {
		return nil, apperr.Validation("course offering and student are required")
	}
	e := &model.Enrollment{CourseOfferingID: courseOfferingID, StudentID: studentID}
	err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SaveEnrollment(ctx, e)
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, apperr.InvalidState("enrollment", 0, "absent", "already enrolled")
	}
	if err != nil {
		return nil, fmt.Errorf("enroll student: %w", err)
	}
	return e, nil
}
