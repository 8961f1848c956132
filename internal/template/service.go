package template

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"unieval/internal/apperr"
	"unieval/internal/model"
	"unieval/internal/store"

	"go.uber.org/zap"
)

type Service struct {
	store  store.Store
	now    func() time.Time
	logger *zap.Logger
}

type CreateInput struct {
	Kind        model.Kind `json:"kind" validate:"required,oneof=SURVEY PROFESSOR_REPORT SYNTHESIS_REPORT"`
	Title       string     `json:"title" validate:"notblank,max=200"`
	Description string     `json:"description" validate:"max=2000"`
}

type MetadataInput struct {
	Title       string `json:"title" validate:"notblank,max=200"`
	Description string `json:"description" validate:"max=2000"`
}

type QuestionInput struct {
	Kind    model.QuestionKind `json:"kind" validate:"required,oneof=CHOICE TEXT"`
	Prompt  string             `json:"prompt" validate:"notblank,max=1000"`
	Options []string           `json:"options" validate:"dive,max=300"`
}

func NewService(s store.Store, now func() time.Time, logger *zap.Logger) *Service {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: s, now: now, logger: logger}
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Template, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	if err := apperr.Check(in); err != nil {
		return nil, err
	}
	tpl, ok := newDraft(in, s.now().UTC())
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("%s: %q", model.ErrUnknownKind, in.Kind))
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SaveTemplate(ctx, tpl)
	})
	if err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	s.logger.Info("template created", zap.Int64("template_id", tpl.ID), zap.String("kind", string(tpl.Kind)))
	return tpl, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*model.Template, error) {
	tpl, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err, id)
	}
	return tpl, nil
}

func (s *Service) List(ctx context.Context, f store.TemplateFilter) ([]model.Template, error) {
	items, err := s.store.FindTemplates(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return items, nil
}

// LatestPublished returns the most recently published template of kind.
// A missing one is a configuration problem, not a caller mistake.
func (s *Service) LatestPublished(ctx context.Context, kind model.Kind) (*model.Template, error) {
	return LatestPublished(ctx, s.store, kind)
}

// LatestPublished is shared with the lifecycle engine, which needs the same
// lookup inside its own transactions.
func LatestPublished(ctx context.Context, r store.Reader, kind model.Kind) (*model.Template, error) {
	items, err := r.FindTemplates(ctx, store.TemplateFilter{Kind: kind, State: model.TemplatePublished})
	if err != nil {
		return nil, fmt.Errorf("find published %s template: %w", kind, err)
	}
	if len(items) == 0 {
		return nil, apperr.Configuration("no published %s template", kind)
	}
	latest := items[0]
	for _, t := range items[1:] {
		if publishedAfter(t, latest) {
			latest = t
		}
	}
	return &latest, nil
}

func publishedAfter(a, b model.Template) bool {
	switch {
	case a.PublishedAt == nil:
		return false
	case b.PublishedAt == nil:
		return true
	case a.PublishedAt.Equal(*b.PublishedAt):
		return a.ID > b.ID
	default:
		return a.PublishedAt.After(*b.PublishedAt)
	}
}

// mutate loads a template inside a transaction, applies fn and saves it.
func (s *Service) mutate(ctx context.Context, id int64, fn func(tpl *model.Template) error) (*model.Template, error) {
	var out *model.Template
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		tpl, err := tx.GetTemplate(ctx, id)
		if err != nil {
			return mapStoreErr(err, id)
		}
		if err := fn(tpl); err != nil {
			return err
		}
		if err := tx.SaveTemplate(ctx, tpl); err != nil {
			return err
		}
		out = tpl
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func requireDraft(tpl *model.Template) error {
	if tpl.State != model.TemplateDraft {
		return apperr.InvalidState("template", tpl.ID, string(model.TemplateDraft), string(tpl.State))
	}
	return nil
}

func (s *Service) AddSection(ctx context.Context, templateID int64, title string) (*model.Section, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperr.Validation(model.ErrSectionNoTitle.Error())
	}
	var pos int
	tpl, err := s.mutate(ctx, templateID, func(tpl *model.Template) error {
		if err := requireDraft(tpl); err != nil {
			return err
		}
		pos = len(tpl.Sections) + 1
		tpl.Sections = append(tpl.Sections, model.Section{Title: title, Position: pos, Questions: []model.Question{}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sec := tpl.Sections[pos-1]
	return &sec, nil
}

func (s *Service) AddQuestion(ctx context.Context, templateID, sectionID int64, in QuestionInput) (*model.Question, error) {
	if err := apperr.Check(in); err != nil {
		return nil, err
	}
	q, err := buildQuestion(in)
	if err != nil {
		return nil, err
	}

	var secIdx, qIdx int
	tpl, err := s.mutate(ctx, templateID, func(tpl *model.Template) error {
		if err := requireDraft(tpl); err != nil {
			return err
		}
		for i := range tpl.Sections {
			if tpl.Sections[i].ID == sectionID {
				sec := &tpl.Sections[i]
				q.Position = len(sec.Questions) + 1
				sec.Questions = append(sec.Questions, q)
				secIdx, qIdx = i, len(sec.Questions)-1
				return nil
			}
		}
		return apperr.NotFound("section", sectionID)
	})
	if err != nil {
		return nil, err
	}
	out := tpl.Sections[secIdx].Questions[qIdx]
	return &out, nil
}

func buildQuestion(in QuestionInput) (model.Question, error) {
	var (
		q   model.Question
		err error
	)
	switch in.Kind {
	case model.QuestionChoice:
		q, err = model.NewChoiceQuestion(in.Prompt, in.Options...)
	case model.QuestionText:
		if len(in.Options) > 0 {
			return q, apperr.Validation(model.ErrTextWithOptions.Error())
		}
		q, err = model.NewTextQuestion(in.Prompt)
	default:
		err = model.ErrUnknownQuestion
	}
	if err != nil {
		return q, apperr.Validation(err.Error())
	}
	return q, nil
}

// UpdateMetadata changes title and description. It is the only edit allowed
// on a published template.
func (s *Service) UpdateMetadata(ctx context.Context, id int64, in MetadataInput) (*model.Template, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	if err := apperr.Check(in); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(tpl *model.Template) error {
		tpl.Title = in.Title
		tpl.Description = in.Description
		return nil
	})
}

func (s *Service) Publish(ctx context.Context, id int64) (*model.Template, error) {
	tpl, err := s.mutate(ctx, id, s.publishDraft)
	if err != nil {
		return nil, err
	}
	s.logger.Info("template published", zap.Int64("template_id", tpl.ID), zap.String("kind", string(tpl.Kind)))
	return tpl, nil
}

// publishDraft validates a draft and flips it to PUBLISHED in memory.
// Sections left empty by the blueprint are dropped, not published.
func (s *Service) publishDraft(tpl *model.Template) error {
	if err := requireDraft(tpl); err != nil {
		return err
	}
	kept := tpl.Sections[:0]
	for _, sec := range tpl.Sections {
		if len(sec.Questions) > 0 {
			sec.Position = len(kept) + 1
			kept = append(kept, sec)
		}
	}
	tpl.Sections = kept
	if err := tpl.ValidateForPublish(); err != nil {
		return apperr.Validation(err.Error())
	}
	now := s.now().UTC()
	tpl.State = model.TemplatePublished
	tpl.PublishedAt = &now
	return nil
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		tpl, err := tx.GetTemplate(ctx, id)
		if err != nil {
			return mapStoreErr(err, id)
		}
		if err := requireDraft(tpl); err != nil {
			return err
		}
		if err := tx.DeleteTemplate(ctx, id); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return apperr.InvalidState("template", id, "unused", "referenced by instances")
			}
			return fmt.Errorf("delete template: %w", err)
		}
		return nil
	})
}

// Import creates a draft from a YAML definition and publishes it when the
// definition asks for it.
func (s *Service) Import(ctx context.Context, r io.Reader) (*model.Template, error) {
	def, err := DecodeDefinition(r)
	if err != nil {
		return nil, err
	}
	tpl, err := def.Template(s.now().UTC())
	if err != nil {
		return nil, err
	}

	// A definition that fails to publish stores nothing.
	if def.Publish {
		if err := s.publishDraft(tpl); err != nil {
			return nil, err
		}
	}
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SaveTemplate(ctx, tpl)
	})
	if err != nil {
		return nil, fmt.Errorf("import template: %w", err)
	}
	s.logger.Info("template imported",
		zap.Int64("template_id", tpl.ID),
		zap.String("kind", string(tpl.Kind)),
		zap.String("state", string(tpl.State)),
		zap.Int("questions", tpl.QuestionCount()),
	)
	return tpl, nil
}

func mapStoreErr(err error, id int64) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("template", id)
	}
	return fmt.Errorf("load template %d: %w", id, err)
}
