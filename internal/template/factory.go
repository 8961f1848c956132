package template

import (
	"time"

	"unieval/internal/model"
)

type blueprint func(in CreateInput, now time.Time) *model.Template

// blueprints shapes a fresh draft per instrument kind. Every kind opens
// with one empty section named for what the instrument collects.
var blueprints = map[model.Kind]blueprint{
	model.KindSurvey: func(in CreateInput, now time.Time) *model.Template {
		return draft(in, now, "Course evaluation")
	},
	model.KindProfessorReport: func(in CreateInput, now time.Time) *model.Template {
		return draft(in, now, "Teaching activity")
	},
	model.KindSynthesisReport: func(in CreateInput, now time.Time) *model.Template {
		return draft(in, now, "Department summary")
	},
}

func draft(in CreateInput, now time.Time, firstSection string) *model.Template {
	return &model.Template{
		Title:       in.Title,
		Description: in.Description,
		Kind:        in.Kind,
		State:       model.TemplateDraft,
		Sections:    []model.Section{{Title: firstSection, Position: 1, Questions: []model.Question{}}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// newDraft returns the kind-shaped draft, or false for an unknown kind.
func newDraft(in CreateInput, now time.Time) (*model.Template, bool) {
	build, ok := blueprints[in.Kind]
	if !ok {
		return nil, false
	}
	return build(in, now), true
}
