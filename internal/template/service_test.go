package template

import (
	"context"
	"errors"
	"strings"
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

func newTestService(t *testing.T) *Service {
	t.Helper()
	clock := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	return NewService(memstore.New(), func() time.Time { return clock }, zaptest.NewLogger(t))
}

func TestCreateUsesKindBlueprint(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	tests := []struct {
		kind    model.Kind
		section string
	}{
		{model.KindSurvey, "Course evaluation"},
		{model.KindProfessorReport, "Teaching activity"},
		{model.KindSynthesisReport, "Department summary"},
	}
	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			tpl, err := svc.Create(ctx, CreateInput{Kind: tc.kind, Title: "  Spring  "})
			require.NoError(t, err)
			assert.Equal(t, "Spring", tpl.Title)
			assert.Equal(t, model.TemplateDraft, tpl.State)
			require.Len(t, tpl.Sections, 1)
			assert.Equal(t, tc.section, tpl.Sections[0].Title)
			assert.NotZero(t, tpl.Sections[0].ID)
		})
	}

	_, err := svc.Create(ctx, CreateInput{Kind: "QUIZ", Title: "x"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.Create(ctx, CreateInput{Kind: model.KindSurvey, Title: " "})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestPublishFreezesStructure(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	tpl, err := svc.Create(ctx, CreateInput{Kind: model.KindSurvey, Title: "Survey"})
	require.NoError(t, err)

	_, err = svc.Publish(ctx, tpl.ID)
	assert.ErrorIs(t, err, apperr.ErrValidation, "no questions yet")

	sectionID := tpl.Sections[0].ID
	q, err := svc.AddQuestion(ctx, tpl.ID, sectionID, QuestionInput{Kind: model.QuestionChoice, Prompt: "Useful?", Options: []string{"Yes", "No"}})
	require.NoError(t, err)
	assert.NotZero(t, q.ID)
	assert.NotZero(t, q.Options[0].ID)

	_, err = svc.AddSection(ctx, tpl.ID, "Empty one")
	require.NoError(t, err)

	published, err := svc.Publish(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TemplatePublished, published.State)
	require.NotNil(t, published.PublishedAt)
	assert.Len(t, published.Sections, 1, "empty sections are dropped on publish")

	_, err = svc.AddSection(ctx, tpl.ID, "Late")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	_, err = svc.AddQuestion(ctx, tpl.ID, sectionID, QuestionInput{Kind: model.QuestionText, Prompt: "Late"})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.ErrorIs(t, svc.Delete(ctx, tpl.ID), apperr.ErrInvalidState)

	updated, err := svc.UpdateMetadata(ctx, tpl.ID, MetadataInput{Title: "Survey 2026", Description: "Spring term"})
	require.NoError(t, err)
	assert.Equal(t, "Survey 2026", updated.Title)
	assert.Equal(t, published.Sections, updated.Sections)
}

func TestAddQuestionRejectsMalformed(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	tpl, err := svc.Create(ctx, CreateInput{Kind: model.KindSurvey, Title: "Survey"})
	require.NoError(t, err)
	sectionID := tpl.Sections[0].ID

	_, err = svc.AddQuestion(ctx, tpl.ID, sectionID, QuestionInput{Kind: model.QuestionChoice, Prompt: "One", Options: []string{"Only"}})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.AddQuestion(ctx, tpl.ID, sectionID, QuestionInput{Kind: model.QuestionText, Prompt: "Text", Options: []string{"a", "b"}})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.AddQuestion(ctx, tpl.ID, 9999, QuestionInput{Kind: model.QuestionText, Prompt: "Where"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = svc.AddQuestion(ctx, 9999, sectionID, QuestionInput{Kind: model.QuestionText, Prompt: "Where"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeleteDraft(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	tpl, err := svc.Create(ctx, CreateInput{Kind: model.KindProfessorReport, Title: "Report"})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, tpl.ID))

	_, err = svc.Get(ctx, tpl.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLatestPublished(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	clock := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	svc := NewService(s, func() time.Time { return clock }, nil)

	_, err := svc.LatestPublished(ctx, model.KindSurvey)
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	var ids []int64
	for i := 0; i < 2; i++ {
		tpl, err := svc.Import(ctx, strings.NewReader(`
kind: survey
title: Survey
publish: true
sections:
  - title: General
    questions:
      - prompt: Comments
`))
		require.NoError(t, err)
		ids = append(ids, tpl.ID)
		clock = clock.Add(time.Hour)
	}

	latest, err := svc.LatestPublished(ctx, model.KindSurvey)
	require.NoError(t, err)
	assert.Equal(t, ids[1], latest.ID)

	items, err := svc.List(ctx, store.TemplateFilter{Kind: model.KindSurvey})
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestImportDefinition(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	tpl, err := svc.Import(ctx, strings.NewReader(`
kind: PROFESSOR_REPORT
title: Activity report
sections:
  - title: Teaching
    questions:
      - prompt: Did you cover the syllabus?
        options: ["Yes", "Partly", "No"]
      - prompt: Notes
`))
	require.NoError(t, err)
	assert.Equal(t, model.TemplateDraft, tpl.State)
	require.Len(t, tpl.Sections, 1)
	qs := tpl.Sections[0].Questions
	require.Len(t, qs, 2)
	assert.Equal(t, model.QuestionChoice, qs[0].Kind)
	assert.Len(t, qs[0].Options, 3)
	assert.Equal(t, model.QuestionText, qs[1].Kind)

	_, err = svc.Import(ctx, strings.NewReader("kind: SURVEY\ntitle: x\nunknown_field: 1\n"))
	assert.True(t, errors.Is(err, apperr.ErrValidation), "unknown fields are rejected: %v", err)

	_, err = svc.Import(ctx, strings.NewReader(`
kind: SURVEY
title: Bad
sections:
  - title: S
    questions:
      - prompt: Pick
        options: ["Only"]
`))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestImportThatFailsToPublishStoresNothing(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	svc := NewService(s, nil, zaptest.NewLogger(t))

	tpl, err := svc.Import(ctx, strings.NewReader(`
kind: SURVEY
title: Empty survey
publish: true
sections:
  - title: Nothing here
`))
	assert.Nil(t, tpl)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	items, err := s.FindTemplates(ctx, store.TemplateFilter{})
	require.NoError(t, err)
	assert.Empty(t, items, "no draft is left behind")
}
