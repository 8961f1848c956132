package template

import (
	"io"
	"strings"
	"time"

	"unieval/internal/apperr"
	"unieval/internal/model"

	"gopkg.in/yaml.v3"
)

// Definition is the YAML shape of an importable template:
//
//	kind: SURVEY
//	title: Course evaluation 2026
//	publish: true
//	sections:
//	  - title: Teaching
//	    questions:
//	      - prompt: Was the course well organised?
//	        options: [Yes, No]
//	      - prompt: Comments
//	        kind: TEXT
type Definition struct {
	Kind        string              `yaml:"kind"`
	Title       string              `yaml:"title"`
	Description string              `yaml:"description"`
	Publish     bool                `yaml:"publish"`
	Sections    []SectionDefinition `yaml:"sections"`
}

type SectionDefinition struct {
	Title     string               `yaml:"title"`
	Questions []QuestionDefinition `yaml:"questions"`
}

// QuestionDefinition defaults Kind to CHOICE when options are listed and to
// TEXT otherwise.
type QuestionDefinition struct {
	Kind    string   `yaml:"kind"`
	Prompt  string   `yaml:"prompt"`
	Options []string `yaml:"options"`
}

func DecodeDefinition(r io.Reader) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, &apperr.Error{Kind: apperr.KindValidation, Msg: "invalid template definition", Err: err}
	}
	return &def, nil
}

// Template converts the definition into a draft with unassigned ids.
func (d *Definition) Template(now time.Time) (*model.Template, error) {
	kind, ok := model.ParseKind(d.Kind)
	if !ok {
		return nil, apperr.Validation("definition: " + model.ErrUnknownKind.Error() + " " + d.Kind)
	}
	title := strings.TrimSpace(d.Title)
	if title == "" {
		return nil, apperr.Validation("definition: " + model.ErrTemplateNoTitle.Error())
	}

	tpl := &model.Template{
		Title:       title,
		Description: strings.TrimSpace(d.Description),
		Kind:        kind,
		State:       model.TemplateDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i, sd := range d.Sections {
		if strings.TrimSpace(sd.Title) == "" {
			return nil, apperr.Validation("definition: " + model.ErrSectionNoTitle.Error())
		}
		sec := model.Section{Title: strings.TrimSpace(sd.Title), Position: i + 1, Questions: []model.Question{}}
		for j, qd := range sd.Questions {
			kind := model.QuestionKind(strings.ToUpper(strings.TrimSpace(qd.Kind)))
			if kind == "" {
				kind = model.QuestionText
				if len(qd.Options) > 0 {
					kind = model.QuestionChoice
				}
			}
			q, err := buildQuestion(QuestionInput{Kind: kind, Prompt: qd.Prompt, Options: qd.Options})
			if err != nil {
				return nil, err
			}
			q.Position = j + 1
			sec.Questions = append(sec.Questions, q)
		}
		tpl.Sections = append(tpl.Sections, sec)
	}
	return tpl, nil
}
