package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindSurvey          Kind = "SURVEY"
	KindProfessorReport Kind = "PROFESSOR_REPORT"
	KindSynthesisReport Kind = "SYNTHESIS_REPORT"
)

var Kinds = []Kind{KindSurvey, KindProfessorReport, KindSynthesisReport}

func ParseKind(v string) (Kind, bool) {
	k := Kind(strings.ToUpper(strings.TrimSpace(v)))
	for _, known := range Kinds {
		if k == known {
			return k, true
		}
	}
	return "", false
}

// Successor is the kind whose instance is created when an instance of k
// closes. Synthesis reports are created on demand, never by cascade.
func (k Kind) Successor() (Kind, bool) {
	switch k {
	case KindSurvey:
		return KindProfessorReport, true
	default:
		return "", false
	}
}

type TemplateState string

const (
	TemplateDraft     TemplateState = "DRAFT"
	TemplatePublished TemplateState = "PUBLISHED"
)

type QuestionKind string

const (
	QuestionChoice QuestionKind = "CHOICE"
	QuestionText   QuestionKind = "TEXT"
)

var (
	ErrTooFewOptions   = errors.New("choice question needs at least 2 options")
	ErrEmptyOption     = errors.New("option text must not be empty")
	ErrDuplicateOption = errors.New("option text must be unique within a question")
	ErrTextWithOptions = errors.New("text question must not carry options")
	ErrEmptyPrompt     = errors.New("question prompt must not be empty")
	ErrUnknownQuestion = errors.New("unknown question kind")
	ErrTemplateNoTitle = errors.New("template title must not be empty")
	ErrTemplateNoBody  = errors.New("template needs at least one section with one question")
	ErrUnknownKind     = errors.New("unknown instrument kind")
	ErrSectionNoTitle  = errors.New("section title must not be empty")
)

type Option struct {
	ID       int64  `json:"id"`
	Text     string `json:"text"`
	Position int    `json:"position"`
}

// Question is a tagged union over Kind: CHOICE questions own Options,
// TEXT questions never do. Use NewChoiceQuestion / NewTextQuestion.
type Question struct {
	ID       int64        `json:"id"`
	Kind     QuestionKind `json:"kind"`
	Prompt   string       `json:"prompt"`
	Position int          `json:"position"`
	Options  []Option     `json:"options,omitempty"`
}

func NewChoiceQuestion(prompt string, options ...string) (Question, error) {
	q := Question{Kind: QuestionChoice, Prompt: strings.TrimSpace(prompt)}
	for i, text := range options {
		q.Options = append(q.Options, Option{Text: strings.TrimSpace(text), Position: i + 1})
	}
	if err := q.Validate(); err != nil {
		return Question{}, err
	}
	return q, nil
}

func NewTextQuestion(prompt string) (Question, error) {
	q := Question{Kind: QuestionText, Prompt: strings.TrimSpace(prompt)}
	if err := q.Validate(); err != nil {
		return Question{}, err
	}
	return q, nil
}

func (q Question) Validate() error {
	if strings.TrimSpace(q.Prompt) == "" {
		return ErrEmptyPrompt
	}
	switch q.Kind {
	case QuestionText:
		if len(q.Options) > 0 {
			return ErrTextWithOptions
		}
		return nil
	case QuestionChoice:
		if len(q.Options) < 2 {
			return ErrTooFewOptions
		}
		seen := make(map[string]struct{}, len(q.Options))
		for _, o := range q.Options {
			if strings.TrimSpace(o.Text) == "" {
				return ErrEmptyOption
			}
			if _, dup := seen[o.Text]; dup {
				return fmt.Errorf("%w: %q", ErrDuplicateOption, o.Text)
			}
			seen[o.Text] = struct{}{}
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownQuestion, q.Kind)
	}
}

func (q Question) Option(id int64) (Option, bool) {
	for _, o := range q.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

type Section struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	Position  int        `json:"position"`
	Questions []Question `json:"questions"`
}

type Template struct {
	ID          int64         `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Kind        Kind          `json:"kind"`
	State       TemplateState `json:"state"`
	Sections    []Section     `json:"sections"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	PublishedAt *time.Time    `json:"published_at,omitempty"`
}

func (t *Template) IsPublished() bool { return t.State == TemplatePublished }

// Question finds a question anywhere in the template.
func (t *Template) Question(id int64) (Question, bool) {
	for _, s := range t.Sections {
		for _, q := range s.Questions {
			if q.ID == id {
				return q, true
			}
		}
	}
	return Question{}, false
}

// Section returns a pointer into t.Sections so callers can append questions.
func (t *Template) Section(id int64) (*Section, bool) {
	for i := range t.Sections {
		if t.Sections[i].ID == id {
			return &t.Sections[i], true
		}
	}
	return nil, false
}

func (t *Template) QuestionCount() int {
	n := 0
	for _, s := range t.Sections {
		n += len(s.Questions)
	}
	return n
}

// ValidateForPublish checks the structure a published template must have.
func (t *Template) ValidateForPublish() error {
	if strings.TrimSpace(t.Title) == "" {
		return ErrTemplateNoTitle
	}
	if t.QuestionCount() == 0 {
		return ErrTemplateNoBody
	}
	for _, s := range t.Sections {
		for _, q := range s.Questions {
			if err := q.Validate(); err != nil {
				return fmt.Errorf("section %q: %w", s.Title, err)
			}
		}
	}
	return nil
}

// Clone deep-copies the section tree so stores can hand out values that
// callers are free to mutate.
func (t Template) Clone() Template {
	out := t
	if t.PublishedAt != nil {
		p := *t.PublishedAt
		out.PublishedAt = &p
	}
	out.Sections = make([]Section, len(t.Sections))
	for i, s := range t.Sections {
		cs := s
		cs.Questions = make([]Question, len(s.Questions))
		for j, q := range s.Questions {
			cq := q
			if q.Options != nil {
				cq.Options = append([]Option(nil), q.Options...)
			}
			cs.Questions[j] = cq
		}
		out.Sections[i] = cs
	}
	return out
}
