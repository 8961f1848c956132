package stats

import (
	"time"

	"unieval/internal/model"
)

// SampleSize is how many recent free-text answers a text question keeps.
const SampleSize = 3

type OptionStat struct {
	OptionID   int64   `json:"option_id"`
	Text       string  `json:"text"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

type TextSample struct {
	Text        string    `json:"text"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// QuestionStat holds Options for CHOICE questions and TextCount/Samples for
// TEXT questions. Total is the number of answers the question received.
type QuestionStat struct {
	QuestionID int64              `json:"question_id"`
	Kind       model.QuestionKind `json:"kind"`
	Prompt     string             `json:"prompt"`
	Position   int                `json:"position"`
	Total      int                `json:"total"`
	Options    []OptionStat       `json:"options,omitempty"`
	TextCount  int                `json:"text_count,omitempty"`
	Samples    []TextSample       `json:"samples,omitempty"`
}

type SectionStat struct {
	SectionID int64          `json:"section_id"`
	Title     string         `json:"title"`
	Position  int            `json:"position"`
	Answers   int            `json:"answers"`
	Questions []QuestionStat `json:"questions"`
}

type View struct {
	TemplateID    int64         `json:"template_id"`
	TemplateTitle string        `json:"template_title"`
	Kind          model.Kind    `json:"kind"`
	InstanceIDs   []int64       `json:"instance_ids"`
	ResponseSets  int           `json:"response_sets"`
	Sections      []SectionStat `json:"sections"`
	GeneratedAt   time.Time     `json:"generated_at"`
}

// OptionTotal is a rollup of every option sharing the same text.
type OptionTotal struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

// OptionTotals sums option counts by exact option text across every section
// and question of v, in first-seen order.
func OptionTotals(v *View) []OptionTotal {
	if v == nil {
		return nil
	}
	idx := map[string]int{}
	var out []OptionTotal
	for _, sec := range v.Sections {
		for _, q := range sec.Questions {
			for _, o := range q.Options {
				i, ok := idx[o.Text]
				if !ok {
					i = len(out)
					idx[o.Text] = i
					out = append(out, OptionTotal{Text: o.Text})
				}
				out[i].Count += o.Count
			}
		}
	}
	return out
}
