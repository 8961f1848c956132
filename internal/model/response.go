package model

import (
	"errors"
	"strings"
	"time"
)

type ResponseKind string

const (
	ResponseChoice ResponseKind = "CHOICE"
	ResponseText   ResponseKind = "TEXT"
)

var ErrResponseShape = errors.New("response must carry exactly one of option or text")

// Response is a tagged union over Kind. A CHOICE response references one
// option; a TEXT response carries non-empty text. Never both, never neither.
type Response struct {
	ID            int64        `json:"id"`
	ResponseSetID int64        `json:"response_set_id"`
	QuestionID    int64        `json:"question_id"`
	Kind          ResponseKind `json:"kind"`
	OptionID      int64        `json:"option_id,omitempty"`
	Text          string       `json:"text,omitempty"`
}

func NewChoiceResponse(questionID, optionID int64) (Response, error) {
	r := Response{QuestionID: questionID, Kind: ResponseChoice, OptionID: optionID}
	return r, r.Validate()
}

func NewTextResponse(questionID int64, text string) (Response, error) {
	r := Response{QuestionID: questionID, Kind: ResponseText, Text: strings.TrimSpace(text)}
	return r, r.Validate()
}

func (r Response) Validate() error {
	switch r.Kind {
	case ResponseChoice:
		if r.OptionID <= 0 || r.Text != "" {
			return ErrResponseShape
		}
	case ResponseText:
		if r.OptionID != 0 || strings.TrimSpace(r.Text) == "" {
			return ErrResponseShape
		}
	default:
		return ErrResponseShape
	}
	return nil
}

// ResponseSet is one immutable batch submission against one instance. It
// deliberately has no submitter field.
type ResponseSet struct {
	ID          int64      `json:"id"`
	Receipt     string     `json:"receipt"`
	InstanceID  int64      `json:"instance_id"`
	SubmittedAt time.Time  `json:"submitted_at"`
	Responses   []Response `json:"responses"`
}

func (s ResponseSet) Clone() ResponseSet {
	out := s
	out.Responses = append([]Response(nil), s.Responses...)
	return out
}
