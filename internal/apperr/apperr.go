// Package apperr holds the error taxonomy shared by the lifecycle, collector
// and aggregation services. Callers match with errors.Is against the Err*
// sentinels and extract details with errors.As(*Error).
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state")
	ErrAlreadySubmitted = errors.New("already submitted")
	ErrValidation       = errors.New("validation error")
	ErrConfiguration    = errors.New("configuration error")
)

type Kind int

const (
	KindNotFound Kind = iota + 1
	KindInvalidState
	KindAlreadySubmitted
	KindValidation
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindAlreadySubmitted:
		return "already_submitted"
	case KindValidation:
		return "validation_error"
	case KindConfiguration:
		return "configuration_error"
	default:
		return "error"
	}
}

// Error is the detailed form of every domain failure. Fields maps input
// field names to the rule they broke.
//
// AlreadySubmitted also matches ErrInvalidState, and Configuration also
// matches ErrNotFound: a missing published template is a missing entity.
type Error struct {
	Kind        Kind
	Entity      string
	ID          int64
	Expected    string
	Actual      string
	QuestionIDs []int64
	Fields      map[string]string
	Msg         string
	Err         error
}

func (e *Error) Error() string {
	var sb strings.Builder
	subject := e.Entity
	if subject != "" && e.ID > 0 {
		subject += " " + strconv.FormatInt(e.ID, 10)
	}
	switch {
	case e.Msg != "" && subject != "":
		sb.WriteString(subject)
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	case e.Msg != "":
		sb.WriteString(e.Msg)
	default:
		sb.WriteString(strings.ReplaceAll(e.Kind.String(), "_", " "))
		if subject != "" {
			sb.WriteString(": ")
			sb.WriteString(subject)
		}
	}
	if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&sb, " (expected %s, actual %s)", e.Expected, e.Actual)
	}
	if len(e.QuestionIDs) > 0 {
		ids := make([]string, 0, len(e.QuestionIDs))
		for _, id := range e.QuestionIDs {
			ids = append(ids, strconv.FormatInt(id, 10))
		}
		sb.WriteString(" [questions: ")
		sb.WriteString(strings.Join(ids, ","))
		sb.WriteString("]")
	}
	if len(e.Fields) > 0 {
		names := make([]string, 0, len(e.Fields))
		for name := range e.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, name+": "+e.Fields[name])
		}
		sb.WriteString(" (")
		sb.WriteString(strings.Join(parts, ", "))
		sb.WriteString(")")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound || e.Kind == KindConfiguration
	case ErrInvalidState:
		return e.Kind == KindInvalidState || e.Kind == KindAlreadySubmitted
	case ErrAlreadySubmitted:
		return e.Kind == KindAlreadySubmitted
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	}
	return false
}

func NotFound(entity string, id int64) error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id}
}

func NotFoundf(entity string, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Entity: entity, Msg: fmt.Sprintf(format, args...)}
}

func InvalidState(entity string, id int64, expected, actual string) error {
	return &Error{Kind: KindInvalidState, Entity: entity, ID: id, Expected: expected, Actual: actual}
}

// StaleState reports a precondition that changed underneath the caller
// between read and commit.
func StaleState(entity string, id int64, cause error) error {
	return &Error{Kind: KindInvalidState, Entity: entity, ID: id, Msg: "state changed concurrently", Err: cause}
}

func AlreadySubmitted(entity string, id int64) error {
	return &Error{Kind: KindAlreadySubmitted, Entity: entity, ID: id}
}

// Validation builds a validation error for the given offending question ids.
// Ids are sorted and de-duplicated so messages are stable.
func Validation(msg string, questionIDs ...int64) error {
	return &Error{Kind: KindValidation, Msg: msg, QuestionIDs: uniqueSorted(questionIDs)}
}

func Configuration(format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, or 0 when err carries no domain kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func uniqueSorted(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
