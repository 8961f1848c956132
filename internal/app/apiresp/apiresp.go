package apiresp

import (
	"encoding/json"
	"errors"
	"net/http"

	"unieval/internal/apperr"

	"github.com/go-chi/chi/v5/middleware"
)

type ErrorPayload struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	QuestionIDs []int64           `json:"question_ids,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

type Meta struct {
	RequestID string `json:"request_id,omitempty"`
}

type Envelope struct {
	OK    bool          `json:"ok"`
	Data  interface{}   `json:"data,omitempty"`
	Error *ErrorPayload `json:"error,omitempty"`
	Meta  Meta          `json:"meta"`
}

func WriteOK(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	WriteLegacy(w, r, status, true, data, "")
}

func WriteError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	WriteLegacy(w, r, status, false, nil, msg)
}

func WriteLegacy(w http.ResponseWriter, r *http.Request, status int, ok bool, data interface{}, errMsg string) {
	res := Envelope{
		OK: ok,
		Meta: Meta{
			RequestID: middleware.GetReqID(r.Context()),
		},
	}
	if ok {
		res.Data = data
	} else {
		if errMsg == "" {
			errMsg = http.StatusText(status)
		}
		res.Error = &ErrorPayload{
			Code:    codeFromStatus(status),
			Message: errMsg,
		}
	}

	write(w, status, res)
}

// WriteErr renders a service error. Domain errors keep their message and
// detail; anything else becomes an opaque 500.
func WriteErr(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFromError(err)
	payload := &ErrorPayload{Code: codeFromStatus(status), Message: http.StatusText(status)}

	var e *apperr.Error
	if errors.As(err, &e) {
		payload.Code = e.Kind.String()
		payload.Message = err.Error()
		payload.QuestionIDs = e.QuestionIDs
		payload.Fields = e.Fields
	}
	write(w, status, Envelope{OK: false, Error: payload, Meta: Meta{RequestID: middleware.GetReqID(r.Context())}})
}

func StatusFromError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, apperr.ErrConfiguration):
		return http.StatusFailedDependency
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func write(w http.ResponseWriter, status int, res Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}

func codeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "unprocessable_entity"
	case http.StatusFailedDependency:
		return "configuration_error"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		if status >= 200 && status < 300 {
			return ""
		}
		return "error"
	}
}
