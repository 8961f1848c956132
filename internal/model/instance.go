package model

import (
	"errors"
	"time"
)

type InstanceState string

const (
	InstancePending InstanceState = "PENDING"
	InstanceActive  InstanceState = "ACTIVE"
	InstanceClosed  InstanceState = "CLOSED"
)

// ProcessingState is the professor-report overlay on top of InstanceState.
type ProcessingState string

const (
	ProcessingNone       ProcessingState = ""
	ProcessingPending    ProcessingState = "PENDING"
	ProcessingCompleted  ProcessingState = "COMPLETED"
	ProcessingSummarized ProcessingState = "SUMMARIZED"
)

var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrMissingContext    = errors.New("instance context is incomplete for its kind")
)

// Context binds an instance to a teaching-period entity. Which fields are
// required depends on the instance kind, see Context.ValidateFor.
type Context struct {
	CourseOfferingID int64  `json:"course_offering_id,omitempty"`
	ProfessorID      int64  `json:"professor_id,omitempty"`
	DepartmentID     int64  `json:"department_id"`
	Period           string `json:"period,omitempty"`
}

func (c Context) ValidateFor(k Kind) error {
	if c.DepartmentID <= 0 {
		return ErrMissingContext
	}
	switch k {
	case KindSurvey:
		if c.CourseOfferingID <= 0 {
			return ErrMissingContext
		}
	case KindProfessorReport:
		if c.CourseOfferingID <= 0 || c.ProfessorID <= 0 {
			return ErrMissingContext
		}
	case KindSynthesisReport:
	default:
		return ErrUnknownKind
	}
	return nil
}

type Instance struct {
	ID            int64           `json:"id"`
	TemplateID    int64           `json:"template_id"`
	Kind          Kind            `json:"kind"`
	Context       Context         `json:"context"`
	State         InstanceState   `json:"state"`
	OpenAt        time.Time       `json:"open_at"`
	CloseAt       *time.Time      `json:"close_at,omitempty"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
	PredecessorID int64           `json:"predecessor_id,omitempty"`
	Processing    ProcessingState `json:"processing_state,omitempty"`
	SynthesisID   int64           `json:"synthesis_id,omitempty"`
	MemberIDs     []int64         `json:"member_ids,omitempty"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (i *Instance) IsProfessorReport() bool { return i.Kind == KindProfessorReport }

func (i *Instance) IsSynthesis() bool { return i.Kind == KindSynthesisReport }

// DueToOpen reports whether a PENDING instance has reached its open time.
func (i *Instance) DueToOpen(now time.Time) bool {
	return i.State == InstancePending && !i.OpenAt.After(now)
}

// DueToClose reports whether an ACTIVE instance has a deadline at or before now.
func (i *Instance) DueToClose(now time.Time) bool {
	return i.State == InstanceActive && i.CloseAt != nil && !i.CloseAt.After(now)
}

// Open moves PENDING to ACTIVE.
func (i *Instance) Open(now time.Time) error {
	if i.State != InstancePending {
		return ErrIllegalTransition
	}
	i.State = InstanceActive
	i.UpdatedAt = now
	return nil
}

// Close moves ACTIVE to CLOSED. CLOSED is terminal.
func (i *Instance) Close(now time.Time) error {
	if i.State != InstanceActive {
		return ErrIllegalTransition
	}
	closedAt := now
	i.State = InstanceClosed
	i.ClosedAt = &closedAt
	i.UpdatedAt = now
	return nil
}

// Complete moves the professor-report overlay PENDING to COMPLETED.
func (i *Instance) Complete(now time.Time) error {
	if !i.IsProfessorReport() || i.Processing != ProcessingPending {
		return ErrIllegalTransition
	}
	i.Processing = ProcessingCompleted
	i.UpdatedAt = now
	return nil
}

// Summarize moves COMPLETED to SUMMARIZED and records the owning synthesis.
func (i *Instance) Summarize(synthesisID int64, now time.Time) error {
	if !i.IsProfessorReport() || i.Processing != ProcessingCompleted || synthesisID <= 0 || i.SynthesisID != 0 {
		return ErrIllegalTransition
	}
	i.Processing = ProcessingSummarized
	i.SynthesisID = synthesisID
	i.UpdatedAt = now
	return nil
}

func (i Instance) Clone() Instance {
	out := i
	if i.CloseAt != nil {
		v := *i.CloseAt
		out.CloseAt = &v
	}
	if i.ClosedAt != nil {
		v := *i.ClosedAt
		out.ClosedAt = &v
	}
	if i.MemberIDs != nil {
		out.MemberIDs = append([]int64(nil), i.MemberIDs...)
	}
	return out
}

type SynthesisRequestState string

const (
	SynthesisRequestPending SynthesisRequestState = "PENDING"
	SynthesisRequestDone    SynthesisRequestState = "DONE"
	SynthesisRequestFailed  SynthesisRequestState = "FAILED"
)

// SynthesisRequest is a department's queued ask for a synthesis, consumed
// by the scheduler.
type SynthesisRequest struct {
	ID           int64                 `json:"id"`
	DepartmentID int64                 `json:"department_id"`
	State        SynthesisRequestState `json:"state"`
	SynthesisID  int64                 `json:"synthesis_id,omitempty"`
	Failure      string                `json:"failure,omitempty"`
	RequestedAt  time.Time             `json:"requested_at"`
	ProcessedAt  *time.Time            `json:"processed_at,omitempty"`
}

// Enrollment is a student's registration in a course offering. Responded is
// kept outside any response set so surveys stay anonymous.
type Enrollment struct {
	ID               int64      `json:"id"`
	CourseOfferingID int64      `json:"course_offering_id"`
	StudentID        int64      `json:"student_id"`
	Responded        bool       `json:"responded"`
	RespondedAt      *time.Time `json:"responded_at,omitempty"`
}
