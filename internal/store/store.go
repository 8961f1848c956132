// Package store defines the persistence collaborator consumed by the
// lifecycle, collector and aggregation services. Adapters live in
// subpackages: memstore for tests and single-node runs, postgres for
// production.
package store

import (
	"context"
	"errors"
	"time"

	"unieval/internal/model"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a uniqueness rule rejects a write, such as
	// a second successor for the same predecessor.
	ErrConflict = errors.New("store: conflict")
	// ErrStaleWrite is returned when an update carries a version that no
	// longer matches the persisted row.
	ErrStaleWrite = errors.New("store: stale write")
)

type TemplateFilter struct {
	Kind  model.Kind
	State model.TemplateState
}

// InstanceFilter narrows FindInstances. Zero fields do not filter.
type InstanceFilter struct {
	IDs              []int64
	Kinds            []model.Kind
	States           []model.InstanceState
	TemplateID       int64
	DepartmentID     int64
	CourseOfferingID int64
	Processing       model.ProcessingState
	// Unsummarized keeps only instances without a synthesis back-reference.
	Unsummarized bool
	// WithoutSuccessor keeps instances that no other instance names as
	// its predecessor.
	WithoutSuccessor bool
	// OpenBy keeps instances with OpenAt <= *OpenBy.
	OpenBy *time.Time
	// CloseBy keeps instances with a deadline set and CloseAt <= *CloseBy.
	CloseBy *time.Time
	Limit   int
}

type Reader interface {
	GetTemplate(ctx context.Context, id int64) (*model.Template, error)
	FindTemplates(ctx context.Context, f TemplateFilter) ([]model.Template, error)
	GetInstance(ctx context.Context, id int64) (*model.Instance, error)
	FindInstances(ctx context.Context, f InstanceFilter) ([]model.Instance, error)
	// FindResponseSets returns every set whose instance is in instanceIDs,
	// ordered by id.
	FindResponseSets(ctx context.Context, instanceIDs []int64) ([]model.ResponseSet, error)
	GetEnrollment(ctx context.Context, courseOfferingID, studentID int64) (*model.Enrollment, error)
	FindSynthesisRequests(ctx context.Context, state model.SynthesisRequestState, limit int) ([]model.SynthesisRequest, error)
}

// Tx is a transaction scope. Reads inside a Tx see its own writes; nothing
// is visible to other readers until the WithTx callback returns nil.
type Tx interface {
	Reader

	// SaveTemplate inserts when ID is 0 and updates otherwise. Sections,
	// questions and options with ID 0 are assigned fresh ids.
	SaveTemplate(ctx context.Context, t *model.Template) error
	DeleteTemplate(ctx context.Context, id int64) error
	// SaveInstance inserts when ID is 0 (Version becomes 1). Updates require
	// inst.Version to match the stored row and bump it, else ErrStaleWrite.
	SaveInstance(ctx context.Context, inst *model.Instance) error
	// SaveResponseSet inserts a new set; sets are never updated.
	SaveResponseSet(ctx context.Context, set *model.ResponseSet) error
	SaveEnrollment(ctx context.Context, e *model.Enrollment) error
	SaveSynthesisRequest(ctx context.Context, req *model.SynthesisRequest) error
}

type Store interface {
	Reader
	// WithTx runs fn in one transaction, committing when fn returns nil and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
