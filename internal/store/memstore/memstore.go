// Package memstore is an in-memory transactional store. Each transaction
// works on a cloned state that replaces the committed state only when the
// callback succeeds.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"unieval/internal/model"
	"unieval/internal/store"
)

type memoryState struct {
	templates   map[int64]model.Template
	instances   map[int64]model.Instance
	sets        map[int64]model.ResponseSet
	enrollments map[int64]model.Enrollment
	requests    map[int64]model.SynthesisRequest
	seq         int64
	nodeSeq     int64
}

func newMemoryState() memoryState {
	return memoryState{
		templates:   map[int64]model.Template{},
		instances:   map[int64]model.Instance{},
		sets:        map[int64]model.ResponseSet{},
		enrollments: map[int64]model.Enrollment{},
		requests:    map[int64]model.SynthesisRequest{},
	}
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		templates:   make(map[int64]model.Template, len(s.templates)),
		instances:   make(map[int64]model.Instance, len(s.instances)),
		sets:        make(map[int64]model.ResponseSet, len(s.sets)),
		enrollments: make(map[int64]model.Enrollment, len(s.enrollments)),
		requests:    make(map[int64]model.SynthesisRequest, len(s.requests)),
		seq:         s.seq,
		nodeSeq:     s.nodeSeq,
	}
	for k, v := range s.templates {
		out.templates[k] = v.Clone()
	}
	for k, v := range s.instances {
		out.instances[k] = v.Clone()
	}
	for k, v := range s.sets {
		out.sets[k] = v.Clone()
	}
	for k, v := range s.enrollments {
		out.enrollments[k] = v
	}
	for k, v := range s.requests {
		out.requests[k] = v
	}
	return out
}

// Store is safe for concurrent use. Transactions are serialized.
type Store struct {
	mu    sync.RWMutex
	state memoryState
	now   func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{state: newMemoryState(), now: time.Now}
}

// WithTx runs fn against a private copy of the state and swaps it in on
// success. A panic or error leaves the committed state untouched.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{state: s.state.clone(), now: s.now}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

func (s *Store) view() *transaction {
	return &transaction{state: s.state, now: s.now}
}

func (s *Store) GetTemplate(ctx context.Context, id int64) (*model.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetTemplate(ctx, id)
}

func (s *Store) FindTemplates(ctx context.Context, f store.TemplateFilter) ([]model.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().FindTemplates(ctx, f)
}

func (s *Store) GetInstance(ctx context.Context, id int64) (*model.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetInstance(ctx, id)
}

func (s *Store) FindInstances(ctx context.Context, f store.InstanceFilter) ([]model.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().FindInstances(ctx, f)
}

func (s *Store) FindResponseSets(ctx context.Context, instanceIDs []int64) ([]model.ResponseSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().FindResponseSets(ctx, instanceIDs)
}

func (s *Store) GetEnrollment(ctx context.Context, courseOfferingID, studentID int64) (*model.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetEnrollment(ctx, courseOfferingID, studentID)
}

func (s *Store) FindSynthesisRequests(ctx context.Context, state model.SynthesisRequestState, limit int) ([]model.SynthesisRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().FindSynthesisRequests(ctx, state, limit)
}

type transaction struct {
	state memoryState
	now   func() time.Time
}

var _ store.Tx = (*transaction)(nil)

func (t *transaction) nextID() int64 {
	t.state.seq++
	return t.state.seq
}

func (t *transaction) nextNodeID() int64 {
	t.state.nodeSeq++
	return t.state.nodeSeq
}

func (t *transaction) GetTemplate(_ context.Context, id int64) (*model.Template, error) {
	tpl, ok := t.state.templates[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := tpl.Clone()
	return &out, nil
}

func (t *transaction) FindTemplates(_ context.Context, f store.TemplateFilter) ([]model.Template, error) {
	out := make([]model.Template, 0)
	for _, tpl := range t.state.templates {
		if f.Kind != "" && tpl.Kind != f.Kind {
			continue
		}
		if f.State != "" && tpl.State != f.State {
			continue
		}
		out = append(out, tpl.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *transaction) GetInstance(_ context.Context, id int64) (*model.Instance, error) {
	inst, ok := t.state.instances[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := inst.Clone()
	return &out, nil
}

func (t *transaction) FindInstances(_ context.Context, f store.InstanceFilter) ([]model.Instance, error) {
	var succeeded map[int64]struct{}
	if f.WithoutSuccessor {
		succeeded = map[int64]struct{}{}
		for _, inst := range t.state.instances {
			if inst.PredecessorID != 0 {
				succeeded[inst.PredecessorID] = struct{}{}
			}
		}
	}
	out := make([]model.Instance, 0)
	for _, inst := range t.state.instances {
		if _, ok := succeeded[inst.ID]; ok {
			continue
		}
		if matchInstance(inst, f) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchInstance(inst model.Instance, f store.InstanceFilter) bool {
	if len(f.IDs) > 0 && !containsID(f.IDs, inst.ID) {
		return false
	}
	if len(f.Kinds) > 0 && !contains(f.Kinds, inst.Kind) {
		return false
	}
	if len(f.States) > 0 && !contains(f.States, inst.State) {
		return false
	}
	if f.TemplateID > 0 && inst.TemplateID != f.TemplateID {
		return false
	}
	if f.DepartmentID > 0 && inst.Context.DepartmentID != f.DepartmentID {
		return false
	}
	if f.CourseOfferingID > 0 && inst.Context.CourseOfferingID != f.CourseOfferingID {
		return false
	}
	if f.Processing != "" && inst.Processing != f.Processing {
		return false
	}
	if f.Unsummarized && inst.SynthesisID != 0 {
		return false
	}
	if f.OpenBy != nil && inst.OpenAt.After(*f.OpenBy) {
		return false
	}
	if f.CloseBy != nil && (inst.CloseAt == nil || inst.CloseAt.After(*f.CloseBy)) {
		return false
	}
	return true
}

func contains[T comparable](items []T, v T) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}

func containsID(ids []int64, id int64) bool { return contains(ids, id) }

func (t *transaction) FindResponseSets(_ context.Context, instanceIDs []int64) ([]model.ResponseSet, error) {
	out := make([]model.ResponseSet, 0)
	if len(instanceIDs) == 0 {
		return out, nil
	}
	for _, set := range t.state.sets {
		if containsID(instanceIDs, set.InstanceID) {
			out = append(out, set.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *transaction) GetEnrollment(_ context.Context, courseOfferingID, studentID int64) (*model.Enrollment, error) {
	for _, e := range t.state.enrollments {
		if e.CourseOfferingID == courseOfferingID && e.StudentID == studentID {
			out := e
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *transaction) FindSynthesisRequests(_ context.Context, state model.SynthesisRequestState, limit int) ([]model.SynthesisRequest, error) {
	out := make([]model.SynthesisRequest, 0)
	for _, req := range t.state.requests {
		if state != "" && req.State != state {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *transaction) SaveTemplate(_ context.Context, tpl *model.Template) error {
	now := t.now().UTC()
	if tpl.ID == 0 {
		tpl.ID = t.nextID()
		tpl.CreatedAt = now
	} else if _, ok := t.state.templates[tpl.ID]; !ok {
		return store.ErrNotFound
	}
	for i := range tpl.Sections {
		sec := &tpl.Sections[i]
		if sec.ID == 0 {
			sec.ID = t.nextNodeID()
		}
		for j := range sec.Questions {
			q := &sec.Questions[j]
			if q.ID == 0 {
				q.ID = t.nextNodeID()
			}
			for k := range q.Options {
				if q.Options[k].ID == 0 {
					q.Options[k].ID = t.nextNodeID()
				}
			}
		}
	}
	tpl.UpdatedAt = now
	t.state.templates[tpl.ID] = tpl.Clone()
	return nil
}

func (t *transaction) DeleteTemplate(_ context.Context, id int64) error {
	if _, ok := t.state.templates[id]; !ok {
		return store.ErrNotFound
	}
	for _, inst := range t.state.instances {
		if inst.TemplateID == id {
			return store.ErrConflict
		}
	}
	delete(t.state.templates, id)
	return nil
}

func (t *transaction) SaveInstance(_ context.Context, inst *model.Instance) error {
	now := t.now().UTC()
	if inst.ID == 0 {
		if inst.PredecessorID != 0 {
			for _, other := range t.state.instances {
				if other.PredecessorID == inst.PredecessorID {
					return store.ErrConflict
				}
			}
		}
		inst.ID = t.nextID()
		inst.Version = 1
		inst.CreatedAt = now
		inst.UpdatedAt = now
		t.state.instances[inst.ID] = inst.Clone()
		return nil
	}

	cur, ok := t.state.instances[inst.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != inst.Version {
		return store.ErrStaleWrite
	}
	inst.Version++
	inst.UpdatedAt = now
	t.state.instances[inst.ID] = inst.Clone()
	return nil
}

func (t *transaction) SaveResponseSet(_ context.Context, set *model.ResponseSet) error {
	if set.ID != 0 {
		return store.ErrConflict
	}
	if _, ok := t.state.instances[set.InstanceID]; !ok {
		return store.ErrNotFound
	}
	set.ID = t.nextID()
	for i := range set.Responses {
		set.Responses[i].ID = t.nextID()
		set.Responses[i].ResponseSetID = set.ID
	}
	t.state.sets[set.ID] = set.Clone()
	return nil
}

func (t *transaction) SaveEnrollment(_ context.Context, e *model.Enrollment) error {
	if e.ID == 0 {
		for _, other := range t.state.enrollments {
			if other.CourseOfferingID == e.CourseOfferingID && other.StudentID == e.StudentID {
				return store.ErrConflict
			}
		}
		e.ID = t.nextID()
	} else if _, ok := t.state.enrollments[e.ID]; !ok {
		return store.ErrNotFound
	}
	t.state.enrollments[e.ID] = *e
	return nil
}

func (t *transaction) SaveSynthesisRequest(_ context.Context, req *model.SynthesisRequest) error {
	if req.ID == 0 {
		req.ID = t.nextID()
	} else if _, ok := t.state.requests[req.ID]; !ok {
		return store.ErrNotFound
	}
	t.state.requests[req.ID] = *req
	return nil
}
