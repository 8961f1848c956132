// Package postgres implements store.Store on PostgreSQL through
// database/sql and the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"unieval/internal/model"
	"unieval/internal/store"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema applies the idempotent DDL.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db *sql.DB
	queries
}

var _ store.Store = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{db: db, queries: queries{q: db}}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &transaction{queries: queries{q: sqlTx, lock: true}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

// queries holds the read side. Inside a transaction every row read is
// locked FOR UPDATE so the check-then-act in the services holds.
type queries struct {
	q    querier
	lock bool
}

func (qs queries) forUpdate() string {
	if qs.lock {
		return " FOR UPDATE"
	}
	return ""
}

// trapNoRows maps sql.ErrNoRows to store.ErrNotFound.
func trapNoRows(err error, msg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

func trapUnique(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return fmt.Errorf("%s: %w (%s)", msg, store.ErrConflict, pgErr.ConstraintName)
	}
	return errors.Wrap(err, msg)
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC()
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

const templateColumns = `id, title, description, kind, state, structure, created_at, updated_at, published_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*model.Template, error) {
	var (
		t         model.Template
		structure []byte
		published sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Kind, &t.State, &structure, &t.CreatedAt, &t.UpdatedAt, &published); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(structure, &t.Sections); err != nil {
		return nil, errors.Wrap(err, "decode template structure")
	}
	t.PublishedAt = timePtr(published)
	return &t, nil
}

func (qs queries) GetTemplate(ctx context.Context, id int64) (*model.Template, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM eval_templates WHERE id = $1`+qs.forUpdate(), id)
	t, err := scanTemplate(row)
	if err != nil {
		return nil, trapNoRows(err, "query template")
	}
	return t, nil
}

func (qs queries) FindTemplates(ctx context.Context, f store.TemplateFilter) ([]model.Template, error) {
	var (
		conds []string
		args  []any
	)
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		conds = append(conds, fmt.Sprintf("kind = $%d", len(args)))
	}
	if f.State != "" {
		args = append(args, string(f.State))
		conds = append(conds, fmt.Sprintf("state = $%d", len(args)))
	}
	query := `SELECT ` + templateColumns + ` FROM eval_templates` + where(conds) + ` ORDER BY id`

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query templates")
	}
	defer rows.Close()

	out := make([]model.Template, 0)
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan template")
		}
		out = append(out, *t)
	}
	return out, errors.Wrap(rows.Err(), "iterate templates")
}

func where(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

const instanceColumns = `id, template_id, kind, course_offering_id, professor_id, department_id, period,
	state, open_at, close_at, closed_at, predecessor_id, processing_state, synthesis_id, version, created_at, updated_at`

func scanInstance(row rowScanner) (*model.Instance, error) {
	var (
		inst                                        model.Instance
		offeringID, professorID, predecessorID, syn sql.NullInt64
		closeAt, closedAt                           sql.NullTime
	)
	if err := row.Scan(
		&inst.ID, &inst.TemplateID, &inst.Kind, &offeringID, &professorID, &inst.Context.DepartmentID, &inst.Context.Period,
		&inst.State, &inst.OpenAt, &closeAt, &closedAt, &predecessorID, &inst.Processing, &syn, &inst.Version,
		&inst.CreatedAt, &inst.UpdatedAt,
	); err != nil {
		return nil, err
	}
	inst.Context.CourseOfferingID = offeringID.Int64
	inst.Context.ProfessorID = professorID.Int64
	inst.PredecessorID = predecessorID.Int64
	inst.SynthesisID = syn.Int64
	inst.CloseAt = timePtr(closeAt)
	inst.ClosedAt = timePtr(closedAt)
	return &inst, nil
}

func (qs queries) GetInstance(ctx context.Context, id int64) (*model.Instance, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM eval_instances WHERE id = $1`+qs.forUpdate(), id)
	inst, err := scanInstance(row)
	if err != nil {
		return nil, trapNoRows(err, "query instance")
	}
	if inst.IsSynthesis() {
		if inst.MemberIDs, err = qs.memberIDs(ctx, inst.ID); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// memberIDs derives a synthesis membership from the back-reference column,
// which is set once and never cleared.
func (qs queries) memberIDs(ctx context.Context, synthesisID int64) ([]int64, error) {
	rows, err := qs.q.QueryContext(ctx, `SELECT id FROM eval_instances WHERE synthesis_id = $1 ORDER BY id`, synthesisID)
	if err != nil {
		return nil, errors.Wrap(err, "query synthesis members")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan synthesis member")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "iterate synthesis members")
}

func (qs queries) FindInstances(ctx context.Context, f store.InstanceFilter) ([]model.Instance, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if len(f.IDs) > 0 {
		add("id = ANY($%d)", f.IDs)
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, 0, len(f.Kinds))
		for _, k := range f.Kinds {
			kinds = append(kinds, string(k))
		}
		add("kind = ANY($%d)", kinds)
	}
	if len(f.States) > 0 {
		states := make([]string, 0, len(f.States))
		for _, s := range f.States {
			states = append(states, string(s))
		}
		add("state = ANY($%d)", states)
	}
	if f.TemplateID > 0 {
		add("template_id = $%d", f.TemplateID)
	}
	if f.DepartmentID > 0 {
		add("department_id = $%d", f.DepartmentID)
	}
	if f.CourseOfferingID > 0 {
		add("course_offering_id = $%d", f.CourseOfferingID)
	}
	if f.Processing != "" {
		add("processing_state = $%d", string(f.Processing))
	}
	if f.Unsummarized {
		conds = append(conds, "synthesis_id IS NULL")
	}
	if f.WithoutSuccessor {
		conds = append(conds, "NOT EXISTS (SELECT 1 FROM eval_instances s WHERE s.predecessor_id = eval_instances.id)")
	}
	if f.OpenBy != nil {
		add("open_at <= $%d", f.OpenBy.UTC())
	}
	if f.CloseBy != nil {
		add("close_at IS NOT NULL AND close_at <= $%d", f.CloseBy.UTC())
	}

	query := `SELECT ` + instanceColumns + ` FROM eval_instances` + where(conds) + ` ORDER BY id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	query += qs.forUpdate()

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query instances")
	}
	out := make([]model.Instance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan instance")
		}
		out = append(out, *inst)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "iterate instances")
	}
	rows.Close()

	for i := range out {
		if !out[i].IsSynthesis() {
			continue
		}
		if out[i].MemberIDs, err = qs.memberIDs(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (qs queries) FindResponseSets(ctx context.Context, instanceIDs []int64) ([]model.ResponseSet, error) {
	out := make([]model.ResponseSet, 0)
	if len(instanceIDs) == 0 {
		return out, nil
	}

	rows, err := qs.q.QueryContext(ctx, `
		SELECT s.id, s.receipt::text, s.instance_id, s.submitted_at,
			r.id, r.question_id, r.kind, r.option_id, r.text_value
		FROM eval_response_sets s
		LEFT JOIN eval_responses r ON r.response_set_id = s.id
		WHERE s.instance_id = ANY($1)
		ORDER BY s.id, r.id
	`, instanceIDs)
	if err != nil {
		return nil, errors.Wrap(err, "query response sets")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			set      model.ResponseSet
			respID   sql.NullInt64
			question sql.NullInt64
			kind     sql.NullString
			optionID sql.NullInt64
			text     sql.NullString
		)
		if err := rows.Scan(&set.ID, &set.Receipt, &set.InstanceID, &set.SubmittedAt, &respID, &question, &kind, &optionID, &text); err != nil {
			return nil, errors.Wrap(err, "scan response")
		}
		if n := len(out); n == 0 || out[n-1].ID != set.ID {
			out = append(out, set)
		}
		if !respID.Valid {
			continue
		}
		last := &out[len(out)-1]
		last.Responses = append(last.Responses, model.Response{
			ID:            respID.Int64,
			ResponseSetID: set.ID,
			QuestionID:    question.Int64,
			Kind:          model.ResponseKind(kind.String),
			OptionID:      optionID.Int64,
			Text:          text.String,
		})
	}
	return out, errors.Wrap(rows.Err(), "iterate response sets")
}

func (qs queries) GetEnrollment(ctx context.Context, courseOfferingID, studentID int64) (*model.Enrollment, error) {
	var (
		e           model.Enrollment
		respondedAt sql.NullTime
	)
	err := qs.q.QueryRowContext(ctx, `
		SELECT id, course_offering_id, student_id, responded, responded_at
		FROM eval_enrollments
		WHERE course_offering_id = $1 AND student_id = $2
	`+qs.forUpdate(), courseOfferingID, studentID).Scan(&e.ID, &e.CourseOfferingID, &e.StudentID, &e.Responded, &respondedAt)
	if err != nil {
		return nil, trapNoRows(err, "query enrollment")
	}
	e.RespondedAt = timePtr(respondedAt)
	return &e, nil
}

func (qs queries) FindSynthesisRequests(ctx context.Context, state model.SynthesisRequestState, limit int) ([]model.SynthesisRequest, error) {
	query := `
		SELECT id, department_id, state, synthesis_id, failure, requested_at, processed_at
		FROM eval_synthesis_requests`
	var args []any
	if state != "" {
		args = append(args, string(state))
		query += ` WHERE state = $1`
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	query += qs.forUpdate()

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query synthesis requests")
	}
	defer rows.Close()

	out := make([]model.SynthesisRequest, 0)
	for rows.Next() {
		var (
			req         model.SynthesisRequest
			synthesisID sql.NullInt64
			processedAt sql.NullTime
		)
		if err := rows.Scan(&req.ID, &req.DepartmentID, &req.State, &synthesisID, &req.Failure, &req.RequestedAt, &processedAt); err != nil {
			return nil, errors.Wrap(err, "scan synthesis request")
		}
		req.SynthesisID = synthesisID.Int64
		req.ProcessedAt = timePtr(processedAt)
		out = append(out, req)
	}
	return out, errors.Wrap(rows.Err(), "iterate synthesis requests")
}

type transaction struct {
	queries
}

var _ store.Tx = (*transaction)(nil)

func (t *transaction) nextNodeID(ctx context.Context) (int64, error) {
	var id int64
	if err := t.q.QueryRowContext(ctx, `SELECT nextval('template_node_seq')`).Scan(&id); err != nil {
		return 0, errors.Wrap(err, "next template node id")
	}
	return id, nil
}

func (t *transaction) assignNodeIDs(ctx context.Context, tpl *model.Template) error {
	var err error
	for i := range tpl.Sections {
		sec := &tpl.Sections[i]
		if sec.ID == 0 {
			if sec.ID, err = t.nextNodeID(ctx); err != nil {
				return err
			}
		}
		for j := range sec.Questions {
			q := &sec.Questions[j]
			if q.ID == 0 {
				if q.ID, err = t.nextNodeID(ctx); err != nil {
					return err
				}
			}
			for k := range q.Options {
				if q.Options[k].ID == 0 {
					if q.Options[k].ID, err = t.nextNodeID(ctx); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func (t *transaction) SaveTemplate(ctx context.Context, tpl *model.Template) error {
	if err := t.assignNodeIDs(ctx, tpl); err != nil {
		return err
	}
	sections := tpl.Sections
	if sections == nil {
		sections = []model.Section{}
	}
	structure, err := json.Marshal(sections)
	if err != nil {
		return errors.Wrap(err, "encode template structure")
	}

	if tpl.ID == 0 {
		err = t.q.QueryRowContext(ctx, `
			INSERT INTO eval_templates (title, description, kind, state, structure, published_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at, updated_at
		`, tpl.Title, tpl.Description, string(tpl.Kind), string(tpl.State), structure, nullTime(tpl.PublishedAt),
		).Scan(&tpl.ID, &tpl.CreatedAt, &tpl.UpdatedAt)
		return errors.Wrap(err, "insert template")
	}

	err = t.q.QueryRowContext(ctx, `
		UPDATE eval_templates
		SET title = $2, description = $3, state = $4, structure = $5, published_at = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, tpl.ID, tpl.Title, tpl.Description, string(tpl.State), structure, nullTime(tpl.PublishedAt)).Scan(&tpl.UpdatedAt)
	return trapNoRows(err, "update template")
}

func (t *transaction) DeleteTemplate(ctx context.Context, id int64) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM eval_templates WHERE id = $1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return store.ErrConflict
		}
		return errors.Wrap(err, "delete template")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *transaction) SaveInstance(ctx context.Context, inst *model.Instance) error {
	if inst.ID == 0 {
		err := t.q.QueryRowContext(ctx, `
			INSERT INTO eval_instances (
				template_id, kind, course_offering_id, professor_id, department_id, period,
				state, open_at, close_at, closed_at, predecessor_id, processing_state, synthesis_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING id, version, created_at, updated_at
		`,
			inst.TemplateID, string(inst.Kind), nullInt(inst.Context.CourseOfferingID), nullInt(inst.Context.ProfessorID),
			inst.Context.DepartmentID, inst.Context.Period, string(inst.State), inst.OpenAt.UTC(), nullTime(inst.CloseAt),
			nullTime(inst.ClosedAt), nullInt(inst.PredecessorID), string(inst.Processing), nullInt(inst.SynthesisID),
		).Scan(&inst.ID, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt)
		if err != nil {
			return trapUnique(err, "insert instance")
		}
		return nil
	}

	err := t.q.QueryRowContext(ctx, `
		UPDATE eval_instances
		SET state = $3, open_at = $4, close_at = $5, closed_at = $6, processing_state = $7, synthesis_id = $8,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`, inst.ID, inst.Version, string(inst.State), inst.OpenAt.UTC(), nullTime(inst.CloseAt), nullTime(inst.ClosedAt),
		string(inst.Processing), nullInt(inst.SynthesisID),
	).Scan(&inst.Version, &inst.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, "update instance")
	}

	var exists bool
	if err := t.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM eval_instances WHERE id = $1)`, inst.ID).Scan(&exists); err != nil {
		return errors.Wrap(err, "check instance exists")
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrStaleWrite
}

func (t *transaction) SaveResponseSet(ctx context.Context, set *model.ResponseSet) error {
	if set.ID != 0 {
		return store.ErrConflict
	}
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO eval_response_sets (receipt, instance_id, submitted_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, set.Receipt, set.InstanceID, set.SubmittedAt.UTC()).Scan(&set.ID)
	if err != nil {
		return trapUnique(err, "insert response set")
	}

	for i := range set.Responses {
		r := &set.Responses[i]
		var text any
		if r.Kind == model.ResponseText {
			text = r.Text
		}
		if err := t.q.QueryRowContext(ctx, `
			INSERT INTO eval_responses (response_set_id, question_id, kind, option_id, text_value)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, set.ID, r.QuestionID, string(r.Kind), nullInt(r.OptionID), text).Scan(&r.ID); err != nil {
			return trapUnique(err, "insert response")
		}
		r.ResponseSetID = set.ID
	}
	return nil
}

func (t *transaction) SaveEnrollment(ctx context.Context, e *model.Enrollment) error {
	if e.ID == 0 {
		err := t.q.QueryRowContext(ctx, `
			INSERT INTO eval_enrollments (course_offering_id, student_id, responded, responded_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, e.CourseOfferingID, e.StudentID, e.Responded, nullTime(e.RespondedAt)).Scan(&e.ID)
		if err != nil {
			return trapUnique(err, "insert enrollment")
		}
		return nil
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE eval_enrollments SET responded = $2, responded_at = $3 WHERE id = $1
	`, e.ID, e.Responded, nullTime(e.RespondedAt))
	if err != nil {
		return errors.Wrap(err, "update enrollment")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *transaction) SaveSynthesisRequest(ctx context.Context, req *model.SynthesisRequest) error {
	if req.ID == 0 {
		err := t.q.QueryRowContext(ctx, `
			INSERT INTO eval_synthesis_requests (department_id, state, requested_at)
			VALUES ($1, $2, $3)
			RETURNING id
		`, req.DepartmentID, string(req.State), req.RequestedAt.UTC()).Scan(&req.ID)
		return errors.Wrap(err, "insert synthesis request")
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE eval_synthesis_requests
		SET state = $2, synthesis_id = $3, failure = $4, processed_at = $5
		WHERE id = $1
	`, req.ID, string(req.State), nullInt(req.SynthesisID), req.Failure, nullTime(req.ProcessedAt))
	if err != nil {
		return errors.Wrap(err, "update synthesis request")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
