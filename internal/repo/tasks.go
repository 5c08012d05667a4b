package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"growline/internal/domain"
)

const taskColumns = `id,facility_id,batch_id,title,COALESCE(category,'') AS category,COALESCE(description,'') AS description,lifecycle_stage,status,approval_status,assignee_id,created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t          domain.Task
		batchID    sql.NullString
		stage      sql.NullString
		assigneeID sql.NullString
		completed  sql.NullString
	)
	err := row.Scan(&t.ID, &t.FacilityID, &batchID, &t.Title, &t.Category, &t.Description, &stage, &t.Status, &t.ApprovalStatus, &assigneeID, &t.CreatedAt, &t.UpdatedAt, &completed)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.BatchID = optionalString(batchID)
	t.LifecycleStage = optionalString(stage)
	t.AssigneeID = optionalString(assigneeID)
	t.CompletedAt = optionalString(completed)
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,facility_id,batch_id,title,category,description,lifecycle_stage,status,approval_status,assignee_id,created_at,updated_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.FacilityID, deref(t.BatchID), t.Title, nullable(t.Category), nullable(t.Description), deref(t.LifecycleStage), t.Status, t.ApprovalStatus, deref(t.AssigneeID), t.CreatedAt, t.UpdatedAt, deref(t.CompletedAt))
	if err != nil {
		return err
	}
	for _, item := range t.Checklist {
		if err := insertChecklistItem(ctx, tx, t.ID, item); err != nil {
			return err
		}
	}
	return nil
}

func insertChecklistItem(ctx context.Context, tx *sql.Tx, taskID string, item domain.ChecklistItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO checklist_items(task_id,key,label,position,done,answer) VALUES (?,?,?,?,?,?)`,
		taskID, item.Key, nullable(item.Label), item.Position, boolInt(item.Done), nullable(item.Answer))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.Checklist, err = r.listChecklist(ctx, r.DB, id)
	return t, err
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.Checklist, err = r.listChecklist(ctx, tx, id)
	return t, err
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r Repo) listChecklist(ctx context.Context, q querier, taskID string) ([]domain.ChecklistItem, error) {
	rows, err := q.QueryContext(ctx, `SELECT key,COALESCE(label,''),position,done,COALESCE(answer,'') FROM checklist_items WHERE task_id=? ORDER BY position`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.ChecklistItem
	for rows.Next() {
		var (
			item domain.ChecklistItem
			done int
		)
		if err := rows.Scan(&item.Key, &item.Label, &item.Position, &done, &item.Answer); err != nil {
			return nil, err
		}
		item.Done = done != 0
		items = append(items, item)
	}
	return items, nil
}

type TaskFilters struct {
	FacilityID     string
	BatchID        string
	LifecycleStage string
	Status         string
	ApprovalStatus string
	Category       string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	return r.listTasks(ctx, r.DB, f)
}

func (r Repo) ListTasksTx(ctx context.Context, tx *sql.Tx, f TaskFilters) ([]domain.Task, error) {
	return r.listTasks(ctx, tx, f)
}

func (r Repo) listTasks(ctx context.Context, q querier, f TaskFilters) ([]domain.Task, error) {
	where := []string{"1=1"}
	var args []any
	if f.FacilityID != "" {
		where = append(where, "facility_id=?")
		args = append(args, f.FacilityID)
	}
	if f.BatchID != "" {
		where = append(where, "batch_id=?")
		args = append(args, f.BatchID)
	}
	if f.LifecycleStage != "" {
		where = append(where, "lifecycle_stage=?")
		args = append(args, f.LifecycleStage)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.ApprovalStatus != "" {
		where = append(where, "approval_status=?")
		args = append(args, f.ApprovalStatus)
	}
	if f.Category != "" {
		where = append(where, "category=?")
		args = append(args, f.Category)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at, id`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Checklist, err = r.listChecklist(ctx, q, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// GetTasksTx loads the named tasks, failing when any id is unknown.
func (r Repo) GetTasksTx(ctx context.Context, tx *sql.Tx, ids []string) ([]domain.Task, error) {
	var res []domain.Task
	for _, id := range ids {
		t, err := r.GetTaskTx(ctx, tx, id)
		if err == ErrNotFound {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

type TaskUpdate struct {
	Title          *string
	Category       *string
	Description    *string
	LifecycleStage *string
	Status         *string
	ApprovalStatus *string
	AssigneeID     *string
	CompletedAt    *string
	ClearCompleted bool
}

func (r Repo) UpdateTask(ctx context.Context, id string, u TaskUpdate, updatedAt string) error {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+"=?")
		args = append(args, v)
	}
	if u.Title != nil {
		set("title", *u.Title)
	}
	if u.Category != nil {
		set("category", nullable(*u.Category))
	}
	if u.Description != nil {
		set("description", nullable(*u.Description))
	}
	if u.LifecycleStage != nil {
		set("lifecycle_stage", nullable(*u.LifecycleStage))
	}
	if u.Status != nil {
		set("status", *u.Status)
	}
	if u.ApprovalStatus != nil {
		set("approval_status", *u.ApprovalStatus)
	}
	if u.AssigneeID != nil {
		set("assignee_id", nullable(*u.AssigneeID))
	}
	if u.CompletedAt != nil {
		set("completed_at", *u.CompletedAt)
	} else if u.ClearCompleted {
		set("completed_at", nil)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE tasks SET %s WHERE id=?`, strings.Join(sets, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetChecklistItem upserts one checklist answer.
func (r Repo) SetChecklistItem(ctx context.Context, taskID string, item domain.ChecklistItem) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE checklist_items SET done=?, answer=? WHERE task_id=? AND key=?`,
		boolInt(item.Done), nullable(item.Answer), taskID, item.Key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func deref(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func optionalString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
