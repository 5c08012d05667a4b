package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"growline/internal/domain"
	"growline/internal/engine/auth"
	"growline/internal/events"
	"growline/internal/repo"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID             string
	FacilityID     string
	BatchID        string
	Title          string
	Category       string
	Description    string
	LifecycleStage string
	SOFNumber      string
	AssigneeID     string
	Checklist      []domain.ChecklistItem
	ActorID        string
}

// CreateTask records a new task. When SOFNumber names a checklist
// template, the task inherits the template's name, phase, category and
// checklist items unless the caller supplies its own.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if opts.FacilityID == "" {
		return domain.Task{}, errors.New("facility is required")
	}
	if opts.SOFNumber != "" {
		tpl, err := e.Repo.GetTemplateBySOF(ctx, opts.FacilityID, opts.SOFNumber)
		if err == repo.ErrNotFound {
			return domain.Task{}, fmt.Errorf("template %s not found", opts.SOFNumber)
		}
		if err != nil {
			return domain.Task{}, err
		}
		if opts.Title == "" {
			opts.Title = fmt.Sprintf("%s %s", tpl.SOFNumber, tpl.Name)
		}
		if opts.Category == "" {
			opts.Category = tpl.SOFNumber
		}
		if opts.LifecycleStage == "" {
			opts.LifecycleStage = tpl.LifecyclePhase
		}
		if len(opts.Checklist) == 0 {
			opts.Checklist = tpl.Items
		}
	}
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	var batchID *string
	if opts.BatchID != "" {
		b, err := e.Repo.GetBatch(ctx, opts.BatchID)
		if err != nil {
			return domain.Task{}, err
		}
		if b.FacilityID != opts.FacilityID {
			return domain.Task{}, errors.New("batch in different facility")
		}
		if opts.LifecycleStage == "" {
			opts.LifecycleStage = b.CurrentStage
		}
		batchID = &opts.BatchID
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.FacilityID+"|"+opts.Title+"|"+now)).String()
	}
	t := domain.Task{
		ID:             id,
		FacilityID:     opts.FacilityID,
		BatchID:        batchID,
		Title:          opts.Title,
		Category:       opts.Category,
		Description:    opts.Description,
		Status:         "pending",
		ApprovalStatus: "draft",
		Checklist:      opts.Checklist,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if opts.LifecycleStage != "" {
		s := opts.LifecycleStage
		t.LifecycleStage = &s
	}
	if opts.AssigneeID != "" {
		a := opts.AssigneeID
		t.AssigneeID = &a
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeTaskCreated, t.FacilityID, "task", t.ID, opts.ActorID, events.EventPayload{
		"title":    t.Title,
		"category": t.Category,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskUpdateOptions are parameters for updating a task. Nil pointers
// leave the corresponding attribute untouched.
type TaskUpdateOptions struct {
	TaskID         string
	Title          *string
	Description    *string
	Status         *string
	ApprovalStatus *string
	AssigneeID     *string
	ActorID        string
	// Force skips the checklist completeness check when marking the
	// task completed.
	Force bool
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	u := repo.TaskUpdate{
		Title:       opts.Title,
		Description: opts.Description,
		AssigneeID:  opts.AssigneeID,
	}
	if opts.Status != nil && *opts.Status != t.Status {
		if err := validTaskStatusChange(t.Status, *opts.Status); err != nil {
			return domain.Task{}, err
		}
		if *opts.Status == "completed" {
			if p := t.Progress(); !opts.Force && p.Completed < p.Total {
				return domain.Task{}, fmt.Errorf("checklist incomplete: %d/%d items done", p.Completed, p.Total)
			}
			u.CompletedAt = &now
		} else {
			u.ClearCompleted = t.CompletedAt != nil
		}
		u.Status = opts.Status
	}
	if opts.ApprovalStatus != nil && *opts.ApprovalStatus != t.ApprovalStatus {
		if err := e.validApprovalChange(ctx, t, *opts.ApprovalStatus, opts.ActorID); err != nil {
			return domain.Task{}, err
		}
		u.ApprovalStatus = opts.ApprovalStatus
	}
	if err := e.Repo.UpdateTask(ctx, opts.TaskID, u, now); err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	evtType := events.TypeTaskUpdated
	payload := events.EventPayload{}
	if u.Status != nil {
		payload["status"] = *u.Status
	}
	if u.ApprovalStatus != nil {
		evtType = events.TypeTaskApproval
		payload["approval_status"] = *u.ApprovalStatus
	}
	if err := e.Events.Append(ctx, tx, evtType, t.FacilityID, "task", t.ID, opts.ActorID, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, opts.TaskID)
}

// The two task state machines are independent: completion tracks the
// work, approval tracks sign-off.
func validTaskStatusChange(oldStatus, newStatus string) error {
	switch oldStatus {
	case "pending":
		if newStatus == "in_progress" || newStatus == "completed" || newStatus == "cancelled" {
			return nil
		}
	case "in_progress":
		if newStatus == "completed" || newStatus == "cancelled" || newStatus == "pending" {
			return nil
		}
	case "completed":
		if newStatus == "in_progress" {
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}

func (e Engine) validApprovalChange(ctx context.Context, t domain.Task, newStatus, actorID string) error {
	valid := false
	switch t.ApprovalStatus {
	case "draft":
		valid = newStatus == "pending_approval"
	case "pending_approval":
		valid = newStatus == "approved" || newStatus == "rejected" || newStatus == "draft"
	case "rejected":
		valid = newStatus == "pending_approval"
	}
	if !valid {
		return fmt.Errorf("invalid approval transition %s -> %s", t.ApprovalStatus, newStatus)
	}
	if newStatus != "approved" && newStatus != "rejected" {
		return nil
	}
	if actorID == "" || t.Category == "" {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	// Approval authority is only enforced once a category has granted
	// roles; an unconfigured category stays open.
	var configured int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM approval_authorities WHERE facility_id=? AND category=?`, t.FacilityID, t.Category).Scan(&configured); err != nil {
		return err
	}
	if configured == 0 {
		return nil
	}
	ok, err := e.Auth.ActorCanApprove(ctx, tx, t.FacilityID, actorID, t.Category)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenApprovalError{Category: t.Category}
	}
	return nil
}

// SetChecklistItem records one checklist answer on a task.
func (e Engine) SetChecklistItem(ctx context.Context, taskID string, item domain.ChecklistItem, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status == "cancelled" {
		return domain.Task{}, errors.New("task cancelled")
	}
	if err := e.Repo.SetChecklistItem(ctx, taskID, item); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, taskID)
}
