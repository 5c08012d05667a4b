package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"growline/internal/domain"
	"growline/internal/repo"
)

// GateResult is the outcome of evaluating whether a batch may leave
// its current stage.
type GateResult struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// EvaluateGate checks the three blocking conditions for leaving the
// batch's current stage: every active template declared for the phase
// has a completed task, every batch task pinned to the phase is
// resolved, and every task selected for the transition is completed.
// A batch with no templates and no open tasks passes trivially.
func (e Engine) EvaluateGate(ctx context.Context, batchID string, selectedTaskIDs []string) (GateResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return GateResult{}, err
	}
	defer tx.Rollback()
	b, err := e.Repo.GetBatchTx(ctx, tx, batchID)
	if err != nil {
		return GateResult{}, err
	}
	return e.evaluateGateTx(ctx, tx, b, selectedTaskIDs)
}

func (e Engine) evaluateGateTx(ctx context.Context, tx *sql.Tx, b domain.Batch, selectedTaskIDs []string) (GateResult, error) {
	var reasons []string

	templates, err := e.Repo.ListActiveTemplatesTx(ctx, tx, b.FacilityID, b.CurrentStage)
	if err != nil {
		return GateResult{}, err
	}
	batchTasks, err := e.Repo.ListTasksTx(ctx, tx, repo.TaskFilters{BatchID: b.ID})
	if err != nil {
		return GateResult{}, err
	}
	var stageTasks []domain.Task
	for _, t := range batchTasks {
		if t.LifecycleStage != nil && *t.LifecycleStage == b.CurrentStage {
			stageTasks = append(stageTasks, t)
		}
	}

	// Any task of the batch can satisfy a declared checklist; only the
	// open-task check below is pinned to the current stage.
	for _, tpl := range templates {
		task, found := matchTemplateTask(tpl, batchTasks)
		switch {
		case !found:
			reasons = append(reasons, fmt.Sprintf("required checklist %s (%s) has no task", tpl.SOFNumber, tpl.Name))
		case task.Status != "completed":
			reasons = append(reasons, fmt.Sprintf("required checklist %s task %q is %s", tpl.SOFNumber, task.Title, task.Status))
		}
	}

	for _, t := range stageTasks {
		if t.Status == "completed" || t.Status == "cancelled" {
			continue
		}
		reasons = append(reasons, fmt.Sprintf("task %q is %s", t.Title, t.Status))
	}

	for _, id := range selectedTaskIDs {
		t, err := e.Repo.GetTaskTx(ctx, tx, id)
		if err == repo.ErrNotFound {
			reasons = append(reasons, fmt.Sprintf("selected task %s does not exist", id))
			continue
		}
		if err != nil {
			return GateResult{}, err
		}
		if t.BatchID == nil || *t.BatchID != b.ID {
			reasons = append(reasons, fmt.Sprintf("selected task %q belongs to a different batch", t.Title))
			continue
		}
		if t.Status != "completed" {
			reasons = append(reasons, fmt.Sprintf("selected task %q is %s", t.Title, t.Status))
			continue
		}
		if p := t.Progress(); p.Completed < p.Total {
			reasons = append(reasons, fmt.Sprintf("selected task %q has %d/%d checklist items done", t.Title, p.Completed, p.Total))
		}
	}

	return GateResult{Allowed: len(reasons) == 0, Reasons: reasons}, nil
}

// matchTemplateTask finds a batch task satisfying a template,
// either by category equality or by the SOF number appearing in the
// task title.
func matchTemplateTask(tpl domain.ChecklistTemplate, tasks []domain.Task) (domain.Task, bool) {
	for _, t := range tasks {
		if t.Status == "cancelled" {
			continue
		}
		if t.Category == tpl.SOFNumber || strings.Contains(t.Title, tpl.SOFNumber) {
			return t, true
		}
	}
	return domain.Task{}, false
}
