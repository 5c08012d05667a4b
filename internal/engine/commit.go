package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"growline/internal/config"
	"growline/internal/domain"
	"growline/internal/events"
	"growline/internal/stage"
)

// TransitionOptions are parameters for committing a stage transition.
type TransitionOptions struct {
	BatchID string
	// ExpectedStage guards against concurrent transitions: when set,
	// the commit fails unless the batch is still in that stage.
	ExpectedStage string
	Fields        map[string]any
	TaskIDs       []string
	ActorID       string
	// Force skips the task gate. Field requirements still apply.
	Force bool
}

// CommitTransition advances a batch to its next lifecycle stage. The
// gate check, field validation, extraction, derivation, history row
// and event all happen in one transaction; a failure at any point
// leaves the batch untouched.
func (e Engine) CommitTransition(ctx context.Context, opts TransitionOptions) (domain.Batch, domain.Transition, error) {
	if e.Config == nil {
		return domain.Batch{}, domain.Transition{}, fmt.Errorf("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Batch{}, domain.Transition{}, err
	}
	defer tx.Rollback()

	b, err := e.Repo.GetBatchTx(ctx, tx, opts.BatchID)
	if err != nil {
		return domain.Batch{}, domain.Transition{}, err
	}
	if opts.ExpectedStage != "" && opts.ExpectedStage != b.CurrentStage {
		return domain.Batch{}, domain.Transition{}, StageConflictError{BatchID: b.ID, Expected: opts.ExpectedStage, Actual: b.CurrentStage}
	}
	if b.Status == "completed" || b.Status == "archived" {
		return domain.Batch{}, domain.Transition{}, fmt.Errorf("batch %s is %s", b.ID, b.Status)
	}
	toStage, err := stage.Next(b.CurrentStage)
	if err != nil {
		return domain.Batch{}, domain.Transition{}, err
	}

	if !opts.Force {
		gate, err := e.evaluateGateTx(ctx, tx, b, opts.TaskIDs)
		if err != nil {
			return domain.Batch{}, domain.Transition{}, err
		}
		if !gate.Allowed {
			return domain.Batch{}, domain.Transition{}, GateError{BatchID: b.ID, Reasons: gate.Reasons}
		}
	}

	tasks, err := e.Repo.GetTasksTx(ctx, tx, opts.TaskIDs)
	if err != nil {
		return domain.Batch{}, domain.Transition{}, err
	}
	mappings, err := e.Repo.ListMappingsTx(ctx, tx, b.FacilityID)
	if err != nil {
		return domain.Batch{}, domain.Transition{}, err
	}

	// Operator input overrides extracted values; derived defaults only
	// fill what is still blank.
	delta := Extract(mappings, tasks, b.CurrentStage, e.transitionFieldTypes(b.CurrentStage))
	for k, v := range opts.Fields {
		delta[k] = v
	}
	key := stage.TransitionKey(b.CurrentStage, toStage)
	for k, v := range Derive(key, b.Fields, delta) {
		delta[k] = v
	}

	if req, ok := e.Config.Requirements(b.CurrentStage, toStage); ok {
		if err := e.validateTransitionFields(ctx, tx, b.FacilityID, key, req, delta); err != nil {
			return domain.Batch{}, domain.Transition{}, err
		}
	}

	newFields := make(map[string]any, len(b.Fields)+len(delta))
	for k, v := range b.Fields {
		newFields[k] = v
	}
	for k, v := range delta {
		newFields[k] = v
	}

	now := e.now().UTC().Format(time.RFC3339)
	moved, err := e.Repo.UpdateBatchStageTx(ctx, tx, b.ID, b.CurrentStage, toStage, newFields, opts.TaskIDs, now)
	if err != nil {
		return domain.Batch{}, domain.Transition{}, err
	}
	if !moved {
		cur, _ := e.Repo.GetBatchTx(ctx, tx, b.ID)
		return domain.Batch{}, domain.Transition{}, StageConflictError{BatchID: b.ID, Expected: b.CurrentStage, Actual: cur.CurrentStage}
	}

	t := domain.Transition{
		BatchID:         b.ID,
		FromStage:       b.CurrentStage,
		ToStage:         toStage,
		TS:              now,
		ActorID:         opts.ActorID,
		AssociatedTasks: opts.TaskIDs,
		FieldData:       delta,
	}
	t.ID, err = e.Repo.InsertTransitionTx(ctx, tx, t)
	if err != nil {
		return domain.Batch{}, domain.Transition{}, fmt.Errorf("insert transition: %w", err)
	}

	if err := e.Events.Append(ctx, tx, events.TypeBatchTransition, b.FacilityID, "batch", b.ID, opts.ActorID, events.EventPayload{
		"from_stage": t.FromStage,
		"to_stage":   t.ToStage,
		"tasks":      len(opts.TaskIDs),
	}); err != nil {
		return domain.Batch{}, domain.Transition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Batch{}, domain.Transition{}, err
	}

	b.CurrentStage = toStage
	b.Fields = newFields
	b.LastTransitionTasks = opts.TaskIDs
	b.UpdatedAt = now
	return b, t, nil
}

// validateTransitionFields checks the delta against the registry entry
// for the transition: required fields present, every declared field
// well-typed, select values known to their lookup category.
func (e Engine) validateTransitionFields(ctx context.Context, tx *sql.Tx, facilityID, key string, req config.TransitionRequirements, delta map[string]any) error {
	var problems []string
	for _, def := range req.Required {
		v, ok := delta[def.Field]
		if !ok || v == nil || v == "" {
			problems = append(problems, fmt.Sprintf("%s (%s) is required", def.Field, def.Label))
			continue
		}
		if p := e.checkFieldType(ctx, tx, facilityID, def, v); p != "" {
			problems = append(problems, p)
		}
	}
	for _, def := range req.Optional {
		v, ok := delta[def.Field]
		if !ok || v == nil || v == "" {
			continue
		}
		if p := e.checkFieldType(ctx, tx, facilityID, def, v); p != "" {
			problems = append(problems, p)
		}
	}
	if len(problems) > 0 {
		return FieldError{Transition: key, Problems: problems}
	}
	return nil
}

func (e Engine) checkFieldType(ctx context.Context, tx *sql.Tx, facilityID string, def config.FieldDef, v any) string {
	switch def.Type {
	case config.TypeDate:
		if _, ok := dateValue(v); !ok {
			return fmt.Sprintf("%s must be a date (YYYY-MM-DD)", def.Field)
		}
	case config.TypeNumber:
		n, ok := numberValue(v)
		if !ok {
			return fmt.Sprintf("%s must be a number", def.Field)
		}
		if n < 0 {
			return fmt.Sprintf("%s must not be negative", def.Field)
		}
	case config.TypeCheckbox:
		if _, ok := v.(bool); !ok {
			return fmt.Sprintf("%s must be true or false", def.Field)
		}
	case config.TypeText:
		if _, ok := v.(string); !ok {
			return fmt.Sprintf("%s must be text", def.Field)
		}
	case config.TypeSelect:
		s, ok := v.(string)
		if !ok || s == "" {
			return fmt.Sprintf("%s must be a selection", def.Field)
		}
		if def.Source == "" || def.Source == config.SourceUsers {
			return ""
		}
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM lookups WHERE facility_id=? AND category=? AND code=? AND active=1`, facilityID, def.Source, s).Scan(&one)
		if err == sql.ErrNoRows {
			return fmt.Sprintf("%s value %q is not in lookup category %s", def.Field, s, def.Source)
		}
		if err != nil {
			return fmt.Sprintf("%s lookup check failed: %v", def.Field, err)
		}
	}
	return ""
}
