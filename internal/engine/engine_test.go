package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"growline/internal/config"
	"growline/internal/db"
	"growline/internal/domain"
	"growline/internal/engine"
	"growline/internal/migrate"
	"growline/internal/repo"
	"growline/internal/stage"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("fac-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitFacility(ctx, "fac-1", "test", "tester"); err != nil {
		t.Fatalf("init facility: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) createBatch(t *testing.T, fields map[string]any) domain.Batch {
	t.Helper()
	b, err := env.Engine.CreateBatch(env.Ctx, engine.BatchCreateOptions{
		FacilityID:  "fac-1",
		BatchNumber: "B-2025-001",
		Strain:      "GG4",
		Fields:      fields,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return b
}

// minimal required payloads per forward transition
var transitionPayloads = map[string]map[string]any{
	"preclone_to_clone_germination":        {"germination_date": "2025-03-01", "total_clones_plants": 100.0, "mother_no": "M-12"},
	"clone_germination_to_hardening":       {"hardening_date": "2025-03-10", "hardening_number_clones": 95.0},
	"hardening_to_vegetative":              {"veg_date": "2025-03-17", "veg_number_plants": 90.0},
	"vegetative_to_flowering_grow_room":    {"flowering_date": "2025-04-15", "flowering_number_plants": 88.0},
	"flowering_grow_room_to_preharvest":    {"preharvest_date": "2025-06-10"},
	"preharvest_to_harvest":                {"harvest_date": "2025-06-14", "harvest_number_plants": 86.0},
	"harvest_to_processing_drying":         {"drying_date": "2025-06-15", "wet_weight_g": 42000.0},
	"processing_drying_to_packing_storage": {"packing_date": "2025-06-29", "dry_weight_g": 9200.0, "package_count": 46.0},
}

func TestBatchFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBatch(t, nil)
	if b.CurrentStage != stage.Preclone {
		t.Fatalf("new batch stage = %s", b.CurrentStage)
	}
	for !stage.IsTerminal(b.CurrentStage) {
		next, err := stage.Next(b.CurrentStage)
		if err != nil {
			t.Fatalf("next from %s: %v", b.CurrentStage, err)
		}
		key := stage.TransitionKey(b.CurrentStage, next)
		b2, tr, err := env.Engine.CommitTransition(env.Ctx, engine.TransitionOptions{
			BatchID:       b.ID,
			ExpectedStage: b.CurrentStage,
			Fields:        transitionPayloads[key],
			ActorID:       "tester",
		})
		if err != nil {
			t.Fatalf("transition %s: %v", key, err)
		}
		if tr.FromStage != b.CurrentStage || tr.ToStage != next {
			t.Fatalf("transition %s recorded %s -> %s", key, tr.FromStage, tr.ToStage)
		}
		b = b2
	}
	if b.CurrentStage != stage.PackingStorage {
		t.Fatalf("final stage = %s", b.CurrentStage)
	}

	// terminal stage cannot be left
	_, _, err := env.Engine.CommitTransition(env.Ctx, engine.TransitionOptions{BatchID: b.ID, ActorID: "tester"})
	if err == nil {
		t.Fatalf("expected terminal stage error")
	}

	// history covers every hop in order and ends at the current stage
	history, err := env.Engine.Repo.ListTransitions(env.Ctx, b.ID)
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(history) != len(stage.All())-1 {
		t.Fatalf("history rows = %d", len(history))
	}
	for i, tr := range history {
		if tr.FromStage != stage.All()[i] || tr.ToStage != stage.All()[i+1] {
			t.Fatalf("history[%d] = %s -> %s", i, tr.FromStage, tr.ToStage)
		}
	}
	if history[len(history)-1].ToStage != b.CurrentStage {
		t.Fatalf("history tail %s != current %s", history[len(history)-1].ToStage, b.CurrentStage)
	}

	evts, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{EntityKind: "batch", EntityID: b.ID, Type: "batch.transitioned"})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evts) != len(history) {
		t.Fatalf("transition events = %d, want %d", len(evts), len(history))
	}
}

func TestGateBlocksOpenStageTasks(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBatch(t, nil)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		FacilityID: "fac-1",
		BatchID:    b.ID,
		Title:      "Sanitize clone trays",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	gate, err := env.Engine.EvaluateGate(env.Ctx, b.ID, nil)
	if err != nil {
		t.Fatalf("evaluate gate: %v", err)
	}
	if gate.Allowed || len(gate.Reasons) == 0 {
		t.Fatalf("expected gate to block, got %+v", gate)
	}

	_, _, err = env.Engine.CommitTransition(env.Ctx, engine.TransitionOptions{
		BatchID: b.ID,
		Fields:  transitionPayloads["preclone_to_clone_germination"],
		ActorID: "tester",
	})
	var gateErr engine.GateError
	if !errors.As(err, &gateErr) {
		t.Fatalf("expected GateError, got %v", err)
	}

	status := "completed"
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{TaskID: task.ID, Status: &status, ActorID: "tester"}); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	gate, err = env.Engine.EvaluateGate(env.Ctx, b.ID, nil)
	if err != nil {
		t.Fatalf("evaluate gate: %v", err)
	}
	if !gate.Allowed {
		t.Fatalf("expected gate to pass, reasons: %v", gate.Reasons)
	}
}

func TestGateRequiresDeclaredChecklist(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBatch(t, nil)
	tpl := domain.ChecklistTemplate{
		ID:             "tpl-1",
		FacilityID:     "fac-1",
		SOFNumber:      "HVCSOF0020",
		Name:           "Mother Room Inspection",
		LifecyclePhase: stage.Preclone,
		Active:         true,
		Items: []domain.ChecklistItem{
			{Key: "mother_id_entered", Label: "Mother plant ID recorded", Position: 1},
		},
		CreatedAt: "2025-03-01T00:00:00Z",
	}
	if err := env.Engine.Repo.InsertTemplate(env.Ctx, tpl); err != nil {
		t.Fatalf("insert template: %v", err)
	}

	gate, err := env.Engine.EvaluateGate(env.Ctx, b.ID, nil)
	if err != nil {
		t.Fatalf("evaluate gate: %v", err)
	}
	if gate.Allowed {
		t.Fatalf("expected block while HVCSOF0020 has no task")
	}

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		FacilityID: "fac-1",
		BatchID:    b.ID,
		SOFNumber:  "HVCSOF0020",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create task from template: %v", err)
	}
	if task.Category != "HVCSOF0020" || len(task.Checklist) != 1 {
		t.Fatalf("template not applied: %+v", task)
	}

	gate, _ = env.Engine.EvaluateGate(env.Ctx, b.ID, nil)
	if gate.Allowed {
		t.Fatalf("expected block while template task incomplete")
	}

	if _, err := env.Engine.SetChecklistItem(env.Ctx, task.ID, domain.ChecklistItem{Key: "mother_id_entered", Done: true, Answer: "M-12"}, "tester"); err != nil {
		t.Fatalf("set checklist item: %v", err)
	}
	status := "completed"
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{TaskID: task.ID, Status: &status, ActorID: "tester"}); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	gate, err = env.Engine.EvaluateGate(env.Ctx, b.ID, nil)
	if err != nil {
		t.Fatalf("evaluate gate: %v", err)
	}
	if !gate.Allowed {
		t.Fatalf("expected pass, reasons: %v", gate.Reasons)
	}
}

func TestGateTemplateSatisfiedByTaskTaggedForAnotherStage(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBatch(t, nil)
	if err := env.Engine.Repo.InsertTemplate(env.Ctx, domain.ChecklistTemplate{
		ID:             "tpl-1",
		FacilityID:     "fac-1",
		SOFNumber:      "HVCSOF0020",
		Name:           "Mother Room Inspection",
		LifecyclePhase: stage.Preclone,
		Active:         true,
		CreatedAt:      "2025-03-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("insert template: %v", err)
	}

	// The satisfying task carries the SOF number in its title but is
	// tagged for a later stage.
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		FacilityID:     "fac-1",
		BatchID:        b.ID,
		Title:          "HVCSOF0020 Mother Room Inspection",
		LifecycleStage: stage.CloneGermination,
		ActorID:        "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	status := "completed"
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{TaskID: task.ID, Status: &status, ActorID: "tester"}); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	gate, err := env.Engine.EvaluateGate(env.Ctx, b.ID, nil)
	if err != nil {
		t.Fatalf("evaluate gate: %v", err)
	}
	if !gate.Allowed {
		t.Fatalf("expected pass, reasons: %v", gate.Reasons)
	}
}

func TestTransitionFieldValidation(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBatch(t, nil)

	_, _, err := env.Engine.CommitTransition(env.Ctx, engine.TransitionOptions{
		BatchID: b.ID,
		Fields:  map[string]any{"germination_date": "2025-03-01"},
		ActorID: "tester",
	})
	var fieldErr engine.FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("expected FieldError, got %v", err)
	}
	if len(fieldErr.Problems) != 2 {
		t.Fatalf("problems = %v", fieldErr.Problems)
	}

	_, _, err = env.Engine.CommitTransition(env.Ctx, engine.TransitionOptions{
		BatchID: b.ID,
		Fields: map[string]any{
			"germination_date":    "yesterday",
			"total_clones_plants": -5.0,
			"mother_no":           "M-12",
		},
		ActorID: "tester",
	})
	if !errors.As(err, &fieldErr) {
		t.Fatalf("expected FieldError, got %v", err)
	}

	// a failed commit leaves stage, fields and history untouched
	after, err := env.Engine.Repo.GetBatch(env.Ctx, b.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if after.CurrentStage != stage.Preclone || len(after.Fields) != 0 {
		t.Fatalf("batch mutated by failed commit: %+v", after)
	}
	history, _ := env.Engine.Repo.ListTransitions(env.Ctx, b.ID)
	if len(history) != 0 {
		t.Fatalf("history rows = %d", len(history))
	}
}

func TestLookupValidatedSelectField(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBatch(t, nil)
	if err := env.Engine.Repo.UpsertLookup(env.Ctx, domain.Lookup{
		ID: "lk-1", FacilityID: "fac-1", Category: "clonators", Code: "CL-01", Label: "Clonator 1", Position: 1, Active: true,
	}); err != nil {
		t.Fatalf("upsert lookup: %v", err)
	}

	payload := map[string]any{
		"germination_date":    "2025-03-01",
		"total_clones_plants": 100.0,
		"mother_no":           "M-12",
		"clonator_no":         "CL-99",
	}
	_, _, err := env.Engine.CommitTransition(env.Ctx, engine.TransitionOptions{BatchID: b.ID, Fields: payload, ActorID: "tester"})
	var fieldErr engine.FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("expected FieldError for unknown clonator, got %v", err)
	}

	payload["clonator_no"] = "CL-01"
	b2, _, err := env.Engine.CommitTransition(env.Ctx, engine.TransitionOptions{BatchID: b.ID, Fields: payload, ActorID: "tester"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if b2.Fields["clonator_no"] != "CL-01" {
		t.Fatalf("clonator_no = %v", b2.Fields["clonator_no"])
	}
}

func TestExtractionCopiesChecklistAnswers(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBatch(t, nil)
	if err := env.Engine.Repo.InsertMapping(env.Ctx, domain.FieldMapping{
		ID:               "map-1",
		FacilityID:       "fac-1",
		SOFNumber:        "HVCSOF0020",
		ApplicableStages: []string{stage.Preclone},
		ItemMappings:     map[string]string{"mother_id_entered": "mother_no", "germinated_on": "germination_date"},
		CreatedAt:        "2025-03-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("insert mapping: %v", err)
	}

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		FacilityID: "fac-1",
		BatchID:    b.ID,
		Title:      "HVCSOF0020 Mother Room Inspection",
		ActorID:    "tester",
		Checklist: []domain.ChecklistItem{
			{Key: "mother_id_entered", Position: 1},
			{Key: "germinated_on", Position: 2},
		},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := env.Engine.SetChecklistItem(env.Ctx, task.ID, domain.ChecklistItem{Key: "mother_id_entered", Done: true, Answer: "M-12"}, "tester"); err != nil {
		t.Fatalf("set item: %v", err)
	}
	// timestamps collapse to dates when the field is date-typed
	if _, err := env.Engine.SetChecklistItem(env.Ctx, task.ID, domain.ChecklistItem{Key: "germinated_on", Done: true, Answer: "2025-03-01T09:30:00Z"}, "tester"); err != nil {
		t.Fatalf("set item: %v", err)
	}
	status := "completed"
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{TaskID: task.ID, Status: &status, ActorID: "tester"}); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	preview, err := env.Engine.ExtractPreview(env.Ctx, b.ID, []string{task.ID})
	if err != nil {
		t.Fatalf("extract preview: %v", err)
	}
	if preview["mother_no"] != "M-12" || preview["germination_date"] != "2025-03-01" {
		t.Fatalf("preview = %v", preview)
	}

	// operator input wins over extracted values
	b2, tr, err := env.Engine.CommitTransition(env.Ctx, engine.TransitionOptions{
		BatchID: b.ID,
		TaskIDs: []string{task.ID},
		Fields:  map[string]any{"total_clones_plants": 100.0, "mother_no": "M-13"},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if b2.Fields["mother_no"] != "M-13" {
		t.Fatalf("operator value lost: %v", b2.Fields["mother_no"])
	}
	if b2.Fields["germination_date"] != "2025-03-01" {
		t.Fatalf("extracted date missing: %v", b2.Fields["germination_date"])
	}
	if len(tr.AssociatedTasks) != 1 || tr.AssociatedTasks[0] != task.ID {
		t.Fatalf("associated tasks = %v", tr.AssociatedTasks)
	}
	if len(b2.LastTransitionTasks) != 1 {
		t.Fatalf("last transition tasks = %v", b2.LastTransitionTasks)
	}
}

func TestDerivedHardeningDefaults(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBatch(t, nil)
	_, _, err := env.Engine.CommitTransition(env.Ctx, engine.TransitionOptions{
		BatchID: b.ID,
		Fields:  transitionPayloads["preclone_to_clone_germination"],
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("first transition: %v", err)
	}

	b2, _, err := env.Engine.CommitTransition(env.Ctx, engine.TransitionOptions{
		BatchID: b.ID,
		Fields: map[string]any{
			"hardening_date":       "2025-03-10",
			"clonator_mortalities": 5.0,
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("hardening transition: %v", err)
	}
	if got, _ := b2.Fields["hardening_number_clones"].(float64); got != 95 {
		t.Fatalf("hardening_number_clones = %v", b2.Fields["hardening_number_clones"])
	}
	if got, _ := b2.Fields["days_in_clonator"].(float64); got != 9 {
		t.Fatalf("days_in_clonator = %v", b2.Fields["days_in_clonator"])
	}
}

func TestDerivedValueNeverOverridesOperator(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBatch(t, nil)
	if _, _, err := env.Engine.CommitTransition(env.Ctx, engine.TransitionOptions{
		BatchID: b.ID,
		Fields:  transitionPayloads["preclone_to_clone_germination"],
		ActorID: "tester",
	}); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	b2, _, err := env.Engine.CommitTransition(env.Ctx, engine.TransitionOptions{
		BatchID: b.ID,
		Fields: map[string]any{
			"hardening_date":          "2025-03-10",
			"hardening_number_clones": 80.0,
			"clonator_mortalities":    5.0,
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("hardening transition: %v", err)
	}
	if got, _ := b2.Fields["hardening_number_clones"].(float64); got != 80 {
		t.Fatalf("operator value overwritten: %v", b2.Fields["hardening_number_clones"])
	}
}

func TestDerivedHeadcountClampsAtZero(t *testing.T) {
	got := engine.Derive("clone_germination_to_hardening",
		map[string]any{"total_clones_plants": 10.0, "germination_date": "2025-03-01"},
		map[string]any{"hardening_date": "2025-03-10", "clonator_mortalities": 40.0})
	if v, _ := got["hardening_number_clones"].(float64); v != 0 {
		t.Fatalf("hardening_number_clones = %v", got["hardening_number_clones"])
	}
}

func TestStageConflict(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBatch(t, nil)
	_, _, err := env.Engine.CommitTransition(env.Ctx, engine.TransitionOptions{
		BatchID:       b.ID,
		ExpectedStage: stage.Hardening,
		Fields:        transitionPayloads["preclone_to_clone_germination"],
		ActorID:       "tester",
	})
	var conflict engine.StageConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected StageConflictError, got %v", err)
	}
	if conflict.Actual != stage.Preclone {
		t.Fatalf("conflict actual = %s", conflict.Actual)
	}
}

func TestTaskChecklistGatesCompletion(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		FacilityID: "fac-1",
		Title:      "Scale calibration",
		Checklist: []domain.ChecklistItem{
			{Key: "zeroed", Position: 1},
			{Key: "weights_checked", Position: 2},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	status := "completed"
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{TaskID: task.ID, Status: &status, ActorID: "tester"})
	if err == nil {
		t.Fatalf("expected completion blocked by open checklist")
	}
	// force override is allowed
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{TaskID: task.ID, Status: &status, ActorID: "tester", Force: true}); err != nil {
		t.Fatalf("forced completion: %v", err)
	}
}

func TestApprovalFlowIndependentOfStatus(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		FacilityID: "fac-1",
		Title:      "Pesticide application log",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	approved := "approved"
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{TaskID: task.ID, ApprovalStatus: &approved, ActorID: "tester"}); err == nil {
		t.Fatalf("expected draft -> approved to fail")
	}

	pending := "pending_approval"
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{TaskID: task.ID, ApprovalStatus: &pending, ActorID: "tester"})
	if err != nil || task.ApprovalStatus != "pending_approval" {
		t.Fatalf("to pending_approval: %v", err)
	}
	rejected := "rejected"
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{TaskID: task.ID, ApprovalStatus: &rejected, ActorID: "tester"})
	if err != nil || task.ApprovalStatus != "rejected" {
		t.Fatalf("to rejected: %v", err)
	}
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{TaskID: task.ID, ApprovalStatus: &pending, ActorID: "tester"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{TaskID: task.ID, ApprovalStatus: &approved, ActorID: "tester"})
	if err != nil || task.ApprovalStatus != "approved" {
		t.Fatalf("approve: %v", err)
	}
	// approval never touched the work status
	if task.Status != "pending" {
		t.Fatalf("status = %s", task.Status)
	}
}

func TestWhoAmIReportsApprovalCategories(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.GrantRole(env.Ctx, "fac-1", "tester", "approver", "qa"); err != nil {
		t.Fatalf("grant role: %v", err)
	}
	if err := env.Engine.AllowApprovalRole(env.Ctx, "fac-1", "tester", "HVCSOF0020", "qa"); err != nil {
		t.Fatalf("allow approval: %v", err)
	}

	profile, err := env.Engine.WhoAmI(env.Ctx, "fac-1", "approver")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if len(profile.ApprovalCategories) != 1 || profile.ApprovalCategories[0] != "HVCSOF0020" {
		t.Fatalf("approval categories = %v", profile.ApprovalCategories)
	}

	profile, err = env.Engine.WhoAmI(env.Ctx, "fac-1", "tester")
	if err != nil {
		t.Fatalf("whoami tester: %v", err)
	}
	if len(profile.ApprovalCategories) != 0 {
		t.Fatalf("tester should hold no approval categories, got %v", profile.ApprovalCategories)
	}
}

func TestAPIKeyListAndRevoke(t *testing.T) {
	env := newTestEnv(t)
	key, raw, err := env.Engine.MintAPIKey(env.Ctx, "fac-1", "tester", "sensor-bot", "greenhouse sensor")
	if err != nil {
		t.Fatalf("mint key: %v", err)
	}
	if raw == "" {
		t.Fatal("expected plaintext key")
	}

	keys, err := env.Engine.ListAPIKeys(env.Ctx, "fac-1", "tester", "sensor-bot")
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != key.ID {
		t.Fatalf("unexpected keys: %+v", keys)
	}
	if keys[0].KeyHash != "" {
		t.Fatal("hash must not leave the engine")
	}

	if _, err := env.Engine.ListAPIKeys(env.Ctx, "fac-1", "stranger", ""); err == nil {
		t.Fatal("expected permission error for stranger")
	}

	if err := env.Engine.RevokeAPIKey(env.Ctx, "fac-1", "tester", key.ID); err != nil {
		t.Fatalf("revoke key: %v", err)
	}
	keys, err = env.Engine.ListAPIKeys(env.Ctx, "fac-1", "tester", "")
	if err != nil {
		t.Fatalf("list after revoke: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no keys after revoke, got %d", len(keys))
	}
}
