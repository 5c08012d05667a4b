package engine_test

import (
	"testing"

	"growline/internal/config"
	"growline/internal/domain"
	"growline/internal/engine"
	"growline/internal/stage"
)

func completedTask(title, category string, items ...domain.ChecklistItem) domain.Task {
	return domain.Task{
		ID:        "t-" + title,
		Title:     title,
		Category:  category,
		Status:    "completed",
		Checklist: items,
	}
}

func TestExtractMappingPrecedence(t *testing.T) {
	mappings := []domain.FieldMapping{
		{ID: "by-cat", TaskCategory: "inspection", ItemMappings: map[string]string{"room": "clone_room"}},
		{ID: "by-sof", SOFNumber: "HVCSOF0020", ItemMappings: map[string]string{"room": "mother_room"}},
	}
	task := completedTask("HVCSOF0020 Mother Room Inspection", "inspection",
		domain.ChecklistItem{Key: "room", Done: true, Answer: "GH-2"})

	out := engine.Extract(mappings, []domain.Task{task}, stage.Preclone, nil)
	if out["mother_room"] != "GH-2" {
		t.Fatalf("sof mapping should win over category: %v", out)
	}
	if _, ok := out["clone_room"]; ok {
		t.Fatalf("category mapping applied alongside sof match: %v", out)
	}
}

func TestExtractStageScopedMapping(t *testing.T) {
	mappings := []domain.FieldMapping{
		{ID: "m", TaskCategory: "inspection", ApplicableStages: []string{stage.Hardening},
			ItemMappings: map[string]string{"count": "hardening_number_clones"}},
	}
	task := completedTask("Weekly inspection", "inspection",
		domain.ChecklistItem{Key: "count", Done: true, Answer: "95"})

	if out := engine.Extract(mappings, []domain.Task{task}, stage.Preclone, nil); len(out) != 0 {
		t.Fatalf("mapping fired outside its stages: %v", out)
	}
	out := engine.Extract(mappings, []domain.Task{task}, stage.Hardening, nil)
	if out["hardening_number_clones"] != "95" {
		t.Fatalf("mapping skipped in its stage: %v", out)
	}
}

func TestExtractIgnoresIncompleteTasks(t *testing.T) {
	mappings := []domain.FieldMapping{
		{ID: "m", TaskCategory: "inspection", ItemMappings: map[string]string{"room": "clone_room"}},
	}
	task := completedTask("Inspection", "inspection",
		domain.ChecklistItem{Key: "room", Done: true, Answer: "GH-2"})
	task.Status = "in_progress"

	if out := engine.Extract(mappings, []domain.Task{task}, stage.Preclone, nil); len(out) != 0 {
		t.Fatalf("incomplete task yielded values: %v", out)
	}
}

func TestExtractFieldWhitelistAndUntouchedItems(t *testing.T) {
	mappings := []domain.FieldMapping{
		{ID: "m", TaskCategory: "inspection", Fields: []string{"clone_room"},
			ItemMappings: map[string]string{"room": "clone_room", "operator": "clonator_no"}},
	}
	task := completedTask("Inspection", "inspection",
		domain.ChecklistItem{Key: "room", Done: true, Answer: "GH-2"},
		domain.ChecklistItem{Key: "operator", Done: true, Answer: "CL-01"},
		domain.ChecklistItem{Key: "untouched", Position: 3})

	out := engine.Extract(mappings, []domain.Task{task}, stage.Preclone, nil)
	if out["clone_room"] != "GH-2" {
		t.Fatalf("whitelisted field missing: %v", out)
	}
	if _, ok := out["clonator_no"]; ok {
		t.Fatalf("field outside whitelist extracted: %v", out)
	}
	if len(out) != 1 {
		t.Fatalf("extra fields extracted: %v", out)
	}
}

func TestExtractLaterTaskReplacesEarlier(t *testing.T) {
	mappings := []domain.FieldMapping{
		{ID: "m", TaskCategory: "inspection", ItemMappings: map[string]string{"room": "clone_room"}},
	}
	first := completedTask("First", "inspection",
		domain.ChecklistItem{Key: "room", Done: true, Answer: "GH-1"})
	second := completedTask("Second", "inspection",
		domain.ChecklistItem{Key: "room", Done: true, Answer: "GH-2"})

	out := engine.Extract(mappings, []domain.Task{first, second}, stage.Preclone, nil)
	if out["clone_room"] != "GH-2" {
		t.Fatalf("later task should replace earlier: %v", out)
	}
}

func TestExtractCheckedItemWithoutAnswer(t *testing.T) {
	mappings := []domain.FieldMapping{
		{ID: "m", TaskCategory: "inspection", ItemMappings: map[string]string{"sanitized": "clonator_sanitized"}},
	}
	task := completedTask("Inspection", "inspection",
		domain.ChecklistItem{Key: "sanitized", Done: true})

	out := engine.Extract(mappings, []domain.Task{task}, stage.Preclone, nil)
	if out["clonator_sanitized"] != true {
		t.Fatalf("checked item should contribute true: %v", out)
	}
}

func TestExtractTruncatesTimestampsOnlyForDateFields(t *testing.T) {
	mappings := []domain.FieldMapping{
		{ID: "m", TaskCategory: "inspection", ItemMappings: map[string]string{
			"germinated": "germination_date",
			"note":       "inspection_note",
		}},
	}
	task := completedTask("Inspection", "inspection",
		domain.ChecklistItem{Key: "germinated", Done: true, Answer: "2025-03-01T14:30:00Z"},
		domain.ChecklistItem{Key: "note", Done: true, Answer: "2025-03-01T14:30:00Z"})
	fieldTypes := map[string]string{
		"germination_date": config.TypeDate,
		"inspection_note":  config.TypeText,
	}

	out := engine.Extract(mappings, []domain.Task{task}, stage.Preclone, fieldTypes)
	if out["germination_date"] != "2025-03-01" {
		t.Fatalf("date field should carry the date only: %v", out)
	}
	if out["inspection_note"] != "2025-03-01T14:30:00Z" {
		t.Fatalf("text field must keep the full answer: %v", out)
	}
}
