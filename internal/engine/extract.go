package engine

import (
	"context"
	"strings"
	"time"

	"growline/internal/config"
	"growline/internal/domain"
	"growline/internal/stage"
)

// Extract copies checklist answers from completed tasks into batch
// field values, using the facility's field mappings. The result holds
// only the fields produced here; callers merge it into the batch bag,
// where an extracted value replaces any previous value for the same
// field. Later tasks win when two tasks produce the same field.
// fieldTypes carries the declared type per destination field; timestamp
// answers landing in a date field are truncated to the date.
func Extract(mappings []domain.FieldMapping, tasks []domain.Task, currentStage string, fieldTypes map[string]string) map[string]any {
	out := map[string]any{}
	for _, task := range tasks {
		// Only completed tasks carry answers worth copying.
		if task.Status != "completed" {
			continue
		}
		m, ok := matchMapping(mappings, task, currentStage)
		if !ok {
			continue
		}
		allowed := map[string]bool{}
		for _, f := range m.Fields {
			allowed[f] = true
		}
		for _, item := range task.Checklist {
			field, ok := m.ItemMappings[item.Key]
			if !ok {
				continue
			}
			if len(allowed) > 0 && !allowed[field] {
				continue
			}
			v, ok := itemValue(item, fieldTypes[field])
			if !ok {
				continue
			}
			out[field] = v
		}
	}
	return out
}

// matchMapping picks the first mapping applicable to a task. SOF
// number match beats category match; a mapping with applicable stages
// only fires in those stages.
func matchMapping(mappings []domain.FieldMapping, task domain.Task, currentStage string) (domain.FieldMapping, bool) {
	var categoryMatch *domain.FieldMapping
	for i, m := range mappings {
		if !stageApplies(m.ApplicableStages, currentStage) {
			continue
		}
		if m.SOFNumber != "" && strings.Contains(task.Title, m.SOFNumber) {
			return m, true
		}
		if categoryMatch == nil && m.TaskCategory != "" && m.TaskCategory == task.Category {
			categoryMatch = &mappings[i]
		}
	}
	if categoryMatch != nil {
		return *categoryMatch, true
	}
	return domain.FieldMapping{}, false
}

func stageApplies(stages []string, current string) bool {
	if len(stages) == 0 {
		return true
	}
	for _, s := range stages {
		if s == current {
			return true
		}
	}
	return false
}

// itemValue converts one checklist item to a batch field value. An
// answered item contributes its answer, with timestamps truncated to
// the date when the destination field is date-typed. An unanswered but
// checked item contributes true. An untouched item contributes
// nothing.
func itemValue(item domain.ChecklistItem, fieldType string) (any, bool) {
	if item.Answer != "" {
		if fieldType == config.TypeDate {
			return truncateTimestamp(item.Answer), true
		}
		return item.Answer, true
	}
	if item.Done {
		return true, true
	}
	return nil, false
}

func truncateTimestamp(v string) string {
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		return ts.UTC().Format("2006-01-02")
	}
	return v
}

// transitionFieldTypes maps each destination field of the upcoming
// transition to its declared registry type. Terminal stages and
// undeclared transitions yield nil.
func (e Engine) transitionFieldTypes(from string) map[string]string {
	next, err := stage.Next(from)
	if err != nil {
		return nil
	}
	req, ok := e.Config.Requirements(from, next)
	if !ok {
		return nil
	}
	types := map[string]string{}
	for _, def := range req.Required {
		types[def.Field] = def.Type
	}
	for _, def := range req.Optional {
		types[def.Field] = def.Type
	}
	return types
}

// ExtractPreview runs extraction for a batch against the named tasks
// without writing anything.
func (e Engine) ExtractPreview(ctx context.Context, batchID string, taskIDs []string) (map[string]any, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	b, err := e.Repo.GetBatchTx(ctx, tx, batchID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.Repo.GetTasksTx(ctx, tx, taskIDs)
	if err != nil {
		return nil, err
	}
	mappings, err := e.Repo.ListMappingsTx(ctx, tx, b.FacilityID)
	if err != nil {
		return nil, err
	}
	return Extract(mappings, tasks, b.CurrentStage, e.transitionFieldTypes(b.CurrentStage)), nil
}
