package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"growline/internal/domain"
	"growline/internal/events"
	"growline/internal/stage"
)

// SaveTemplate records a checklist template declaration. New templates
// start active.
func (e Engine) SaveTemplate(ctx context.Context, t domain.ChecklistTemplate, actorID string) (domain.ChecklistTemplate, error) {
	if t.FacilityID == "" {
		return domain.ChecklistTemplate{}, errors.New("facility is required")
	}
	if t.SOFNumber == "" || t.Name == "" {
		return domain.ChecklistTemplate{}, errors.New("sof_number and name are required")
	}
	if t.LifecyclePhase != "" && !stage.IsValid(t.LifecyclePhase) {
		return domain.ChecklistTemplate{}, fmt.Errorf("unknown lifecycle phase %s", t.LifecyclePhase)
	}
	now := e.now().UTC().Format(time.RFC3339)
	if t.ID == "" {
		t.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(t.FacilityID+"|template|"+t.SOFNumber)).String()
	}
	t.Active = true
	t.CreatedAt = now
	if err := e.Repo.InsertTemplate(ctx, t); err != nil {
		return domain.ChecklistTemplate{}, fmt.Errorf("insert template: %w", err)
	}
	if err := e.appendEvent(ctx, events.TypeTemplateChanged, t.FacilityID, "template", t.ID, actorID, events.EventPayload{
		"sof_number": t.SOFNumber,
		"active":     t.Active,
	}); err != nil {
		return domain.ChecklistTemplate{}, err
	}
	return t, nil
}

// SetTemplateActive activates or retires a template.
func (e Engine) SetTemplateActive(ctx context.Context, id string, active bool, actorID string) (domain.ChecklistTemplate, error) {
	if err := e.Repo.SetTemplateActive(ctx, id, active); err != nil {
		return domain.ChecklistTemplate{}, err
	}
	t, err := e.Repo.GetTemplate(ctx, id)
	if err != nil {
		return domain.ChecklistTemplate{}, err
	}
	if err := e.appendEvent(ctx, events.TypeTemplateChanged, t.FacilityID, "template", t.ID, actorID, events.EventPayload{
		"sof_number": t.SOFNumber,
		"active":     t.Active,
	}); err != nil {
		return domain.ChecklistTemplate{}, err
	}
	return t, nil
}

// SaveMapping records a field mapping. A mapping must match tasks by
// category or SOF number and carry at least one item mapping.
func (e Engine) SaveMapping(ctx context.Context, m domain.FieldMapping, actorID string) (domain.FieldMapping, error) {
	if m.FacilityID == "" {
		return domain.FieldMapping{}, errors.New("facility is required")
	}
	if m.TaskCategory == "" && m.SOFNumber == "" {
		return domain.FieldMapping{}, errors.New("task_category or sof_number is required")
	}
	if len(m.ItemMappings) == 0 {
		return domain.FieldMapping{}, errors.New("item_mappings is required")
	}
	for _, s := range m.ApplicableStages {
		if !stage.IsValid(s) {
			return domain.FieldMapping{}, fmt.Errorf("unknown stage %s", s)
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if m.ID == "" {
		m.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(m.FacilityID+"|mapping|"+m.TaskCategory+"|"+m.SOFNumber+"|"+now)).String()
	}
	m.CreatedAt = now
	if err := e.Repo.InsertMapping(ctx, m); err != nil {
		return domain.FieldMapping{}, fmt.Errorf("insert mapping: %w", err)
	}
	if err := e.appendEvent(ctx, events.TypeMappingChanged, m.FacilityID, "mapping", m.ID, actorID, events.EventPayload{
		"task_category": m.TaskCategory,
		"sof_number":    m.SOFNumber,
	}); err != nil {
		return domain.FieldMapping{}, err
	}
	return m, nil
}

// DeleteMapping removes a field mapping.
func (e Engine) DeleteMapping(ctx context.Context, id, actorID string) error {
	m, err := e.Repo.GetMapping(ctx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteMapping(ctx, id); err != nil {
		return err
	}
	return e.appendEvent(ctx, events.TypeMappingChanged, m.FacilityID, "mapping", m.ID, actorID, events.EventPayload{
		"deleted": true,
	})
}

// SaveLookup creates or updates a lookup entry.
func (e Engine) SaveLookup(ctx context.Context, l domain.Lookup, actorID string) (domain.Lookup, error) {
	if l.FacilityID == "" {
		return domain.Lookup{}, errors.New("facility is required")
	}
	if l.Category == "" || l.Code == "" || l.Label == "" {
		return domain.Lookup{}, errors.New("category, code and label are required")
	}
	if l.ID == "" {
		l.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(l.FacilityID+"|lookup|"+l.Category+"|"+l.Code)).String()
	}
	if err := e.Repo.UpsertLookup(ctx, l); err != nil {
		return domain.Lookup{}, fmt.Errorf("upsert lookup: %w", err)
	}
	if err := e.appendEvent(ctx, events.TypeLookupChanged, l.FacilityID, "lookup", l.ID, actorID, events.EventPayload{
		"category": l.Category,
		"code":     l.Code,
		"active":   l.Active,
	}); err != nil {
		return domain.Lookup{}, err
	}
	return l, nil
}

func (e Engine) appendEvent(ctx context.Context, evtType, facilityID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, facilityID, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}
