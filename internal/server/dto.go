package server

import (
	"encoding/json"

	"growline/internal/config"
	"growline/internal/domain"
)

// Request payloads

type CreateFacilityRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type CreateBatchRequest struct {
	ID          *string        `json:"id,omitempty"`
	BatchNumber string         `json:"batch_number"`
	Strain      *string        `json:"strain,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

type UpdateBatchRequest struct {
	Status *string        `json:"status,omitempty" enum:"draft,in_progress,completed,archived"`
	Fields map[string]any `json:"fields,omitempty"`
}

type TransitionRequest struct {
	ExpectedStage *string        `json:"expected_stage,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
	TaskIDs       []string       `json:"task_ids,omitempty"`
	Force         bool           `json:"force,omitempty"`
}

type ChecklistItemRequest struct {
	Key      string  `json:"key"`
	Label    *string `json:"label,omitempty"`
	Position int     `json:"position,omitempty"`
}

type CreateTaskRequest struct {
	ID             *string                `json:"id,omitempty"`
	BatchID        *string                `json:"batch_id,omitempty"`
	Title          *string                `json:"title,omitempty"`
	Category       *string                `json:"category,omitempty"`
	Description    *string                `json:"description,omitempty"`
	LifecycleStage *string                `json:"lifecycle_stage,omitempty"`
	SOFNumber      *string                `json:"sof_number,omitempty"`
	AssigneeID     *string                `json:"assignee_id,omitempty"`
	Checklist      []ChecklistItemRequest `json:"checklist,omitempty"`
}

type UpdateTaskRequest struct {
	Title          *string `json:"title,omitempty"`
	Description    *string `json:"description,omitempty"`
	Status         *string `json:"status,omitempty" enum:"pending,in_progress,completed,cancelled"`
	ApprovalStatus *string `json:"approval_status,omitempty" enum:"draft,pending_approval,approved,rejected"`
	AssigneeID     *string `json:"assignee_id,omitempty"`
	Force          bool    `json:"force,omitempty"`
}

type SetChecklistItemRequest struct {
	Done   bool    `json:"done"`
	Answer *string `json:"answer,omitempty"`
}

type CreateTemplateRequest struct {
	ID             *string                `json:"id,omitempty"`
	SOFNumber      string                 `json:"sof_number"`
	Name           string                 `json:"name"`
	LifecyclePhase *string                `json:"lifecycle_phase,omitempty"`
	Items          []ChecklistItemRequest `json:"items,omitempty"`
}

type CreateMappingRequest struct {
	ID               *string           `json:"id,omitempty"`
	TaskCategory     *string           `json:"task_category,omitempty"`
	SOFNumber        *string           `json:"sof_number,omitempty"`
	ApplicableStages []string          `json:"applicable_stages,omitempty"`
	Fields           []string          `json:"fields,omitempty"`
	ItemMappings     map[string]string `json:"item_mappings"`
}

type UpsertLookupRequest struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Label    string `json:"label"`
	Position int    `json:"position,omitempty"`
	Active   *bool  `json:"active,omitempty"`
}

type ExtractRequest struct {
	TaskIDs []string `json:"task_ids"`
}

type AssignRoleRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type FacilityResponse struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type BatchResponse struct {
	ID                  string         `json:"id"`
	FacilityID          string         `json:"facility_id"`
	BatchNumber         string         `json:"batch_number"`
	Strain              string         `json:"strain,omitempty"`
	CurrentStage        string         `json:"current_stage"`
	Status              string         `json:"status" enum:"draft,in_progress,completed,archived"`
	Fields              map[string]any `json:"fields"`
	LastTransitionTasks []string       `json:"last_transition_tasks"`
	CreatedAt           string         `json:"created_at" format:"date-time"`
	UpdatedAt           string         `json:"updated_at" format:"date-time"`
}

type TransitionResponse struct {
	ID              int64          `json:"id"`
	BatchID         string         `json:"batch_id"`
	FromStage       string         `json:"from_stage"`
	ToStage         string         `json:"to_stage"`
	TS              string         `json:"ts" format:"date-time"`
	ActorID         string         `json:"actor_id"`
	AssociatedTasks []string       `json:"associated_tasks"`
	FieldData       map[string]any `json:"field_data"`
}

type TaskResponse struct {
	ID             string                 `json:"id"`
	FacilityID     string                 `json:"facility_id"`
	BatchID        *string                `json:"batch_id,omitempty"`
	Title          string                 `json:"title"`
	Category       string                 `json:"category,omitempty"`
	Description    string                 `json:"description,omitempty"`
	LifecycleStage *string                `json:"lifecycle_stage,omitempty"`
	Status         string                 `json:"status" enum:"pending,in_progress,completed,cancelled"`
	ApprovalStatus string                 `json:"approval_status" enum:"draft,pending_approval,approved,rejected"`
	AssigneeID     *string                `json:"assignee_id,omitempty"`
	Checklist      []domain.ChecklistItem `json:"checklist"`
	Progress       domain.Progress        `json:"progress"`
	CreatedAt      string                 `json:"created_at" format:"date-time"`
	UpdatedAt      string                 `json:"updated_at" format:"date-time"`
	CompletedAt    *string                `json:"completed_at,omitempty" format:"date-time"`
}

type TemplateResponse struct {
	ID             string                 `json:"id"`
	FacilityID     string                 `json:"facility_id"`
	SOFNumber      string                 `json:"sof_number"`
	Name           string                 `json:"name"`
	LifecyclePhase string                 `json:"lifecycle_phase,omitempty"`
	Active         bool                   `json:"active"`
	Items          []domain.ChecklistItem `json:"items"`
	CreatedAt      string                 `json:"created_at" format:"date-time"`
}

type MappingResponse struct {
	ID               string            `json:"id"`
	FacilityID       string            `json:"facility_id"`
	TaskCategory     string            `json:"task_category,omitempty"`
	SOFNumber        string            `json:"sof_number,omitempty"`
	ApplicableStages []string          `json:"applicable_stages"`
	Fields           []string          `json:"fields"`
	ItemMappings     map[string]string `json:"item_mappings"`
	CreatedAt        string            `json:"created_at" format:"date-time"`
}

type LookupResponse struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Code     string `json:"code"`
	Label    string `json:"label"`
	Position int    `json:"position"`
	Active   bool   `json:"active"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	FacilityID string         `json:"facility_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type GateResponse struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons"`
}

type StageResponse struct {
	Stage    string `json:"stage"`
	Next     string `json:"next,omitempty"`
	Terminal bool   `json:"terminal"`
}

type CreateAPIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Key     string `json:"key"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Conversion helpers

func facilityResponse(f domain.Facility) FacilityResponse {
	return FacilityResponse(f)
}

func batchResponse(b domain.Batch) BatchResponse {
	return BatchResponse{
		ID:                  b.ID,
		FacilityID:          b.FacilityID,
		BatchNumber:         b.BatchNumber,
		Strain:              b.Strain,
		CurrentStage:        b.CurrentStage,
		Status:              b.Status,
		Fields:              nonNilMap(b.Fields),
		LastTransitionTasks: nonNilSlice(b.LastTransitionTasks),
		CreatedAt:           b.CreatedAt,
		UpdatedAt:           b.UpdatedAt,
	}
}

func transitionResponse(t domain.Transition) TransitionResponse {
	return TransitionResponse{
		ID:              t.ID,
		BatchID:         t.BatchID,
		FromStage:       t.FromStage,
		ToStage:         t.ToStage,
		TS:              t.TS,
		ActorID:         t.ActorID,
		AssociatedTasks: nonNilSlice(t.AssociatedTasks),
		FieldData:       nonNilMap(t.FieldData),
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		FacilityID:     t.FacilityID,
		BatchID:        t.BatchID,
		Title:          t.Title,
		Category:       t.Category,
		Description:    t.Description,
		LifecycleStage: t.LifecycleStage,
		Status:         t.Status,
		ApprovalStatus: t.ApprovalStatus,
		AssigneeID:     t.AssigneeID,
		Checklist:      nonNilSlice(t.Checklist),
		Progress:       t.Progress(),
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		CompletedAt:    t.CompletedAt,
	}
}

func templateResponse(t domain.ChecklistTemplate) TemplateResponse {
	return TemplateResponse{
		ID:             t.ID,
		FacilityID:     t.FacilityID,
		SOFNumber:      t.SOFNumber,
		Name:           t.Name,
		LifecyclePhase: t.LifecyclePhase,
		Active:         t.Active,
		Items:          nonNilSlice(t.Items),
		CreatedAt:      t.CreatedAt,
	}
}

func mappingResponse(m domain.FieldMapping) MappingResponse {
	items := m.ItemMappings
	if items == nil {
		items = map[string]string{}
	}
	return MappingResponse{
		ID:               m.ID,
		FacilityID:       m.FacilityID,
		TaskCategory:     m.TaskCategory,
		SOFNumber:        m.SOFNumber,
		ApplicableStages: nonNilSlice(m.ApplicableStages),
		Fields:           nonNilSlice(m.Fields),
		ItemMappings:     items,
		CreatedAt:        m.CreatedAt,
	}
}

func lookupResponse(l domain.Lookup) LookupResponse {
	return LookupResponse{
		ID:       l.ID,
		Category: l.Category,
		Code:     l.Code,
		Label:    l.Label,
		Position: l.Position,
		Active:   l.Active,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		FacilityID: e.FacilityID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

type FacilityConfigResponse struct {
	Facility struct {
		ID   string `json:"id"`
		Kind string `json:"kind"`
	} `json:"facility"`
	Lookups struct {
		Categories map[string]struct {
			Description string `json:"description"`
		} `json:"categories"`
	} `json:"lookups"`
	Transitions map[string]config.TransitionRequirements `json:"transitions"`
}

func configResponse(cfg *config.Config) FacilityConfigResponse {
	var res FacilityConfigResponse
	res.Facility.ID = cfg.Facility.ID
	res.Facility.Kind = cfg.Facility.Kind
	res.Lookups.Categories = map[string]struct {
		Description string `json:"description"`
	}{}
	for k, v := range cfg.Lookups.Categories {
		res.Lookups.Categories[k] = struct {
			Description string `json:"description"`
		}{Description: v.Description}
	}
	res.Transitions = cfg.Transitions
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func nonNilMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return in
}

func checklistItems(in []ChecklistItemRequest) []domain.ChecklistItem {
	items := make([]domain.ChecklistItem, 0, len(in))
	for i, r := range in {
		item := domain.ChecklistItem{Key: r.Key, Position: r.Position}
		if item.Position == 0 {
			item.Position = i + 1
		}
		if r.Label != nil {
			item.Label = *r.Label
		}
		items = append(items, item)
	}
	return items
}
