package domain

type Facility struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Batch struct {
	ID                  string         `json:"id"`
	FacilityID          string         `json:"facility_id"`
	BatchNumber         string         `json:"batch_number"`
	Strain              string         `json:"strain,omitempty"`
	CurrentStage        string         `json:"current_stage"`
	Status              string         `json:"status" enum:"draft,in_progress,completed,archived"`
	Fields              map[string]any `json:"fields"`
	LastTransitionTasks []string       `json:"last_transition_tasks,omitempty"`
	CreatedAt           string         `json:"created_at" format:"date-time"`
	UpdatedAt           string         `json:"updated_at" format:"date-time"`
}

// Transition is one append-only stage history row. Batches are never
// rolled back; the latest row's ToStage always equals the batch's
// current stage.
type Transition struct {
	ID              int64          `json:"id"`
	BatchID         string         `json:"batch_id"`
	FromStage       string         `json:"from_stage"`
	ToStage         string         `json:"to_stage"`
	TS              string         `json:"ts" format:"date-time"`
	ActorID         string         `json:"actor_id"`
	AssociatedTasks []string       `json:"associated_tasks,omitempty"`
	FieldData       map[string]any `json:"field_data,omitempty"`
}

type Task struct {
	ID             string          `json:"id"`
	FacilityID     string          `json:"facility_id"`
	BatchID        *string         `json:"batch_id,omitempty"`
	Title          string          `json:"title"`
	Category       string          `json:"category,omitempty"`
	Description    string          `json:"description,omitempty"`
	LifecycleStage *string         `json:"lifecycle_stage,omitempty"`
	Status         string          `json:"status" enum:"pending,in_progress,completed,cancelled"`
	ApprovalStatus string          `json:"approval_status" enum:"draft,pending_approval,approved,rejected"`
	AssigneeID     *string         `json:"assignee_id,omitempty"`
	Checklist      []ChecklistItem `json:"checklist,omitempty"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
	UpdatedAt      string          `json:"updated_at" format:"date-time"`
	CompletedAt    *string         `json:"completed_at,omitempty" format:"date-time"`
}

type ChecklistItem struct {
	Key      string `json:"key"`
	Label    string `json:"label,omitempty"`
	Position int    `json:"position"`
	Done     bool   `json:"done"`
	Answer   string `json:"answer,omitempty"`
}

// Progress counts completed checklist items.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

func (t Task) Progress() Progress {
	p := Progress{Total: len(t.Checklist)}
	for _, item := range t.Checklist {
		if item.Done {
			p.Completed++
		}
	}
	return p
}

// ChecklistTemplate declares that a numbered form (SOF) must exist as a
// task for its lifecycle phase before the phase can be left.
type ChecklistTemplate struct {
	ID             string          `json:"id"`
	FacilityID     string          `json:"facility_id"`
	SOFNumber      string          `json:"sof_number"`
	Name           string          `json:"name"`
	LifecyclePhase string          `json:"lifecycle_phase"`
	Active         bool            `json:"active"`
	Items          []ChecklistItem `json:"items,omitempty"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
}

// FieldMapping translates a completed task's checklist answers into
// batch field values.
type FieldMapping struct {
	ID               string            `json:"id"`
	FacilityID       string            `json:"facility_id"`
	TaskCategory     string            `json:"task_category,omitempty"`
	SOFNumber        string            `json:"sof_number,omitempty"`
	ApplicableStages []string          `json:"applicable_stages"`
	Fields           []string          `json:"fields,omitempty"`
	ItemMappings     map[string]string `json:"item_mappings"`
	CreatedAt        string            `json:"created_at" format:"date-time"`
}

type Lookup struct {
	ID         string `json:"id"`
	FacilityID string `json:"facility_id"`
	Category   string `json:"category"`
	Code       string `json:"code"`
	Label      string `json:"label"`
	Position   int    `json:"position"`
	Active     bool   `json:"active"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	FacilityID string `json:"facility_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ActorProfile struct {
	FacilityID         string   `json:"facility_id"`
	ActorID            string   `json:"actor_id"`
	Actions            []string `json:"actions"`
	Roles              []string `json:"roles"`
	ApprovalCategories []string `json:"approval_categories,omitempty"`
}
