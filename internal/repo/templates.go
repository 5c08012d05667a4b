package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"growline/internal/domain"
)

func (r Repo) InsertTemplate(ctx context.Context, t domain.ChecklistTemplate) error {
	itemsRaw, err := json.Marshal(t.Items)
	if err != nil {
		return err
	}
	if t.Items == nil {
		itemsRaw = []byte("[]")
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO checklist_templates(id,facility_id,sof_number,name,lifecycle_phase,active,items_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.FacilityID, t.SOFNumber, t.Name, nullable(t.LifecyclePhase), boolInt(t.Active), string(itemsRaw), t.CreatedAt)
	return err
}

func scanTemplate(row rowScanner) (domain.ChecklistTemplate, error) {
	var (
		t        domain.ChecklistTemplate
		active   int
		itemsRaw string
	)
	err := row.Scan(&t.ID, &t.FacilityID, &t.SOFNumber, &t.Name, &t.LifecyclePhase, &active, &itemsRaw, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Active = active != 0
	if err := json.Unmarshal([]byte(itemsRaw), &t.Items); err != nil {
		return t, err
	}
	return t, nil
}

const templateColumns = `id,facility_id,sof_number,name,COALESCE(lifecycle_phase,''),active,items_json,created_at`

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.ChecklistTemplate, error) {
	return scanTemplate(r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM checklist_templates WHERE id=?`, id))
}

func (r Repo) GetTemplateBySOF(ctx context.Context, facilityID, sofNumber string) (domain.ChecklistTemplate, error) {
	return scanTemplate(r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM checklist_templates WHERE facility_id=? AND sof_number=?`, facilityID, sofNumber))
}

func (r Repo) ListTemplates(ctx context.Context, facilityID string) ([]domain.ChecklistTemplate, error) {
	return r.listTemplates(ctx, r.DB, facilityID, "")
}

// ListActiveTemplatesTx returns active templates declared for one
// lifecycle phase, read inside the caller's transaction.
func (r Repo) ListActiveTemplatesTx(ctx context.Context, tx *sql.Tx, facilityID, phase string) ([]domain.ChecklistTemplate, error) {
	templates, err := r.listTemplates(ctx, tx, facilityID, phase)
	if err != nil {
		return nil, err
	}
	var active []domain.ChecklistTemplate
	for _, t := range templates {
		if t.Active {
			active = append(active, t)
		}
	}
	return active, nil
}

func (r Repo) listTemplates(ctx context.Context, q querier, facilityID, phase string) ([]domain.ChecklistTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM checklist_templates WHERE facility_id=?`
	args := []any{facilityID}
	if phase != "" {
		query += ` AND lifecycle_phase=?`
		args = append(args, phase)
	}
	query += ` ORDER BY sof_number`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

func (r Repo) SetTemplateActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE checklist_templates SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertMapping(ctx context.Context, m domain.FieldMapping) error {
	stagesRaw, err := json.Marshal(orEmptySlice(m.ApplicableStages))
	if err != nil {
		return err
	}
	fieldsRaw, err := json.Marshal(orEmptySlice(m.Fields))
	if err != nil {
		return err
	}
	itemsRaw, err := json.Marshal(m.ItemMappings)
	if err != nil {
		return err
	}
	if m.ItemMappings == nil {
		itemsRaw = []byte("{}")
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO field_mappings(id,facility_id,task_category,sof_number,applicable_stages,fields_json,item_mappings,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.FacilityID, nullable(m.TaskCategory), nullable(m.SOFNumber), string(stagesRaw), string(fieldsRaw), string(itemsRaw), m.CreatedAt)
	return err
}

func scanMapping(row rowScanner) (domain.FieldMapping, error) {
	var (
		m         domain.FieldMapping
		stagesRaw string
		fieldsRaw string
		itemsRaw  string
	)
	err := row.Scan(&m.ID, &m.FacilityID, &m.TaskCategory, &m.SOFNumber, &stagesRaw, &fieldsRaw, &itemsRaw, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal([]byte(stagesRaw), &m.ApplicableStages); err != nil {
		return m, err
	}
	if err := json.Unmarshal([]byte(fieldsRaw), &m.Fields); err != nil {
		return m, err
	}
	if err := json.Unmarshal([]byte(itemsRaw), &m.ItemMappings); err != nil {
		return m, err
	}
	return m, nil
}

const mappingColumns = `id,facility_id,COALESCE(task_category,''),COALESCE(sof_number,''),applicable_stages,fields_json,item_mappings,created_at`

func (r Repo) GetMapping(ctx context.Context, id string) (domain.FieldMapping, error) {
	return scanMapping(r.DB.QueryRowContext(ctx, `SELECT `+mappingColumns+` FROM field_mappings WHERE id=?`, id))
}

func (r Repo) ListMappings(ctx context.Context, facilityID string) ([]domain.FieldMapping, error) {
	return r.listMappings(ctx, r.DB, facilityID)
}

func (r Repo) ListMappingsTx(ctx context.Context, tx *sql.Tx, facilityID string) ([]domain.FieldMapping, error) {
	return r.listMappings(ctx, tx, facilityID)
}

func (r Repo) listMappings(ctx context.Context, q querier, facilityID string) ([]domain.FieldMapping, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+mappingColumns+` FROM field_mappings WHERE facility_id=? ORDER BY created_at, id`, facilityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FieldMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

func (r Repo) DeleteMapping(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM field_mappings WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertLookup(ctx context.Context, l domain.Lookup) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO lookups(id,facility_id,category,code,label,position,active) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(facility_id,category,code) DO UPDATE SET label=excluded.label, position=excluded.position, active=excluded.active`,
		l.ID, l.FacilityID, l.Category, l.Code, l.Label, l.Position, boolInt(l.Active))
	return err
}

func (r Repo) ListLookups(ctx context.Context, facilityID, category string) ([]domain.Lookup, error) {
	query := `SELECT id,facility_id,category,code,label,position,active FROM lookups WHERE facility_id=?`
	args := []any{facilityID}
	if category != "" {
		query += ` AND category=?`
		args = append(args, category)
	}
	query += ` ORDER BY category, position, code`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lookup
	for rows.Next() {
		var (
			l      domain.Lookup
			active int
		)
		if err := rows.Scan(&l.ID, &l.FacilityID, &l.Category, &l.Code, &l.Label, &l.Position, &active); err != nil {
			return nil, err
		}
		l.Active = active != 0
		res = append(res, l)
	}
	return res, nil
}

// LookupExists reports whether an active code exists in a category.
func (r Repo) LookupExists(ctx context.Context, facilityID, category, code string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM lookups WHERE facility_id=? AND category=? AND code=? AND active=1`, facilityID, category, code).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
