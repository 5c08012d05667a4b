package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"growline/internal/config"
	"growline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertFacility(ctx context.Context, f domain.Facility) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO facilities(id,org_id,kind,status,description,created_at) VALUES (?,?,?,?,?,?)`,
		f.ID, f.OrgID, f.Kind, f.Status, nullable(f.Description), f.CreatedAt)
	return err
}

func (r Repo) GetFacility(ctx context.Context, id string) (domain.Facility, error) {
	var f domain.Facility
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,kind,status,COALESCE(description,'') AS description,created_at FROM facilities WHERE id=?`, id).
		Scan(&f.ID, &f.OrgID, &f.Kind, &f.Status, &f.Description, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

// SingleFacility resolves the facility when the caller did not name
// one. It errors if the workspace holds more than one.
func (r Repo) SingleFacility(ctx context.Context) (domain.Facility, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,kind,status,COALESCE(description,'') AS description,created_at FROM facilities`)
	if err != nil {
		return domain.Facility{}, err
	}
	defer rows.Close()
	var facilities []domain.Facility
	for rows.Next() {
		var f domain.Facility
		if err := rows.Scan(&f.ID, &f.OrgID, &f.Kind, &f.Status, &f.Description, &f.CreatedAt); err != nil {
			return domain.Facility{}, err
		}
		facilities = append(facilities, f)
	}
	if len(facilities) == 0 {
		return domain.Facility{}, ErrNotFound
	}
	if len(facilities) > 1 {
		return domain.Facility{}, fmt.Errorf("multiple facilities exist; specify --facility")
	}
	return facilities[0], nil
}

func (r Repo) ListFacilities(ctx context.Context) ([]domain.Facility, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,kind,status,COALESCE(description,'') AS description,created_at FROM facilities ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Facility
	for rows.Next() {
		var f domain.Facility
		if err := rows.Scan(&f.ID, &f.OrgID, &f.Kind, &f.Status, &f.Description, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, nil
}

func (r Repo) UpsertFacilityConfig(ctx context.Context, facilityID string, cfg *config.Config) error {
	return upsertFacilityConfig(ctx, r.DB, nil, facilityID, cfg)
}

func (r Repo) UpsertFacilityConfigTx(ctx context.Context, tx *sql.Tx, facilityID string, cfg *config.Config) error {
	return upsertFacilityConfig(ctx, nil, tx, facilityID, cfg)
}

func upsertFacilityConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, facilityID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Facility.ID = facilityID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO facility_configs(facility_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(facility_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, facilityID, string(payload), now, now)
	return err
}

func (r Repo) GetFacilityConfig(ctx context.Context, facilityID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM facility_configs WHERE facility_id=?`, facilityID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const batchColumns = `id,facility_id,batch_number,COALESCE(strain,'') AS strain,current_stage,status,fields_json,last_transition_tasks,created_at,updated_at`

func scanBatch(scan func(dest ...any) error) (domain.Batch, error) {
	var (
		b         domain.Batch
		fieldsRaw string
		tasksRaw  string
	)
	err := scan(&b.ID, &b.FacilityID, &b.BatchNumber, &b.Strain, &b.CurrentStage, &b.Status, &fieldsRaw, &tasksRaw, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if err := json.Unmarshal([]byte(fieldsRaw), &b.Fields); err != nil {
		return b, fmt.Errorf("batch %s fields: %w", b.ID, err)
	}
	if err := json.Unmarshal([]byte(tasksRaw), &b.LastTransitionTasks); err != nil {
		return b, fmt.Errorf("batch %s last transition tasks: %w", b.ID, err)
	}
	if b.Fields == nil {
		b.Fields = map[string]any{}
	}
	return b, nil
}

func (r Repo) InsertBatch(ctx context.Context, b domain.Batch) error {
	fieldsRaw, err := json.Marshal(orEmptyMap(b.Fields))
	if err != nil {
		return err
	}
	tasksRaw, err := json.Marshal(orEmptySlice(b.LastTransitionTasks))
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO batches(id,facility_id,batch_number,strain,current_stage,status,fields_json,last_transition_tasks,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.FacilityID, b.BatchNumber, nullable(b.Strain), b.CurrentStage, b.Status, string(fieldsRaw), string(tasksRaw), b.CreatedAt, b.UpdatedAt)
	return err
}

func (r Repo) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=?`, id)
	return scanBatch(row.Scan)
}

func (r Repo) GetBatchTx(ctx context.Context, tx *sql.Tx, id string) (domain.Batch, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=?`, id)
	return scanBatch(row.Scan)
}

func (r Repo) GetBatchByNumber(ctx context.Context, facilityID, batchNumber string) (domain.Batch, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE facility_id=? AND batch_number=?`, facilityID, batchNumber)
	return scanBatch(row.Scan)
}

type BatchFilters struct {
	FacilityID string
	Stage      string
	Status     string
}

func (r Repo) ListBatches(ctx context.Context, f BatchFilters) ([]domain.Batch, error) {
	where := []string{"1=1"}
	var args []any
	if f.FacilityID != "" {
		where = append(where, "facility_id=?")
		args = append(args, f.FacilityID)
	}
	if f.Stage != "" {
		where = append(where, "current_stage=?")
		args = append(args, f.Stage)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + batchColumns + ` FROM batches WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, nil
}

// UpdateBatchFields overwrites the batch field bag outside the
// transition path. Stage moves go through UpdateBatchStageTx only.
func (r Repo) UpdateBatchFields(ctx context.Context, id string, fields map[string]any, status, updatedAt string) error {
	var (
		sets []string
		args []any
	)
	if fields != nil {
		raw, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		sets = append(sets, "fields_json=?")
		args = append(args, string(raw))
	}
	if status != "" {
		sets = append(sets, "status=?")
		args = append(args, status)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE batches SET %s WHERE id=?`, strings.Join(sets, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateBatchStageTx advances a batch only when its stage still equals
// fromStage. A zero rows-affected result signals a concurrent
// transition already moved the batch.
func (r Repo) UpdateBatchStageTx(ctx context.Context, tx *sql.Tx, id, fromStage, toStage string, fields map[string]any, taskIDs []string, updatedAt string) (bool, error) {
	fieldsRaw, err := json.Marshal(orEmptyMap(fields))
	if err != nil {
		return false, err
	}
	tasksRaw, err := json.Marshal(orEmptySlice(taskIDs))
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE batches SET current_stage=?, fields_json=?, last_transition_tasks=?, updated_at=? WHERE id=? AND current_stage=?`,
		toStage, string(fieldsRaw), string(tasksRaw), updatedAt, id, fromStage)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) InsertTransitionTx(ctx context.Context, tx *sql.Tx, t domain.Transition) (int64, error) {
	tasksRaw, err := json.Marshal(orEmptySlice(t.AssociatedTasks))
	if err != nil {
		return 0, err
	}
	fieldsRaw, err := json.Marshal(orEmptyMap(t.FieldData))
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO batch_transitions(batch_id,from_stage,to_stage,ts,actor_id,associated_tasks,field_data) VALUES (?,?,?,?,?,?,?)`,
		t.BatchID, t.FromStage, t.ToStage, t.TS, t.ActorID, string(tasksRaw), string(fieldsRaw))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListTransitions(ctx context.Context, batchID string) ([]domain.Transition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,batch_id,from_stage,to_stage,ts,actor_id,associated_tasks,field_data FROM batch_transitions WHERE batch_id=? ORDER BY id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		var (
			t         domain.Transition
			tasksRaw  string
			fieldsRaw string
		)
		if err := rows.Scan(&t.ID, &t.BatchID, &t.FromStage, &t.ToStage, &t.TS, &t.ActorID, &tasksRaw, &fieldsRaw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tasksRaw), &t.AssociatedTasks); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fieldsRaw), &t.FieldData); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

type EventFilters struct {
	FacilityID string
	EntityKind string
	EntityID   string
	Type       string
	AfterID    int64
	Limit      int
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	where := []string{"1=1"}
	var args []any
	if f.FacilityID != "" {
		where = append(where, "facility_id=?")
		args = append(args, f.FacilityID)
	}
	if f.EntityKind != "" {
		where = append(where, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Type != "" {
		where = append(where, "type=?")
		args = append(args, f.Type)
	}
	if f.AfterID > 0 {
		where = append(where, "id>?")
		args = append(args, f.AfterID)
	}
	query := `SELECT id,ts,type,COALESCE(facility_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.FacilityID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestEvents returns the newest n matching events, oldest first.
func (r Repo) LatestEvents(ctx context.Context, n int, facilityID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if n <= 0 {
		n = 20
	}
	where := []string{"facility_id=?"}
	args := []any{facilityID}
	if evtType != "" {
		where = append(where, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		where = append(where, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		where = append(where, "entity_id=?")
		args = append(args, entityID)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(facility_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT %d`, strings.Join(where, " AND "), n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.FacilityID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

func (r Repo) LatestEventID(ctx context.Context, facilityID string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE facility_id=?`, facilityID).Scan(&id)
	return id, err
}

func (r Repo) GetWebhookCursor(ctx context.Context, endpoint string) (int64, error) {
	var last int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM webhook_cursors WHERE endpoint=?`, endpoint).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return last, err
}

func (r Repo) SetWebhookCursor(ctx context.Context, endpoint string, lastEventID int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(endpoint,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(endpoint) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`, endpoint, lastEventID, now)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
