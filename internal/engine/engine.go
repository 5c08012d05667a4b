package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"growline/internal/config"
	"growline/internal/domain"
	"growline/internal/engine/auth"
	"growline/internal/events"
	"growline/internal/repo"
	"growline/internal/stage"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// GateError reports why a batch may not leave its current stage. Each
// reason is a human-readable blocking condition.
type GateError struct {
	BatchID string
	Reasons []string
}

func (e GateError) Error() string {
	return fmt.Sprintf("transition blocked for batch %s: %s", e.BatchID, strings.Join(e.Reasons, "; "))
}

// StageConflictError signals that the batch moved out of the expected
// stage before the commit was applied.
type StageConflictError struct {
	BatchID  string
	Expected string
	Actual   string
}

func (e StageConflictError) Error() string {
	return fmt.Sprintf("batch %s is in stage %s, expected %s", e.BatchID, e.Actual, e.Expected)
}

// FieldError reports transition payload values that violate the field
// requirement registry.
type FieldError struct {
	Transition string
	Problems   []string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("invalid fields for %s: %s", e.Transition, strings.Join(e.Problems, "; "))
}

// InitFacility initializes a new facility with migrations already run.
func (e Engine) InitFacility(ctx context.Context, facilityID, description, actorID string) (domain.Facility, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Facility{}, err
	}
	defer tx.Rollback()

	f := domain.Facility{
		ID:          facilityID,
		Kind:        "cultivation-facility",
		Status:      "active",
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO facilities(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		f.ID, f.Kind, f.Status, nullable(f.Description), f.CreatedAt); err != nil {
		return domain.Facility{}, fmt.Errorf("insert facility: %w", err)
	}
	cfg := config.Default(f.ID)
	if err := e.Repo.UpsertFacilityConfigTx(ctx, tx, f.ID, cfg); err != nil {
		return domain.Facility{}, fmt.Errorf("insert facility config: %w", err)
	}
	if err := e.seedRBAC(ctx, tx, f.ID, cfg, actorID); err != nil {
		return domain.Facility{}, fmt.Errorf("seed rbac: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeFacilityCreated, f.ID, "facility", f.ID, actorID, events.EventPayload{"status": f.Status}); err != nil {
		return domain.Facility{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Facility{}, err
	}
	return f, nil
}

// seedRBAC materializes the config's role matrix into SQL and grants
// the initializing actor the owner role.
func (e Engine) seedRBAC(ctx context.Context, tx *sql.Tx, facilityID string, cfg *config.Config, actorID string) error {
	now := e.now().UTC().Format(time.RFC3339)
	for roleID, role := range cfg.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return err
			}
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return err
			}
		}
	}
	if actorID == "" {
		return nil
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	return e.Repo.AssignRole(ctx, tx, facilityID, actorID, "owner")
}

// BatchCreateOptions are parameters for creating a batch.
type BatchCreateOptions struct {
	ID          string
	FacilityID  string
	BatchNumber string
	Strain      string
	Fields      map[string]any
	ActorID     string
}

// CreateBatch opens a batch at the initial lifecycle stage.
func (e Engine) CreateBatch(ctx context.Context, opts BatchCreateOptions) (domain.Batch, error) {
	if e.Config == nil {
		return domain.Batch{}, errors.New("config not loaded")
	}
	if opts.FacilityID == "" {
		return domain.Batch{}, errors.New("facility is required")
	}
	if opts.BatchNumber == "" {
		return domain.Batch{}, errors.New("batch number is required")
	}
	if _, err := e.Repo.GetFacility(ctx, opts.FacilityID); err != nil {
		return domain.Batch{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.FacilityID+"|"+opts.BatchNumber+"|"+now)).String()
	}
	b := domain.Batch{
		ID:           id,
		FacilityID:   opts.FacilityID,
		BatchNumber:  opts.BatchNumber,
		Strain:       opts.Strain,
		CurrentStage: stage.Initial,
		Status:       "in_progress",
		Fields:       opts.Fields,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if b.Fields == nil {
		b.Fields = map[string]any{}
	}
	if err := e.Repo.InsertBatch(ctx, b); err != nil {
		return domain.Batch{}, fmt.Errorf("insert batch: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Batch{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.TypeBatchCreated, b.FacilityID, "batch", b.ID, opts.ActorID, events.EventPayload{
		"batch_number": b.BatchNumber,
		"stage":        b.CurrentStage,
	}); err != nil {
		return domain.Batch{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Batch{}, err
	}
	return b, nil
}

// BatchUpdateOptions are parameters for updating batch fields outside
// the transition path.
type BatchUpdateOptions struct {
	BatchID string
	Fields  map[string]any
	Status  string
	ActorID string
}

// UpdateBatch merges field edits into the batch bag and optionally
// changes its status. The stage is never touched here.
func (e Engine) UpdateBatch(ctx context.Context, opts BatchUpdateOptions) (domain.Batch, error) {
	if e.Config == nil {
		return domain.Batch{}, errors.New("config not loaded")
	}
	b, err := e.Repo.GetBatch(ctx, opts.BatchID)
	if err != nil {
		return domain.Batch{}, err
	}
	if opts.Status != "" {
		if err := validBatchStatusChange(b.Status, opts.Status); err != nil {
			return domain.Batch{}, err
		}
		b.Status = opts.Status
	}
	for k, v := range opts.Fields {
		if v == nil {
			delete(b.Fields, k)
			continue
		}
		b.Fields[k] = v
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateBatchFields(ctx, b.ID, b.Fields, opts.Status, now); err != nil {
		return domain.Batch{}, err
	}
	b.UpdatedAt = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Batch{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.TypeBatchUpdated, b.FacilityID, "batch", b.ID, opts.ActorID, events.EventPayload{
		"status": b.Status,
	}); err != nil {
		return domain.Batch{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Batch{}, err
	}
	return b, nil
}

func validBatchStatusChange(oldStatus, newStatus string) error {
	if oldStatus == newStatus {
		return nil
	}
	switch oldStatus {
	case "draft":
		if newStatus == "in_progress" || newStatus == "archived" {
			return nil
		}
	case "in_progress":
		if newStatus == "completed" || newStatus == "archived" {
			return nil
		}
	case "completed":
		if newStatus == "archived" {
			return nil
		}
	}
	return fmt.Errorf("invalid batch status transition %s -> %s", oldStatus, newStatus)
}

// WhoAmI resolves the roles and permissions an actor holds in a
// facility.
func (e Engine) WhoAmI(ctx context.Context, facilityID, actorID string) (domain.ActorProfile, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	defer tx.Rollback()
	roles, err := e.Auth.ActorRoles(ctx, tx, facilityID, actorID)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, tx, facilityID, actorID)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	categories, err := e.Auth.ActorApprovalCategories(ctx, tx, facilityID, actorID)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	return domain.ActorProfile{
		FacilityID:         facilityID,
		ActorID:            actorID,
		Roles:              roles,
		Actions:            perms,
		ApprovalCategories: categories,
	}, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
