package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"growline/internal/domain"
	"growline/internal/engine/auth"
	"growline/internal/events"
	"growline/internal/repo"
)

// GrantRole assigns a config-declared role to an actor. The acting
// actor needs rbac.manage at the facility.
func (e Engine) GrantRole(ctx context.Context, facilityID, actingActor, targetActor, roleID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.requireTxPermission(ctx, tx, facilityID, actingActor, "rbac.manage"); err != nil {
		return err
	}
	if err := e.ensureRole(ctx, tx, roleID); err != nil {
		return err
	}
	if err := e.Auth.EnsureActor(ctx, tx, targetActor); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, facilityID, targetActor, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeRoleAssigned, facilityID, "actor", targetActor, actingActor, map[string]any{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a role assignment from an actor.
func (e Engine) RevokeRole(ctx context.Context, facilityID, actingActor, targetActor, roleID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.requireTxPermission(ctx, tx, facilityID, actingActor, "rbac.manage"); err != nil {
		return err
	}
	if err := e.Repo.RevokeRole(ctx, tx, facilityID, targetActor, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeRoleRevoked, facilityID, "actor", targetActor, actingActor, map[string]any{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// AllowApprovalRole lets a role approve tasks of a category. Once a
// category has any granted role, only those roles may approve it.
func (e Engine) AllowApprovalRole(ctx context.Context, facilityID, actingActor, category, roleID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.requireTxPermission(ctx, tx, facilityID, actingActor, "rbac.manage"); err != nil {
		return err
	}
	if err := e.ensureRole(ctx, tx, roleID); err != nil {
		return err
	}
	if err := e.Repo.AllowApprovalRole(ctx, tx, facilityID, category, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

// DenyApprovalRole removes a role's approval authority for a category.
func (e Engine) DenyApprovalRole(ctx context.Context, facilityID, actingActor, category, roleID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.requireTxPermission(ctx, tx, facilityID, actingActor, "rbac.manage"); err != nil {
		return err
	}
	if err := e.Repo.DenyApprovalRole(ctx, tx, facilityID, category, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

// MintAPIKey creates an API key for an actor and returns the plaintext
// key once. Only the SHA-256 hash is stored.
func (e Engine) MintAPIKey(ctx context.Context, facilityID, actingActor, targetActor, name string) (domain.APIKey, string, error) {
	if targetActor == "" {
		return domain.APIKey{}, "", errors.New("actor is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.requireTxPermission(ctx, tx, facilityID, actingActor, "rbac.manage"); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := uuid.NewString() + uuid.NewString()
	key := domain.APIKey{
		ID:      uuid.NewString(),
		ActorID: targetActor,
		Name:    name,
		KeyHash: repo.HashAPIKey(raw),
	}
	if err := e.Auth.EnsureActor(ctx, tx, targetActor); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}

// ListAPIKeys returns the facility's API keys, optionally narrowed to
// one actor. Hashes are blanked before the keys leave the engine.
func (e Engine) ListAPIKeys(ctx context.Context, facilityID, actingActor, targetActor string) ([]domain.APIKey, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.requireTxPermission(ctx, tx, facilityID, actingActor, "rbac.manage"); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	keys, err := e.Repo.ListAPIKeys(ctx, targetActor)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		keys[i].KeyHash = ""
	}
	return keys, nil
}

// RevokeAPIKey deletes an API key by ID.
func (e Engine) RevokeAPIKey(ctx context.Context, facilityID, actingActor, keyID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.requireTxPermission(ctx, tx, facilityID, actingActor, "rbac.manage"); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return e.Repo.DeleteAPIKey(ctx, keyID)
}

func (e Engine) requireTxPermission(ctx context.Context, tx *sql.Tx, facilityID, actorID, perm string) error {
	ok, err := e.Auth.ActorHasPermission(ctx, tx, facilityID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
}

// ensureRole materializes a role row, carrying over the config-declared
// permissions when the role is declared there.
func (e Engine) ensureRole(ctx context.Context, tx *sql.Tx, roleID string) error {
	desc := ""
	var perms []string
	if e.Config != nil {
		if def, ok := e.Config.RBAC.Roles[roleID]; ok {
			desc = def.Description
			perms = def.Permissions
		}
	}
	if err := e.Repo.InsertRole(ctx, tx, roleID, desc); err != nil {
		return err
	}
	for _, perm := range perms {
		if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
			return err
		}
		if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
			return err
		}
	}
	return nil
}
