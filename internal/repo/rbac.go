package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO roles(id, description) VALUES (?,?)`, id, desc)
	return err
}

func (r Repo) InsertPermission(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id, description) VALUES (?,?)`, id, desc)
	return err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID, permID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, permID)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, facilityID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(facility_id, actor_id, role_id) VALUES (?,?,?)`, facilityID, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, facilityID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE facility_id=? AND actor_id=? AND role_id=?`, facilityID, actorID, roleID)
	return err
}

func (r Repo) AllowApprovalRole(ctx context.Context, tx *sql.Tx, facilityID, category, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO approval_authorities(facility_id, category, role_id) VALUES (?,?,?)`, facilityID, category, roleID)
	return err
}

func (r Repo) DenyApprovalRole(ctx context.Context, tx *sql.Tx, facilityID, category, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM approval_authorities WHERE facility_id=? AND category=? AND role_id=?`, facilityID, category, roleID)
	return err
}
