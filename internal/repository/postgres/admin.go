// Package postgres implements cluster administration on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/splax/tenantops/internal/repository"
)

// Execer is the subset of *pgxpool.Pool and *pgx.Conn used for DDL.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Admin issues role and database DDL through a maintenance connection.
type Admin struct {
	db Execer
}

var _ repository.DatabaseAdmin = (*Admin)(nil)

// NewAdmin constructs an Admin.
func NewAdmin(db Execer) *Admin {
	return &Admin{db: db}
}

// RoleExists reports whether a login role exists.
func (a *Admin) RoleExists(ctx context.Context, role string) (bool, error) {
	return a.exists(ctx, `SELECT 1 FROM pg_roles WHERE rolname = $1`, role)
}

// CreateRole creates a login role with password.
func (a *Admin) CreateRole(ctx context.Context, role, password string) error {
	stmt := fmt.Sprintf("CREATE ROLE %s WITH LOGIN PASSWORD %s", Ident(role), Literal(password))
	if _, err := a.db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create role %s: %w", role, err)
	}
	return nil
}

// DatabaseExists reports whether a database exists.
func (a *Admin) DatabaseExists(ctx context.Context, name string) (bool, error) {
	return a.exists(ctx, `SELECT 1 FROM pg_database WHERE datname = $1`, name)
}

// CreateDatabase creates name owned by owner.
func (a *Admin) CreateDatabase(ctx context.Context, name, owner string) error {
	stmt := fmt.Sprintf("CREATE DATABASE %s OWNER %s", Ident(name), Ident(owner))
	if _, err := a.db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	return nil
}

// GrantAll grants every database privilege to role.
func (a *Admin) GrantAll(ctx context.Context, database, role string) error {
	stmt := fmt.Sprintf("GRANT ALL PRIVILEGES ON DATABASE %s TO %s", Ident(database), Ident(role))
	if _, err := a.db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("grant on %s: %w", database, err)
	}
	return nil
}

// DropDatabase terminates sessions and drops name if present.
func (a *Admin) DropDatabase(ctx context.Context, name string) error {
	stmt := fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", Ident(name))
	if _, err := a.db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("drop database %s: %w", name, err)
	}
	return nil
}

// DropRole drops role if present.
func (a *Admin) DropRole(ctx context.Context, role string) error {
	stmt := fmt.Sprintf("DROP ROLE IF EXISTS %s", Ident(role))
	if _, err := a.db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("drop role %s: %w", role, err)
	}
	return nil
}

func (a *Admin) exists(ctx context.Context, query, arg string) (bool, error) {
	var one int
	err := a.db.QueryRow(ctx, query, arg).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Ident quotes a PostgreSQL identifier.
func Ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// Literal quotes a string literal for statements that cannot take parameters.
func Literal(s string) string {
	s = strings.ReplaceAll(s, `'`, `''`)
	if strings.Contains(s, `\`) {
		return `E'` + strings.ReplaceAll(s, `\`, `\\`) + `'`
	}
	return `'` + s + `'`
}
