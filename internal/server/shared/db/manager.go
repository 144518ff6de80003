// Package db wires the database connection, schema migrations and the
// repositories together.
package db

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/driveback/internal/server/repositories/tasks"
)

type RepositoryManager interface {
	RunMigrations(context.Context) error
	Conn() *sql.DB
	Tasks() tasks.Repository
	Close() error
}
