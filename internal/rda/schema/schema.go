// Package schema holds the migrations creating the rda schema.
package schema

import (
	"context"
	"embed"

	"github.com/jackc/pgtype/pgxtype"

	"github.com/G-Research/rdapipeline/internal/common/database"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

func Migrations() ([]database.Migration, error) {
	return database.ReadMigrations(migrationFiles, "migrations")
}

// Update brings the rda schema up to date.
func Update(ctx context.Context, db pgxtype.Querier) error {
	migrations, err := Migrations()
	if err != nil {
		return err
	}
	return database.UpdateDatabase(ctx, db, migrations)
}
