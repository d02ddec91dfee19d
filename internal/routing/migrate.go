package routing

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrationStatus reports the schema version after Migrate.
type MigrationStatus struct {
	Version uint
	Dirty   bool
	Applied bool
}

// Migrate applies every pending migration under sourceURL (file://...).
func Migrate(sourceURL, databaseURL string) (MigrationStatus, error) {
	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	status := MigrationStatus{Applied: true}
	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return MigrationStatus{}, fmt.Errorf("failed to run migrations: %w", err)
		}
		status.Applied = false
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return status, fmt.Errorf("failed to read migration version: %w", err)
	}
	status.Version = version
	status.Dirty = dirty
	return status, nil
}
