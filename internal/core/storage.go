package core

import (
	"fmt"
	"os"
	"strconv"

	"geocore/internal/infra/persistence/bolt"
	"geocore/internal/infra/persistence/memory"
	"geocore/internal/infra/persistence/postgres"
	"geocore/internal/infra/persistence/sqlite"
	"geocore/pkg/domain"
)

// StorageDriver identifies a concrete persistence backend.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageBolt     StorageDriver = "bolt"     // embedded bbolt file
)

// OpenBackend selects a persistence backend using environment variables.
// Defaults to memory when unset.
//
//	GEOCORE_STORAGE_DRIVER: memory|sqlite|postgres|bolt (default memory)
//	GEOCORE_SQLITE_PATH: path to sqlite file (default ./geocore.db)
//	GEOCORE_POSTGRES_DSN: postgres DSN when driver=postgres
//	GEOCORE_BOLT_PATH: path to bbolt file (default ./geocore.bolt)
func OpenBackend() (domain.Backend, error) {
	driver := os.Getenv("GEOCORE_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageMemory)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		return sqlite.NewStore(os.Getenv("GEOCORE_SQLITE_PATH"))
	case StoragePostgres:
		return postgres.NewStore(os.Getenv("GEOCORE_POSTGRES_DSN"))
	case StorageBolt:
		return bolt.NewStore(os.Getenv("GEOCORE_BOLT_PATH"))
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

// WorkersFromEnv reads the GEOCORE_WORKERS pool size, falling back to the
// default on unset or unparseable values.
func WorkersFromEnv() int {
	raw := os.Getenv("GEOCORE_WORKERS")
	if raw == "" {
		return DefaultWorkers
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultWorkers
	}
	return n
}
