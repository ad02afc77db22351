package core

import (
	"fmt"

	"github.com/max-bytes/omnikeeper-sub003/internal/config"
	"github.com/max-bytes/omnikeeper-sub003/internal/infra/persistence/memory"
	"github.com/max-bytes/omnikeeper-sub003/internal/infra/persistence/postgres"
	"github.com/max-bytes/omnikeeper-sub003/internal/infra/persistence/sqlite"
	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

type (
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
	RulesEngine     = domain.RulesEngine
	Rule            = domain.Rule
	Result          = domain.Result
	Change          = domain.Change
	CIID            = domain.CIID
)

// NewMemoryStore constructs an in-memory store evaluating engine before each commit.
func NewMemoryStore(engine *RulesEngine) *memory.Store {
	return memory.NewStore(engine)
}

// OpenPersistentStore selects a backend using the OMNIKEEPER_* environment.
//
//	OMNIKEEPER_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	OMNIKEEPER_SQLITE_PATH: path to sqlite file (default ./omnikeeper.db)
//	OMNIKEEPER_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenPersistentStore(engine *RulesEngine) (PersistentStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return OpenPersistentStoreWithConfig(cfg.Storage, engine)
}

// OpenPersistentStoreWithConfig opens the backend named by cfg.
func OpenPersistentStoreWithConfig(cfg config.StorageConfig, engine *RulesEngine) (PersistentStore, error) {
	switch StorageDriver(cfg.Driver) {
	case StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite, "":
		return sqlite.NewStore(cfg.SQLitePath, engine)
	case StoragePostgres:
		return postgres.NewStore(cfg.PostgresDSN, engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}
