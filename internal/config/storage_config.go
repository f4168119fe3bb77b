package config

import "strings"

type StoreDriver string

const (
	StoreMemory   StoreDriver = "memory"
	StoreSQLite   StoreDriver = "sqlite"
	StorePostgres StoreDriver = "postgres"
)

type DurabilityMode string

const (
	DurabilityStrong   DurabilityMode = "strong"
	DurabilityEventual DurabilityMode = "eventual"
)

type StorageConfig interface {
	GetStoreDriver() StoreDriver
	GetDatabaseDSN() string
	GetDurability() DurabilityMode
}

type Storage struct{}

var _ StorageConfig = Storage{}

func (Storage) GetStoreDriver() StoreDriver {
	return StoreDriver(strings.ToLower(GetEnv("STORE_DRIVER", string(StoreMemory))))
}

func (Storage) GetDatabaseDSN() string {
	return GetEnv("DATABASE_DSN", "attendance.db")
}

// GetDurability selects strong (synchronous commit) or eventual ledger durability.
func (Storage) GetDurability() DurabilityMode {
	if strings.EqualFold(GetEnv("DURABILITY", ""), string(DurabilityEventual)) {
		return DurabilityEventual
	}
	return DurabilityStrong
}
