package storage

import "github.com/vantorsec/opflow/pkg/storage"

// InitStore opens the backing store. A non-empty sqlitePath wins over the
// Postgres connection string so single-operator setups run without a server.
func InitStore(dbConnStr, sqlitePath string) (storage.Store, error) {
	if sqlitePath != "" {
		return NewSQLiteStore(sqlitePath)
	}
	return NewPostgresStore(dbConnStr)
}
