// Package storetest opens throwaway databases for tests.
package storetest

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/senhakan/appcenter-server/pkg/store"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// Open returns a migrated in-memory SQLite database private to the calling test.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:appcenter-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := store.Open(store.Options{Driver: "sqlite", DSN: dsn, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}
