// Package testutil holds helpers shared by package tests.
package testutil

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/PixelBooth/app/models"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/database"
)

var dbSeq atomic.Int64

// NewDB returns a migrated in-memory SQLite handle private to the test.
// It has a single connection, so statements never interleave.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:pixelbooth_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	return open(t, dsn, 1)
}

// NewConcurrentDB returns a migrated file-backed SQLite handle with several
// connections. Reads from different goroutines interleave with writes, so a
// read-then-write guard loses races here that a conditional UPDATE wins.
func NewConcurrentDB(t *testing.T, conns int) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pixelbooth.db")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	return open(t, dsn, conns)
}

func open(t *testing.T, dsn string, conns int) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(conns)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

// CreateUser inserts an active user with the given role.
func CreateUser(t *testing.T, db *gorm.DB, name, role string) *models.User {
	t.Helper()

	u := &models.User{
		Name:   name,
		Email:  name + "@example.com",
		Role:   role,
		Status: models.STATUS_ACTIVE,
	}
	require.NoError(t, db.Create(u).Error)
	return u
}
