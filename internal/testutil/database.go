package testutil

import (
	"testing"

	"qmove/internal/database"
	"qmove/internal/qmove"
)

// NewTestDatabase creates a new in-memory SQLite task store with migrations applied.
// The database is automatically closed when the test completes.
func NewTestDatabase(t *testing.T, clock qmove.Clock) *database.SQLiteDatabase {
	t.Helper()

	db, err := database.NewSQLiteDatabase(":memory:", clock)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		t.Fatalf("failed to apply migrations: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}
