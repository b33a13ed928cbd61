package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atmarket/internal/core/listings"
)

// testDB connects to the database named by TEST_DATABASE_URL and skips the
// test when no database is reachable.
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database test in short mode")
	}

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := sql.Open("postgres", dbURL)
	require.NoError(t, err, "Failed to open test database")
	t.Cleanup(func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Logf("Failed to close database: %v", closeErr)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Skipf("Database not reachable at %s: %v", dbURL, err)
	}
	return db
}

func TestParticipantRegistry(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	registry := NewParticipantRegistry(db)
	require.NoError(t, registry.EnsureSchema(ctx))

	// Unique DIDs per run so reruns against a shared database stay clean.
	suffix := time.Now().UnixNano()
	alice := fmt.Sprintf("did:plc:alice%d", suffix)
	bob := fmt.Sprintf("did:plc:bob%d", suffix)
	t.Cleanup(func() {
		_, _ = db.Exec(`DELETE FROM participants WHERE did IN ($1, $2)`, alice, bob)
	})

	var reg listings.ParticipantRegistry = registry

	require.NoError(t, reg.Add(ctx, alice))
	require.NoError(t, reg.Add(ctx, bob))
	require.NoError(t, reg.Add(ctx, alice), "re-adding a known DID must be a no-op")

	dids, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, dids, alice)
	assert.Contains(t, dids, bob)

	seen := 0
	for _, did := range dids {
		if did == alice {
			seen++
		}
	}
	assert.Equal(t, 1, seen, "registry must keep one row per DID")

	err = reg.Add(ctx, "")
	assert.Error(t, err, "an empty DID must be rejected")
}
