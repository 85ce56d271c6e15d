// Package dbtest connects repository tests to a scratch PostgreSQL database
// named by CLINIC_TEST_DATABASE_URL. Tests skip when it is unset.
package dbtest

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinic/internal/platform/db"
	"github.com/ehr/clinic/migrations"
)

const EnvURL = "CLINIC_TEST_DATABASE_URL"

// Pool migrates the test database, empties the clinic tables and returns a
// pool closed at the end of the test.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv(EnvURL)
	if url == "" {
		t.Skipf("%s not set", EnvURL)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, url, 10, 1)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`TRUNCATE appointments, patients, professional_centros, professionals, centros CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}
