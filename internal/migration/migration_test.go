package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMigrationsRequiresHandle(t *testing.T) {
	_, err := RunMigrations(nil)
	assert.Error(t, err)
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	require.NoError(t, err)

	entries, err := fs.ReadDir(sub, ".")
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	assert.Equal(t, ups, downs)
}

func TestEmbeddedMigrationsParse(t *testing.T) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	require.NoError(t, err)

	source, err := iofs.New(sub, ".")
	require.NoError(t, err)
	defer source.Close()

	first, err := source.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	next, err := source.Next(first)
	require.NoError(t, err)
	assert.Equal(t, uint(2), next)
}

func TestSchemaCarriesTenantGuards(t *testing.T) {
	schema, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/000001_init_schema.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(schema), "ux_bookings_tenant_date_active")
	assert.Contains(t, string(schema), "WHERE status IN ('PENDING', 'CONFIRMED')")

	rls, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/000002_row_level_security.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(rls), "app.current_tenant_id")
	assert.Contains(t, string(rls), "FORCE ROW LEVEL SECURITY")
}
