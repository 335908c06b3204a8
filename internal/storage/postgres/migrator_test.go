package postgres

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/require"
)

func migrationFS(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, body := range files {
		fsys["sql/migrations/"+name] = &fstest.MapFile{Data: []byte(body)}
	}
	return fsys
}

func TestLoadMigrationsSortsAndChecksums(t *testing.T) {
	t.Parallel()

	migrations, err := loadMigrations(migrationFS(map[string]string{
		"0010_more.up.sql":   "CREATE TABLE b (id INT);",
		"0010_more.down.sql": "DROP TABLE b;",
		"0002_init.up.sql":   "CREATE TABLE a (id INT);",
		"0002_init.down.sql": "DROP TABLE a;",
	}))
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	require.Equal(t, int64(2), migrations[0].Version)
	require.Equal(t, "init", migrations[0].Name)
	require.Equal(t, int64(10), migrations[1].Version)
	require.Len(t, migrations[0].Checksum, 64)
	require.NotEqual(t, migrations[0].Checksum, migrations[1].Checksum)

	again, err := loadMigrations(migrationFS(map[string]string{
		"0002_init.up.sql":   "\n  CREATE TABLE a (id INT);\n",
		"0002_init.down.sql": "DROP TABLE a;",
	}))
	require.NoError(t, err)
	require.Equal(t, migrations[0].Checksum, again[0].Checksum, "surrounding whitespace does not change checksum")
}

func TestLoadMigrationsRejectsBrokenSets(t *testing.T) {
	t.Parallel()

	cases := map[string]map[string]string{
		"missing down":  {"0001_init.up.sql": "SELECT 1;"},
		"empty script":  {"0001_init.up.sql": "  \n", "0001_init.down.sql": "SELECT 1;"},
		"bad file name": {"init.sql": "SELECT 1;"},
		"name mismatch": {"0001_init.up.sql": "SELECT 1;", "0001_other.down.sql": "SELECT 1;"},
		"no files":      {},
	}
	for name, files := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := loadMigrations(migrationFS(files))
			require.Error(t, err)
		})
	}
}

func TestParseMigrationFile(t *testing.T) {
	t.Parallel()

	version, name, up, err := parseMigrationFile("0003_outbox_retry.up.sql")
	require.NoError(t, err)
	require.Equal(t, int64(3), version)
	require.Equal(t, "outbox_retry", name)
	require.True(t, up)

	_, _, up, err = parseMigrationFile("0003_outbox_retry.down.sql")
	require.NoError(t, err)
	require.False(t, up)

	for _, bad := range []string{
		"0003_outbox.sideways.sql",
		"0003_outbox.up.txt",
		"0000_zero.up.sql",
		"x1_name.up.sql",
		"0003_.up.sql",
		"0003_Outbox.up.sql",
	} {
		_, _, _, err := parseMigrationFile(bad)
		require.Error(t, err, bad)
	}
}

func TestMigratorPlanning(t *testing.T) {
	t.Parallel()

	migrations, err := loadMigrations(migrationFS(map[string]string{
		"0001_a.up.sql": "A", "0001_a.down.sql": "a",
		"0002_b.up.sql": "B", "0002_b.down.sql": "b",
		"0003_c.up.sql": "C", "0003_c.down.sql": "c",
	}))
	require.NoError(t, err)
	m := &Migrator{migrations: migrations}

	applied := map[int64]string{1: migrations[0].Checksum, 2: migrations[1].Checksum}
	require.NoError(t, m.verify(applied))

	pending := m.pending(applied)
	require.Len(t, pending, 1)
	require.Equal(t, int64(3), pending[0].Version)

	desc, err := m.appliedDesc(applied)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 1}, []int64{desc[0].Version, desc[1].Version})

	require.ErrorIs(t, m.verify(map[int64]string{1: "tampered"}), ErrMigrationDrift)
	require.ErrorIs(t, m.verify(map[int64]string{9: "x"}), ErrMigrationDrift)
	_, err = m.appliedDesc(map[int64]string{9: "x"})
	require.ErrorIs(t, err, ErrMigrationDrift)
}

func TestSchemaStateCounts(t *testing.T) {
	t.Parallel()

	state := SchemaState{Migrations: []MigrationRecord{
		{Version: 1, AppliedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Version: 2},
	}}
	require.True(t, state.Migrations[0].Applied())
	require.Equal(t, 1, state.Applied())
	require.Equal(t, 1, state.Pending())
}
