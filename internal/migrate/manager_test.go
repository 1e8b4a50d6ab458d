package migrate

import (
	"context"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adfunds.io/ops/migrations"
)

var (
	coreUp   = []byte("create table a (id text);\n-- not a statement; ignored\ncreate table b (note text default 'x;y');")
	moreUp   = []byte("alter table a add column n int;")
	demoSeed = []byte("insert into a values ('1') on conflict do nothing;")
	moreSeed = []byte("insert into a values ('2') on conflict do nothing;")
	appliedT = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"sql/0001_core.up.sql":   {Data: coreUp},
		"sql/0001_core.down.sql": {Data: []byte("drop table b;\ndrop table a;")},
		"sql/0002_more.up.sql":   {Data: moreUp},
		"sql/0002_more.down.sql": {Data: []byte("alter table a drop column n;")},
		"seeds/0001_demo.sql":    {Data: demoSeed},
		"seeds/0002_more.sql":    {Data: moreSeed},
		"sql/README.md":          {Data: []byte("ignored")},
	}
}

func newMock(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	m := NewManager(db, testFS(), "sql", "seeds")
	m.now = func() time.Time { return appliedT }
	mock.ExpectExec("create table if not exists adfunds_schema_versions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists adfunds_seed_runs").WillReturnResult(sqlmock.NewResult(0, 0))
	return m, mock
}

func versionRows(rows ...Applied) *sqlmock.Rows {
	out := sqlmock.NewRows([]string{"version", "name", "checksum", "applied_at"})
	for _, a := range rows {
		out.AddRow(a.Version, a.Name, a.Checksum, a.AppliedAt)
	}
	return out
}

func TestUpAppliesPendingWithChecksum(t *testing.T) {
	m, mock := newMock(t)

	mock.ExpectQuery("select version, name, checksum, applied_at from adfunds_schema_versions order by version").
		WillReturnRows(versionRows(Applied{Version: 1, Name: "0001_core", Checksum: checksum(coreUp), AppliedAt: appliedT}))
	mock.ExpectBegin()
	mock.ExpectExec("alter table a add column n int").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into adfunds_schema_versions").
		WithArgs(int64(2), "0002_more", checksum(moreUp), appliedT).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, m.Up(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpRefusesWhenAppliedScriptChanged(t *testing.T) {
	m, mock := newMock(t)

	mock.ExpectQuery("from adfunds_schema_versions").
		WillReturnRows(versionRows(Applied{Version: 1, Name: "0001_core", Checksum: "edited", AppliedAt: appliedT}))

	err := m.Up(context.Background())
	require.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Contains(t, err.Error(), "0001_core")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpFailureRollsBackVersionRow(t *testing.T) {
	m, mock := newMock(t)

	mock.ExpectQuery("from adfunds_schema_versions").WillReturnRows(versionRows())
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table b").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := m.Up(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "0001_core")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownRollsBackHighestVersion(t *testing.T) {
	m, mock := newMock(t)

	mock.ExpectQuery("from adfunds_schema_versions").
		WillReturnRows(versionRows(
			Applied{Version: 1, Name: "0001_core", Checksum: checksum(coreUp), AppliedAt: appliedT},
			Applied{Version: 2, Name: "0002_more", Checksum: checksum(moreUp), AppliedAt: appliedT},
		))
	mock.ExpectBegin()
	mock.ExpectExec("alter table a drop column n").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from adfunds_schema_versions where version").
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.Down(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownWithNothingApplied(t *testing.T) {
	m, mock := newMock(t)
	mock.ExpectQuery("from adfunds_schema_versions").WillReturnRows(versionRows())

	require.ErrorIs(t, m.Down(context.Background()), ErrNothingApplied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedRerunsChangedScriptsOnly(t *testing.T) {
	m, mock := newMock(t)

	mock.ExpectQuery("select name, checksum from adfunds_seed_runs").
		WillReturnRows(sqlmock.NewRows([]string{"name", "checksum"}).
			AddRow("0001_demo.sql", checksum(demoSeed)).
			AddRow("0002_more.sql", "previous"))
	mock.ExpectBegin()
	mock.ExpectExec(`insert into a values \('2'\)`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into adfunds_seed_runs").
		WithArgs("0002_more.sql", checksum(moreSeed), appliedT).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.Seed(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusReportsPendingDriftAndMissingTables(t *testing.T) {
	m, mock := newMock(t)

	mock.ExpectQuery("from adfunds_schema_versions").
		WillReturnRows(versionRows(Applied{Version: 1, Name: "0001_core", Checksum: "edited", AppliedAt: appliedT}))
	mock.ExpectQuery("from information_schema.tables").
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).
			AddRow("organizations").AddRow("wallets").AddRow("adfunds_schema_versions"))

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Applied, 1)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, 2, st.Pending[0].Version)
	assert.Equal(t, checksum(moreUp), st.Pending[0].Checksum)
	assert.Equal(t, []string{"0001_core"}, st.Drifted)
	assert.NotContains(t, st.MissingTables, "organizations")
	assert.Contains(t, st.MissingTables, "transactions")
	assert.Len(t, st.MissingTables, len(CoreTables)-2)
	assert.False(t, st.Healthy())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRejectsAmbiguousVersions(t *testing.T) {
	m := NewManager(nil, fstest.MapFS{
		"sql/0001_core.up.sql":  {Data: coreUp},
		"sql/0001_other.up.sql": {Data: moreUp},
	}, "sql", "")
	_, err := m.load()
	require.Error(t, err)

	m = NewManager(nil, fstest.MapFS{"sql/init.up.sql": {Data: coreUp}}, "sql", "")
	_, err = m.load()
	require.Error(t, err)

	m = NewManager(nil, fstest.MapFS{}, "nope", "")
	migs, err := m.load()
	require.NoError(t, err)
	assert.Empty(t, migs)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(`
create function one() returns int as $body$ select 1; $body$ language sql;
-- drop table audit_log;
insert into b values ('a;b');
`)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "select 1; $body$ language sql")
	assert.Contains(t, stmts[1], "'a;b'")
	for _, s := range stmts {
		assert.NotContains(t, s, "drop table")
	}
}

func TestEmbeddedSchemaCreatesCoreTables(t *testing.T) {
	m := NewManager(nil, migrations.FS, migrations.MigrationsDir, migrations.SeedsDir)
	migs, err := m.load()
	require.NoError(t, err)
	require.NotEmpty(t, migs)

	created := make(map[string]bool)
	for _, mig := range migs {
		script, err := fs.ReadFile(migrations.FS, mig.upPath)
		require.NoError(t, err)
		for _, stmt := range splitStatements(string(script)) {
			fields := strings.Fields(stmt)
			if len(fields) >= 6 && fields[0] == "create" && fields[1] == "table" {
				created[fields[5]] = true
			}
		}
	}
	for _, table := range CoreTables {
		assert.True(t, created[table], "no migration creates %s", table)
	}
}
