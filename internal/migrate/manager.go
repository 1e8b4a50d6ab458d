// Package migrate applies the adfunds schema and seed scripts and reports
// whether a database matches the scripts it was built from.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"adfunds.io/internal/obs"
)

const (
	versionsTable = "adfunds_schema_versions"
	seedRunsTable = "adfunds_seed_runs"
)

// CoreTables are the tables the services read and write. Status reports any
// that are absent from the current schema.
var CoreTables = []string{
	"organizations",
	"wallets",
	"assets",
	"ad_account_balances",
	"transactions",
	"asset_bindings",
	"applications",
	"impersonation_sessions",
	"audit_log",
}

var (
	// ErrChecksumMismatch means an applied migration file was edited after it ran.
	ErrChecksumMismatch = errors.New("migrate: applied migration changed on disk")
	// ErrNothingApplied is returned by Down on an empty schema.
	ErrNothingApplied = errors.New("migrate: no migrations applied")
)

// Migration is a numbered NNNN_name.up.sql script with an optional
// NNNN_name.down.sql partner.
type Migration struct {
	Version  int
	Name     string
	Checksum string

	upPath   string
	downPath string
}

// Applied is a row of the versions table.
type Applied struct {
	Version   int
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// Status compares the database with the scripts on disk.
type Status struct {
	Applied []Applied
	Pending []Migration
	// Drifted names applied migrations whose file changed or disappeared.
	Drifted []string
	// MissingTables lists CoreTables absent from the schema.
	MissingTables []string
}

// Healthy reports whether the schema is current, unmodified and complete.
func (s Status) Healthy() bool {
	return len(s.Pending) == 0 && len(s.Drifted) == 0 && len(s.MissingTables) == 0
}

// Manager runs scripts read from fsys. Pass migrations.FS in production and
// os.DirFS for a checkout.
type Manager struct {
	db            *sql.DB
	fsys          fs.FS
	migrationsDir string
	seedsDir      string
	now           func() time.Time
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, fsys fs.FS, migrationsDir, seedsDir string) *Manager {
	return &Manager{db: db, fsys: fsys, migrationsDir: migrationsDir, seedsDir: seedsDir, now: time.Now}
}

// Up applies pending migrations in version order. Each script runs in the
// same transaction as its version row. Up refuses to run when an applied
// script has drifted.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	st, err := m.compare(ctx)
	if err != nil {
		return err
	}
	if len(st.Drifted) > 0 {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, strings.Join(st.Drifted, ", "))
	}
	for _, mig := range st.Pending {
		script, err := fs.ReadFile(m.fsys, mig.upPath)
		if err != nil {
			return err
		}
		err = m.inTx(ctx, func(tx *sql.Tx) error {
			if err := runScript(ctx, tx, string(script)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`insert into `+versionsTable+` (version, name, checksum, applied_at) values ($1, $2, $3, $4)`,
				mig.Version, mig.Name, mig.Checksum, m.now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("apply %s: %w", mig.Name, err)
		}
		obs.Logger().Info("migration applied", "version", mig.Version, "name", mig.Name)
	}
	return nil
}

// Down rolls back the highest applied version.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return ErrNothingApplied
	}
	last := applied[len(applied)-1]
	migs, err := m.load()
	if err != nil {
		return err
	}
	var mig *Migration
	for i := range migs {
		if migs[i].Version == last.Version {
			mig = &migs[i]
		}
	}
	if mig == nil || mig.downPath == "" {
		return fmt.Errorf("migrate: no down script for %s", last.Name)
	}
	script, err := fs.ReadFile(m.fsys, mig.downPath)
	if err != nil {
		return err
	}
	err = m.inTx(ctx, func(tx *sql.Tx) error {
		if err := runScript(ctx, tx, string(script)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `delete from `+versionsTable+` where version = $1`, last.Version)
		return err
	})
	if err != nil {
		return fmt.Errorf("roll back %s: %w", last.Name, err)
	}
	obs.Logger().Info("migration rolled back", "version", last.Version, "name", last.Name)
	return nil
}

// Status reports applied and pending versions, drift, and missing core tables.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	if err := m.ensureTables(ctx); err != nil {
		return Status{}, err
	}
	st, err := m.compare(ctx)
	if err != nil {
		return Status{}, err
	}
	present, err := m.tables(ctx)
	if err != nil {
		return Status{}, err
	}
	for _, t := range CoreTables {
		if !present[t] {
			st.MissingTables = append(st.MissingTables, t)
		}
	}
	return st, nil
}

// Seed runs seed scripts. A script runs again when its contents change, so
// seeds must be idempotent.
func (m *Manager) Seed(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	rows, err := m.db.QueryContext(ctx, `select name, checksum from `+seedRunsTable)
	if err != nil {
		return err
	}
	done := make(map[string]string)
	for rows.Next() {
		var name, sum string
		if err := rows.Scan(&name, &sum); err != nil {
			rows.Close()
			return err
		}
		done[name] = sum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	entries, err := readDir(m.fsys, m.seedsDir)
	if err != nil {
		return err
	}
	for _, name := range entries {
		if !strings.HasSuffix(name, ".sql") {
			continue
		}
		script, err := fs.ReadFile(m.fsys, path.Join(m.seedsDir, name))
		if err != nil {
			return err
		}
		sum := checksum(script)
		if done[name] == sum {
			continue
		}
		err = m.inTx(ctx, func(tx *sql.Tx) error {
			if err := runScript(ctx, tx, string(script)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `
				insert into `+seedRunsTable+` (name, checksum, applied_at) values ($1, $2, $3)
				on conflict (name) do update set checksum = excluded.checksum, applied_at = excluded.applied_at
			`, name, sum, m.now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
		obs.Logger().Info("seed applied", "name", name)
	}
	return nil
}

func (m *Manager) ensureTables(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `
		create table if not exists `+versionsTable+` (
			version integer primary key,
			name text not null,
			checksum text not null,
			applied_at timestamptz not null default now()
		)`); err != nil {
		return err
	}
	_, err := m.db.ExecContext(ctx, `
		create table if not exists `+seedRunsTable+` (
			name text primary key,
			checksum text not null,
			applied_at timestamptz not null default now()
		)`)
	return err
}

// compare loads the scripts and the versions table and splits them into
// applied, pending and drifted.
func (m *Manager) compare(ctx context.Context) (Status, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return Status{}, err
	}
	migs, err := m.load()
	if err != nil {
		return Status{}, err
	}
	byVersion := make(map[int]Migration, len(migs))
	for _, mig := range migs {
		byVersion[mig.Version] = mig
	}
	st := Status{Applied: applied}
	seen := make(map[int]bool, len(applied))
	for _, a := range applied {
		seen[a.Version] = true
		mig, ok := byVersion[a.Version]
		if !ok || mig.Checksum != a.Checksum {
			st.Drifted = append(st.Drifted, a.Name)
		}
	}
	for _, mig := range migs {
		if !seen[mig.Version] {
			st.Pending = append(st.Pending, mig)
		}
	}
	return st, nil
}

func (m *Manager) applied(ctx context.Context) ([]Applied, error) {
	rows, err := m.db.QueryContext(ctx,
		`select version, name, checksum, applied_at from `+versionsTable+` order by version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Version, &a.Name, &a.Checksum, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (m *Manager) tables(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx,
		`select table_name from information_schema.tables where table_schema = current_schema()`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

// load reads the migrations directory. Files that are not NNNN_name.up.sql
// or NNNN_name.down.sql are ignored.
func (m *Manager) load() ([]Migration, error) {
	entries, err := readDir(m.fsys, m.migrationsDir)
	if err != nil {
		return nil, err
	}
	byVersion := make(map[int]*Migration)
	for _, file := range entries {
		var (
			stem string
			up   bool
		)
		switch {
		case strings.HasSuffix(file, ".up.sql"):
			stem, up = strings.TrimSuffix(file, ".up.sql"), true
		case strings.HasSuffix(file, ".down.sql"):
			stem = strings.TrimSuffix(file, ".down.sql")
		default:
			continue
		}
		version, err := parseVersion(stem)
		if err != nil {
			return nil, err
		}
		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: stem}
			byVersion[version] = mig
		} else if mig.Name != stem {
			return nil, fmt.Errorf("migrate: version %d used by %s and %s", version, mig.Name, stem)
		}
		p := path.Join(m.migrationsDir, file)
		if !up {
			mig.downPath = p
			continue
		}
		data, err := fs.ReadFile(m.fsys, p)
		if err != nil {
			return nil, err
		}
		mig.upPath = p
		mig.Checksum = checksum(data)
	}
	out := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.upPath == "" {
			return nil, fmt.Errorf("migrate: %s has a down script but no up script", mig.Name)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *Manager) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func parseVersion(stem string) (int, error) {
	prefix, _, ok := strings.Cut(stem, "_")
	if !ok {
		return 0, fmt.Errorf("migrate: %q is not NNNN_name", stem)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("migrate: %q has no positive version prefix", stem)
	}
	return v, nil
}

func readDir(fsys fs.FS, dir string) ([]string, error) {
	if fsys == nil || dir == "" {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func runScript(ctx context.Context, tx *sql.Tx, script string) error {
	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits a script on semicolons that are outside quoted
// literals, dollar-quoted bodies and -- comments. Empty statements are dropped.
func splitStatements(script string) []string {
	var (
		out     []string
		cur     strings.Builder
		quote   bool
		comment bool
		dollar  string
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" && s != ";" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case comment:
			if c == '\n' {
				comment = false
				cur.WriteByte(c)
			}
			continue
		case dollar != "":
			if strings.HasPrefix(script[i:], dollar) {
				cur.WriteString(dollar)
				i += len(dollar) - 1
				dollar = ""
				continue
			}
		case quote:
			if c == '\'' {
				quote = false
			}
		case c == '\'':
			quote = true
		case c == '-' && strings.HasPrefix(script[i:], "--"):
			comment = true
			continue
		case c == '$':
			if tag, ok := dollarTag(script[i:]); ok {
				dollar = tag
				cur.WriteString(tag)
				i += len(tag) - 1
				continue
			}
		case c == ';':
			cur.WriteByte(c)
			flush()
			continue
		}
		cur.WriteByte(c)
	}
	flush()
	return out
}

// dollarTag returns the $tag$ opening s, if any.
func dollarTag(s string) (string, bool) {
	end := strings.IndexByte(s[1:], '$')
	if end < 0 {
		return "", false
	}
	tag := s[:end+2]
	for _, r := range tag[1 : len(tag)-1] {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return "", false
		}
	}
	return tag, true
}
