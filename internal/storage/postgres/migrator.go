package postgres

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

//go:embed sql/migrations/*.sql
var embeddedMigrations embed.FS

const (
	migrationsDir = "sql/migrations"
	// advisory lock, общий для всех экземпляров сервиса и cmd/migrate.
	migrationLockID = int64(0x636f6d6d)

	schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    checksum CHAR(64) NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

// ErrMigrationDrift — применённая миграция отличается от встроенной или неизвестна.
var ErrMigrationDrift = errors.New("migration drift")

// Migration — пара up/down скриптов одной версии.
type Migration struct {
	Version  int64
	Name     string
	Checksum string
	up       string
	down     string
}

// MigrationRecord — состояние одной миграции в базе.
type MigrationRecord struct {
	Version   int64
	Name      string
	AppliedAt time.Time
}

// Applied сообщает, что миграция уже в базе.
func (r MigrationRecord) Applied() bool { return !r.AppliedAt.IsZero() }

// SchemaState — сводка по всем встроенным миграциям.
type SchemaState struct {
	Version    int64
	Migrations []MigrationRecord
}

func (s SchemaState) Applied() int {
	n := 0
	for _, m := range s.Migrations {
		if m.Applied() {
			n++
		}
	}
	return n
}

func (s SchemaState) Pending() int { return len(s.Migrations) - s.Applied() }

// Migrator применяет встроенные миграции под advisory lock.
// Каждая миграция выполняется в своей транзакции.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
	logger     *log.Entry
}

// Migrator возвращает мигратор для встроенных миграций.
func (s *Store) Migrator() (*Migrator, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("postgres store is not initialized")
	}
	migrations, err := loadMigrations(embeddedMigrations)
	if err != nil {
		return nil, err
	}
	return &Migrator{
		db:         s.db,
		migrations: migrations,
		logger:     log.WithField("component", "postgres-migrator"),
	}, nil
}

// Up применяет до steps ожидающих миграций, steps <= 0 применяет все.
func (m *Migrator) Up(ctx context.Context, steps int) (int, error) {
	return m.locked(ctx, func(conn *sql.Conn, applied map[int64]string) (int, error) {
		if err := m.verify(applied); err != nil {
			return 0, err
		}
		pending := m.pending(applied)
		if steps > 0 && len(pending) > steps {
			pending = pending[:steps]
		}
		return m.apply(ctx, conn, pending, true)
	})
}

// Down откатывает steps последних миграций, steps <= 0 означает одну.
func (m *Migrator) Down(ctx context.Context, steps int) (int, error) {
	steps = max(steps, 1)
	return m.locked(ctx, func(conn *sql.Conn, applied map[int64]string) (int, error) {
		rollback, err := m.appliedDesc(applied)
		if err != nil {
			return 0, err
		}
		if len(rollback) > steps {
			rollback = rollback[:steps]
		}
		return m.apply(ctx, conn, rollback, false)
	})
}

// To приводит схему к версии target: применяет недостающие миграции
// не выше target и откатывает всё, что выше. target = 0 откатывает всё.
func (m *Migrator) To(ctx context.Context, target int64) (int, error) {
	if target != 0 && !slices.ContainsFunc(m.migrations, func(mg Migration) bool { return mg.Version == target }) {
		return 0, fmt.Errorf("unknown migration version %d", target)
	}
	return m.locked(ctx, func(conn *sql.Conn, applied map[int64]string) (int, error) {
		if err := m.verify(applied); err != nil {
			return 0, err
		}
		rollback, err := m.appliedDesc(applied)
		if err != nil {
			return 0, err
		}
		rollback = slices.DeleteFunc(rollback, func(mg Migration) bool { return mg.Version <= target })
		down, err := m.apply(ctx, conn, rollback, false)
		if err != nil {
			return down, err
		}

		pending := slices.DeleteFunc(m.pending(applied), func(mg Migration) bool { return mg.Version > target })
		up, err := m.apply(ctx, conn, pending, true)
		return down + up, err
	})
}

// Status возвращает состояние всех встроенных миграций.
func (m *Migrator) Status(ctx context.Context) (SchemaState, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()

	if _, err := m.db.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return SchemaState{}, fmt.Errorf("ensure schema_migrations: %w", err)
	}
	rows, err := m.db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return SchemaState{}, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	appliedAt := make(map[int64]time.Time)
	for rows.Next() {
		var (
			version int64
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return SchemaState{}, fmt.Errorf("scan schema_migrations: %w", err)
		}
		appliedAt[version] = at.UTC()
	}
	if err := rows.Err(); err != nil {
		return SchemaState{}, fmt.Errorf("iterate schema_migrations: %w", err)
	}

	state := SchemaState{Migrations: make([]MigrationRecord, 0, len(m.migrations))}
	for _, mg := range m.migrations {
		rec := MigrationRecord{Version: mg.Version, Name: mg.Name, AppliedAt: appliedAt[mg.Version]}
		if rec.Applied() {
			state.Version = max(state.Version, mg.Version)
		}
		state.Migrations = append(state.Migrations, rec)
	}
	return state, nil
}

// locked выполняет fn на выделенном соединении под advisory lock.
// fn получает контрольные суммы применённых версий.
func (m *Migrator) locked(ctx context.Context, fn func(*sql.Conn, map[int64]string) (int, error)) (int, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	_, err = conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, migrationLockID)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockID); err != nil {
			m.logger.WithError(err).Warn("failed to release migration lock")
		}
	}()

	if _, err := conn.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return 0, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return 0, fmt.Errorf("query schema_migrations: %w", err)
	}
	applied := make(map[int64]string)
	for rows.Next() {
		var (
			version  int64
			checksum string
		)
		if err := rows.Scan(&version, &checksum); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = strings.TrimSpace(checksum)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate schema_migrations: %w", err)
	}

	return fn(conn, applied)
}

// verify отказывает, если применённая миграция изменена или отсутствует в сборке.
func (m *Migrator) verify(applied map[int64]string) error {
	known := make(map[int64]Migration, len(m.migrations))
	for _, mg := range m.migrations {
		known[mg.Version] = mg
	}
	for version, checksum := range applied {
		mg, ok := known[version]
		if !ok {
			return fmt.Errorf("%w: applied version %d is not embedded", ErrMigrationDrift, version)
		}
		if checksum != mg.Checksum {
			return fmt.Errorf("%w: %d_%s was modified after it was applied", ErrMigrationDrift, version, mg.Name)
		}
	}
	return nil
}

// pending возвращает неприменённые миграции по возрастанию версии.
func (m *Migrator) pending(applied map[int64]string) []Migration {
	var out []Migration
	for _, mg := range m.migrations {
		if _, ok := applied[mg.Version]; !ok {
			out = append(out, mg)
		}
	}
	return out
}

// appliedDesc возвращает применённые миграции от новых к старым.
func (m *Migrator) appliedDesc(applied map[int64]string) ([]Migration, error) {
	out := make([]Migration, 0, len(applied))
	for i := len(m.migrations) - 1; i >= 0; i-- {
		if _, ok := applied[m.migrations[i].Version]; ok {
			out = append(out, m.migrations[i])
		}
	}
	if len(out) != len(applied) {
		return nil, fmt.Errorf("%w: database has versions this build cannot roll back", ErrMigrationDrift)
	}
	return out, nil
}

func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, migrations []Migration, up bool) (int, error) {
	for i, mg := range migrations {
		if err := runMigration(ctx, conn, mg, up); err != nil {
			return i, err
		}
		direction := "down"
		if up {
			direction = "up"
		}
		m.logger.WithFields(log.Fields{
			"version":   mg.Version,
			"name":      mg.Name,
			"direction": direction,
		}).Info("migration applied")
	}
	return len(migrations), nil
}

func runMigration(ctx context.Context, conn *sql.Conn, mg Migration, up bool) (err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d_%s: %w", mg.Version, mg.Name, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	script, record, args := mg.down, `DELETE FROM schema_migrations WHERE version = $1`, []any{mg.Version}
	if up {
		script = mg.up
		record = `INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`
		args = []any{mg.Version, mg.Name, mg.Checksum}
	}

	if _, err = tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("run migration %d_%s: %w", mg.Version, mg.Name, err)
	}
	if _, err = tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record migration %d_%s: %w", mg.Version, mg.Name, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d_%s: %w", mg.Version, mg.Name, err)
	}
	return nil
}

// loadMigrations читает файлы вида 0001_name.up.sql / 0001_name.down.sql.
// Контрольная сумма считается по up-скрипту.
func loadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := make(map[int64]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, up, err := parseMigrationFile(entry.Name())
		if err != nil {
			return nil, err
		}

		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		script := strings.TrimSpace(string(raw))
		if script == "" {
			return nil, fmt.Errorf("migration %s is empty", entry.Name())
		}

		mg, ok := byVersion[version]
		if !ok {
			mg = &Migration{Version: version, Name: name}
			byVersion[version] = mg
		}
		if mg.Name != name {
			return nil, fmt.Errorf("migration %d has two names: %s and %s", version, mg.Name, name)
		}

		target := &mg.down
		if up {
			target = &mg.up
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate migration file %s", entry.Name())
		}
		*target = script
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migrations found")
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, mg := range byVersion {
		if mg.up == "" || mg.down == "" {
			return nil, fmt.Errorf("migration %d_%s needs both up and down scripts", mg.Version, mg.Name)
		}
		sum := sha256.Sum256([]byte(mg.up))
		mg.Checksum = hex.EncodeToString(sum[:])
		migrations = append(migrations, *mg)
	}
	slices.SortFunc(migrations, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return migrations, nil
}

func parseMigrationFile(file string) (version int64, name string, up bool, err error) {
	stem, ok := strings.CutSuffix(file, ".sql")
	if !ok {
		return 0, "", false, fmt.Errorf("migration %s: expected .sql extension", file)
	}
	switch {
	case strings.HasSuffix(stem, ".up"):
		stem, up = strings.TrimSuffix(stem, ".up"), true
	case strings.HasSuffix(stem, ".down"):
		stem = strings.TrimSuffix(stem, ".down")
	default:
		return 0, "", false, fmt.Errorf("migration %s: expected .up or .down", file)
	}

	rawVersion, name, ok := strings.Cut(stem, "_")
	if !ok || name == "" {
		return 0, "", false, fmt.Errorf("migration %s: expected <version>_<name>", file)
	}
	version, err = strconv.ParseInt(rawVersion, 10, 64)
	if err != nil || version <= 0 {
		return 0, "", false, fmt.Errorf("migration %s: invalid version %q", file, rawVersion)
	}
	for _, r := range name {
		if r != '_' && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return 0, "", false, fmt.Errorf("migration %s: name must be lower_snake_case", file)
		}
	}
	return version, name, up, nil
}
