package ledger

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/steward/internal/crypto"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type DBDriver string

const (
	DBSQLite   DBDriver = "sqlite"
	DBPostgres DBDriver = "postgres"
)

// Migration is one embedded schema step. Checksum uses the same
// "sha256:<hex>" form as record digests.
type Migration struct {
	Version  string
	Checksum string
	SQL      string
}

type dialect struct {
	dir      string
	table    string
	stampCol string
	bind     func(n int) string
	stamp    func(time.Time) any
}

var dialects = map[DBDriver]dialect{
	DBSQLite: {
		dir:      "migrations/sqlite",
		table:    "schema_migrations",
		stampCol: "TEXT",
		bind:     func(int) string { return "?" },
		stamp:    func(t time.Time) any { return FormatTime(t) },
	},
	DBPostgres: {
		dir:      "migrations/postgres",
		table:    "steward_schema_migrations",
		stampCol: "TIMESTAMPTZ",
		bind:     func(n int) string { return fmt.Sprintf("$%d", n) },
		stamp:    func(t time.Time) any { return t },
	},
}

func dialectFor(driver DBDriver) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported db driver: %s", driver)
	}
	return d, nil
}

// Migrations lists the embedded schema steps for driver in apply order.
func Migrations(driver DBDriver) ([]Migration, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	return loadMigrations(migrationsFS, d.dir)
}

func loadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	var out []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		body, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, Migration{
			Version:  strings.TrimSuffix(e.Name(), ".sql"),
			Checksum: crypto.DigestWithPrefix(body),
			SQL:      string(body),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrate brings db up to the embedded schema. Every applied version is
// stored with its checksum, and a version whose SQL changed after it ran
// fails with ErrMigrationDrift rather than being skipped.
func Migrate(db *sql.DB, driver DBDriver) error {
	if db == nil {
		return fmt.Errorf("missing db")
	}
	d, err := dialectFor(driver)
	if err != nil {
		return err
	}
	steps, err := loadMigrations(migrationsFS, d.dir)
	if err != nil {
		return err
	}
	return d.apply(db, steps, time.Now().UTC())
}

func (d dialect) apply(db *sql.DB, steps []Migration, now time.Time) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  version TEXT PRIMARY KEY,
  checksum TEXT NOT NULL,
  applied_at %s NOT NULL
)`, d.table, d.stampCol)
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("create %s: %w", d.table, err)
	}

	applied, err := d.applied(db)
	if err != nil {
		return err
	}
	for _, m := range steps {
		if sum, ok := applied[m.Version]; ok {
			if sum != m.Checksum {
				return fmt.Errorf("%w: %s was applied as %s, embedded file is %s", ErrMigrationDrift, m.Version, sum, m.Checksum)
			}
			continue
		}
		if err := d.applyOne(db, m, now); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Version, err)
		}
	}
	return nil
}

func (d dialect) applied(db *sql.DB) (map[string]string, error) {
	rows, err := db.Query(fmt.Sprintf(`SELECT version, checksum FROM %s`, d.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var version, sum string
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, err
		}
		out[version] = sum
	}
	return out, rows.Err()
}

// applyOne claims the version row before running the SQL so two gateways
// starting together do not both apply it.
func (d dialect) applyOne(db *sql.DB, m Migration, now time.Time) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, ignoreDone(tx.Rollback()))
		}
	}()

	claim := fmt.Sprintf(`INSERT INTO %s(version, checksum, applied_at) VALUES(%s, %s, %s) ON CONFLICT(version) DO NOTHING`,
		d.table, d.bind(1), d.bind(2), d.bind(3))
	res, err := tx.Exec(claim, m.Version, m.Checksum, d.stamp(now))
	if err != nil {
		return err
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if claimed == 0 {
		return ignoreDone(tx.Rollback())
	}
	if _, err = tx.Exec(m.SQL); err != nil {
		return err
	}
	return tx.Commit()
}

func ignoreDone(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
