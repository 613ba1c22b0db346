package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const migrationsTable = "request_log_migrations"

// Migration is one embedded request log schema step, loaded from
// migrations/NNN_name.sql.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrator brings the request log tables up to the embedded schema.
type Migrator struct {
	db *RequestLogDB
}

// NewMigrator creates a Migrator.
func NewMigrator(db *RequestLogDB) *Migrator {
	return &Migrator{db: db}
}

// Run applies every migration newer than the ones recorded, in version order.
func (m *Migrator) Run(ctx context.Context) error {
	err := m.db.exec(ctx, "Migrate", migrationsTable, `
		CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
			version UInt32,
			name String,
			applied_at DateTime DEFAULT now()
		)
		ENGINE = MergeTree()
		ORDER BY version`)
	if err != nil {
		return err
	}

	pending, err := loadMigrations(migrationFiles)
	if err != nil {
		return fmt.Errorf("load request log migrations: %w", err)
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	for _, mig := range pending {
		if applied[mig.Version] {
			continue
		}
		for _, stmt := range splitStatements(mig.SQL) {
			if err := m.db.exec(ctx, "Migrate", mig.Name, stmt); err != nil {
				return fmt.Errorf("request log migration %03d: %w", mig.Version, err)
			}
		}
		err := m.db.exec(ctx, "Migrate", migrationsTable,
			"INSERT INTO "+migrationsTable+" (version, name) VALUES (?, ?)", uint32(mig.Version), mig.Name)
		if err != nil {
			return err
		}
		slog.Info("request log migration applied", "version", mig.Version, "name", mig.Name)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]bool, error) {
	rows, err := m.db.conn.Query(ctx, "SELECT version FROM "+migrationsTable)
	if err != nil {
		return nil, Failed("Migrate", migrationsTable, err)
	}
	defer rows.Close()

	done := make(map[int]bool)
	for rows.Next() {
		var v uint32
		if err := rows.Scan(&v); err != nil {
			return nil, Failed("Migrate", migrationsTable, err)
		}
		done[int(v)] = true
	}
	return done, rows.Err()
}

// loadMigrations reads NNN_name.sql files, ignoring anything else, sorted by version.
func loadMigrations(fsys fs.FS) ([]Migration, error) {
	files, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, err
	}

	var out []Migration
	for _, file := range files {
		base := strings.TrimSuffix(path.Base(file), ".sql")
		num, name, ok := strings.Cut(base, "_")
		version, err := strconv.Atoi(num)
		if !ok || err != nil {
			continue
		}
		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, err
		}
		out = append(out, Migration{Version: version, Name: name, SQL: string(body)})
	}
	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	return out, nil
}

// splitStatements splits on semicolons outside quoted strings. Statements
// that are only comments are dropped.
func splitStatements(sql string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)
	flush := func() {
		stmt := strings.TrimSpace(cur.String())
		cur.Reset()
		if stmt != "" && !commentOnly(stmt) {
			out = append(out, stmt)
		}
	}

	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0 && r == quote && i+1 < len(runes) && runes[i+1] == quote:
			// Doubled quote is an escaped quote.
			cur.WriteRune(r)
			i++
		case quote != 0 && r == quote:
			quote = 0
		case quote == 0 && (r == '\'' || r == '"'):
			quote = r
		case quote == 0 && r == ';':
			flush()
			continue
		}
		cur.WriteRune(r)
	}
	flush()
	return out
}

func commentOnly(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
