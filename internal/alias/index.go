package alias

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/tyqqj0/Paper-Parser/internal/domain"
	"github.com/tyqqj0/Paper-Parser/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS aliases (
	kind       TEXT NOT NULL,
	value      TEXT NOT NULL,
	paper_id   TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (kind, value)
);
CREATE INDEX IF NOT EXISTS idx_aliases_paper ON aliases(paper_id);
`

// Index is the SQLite-backed alias store. A single file serves one service
// instance; WAL mode keeps concurrent readers cheap.
type Index struct {
	db *sqlx.DB
}

func Open(path string) (*Index, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open alias db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure alias schema: %w", err)
	}
	return &Index{db: db}, nil
}

func (i *Index) Close() error { return i.db.Close() }

func (i *Index) Resolve(ctx context.Context, a domain.Alias) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var paperID string
	err := i.db.GetContext(ctx, &paperID,
		`SELECT paper_id FROM aliases WHERE kind = ? AND value = ?`, a.Kind, a.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve alias %s:%s: %w", a.Kind, a.Value, err)
	}
	return paperID, nil
}

// Record upserts aliases for paperID. New pairs are inserted, identical
// pairs refresh updated_at, and a pair already owned by a different paper
// is kept as-is: the conflict is logged and counted, never overwritten.
func (i *Index) Record(ctx context.Context, paperID string, aliases []domain.Alias) (int, error) {
	if len(aliases) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := i.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("record aliases: %w", err)
	}
	defer tx.Rollback()

	conflicts := 0
	for _, a := range aliases {
		var existing string
		err := tx.GetContext(ctx, &existing,
			`SELECT paper_id FROM aliases WHERE kind = ? AND value = ?`, a.Kind, a.Value)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO aliases (kind, value, paper_id) VALUES (?, ?, ?)`,
				a.Kind, a.Value, paperID); err != nil {
				return conflicts, fmt.Errorf("insert alias %s:%s: %w", a.Kind, a.Value, err)
			}
		case err != nil:
			return conflicts, fmt.Errorf("check alias %s:%s: %w", a.Kind, a.Value, err)
		case existing == paperID:
			if _, err := tx.ExecContext(ctx,
				`UPDATE aliases SET updated_at = datetime('now') WHERE kind = ? AND value = ?`,
				a.Kind, a.Value); err != nil {
				return conflicts, fmt.Errorf("touch alias %s:%s: %w", a.Kind, a.Value, err)
			}
		default:
			conflicts++
			metrics.AliasConflicts.Inc()
			log.WithFields(log.Fields{
				"kind":     a.Kind,
				"value":    a.Value,
				"existing": existing,
				"incoming": paperID,
			}).Warn("alias conflict, keeping original mapping")
		}
	}
	if err := tx.Commit(); err != nil {
		return conflicts, fmt.Errorf("record aliases: %w", err)
	}
	return conflicts, nil
}

func (i *Index) AliasesOf(ctx context.Context, paperID string) ([]domain.AliasRow, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var rows []domain.AliasRow
	err := i.db.SelectContext(ctx, &rows,
		`SELECT kind, value, paper_id, created_at, updated_at
		 FROM aliases WHERE paper_id = ? ORDER BY kind, value`, paperID)
	if err != nil {
		return nil, fmt.Errorf("aliases of %s: %w", paperID, err)
	}
	return rows, nil
}

// Stats summarizes the index for the aliases CLI and the health surface.
type Stats struct {
	Total   int            `json:"total"`
	Papers  int            `json:"papers"`
	PerKind map[string]int `json:"per_kind"`
}

func (i *Index) Stats(ctx context.Context) (*Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	s := &Stats{PerKind: map[string]int{}}
	if err := i.db.GetContext(ctx, &s.Total, `SELECT COUNT(*) FROM aliases`); err != nil {
		return nil, fmt.Errorf("alias stats: %w", err)
	}
	if err := i.db.GetContext(ctx, &s.Papers, `SELECT COUNT(DISTINCT paper_id) FROM aliases`); err != nil {
		return nil, fmt.Errorf("alias stats: %w", err)
	}
	rows, err := i.db.QueryxContext(ctx, `SELECT kind, COUNT(*) FROM aliases GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("alias stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("alias stats: %w", err)
		}
		s.PerKind[kind] = count
	}
	return s, rows.Err()
}

// CompactOlderThan removes aliases not touched within age. Intended for the
// aliases CLI; the resolver never deletes mappings.
func (i *Index) CompactOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cutoff := fmt.Sprintf("-%d seconds", int64(age.Seconds()))
	res, err := i.db.ExecContext(ctx,
		`DELETE FROM aliases WHERE updated_at < datetime('now', ?)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("compact aliases: %w", err)
	}
	return res.RowsAffected()
}

// Ping reports index reachability for the health endpoint.
func (i *Index) Ping(ctx context.Context) error {
	return i.db.PingContext(ctx)
}
