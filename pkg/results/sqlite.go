package results

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteSink writes results into two tables:
//
//	embedding(series, name, best_e, rho)
//	corrcoef(library, target, rho)
//
// NaN scores are stored as NULL.
type SQLiteSink struct {
	db    *sql.DB
	names []string
}

// OpenSQLite opens (or creates) the database at path. names labels the
// series in the embedding table.
func OpenSQLite(ctx context.Context, path string, names []string) (*SQLiteSink, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// One writer at a time; rows still arrive from concurrent callers.
	db.SetMaxOpenConns(1)

	s := &SQLiteSink{db: db, names: names}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS embedding (
			series INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			best_e INTEGER NOT NULL,
			rho REAL
		);
		CREATE TABLE IF NOT EXISTS corrcoef (
			library INTEGER NOT NULL,
			target INTEGER NOT NULL,
			rho REAL,
			PRIMARY KEY (library, target)
		);
	`)
	return err
}

func nullable(v float32) sql.NullFloat64 {
	if math.IsNaN(float64(v)) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: float64(v), Valid: true}
}

func (s *SQLiteSink) name(i int) string {
	if i < len(s.names) {
		return s.names[i]
	}
	return fmt.Sprintf("%d", i)
}

// WriteEmbedding implements Sink.
func (s *SQLiteSink) WriteEmbedding(ctx context.Context, bestE []int, rhos []float32) error {
	if err := checkLen("embedding rho", len(rhos), len(bestE)); err != nil {
		return err
	}
	return s.inTx(ctx, `INSERT OR REPLACE INTO embedding (series, name, best_e, rho) VALUES (?, ?, ?, ?)`,
		func(stmt *sql.Stmt) error {
			for i, e := range bestE {
				if _, err := stmt.ExecContext(ctx, i, s.name(i), e, nullable(rhos[i])); err != nil {
					return err
				}
			}
			return nil
		})
}

// WriteRow implements Sink.
func (s *SQLiteSink) WriteRow(ctx context.Context, library int, rhos []float32) error {
	return s.inTx(ctx, `INSERT OR REPLACE INTO corrcoef (library, target, rho) VALUES (?, ?, ?)`,
		func(stmt *sql.Stmt) error {
			for j, r := range rhos {
				if _, err := stmt.ExecContext(ctx, library, j, nullable(r)); err != nil {
					return err
				}
			}
			return nil
		})
}

func (s *SQLiteSink) inTx(ctx context.Context, query string, fn func(*sql.Stmt) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	if err := fn(stmt); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Matrix reads the stored scores back as an n x n row-major matrix with
// NaN for missing or NULL entries.
func (s *SQLiteSink) Matrix(ctx context.Context, n int) ([]float32, error) {
	out := make([]float32, n*n)
	for i := range out {
		out[i] = float32(math.NaN())
	}
	rows, err := s.db.QueryContext(ctx, `SELECT library, target, rho FROM corrcoef`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var lib, tgt int
		var rho sql.NullFloat64
		if err := rows.Scan(&lib, &tgt, &rho); err != nil {
			return nil, err
		}
		if lib < n && tgt < n && rho.Valid {
			out[lib*n+tgt] = float32(rho.Float64)
		}
	}
	return out, rows.Err()
}

// Close implements Sink.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
