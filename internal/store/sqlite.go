// Package store keeps benchmark, alert and A/B history in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/takuphilchan/offgrid-docai/internal/abtest"
	"github.com/takuphilchan/offgrid-docai/internal/perf"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

// DBName is the file created inside the data directory.
const DBName = "history.db"

// SQLiteStore persists monitoring and experiment history.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewSQLiteStore opens (creating if needed) the history database in dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBName)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single connection; concurrent writers would otherwise see SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("failed to set WAL mode: %w", err)
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS benchmarks (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			iterations INTEGER,
			duration_ns INTEGER,
			avg_inference_ns INTEGER,
			peak_memory_bytes INTEGER,
			success_rate REAL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_benchmarks_kind ON benchmarks(kind, created_at);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT,
			kinds TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);`,
		`CREATE TABLE IF NOT EXISTS ab_results (
			id TEXT PRIMARY KEY,
			test_name TEXT NOT NULL,
			variant_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			value REAL,
			sample_size INTEGER,
			caller_id TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ab_results_test ON ab_results(test_name);`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute init query: %w", err)
		}
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveBenchmark implements perf.Sink.
func (s *SQLiteStore) SaveBenchmark(ctx context.Context, r perf.BenchmarkResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO benchmarks (id, kind, iterations, duration_ns, avg_inference_ns, peak_memory_bytes, success_rate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, string(r.Kind), r.Iterations, int64(r.Duration), int64(r.AverageInferenceTime), int64(r.PeakMemoryBytes), r.SuccessRate, r.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save benchmark: %w", err)
	}
	return nil
}

// RecentBenchmarks returns up to n benchmarks for kind, newest first. An
// empty kind matches every kind.
func (s *SQLiteStore) RecentBenchmarks(ctx context.Context, kind api.ModelKind, n int) ([]perf.BenchmarkResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, iterations, duration_ns, avg_inference_ns, peak_memory_bytes, success_rate, created_at
		FROM benchmarks WHERE (? = '' OR kind = ?)
		ORDER BY created_at DESC LIMIT ?
	`, string(kind), string(kind), limit(n))
	if err != nil {
		return nil, fmt.Errorf("failed to query benchmarks: %w", err)
	}
	defer rows.Close()

	var out []perf.BenchmarkResult
	for rows.Next() {
		var (
			r                  perf.BenchmarkResult
			k                  string
			dur, avg, peak, ts int64
		)
		if err := rows.Scan(&r.ID, &k, &r.Iterations, &dur, &avg, &peak, &r.SuccessRate, &ts); err != nil {
			return nil, err
		}
		r.Kind = api.ModelKind(k)
		r.Duration = time.Duration(dur)
		r.AverageInferenceTime = time.Duration(avg)
		r.PeakMemoryBytes = uint64(peak)
		r.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveAlert implements perf.Sink.
func (s *SQLiteStore) SaveAlert(ctx context.Context, a perf.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kindsJSON, _ := json.Marshal(a.Kinds)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO alerts (id, type, severity, message, kinds, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, string(a.Type), string(a.Severity), a.Message, string(kindsJSON), a.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// RecentAlerts returns up to n alerts, newest first.
func (s *SQLiteStore) RecentAlerts(ctx context.Context, n int) ([]perf.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, severity, message, kinds, created_at
		FROM alerts ORDER BY created_at DESC LIMIT ?
	`, limit(n))
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []perf.Alert
	for rows.Next() {
		var (
			a                  perf.Alert
			typ, sev, kindsRaw string
			ts                 int64
		)
		if err := rows.Scan(&a.ID, &typ, &sev, &a.Message, &kindsRaw, &ts); err != nil {
			return nil, err
		}
		a.Type = perf.AlertType(typ)
		a.Severity = perf.Severity(sev)
		a.Timestamp = time.Unix(0, ts).UTC()
		if kindsRaw != "" && kindsRaw != "null" {
			json.Unmarshal([]byte(kindsRaw), &a.Kinds)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveABResult implements abtest.Sink.
func (s *SQLiteStore) SaveABResult(ctx context.Context, r abtest.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO ab_results (id, test_name, variant_id, metric, value, sample_size, caller_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.TestName, r.VariantID, r.Metric, r.Value, r.SampleSize, r.CallerID, r.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save A/B result: %w", err)
	}
	return nil
}

// ABResults returns every stored result for testName in insertion order.
func (s *SQLiteStore) ABResults(ctx context.Context, testName string) ([]abtest.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, test_name, variant_id, metric, value, sample_size, caller_id, created_at
		FROM ab_results WHERE test_name = ? ORDER BY created_at, rowid
	`, testName)
	if err != nil {
		return nil, fmt.Errorf("failed to query A/B results: %w", err)
	}
	defer rows.Close()

	var out []abtest.Result
	for rows.Next() {
		var (
			r  abtest.Result
			ts int64
		)
		if err := rows.Scan(&r.ID, &r.TestName, &r.VariantID, &r.Metric, &r.Value, &r.SampleSize, &r.CallerID, &ts); err != nil {
			return nil, err
		}
		r.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteABResults implements abtest.Sink.
func (s *SQLiteStore) DeleteABResults(ctx context.Context, testName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM ab_results WHERE test_name = ?", testName); err != nil {
		return fmt.Errorf("failed to delete A/B results: %w", err)
	}
	return nil
}

// Prune deletes benchmarks and alerts recorded before cutoff and returns
// how many rows were removed.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, table := range []string{"benchmarks", "alerts"} {
		res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE created_at < ?", cutoff.UnixNano())
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func limit(n int) int {
	if n <= 0 {
		return 50
	}
	return n
}
