package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opsforge/sqlrollback/internal/checksum"
	"github.com/opsforge/sqlrollback/internal/dialect"
	"github.com/opsforge/sqlrollback/internal/logger"
	"github.com/opsforge/sqlrollback/internal/undo"
)

var ErrNotFound = errors.New("snapshot not found")

// TableCapture describes one table's export inside a snapshot.
type TableCapture struct {
	Name     string `json:"name"`
	Rows     int64  `json:"rows"`
	Bytes    int64  `json:"bytes"`
	File     string `json:"file"`
	Checksum string `json:"checksum"`
}

// Manifest is the snapshot's metadata file (manifest.json).
type Manifest struct {
	ID        string         `json:"snapshot_id"`
	CreatedAt time.Time      `json:"created_at"`
	DBVersion string         `json:"db_version"`
	Tables    []TableCapture `json:"tables"`
}

// Store captures and restores per-table data and structure under a directory,
// one subdirectory per snapshot id.
//
// Consistency is best-effort, not transactional across tables: tables are
// read one SELECT at a time, so rows written between captures can skew. A
// true cross-table snapshot needs a storage-engine mechanism this store does
// not have.
type Store struct {
	DB      *sql.DB
	Dialect dialect.Adapter
	Dir     string
	// Exclude lists table names and prefixes never captured (the ledger,
	// the audit table, engine internals).
	Exclude           []string
	ParallelThreshold int
	Workers           int
	Log               *logger.Logger

	now func() time.Time
}

func NewStore(database *sql.DB, adapter dialect.Adapter, dir string, exclude []string, parallelThreshold, workers int, log *logger.Logger) *Store {
	if parallelThreshold <= 0 {
		parallelThreshold = 10
	}
	if workers <= 0 {
		workers = 4
	}
	return &Store{
		DB:                database,
		Dialect:           adapter,
		Dir:               dir,
		Exclude:           exclude,
		ParallelThreshold: parallelThreshold,
		Workers:           workers,
		Log:               log,
		now:               time.Now,
	}
}

func (s *Store) excluded(table string) bool {
	lower := strings.ToLower(table)
	for _, ex := range s.Exclude {
		exl := strings.ToLower(ex)
		if lower == exl || strings.HasPrefix(lower, exl) {
			return true
		}
	}
	return false
}

// Create captures every non-excluded table and writes a manifest. A single
// failed table degrades the snapshot with a warning; the snapshot only fails
// outright when no table could be captured at all.
func (s *Store) Create(ctx context.Context, label, dbVersion string) (string, error) {
	id := fmt.Sprintf("%s_%s", label, s.now().UTC().Format("20060102_150405"))
	dir := filepath.Join(s.Dir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	tables, err := s.Dialect.ListTables(ctx, s.DB)
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("list tables: %w", err)
	}
	var wanted []string
	for _, t := range tables {
		if !s.excluded(t) {
			wanted = append(wanted, t)
		}
	}

	captures := make([]*TableCapture, len(wanted))
	if len(wanted) > s.ParallelThreshold {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.Workers)
		for i, table := range wanted {
			i, table := i, table
			g.Go(func() error {
				tc, err := s.captureTable(gctx, dir, table)
				if err != nil {
					s.Log.Warn("table capture failed", "table", table, "error", err.Error())
					return nil
				}
				captures[i] = tc
				return nil
			})
		}
		// Barrier: the attempt must not proceed until every capture lands.
		_ = g.Wait()
	} else {
		for i, table := range wanted {
			tc, err := s.captureTable(ctx, dir, table)
			if err != nil {
				s.Log.Warn("table capture failed", "table", table, "error", err.Error())
				continue
			}
			captures[i] = tc
		}
	}

	m := Manifest{ID: id, CreatedAt: s.now().UTC(), DBVersion: dbVersion}
	for _, c := range captures {
		if c != nil {
			m.Tables = append(m.Tables, *c)
		}
	}
	if len(wanted) > 0 && len(m.Tables) == 0 {
		_ = os.RemoveAll(dir)
		return "", errors.New("snapshot creation failed: no table could be captured")
	}

	if err := s.writeManifest(dir, m); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	s.Log.Info("snapshot created", "snapshot_id", id, "tables", len(m.Tables), "degraded", len(m.Tables) < len(wanted))
	return id, nil
}

func (s *Store) captureTable(ctx context.Context, dir, table string) (*TableCapture, error) {
	stmts, err := s.Dialect.ExportTable(ctx, s.DB, table)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", table, err)
	}

	var b strings.Builder
	for _, st := range stmts {
		b.WriteString(st)
		b.WriteString(";\n")
	}
	data := []byte(b.String())

	file := table + ".sql"
	if err := os.WriteFile(filepath.Join(dir, file), data, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", file, err)
	}

	structure, err := s.Dialect.DescribeTable(ctx, s.DB, table)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	sb, err := json.MarshalIndent(structure, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, table+".structure.json"), sb, 0o644); err != nil {
		return nil, err
	}

	return &TableCapture{
		Name:     table,
		Rows:     int64(len(stmts)),
		Bytes:    int64(len(data)),
		File:     file,
		Checksum: checksum.SHA256(data),
	}, nil
}

// Restore clears and repopulates every captured table. Restoration is
// best-effort and resumable: a failed table is reported but does not undo
// tables already restored. Restoring the same snapshot twice yields the same
// row counts both times.
func (s *Store) Restore(ctx context.Context, id string) error {
	m, err := s.Manifest(id)
	if err != nil {
		return err
	}

	var failed []string
	for _, tc := range m.Tables {
		if err := s.restoreTable(ctx, id, tc); err != nil {
			s.Log.Warn("table restore failed", "snapshot_id", id, "table", tc.Name, "error", err.Error())
			failed = append(failed, tc.Name)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("restore of snapshot %s incomplete, failed tables: %s", id, strings.Join(failed, ", "))
	}
	s.Log.Info("snapshot restored", "snapshot_id", id, "tables", len(m.Tables))
	return nil
}

func (s *Store) restoreTable(ctx context.Context, id string, tc TableCapture) error {
	raw, err := os.ReadFile(filepath.Join(s.Dir, id, tc.File))
	if err != nil {
		return err
	}
	if got := checksum.SHA256(raw); got != tc.Checksum {
		return fmt.Errorf("capture file for %s is corrupt", tc.Name)
	}
	if err := s.Dialect.ClearTable(ctx, s.DB, tc.Name); err != nil {
		return err
	}
	for _, stmt := range undo.Normalize(string(raw)) {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Manifest loads one snapshot's manifest by id.
func (s *Store) Manifest(id string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(s.Dir, id, "manifest.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("snapshot %s manifest unreadable: %w", id, err)
	}
	return &m, nil
}

// List returns manifests of every snapshot under the store directory,
// skipping entries without a readable manifest.
func (s *Store) List() ([]Manifest, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Manifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := s.Manifest(e.Name())
		if err != nil {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

func (s *Store) Delete(id string) error {
	if _, err := s.Manifest(id); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.Dir, id))
}

// Prune deletes snapshots older than the retention window.
func (s *Store) Prune(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	manifests, err := s.List()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, m := range manifests {
		if m.CreatedAt.Before(cutoff) {
			if err := s.Delete(m.ID); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) writeManifest(dir string, m Manifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "manifest.json"), raw, 0o644)
}
