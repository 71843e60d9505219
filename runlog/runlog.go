// Package runlog records VM runs and their collections in a SQLite
// database.
package runlog

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chazu/widow/vm"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("widow.runlog")

// ErrRunNotFound indicates the requested run doesn't exist.
var ErrRunNotFound = errors.New("run not found")

// Outcomes stored for a run.
const (
	OutcomeHalted       = "halted"
	OutcomeLoadError    = "load-error"
	OutcomeRuntimeError = "runtime-error"
	OutcomeOutOfMemory  = "out-of-memory"
)

// Outcome classifies the error a load or run finished with.
func Outcome(err error) string {
	var le *vm.LoadError
	switch {
	case err == nil:
		return OutcomeHalted
	case errors.Is(err, vm.ErrOutOfMemory):
		return OutcomeOutOfMemory
	case errors.As(err, &le):
		return OutcomeLoadError
	}
	return OutcomeRuntimeError
}

// Run is one recorded execution.
type Run struct {
	ID       int64
	Program  string
	Started  time.Time
	Duration time.Duration
	Steps    uint64
	Outcome  string
	Error    string

	Collections  int
	ObjectsFreed uint64
	BytesFreed   uint64
	Promoted     uint64
	TotalPause   time.Duration

	// Cycles is filled by Recorder and by Store.Run; Store.Runs leaves it
	// empty.
	Cycles []vm.CycleStats
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	program       TEXT    NOT NULL,
	started       INTEGER NOT NULL,
	duration_ns   INTEGER NOT NULL,
	steps         INTEGER NOT NULL,
	outcome       TEXT    NOT NULL,
	error         TEXT    NOT NULL DEFAULT '',
	collections   INTEGER NOT NULL,
	objects_freed INTEGER NOT NULL,
	bytes_freed   INTEGER NOT NULL,
	promoted      INTEGER NOT NULL,
	pause_ns      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS collections (
	run_id        INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq           INTEGER NOT NULL,
	kind          TEXT    NOT NULL,
	roots         INTEGER NOT NULL,
	remembered    INTEGER NOT NULL,
	marked        INTEGER NOT NULL,
	promoted      INTEGER NOT NULL,
	freed         INTEGER NOT NULL,
	bytes_freed   INTEGER NOT NULL,
	heap_before   INTEGER NOT NULL,
	heap_after    INTEGER NOT NULL,
	pause_ns      INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);`

// Store handles SQLite storage for runs.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if needed) the run database at path. ":memory:"
// gives a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	log.Debugf("opened run log %s", path)
	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record stores a run and its collections in one transaction and returns
// the new run ID.
func (s *Store) Record(r *Run) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO runs
		(program, started, duration_ns, steps, outcome, error, collections, objects_freed, bytes_freed, promoted, pause_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Program, r.Started.UnixNano(), int64(r.Duration), int64(r.Steps), r.Outcome, r.Error,
		r.Collections, int64(r.ObjectsFreed), int64(r.BytesFreed), int64(r.Promoted), int64(r.TotalPause))
	if err != nil {
		return 0, fmt.Errorf("saving run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading run id: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO collections
		(run_id, seq, kind, roots, remembered, marked, promoted, freed, bytes_freed, heap_before, heap_after, pause_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing collection insert: %w", err)
	}
	defer stmt.Close()
	for _, c := range r.Cycles {
		if _, err := stmt.Exec(id, int64(c.Seq), c.Kind.String(), c.RootsScanned, c.RemsetRoots, c.Marked,
			c.Promoted, c.Freed, int64(c.BytesFreed), int64(c.HeapBefore), int64(c.HeapAfter), int64(c.Pause)); err != nil {
			return 0, fmt.Errorf("saving collection %d: %w", c.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing run: %w", err)
	}
	r.ID = id
	log.Infof("recorded run %d: %s, %d steps, %d collections", id, r.Outcome, r.Steps, len(r.Cycles))
	return id, nil
}

const runColumns = `id, program, started, duration_ns, steps, outcome, error,
	collections, objects_freed, bytes_freed, promoted, pause_ns`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r                                  Run
		started, dur, steps, pause         int64
		objectsFreed, bytesFreed, promoted int64
	)
	err := row.Scan(&r.ID, &r.Program, &started, &dur, &steps, &r.Outcome, &r.Error,
		&r.Collections, &objectsFreed, &bytesFreed, &promoted, &pause)
	if err != nil {
		return Run{}, err
	}
	r.Started = time.Unix(0, started)
	r.Duration = time.Duration(dur)
	r.Steps = uint64(steps)
	r.ObjectsFreed = uint64(objectsFreed)
	r.BytesFreed = uint64(bytesFreed)
	r.Promoted = uint64(promoted)
	r.TotalPause = time.Duration(pause)
	return r, nil
}

// Runs returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (s *Store) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query("SELECT "+runColumns+" FROM runs ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("reading run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Run returns one run with its collections.
func (s *Store) Run(id int64) (*Run, error) {
	r, err := scanRun(s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("querying run: %w", err)
	}

	rows, err := s.db.Query(`SELECT seq, kind, roots, remembered, marked, promoted, freed,
		bytes_freed, heap_before, heap_after, pause_ns
		FROM collections WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("querying collections: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c                                     vm.CycleStats
			kind                                  string
			seq, bytesFreed, before, after, pause int64
		)
		if err := rows.Scan(&seq, &kind, &c.RootsScanned, &c.RemsetRoots, &c.Marked, &c.Promoted, &c.Freed,
			&bytesFreed, &before, &after, &pause); err != nil {
			return nil, fmt.Errorf("reading collection: %w", err)
		}
		c.Seq = uint64(seq)
		if kind == vm.Major.String() {
			c.Kind = vm.Major
		}
		c.BytesFreed = uint64(bytesFreed)
		c.HeapBefore = uint64(before)
		c.HeapAfter = uint64(after)
		c.Pause = time.Duration(pause)
		r.Cycles = append(r.Cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &r, nil
}

// ---------------------------------------------------------------------------
// Recorder
// ---------------------------------------------------------------------------

// Recorder collects a run's statistics while it executes.
type Recorder struct {
	run Run
}

// NewRecorder starts recording a run of program on m. It installs m's
// OnCollect hook.
func NewRecorder(program string, m *vm.VM) *Recorder {
	r := &Recorder{run: Run{Program: program, Started: time.Now()}}
	m.OnCollect = func(c vm.CycleStats) {
		r.run.Cycles = append(r.run.Cycles, c)
	}
	return r
}

// Finish completes the record with the run's result. m may be nil when
// the program never loaded.
func (r *Recorder) Finish(m *vm.VM, err error) *Run {
	run := r.run
	run.Duration = time.Since(run.Started)
	run.Outcome = Outcome(err)
	if err != nil {
		run.Error = err.Error()
	}
	if m != nil {
		run.Steps = m.Steps()
		if h := m.Heap(); h != nil {
			st := h.Stats()
			run.Collections = int(st.Collections)
			run.ObjectsFreed = st.ObjectsFreed
			run.BytesFreed = st.BytesFreed
			run.Promoted = st.Promoted
			run.TotalPause = st.TotalPause
		}
	}
	return &run
}
