package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS episodes (
	id                 TEXT PRIMARY KEY,
	timestamp          TEXT NOT NULL,
	task_label         TEXT NOT NULL,
	description        TEXT NOT NULL,
	strategy           TEXT NOT NULL,
	action             TEXT NOT NULL,
	result             TEXT NOT NULL,
	confidence         REAL NOT NULL,
	exceptions_found   INTEGER NOT NULL,
	exceptions_resolved INTEGER NOT NULL,
	similar_cases_count INTEGER NOT NULL,
	metadata           TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_episodes_timestamp ON episodes(timestamp);
CREATE INDEX IF NOT EXISTS idx_episodes_strategy ON episodes(strategy);

CREATE TABLE IF NOT EXISTS strategy_weights (
	strategy       TEXT PRIMARY KEY,
	success_rate   REAL NOT NULL,
	avg_confidence REAL NOT NULL,
	last_updated   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS modifications (
	id                 TEXT PRIMARY KEY,
	component          TEXT NOT NULL,
	change_description TEXT NOT NULL,
	rollback_payload   TEXT NOT NULL,
	applied_payload    TEXT NOT NULL,
	performance_before REAL NOT NULL,
	performance_after  REAL NOT NULL,
	state              TEXT NOT NULL,
	timestamp          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_modifications_timestamp ON modifications(timestamp);

CREATE TABLE IF NOT EXISTS fitness_snapshots (
	version           TEXT NOT NULL,
	efficiency        REAL NOT NULL,
	robustness        REAL NOT NULL,
	fitness_score     REAL NOT NULL,
	efficiency_weight REAL NOT NULL,
	robustness_weight REAL NOT NULL,
	timestamp         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fitness_timestamp ON fitness_snapshots(timestamp);
`

// nowUTC returns the current UTC time as an RFC 3339 string with
// nanosecond precision, the canonical timestamp encoding for all tables.
func nowUTC() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// Store persists resolverd state in SQLite.
type Store struct {
	db *sql.DB

	// writeLock serializes writers. Buffered size 1: acquiring is a
	// send, releasing is a receive.
	writeLock chan struct{}

	lockTimeout time.Duration

	// poisoned is set when a corruption is detected; writes are refused
	// until Reset.
	poisoned atomic.Bool
}

// Open opens or creates the SQLite database at path and runs migrations.
// The parent directory is created if missing. An empty path opens an
// in-memory database, used by tests.
func Open(path string, lockTimeout time.Duration) (*Store, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		dsn = path
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps the in-memory database coherent and
	// matches the one-writer discipline for file databases.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	s := &Store{
		db:          db,
		writeLock:   make(chan struct{}, 1),
		lockTimeout: lockTimeout,
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	var v int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec("INSERT INTO schema_version(version) VALUES(?)", schemaVersion); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case v != schemaVersion:
		return fmt.Errorf("unknown schema version %d", v)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Poisoned reports whether the store has refused writes after detecting
// corruption.
func (s *Store) Poisoned() bool { return s.poisoned.Load() }

// Reset clears the corruption flag. Administrative use only, after the
// offending rows have been repaired or purged.
func (s *Store) Reset() { s.poisoned.Store(false) }

// acquire takes the exclusive write lock, waiting at most the configured
// timeout and retrying once with backoff before giving up.
func (s *Store) acquire(op string) error {
	retries := 0
	for {
		select {
		case s.writeLock <- struct{}{}:
			return nil
		case <-time.After(s.lockTimeout):
		}
		if retries >= 1 {
			return &LockTimeoutError{Op: op, Waited: time.Duration(retries+1) * s.lockTimeout, Retries: retries}
		}
		retries++
		time.Sleep(100 * time.Millisecond)
	}
}

func (s *Store) release() { <-s.writeLock }

// withWriteTx runs fn inside an exclusive-locked transaction. The lock and
// the transaction are released on every exit path, including panics, and a
// failed fn leaves no partial state behind.
func (s *Store) withWriteTx(op string, fn func(tx *sql.Tx) error) error {
	if s.poisoned.Load() {
		return &CorruptionError{Table: "-", ID: "-", Reason: "store poisoned; writes halted until reset"}
	}
	if err := s.acquire(op); err != nil {
		return err
	}
	defer s.release()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%s: begin tx: %w", op, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	committed = true
	return nil
}

// corrupt flags the store poisoned and returns the corruption error.
func (s *Store) corrupt(table, id, reason string) error {
	s.poisoned.Store(true)
	return &CorruptionError{Table: table, ID: id, Reason: reason}
}

// ---- episodes ----

// InsertEpisode appends an episode and returns its assigned ID.
func (s *Store) InsertEpisode(ep *Episode) (string, error) {
	if err := ep.validate(); err != nil {
		return "", fmt.Errorf("insert episode: %w", err)
	}
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	if ep.Timestamp.IsZero() {
		ep.Timestamp = time.Now().UTC()
	}
	meta := "{}"
	if len(ep.Metadata) > 0 {
		b, err := json.Marshal(ep.Metadata)
		if err != nil {
			return "", fmt.Errorf("insert episode: encode metadata: %w", err)
		}
		meta = string(b)
	}
	err := s.withWriteTx("insert episode", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO episodes(id, timestamp, task_label, description, strategy, action, result,
			                      confidence, exceptions_found, exceptions_resolved, similar_cases_count, metadata)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ep.ID, ep.Timestamp.UTC().Format(time.RFC3339Nano), ep.TaskLabel, ep.Description,
			ep.Strategy, ep.Action, ep.Result, ep.Confidence,
			ep.ExceptionsFound, ep.ExceptionsResolved, ep.SimilarCasesCount, meta,
		)
		if err != nil {
			return fmt.Errorf("insert episode: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return ep.ID, nil
}

// ListEpisodes returns all episodes ordered oldest first.
func (s *Store) ListEpisodes() ([]*Episode, error) {
	return s.queryEpisodes(`SELECT id, timestamp, task_label, description, strategy, action, result,
		confidence, exceptions_found, exceptions_resolved, similar_cases_count, metadata
		FROM episodes ORDER BY timestamp ASC`)
}

// RecentEpisodes returns up to limit episodes, newest first.
func (s *Store) RecentEpisodes(limit int) ([]*Episode, error) {
	return s.queryEpisodes(`SELECT id, timestamp, task_label, description, strategy, action, result,
		confidence, exceptions_found, exceptions_resolved, similar_cases_count, metadata
		FROM episodes ORDER BY timestamp DESC LIMIT ?`, limit)
}

func (s *Store) queryEpisodes(query string, args ...any) ([]*Episode, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query episodes: %w", err)
	}
	defer rows.Close()

	var out []*Episode
	for rows.Next() {
		ep := &Episode{}
		var ts, meta string
		if err := rows.Scan(&ep.ID, &ts, &ep.TaskLabel, &ep.Description, &ep.Strategy, &ep.Action,
			&ep.Result, &ep.Confidence, &ep.ExceptionsFound, &ep.ExceptionsResolved,
			&ep.SimilarCasesCount, &meta); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		ep.Timestamp, err = parseTime(ts)
		if err != nil {
			return nil, s.corrupt("episodes", ep.ID, fmt.Sprintf("bad timestamp %q", ts))
		}
		if err := ep.validate(); err != nil {
			return nil, s.corrupt("episodes", ep.ID, err.Error())
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &ep.Metadata); err != nil {
				return nil, s.corrupt("episodes", ep.ID, fmt.Sprintf("bad metadata: %v", err))
			}
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// HasEpisodeWithFingerprint reports whether any episode carries the given
// duplicate-detection fingerprint in its metadata. The lookup compares the
// extracted JSON value, so fingerprints containing LIKE wildcards or
// JSON-escaped characters match exactly.
func (s *Store) HasEpisodeWithFingerprint(fp string) (bool, error) {
	if fp == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM episodes WHERE json_extract(metadata, '$.fingerprint') = ?`,
		fp,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("fingerprint lookup: %w", err)
	}
	return n > 0, nil
}

// PurgeEpisodes deletes all episodes. Administrative use only; episodes
// are otherwise append-only.
func (s *Store) PurgeEpisodes() error {
	return s.withWriteTx("purge episodes", func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM episodes"); err != nil {
			return fmt.Errorf("purge episodes: %w", err)
		}
		return nil
	})
}

// Statistics computes the read-only aggregate surface in one scan.
func (s *Store) Statistics() (*Statistics, error) {
	st := &Statistics{}
	err := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN action != 'escalate' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN action  = 'escalate' THEN 1 ELSE 0 END), 0),
		        COALESCE(AVG(confidence), 0)
		 FROM episodes`,
	).Scan(&st.TotalEpisodes, &st.AutoResolved, &st.Escalated, &st.AvgConfidence)
	if err != nil {
		return nil, fmt.Errorf("statistics: %w", err)
	}
	if st.TotalEpisodes > 0 {
		st.ResolutionRate = float64(st.AutoResolved) / float64(st.TotalEpisodes)
	}
	return st, nil
}

// ---- strategy weights ----

// UpsertStrategyWeights replaces the learned weights for the given
// strategies in one transaction.
func (s *Store) UpsertStrategyWeights(weights []StrategyWeight) error {
	return s.withWriteTx("upsert strategy weights", func(tx *sql.Tx) error {
		for _, w := range weights {
			if w.SuccessRate < 0 || w.SuccessRate > 1 {
				return fmt.Errorf("strategy %q: success_rate %v outside [0,1]", w.Strategy, w.SuccessRate)
			}
			ts := w.LastUpdated
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			_, err := tx.Exec(
				`INSERT INTO strategy_weights(strategy, success_rate, avg_confidence, last_updated)
				 VALUES(?, ?, ?, ?)
				 ON CONFLICT(strategy) DO UPDATE SET
				   success_rate=excluded.success_rate,
				   avg_confidence=excluded.avg_confidence,
				   last_updated=excluded.last_updated`,
				w.Strategy, w.SuccessRate, w.AvgConfidence, ts.UTC().Format(time.RFC3339Nano),
			)
			if err != nil {
				return fmt.Errorf("upsert weight %q: %w", w.Strategy, err)
			}
		}
		return nil
	})
}

// ReplaceStrategyWeights atomically swaps the entire weights table for the
// given set. Rollback uses it to restore a captured snapshot exactly.
func (s *Store) ReplaceStrategyWeights(weights []StrategyWeight) error {
	return s.withWriteTx("replace strategy weights", func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM strategy_weights"); err != nil {
			return fmt.Errorf("clear weights: %w", err)
		}
		for _, w := range weights {
			_, err := tx.Exec(
				`INSERT INTO strategy_weights(strategy, success_rate, avg_confidence, last_updated)
				 VALUES(?, ?, ?, ?)`,
				w.Strategy, w.SuccessRate, w.AvgConfidence, w.LastUpdated.UTC().Format(time.RFC3339Nano),
			)
			if err != nil {
				return fmt.Errorf("insert weight %q: %w", w.Strategy, err)
			}
		}
		return nil
	})
}

// StrategyWeights returns all learned weights keyed by strategy name.
func (s *Store) StrategyWeights() (map[string]StrategyWeight, error) {
	rows, err := s.db.Query(
		`SELECT strategy, success_rate, avg_confidence, last_updated FROM strategy_weights`)
	if err != nil {
		return nil, fmt.Errorf("query weights: %w", err)
	}
	defer rows.Close()

	out := make(map[string]StrategyWeight)
	for rows.Next() {
		var w StrategyWeight
		var ts string
		if err := rows.Scan(&w.Strategy, &w.SuccessRate, &w.AvgConfidence, &ts); err != nil {
			return nil, fmt.Errorf("scan weight: %w", err)
		}
		w.LastUpdated, err = parseTime(ts)
		if err != nil {
			return nil, s.corrupt("strategy_weights", w.Strategy, fmt.Sprintf("bad timestamp %q", ts))
		}
		if w.SuccessRate < 0 || w.SuccessRate > 1 {
			return nil, s.corrupt("strategy_weights", w.Strategy,
				fmt.Sprintf("success_rate %v outside [0,1]", w.SuccessRate))
		}
		out[w.Strategy] = w
	}
	return out, rows.Err()
}

// ---- modifications ----

// InsertModification persists a new modification record.
func (s *Store) InsertModification(m *Modification) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if m.State == "" {
		m.State = ModProposed
	}
	return s.withWriteTx("insert modification", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO modifications(id, component, change_description, rollback_payload,
			                           applied_payload, performance_before, performance_after, state, timestamp)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.Component, m.ChangeDescription, m.RollbackPayload, m.AppliedPayload,
			m.PerformanceBefore, m.PerformanceAfter, string(m.State),
			m.Timestamp.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert modification: %w", err)
		}
		return nil
	})
}

// UpdateModification persists performance_after and state transitions,
// enforcing the proposed → applied → {confirmed | rolled_back} machine.
func (s *Store) UpdateModification(id string, state ModState, perfAfter float64) error {
	return s.withWriteTx("update modification", func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRow("SELECT state FROM modifications WHERE id = ?", id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("modification %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("read modification state: %w", err)
		}
		if !validTransition(ModState(current), state) {
			return fmt.Errorf("modification %s: invalid transition %s -> %s", id, current, state)
		}
		if _, err := tx.Exec(
			"UPDATE modifications SET state = ?, performance_after = ? WHERE id = ?",
			string(state), perfAfter, id,
		); err != nil {
			return fmt.Errorf("update modification: %w", err)
		}
		return nil
	})
}

func validTransition(from, to ModState) bool {
	if from.terminal() {
		return false
	}
	switch from {
	case ModProposed:
		return to == ModApplied
	case ModApplied:
		return to == ModConfirmed || to == ModRolledBack
	}
	return false
}

// GetModification returns the modification by ID, or nil when absent.
func (s *Store) GetModification(id string) (*Modification, error) {
	row := s.db.QueryRow(
		`SELECT id, component, change_description, rollback_payload, applied_payload,
		        performance_before, performance_after, state, timestamp
		 FROM modifications WHERE id = ?`, id)
	return scanModification(row)
}

// LatestAppliedModification returns the most recently applied modification
// still in the applied state, or nil when there is none.
func (s *Store) LatestAppliedModification() (*Modification, error) {
	row := s.db.QueryRow(
		`SELECT id, component, change_description, rollback_payload, applied_payload,
		        performance_before, performance_after, state, timestamp
		 FROM modifications WHERE state = ? ORDER BY timestamp DESC LIMIT 1`, string(ModApplied))
	return scanModification(row)
}

func scanModification(row *sql.Row) (*Modification, error) {
	m := &Modification{}
	var state, ts string
	err := row.Scan(&m.ID, &m.Component, &m.ChangeDescription, &m.RollbackPayload, &m.AppliedPayload,
		&m.PerformanceBefore, &m.PerformanceAfter, &state, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan modification: %w", err)
	}
	m.State = ModState(state)
	m.Timestamp, err = parseTime(ts)
	if err != nil {
		return nil, fmt.Errorf("scan modification: bad timestamp %q", ts)
	}
	return m, nil
}

// ---- fitness snapshots ----

// InsertFitnessSnapshot appends one evaluation-cycle snapshot.
func (s *Store) InsertFitnessSnapshot(fs *FitnessSnapshot) error {
	if fs.Timestamp.IsZero() {
		fs.Timestamp = time.Now().UTC()
	}
	return s.withWriteTx("insert fitness snapshot", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO fitness_snapshots(version, efficiency, robustness, fitness_score,
			                               efficiency_weight, robustness_weight, timestamp)
			 VALUES(?, ?, ?, ?, ?, ?, ?)`,
			fs.Version, fs.Efficiency, fs.Robustness, fs.FitnessScore,
			fs.EfficiencyWeight, fs.RobustnessWeight, fs.Timestamp.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert fitness snapshot: %w", err)
		}
		return nil
	})
}

// LatestFitnessSnapshot returns the newest snapshot, or nil when none
// have been recorded.
func (s *Store) LatestFitnessSnapshot() (*FitnessSnapshot, error) {
	fs := &FitnessSnapshot{}
	var ts string
	err := s.db.QueryRow(
		`SELECT version, efficiency, robustness, fitness_score, efficiency_weight, robustness_weight, timestamp
		 FROM fitness_snapshots ORDER BY timestamp DESC LIMIT 1`,
	).Scan(&fs.Version, &fs.Efficiency, &fs.Robustness, &fs.FitnessScore,
		&fs.EfficiencyWeight, &fs.RobustnessWeight, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest fitness snapshot: %w", err)
	}
	fs.Timestamp, err = parseTime(ts)
	if err != nil {
		return nil, fmt.Errorf("latest fitness snapshot: bad timestamp %q", ts)
	}
	return fs, nil
}

// FitnessHistory returns up to limit snapshots, newest first.
func (s *Store) FitnessHistory(limit int) ([]*FitnessSnapshot, error) {
	rows, err := s.db.Query(
		`SELECT version, efficiency, robustness, fitness_score, efficiency_weight, robustness_weight, timestamp
		 FROM fitness_snapshots ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("fitness history: %w", err)
	}
	defer rows.Close()

	var out []*FitnessSnapshot
	for rows.Next() {
		fs := &FitnessSnapshot{}
		var ts string
		if err := rows.Scan(&fs.Version, &fs.Efficiency, &fs.Robustness, &fs.FitnessScore,
			&fs.EfficiencyWeight, &fs.RobustnessWeight, &ts); err != nil {
			return nil, fmt.Errorf("scan fitness snapshot: %w", err)
		}
		fs.Timestamp, err = parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("fitness history: bad timestamp %q", ts)
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}
