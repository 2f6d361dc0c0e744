package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/johnnywatts/forker/internal/model"
)

// SQLiteStore is the production Store implementation. It opens a single
// *sql.DB against one SQLite file with WAL journaling, so the writer
// (Controller) and concurrent readers (status queries, Recovery scans) do
// not block each other. Every mutating method runs inside its own
// transaction so the domain row and its audit log entry commit atomically.
//
// Grounded on the teacher's graph/store/sqlite.go NewSQLiteStore/
// createTables/transaction-template pattern.
type SQLiteStore struct {
	db *sql.DB
}

// Options configures how Open tunes the underlying SQLite connection,
// projected from config.DatabaseConfig by cmd/forkerd.
type Options struct {
	WALEnabled    bool
	ForeignKeys   bool
	BusyTimeoutMs int
	CacheSizeKB   int
}

// DefaultOptions matches the pragmas Open used before Options existed:
// WAL on, foreign keys on, a 5s busy timeout, no explicit cache override.
func DefaultOptions() Options {
	return Options{WALEnabled: true, ForeignKeys: true, BusyTimeoutMs: 5000}
}

// Open creates or attaches to a SQLite database at path using
// DefaultOptions, and creates the schema if it does not already exist.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	return OpenWithOptions(ctx, path, DefaultOptions())
}

// OpenWithOptions is Open with an explicit Options, letting forkerd honor
// config.DatabaseConfig's wal_enabled/foreign_keys_on/cache_size_kb
// fields instead of Open's hardcoded defaults.
func OpenWithOptions(ctx context.Context, path string, opts Options) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has one writer at a time; a pool of up to 8 connections lets
	// WAL readers proceed alongside the writer's transaction, and
	// busy_timeout makes a second writer wait for the first.
	db.SetMaxOpenConns(8)

	journalMode := "DELETE"
	if opts.WALEnabled {
		journalMode = "WAL"
	}
	foreignKeys := "OFF"
	if opts.ForeignKeys {
		foreignKeys = "ON"
	}
	busyTimeout := opts.BusyTimeoutMs
	if busyTimeout <= 0 {
		busyTimeout = 5000
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode = %s;", journalMode),
		fmt.Sprintf("PRAGMA foreign_keys = %s;", foreignKeys),
		fmt.Sprintf("PRAGMA busy_timeout = %d;", busyTimeout),
		"PRAGMA synchronous = NORMAL;",
	}
	if opts.CacheSizeKB > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA cache_size = -%d;", opts.CacheSizeKB))
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS FileJobs (
			Id            TEXT PRIMARY KEY,
			SourcePath    TEXT NOT NULL,
			ExpectedSize  INTEGER NOT NULL,
			SourceHash    TEXT,
			State         TEXT NOT NULL,
			Version       INTEGER NOT NULL,
			CreatedAt     TEXT NOT NULL,
			UpdatedAt     TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_filejobs_state ON FileJobs(State);`,
		`CREATE TABLE IF NOT EXISTS TargetOutcomes (
			JobId         TEXT NOT NULL REFERENCES FileJobs(Id),
			TargetId      TEXT NOT NULL,
			CopyState     TEXT NOT NULL,
			StagingPath   TEXT NOT NULL,
			FinalPath     TEXT NOT NULL,
			TargetHash    TEXT,
			Attempts      INTEGER NOT NULL,
			LastErrorCat  TEXT,
			LastErrorMsg  TEXT,
			Version       INTEGER NOT NULL,
			CreatedAt     TEXT NOT NULL,
			UpdatedAt     TEXT NOT NULL,
			PRIMARY KEY (JobId, TargetId)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_targets_copystate ON TargetOutcomes(CopyState);`,
		`CREATE TABLE IF NOT EXISTS QuarantineEntries (
			Id          TEXT PRIMARY KEY,
			JobId       TEXT NOT NULL REFERENCES FileJobs(Id),
			Snapshots   TEXT NOT NULL,
			Reason      TEXT NOT NULL,
			Status      TEXT NOT NULL,
			CreatedAt   TEXT NOT NULL,
			ResolvedAt  TEXT,
			ResolvedBy  TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_quarantine_status ON QuarantineEntries(Status);`,
		`CREATE TABLE IF NOT EXISTS DeadLetterEntries (
			Id          TEXT PRIMARY KEY,
			JobId       TEXT NOT NULL REFERENCES FileJobs(Id),
			TargetId    TEXT,
			Operation   TEXT NOT NULL,
			FinalError  TEXT NOT NULL,
			Attempts    INTEGER NOT NULL,
			Status      TEXT NOT NULL,
			CreatedAt   TEXT NOT NULL,
			ResolvedAt  TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_deadletter_status ON DeadLetterEntries(Status);`,
		`CREATE TABLE IF NOT EXISTS StateChangeLog (
			Id          INTEGER PRIMARY KEY AUTOINCREMENT,
			JobId       TEXT NOT NULL,
			EntityType  TEXT NOT NULL,
			TargetId    TEXT,
			OldState    TEXT,
			NewState    TEXT NOT NULL,
			Timestamp   TEXT NOT NULL,
			DurationNs  INTEGER NOT NULL,
			Context     TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scl_jobid ON StateChangeLog(JobId);`,
		`CREATE INDEX IF NOT EXISTS idx_scl_timestamp ON StateChangeLog(Timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_scl_entity ON StateChangeLog(EntityType, JobId);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func timeStr(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeStr(*t)
}

func nullableStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTargetID(t *model.TargetID) any {
	if t == nil {
		return nil
	}
	return string(*t)
}

func encodeContext(ctx map[string]any) (any, error) {
	if len(ctx) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ctx)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeContext(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// appendStateChangeTx inserts one audit row inside an already-open
// transaction, computing Duration against the most recent row sharing the
// same (JobID, EntityType, TargetID) key.
func appendStateChangeTx(ctx context.Context, tx *sql.Tx, jobID string, entityType model.EntityType, targetID *model.TargetID, oldState *string, newState string, changeCtx map[string]any, now time.Time) error {
	var lastTS string
	q := `SELECT Timestamp FROM StateChangeLog WHERE JobId = ? AND EntityType = ? AND (TargetId IS ? ) ORDER BY Id DESC LIMIT 1`
	row := tx.QueryRowContext(ctx, q, jobID, string(entityType), nullableTargetID(targetID))
	var duration time.Duration
	if err := row.Scan(&lastTS); err == nil {
		if prev, perr := parseTime(lastTS); perr == nil {
			duration = now.Sub(prev)
		}
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("query previous state change: %w", err)
	}

	encCtx, err := encodeContext(changeCtx)
	if err != nil {
		return fmt.Errorf("encode change context: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO StateChangeLog (JobId, EntityType, TargetId, OldState, NewState, Timestamp, DurationNs, Context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, string(entityType), nullableTargetID(targetID), nullableStr(oldState), newState, timeStr(now), int64(duration), encCtx)
	if err != nil {
		return fmt.Errorf("insert state change: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertJob(ctx context.Context, job model.FileJob, targets [2]model.TargetOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ErrStorageFailure{Op: "InsertJob", Err: err}
	}
	defer tx.Rollback()

	now := time.Now()
	job.Version = 1
	job.CreatedAt, job.UpdatedAt = now, now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO FileJobs (Id, SourcePath, ExpectedSize, SourceHash, State, Version, CreatedAt, UpdatedAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SourcePath, job.ExpectedSize, nullableStr(job.SourceHash), string(job.State), job.Version, timeStr(now), timeStr(now))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return &ErrStorageFailure{Op: "InsertJob", Err: err}
	}

	for _, t := range targets {
		t.Version = 1
		t.CreatedAt, t.UpdatedAt = now, now
		_, err = tx.ExecContext(ctx, `
			INSERT INTO TargetOutcomes (JobId, TargetId, CopyState, StagingPath, FinalPath, TargetHash, Attempts, LastErrorCat, LastErrorMsg, Version, CreatedAt, UpdatedAt)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, string(t.TargetID), string(t.CopyState), t.StagingPath, t.FinalPath, nullableStr(t.TargetHash), t.Attempts, nullableStr(strPtrOrNil(string(t.LastErrorCat))), t.LastErrorMsg, t.Version, timeStr(now), timeStr(now))
		if err != nil {
			return &ErrStorageFailure{Op: "InsertJob", Err: err}
		}
		tid := t.TargetID
		if err := appendStateChangeTx(ctx, tx, job.ID, model.EntityTarget, &tid, nil, string(t.CopyState), nil, now); err != nil {
			return &ErrStorageFailure{Op: "InsertJob", Err: err}
		}
	}

	if err := appendStateChangeTx(ctx, tx, job.ID, model.EntityJob, nil, nil, string(job.State), nil, now); err != nil {
		return &ErrStorageFailure{Op: "InsertJob", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &ErrStorageFailure{Op: "InsertJob", Err: err}
	}
	return nil
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint violations with "UNIQUE
	// constraint failed" or "constraint failed: PRIMARY KEY" in the
	// message; there is no typed sentinel to errors.Is against.
	msg := err.Error()
	return containsAny(msg, "UNIQUE constraint failed", "PRIMARY KEY")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

func (s *SQLiteStore) UpdateJobState(ctx context.Context, jobID string, expectedVersion int, newState model.JobState, changeCtx map[string]any) (model.FileJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.FileJob{}, &ErrStorageFailure{Op: "UpdateJobState", Err: err}
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT Id, SourcePath, ExpectedSize, SourceHash, State, Version, CreatedAt, UpdatedAt FROM FileJobs WHERE Id = ?`, jobID))
	if err != nil {
		if err == sql.ErrNoRows {
			return model.FileJob{}, ErrNotFound
		}
		return model.FileJob{}, &ErrStorageFailure{Op: "UpdateJobState", Err: err}
	}
	if job.Version != expectedVersion {
		return model.FileJob{}, ErrVersionConflict
	}

	old := string(job.State)
	now := time.Now()
	res, err := tx.ExecContext(ctx, `UPDATE FileJobs SET State = ?, Version = ?, UpdatedAt = ? WHERE Id = ? AND Version = ?`,
		string(newState), job.Version+1, timeStr(now), jobID, job.Version)
	if err != nil {
		return model.FileJob{}, &ErrStorageFailure{Op: "UpdateJobState", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.FileJob{}, ErrVersionConflict
	}

	if err := appendStateChangeTx(ctx, tx, jobID, model.EntityJob, nil, &old, string(newState), changeCtx, now); err != nil {
		return model.FileJob{}, &ErrStorageFailure{Op: "UpdateJobState", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return model.FileJob{}, &ErrStorageFailure{Op: "UpdateJobState", Err: err}
	}

	job.State = newState
	job.Version++
	job.UpdatedAt = now
	return job, nil
}

func (s *SQLiteStore) SetSourceHash(ctx context.Context, jobID string, hash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE FileJobs SET SourceHash = ?, UpdatedAt = ? WHERE Id = ?`,
		hash, timeStr(time.Now()), jobID)
	if err != nil {
		return &ErrStorageFailure{Op: "SetSourceHash", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateTarget(ctx context.Context, jobID string, targetID model.TargetID, expectedVersion int, mutate TargetMutation, changeCtx map[string]any) (model.TargetOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.TargetOutcome{}, &ErrStorageFailure{Op: "UpdateTarget", Err: err}
	}
	defer tx.Rollback()

	t, err := scanTarget(tx.QueryRowContext(ctx, `
		SELECT JobId, TargetId, CopyState, StagingPath, FinalPath, TargetHash, Attempts, LastErrorCat, LastErrorMsg, Version, CreatedAt, UpdatedAt
		FROM TargetOutcomes WHERE JobId = ? AND TargetId = ?`, jobID, string(targetID)))
	if err != nil {
		if err == sql.ErrNoRows {
			return model.TargetOutcome{}, ErrNotFound
		}
		return model.TargetOutcome{}, &ErrStorageFailure{Op: "UpdateTarget", Err: err}
	}
	if t.Version != expectedVersion {
		return model.TargetOutcome{}, ErrVersionConflict
	}

	old := string(t.CopyState)
	mutate(&t)
	now := time.Now()

	res, err := tx.ExecContext(ctx, `
		UPDATE TargetOutcomes SET CopyState = ?, StagingPath = ?, FinalPath = ?, TargetHash = ?, Attempts = ?, LastErrorCat = ?, LastErrorMsg = ?, Version = ?, UpdatedAt = ?
		WHERE JobId = ? AND TargetId = ? AND Version = ?`,
		string(t.CopyState), t.StagingPath, t.FinalPath, nullableStr(t.TargetHash), t.Attempts, nullableCategory(t.LastErrorCat), t.LastErrorMsg, t.Version+1, timeStr(now),
		jobID, string(targetID), t.Version)
	if err != nil {
		return model.TargetOutcome{}, &ErrStorageFailure{Op: "UpdateTarget", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.TargetOutcome{}, ErrVersionConflict
	}

	tid := targetID
	if err := appendStateChangeTx(ctx, tx, jobID, model.EntityTarget, &tid, &old, string(t.CopyState), changeCtx, now); err != nil {
		return model.TargetOutcome{}, &ErrStorageFailure{Op: "UpdateTarget", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return model.TargetOutcome{}, &ErrStorageFailure{Op: "UpdateTarget", Err: err}
	}

	t.Version++
	t.UpdatedAt = now
	return t, nil
}

func nullableCategory(c model.ErrorCategory) any {
	if c == "" {
		return nil
	}
	return string(c)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.FileJob, error) {
	var j model.FileJob
	var sourceHash sql.NullString
	var createdAt, updatedAt, state string
	if err := row.Scan(&j.ID, &j.SourcePath, &j.ExpectedSize, &sourceHash, &state, &j.Version, &createdAt, &updatedAt); err != nil {
		return model.FileJob{}, err
	}
	if sourceHash.Valid {
		j.SourceHash = &sourceHash.String
	}
	j.State = model.JobState(state)
	var err error
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.FileJob{}, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.FileJob{}, err
	}
	return j, nil
}

func scanTarget(row rowScanner) (model.TargetOutcome, error) {
	var t model.TargetOutcome
	var targetID, copyState, createdAt, updatedAt string
	var targetHash, lastErrorCat sql.NullString
	if err := row.Scan(&t.JobID, &targetID, &copyState, &t.StagingPath, &t.FinalPath, &targetHash, &t.Attempts, &lastErrorCat, &t.LastErrorMsg, &t.Version, &createdAt, &updatedAt); err != nil {
		return model.TargetOutcome{}, err
	}
	t.TargetID = model.TargetID(targetID)
	t.CopyState = model.CopyState(copyState)
	if targetHash.Valid {
		t.TargetHash = &targetHash.String
	}
	if lastErrorCat.Valid {
		t.LastErrorCat = model.ErrorCategory(lastErrorCat.String)
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.TargetOutcome{}, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.TargetOutcome{}, err
	}
	return t, nil
}

func (s *SQLiteStore) GetJobWithTargets(ctx context.Context, jobID string) (model.FileJob, []model.TargetOutcome, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT Id, SourcePath, ExpectedSize, SourceHash, State, Version, CreatedAt, UpdatedAt FROM FileJobs WHERE Id = ?`, jobID))
	if err != nil {
		if err == sql.ErrNoRows {
			return model.FileJob{}, nil, ErrNotFound
		}
		return model.FileJob{}, nil, &ErrStorageFailure{Op: "GetJobWithTargets", Err: err}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT JobId, TargetId, CopyState, StagingPath, FinalPath, TargetHash, Attempts, LastErrorCat, LastErrorMsg, Version, CreatedAt, UpdatedAt
		FROM TargetOutcomes WHERE JobId = ? ORDER BY TargetId`, jobID)
	if err != nil {
		return model.FileJob{}, nil, &ErrStorageFailure{Op: "GetJobWithTargets", Err: err}
	}
	defer rows.Close()

	var targets []model.TargetOutcome
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return model.FileJob{}, nil, &ErrStorageFailure{Op: "GetJobWithTargets", Err: err}
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return model.FileJob{}, nil, &ErrStorageFailure{Op: "GetJobWithTargets", Err: err}
	}
	return job, targets, nil
}

func (s *SQLiteStore) FindJobsByState(ctx context.Context, state model.JobState) ([]model.FileJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT Id, SourcePath, ExpectedSize, SourceHash, State, Version, CreatedAt, UpdatedAt FROM FileJobs WHERE State = ? ORDER BY Id`, string(state))
	if err != nil {
		return nil, &ErrStorageFailure{Op: "FindJobsByState", Err: err}
	}
	defer rows.Close()

	var out []model.FileJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, &ErrStorageFailure{Op: "FindJobsByState", Err: err}
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FindTargetsByCopyState(ctx context.Context, state model.CopyState) ([]model.TargetOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT JobId, TargetId, CopyState, StagingPath, FinalPath, TargetHash, Attempts, LastErrorCat, LastErrorMsg, Version, CreatedAt, UpdatedAt
		FROM TargetOutcomes WHERE CopyState = ? ORDER BY JobId, TargetId`, string(state))
	if err != nil {
		return nil, &ErrStorageFailure{Op: "FindTargetsByCopyState", Err: err}
	}
	defer rows.Close()

	var out []model.TargetOutcome
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, &ErrStorageFailure{Op: "FindTargetsByCopyState", Err: err}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendStateChange(ctx context.Context, entry model.StateChangeLogEntry) (int64, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	encCtx, err := encodeContext(entry.Context)
	if err != nil {
		return 0, &ErrStorageFailure{Op: "AppendStateChange", Err: err}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO StateChangeLog (JobId, EntityType, TargetId, OldState, NewState, Timestamp, DurationNs, Context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.JobID, string(entry.EntityType), nullableTargetID(entry.TargetID), nullableStr(entry.OldState), entry.NewState, timeStr(entry.Timestamp), int64(entry.Duration), encCtx)
	if err != nil {
		return 0, &ErrStorageFailure{Op: "AppendStateChange", Err: err}
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) History(ctx context.Context, jobID string, targetID *model.TargetID) ([]model.StateChangeLogEntry, error) {
	query := `SELECT Id, JobId, EntityType, TargetId, OldState, NewState, Timestamp, DurationNs, Context FROM StateChangeLog WHERE JobId = ?`
	args := []any{jobID}
	if targetID != nil {
		query += ` AND TargetId = ?`
		args = append(args, string(*targetID))
	}
	query += ` ORDER BY Id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &ErrStorageFailure{Op: "History", Err: err}
	}
	defer rows.Close()

	var out []model.StateChangeLogEntry
	for rows.Next() {
		var e model.StateChangeLogEntry
		var entityType, newState, ts string
		var targetIDStr, oldState sql.NullString
		var durationNs int64
		var ctxStr sql.NullString
		if err := rows.Scan(&e.ID, &e.JobID, &entityType, &targetIDStr, &oldState, &newState, &ts, &durationNs, &ctxStr); err != nil {
			return nil, &ErrStorageFailure{Op: "History", Err: err}
		}
		e.EntityType = model.EntityType(entityType)
		if targetIDStr.Valid {
			tid := model.TargetID(targetIDStr.String)
			e.TargetID = &tid
		}
		if oldState.Valid {
			e.OldState = &oldState.String
		}
		e.NewState = newState
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, &ErrStorageFailure{Op: "History", Err: err}
		}
		e.Duration = time.Duration(durationNs)
		if e.Context, err = decodeContext(ctxStr); err != nil {
			return nil, &ErrStorageFailure{Op: "History", Err: err}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TrimStateChangeLog(ctx context.Context, olderThan time.Time, maxRows int) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &ErrStorageFailure{Op: "TrimStateChangeLog", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM StateChangeLog WHERE Timestamp < ?`, timeStr(olderThan))
	if err != nil {
		return 0, &ErrStorageFailure{Op: "TrimStateChangeLog", Err: err}
	}
	removed, _ := res.RowsAffected()

	if maxRows > 0 {
		res2, err := tx.ExecContext(ctx, `
			DELETE FROM StateChangeLog WHERE Id IN (
				SELECT Id FROM StateChangeLog ORDER BY Id DESC LIMIT -1 OFFSET ?
			)`, maxRows)
		if err != nil {
			return 0, &ErrStorageFailure{Op: "TrimStateChangeLog", Err: err}
		}
		extra, _ := res2.RowsAffected()
		removed += extra
	}

	if err := tx.Commit(); err != nil {
		return 0, &ErrStorageFailure{Op: "TrimStateChangeLog", Err: err}
	}
	return removed, nil
}

func (s *SQLiteStore) CreateQuarantineEntry(ctx context.Context, entry model.QuarantineEntry, jobExpectedVersion int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ErrStorageFailure{Op: "CreateQuarantineEntry", Err: err}
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT Id, SourcePath, ExpectedSize, SourceHash, State, Version, CreatedAt, UpdatedAt FROM FileJobs WHERE Id = ?`, entry.JobID))
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return &ErrStorageFailure{Op: "CreateQuarantineEntry", Err: err}
	}
	if job.Version != jobExpectedVersion {
		return ErrVersionConflict
	}

	if entry.Status == "" {
		entry.Status = model.QuarantineActive
	}
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	snapshots, err := json.Marshal(entry.Snapshots)
	if err != nil {
		return &ErrStorageFailure{Op: "CreateQuarantineEntry", Err: err}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO QuarantineEntries (Id, JobId, Snapshots, Reason, Status, CreatedAt, ResolvedAt, ResolvedBy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.JobID, string(snapshots), entry.Reason, string(entry.Status), timeStr(entry.CreatedAt), nullableTime(entry.ResolvedAt), entry.ResolvedBy)
	if err != nil {
		return &ErrStorageFailure{Op: "CreateQuarantineEntry", Err: err}
	}

	old := string(job.State)
	res, err := tx.ExecContext(ctx, `UPDATE FileJobs SET State = ?, Version = ?, UpdatedAt = ? WHERE Id = ? AND Version = ?`,
		string(model.JobQuarantined), job.Version+1, timeStr(now), entry.JobID, job.Version)
	if err != nil {
		return &ErrStorageFailure{Op: "CreateQuarantineEntry", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	if err := appendStateChangeTx(ctx, tx, entry.JobID, model.EntityJob, nil, &old, string(model.JobQuarantined), map[string]any{"quarantine_id": entry.ID}, now); err != nil {
		return &ErrStorageFailure{Op: "CreateQuarantineEntry", Err: err}
	}

	return tx.Commit()
}

func scanQuarantine(row rowScanner) (model.QuarantineEntry, error) {
	var q model.QuarantineEntry
	var snapshots, createdAt, status string
	var resolvedAt, resolvedBy sql.NullString
	if err := row.Scan(&q.ID, &q.JobID, &snapshots, &q.Reason, &status, &createdAt, &resolvedAt, &resolvedBy); err != nil {
		return model.QuarantineEntry{}, err
	}
	q.Status = model.QuarantineStatus(status)
	if err := json.Unmarshal([]byte(snapshots), &q.Snapshots); err != nil {
		return model.QuarantineEntry{}, err
	}
	var err error
	if q.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.QuarantineEntry{}, err
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return model.QuarantineEntry{}, err
		}
		q.ResolvedAt = &t
	}
	if resolvedBy.Valid {
		q.ResolvedBy = resolvedBy.String
	}
	return q, nil
}

func (s *SQLiteStore) GetQuarantineEntry(ctx context.Context, id string) (model.QuarantineEntry, error) {
	q, err := scanQuarantine(s.db.QueryRowContext(ctx, `SELECT Id, JobId, Snapshots, Reason, Status, CreatedAt, ResolvedAt, ResolvedBy FROM QuarantineEntries WHERE Id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return model.QuarantineEntry{}, ErrNotFound
		}
		return model.QuarantineEntry{}, &ErrStorageFailure{Op: "GetQuarantineEntry", Err: err}
	}
	return q, nil
}

func (s *SQLiteStore) ListQuarantineEntries(ctx context.Context, status model.QuarantineStatus) ([]model.QuarantineEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT Id, JobId, Snapshots, Reason, Status, CreatedAt, ResolvedAt, ResolvedBy FROM QuarantineEntries WHERE Status = ? ORDER BY CreatedAt`, string(status))
	if err != nil {
		return nil, &ErrStorageFailure{Op: "ListQuarantineEntries", Err: err}
	}
	defer rows.Close()

	var out []model.QuarantineEntry
	for rows.Next() {
		q, err := scanQuarantine(rows)
		if err != nil {
			return nil, &ErrStorageFailure{Op: "ListQuarantineEntries", Err: err}
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ReleaseQuarantine(ctx context.Context, id string, actor string) (model.FileJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.FileJob{}, &ErrStorageFailure{Op: "ReleaseQuarantine", Err: err}
	}
	defer tx.Rollback()

	q, err := scanQuarantine(tx.QueryRowContext(ctx, `SELECT Id, JobId, Snapshots, Reason, Status, CreatedAt, ResolvedAt, ResolvedBy FROM QuarantineEntries WHERE Id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return model.FileJob{}, ErrNotFound
		}
		return model.FileJob{}, &ErrStorageFailure{Op: "ReleaseQuarantine", Err: err}
	}
	if q.Status != model.QuarantineActive {
		return model.FileJob{}, ErrVersionConflict
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT Id, SourcePath, ExpectedSize, SourceHash, State, Version, CreatedAt, UpdatedAt FROM FileJobs WHERE Id = ?`, q.JobID))
	if err != nil {
		return model.FileJob{}, &ErrStorageFailure{Op: "ReleaseQuarantine", Err: err}
	}
	now := time.Now()

	for _, snap := range q.Snapshots {
		t, err := scanTarget(tx.QueryRowContext(ctx, `
			SELECT JobId, TargetId, CopyState, StagingPath, FinalPath, TargetHash, Attempts, LastErrorCat, LastErrorMsg, Version, CreatedAt, UpdatedAt
			FROM TargetOutcomes WHERE JobId = ? AND TargetId = ?`, q.JobID, string(snap.TargetID)))
		if err != nil {
			return model.FileJob{}, &ErrStorageFailure{Op: "ReleaseQuarantine", Err: err}
		}
		old := string(t.CopyState)
		t.CopyState = model.CopyPending
		t.Attempts = 0
		t.TargetHash = nil
		_, err = tx.ExecContext(ctx, `
			UPDATE TargetOutcomes SET CopyState = ?, TargetHash = NULL, Attempts = 0, Version = ?, UpdatedAt = ?
			WHERE JobId = ? AND TargetId = ? AND Version = ?`,
			string(model.CopyPending), t.Version+1, timeStr(now), q.JobID, string(snap.TargetID), t.Version)
		if err != nil {
			return model.FileJob{}, &ErrStorageFailure{Op: "ReleaseQuarantine", Err: err}
		}
		tid := snap.TargetID
		if err := appendStateChangeTx(ctx, tx, q.JobID, model.EntityTarget, &tid, &old, string(model.CopyPending), map[string]any{"released_from_quarantine": id}, now); err != nil {
			return model.FileJob{}, &ErrStorageFailure{Op: "ReleaseQuarantine", Err: err}
		}
	}

	oldJob := string(job.State)
	res, err := tx.ExecContext(ctx, `UPDATE FileJobs SET State = ?, Version = ?, UpdatedAt = ? WHERE Id = ? AND Version = ?`,
		string(model.JobQueued), job.Version+1, timeStr(now), q.JobID, job.Version)
	if err != nil {
		return model.FileJob{}, &ErrStorageFailure{Op: "ReleaseQuarantine", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.FileJob{}, ErrVersionConflict
	}
	if err := appendStateChangeTx(ctx, tx, q.JobID, model.EntityJob, nil, &oldJob, string(model.JobQueued), map[string]any{"released_from_quarantine": id}, now); err != nil {
		return model.FileJob{}, &ErrStorageFailure{Op: "ReleaseQuarantine", Err: err}
	}

	_, err = tx.ExecContext(ctx, `UPDATE QuarantineEntries SET Status = ?, ResolvedAt = ?, ResolvedBy = ? WHERE Id = ?`,
		string(model.QuarantineReleased), timeStr(now), actor, id)
	if err != nil {
		return model.FileJob{}, &ErrStorageFailure{Op: "ReleaseQuarantine", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return model.FileJob{}, &ErrStorageFailure{Op: "ReleaseQuarantine", Err: err}
	}

	job.State = model.JobQueued
	job.Version++
	job.UpdatedAt = now
	return job, nil
}

func (s *SQLiteStore) PurgeQuarantine(ctx context.Context, id string, actor string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ErrStorageFailure{Op: "PurgeQuarantine", Err: err}
	}
	defer tx.Rollback()

	q, err := scanQuarantine(tx.QueryRowContext(ctx, `SELECT Id, JobId, Snapshots, Reason, Status, CreatedAt, ResolvedAt, ResolvedBy FROM QuarantineEntries WHERE Id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return &ErrStorageFailure{Op: "PurgeQuarantine", Err: err}
	}
	if q.Status != model.QuarantineActive {
		return ErrVersionConflict
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT Id, SourcePath, ExpectedSize, SourceHash, State, Version, CreatedAt, UpdatedAt FROM FileJobs WHERE Id = ?`, q.JobID))
	if err != nil {
		return &ErrStorageFailure{Op: "PurgeQuarantine", Err: err}
	}
	now := time.Now()
	old := string(job.State)
	res, err := tx.ExecContext(ctx, `UPDATE FileJobs SET State = ?, Version = ?, UpdatedAt = ? WHERE Id = ? AND Version = ?`,
		string(model.JobFailed), job.Version+1, timeStr(now), q.JobID, job.Version)
	if err != nil {
		return &ErrStorageFailure{Op: "PurgeQuarantine", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	if err := appendStateChangeTx(ctx, tx, q.JobID, model.EntityJob, nil, &old, string(model.JobFailed), map[string]any{"purged_quarantine": id}, now); err != nil {
		return &ErrStorageFailure{Op: "PurgeQuarantine", Err: err}
	}

	_, err = tx.ExecContext(ctx, `UPDATE QuarantineEntries SET Status = ?, ResolvedAt = ?, ResolvedBy = ? WHERE Id = ?`,
		string(model.QuarantinePurged), timeStr(now), actor, id)
	if err != nil {
		return &ErrStorageFailure{Op: "PurgeQuarantine", Err: err}
	}

	return tx.Commit()
}

func (s *SQLiteStore) CreateDeadLetterEntry(ctx context.Context, entry model.DeadLetterEntry) error {
	if entry.Status == "" {
		entry.Status = model.DeadLetterActive
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO DeadLetterEntries (Id, JobId, TargetId, Operation, FinalError, Attempts, Status, CreatedAt, ResolvedAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.JobID, nullableTargetID(entry.TargetID), entry.Operation, entry.FinalError, entry.Attempts, string(entry.Status), timeStr(entry.CreatedAt), nullableTime(entry.ResolvedAt))
	if err != nil {
		return &ErrStorageFailure{Op: "CreateDeadLetterEntry", Err: err}
	}
	return nil
}

func scanDeadLetter(row rowScanner) (model.DeadLetterEntry, error) {
	var d model.DeadLetterEntry
	var targetID, resolvedAt sql.NullString
	var createdAt, status string
	if err := row.Scan(&d.ID, &d.JobID, &targetID, &d.Operation, &d.FinalError, &d.Attempts, &status, &createdAt, &resolvedAt); err != nil {
		return model.DeadLetterEntry{}, err
	}
	d.Status = model.DeadLetterStatus(status)
	if targetID.Valid {
		tid := model.TargetID(targetID.String)
		d.TargetID = &tid
	}
	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.DeadLetterEntry{}, err
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return model.DeadLetterEntry{}, err
		}
		d.ResolvedAt = &t
	}
	return d, nil
}

func (s *SQLiteStore) ListDeadLetterEntries(ctx context.Context, status model.DeadLetterStatus) ([]model.DeadLetterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT Id, JobId, TargetId, Operation, FinalError, Attempts, Status, CreatedAt, ResolvedAt FROM DeadLetterEntries WHERE Status = ? ORDER BY CreatedAt`, string(status))
	if err != nil {
		return nil, &ErrStorageFailure{Op: "ListDeadLetterEntries", Err: err}
	}
	defer rows.Close()

	var out []model.DeadLetterEntry
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, &ErrStorageFailure{Op: "ListDeadLetterEntries", Err: err}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RequeueDeadLetter(ctx context.Context, id string) (model.FileJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.FileJob{}, &ErrStorageFailure{Op: "RequeueDeadLetter", Err: err}
	}
	defer tx.Rollback()

	d, err := scanDeadLetter(tx.QueryRowContext(ctx, `SELECT Id, JobId, TargetId, Operation, FinalError, Attempts, Status, CreatedAt, ResolvedAt FROM DeadLetterEntries WHERE Id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return model.FileJob{}, ErrNotFound
		}
		return model.FileJob{}, &ErrStorageFailure{Op: "RequeueDeadLetter", Err: err}
	}
	if d.Status != model.DeadLetterActive && d.Status != model.DeadLetterUnderInvestigation {
		return model.FileJob{}, ErrVersionConflict
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT Id, SourcePath, ExpectedSize, SourceHash, State, Version, CreatedAt, UpdatedAt FROM FileJobs WHERE Id = ?`, d.JobID))
	if err != nil {
		return model.FileJob{}, &ErrStorageFailure{Op: "RequeueDeadLetter", Err: err}
	}
	now := time.Now()

	if d.TargetID != nil {
		t, err := scanTarget(tx.QueryRowContext(ctx, `
			SELECT JobId, TargetId, CopyState, StagingPath, FinalPath, TargetHash, Attempts, LastErrorCat, LastErrorMsg, Version, CreatedAt, UpdatedAt
			FROM TargetOutcomes WHERE JobId = ? AND TargetId = ?`, d.JobID, string(*d.TargetID)))
		if err != nil {
			return model.FileJob{}, &ErrStorageFailure{Op: "RequeueDeadLetter", Err: err}
		}
		old := string(t.CopyState)
		_, err = tx.ExecContext(ctx, `UPDATE TargetOutcomes SET CopyState = ?, Attempts = 0, Version = ?, UpdatedAt = ? WHERE JobId = ? AND TargetId = ? AND Version = ?`,
			string(model.CopyPending), t.Version+1, timeStr(now), d.JobID, string(*d.TargetID), t.Version)
		if err != nil {
			return model.FileJob{}, &ErrStorageFailure{Op: "RequeueDeadLetter", Err: err}
		}
		if err := appendStateChangeTx(ctx, tx, d.JobID, model.EntityTarget, d.TargetID, &old, string(model.CopyPending), map[string]any{"requeued_from_dead_letter": id}, now); err != nil {
			return model.FileJob{}, &ErrStorageFailure{Op: "RequeueDeadLetter", Err: err}
		}
	}

	oldJob := string(job.State)
	res, err := tx.ExecContext(ctx, `UPDATE FileJobs SET State = ?, Version = ?, UpdatedAt = ? WHERE Id = ? AND Version = ?`,
		string(model.JobQueued), job.Version+1, timeStr(now), d.JobID, job.Version)
	if err != nil {
		return model.FileJob{}, &ErrStorageFailure{Op: "RequeueDeadLetter", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.FileJob{}, ErrVersionConflict
	}
	if err := appendStateChangeTx(ctx, tx, d.JobID, model.EntityJob, nil, &oldJob, string(model.JobQueued), map[string]any{"requeued_from_dead_letter": id}, now); err != nil {
		return model.FileJob{}, &ErrStorageFailure{Op: "RequeueDeadLetter", Err: err}
	}

	_, err = tx.ExecContext(ctx, `UPDATE DeadLetterEntries SET Status = ? WHERE Id = ?`, string(model.DeadLetterRequeued), id)
	if err != nil {
		return model.FileJob{}, &ErrStorageFailure{Op: "RequeueDeadLetter", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return model.FileJob{}, &ErrStorageFailure{Op: "RequeueDeadLetter", Err: err}
	}

	job.State = model.JobQueued
	job.Version++
	job.UpdatedAt = now
	return job, nil
}

func (s *SQLiteStore) PurgeDeadLetter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE DeadLetterEntries SET Status = ? WHERE Id = ?`, string(model.DeadLetterPurged), id)
	if err != nil {
		return &ErrStorageFailure{Op: "PurgeDeadLetter", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
