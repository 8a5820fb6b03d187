package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MattRib/physionote-ai-sub000/internal/domain"
	"github.com/MattRib/physionote-ai-sub000/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = ON;
	CREATE TABLE IF NOT EXISTS patients (
		patient_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		birth_date INTEGER NOT NULL,
		gender TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(patient_id),
		status TEXT NOT NULL,
		source TEXT NOT NULL,
		audio_ref TEXT NOT NULL,
		transcript TEXT,
		error_detail TEXT,
		duration_seconds INTEGER NOT NULL,
		session_date INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_patient ON sessions(patient_id, session_date);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS notes (
		session_id TEXT PRIMARY KEY REFERENCES sessions(session_id),
		chief_complaint TEXT NOT NULL,
		pain_level TEXT NOT NULL,
		history TEXT NOT NULL,
		diagnosis TEXT NOT NULL,
		interventions_json TEXT NOT NULL,
		home_care_json TEXT NOT NULL,
		treatment_plan TEXT NOT NULL,
		next_session_focus TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS history_summaries (
		patient_id TEXT PRIMARY KEY REFERENCES patients(patient_id),
		content TEXT NOT NULL,
		source_session_ids_json TEXT NOT NULL,
		is_pinned INTEGER NOT NULL DEFAULT 0,
		ai_model_tag TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreatePatient inserts a new patient record.
func (s *SQLiteStore) CreatePatient(ctx context.Context, patient *domain.Patient) error {
	query := `INSERT INTO patients (patient_id, name, birth_date, gender, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		patient.ID, patient.Name, patient.BirthDate.Unix(), patient.Gender, patient.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

// GetPatient retrieves a patient by id.
func (s *SQLiteStore) GetPatient(ctx context.Context, patientID string) (*domain.Patient, error) {
	query := `SELECT patient_id, name, birth_date, gender, created_at FROM patients WHERE patient_id = ?`
	row := s.db.QueryRowContext(ctx, query, patientID)

	var patient domain.Patient
	var birthDate, createdAt int64
	err := row.Scan(&patient.ID, &patient.Name, &birthDate, &patient.Gender, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patient %s: %w", patientID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan patient row: %w", err)
	}

	patient.BirthDate = time.Unix(birthDate, 0).UTC()
	patient.CreatedAt = time.Unix(createdAt, 0)
	return &patient, nil
}

// ListPatients returns all patients ordered by name.
func (s *SQLiteStore) ListPatients(ctx context.Context) ([]*domain.Patient, error) {
	query := `SELECT patient_id, name, birth_date, gender, created_at FROM patients ORDER BY name`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query patients: %w", err)
	}
	defer closeRows(rows, "patients")

	var patients []*domain.Patient
	for rows.Next() {
		var patient domain.Patient
		var birthDate, createdAt int64
		if err := rows.Scan(&patient.ID, &patient.Name, &birthDate, &patient.Gender, &createdAt); err != nil {
			return nil, fmt.Errorf("scan patient row: %w", err)
		}
		patient.BirthDate = time.Unix(birthDate, 0).UTC()
		patient.CreatedAt = time.Unix(createdAt, 0)
		patients = append(patients, &patient)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patients: %w", err)
	}
	return patients, nil
}

// CreatePending inserts a session at the initial pending status.
func (s *SQLiteStore) CreatePending(ctx context.Context, session *domain.Session) error {
	if session.Status != domain.StatusPending {
		return fmt.Errorf("create pending with status %q: %w", session.Status, domain.ErrInvalidTransition)
	}
	if session.AudioRef == "" {
		return errors.New("create pending: audio ref is required")
	}

	query := `
	INSERT INTO sessions (session_id, patient_id, status, source, audio_ref, transcript,
		error_detail, duration_seconds, session_date, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.PatientID, session.Status, session.Source, session.AudioRef,
		session.DurationSeconds, session.SessionDate.Unix(),
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert pending session: %w", err)
	}
	return nil
}

// CreateCompleted inserts a completed session and its note in one transaction.
func (s *SQLiteStore) CreateCompleted(ctx context.Context, session *domain.Session, note *domain.Note) error {
	if note == nil {
		return errors.New("create completed: note is required")
	}
	session.Status = domain.StatusCompleted
	session.Note = note
	if err := session.Validate(); err != nil {
		return fmt.Errorf("create completed: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, patient_id, status, source, audio_ref, transcript,
			error_detail, duration_seconds, session_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?)`,
		session.ID, session.PatientID, session.Status, session.Source, session.AudioRef,
		session.Transcript, session.DurationSeconds, session.SessionDate.Unix(),
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert completed session: %w", err)
	}

	if err := insertNote(ctx, tx, session.ID, note); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit completed session: %w", err)
	}
	return nil
}

// Advance transitions a session between statuses with an optimistic guard.
func (s *SQLiteStore) Advance(ctx context.Context, sessionID string, from, to domain.Status, payload *AdvancePayload) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, domain.ErrInvalidTransition)
	}
	if payload == nil {
		payload = &AdvancePayload{}
	}
	if to == domain.StatusCompleted && payload.Note == nil {
		return errors.New("advance to completed: note is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(tx)

	set := `status = ?, updated_at = ?`
	args := []interface{}{to, time.Now().Unix()}
	if payload.Transcript != "" {
		set += `, transcript = ?`
		args = append(args, payload.Transcript)
	}
	if from == domain.StatusError {
		// Re-entering a stage after a failure clears the stale detail.
		set += `, error_detail = NULL`
	}
	query := `UPDATE sessions SET ` + set + ` WHERE session_id = ? AND status = ?`
	args = append(args, sessionID, from)

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("advance session: %w", err)
	}
	if err := checkGuard(ctx, tx, result, sessionID); err != nil {
		return err
	}

	if payload.Note != nil {
		if err := insertNote(ctx, tx, sessionID, payload.Note); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit advance: %w", err)
	}
	return nil
}

// MarkError transitions a session into the error status with detail.
func (s *SQLiteStore) MarkError(ctx context.Context, sessionID string, from domain.Status, detail string) error {
	if !domain.CanTransition(from, domain.StatusError) {
		return fmt.Errorf("%s -> error: %w", from, domain.ErrInvalidTransition)
	}

	query := `UPDATE sessions SET status = ?, error_detail = ?, updated_at = ? WHERE session_id = ? AND status = ?`
	result, err := s.db.ExecContext(ctx, query,
		domain.StatusError, detail, time.Now().Unix(), sessionID, from)
	if err != nil {
		return fmt.Errorf("mark session error: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		if exists, err := s.sessionExists(ctx, sessionID); err != nil {
			return err
		} else if !exists {
			return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
		}
		return domain.ErrConflict
	}
	return nil
}

const sessionColumns = `session_id, patient_id, status, source, audio_ref, transcript,
	error_detail, duration_seconds, session_date, created_at, updated_at`

// GetSession retrieves a session with its note, if any.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = ?`
	row := s.db.QueryRowContext(ctx, query, sessionID)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	note, err := s.getNote(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.Note = note
	return session, nil
}

// ListSessions returns all of a patient's sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, patientID string) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE patient_id = ? ORDER BY session_date DESC`
	rows, err := s.db.QueryContext(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer closeRows(rows, "sessions")

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// ListCompletedWithNotes returns completed sessions with notes attached, in
// chronological order.
func (s *SQLiteStore) ListCompletedWithNotes(ctx context.Context, patientID string) ([]*domain.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE patient_id = ? AND status = ?
		  AND session_id IN (SELECT session_id FROM notes)
		ORDER BY session_date ASC`
	rows, err := s.db.QueryContext(ctx, query, patientID, domain.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("query completed sessions: %w", err)
	}
	defer closeRows(rows, "completed sessions")

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completed sessions: %w", err)
	}

	for _, session := range sessions {
		note, err := s.getNote(ctx, session.ID)
		if err != nil {
			return nil, err
		}
		session.Note = note
	}
	return sessions, nil
}

// GetSummary retrieves the patient's history summary.
func (s *SQLiteStore) GetSummary(ctx context.Context, patientID string) (*domain.HistorySummary, error) {
	query := `
		SELECT patient_id, content, source_session_ids_json, is_pinned, ai_model_tag, created_at, updated_at
		FROM history_summaries WHERE patient_id = ?`
	row := s.db.QueryRowContext(ctx, query, patientID)

	var summary domain.HistorySummary
	var sourceIDsJSON string
	var createdAt, updatedAt int64

	err := row.Scan(&summary.PatientID, &summary.Content, &sourceIDsJSON,
		&summary.IsPinned, &summary.AIModelTag, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("summary for patient %s: %w", patientID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan summary row: %w", err)
	}

	if err := json.Unmarshal([]byte(sourceIDsJSON), &summary.SourceSessionIDs); err != nil {
		return nil, fmt.Errorf("decode source session ids: %w", err)
	}
	summary.CreatedAt = time.Unix(createdAt, 0)
	summary.UpdatedAt = time.Unix(updatedAt, 0)
	return &summary, nil
}

// UpsertSummary atomically replaces content and source session ids together.
func (s *SQLiteStore) UpsertSummary(ctx context.Context, summary *domain.HistorySummary) error {
	sourceIDsJSON, err := json.Marshal(summary.SourceSessionIDs)
	if err != nil {
		return fmt.Errorf("encode source session ids: %w", err)
	}

	query := `
		INSERT INTO history_summaries (patient_id, content, source_session_ids_json, is_pinned, ai_model_tag, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(patient_id) DO UPDATE SET
			content = excluded.content,
			source_session_ids_json = excluded.source_session_ids_json,
			ai_model_tag = excluded.ai_model_tag,
			updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		summary.PatientID, summary.Content, string(sourceIDsJSON),
		summary.IsPinned, summary.AIModelTag,
		summary.CreatedAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

// SetSummaryContent updates the summary text only.
func (s *SQLiteStore) SetSummaryContent(ctx context.Context, patientID, content string) error {
	query := `UPDATE history_summaries SET content = ?, updated_at = ? WHERE patient_id = ?`
	result, err := s.db.ExecContext(ctx, query, content, time.Now().Unix(), patientID)
	if err != nil {
		return fmt.Errorf("update summary content: %w", err)
	}
	return requireRow(result, patientID)
}

// SetSummaryPinned updates the pin flag only.
func (s *SQLiteStore) SetSummaryPinned(ctx context.Context, patientID string, pinned bool) error {
	query := `UPDATE history_summaries SET is_pinned = ?, updated_at = ? WHERE patient_id = ?`
	result, err := s.db.ExecContext(ctx, query, pinned, time.Now().Unix(), patientID)
	if err != nil {
		return fmt.Errorf("update summary pin: %w", err)
	}
	return requireRow(result, patientID)
}

// DeleteSummary removes the patient's summary. SQLITE_BUSY is retried with a
// short exponential backoff before giving up.
func (s *SQLiteStore) DeleteSummary(ctx context.Context, patientID string) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = s.deleteSummaryOnce(ctx, patientID)
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("DeleteSummary hit SQLITE_BUSY, retrying",
				"patient_id", patientID, "attempt", i+1, "delay", delay)
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("delete summary for %s after %d attempts: %w", patientID, maxRetries, err)
}

func (s *SQLiteStore) deleteSummaryOnce(ctx context.Context, patientID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM history_summaries WHERE patient_id = ?`, patientID)
	if err != nil {
		return fmt.Errorf("delete summary: %w", err)
	}
	return requireRow(result, patientID)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var transcript, errorDetail sql.NullString
	var sessionDate, createdAt, updatedAt int64

	err := row.Scan(
		&session.ID, &session.PatientID, &session.Status, &session.Source,
		&session.AudioRef, &transcript, &errorDetail,
		&session.DurationSeconds, &sessionDate, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.Transcript = transcript.String
	session.ErrorDetail = errorDetail.String
	session.SessionDate = time.Unix(sessionDate, 0).UTC()
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

func (s *SQLiteStore) getNote(ctx context.Context, sessionID string) (*domain.Note, error) {
	query := `
		SELECT session_id, chief_complaint, pain_level, history, diagnosis,
		       interventions_json, home_care_json, treatment_plan, next_session_focus, created_at
		FROM notes WHERE session_id = ?`
	row := s.db.QueryRowContext(ctx, query, sessionID)

	var note domain.Note
	var interventionsJSON, homeCareJSON string
	var createdAt int64

	err := row.Scan(&note.SessionID, &note.ChiefComplaint, &note.PainLevel,
		&note.History, &note.Diagnosis, &interventionsJSON, &homeCareJSON,
		&note.TreatmentPlan, &note.NextSessionFocus, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan note row: %w", err)
	}

	if err := json.Unmarshal([]byte(interventionsJSON), &note.Interventions); err != nil {
		return nil, fmt.Errorf("decode interventions: %w", err)
	}
	if err := json.Unmarshal([]byte(homeCareJSON), &note.HomeCare); err != nil {
		return nil, fmt.Errorf("decode home care: %w", err)
	}
	note.CreatedAt = time.Unix(createdAt, 0)
	return &note, nil
}

func insertNote(ctx context.Context, tx *sql.Tx, sessionID string, note *domain.Note) error {
	interventionsJSON, err := json.Marshal(note.Interventions)
	if err != nil {
		return fmt.Errorf("encode interventions: %w", err)
	}
	homeCareJSON, err := json.Marshal(note.HomeCare)
	if err != nil {
		return fmt.Errorf("encode home care: %w", err)
	}

	createdAt := note.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notes (session_id, chief_complaint, pain_level, history, diagnosis,
			interventions_json, home_care_json, treatment_plan, next_session_focus, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, note.ChiefComplaint, note.PainLevel, note.History, note.Diagnosis,
		string(interventionsJSON), string(homeCareJSON),
		note.TreatmentPlan, note.NextSessionFocus, createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

// checkGuard distinguishes a missing session from a lost optimistic-guard
// race when a guarded update touched no rows.
func checkGuard(ctx context.Context, tx *sql.Tx, result sql.Result, sessionID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE session_id = ?`, sessionID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check session existence: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	return domain.ErrConflict
}

func (s *SQLiteStore) sessionExists(ctx context.Context, sessionID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check session existence: %w", err)
	}
	return count > 0, nil
}

func requireRow(result sql.Result, patientID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("summary for patient %s: %w", patientID, domain.ErrNotFound)
	}
	return nil
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.Warn("failed to rollback transaction", "error", err)
	}
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}
