package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-agent/internal/model"
	_ "modernc.org/sqlite" // driver: sqlite
)

// SQLiteStore implements SessionStore and AnswerStore on a local SQLite
// database. This is the device-mode store: it survives restarts and
// never sees plaintext answers.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and pings) the agent database at dsn.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for migrations and tests.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// ─── SessionStore ───────────────────────────────────────────────────

// CreateOrResume returns the session for (exam, student), inserting a
// NOT_STARTED record when none exists yet.
func (s *SQLiteStore) CreateOrResume(ctx context.Context, examID uuid.UUID, studentNIS string) (*model.Session, error) {
	// Insert-if-absent first so a concurrent open settles on one row.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, exam_id, student_nis, status, last_activity_at, current_index, answered_ids)
		 VALUES (?, ?, ?, ?, ?, 0, '[]')
		 ON CONFLICT (exam_id, student_nis) DO NOTHING`,
		uuid.New().String(), examID.String(), studentNIS, model.SessionStatusNotStarted, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return s.getByExamAndStudent(ctx, examID, studentNIS)
}

func (s *SQLiteStore) getByExamAndStudent(ctx context.Context, examID uuid.UUID, studentNIS string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, exam_id, student_nis, status, started_at, submitted_at, last_activity_at, current_index, answered_ids
		 FROM sessions
		 WHERE exam_id = ? AND student_nis = ?`, examID.String(), studentNIS,
	)
	return scanSession(row)
}

// Start records started_at once and flips the status to IN_PROGRESS.
func (s *SQLiteStore) Start(ctx context.Context, sessionID uuid.UUID, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET status = ?, started_at = COALESCE(started_at, ?)
		 WHERE id = ?`,
		model.SessionStatusInProgress, startedAt.UTC().Format(time.RFC3339Nano), sessionID.String(),
	)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return requireRow(res)
}

// UpdateStatus sets the status field only.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, sessionID uuid.UUID, status model.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`, status, sessionID.String(),
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return requireRow(res)
}

// Submit marks the session SUBMITTED with its submission timestamp.
func (s *SQLiteStore) Submit(ctx context.Context, sessionID uuid.UUID, submittedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET status = ?, submitted_at = COALESCE(submitted_at, ?)
		 WHERE id = ?`,
		model.SessionStatusSubmitted, submittedAt.UTC().Format(time.RFC3339Nano), sessionID.String(),
	)
	if err != nil {
		return fmt.Errorf("submit session: %w", err)
	}
	return requireRow(res)
}

// UpdateProgress persists the question pointer and answered set.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, sessionID uuid.UUID, index int, answeredIDs []uuid.UUID, lastActivity time.Time) error {
	encoded, err := json.Marshal(answeredIDs)
	if err != nil {
		return fmt.Errorf("encode answered ids: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET current_index = ?, answered_ids = ?, last_activity_at = ? WHERE id = ?`,
		index, string(encoded), lastActivity.UTC().Format(time.RFC3339Nano), sessionID.String(),
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return requireRow(res)
}

// ListPending returns every SUBMISSION_PENDING session.
func (s *SQLiteStore) ListPending(ctx context.Context) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, exam_id, student_nis, status, started_at, submitted_at, last_activity_at, current_index, answered_ids
		 FROM sessions
		 WHERE status = ?
		 ORDER BY last_activity_at ASC`, model.SessionStatusSubmissionPending,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// ─── AnswerStore ────────────────────────────────────────────────────

// Save UPSERTs one encrypted answer record.
func (s *SQLiteStore) Save(ctx context.Context, sessionID uuid.UUID, rec *model.EncryptedAnswer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO answers (session_id, question_id, algorithm, key_version, nonce, cipher_text, saved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, question_id) DO UPDATE
		 SET algorithm = excluded.algorithm,
		     key_version = excluded.key_version,
		     nonce = excluded.nonce,
		     cipher_text = excluded.cipher_text,
		     saved_at = excluded.saved_at`,
		sessionID.String(), rec.QuestionID.String(),
		rec.Metadata.Algorithm, rec.Metadata.KeyVersion,
		rec.Metadata.Nonce, rec.CipherText,
		rec.Metadata.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save answer: %w", err)
	}
	return nil
}

// SaveBatch UPSERTs a batch of records in one transaction.
func (s *SQLiteStore) SaveBatch(ctx context.Context, sessionID uuid.UUID, recs []*model.EncryptedAnswer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO answers (session_id, question_id, algorithm, key_version, nonce, cipher_text, saved_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (session_id, question_id) DO UPDATE
			 SET algorithm = excluded.algorithm,
			     key_version = excluded.key_version,
			     nonce = excluded.nonce,
			     cipher_text = excluded.cipher_text,
			     saved_at = excluded.saved_at`,
			sessionID.String(), rec.QuestionID.String(),
			rec.Metadata.Algorithm, rec.Metadata.KeyVersion,
			rec.Metadata.Nonce, rec.CipherText,
			rec.Metadata.Timestamp.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("batch save answer %s: %w", rec.QuestionID, err)
		}
	}

	return tx.Commit()
}

// List returns all encrypted answer records for a session.
func (s *SQLiteStore) List(ctx context.Context, sessionID uuid.UUID) ([]*model.EncryptedAnswer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question_id, algorithm, key_version, nonce, cipher_text, saved_at
		 FROM answers
		 WHERE session_id = ?`, sessionID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	var recs []*model.EncryptedAnswer
	for rows.Next() {
		var (
			rec     model.EncryptedAnswer
			qid     string
			savedAt string
		)
		if err := rows.Scan(&qid, &rec.Metadata.Algorithm, &rec.Metadata.KeyVersion, &rec.Metadata.Nonce, &rec.CipherText, &savedAt); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		rec.QuestionID, err = uuid.Parse(qid)
		if err != nil {
			return nil, fmt.Errorf("parse question id: %w", err)
		}
		rec.Metadata.Timestamp, _ = time.Parse(time.RFC3339Nano, savedAt)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// ─── scanning helpers ───────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var (
		sess                 model.Session
		id, examID           string
		startedAt, submitted sql.NullString
		lastActivity         string
		answered             string
	)
	err := row.Scan(&id, &examID, &sess.StudentNIS, &sess.Status, &startedAt, &submitted, &lastActivity, &sess.CurrentIndex, &answered)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	if sess.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse session id: %w", err)
	}
	if sess.ExamID, err = uuid.Parse(examID); err != nil {
		return nil, fmt.Errorf("parse exam id: %w", err)
	}
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
			sess.StartedAt = &t
		}
	}
	if submitted.Valid {
		if t, err := time.Parse(time.RFC3339Nano, submitted.String); err == nil {
			sess.SubmittedAt = &t
		}
	}
	sess.LastActivityAt, _ = time.Parse(time.RFC3339Nano, lastActivity)
	if err := json.Unmarshal([]byte(answered), &sess.AnsweredIDs); err != nil {
		return nil, fmt.Errorf("decode answered ids: %w", err)
	}
	return &sess, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
