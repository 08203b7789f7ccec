package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-agent/internal/model"
)

// PostgresSessionStore implements SessionStore on the school backend's
// PostgreSQL. Used in lab mode where agents share the LAN database.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSessionStore creates a PostgresSessionStore.
func NewPostgresSessionStore(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool}
}

// CreateOrResume returns the session for (exam, student), inserting a
// NOT_STARTED record when none exists yet.
func (r *PostgresSessionStore) CreateOrResume(ctx context.Context, examID uuid.UUID, studentNIS string) (*model.Session, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO agent_sessions (id, exam_id, student_nis, status, last_activity_at, current_index, answered_ids)
		 VALUES ($1, $2, $3, $4, NOW(), 0, '[]'::jsonb)
		 ON CONFLICT (exam_id, student_nis) DO NOTHING`,
		uuid.New(), examID, studentNIS, model.SessionStatusNotStarted,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	sess := &model.Session{}
	var answered []byte
	err = r.pool.QueryRow(ctx,
		`SELECT id, exam_id, student_nis, status, started_at, submitted_at, last_activity_at, current_index, answered_ids
		 FROM agent_sessions
		 WHERE exam_id = $1 AND student_nis = $2`, examID, studentNIS,
	).Scan(&sess.ID, &sess.ExamID, &sess.StudentNIS, &sess.Status, &sess.StartedAt, &sess.SubmittedAt, &sess.LastActivityAt, &sess.CurrentIndex, &answered)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if err := json.Unmarshal(answered, &sess.AnsweredIDs); err != nil {
		return nil, fmt.Errorf("decode answered ids: %w", err)
	}
	return sess, nil
}

// Start records started_at once and flips the status to IN_PROGRESS.
func (r *PostgresSessionStore) Start(ctx context.Context, sessionID uuid.UUID, startedAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE agent_sessions
		 SET status = $1, started_at = COALESCE(started_at, $2)
		 WHERE id = $3`,
		model.SessionStatusInProgress, startedAt, sessionID,
	)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// UpdateStatus sets the status field only.
func (r *PostgresSessionStore) UpdateStatus(ctx context.Context, sessionID uuid.UUID, status model.SessionStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE agent_sessions SET status = $1 WHERE id = $2`, status, sessionID,
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Submit marks the session SUBMITTED with its submission timestamp.
func (r *PostgresSessionStore) Submit(ctx context.Context, sessionID uuid.UUID, submittedAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE agent_sessions
		 SET status = $1, submitted_at = COALESCE(submitted_at, $2)
		 WHERE id = $3`,
		model.SessionStatusSubmitted, submittedAt, sessionID,
	)
	if err != nil {
		return fmt.Errorf("submit session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// UpdateProgress persists the question pointer and answered set.
func (r *PostgresSessionStore) UpdateProgress(ctx context.Context, sessionID uuid.UUID, index int, answeredIDs []uuid.UUID, lastActivity time.Time) error {
	encoded, err := json.Marshal(answeredIDs)
	if err != nil {
		return fmt.Errorf("encode answered ids: %w", err)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE agent_sessions SET current_index = $1, answered_ids = $2, last_activity_at = $3 WHERE id = $4`,
		index, encoded, lastActivity, sessionID,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ListPending returns every SUBMISSION_PENDING session.
func (r *PostgresSessionStore) ListPending(ctx context.Context) ([]model.Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, student_nis, status, started_at, submitted_at, last_activity_at, current_index, answered_ids
		 FROM agent_sessions
		 WHERE status = $1
		 ORDER BY last_activity_at ASC`, model.SessionStatusSubmissionPending,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var (
			sess     model.Session
			answered []byte
		)
		if err := rows.Scan(&sess.ID, &sess.ExamID, &sess.StudentNIS, &sess.Status, &sess.StartedAt, &sess.SubmittedAt, &sess.LastActivityAt, &sess.CurrentIndex, &answered); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if err := json.Unmarshal(answered, &sess.AnsweredIDs); err != nil {
			return nil, fmt.Errorf("decode answered ids: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// PostgresAnswerStore implements AnswerStore on PostgreSQL.
type PostgresAnswerStore struct {
	pool *pgxpool.Pool
}

// NewPostgresAnswerStore creates a PostgresAnswerStore.
func NewPostgresAnswerStore(pool *pgxpool.Pool) *PostgresAnswerStore {
	return &PostgresAnswerStore{pool: pool}
}

// Save UPSERTs one encrypted answer record.
func (r *PostgresAnswerStore) Save(ctx context.Context, sessionID uuid.UUID, rec *model.EncryptedAnswer) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO agent_answers (session_id, question_id, algorithm, key_version, nonce, cipher_text, saved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id, question_id) DO UPDATE
		 SET algorithm = EXCLUDED.algorithm,
		     key_version = EXCLUDED.key_version,
		     nonce = EXCLUDED.nonce,
		     cipher_text = EXCLUDED.cipher_text,
		     saved_at = EXCLUDED.saved_at`,
		sessionID, rec.QuestionID,
		rec.Metadata.Algorithm, rec.Metadata.KeyVersion,
		rec.Metadata.Nonce, rec.CipherText, rec.Metadata.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("save answer: %w", err)
	}
	return nil
}

// SaveBatch UPSERTs records using a pgx batch round-trip.
func (r *PostgresAnswerStore) SaveBatch(ctx context.Context, sessionID uuid.UUID, recs []*model.EncryptedAnswer) error {
	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(
			`INSERT INTO agent_answers (session_id, question_id, algorithm, key_version, nonce, cipher_text, saved_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (session_id, question_id) DO UPDATE
			 SET algorithm = EXCLUDED.algorithm,
			     key_version = EXCLUDED.key_version,
			     nonce = EXCLUDED.nonce,
			     cipher_text = EXCLUDED.cipher_text,
			     saved_at = EXCLUDED.saved_at`,
			sessionID, rec.QuestionID,
			rec.Metadata.Algorithm, rec.Metadata.KeyVersion,
			rec.Metadata.Nonce, rec.CipherText, rec.Metadata.Timestamp,
		)
	}
	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range recs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch save answer: %w", err)
		}
	}
	return nil
}

// List returns all encrypted answer records for a session.
func (r *PostgresAnswerStore) List(ctx context.Context, sessionID uuid.UUID) ([]*model.EncryptedAnswer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, algorithm, key_version, nonce, cipher_text, saved_at
		 FROM agent_answers
		 WHERE session_id = $1`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	var recs []*model.EncryptedAnswer
	for rows.Next() {
		rec := &model.EncryptedAnswer{}
		if err := rows.Scan(&rec.QuestionID, &rec.Metadata.Algorithm, &rec.Metadata.KeyVersion, &rec.Metadata.Nonce, &rec.CipherText, &rec.Metadata.Timestamp); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
