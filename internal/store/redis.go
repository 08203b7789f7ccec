package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-agent/internal/config"
	"github.com/stemsi/exstem-agent/internal/model"
)

// RedisAnswerStore implements AnswerStore on the school's LAN Redis.
// Records land in a per-session hash (the resume read path) and are
// also pushed onto the sealed-answers queue the backend drains into
// PostgreSQL, mirroring how the backend's own autosave pipeline works.
type RedisAnswerStore struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRedisAnswerStore creates a RedisAnswerStore.
func NewRedisAnswerStore(rdb *redis.Client, log zerolog.Logger) *RedisAnswerStore {
	return &RedisAnswerStore{
		rdb: rdb,
		log: log.With().Str("component", "redis_answer_store").Logger(),
	}
}

// queueItem is the payload pushed to the sealed-answers queue.
type queueItem struct {
	SessionID string                 `json:"session_id"`
	Record    *model.EncryptedAnswer `json:"record"`
}

// Save writes one record to the session hash and the sync queue.
// Repeating a save overwrites the hash field; the queue consumer
// UPSERTs, so replays are harmless.
func (s *RedisAnswerStore) Save(ctx context.Context, sessionID uuid.UUID, rec *model.EncryptedAnswer) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode answer record: %w", err)
	}
	item, err := json.Marshal(queueItem{SessionID: sessionID.String(), Record: rec})
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, config.CacheKey.SessionAnswersKey(sessionID.String()), rec.QuestionID.String(), encoded)
	pipe.RPush(ctx, config.WorkerKey.SealedAnswersQueue, item)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save answer: %w", err)
	}
	return nil
}

// SaveBatch writes all records in one pipeline round-trip.
func (s *RedisAnswerStore) SaveBatch(ctx context.Context, sessionID uuid.UUID, recs []*model.EncryptedAnswer) error {
	pipe := s.rdb.TxPipeline()
	for _, rec := range recs {
		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode answer record: %w", err)
		}
		item, err := json.Marshal(queueItem{SessionID: sessionID.String(), Record: rec})
		if err != nil {
			return fmt.Errorf("encode queue item: %w", err)
		}
		pipe.HSet(ctx, config.CacheKey.SessionAnswersKey(sessionID.String()), rec.QuestionID.String(), encoded)
		pipe.RPush(ctx, config.WorkerKey.SealedAnswersQueue, item)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch save answers: %w", err)
	}
	return nil
}

// List reads every record back from the session hash.
func (s *RedisAnswerStore) List(ctx context.Context, sessionID uuid.UUID) ([]*model.EncryptedAnswer, error) {
	fields, err := s.rdb.HGetAll(ctx, config.CacheKey.SessionAnswersKey(sessionID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}

	recs := make([]*model.EncryptedAnswer, 0, len(fields))
	for qid, raw := range fields {
		rec := &model.EncryptedAnswer{}
		if err := json.Unmarshal([]byte(raw), rec); err != nil {
			// A malformed field is skipped, not fatal: the resume path
			// treats the question as unanswered.
			s.log.Warn().Str("question_id", qid).Msg("Skipping malformed answer record")
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
