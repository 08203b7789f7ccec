package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session states.
type SessionStatus string

const (
	SessionStatusNotStarted        SessionStatus = "NOT_STARTED"
	SessionStatusInProgress        SessionStatus = "IN_PROGRESS"
	SessionStatusSubmissionPending SessionStatus = "SUBMISSION_PENDING"
	SessionStatusSubmitted         SessionStatus = "SUBMITTED"
)

// Terminal reports whether the status permits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusSubmitted
}

// Session represents one student's attempt at one exam.
//
// StartedAt is set exactly once, on the first transition out of
// NOT_STARTED. SubmittedAt is set exactly once, on entering SUBMITTED.
// The record is immutable after that.
type Session struct {
	ID             uuid.UUID     `json:"id"`
	ExamID         uuid.UUID     `json:"exam_id"`
	StudentNIS     string        `json:"student_nis"`
	Status         SessionStatus `json:"status"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	SubmittedAt    *time.Time    `json:"submitted_at,omitempty"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	CurrentIndex   int           `json:"current_question_index"`
	AnsweredIDs    []uuid.UUID   `json:"answered_question_ids"`
}

// Answered reports whether qid is in the answered set.
func (s *Session) Answered(qid uuid.UUID) bool {
	for _, id := range s.AnsweredIDs {
		if id == qid {
			return true
		}
	}
	return false
}

// AnswerMetadata describes how a single answer was sealed.
type AnswerMetadata struct {
	Algorithm  string    `json:"algorithm"`
	Nonce      []byte    `json:"nonce"`
	KeyVersion int       `json:"key_version"`
	Timestamp  time.Time `json:"timestamp"`
}

// EncryptedAnswer is the at-rest representation of one answer.
// CipherText carries the AEAD output including the authentication tag;
// plaintext never reaches a store in any form.
type EncryptedAnswer struct {
	QuestionID uuid.UUID      `json:"question_id"`
	CipherText []byte         `json:"cipher_text"`
	Metadata   AnswerMetadata `json:"metadata"`
}

// OpenSessionRequest is the payload for opening (or resuming) a session.
// The exam ticket rides in the Authorization header.
type OpenSessionRequest struct {
	// DeviceLabel is informational only, shown on the proctor monitor.
	DeviceLabel string `json:"device_label" binding:"omitempty,max=64"`
}

// AnswerRequest is the payload for editing a single answer.
type AnswerRequest struct {
	Text string `json:"text" binding:"max=20000"`
}

// NavigateRequest moves the current question pointer.
type NavigateRequest struct {
	Index int `json:"index" binding:"min=0"`
}
