package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-agent/internal/engine"
	"github.com/stemsi/exstem-agent/internal/middleware"
	"github.com/stemsi/exstem-agent/internal/model"
	"github.com/stemsi/exstem-agent/internal/response"
	"github.com/stemsi/exstem-agent/internal/validator"
	"github.com/stemsi/exstem-agent/internal/vault"
)

// SessionHandler exposes the session engine to the local exam UI.
type SessionHandler struct {
	eng *engine.Engine
	log zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(eng *engine.Engine, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		eng: eng,
		log: log.With().Str("component", "session_handler").Logger(),
	}
}

// OpenSession godoc
// POST /api/v1/session/open
// Creates or resumes the session named by the exam ticket. Resuming
// returns the previously saved answers, decrypted for the UI.
func (h *SessionHandler) OpenSession(c *gin.Context) {
	ticket := middleware.GetTicket(c)
	if ticket == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTicketRequired)
		return
	}

	var req model.OpenSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	examID, err := uuid.Parse(ticket.ExamID)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	questionIDs := make([]uuid.UUID, 0, len(ticket.QuestionIDs))
	for _, raw := range ticket.QuestionIDs {
		qid, err := uuid.Parse(raw)
		if err != nil {
			response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
			return
		}
		questionIDs = append(questionIDs, qid)
	}

	duration := time.Duration(ticket.DurationMinutes) * time.Minute

	state, err := h.eng.Open(c.Request.Context(), examID, ticket.StudentNIS, duration, questionIDs)
	if err != nil {
		h.failFromEngine(c, err)
		return
	}

	response.Success(c, http.StatusOK, state)
}

// BeginExam godoc
// POST /api/v1/session/begin
// Marks the first question load; the countdown starts here.
func (h *SessionHandler) BeginExam(c *gin.Context) {
	if !h.ticketMatchesSession(c) {
		return
	}

	state, err := h.eng.Begin(c.Request.Context())
	if err != nil {
		h.failFromEngine(c, err)
		return
	}
	response.Success(c, http.StatusOK, state)
}

// PutAnswer godoc
// PUT /api/v1/session/answers/:question_id
// Records the current answer text; persistence is debounced.
func (h *SessionHandler) PutAnswer(c *gin.Context) {
	if !h.ticketMatchesSession(c) {
		return
	}

	questionID, err := uuid.Parse(c.Param("question_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.AnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.eng.SetAnswer(c.Request.Context(), questionID, req.Text); err != nil {
		h.failFromEngine(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"question_id": questionID,
		"answered":    req.Text != "",
	})
}

// Navigate godoc
// POST /api/v1/session/navigate
// Moves the current question pointer.
func (h *SessionHandler) Navigate(c *gin.Context) {
	if !h.ticketMatchesSession(c) {
		return
	}

	var req model.NavigateRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.eng.Navigate(c.Request.Context(), req.Index); err != nil {
		h.failFromEngine(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"index": req.Index})
}

// GetState godoc
// GET /api/v1/session/state
// Returns the full snapshot: status, answers, remaining time.
// Covers the page-reload path, same as re-opening the session.
func (h *SessionHandler) GetState(c *gin.Context) {
	if !h.ticketMatchesSession(c) {
		return
	}
	response.Success(c, http.StatusOK, h.eng.State())
}

// SubmitExam godoc
// POST /api/v1/session/submit
// Flushes all answers and settles the session. Offline submission is
// not an error: the session parks as SUBMISSION_PENDING and the state
// in the response says so.
func (h *SessionHandler) SubmitExam(c *gin.Context) {
	if !h.ticketMatchesSession(c) {
		return
	}

	state, err := h.eng.Submit(c.Request.Context())
	if err != nil {
		h.failFromEngine(c, err)
		return
	}

	response.Success(c, http.StatusOK, state)
}

// ticketMatchesSession verifies the ticket names the currently open
// session. Prevents one student's UI from driving another's session on
// a shared device.
func (h *SessionHandler) ticketMatchesSession(c *gin.Context) bool {
	ticket := middleware.GetTicket(c)
	if ticket == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTicketRequired)
		return false
	}

	state := h.eng.State()
	if state == nil {
		response.Fail(c, http.StatusConflict, response.ErrNoActiveSession)
		return false
	}
	if state.Session.ExamID.String() != ticket.ExamID || state.Session.StudentNIS != ticket.StudentNIS {
		response.Fail(c, http.StatusForbidden, response.ErrTicketInvalid)
		return false
	}
	return true
}

// failFromEngine maps engine and vault errors to API error codes.
func (h *SessionHandler) failFromEngine(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrNoActiveSession):
		response.Fail(c, http.StatusConflict, response.ErrNoActiveSession)
	case errors.Is(err, engine.ErrSessionAlreadySubmitted):
		response.Fail(c, http.StatusConflict, response.ErrSessionSubmitted)
	case errors.Is(err, engine.ErrUnknownQuestion):
		response.Fail(c, http.StatusBadRequest, response.ErrUnknownQuestion)
	case errors.Is(err, engine.ErrInvalidIndex):
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidIndex)
	case errors.Is(err, engine.ErrSubmitInFlight):
		response.Fail(c, http.StatusConflict, response.ErrSubmitInFlight)
	case errors.Is(err, vault.ErrKeyNotFound):
		response.Fail(c, http.StatusInternalServerError, response.ErrDeviceKeyMissing)
	case errors.Is(err, vault.ErrTagVerification):
		response.Fail(c, http.StatusInternalServerError, response.ErrTamperDetected)
	case errors.Is(err, engine.ErrFlushIncomplete):
		// Retryable: the session status did not advance.
		response.Fail(c, http.StatusInternalServerError, response.ErrSubmitRetryable)
	default:
		h.log.Error().Err(err).Msg("Unhandled engine error")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
