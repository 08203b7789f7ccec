package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stemsi/exstem-agent/internal/response"
)

const (
	// ContextKeyTicket is the Gin context key for the parsed exam ticket.
	ContextKeyTicket = "exam_ticket"
)

// TicketClaims is the exam ticket the school backend signs when a
// student joins an exam. The agent trusts it as the authorization to
// open a session; full login flows stay on the backend.
type TicketClaims struct {
	ExamID          string   `json:"exam_id"`
	StudentNIS      string   `json:"nis"`
	DurationMinutes int      `json:"duration_minutes"`
	QuestionIDs     []string `json:"question_ids"`
	jwt.RegisteredClaims
}

// ValidateTicket parses and verifies a ticket string.
func ValidateTicket(tokenStr, secret string) (*TicketClaims, error) {
	claims := &TicketClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	if claims.ExamID == "" || claims.StudentNIS == "" {
		return nil, fmt.Errorf("ticket missing exam or student identity")
	}
	return claims, nil
}

// RequireTicket validates an exam ticket from the Authorization header
// (or the token query param for WebSocket upgrades).
func RequireTicket(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := extractToken(c)
		if tokenStr == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTicketRequired)
			return
		}

		claims, err := ValidateTicket(tokenStr, secret)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				response.AbortFail(c, http.StatusUnauthorized, response.ErrTicketExpired)
				return
			}
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTicketInvalid)
			return
		}

		c.Set(ContextKeyTicket, claims)
		c.Next()
	}
}

// GetTicket retrieves the exam ticket from the Gin context.
func GetTicket(c *gin.Context) *TicketClaims {
	val, exists := c.Get(ContextKeyTicket)
	if !exists {
		return nil
	}
	claims, ok := val.(*TicketClaims)
	if !ok {
		return nil
	}
	return claims
}

func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	// Fallback for WebSocket upgrades which cannot send headers.
	return c.Query("token")
}
