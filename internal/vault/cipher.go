package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-agent/internal/model"
)

// AlgorithmAESGCM identifies the only algorithm the agent currently
// writes. The key_version field in AnswerMetadata exists so a future
// rotation can coexist with records sealed under older keys.
const AlgorithmAESGCM = "AES-256-GCM"

// NonceSize is the GCM nonce length in bytes (96 bits).
const NonceSize = 12

// Cipher seals and opens single answers with AES-256-GCM. Each call
// draws a fresh random nonce, and the (question, session) pair is bound
// as additional authenticated data so a record cannot be replayed
// against a different question or session.
type Cipher struct {
	keys KeyStore
	log  zerolog.Logger
}

// NewCipher creates a Cipher backed by the given key store.
func NewCipher(keys KeyStore, log zerolog.Logger) *Cipher {
	return &Cipher{
		keys: keys,
		log:  log.With().Str("component", "vault").Logger(),
	}
}

// Encrypt seals one plaintext answer for (questionID, sessionID).
func (c *Cipher) Encrypt(ctx context.Context, plaintext string, questionID, sessionID uuid.UUID) (*model.EncryptedAnswer, error) {
	key, err := c.keys.Key(ctx)
	if err != nil {
		return nil, err
	}

	aead, err := newGCM(key.Material)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: draw nonce: %v", ErrEncryptionFailed, err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), binding(questionID, sessionID))

	return &model.EncryptedAnswer{
		QuestionID: questionID,
		CipherText: sealed,
		Metadata: model.AnswerMetadata{
			Algorithm:  AlgorithmAESGCM,
			Nonce:      nonce,
			KeyVersion: key.Version,
			Timestamp:  time.Now().UTC(),
		},
	}, nil
}

// Decrypt opens a stored record. The session binding is always
// re-derived from the caller's sessionID, never from anything embedded
// in the record itself; trusting the record would reintroduce the
// cross-session replay the AAD exists to prevent.
func (c *Cipher) Decrypt(ctx context.Context, rec *model.EncryptedAnswer, sessionID uuid.UUID) (string, error) {
	key, err := c.keys.Key(ctx)
	if err != nil {
		return "", err
	}

	if rec.Metadata.Algorithm != AlgorithmAESGCM {
		return "", fmt.Errorf("%w: unknown algorithm %q", ErrTagVerification, rec.Metadata.Algorithm)
	}
	if len(rec.Metadata.Nonce) != NonceSize {
		return "", fmt.Errorf("%w: bad nonce length %d", ErrTagVerification, len(rec.Metadata.Nonce))
	}

	aead, err := newGCM(key.Material)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	plaintext, err := aead.Open(nil, rec.Metadata.Nonce, rec.CipherText, binding(rec.QuestionID, sessionID))
	if err != nil {
		c.log.Warn().
			Str("question_id", rec.QuestionID.String()).
			Str("session_id", sessionID.String()).
			Msg("Tag verification failed")
		return "", fmt.Errorf("%w: question %s", ErrTagVerification, rec.QuestionID)
	}

	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// binding builds the AAD from the question and session identifiers.
func binding(questionID, sessionID uuid.UUID) []byte {
	aad := make([]byte, 0, 32)
	aad = append(aad, questionID[:]...)
	aad = append(aad, sessionID[:]...)
	return aad
}
