package vault

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// Key is a device encryption key handed to the Cipher. The raw material
// never leaves the vault package boundary in persisted or logged form.
type Key struct {
	Material []byte
	Version  int
}

// KeyStore holds the single per-device symmetric key.
type KeyStore interface {
	// EnsureKey generates a key if none exists. Idempotent; called once
	// at process start.
	EnsureKey(ctx context.Context) error
	// Key returns the current key, or ErrKeyNotFound.
	Key(ctx context.Context) (*Key, error)
}

// File format: magic | version byte | scrypt salt | XChaCha20 nonce | sealed key.
const (
	keyFileMagic   = "EXSTEMKEY1"
	saltSize       = 16
	currentVersion = 1

	// scrypt parameters. Interactive-grade: the device secret is only
	// entered on unlock, not per operation.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// FileKeyStore keeps the device key in a single file outside the
// agent's ordinary data directory, sealed with XChaCha20-Poly1305 under
// a scrypt-derived wrapping key. The device secret plays the role of
// the platform unlock credential.
type FileKeyStore struct {
	path   string
	secret []byte
	log    zerolog.Logger

	mu     sync.Mutex
	cached *Key
}

// NewFileKeyStore creates a FileKeyStore. secret must be non-empty; it
// is the device unlock secret, not the encryption key itself.
func NewFileKeyStore(path string, secret []byte, log zerolog.Logger) (*FileKeyStore, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("device secret is required")
	}
	return &FileKeyStore{
		path:   path,
		secret: secret,
		log:    log.With().Str("component", "keystore").Logger(),
	}, nil
}

// EnsureKey generates and seals a fresh 256-bit key if the key file
// does not exist yet.
func (s *FileKeyStore) EnsureKey(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat key file: %w", err)
	}

	material := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	if err := s.seal(material); err != nil {
		return err
	}

	s.cached = &Key{Material: material, Version: currentVersion}
	s.log.Info().Str("path", s.path).Msg("Device key generated")
	return nil
}

// Key unseals and returns the device key, caching it in memory.
func (s *FileKeyStore) Key(ctx context.Context) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return s.cached, nil
	}

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, ErrKeyNotFound
	} else if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key, err := s.unseal(raw)
	if err != nil {
		return nil, err
	}

	s.cached = key
	return key, nil
}

func (s *FileKeyStore) seal(material []byte) error {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("draw salt: %w", err)
	}

	wrap, err := scrypt.Key(s.secret, salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return fmt.Errorf("derive wrapping key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(wrap)
	if err != nil {
		return fmt.Errorf("init aead: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("draw nonce: %w", err)
	}

	buf := make([]byte, 0, len(keyFileMagic)+1+saltSize+len(nonce)+len(material)+aead.Overhead())
	buf = append(buf, keyFileMagic...)
	buf = append(buf, currentVersion)
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = aead.Seal(buf, nonce, material, []byte(keyFileMagic))

	// Write-then-rename so a crash never leaves a half-written key file.
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit key file: %w", err)
	}
	return nil
}

func (s *FileKeyStore) unseal(raw []byte) (*Key, error) {
	header := len(keyFileMagic) + 1 + saltSize + chacha20poly1305.NonceSizeX
	if len(raw) < header || string(raw[:len(keyFileMagic)]) != keyFileMagic {
		return nil, fmt.Errorf("%w: malformed key file", ErrKeyNotFound)
	}

	version := int(raw[len(keyFileMagic)])
	salt := raw[len(keyFileMagic)+1 : len(keyFileMagic)+1+saltSize]
	nonce := raw[len(keyFileMagic)+1+saltSize : header]
	sealed := raw[header:]

	wrap, err := scrypt.Key(s.secret, salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive wrapping key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(wrap)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	material, err := aead.Open(nil, nonce, sealed, []byte(keyFileMagic))
	if err != nil {
		return nil, fmt.Errorf("%w: unseal key file", ErrTagVerification)
	}

	return &Key{Material: material, Version: version}, nil
}

// MemoryKeyStore is an in-memory KeyStore for tests and ephemeral runs.
type MemoryKeyStore struct {
	mu  sync.Mutex
	key *Key
}

// NewMemoryKeyStore creates an empty MemoryKeyStore.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{}
}

// EnsureKey generates a key if none is present.
func (s *MemoryKeyStore) EnsureKey(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		return nil
	}
	material := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return err
	}
	s.key = &Key{Material: material, Version: currentVersion}
	return nil
}

// Key returns the key or ErrKeyNotFound.
func (s *MemoryKeyStore) Key(ctx context.Context) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return nil, ErrKeyNotFound
	}
	return s.key, nil
}
