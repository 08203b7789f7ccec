package vault

import "errors"

var (
	// ErrKeyNotFound means no device key exists yet. EnsureKey has not
	// run, or the key file was removed out from under the agent.
	ErrKeyNotFound = errors.New("device key not found")

	// ErrEncryptionFailed wraps any cipher-construction or sealing error.
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrTagVerification means the ciphertext or its binding context was
	// altered. This is tamper detection firing; it must never be
	// downgraded to an empty answer.
	ErrTagVerification = errors.New("authentication tag verification failed")
)
