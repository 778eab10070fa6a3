// Package secrets resolves encrypted credentials referenced by session
// configurations. A configuration may carry its password as ciphertext; the
// connection factory calls Decrypt exactly once per build, only when the
// password is marked encrypted.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"

	"github.com/ajitpratap0/magnetar/pkg/errors"
)

const (
	// EnvEncryptionKey names the environment variable holding the passphrase
	// used to derive the credential key.
	EnvEncryptionKey = "MAGNETAR_ENCRYPTION_KEY"

	// defaultPassphrase is the development fallback used when the environment
	// variable is unset. Production deployments must set EnvEncryptionKey.
	defaultPassphrase = "magnetar-development-key"

	keySalt       = "magnetar_credential_salt"
	keyIterations = 100000
	keyLength     = 32
)

// Resolver decrypts credential ciphertext into plaintext. The connection
// factory consumes this interface; KeyResolver is the default implementation.
type Resolver interface {
	Decrypt(ciphertext string) (string, error)
}

// KeyResolver encrypts and decrypts credentials with AES-256-GCM under a key
// derived from a passphrase via PBKDF2.
type KeyResolver struct {
	aead cipher.AEAD
}

// NewKeyResolver creates a resolver from an explicit passphrase.
func NewKeyResolver(passphrase string) (*KeyResolver, error) {
	if passphrase == "" {
		return nil, errors.NewConfiguration("encryption passphrase is empty")
	}

	key := pbkdf2.Key([]byte(passphrase), []byte(keySalt), keyIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfiguration, "failed to initialize credential cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfiguration, "failed to initialize credential cipher")
	}

	return &KeyResolver{aead: aead}, nil
}

// NewKeyResolverFromEnv creates a resolver from EnvEncryptionKey, falling back
// to the development passphrase when the variable is unset.
func NewKeyResolverFromEnv() (*KeyResolver, error) {
	passphrase := os.Getenv(EnvEncryptionKey)
	if passphrase == "" {
		passphrase = defaultPassphrase
	}
	return NewKeyResolver(passphrase)
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext). Provided
// for configuration tooling and tests.
func (r *KeyResolver) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, r.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrap(err, errors.CategoryConfiguration, "failed to generate nonce")
	}

	sealed := r.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a payload produced by Encrypt. Malformed or tampered payloads
// fail with a CONFIGURATION-category error.
func (r *KeyResolver) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryConfiguration, "credential payload is not valid base64")
	}

	nonceSize := r.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.NewConfiguration("credential payload is truncated")
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := r.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryConfiguration, "credential decryption failed")
	}

	return string(plaintext), nil
}
