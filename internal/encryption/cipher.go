package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLength  = 64
	ivLength    = 16
	tagLength   = 16
	keyLength   = 32
	kdfRounds   = 100_000
	minimumKeyL = 32
)

// ErrIntegrity indicates that a stored credential failed authentication
// during decryption: the blob was tampered with or corrupted. This is
// distinct from a malformed blob and must never be reported as a wrong
// password; the only recovery is a fresh authorization flow.
var ErrIntegrity = errors.New("credential integrity verification failed")

// Cipher provides authenticated encryption for credentials at rest. Each
// encryption derives a fresh key from the operator secret via PBKDF2 with a
// random salt, so identical plaintexts never share ciphertext or key.
type Cipher struct {
	secret []byte
}

// NewCipher creates a Cipher keyed by the operator secret. The secret must be
// at least 32 characters. A round-trip validation runs before the cipher is
// returned so that misconfiguration fails at startup, not at first use.
func NewCipher(secret string) (*Cipher, error) {
	if len(secret) < minimumKeyL {
		return nil, fmt.Errorf("encryption secret must be at least %d characters, got %d", minimumKeyL, len(secret))
	}

	c := &Cipher{secret: []byte(secret)}

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("cipher validation failed: %w", err)
	}

	return c, nil
}

// validate performs a test encryption/decryption cycle to verify the cipher
// is working.
func (c *Cipher) validate() error {
	testPlaintext := []byte("likegate-encryption-test")

	blob, err := c.Encrypt(string(testPlaintext))
	if err != nil {
		return fmt.Errorf("validation encrypt failed: %w", err)
	}

	decrypted, err := c.Decrypt(blob)
	if err != nil {
		return fmt.Errorf("validation decrypt failed: %w", err)
	}

	if !bytes.Equal(testPlaintext, []byte(decrypted)) {
		return fmt.Errorf("validation round-trip failed: plaintext mismatch")
	}

	return nil
}

// Encrypt seals the plaintext with AES-256-GCM under a freshly derived key.
// The result serializes as four hex segments: salt, IV, authentication tag
// and ciphertext, joined by ":".
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)

	// Seal appends the tag to the ciphertext; the wire format carries them
	// as separate segments.
	boundary := len(sealed) - tagLength
	ciphertext, tag := sealed[:boundary], sealed[boundary:]

	segments := []string{
		hex.EncodeToString(salt),
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}

	return strings.Join(segments, ":"), nil
}

// Decrypt opens a blob produced by Encrypt. The authentication tag is
// verified before any plaintext is released; on mismatch the error wraps
// ErrIntegrity and no data is returned.
func (c *Cipher) Decrypt(blob string) (string, error) {
	salt, iv, tag, ciphertext, err := parseBlob(blob)
	if err != nil {
		return "", err
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("opening credential blob: %w", ErrIntegrity)
	}

	return string(plaintext), nil
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.secret, salt, kdfRounds, keyLength, sha512.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, ivLength)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return gcm, nil
}

func parseBlob(blob string) (salt, iv, tag, ciphertext []byte, err error) {
	segments := strings.Split(blob, ":")
	if len(segments) != 4 {
		return nil, nil, nil, nil, fmt.Errorf("malformed credential blob: expected 4 segments, got %d", len(segments))
	}

	decoded := make([][]byte, 4)
	for i, s := range segments {
		decoded[i], err = hex.DecodeString(s)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("malformed credential blob: segment %d is not hex: %w", i, err)
		}
	}

	salt, iv, tag, ciphertext = decoded[0], decoded[1], decoded[2], decoded[3]

	if len(salt) != saltLength || len(iv) != ivLength || len(tag) != tagLength {
		return nil, nil, nil, nil, fmt.Errorf("malformed credential blob: unexpected segment lengths")
	}

	return salt, iv, tag, ciphertext, nil
}

// ConstantTimeEqual compares two secrets without leaking their relationship
// through timing. Use for token comparison, never for long payloads.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
