package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrEncryption indicates a cryptographic operation failed. Callers never
	// receive partial plaintext or ciphertext alongside this error.
	ErrEncryption = errors.New("crypto: operation failed")
	// ErrIntegrity indicates an HMAC or checksum comparison failed.
	ErrIntegrity = errors.New("crypto: integrity check failed")
)

const (
	keyLength       = 32
	ivLength        = 12
	tagLength       = 16
	minIterations   = 100_000
	minMasterKeyLen = 32

	// BcryptCost is the work factor applied to credential hashes.
	BcryptCost = 12
)

// Service provides symmetric and asymmetric primitives used by the
// access-control core: context-scoped AEAD encryption, password hashing,
// HMAC signing and token generation.
type Service struct {
	masterKey  []byte
	iterations int
}

// Option configures Service behavior.
type Option func(*Service) error

// WithIterations overrides the PBKDF2 iteration count. Values below the
// minimum are rejected.
func WithIterations(n int) Option {
	return func(s *Service) error {
		if n < minIterations {
			return fmt.Errorf("crypto: iterations must be at least %d", minIterations)
		}
		s.iterations = n
		return nil
	}
}

// NewService constructs the crypto service from the master key material.
func NewService(masterKey string, opts ...Option) (*Service, error) {
	masterKey = strings.TrimSpace(masterKey)
	if len(masterKey) < minMasterKeyLen {
		return nil, fmt.Errorf("crypto: master key must be at least %d bytes", minMasterKeyLen)
	}
	svc := &Service{
		masterKey:  []byte(masterKey),
		iterations: minIterations,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// deriveKey produces a 256-bit key bound to the given usage context. The salt
// is derived from the context so the same context always yields the same key
// while distinct contexts never share one.
func (s *Service) deriveKey(context string) []byte {
	salt := sha256.Sum256([]byte("clinaxis:" + context))
	return pbkdf2.Key(s.masterKey, salt[:], s.iterations, keyLength, sha256.New)
}

// Encrypt AEAD-encrypts plaintext under a context-scoped key and returns the
// envelope `ivHex:tagHex:cipherHex`.
func (s *Service) Encrypt(plaintext, context string) (string, error) {
	if context == "" {
		return "", fmt.Errorf("%w: context is required", ErrEncryption)
	}
	block, err := aes.NewCipher(s.deriveKey(context))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	// Seal appends the auth tag to the ciphertext.
	ct := sealed[:len(sealed)-tagLength]
	tag := sealed[len(sealed)-tagLength:]
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. A tampered envelope or mismatched context fails
// closed: no partial plaintext is ever returned.
func (s *Service) Decrypt(envelope, context string) (string, error) {
	if context == "" {
		return "", fmt.Errorf("%w: context is required", ErrEncryption)
	}
	parts := strings.Split(envelope, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: malformed envelope", ErrEncryption)
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivLength {
		return "", fmt.Errorf("%w: malformed envelope", ErrEncryption)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagLength {
		return "", fmt.Errorf("%w: malformed envelope", ErrEncryption)
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: malformed envelope", ErrEncryption)
	}
	block, err := aes.NewCipher(s.deriveKey(context))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", ErrEncryption
	}
	return string(plaintext), nil
}

// HashPassword hashes a plaintext credential with bcrypt at the service cost.
func (s *Service) HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: password is empty", ErrEncryption)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext credential with its stored hash.
func (s *Service) VerifyPassword(hash, password string) error {
	if hash == "" {
		return fmt.Errorf("%w: password hash is empty", ErrEncryption)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrIntegrity
	}
	return nil
}

// SHA256Hex returns the hex digest of the input.
func SHA256Hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// HMACSHA256 signs data with the given key and returns the hex signature.
func (s *Service) HMACSHA256(data, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a hex signature in constant time.
func (s *Service) VerifyHMAC(data, key, signature string) error {
	expected := s.HMACSHA256(data, key)
	if len(expected) != len(signature) {
		return ErrIntegrity
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return ErrIntegrity
	}
	return nil
}

// GenerateToken returns n random bytes hex-encoded.
func GenerateToken(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return hex.EncodeToString(buf), nil
}
