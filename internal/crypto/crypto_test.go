package crypto

import (
	"errors"
	"strings"
	"testing"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(testMasterKey)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestNewServiceRejectsShortKey(t *testing.T) {
	if _, err := NewService("short"); err == nil {
		t.Fatal("expected error for short master key")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := newTestService(t)
	for _, plaintext := range []string{"", "hello", "тест", strings.Repeat("x", 4096)} {
		envelope, err := svc.Encrypt(plaintext, "records")
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		if parts := strings.Split(envelope, ":"); len(parts) != 3 {
			t.Fatalf("expected iv:tag:cipher envelope, got %q", envelope)
		}
		got, err := svc.Decrypt(envelope, "records")
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != plaintext {
			t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
		}
	}
}

func TestDecryptWrongContextFails(t *testing.T) {
	svc := newTestService(t)
	envelope, err := svc.Encrypt("secret", "backup")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := svc.Decrypt(envelope, "records")
	if !errors.Is(err, ErrEncryption) {
		t.Fatalf("expected ErrEncryption, got %v", err)
	}
	if got != "" {
		t.Fatalf("expected no plaintext on failure, got %q", got)
	}
}

func TestDecryptTamperedEnvelopeFails(t *testing.T) {
	svc := newTestService(t)
	envelope, err := svc.Encrypt("secret", "backup")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	// Flip one hex digit of the ciphertext segment.
	parts := strings.Split(envelope, ":")
	ct := []byte(parts[2])
	if ct[0] == 'a' {
		ct[0] = 'b'
	} else {
		ct[0] = 'a'
	}
	tampered := parts[0] + ":" + parts[1] + ":" + string(ct)
	if _, err := svc.Decrypt(tampered, "backup"); !errors.Is(err, ErrEncryption) {
		t.Fatalf("expected ErrEncryption for tampered envelope, got %v", err)
	}
}

func TestDecryptMalformedEnvelope(t *testing.T) {
	svc := newTestService(t)
	for _, envelope := range []string{"", "abc", "aa:bb", "zz:zz:zz"} {
		if _, err := svc.Decrypt(envelope, "records"); !errors.Is(err, ErrEncryption) {
			t.Fatalf("expected ErrEncryption for %q, got %v", envelope, err)
		}
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	svc := newTestService(t)
	hash, err := svc.HashPassword("Str0ng!Passw0rd")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := svc.VerifyPassword(hash, "Str0ng!Passw0rd"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := svc.VerifyPassword(hash, "wrong"); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity for wrong password, got %v", err)
	}
}

func TestHMACSignAndVerify(t *testing.T) {
	svc := newTestService(t)
	sig := svc.HMACSHA256("payload", "key-1")
	if err := svc.VerifyHMAC("payload", "key-1", sig); err != nil {
		t.Fatalf("VerifyHMAC: %v", err)
	}
	if err := svc.VerifyHMAC("payload", "key-2", sig); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity for wrong key, got %v", err)
	}
	if err := svc.VerifyHMAC("tampered", "key-1", sig); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity for tampered data, got %v", err)
	}
}

func TestGenerateToken(t *testing.T) {
	tok, err := GenerateToken(16)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if len(tok) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(tok))
	}
	other, _ := GenerateToken(16)
	if tok == other {
		t.Fatal("expected distinct tokens")
	}
}

func TestRSASignVerify(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	sig, err := Sign("document", priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := Verify("document", sig, pub); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := Verify("other", sig, pub); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity for altered document, got %v", err)
	}
}

func TestValidatePasswordPolicy(t *testing.T) {
	weak := ValidatePasswordPolicy("abc")
	if weak.Valid {
		t.Fatal("expected abc to be invalid")
	}
	if weak.Strength != StrengthWeak {
		t.Fatalf("expected weak strength, got %s", weak.Strength)
	}

	strong := ValidatePasswordPolicy("Str0ng!Passw0rd123")
	if !strong.Valid {
		t.Fatalf("expected valid password, errors: %v", strong.Errors)
	}
	if strong.Strength != StrengthStrong && strong.Strength != StrengthVeryStrong {
		t.Fatalf("expected strong or very-strong, got %s", strong.Strength)
	}

	medium := ValidatePasswordPolicy("Abcdef12")
	if !medium.Valid {
		t.Fatalf("expected valid password, errors: %v", medium.Errors)
	}
	if medium.Strength != StrengthMedium {
		t.Fatalf("expected medium, got %s", medium.Strength)
	}
}
