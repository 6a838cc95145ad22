package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/org/nestcircle/pkg/models"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if len(key.Secret) != 32 {
		t.Errorf("expected 32 bytes of key material, got %d", len(key.Secret))
	}
	if key.ID == "" {
		t.Error("key id should be set")
	}
	if key.Algorithm != models.AlgorithmAESGCM || key.KeyLength != models.KeyLengthBits {
		t.Errorf("unexpected key shape: %s/%d", key.Algorithm, key.KeyLength)
	}
	if key.ExpiresAt == nil {
		t.Fatal("generated key should expire")
	}
	wantExpiry := key.CreatedAt.Add(MaxKeyAge)
	if !key.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expiry %v, want createdAt+30d %v", key.ExpiresAt, wantExpiry)
	}

	// Keys should be random
	key2, _ := GenerateKey()
	if bytes.Equal(key.Secret, key2.Secret) {
		t.Error("two generated keys should not be equal")
	}
	if key.ID == key2.ID {
		t.Error("two generated keys should not share an id")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, _ := GenerateKey()

	for _, plaintext := range []string{"", "hello", "emoji 🍼 and unicode", "longer body with\nnewlines and spaces"} {
		payload, err := Encrypt(plaintext, key)
		if err != nil {
			t.Fatalf("Encrypt(%q) failed: %v", plaintext, err)
		}
		if payload.KeyID != key.ID {
			t.Errorf("payload key id %q, want %q", payload.KeyID, key.ID)
		}
		got, err := Decrypt(payload, key)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if got != plaintext {
			t.Errorf("round trip got %q, want %q", got, plaintext)
		}
	}
}

func TestEncryptIVUniqueness(t *testing.T) {
	key, _ := GenerateKey()
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		payload, err := Encrypt("same plaintext", key)
		if err != nil {
			t.Fatalf("Encrypt failed on call %d: %v", i, err)
		}
		if _, dup := seen[payload.IV]; dup {
			t.Fatalf("iv repeated after %d encryptions", i)
		}
		seen[payload.IV] = struct{}{}
	}
}

func TestDecryptTamperDetection(t *testing.T) {
	key, _ := GenerateKey()
	payload, err := Encrypt("private message", key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	flipBit := func(b64 string) string {
		raw, _ := base64.StdEncoding.DecodeString(b64)
		raw[0] ^= 0x01
		return base64.StdEncoding.EncodeToString(raw)
	}

	tampered := *payload
	tampered.EncryptedContent = flipBit(payload.EncryptedContent)
	if _, err := Decrypt(&tampered, key); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("tampered ciphertext: got %v, want ErrDecryptionFailed", err)
	}

	tampered = *payload
	tampered.IV = flipBit(payload.IV)
	if _, err := Decrypt(&tampered, key); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("tampered iv: got %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	key, _ := GenerateKey()
	other, _ := GenerateKey()
	payload, _ := Encrypt("secret", key)

	if _, err := Decrypt(payload, other); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("wrong key: got %v, want ErrDecryptionFailed", err)
	}
}

func TestEncryptExpiredKey(t *testing.T) {
	key, _ := GenerateKey()
	payload, err := Encrypt("hello", key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// Age the key past its expiry.
	past := time.Now().Add(-time.Minute)
	key.ExpiresAt = &past

	if _, err := Encrypt("hi again", key); !errors.Is(err, ErrKeyExpired) {
		t.Errorf("encrypt with expired key: got %v, want ErrKeyExpired", err)
	}

	// Decryption of prior messages must keep working.
	got, err := Decrypt(payload, key)
	if err != nil {
		t.Fatalf("Decrypt with expired key failed: %v", err)
	}
	if got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}

func TestValidateKeyRejectsMalformed(t *testing.T) {
	good, _ := GenerateKey()

	cases := []struct {
		name   string
		mutate func(k *models.EncryptionKey)
	}{
		{"wrong algorithm", func(k *models.EncryptionKey) { k.Algorithm = "AES-CBC" }},
		{"wrong length", func(k *models.EncryptionKey) { k.KeyLength = 128 }},
		{"short secret", func(k *models.EncryptionKey) { k.Secret = k.Secret[:16] }},
		{"missing id", func(k *models.EncryptionKey) { k.ID = "" }},
		{"zero createdAt", func(k *models.EncryptionKey) { k.CreatedAt = time.Time{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			k := *good
			k.Secret = append([]byte(nil), good.Secret...)
			tc.mutate(&k)
			if _, err := Encrypt("x", &k); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("got %v, want ErrInvalidKey", err)
			}
		})
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	payload, _ := Encrypt("carried across export", key)

	raw, err := ExportRaw(key)
	if err != nil {
		t.Fatalf("ExportRaw failed: %v", err)
	}
	imported, err := ImportRaw(raw, key.ID, key.KeyLength, key.CreatedAt, key.ExpiresAt)
	if err != nil {
		t.Fatalf("ImportRaw failed: %v", err)
	}
	if !bytes.Equal(imported.Secret, key.Secret) {
		t.Error("imported key material differs from original")
	}

	got, err := Decrypt(payload, imported)
	if err != nil {
		t.Fatalf("Decrypt with imported key failed: %v", err)
	}
	if got != "carried across export" {
		t.Errorf("got %q", got)
	}

	// Export must return a copy, not an alias.
	raw[0] ^= 0xff
	if bytes.Equal(raw, key.Secret) {
		t.Error("ExportRaw should copy key material")
	}
}

func TestImportRawLegacyKeyNeverExpires(t *testing.T) {
	raw := make([]byte, 32)
	key, err := ImportRaw(raw, "legacy-key", 256, time.Time{}, nil)
	if err != nil {
		t.Fatalf("ImportRaw failed: %v", err)
	}
	if key.ExpiresAt != nil {
		t.Error("legacy key should have no expiry")
	}
	if key.CreatedAt.IsZero() {
		t.Error("createdAt should default to now")
	}
	if IsRotationDue(key) {
		t.Error("key without expiry is never rotation-due")
	}
}

func TestImportRawRejectsBadShapes(t *testing.T) {
	if _, err := ImportRaw(make([]byte, 16), "id", 256, time.Now(), nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("short material: got %v, want ErrInvalidKey", err)
	}
	if _, err := ImportRaw(make([]byte, 32), "id", 128, time.Now(), nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("wrong bit length: got %v, want ErrInvalidKey", err)
	}
	if _, err := ImportRaw(make([]byte, 32), "", 256, time.Now(), nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("missing id: got %v, want ErrInvalidKey", err)
	}
}

func TestFingerprint(t *testing.T) {
	key, _ := GenerateKey()
	fp, err := Fingerprint(key)
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	if len(fp) != 16 {
		t.Errorf("fingerprint length %d, want 16", len(fp))
	}

	// Same material → same fingerprint, regardless of metadata.
	raw, _ := ExportRaw(key)
	imported, _ := ImportRaw(raw, "other-id", 256, time.Now(), nil)
	fp2, _ := Fingerprint(imported)
	if fp != fp2 {
		t.Error("fingerprint should depend only on key material")
	}

	other, _ := GenerateKey()
	fp3, _ := Fingerprint(other)
	if fp == fp3 {
		t.Error("different keys should have different fingerprints")
	}
}
