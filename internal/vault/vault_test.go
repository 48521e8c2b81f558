package vault

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("generate master key: %v", err)
	}
	v, err := New(key, "v1")
	if err != nil {
		t.Fatalf("construct vault: %v", err)
	}
	return v
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	v := newTestVault(t)

	ciphertext, nonce, err := v.Encrypt("super-secret-api-key")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if ciphertext == "" || nonce == "" {
		t.Fatal("expected non-empty ciphertext and nonce")
	}

	plain, err := v.Decrypt(ciphertext, nonce)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "super-secret-api-key" {
		t.Fatalf("roundtrip mismatch: got %q", plain)
	}
}

func TestEncryptRejectsEmptyPlaintext(t *testing.T) {
	v := newTestVault(t)
	if _, _, err := v.Encrypt(""); err == nil {
		t.Fatal("expected error for empty plaintext")
	}
}

func TestNewRejectsBadKeys(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"not base64", "!!!not-base64!!!"},
		{"too short", base64.URLEncoding.EncodeToString([]byte("short"))},
		{"too long", base64.URLEncoding.EncodeToString(make([]byte, 48))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.key, "v1"); err == nil {
				t.Fatalf("expected error for key %q", tc.key)
			}
		})
	}
}

func TestNewAcceptsPaddedAndUnpaddedKeys(t *testing.T) {
	raw := make([]byte, 32)
	padded := base64.URLEncoding.EncodeToString(raw)
	unpadded := strings.TrimRight(padded, "=")

	for _, key := range []string{padded, unpadded} {
		if _, err := New(key, "v1"); err != nil {
			t.Fatalf("key %q rejected: %v", key, err)
		}
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	v := newTestVault(t)
	ciphertext, nonce, err := v.Encrypt("payload")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		t.Fatalf("decode ciphertext: %v", err)
	}
	raw[0] ^= 0xff
	tampered := base64.URLEncoding.EncodeToString(raw)

	if _, err := v.Decrypt(tampered, nonce); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for tampered ciphertext, got %v", err)
	}
}

func TestDecryptWrongNonce(t *testing.T) {
	v := newTestVault(t)
	ciphertext, _, err := v.Encrypt("payload")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	_, otherNonce, err := v.Encrypt("other")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := v.Decrypt(ciphertext, otherNonce); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for mismatched nonce, got %v", err)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	v1 := newTestVault(t)
	v2 := newTestVault(t)

	ciphertext, nonce, err := v1.Encrypt("payload")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := v2.Decrypt(ciphertext, nonce); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt under wrong key, got %v", err)
	}
}

func TestNonceUniqueness(t *testing.T) {
	v := newTestVault(t)
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		_, nonce, err := v.Encrypt("same-plaintext")
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		if _, dup := seen[nonce]; dup {
			t.Fatalf("nonce repeated after %d encryptions", i)
		}
		seen[nonce] = struct{}{}
	}
}

func TestCredentialBundleRoundtrip(t *testing.T) {
	v := newTestVault(t)

	first, err := v.EncryptAPICredentials("key-123", "secret-456", "phrase-789")
	if err != nil {
		t.Fatalf("encrypt bundle: %v", err)
	}
	second, err := v.EncryptAPICredentials("key-123", "secret-456", "phrase-789")
	if err != nil {
		t.Fatalf("encrypt bundle: %v", err)
	}

	// Same plaintext must never produce the same ciphertext or nonce.
	if first.EncryptedAPIKey == second.EncryptedAPIKey || first.NonceKey == second.NonceKey {
		t.Fatal("two encryptions of the same secret produced identical output")
	}

	for _, bundle := range []CredentialBundle{first, second} {
		if bundle.KeyVersion != "v1" {
			t.Fatalf("expected key version v1, got %q", bundle.KeyVersion)
		}
		creds, err := v.DecryptAPICredentials(bundle)
		if err != nil {
			t.Fatalf("decrypt bundle: %v", err)
		}
		if creds.APIKey != "key-123" || creds.APISecret != "secret-456" || creds.Passphrase != "phrase-789" {
			t.Fatalf("bundle roundtrip mismatch: %+v", creds)
		}
	}
}

func TestCredentialBundleWithoutPassphrase(t *testing.T) {
	v := newTestVault(t)

	bundle, err := v.EncryptAPICredentials("key", "secret", "")
	if err != nil {
		t.Fatalf("encrypt bundle: %v", err)
	}
	if bundle.EncryptedPassphrase != "" || bundle.NoncePassphrase != "" {
		t.Fatal("expected empty passphrase fields")
	}

	creds, err := v.DecryptAPICredentials(bundle)
	if err != nil {
		t.Fatalf("decrypt bundle: %v", err)
	}
	if creds.Passphrase != "" {
		t.Fatalf("expected empty passphrase, got %q", creds.Passphrase)
	}
}
