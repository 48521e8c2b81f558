package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Master keys are 32 bytes (AES-256); nonces are the 12 bytes GCM expects.
const (
	keySize   = 32
	nonceSize = 12
)

// ErrDecrypt indicates authentication failed during decryption: the
// ciphertext was tampered with, or the nonce or key version does not
// match the one it was produced under.
var ErrDecrypt = errors.New("vault: decryption failed")

// Vault performs authenticated encryption of secret material under a
// single versioned master key. It is immutable after construction and
// safe for concurrent use.
type Vault struct {
	aead       cipher.AEAD
	keyVersion string
}

// New constructs a Vault from a urlsafe-base64 master key. Construction
// fails fast when the key is absent or not exactly 32 bytes.
func New(masterKey, keyVersion string) (*Vault, error) {
	if masterKey == "" {
		return nil, errors.New("vault: master key not set")
	}
	if keyVersion == "" {
		return nil, errors.New("vault: key version not set")
	}
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(trimPadding(masterKey))
	if err != nil {
		return nil, fmt.Errorf("vault: decode master key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("vault: master key must be %d bytes, got %d", keySize, len(raw))
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}
	return &Vault{aead: aead, keyVersion: keyVersion}, nil
}

func trimPadding(s string) string {
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}
	return s
}

// KeyVersion identifies the active master key.
func (v *Vault) KeyVersion() string {
	return v.keyVersion
}

// Encrypt seals plaintext under a fresh random nonce. Ciphertext and
// nonce are returned as urlsafe-base64 strings and must be stored and
// presented together.
func (v *Vault) Encrypt(plaintext string) (ciphertext, nonce string, err error) {
	if plaintext == "" {
		return "", "", errors.New("vault: plaintext cannot be empty")
	}
	rawNonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, rawNonce); err != nil {
		return "", "", fmt.Errorf("vault: generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nil, rawNonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), base64.URLEncoding.EncodeToString(rawNonce), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any authentication
// failure surfaces as ErrDecrypt; garbage is never returned.
func (v *Vault) Decrypt(ciphertext, nonce string) (string, error) {
	if ciphertext == "" || nonce == "" {
		return "", errors.New("vault: ciphertext and nonce cannot be empty")
	}
	sealed, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", ErrDecrypt, err)
	}
	rawNonce, err := base64.URLEncoding.DecodeString(nonce)
	if err != nil {
		return "", fmt.Errorf("%w: decode nonce: %v", ErrDecrypt, err)
	}
	if len(rawNonce) != v.aead.NonceSize() {
		return "", fmt.Errorf("%w: bad nonce length %d", ErrDecrypt, len(rawNonce))
	}
	plain, err := v.aead.Open(nil, rawNonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

// CredentialBundle is the persisted wire shape of one exchange secret
// set. Each field's ciphertext travels with its own nonce; KeyVersion
// tags which master key sealed the bundle.
type CredentialBundle struct {
	EncryptedAPIKey     string
	NonceKey            string
	EncryptedAPISecret  string
	NonceSecret         string
	EncryptedPassphrase string
	NoncePassphrase     string
	KeyVersion          string
}

// APICredentials is a decrypted secret set. It must not outlive the
// call that needed it.
type APICredentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// EncryptAPICredentials seals a 2-3 field secret bundle. The passphrase
// is optional; some exchanges do not use one.
func (v *Vault) EncryptAPICredentials(apiKey, apiSecret, passphrase string) (CredentialBundle, error) {
	encKey, nonceKey, err := v.Encrypt(apiKey)
	if err != nil {
		return CredentialBundle{}, fmt.Errorf("vault: encrypt api key: %w", err)
	}
	encSecret, nonceSecret, err := v.Encrypt(apiSecret)
	if err != nil {
		return CredentialBundle{}, fmt.Errorf("vault: encrypt api secret: %w", err)
	}
	bundle := CredentialBundle{
		EncryptedAPIKey:    encKey,
		NonceKey:           nonceKey,
		EncryptedAPISecret: encSecret,
		NonceSecret:        nonceSecret,
		KeyVersion:         v.keyVersion,
	}
	if passphrase != "" {
		encPass, noncePass, err := v.Encrypt(passphrase)
		if err != nil {
			return CredentialBundle{}, fmt.Errorf("vault: encrypt passphrase: %w", err)
		}
		bundle.EncryptedPassphrase = encPass
		bundle.NoncePassphrase = noncePass
	}
	return bundle, nil
}

// DecryptAPICredentials opens a bundle sealed by EncryptAPICredentials.
func (v *Vault) DecryptAPICredentials(bundle CredentialBundle) (APICredentials, error) {
	apiKey, err := v.Decrypt(bundle.EncryptedAPIKey, bundle.NonceKey)
	if err != nil {
		return APICredentials{}, err
	}
	apiSecret, err := v.Decrypt(bundle.EncryptedAPISecret, bundle.NonceSecret)
	if err != nil {
		return APICredentials{}, err
	}
	creds := APICredentials{APIKey: apiKey, APISecret: apiSecret}
	if bundle.EncryptedPassphrase != "" {
		passphrase, err := v.Decrypt(bundle.EncryptedPassphrase, bundle.NoncePassphrase)
		if err != nil {
			return APICredentials{}, err
		}
		creds.Passphrase = passphrase
	}
	return creds, nil
}

// GenerateMasterKey produces a new urlsafe-base64 32-byte master key.
// Run once at deployment time; store the result in the environment or
// a KMS, never in version control.
func GenerateMasterKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("vault: generate master key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(key), nil
}
