package domain

import "time"

// ExchangeCredential persists one tenant's encrypted exchange API
// secrets. Ciphertext and nonce travel together; a ciphertext is only
// decryptable under the nonce and key version it was produced with.
type ExchangeCredential struct {
	ID       string
	TenantID string
	Exchange string

	EncryptedAPIKey    string
	NonceKey           string
	EncryptedAPISecret string
	NonceSecret        string

	// Passphrase fields are empty for exchanges that do not use one.
	EncryptedPassphrase string
	NoncePassphrase     string

	// KeyVersion tags which master key produced the ciphertexts, so a
	// rotation sweep can find secrets needing re-encryption.
	KeyVersion string

	CreatedAt time.Time
	UpdatedAt time.Time
}
