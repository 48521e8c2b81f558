// Package credentials stores exchange API secrets, sealed by the vault.
// Plaintext exists only inside the calls that need it; every persisted
// field is ciphertext tagged with the key version that sealed it.
package credentials

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/hummingcloud/controlplane/internal/domain"
	"github.com/hummingcloud/controlplane/internal/repository"
	"github.com/hummingcloud/controlplane/internal/vault"
)

type Service struct {
	creds  repository.CredentialRepository
	vault  *vault.Vault
	logger *slog.Logger
	now    func() time.Time
}

func New(creds repository.CredentialRepository, v *vault.Vault, logger *slog.Logger) *Service {
	if logger != nil {
		logger = logger.With("component", "credentials")
	}
	return &Service{creds: creds, vault: v, logger: logger, now: time.Now}
}

// Store seals and upserts one exchange's secret set for a tenant. The
// passphrase is optional.
func (s *Service) Store(ctx context.Context, tenantID, exchange, apiKey, apiSecret, passphrase string) error {
	bundle, err := s.vault.EncryptAPICredentials(apiKey, apiSecret, passphrase)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	cred := &domain.ExchangeCredential{
		ID:                  uuid.NewString(),
		TenantID:            tenantID,
		Exchange:            exchange,
		EncryptedAPIKey:     bundle.EncryptedAPIKey,
		NonceKey:            bundle.NonceKey,
		EncryptedAPISecret:  bundle.EncryptedAPISecret,
		NonceSecret:         bundle.NonceSecret,
		EncryptedPassphrase: bundle.EncryptedPassphrase,
		NoncePassphrase:     bundle.NoncePassphrase,
		KeyVersion:          bundle.KeyVersion,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.creds.UpsertCredential(ctx, cred); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	s.logger.Info("exchange credentials stored", "tenant_id", tenantID, "exchange", exchange, "key_version", bundle.KeyVersion)
	return nil
}

// Retrieve opens a tenant's secret set for one exchange. Decryption
// failures surface as vault.ErrDecrypt; no partial result is returned.
func (s *Service) Retrieve(ctx context.Context, tenantID, exchange string) (vault.APICredentials, error) {
	cred, err := s.creds.GetCredential(ctx, tenantID, exchange)
	if err != nil {
		return vault.APICredentials{}, err
	}
	return s.vault.DecryptAPICredentials(vault.CredentialBundle{
		EncryptedAPIKey:     cred.EncryptedAPIKey,
		NonceKey:            cred.NonceKey,
		EncryptedAPISecret:  cred.EncryptedAPISecret,
		NonceSecret:         cred.NonceSecret,
		EncryptedPassphrase: cred.EncryptedPassphrase,
		NoncePassphrase:     cred.NoncePassphrase,
		KeyVersion:          cred.KeyVersion,
	})
}

// StaleCredentials lists secret sets sealed under a retired key version.
// A rotation runbook decrypts with the old vault and re-stores with the
// active one; this query scopes that sweep.
func (s *Service) StaleCredentials(ctx context.Context, retiredKeyVersion string) ([]domain.ExchangeCredential, error) {
	return s.creds.ListCredentialsByKeyVersion(ctx, retiredKeyVersion)
}
