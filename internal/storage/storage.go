// Package storage defines the persistence collaborators the enclave calls
// into. The enclave never persists plaintext: secret values arrive here
// encrypted under per-secret data keys, the data keys arrive wrapped, and
// private keys arrive NEP-2 encrypted.
package storage

import (
	"context"
	"time"
)

// SecretRecord is the persisted metadata of one secret. The ciphertext and
// the wrapped data key are stored apart from it (and from each other where
// the backend allows) so compromising one store does not yield plaintext.
type SecretRecord struct {
	ID                 string            `db:"id" json:"id"`
	Name               string            `db:"name" json:"name"`
	Description        string            `db:"description" json:"description,omitempty"`
	AccountID          string            `db:"account_id" json:"accountId"`
	AllowedFunctionIDs []string          `json:"allowedFunctionIds"`
	Tags               map[string]string `json:"tags,omitempty"`
	Version            int               `db:"version" json:"version"`
	RotationPeriod     time.Duration     `db:"rotation_period" json:"rotationPeriod,omitempty"`
	LastRotatedAt      *time.Time        `db:"last_rotated_at" json:"lastRotatedAt,omitempty"`
	NextRotationAt     *time.Time        `db:"next_rotation_at" json:"nextRotationAt,omitempty"`
	CreatedAt          time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time         `db:"updated_at" json:"updatedAt"`
}

// SecretCipher is the sensitive half of a secret: the AEAD ciphertext of
// the value and the data key wrapped under the vault master.
type SecretCipher struct {
	Ciphertext     []byte
	WrappedDataKey []byte
}

// WalletRecord is the persisted form of a custodied wallet. EncryptedKey is
// the NEP-2 form of the private key; no plaintext key material is ever
// stored.
type WalletRecord struct {
	ID           string            `db:"id" json:"id"`
	Name         string            `db:"name" json:"name"`
	AccountID    string            `db:"account_id" json:"accountId"`
	Address      string            `db:"address" json:"address"`
	ScriptHash   string            `db:"script_hash" json:"scriptHash"`
	PublicKey    string            `db:"public_key" json:"publicKey"`
	EncryptedKey string            `db:"encrypted_key" json:"-"`
	Tags         map[string]string `json:"tags,omitempty"`
	CreatedAt    time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time         `db:"updated_at" json:"updatedAt"`
}

// SecretStore persists secret metadata and cipher material. Implementations
// must guarantee atomic read-modify-write per secret id.
type SecretStore interface {
	CreateSecret(ctx context.Context, rec SecretRecord, cipher SecretCipher) error
	GetSecret(ctx context.Context, id string) (SecretRecord, error)
	GetSecretByName(ctx context.Context, accountID, name string) (SecretRecord, error)
	GetSecretCipher(ctx context.Context, id string) (SecretCipher, error)
	// UpdateSecret replaces the metadata record and, when cipher is
	// non-nil, the cipher material in the same logical write. The write
	// applies only while the stored version still equals expectedVersion;
	// a stale read surfaces as a conflict so concurrent version bumps are
	// never silently collapsed.
	UpdateSecret(ctx context.Context, rec SecretRecord, cipher *SecretCipher, expectedVersion int) error
	DeleteSecret(ctx context.Context, id string) error
	ListSecrets(ctx context.Context, accountID string) ([]SecretRecord, error)
	ListSecretsDueForRotation(ctx context.Context, now time.Time) ([]SecretRecord, error)
}

// WalletStore persists custodied wallets.
type WalletStore interface {
	CreateWallet(ctx context.Context, rec WalletRecord) error
	GetWallet(ctx context.Context, id string) (WalletRecord, error)
	GetWalletByName(ctx context.Context, accountID, name string) (WalletRecord, error)
	UpdateWallet(ctx context.Context, rec WalletRecord) error
	DeleteWallet(ctx context.Context, id string) error
	ListWallets(ctx context.Context, accountID string) ([]WalletRecord, error)
}

// KVStore is the function-scoped key-value collaborator behind the
// getStorageValue/setStorageValue/deleteStorageValue operations.
type KVStore interface {
	Get(ctx context.Context, functionID, key string) (string, error)
	Set(ctx context.Context, functionID, key, value string) error
	Delete(ctx context.Context, functionID, key string) error
}
