// Package memory provides mutex-guarded in-memory implementations of the
// storage collaborators, used in simulation mode and in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/r3e-network/neo-service-layer-sub002/internal/core"
	"github.com/r3e-network/neo-service-layer-sub002/internal/storage"
)

// Store implements storage.SecretStore, storage.WalletStore and
// storage.KVStore on in-process maps.
type Store struct {
	mu      sync.RWMutex
	secrets map[string]storage.SecretRecord
	ciphers map[string]storage.SecretCipher
	wallets map[string]storage.WalletRecord
	kv      map[string]string
}

var _ storage.SecretStore = (*Store)(nil)
var _ storage.WalletStore = (*Store)(nil)
var _ storage.KVStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		secrets: make(map[string]storage.SecretRecord),
		ciphers: make(map[string]storage.SecretCipher),
		wallets: make(map[string]storage.WalletRecord),
		kv:      make(map[string]string),
	}
}

// --- SecretStore ------------------------------------------------------------

func (s *Store) CreateSecret(ctx context.Context, rec storage.SecretRecord, cipher storage.SecretCipher) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.secrets[rec.ID]; exists {
		return core.NewConflictError("secret", rec.ID, "id already exists")
	}
	for _, existing := range s.secrets {
		if existing.AccountID == rec.AccountID && existing.Name == rec.Name {
			return core.NewConflictError("secret", rec.Name, "name already in use by account")
		}
	}

	s.secrets[rec.ID] = cloneSecret(rec)
	s.ciphers[rec.ID] = cloneCipher(cipher)
	return nil
}

func (s *Store) GetSecret(ctx context.Context, id string) (storage.SecretRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.secrets[id]
	if !ok {
		return storage.SecretRecord{}, core.NewNotFoundError("secret", id)
	}
	return cloneSecret(rec), nil
}

func (s *Store) GetSecretByName(ctx context.Context, accountID, name string) (storage.SecretRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.secrets {
		if rec.AccountID == accountID && rec.Name == name {
			return cloneSecret(rec), nil
		}
	}
	return storage.SecretRecord{}, core.NewNotFoundError("secret", name)
}

func (s *Store) GetSecretCipher(ctx context.Context, id string) (storage.SecretCipher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cipher, ok := s.ciphers[id]
	if !ok {
		return storage.SecretCipher{}, core.NewNotFoundError("secret", id)
	}
	return cloneCipher(cipher), nil
}

func (s *Store) UpdateSecret(ctx context.Context, rec storage.SecretRecord, cipher *storage.SecretCipher, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.secrets[rec.ID]
	if !ok {
		return core.NewNotFoundError("secret", rec.ID)
	}
	if existing.Version != expectedVersion {
		return core.NewConflictError("secret", rec.ID,
			fmt.Sprintf("version is %d, expected %d", existing.Version, expectedVersion))
	}

	s.secrets[rec.ID] = cloneSecret(rec)
	if cipher != nil {
		s.ciphers[rec.ID] = cloneCipher(*cipher)
	}
	return nil
}

func (s *Store) DeleteSecret(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.secrets[id]; !ok {
		return core.NewNotFoundError("secret", id)
	}
	delete(s.secrets, id)
	delete(s.ciphers, id)
	return nil
}

func (s *Store) ListSecrets(ctx context.Context, accountID string) ([]storage.SecretRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.SecretRecord, 0)
	for _, rec := range s.secrets {
		if accountID == "" || rec.AccountID == accountID {
			out = append(out, cloneSecret(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListSecretsDueForRotation(ctx context.Context, now time.Time) ([]storage.SecretRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.SecretRecord, 0)
	for _, rec := range s.secrets {
		if rec.NextRotationAt != nil && !rec.NextRotationAt.After(now) {
			out = append(out, cloneSecret(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- WalletStore ------------------------------------------------------------

func (s *Store) CreateWallet(ctx context.Context, rec storage.WalletRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.wallets[rec.ID]; exists {
		return core.NewConflictError("wallet", rec.ID, "id already exists")
	}
	for _, existing := range s.wallets {
		if existing.AccountID == rec.AccountID && existing.Name == rec.Name {
			return core.NewConflictError("wallet", rec.Name, "name already in use by account")
		}
	}

	s.wallets[rec.ID] = cloneWallet(rec)
	return nil
}

func (s *Store) GetWallet(ctx context.Context, id string) (storage.WalletRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.wallets[id]
	if !ok {
		return storage.WalletRecord{}, core.NewNotFoundError("wallet", id)
	}
	return cloneWallet(rec), nil
}

func (s *Store) GetWalletByName(ctx context.Context, accountID, name string) (storage.WalletRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.wallets {
		if rec.AccountID == accountID && rec.Name == name {
			return cloneWallet(rec), nil
		}
	}
	return storage.WalletRecord{}, core.NewNotFoundError("wallet", name)
}

func (s *Store) UpdateWallet(ctx context.Context, rec storage.WalletRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[rec.ID]; !ok {
		return core.NewNotFoundError("wallet", rec.ID)
	}
	s.wallets[rec.ID] = cloneWallet(rec)
	return nil
}

func (s *Store) DeleteWallet(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[id]; !ok {
		return core.NewNotFoundError("wallet", id)
	}
	delete(s.wallets, id)
	return nil
}

func (s *Store) ListWallets(ctx context.Context, accountID string) ([]storage.WalletRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.WalletRecord, 0)
	for _, rec := range s.wallets {
		if accountID == "" || rec.AccountID == accountID {
			out = append(out, cloneWallet(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- KVStore ----------------------------------------------------------------

func (s *Store) Get(ctx context.Context, functionID, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.kv[kvKey(functionID, key)]
	if !ok {
		return "", core.NewNotFoundError("storage key", key)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, functionID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.kv[kvKey(functionID, key)] = value
	return nil
}

func (s *Store) Delete(ctx context.Context, functionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := kvKey(functionID, key)
	if _, ok := s.kv[k]; !ok {
		return core.NewNotFoundError("storage key", key)
	}
	delete(s.kv, k)
	return nil
}

func kvKey(functionID, key string) string {
	return strings.Join([]string{"fn", functionID, key}, ":")
}

// --- clone helpers ----------------------------------------------------------

func cloneSecret(rec storage.SecretRecord) storage.SecretRecord {
	out := rec
	out.AllowedFunctionIDs = append([]string(nil), rec.AllowedFunctionIDs...)
	if rec.Tags != nil {
		out.Tags = make(map[string]string, len(rec.Tags))
		for k, v := range rec.Tags {
			out.Tags[k] = v
		}
	}
	if rec.LastRotatedAt != nil {
		t := *rec.LastRotatedAt
		out.LastRotatedAt = &t
	}
	if rec.NextRotationAt != nil {
		t := *rec.NextRotationAt
		out.NextRotationAt = &t
	}
	return out
}

func cloneCipher(cipher storage.SecretCipher) storage.SecretCipher {
	return storage.SecretCipher{
		Ciphertext:     append([]byte(nil), cipher.Ciphertext...),
		WrappedDataKey: append([]byte(nil), cipher.WrappedDataKey...),
	}
}

func cloneWallet(rec storage.WalletRecord) storage.WalletRecord {
	out := rec
	if rec.Tags != nil {
		out.Tags = make(map[string]string, len(rec.Tags))
		for k, v := range rec.Tags {
			out.Tags[k] = v
		}
	}
	return out
}
