package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/neo-service-layer-sub002/internal/core"
	"github.com/r3e-network/neo-service-layer-sub002/internal/storage"
)

func secretFixture(id, accountID, name string) storage.SecretRecord {
	now := time.Now().UTC()
	return storage.SecretRecord{
		ID:                 id,
		Name:               name,
		AccountID:          accountID,
		AllowedFunctionIDs: []string{"fn-1"},
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestSecretLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	rec := secretFixture("sec-1", "acct-1", "db-password")
	cipher := storage.SecretCipher{Ciphertext: []byte{1, 2}, WrappedDataKey: []byte{3, 4}}

	require.NoError(t, s.CreateSecret(ctx, rec, cipher))

	got, err := s.GetSecret(ctx, "sec-1")
	require.NoError(t, err)
	assert.Equal(t, "db-password", got.Name)

	gotCipher, err := s.GetSecretCipher(ctx, "sec-1")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, gotCipher.Ciphertext)

	byName, err := s.GetSecretByName(ctx, "acct-1", "db-password")
	require.NoError(t, err)
	assert.Equal(t, "sec-1", byName.ID)

	rec.Version = 2
	newCipher := storage.SecretCipher{Ciphertext: []byte{9}, WrappedDataKey: []byte{8}}
	require.NoError(t, s.UpdateSecret(ctx, rec, &newCipher, 1))

	got, err = s.GetSecret(ctx, "sec-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	require.NoError(t, s.DeleteSecret(ctx, "sec-1"))
	_, err = s.GetSecret(ctx, "sec-1")
	assert.True(t, core.IsNotFound(err))
	_, err = s.GetSecretCipher(ctx, "sec-1")
	assert.True(t, core.IsNotFound(err), "cipher must be removed with the secret")
}

func TestUpdateSecretRejectsStaleVersion(t *testing.T) {
	s := New()
	ctx := context.Background()

	rec := secretFixture("sec-1", "acct-1", "k")
	require.NoError(t, s.CreateSecret(ctx, rec, storage.SecretCipher{Ciphertext: []byte{1}}))

	rec.Version = 2
	require.NoError(t, s.UpdateSecret(ctx, rec, nil, 1))

	// A writer that read version 1 before the bump must not clobber it.
	stale := rec
	stale.Version = 2
	err := s.UpdateSecret(ctx, stale, nil, 1)
	assert.True(t, core.IsConflict(err))

	got, err := s.GetSecret(ctx, "sec-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

func TestCreateSecretConflicts(t *testing.T) {
	s := New()
	ctx := context.Background()
	cipher := storage.SecretCipher{Ciphertext: []byte{1}}

	require.NoError(t, s.CreateSecret(ctx, secretFixture("sec-1", "acct-1", "k"), cipher))

	err := s.CreateSecret(ctx, secretFixture("sec-1", "acct-2", "other"), cipher)
	assert.True(t, core.IsConflict(err))

	err = s.CreateSecret(ctx, secretFixture("sec-2", "acct-1", "k"), cipher)
	assert.True(t, core.IsConflict(err), "duplicate name within one account must conflict")

	err = s.CreateSecret(ctx, secretFixture("sec-3", "acct-2", "k"), cipher)
	assert.NoError(t, err, "same name under a different account is allowed")
}

func TestListSecretsDueForRotation(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	due := secretFixture("sec-due", "acct-1", "due")
	past := now.Add(-time.Hour)
	due.NextRotationAt = &past

	future := secretFixture("sec-later", "acct-1", "later")
	ahead := now.Add(time.Hour)
	future.NextRotationAt = &ahead

	never := secretFixture("sec-never", "acct-1", "never")

	cipher := storage.SecretCipher{Ciphertext: []byte{1}}
	require.NoError(t, s.CreateSecret(ctx, due, cipher))
	require.NoError(t, s.CreateSecret(ctx, future, cipher))
	require.NoError(t, s.CreateSecret(ctx, never, cipher))

	dueList, err := s.ListSecretsDueForRotation(ctx, now)
	require.NoError(t, err)
	require.Len(t, dueList, 1)
	assert.Equal(t, "sec-due", dueList[0].ID)
}

func TestSecretRecordsAreIsolatedCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	rec := secretFixture("sec-1", "acct-1", "k")
	require.NoError(t, s.CreateSecret(ctx, rec, storage.SecretCipher{Ciphertext: []byte{1}}))

	got, err := s.GetSecret(ctx, "sec-1")
	require.NoError(t, err)
	got.AllowedFunctionIDs[0] = "tampered"

	again, err := s.GetSecret(ctx, "sec-1")
	require.NoError(t, err)
	assert.Equal(t, "fn-1", again.AllowedFunctionIDs[0])
}

func TestWalletLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	rec := storage.WalletRecord{
		ID:           "w-1",
		Name:         "hot",
		AccountID:    "acct-1",
		Address:      "NVG7LhLKXkfutZzsGkkje1dQ1CBzd4tNiK",
		EncryptedKey: "6PY...",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	require.NoError(t, s.CreateWallet(ctx, rec))

	err := s.CreateWallet(ctx, storage.WalletRecord{ID: "w-2", Name: "hot", AccountID: "acct-1"})
	assert.True(t, core.IsConflict(err))

	got, err := s.GetWallet(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, "hot", got.Name)

	byName, err := s.GetWalletByName(ctx, "acct-1", "hot")
	require.NoError(t, err)
	assert.Equal(t, "w-1", byName.ID)

	list, err := s.ListWallets(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteWallet(ctx, "w-1"))
	_, err = s.GetWallet(ctx, "w-1")
	assert.True(t, core.IsNotFound(err))
}

func TestKVStoreScopesByFunction(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "fn-1", "counter", "1"))
	require.NoError(t, s.Set(ctx, "fn-2", "counter", "2"))

	v1, err := s.Get(ctx, "fn-1", "counter")
	require.NoError(t, err)
	v2, err := s.Get(ctx, "fn-2", "counter")
	require.NoError(t, err)

	assert.Equal(t, "1", v1)
	assert.Equal(t, "2", v2)

	require.NoError(t, s.Delete(ctx, "fn-1", "counter"))
	_, err = s.Get(ctx, "fn-1", "counter")
	assert.True(t, core.IsNotFound(err))

	_, err = s.Get(ctx, "fn-2", "counter")
	assert.NoError(t, err, "deleting one function's key must not affect another's")

	err = s.Delete(ctx, "fn-1", "counter")
	assert.True(t, core.IsNotFound(err))
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.Set(ctx, "fn-1", "k", "v")
			_, _ = s.Get(ctx, "fn-1", "k")
			_, _ = s.ListSecrets(ctx, "acct-1")
		}(i)
	}
	wg.Wait()
}
