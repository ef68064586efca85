package vault_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/neo-service-layer-sub002/internal/audit"
	"github.com/r3e-network/neo-service-layer-sub002/internal/core"
	"github.com/r3e-network/neo-service-layer-sub002/internal/storage"
	"github.com/r3e-network/neo-service-layer-sub002/internal/storage/memory"
	"github.com/r3e-network/neo-service-layer-sub002/tee/dispatch"
	"github.com/r3e-network/neo-service-layer-sub002/tee/enclave"
	"github.com/r3e-network/neo-service-layer-sub002/tee/vault"
)

type testVault struct {
	vault    *vault.Vault
	store    *memory.Store
	auditBuf *bytes.Buffer
}

func newTestVault(t *testing.T, masterKeyHex string) *testVault {
	t.Helper()

	rt, err := enclave.New(enclave.Config{Mode: enclave.ModeSimulation, EnclaveID: "test-enclave"})
	require.NoError(t, err)
	require.NoError(t, rt.Initialize(context.Background()))
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })

	store := memory.New()
	buf := &bytes.Buffer{}
	v, err := vault.New(vault.Config{
		Runtime:      rt,
		Store:        store,
		MasterKeyHex: masterKeyHex,
		Audit:        audit.New(buf),
	})
	require.NoError(t, err)

	return &testVault{vault: v, store: store, auditBuf: buf}
}

func createSecret(t *testing.T, tv *testVault, in vault.CreateSecretInput) vault.Secret {
	t.Helper()
	sec, err := tv.vault.CreateSecret(context.Background(), in)
	require.NoError(t, err)
	return sec
}

func TestNewValidatesMasterKey(t *testing.T) {
	rt, err := enclave.New(enclave.Config{Mode: enclave.ModeSimulation, EnclaveID: "test-enclave"})
	require.NoError(t, err)
	require.NoError(t, rt.Initialize(context.Background()))

	_, err = vault.New(vault.Config{Runtime: rt, Store: memory.New(), MasterKeyHex: "zz"})
	require.Error(t, err)
	assert.True(t, core.IsValidationError(err))

	_, err = vault.New(vault.Config{Runtime: rt, Store: memory.New(), MasterKeyHex: "abcd"})
	require.Error(t, err)
	assert.True(t, core.IsValidationError(err))

	_, err = vault.New(vault.Config{Store: memory.New()})
	require.Error(t, err)

	_, err = vault.New(vault.Config{Runtime: rt})
	require.Error(t, err)
}

func TestCreateSecretValidation(t *testing.T) {
	tv := newTestVault(t, "")
	ctx := context.Background()

	_, err := tv.vault.CreateSecret(ctx, vault.CreateSecretInput{Value: "v", AccountID: "acct"})
	assert.True(t, core.IsValidationError(err))

	_, err = tv.vault.CreateSecret(ctx, vault.CreateSecretInput{Name: "n", AccountID: "acct"})
	assert.True(t, core.IsValidationError(err))

	_, err = tv.vault.CreateSecret(ctx, vault.CreateSecretInput{Name: "n", Value: "v"})
	assert.True(t, core.IsValidationError(err))

	_, err = tv.vault.CreateSecret(ctx, vault.CreateSecretInput{
		Name: "n", Value: strings.Repeat("x", vault.MaxValueSize+1), AccountID: "acct",
	})
	assert.True(t, core.IsValidationError(err))
}

func TestSecretRoundTrip(t *testing.T) {
	tv := newTestVault(t, "")
	ctx := context.Background()

	sec := createSecret(t, tv, vault.CreateSecretInput{
		Name:        "api_key",
		Value:       "sk-live-12345",
		Description: "payments provider key",
		AccountID:   "acct-1",
	})
	assert.NotEmpty(t, sec.ID)
	assert.Equal(t, 1, sec.Version)

	got, err := tv.vault.GetSecret(ctx, sec.ID)
	require.NoError(t, err)
	assert.Equal(t, "api_key", got.Name)
	assert.Equal(t, "acct-1", got.AccountID)

	value, err := tv.vault.GetSecretValue(ctx, sec.ID, "acct-1", "")
	require.NoError(t, err)
	assert.Equal(t, "sk-live-12345", value)
}

func TestValueStoredEncrypted(t *testing.T) {
	tv := newTestVault(t, "")
	ctx := context.Background()

	sec := createSecret(t, tv, vault.CreateSecretInput{
		Name: "db_password", Value: "hunter2-hunter2", AccountID: "acct-1",
	})

	cipher, err := tv.store.GetSecretCipher(ctx, sec.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(cipher.Ciphertext), "hunter2")
	assert.NotContains(t, string(cipher.WrappedDataKey), "hunter2")
	assert.NotEmpty(t, cipher.WrappedDataKey)
}

func TestMasterKeyWrapsDataKeys(t *testing.T) {
	master := hex.EncodeToString(bytes.Repeat([]byte{0x42}, 32))
	tv := newTestVault(t, master)
	ctx := context.Background()

	sec := createSecret(t, tv, vault.CreateSecretInput{
		Name: "token", Value: "opaque-token", AccountID: "acct-1",
	})

	value, err := tv.vault.GetSecretValue(ctx, sec.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", value)

	// A vault holding a different master key cannot unwrap the data key.
	other := hex.EncodeToString(bytes.Repeat([]byte{0x43}, 32))
	rt, err := enclave.New(enclave.Config{Mode: enclave.ModeSimulation, EnclaveID: "other"})
	require.NoError(t, err)
	require.NoError(t, rt.Initialize(ctx))
	wrong, err := vault.New(vault.Config{Runtime: rt, Store: tv.store, MasterKeyHex: other})
	require.NoError(t, err)

	_, err = wrong.GetSecretValue(ctx, sec.ID, "", "")
	require.Error(t, err)
}

func TestFunctionAccessControl(t *testing.T) {
	tv := newTestVault(t, "")
	ctx := context.Background()

	sec := createSecret(t, tv, vault.CreateSecretInput{
		Name:               "api_key",
		Value:              "sk-live-12345",
		AccountID:          "acct-1",
		AllowedFunctionIDs: []string{"fn-allowed"},
	})

	value, err := tv.vault.GetSecretValue(ctx, sec.ID, "acct-1", "fn-allowed")
	require.NoError(t, err)
	assert.Equal(t, "sk-live-12345", value)

	_, err = tv.vault.GetSecretValue(ctx, sec.ID, "acct-1", "fn-other")
	require.Error(t, err)
	assert.Equal(t, core.KindAccessDenied, core.KindOf(err))

	// Both the grant and the denial are audited, without the value.
	lines := tv.auditBuf.String()
	assert.Contains(t, lines, `"outcome":"granted"`)
	assert.Contains(t, lines, `"outcome":"denied"`)
	assert.Contains(t, lines, "secret.value_accessed")
	assert.NotContains(t, lines, "sk-live-12345")
}

func TestCrossAccountReadsReportNotFound(t *testing.T) {
	tv := newTestVault(t, "")
	ctx := context.Background()

	sec := createSecret(t, tv, vault.CreateSecretInput{
		Name: "api_key", Value: "sk-live-12345", AccountID: "acct-1",
	})

	_, err := tv.vault.GetSecretValue(ctx, sec.ID, "acct-2", "")
	require.Error(t, err)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestFunctionSecretReturnsName(t *testing.T) {
	tv := newTestVault(t, "")
	ctx := context.Background()

	sec := createSecret(t, tv, vault.CreateSecretInput{
		Name:               "api_key",
		Value:              "sk-live-12345",
		AccountID:          "acct-1",
		AllowedFunctionIDs: []string{"fn-1"},
	})

	name, value, err := tv.vault.FunctionSecret(ctx, sec.ID, "acct-1", "fn-1")
	require.NoError(t, err)
	assert.Equal(t, "api_key", name)
	assert.Equal(t, "sk-live-12345", value)

	_, _, err = tv.vault.FunctionSecret(ctx, sec.ID, "acct-1", "")
	assert.True(t, core.IsValidationError(err))
}

func TestUpdateSecretMetadata(t *testing.T) {
	tv := newTestVault(t, "")
	ctx := context.Background()

	sec := createSecret(t, tv, vault.CreateSecretInput{
		Name: "api_key", Value: "v1", AccountID: "acct-1",
	})

	desc := "rotated weekly"
	allowed := []string{"fn-1", "fn-2"}
	period := 7 * 24 * time.Hour
	updated, err := tv.vault.UpdateSecret(ctx, sec.ID, vault.SecretUpdate{
		Description:        &desc,
		AllowedFunctionIDs: &allowed,
		RotationPeriod:     &period,
	})
	require.NoError(t, err)
	assert.Equal(t, "rotated weekly", updated.Description)
	assert.Equal(t, []string{"fn-1", "fn-2"}, updated.AllowedFunctionIDs)
	require.NotNil(t, updated.NextRotationAt)
	assert.Equal(t, 1, updated.Version, "metadata update must not bump the version")

	// Value is untouched by metadata updates.
	value, err := tv.vault.GetSecretValue(ctx, sec.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, "v1", value)

	_, err = tv.vault.UpdateSecret(ctx, "missing", vault.SecretUpdate{Description: &desc})
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestUpdateSecretValueBumpsVersionAndKey(t *testing.T) {
	tv := newTestVault(t, "")
	ctx := context.Background()

	sec := createSecret(t, tv, vault.CreateSecretInput{
		Name: "api_key", Value: "v1", AccountID: "acct-1",
	})
	before, err := tv.store.GetSecretCipher(ctx, sec.ID)
	require.NoError(t, err)

	updated, err := tv.vault.UpdateSecretValue(ctx, sec.ID, "v2")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	after, err := tv.store.GetSecretCipher(ctx, sec.ID)
	require.NoError(t, err)
	assert.NotEqual(t, before.WrappedDataKey, after.WrappedDataKey, "value update must issue a fresh data key")

	value, err := tv.vault.GetSecretValue(ctx, sec.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, "v2", value)
}

// slowWriteStore delays writes, widening the window between a read and the
// matching write so concurrent updates actually interleave.
type slowWriteStore struct {
	storage.SecretStore
	delay time.Duration
}

func (s *slowWriteStore) UpdateSecret(ctx context.Context, rec storage.SecretRecord, cipher *storage.SecretCipher, expectedVersion int) error {
	time.Sleep(s.delay)
	return s.SecretStore.UpdateSecret(ctx, rec, cipher, expectedVersion)
}

func TestConcurrentValueUpdatesNeverLoseVersions(t *testing.T) {
	rt, err := enclave.New(enclave.Config{Mode: enclave.ModeSimulation, EnclaveID: "test-enclave"})
	require.NoError(t, err)
	require.NoError(t, rt.Initialize(context.Background()))
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })

	mem := memory.New()
	v, err := vault.New(vault.Config{
		Runtime: rt,
		Store:   &slowWriteStore{SecretStore: mem, delay: 20 * time.Millisecond},
	})
	require.NoError(t, err)
	ctx := context.Background()

	sec, err := v.CreateSecret(ctx, vault.CreateSecretInput{
		Name: "shared", Value: "v0", AccountID: "acct-1",
	})
	require.NoError(t, err)

	const writers = 4
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = v.UpdateSecretValue(ctx, sec.ID, fmt.Sprintf("v%d", i+1))
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.Equal(t, core.KindConflict, core.KindOf(err))
	}
	require.NotZero(t, successes)

	after, err := mem.GetSecret(ctx, sec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1+successes, after.Version, "each successful update must bump the version exactly once")
}

func TestRotateSecretWithCallerValue(t *testing.T) {
	tv := newTestVault(t, "")
	ctx := context.Background()

	sec := createSecret(t, tv, vault.CreateSecretInput{
		Name: "api_key", Value: "v1", AccountID: "acct-1",
		Tags: map[string]string{"type": "api-key"},
	})
	before, err := tv.store.GetSecretCipher(ctx, sec.ID)
	require.NoError(t, err)

	rotated, err := tv.vault.RotateSecret(ctx, sec.ID, "caller-chosen-value")
	require.NoError(t, err)
	assert.Equal(t, 2, rotated.Version)
	require.NotNil(t, rotated.LastRotatedAt)

	// The explicit value wins over the type-derived replacement.
	value, err := tv.vault.GetSecretValue(ctx, sec.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, "caller-chosen-value", value)

	after, err := tv.store.GetSecretCipher(ctx, sec.ID)
	require.NoError(t, err)
	assert.NotEqual(t, before.WrappedDataKey, after.WrappedDataKey, "rotation must issue a fresh data key")

	_, err = tv.vault.RotateSecret(ctx, sec.ID, strings.Repeat("x", vault.MaxValueSize+1))
	assert.True(t, core.IsValidationError(err))
}

func TestRotateSecretDispatchCarriesNewValue(t *testing.T) {
	tv := newTestVault(t, "")
	ctx := context.Background()

	sec := createSecret(t, tv, vault.CreateSecretInput{
		Name: "api_key", Value: "v1", AccountID: "acct-1",
	})

	reg := dispatch.NewRegistry()
	tv.vault.Register(reg)
	d := dispatch.New(reg, audit.Nop(), nil)

	resp := d.Process(ctx, dispatch.Request{
		Operation: "rotateSecret",
		Payload:   json.RawMessage(fmt.Sprintf(`{"id":%q,"newValue":"caller-chosen-value"}`, sec.ID)),
	})
	require.True(t, resp.Success, resp.Error)

	value, err := tv.vault.GetSecretValue(ctx, sec.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, "caller-chosen-value", value)
}

func TestRotateSecretDerivesByType(t *testing.T) {
	tv := newTestVault(t, "")
	ctx := context.Background()

	cases := []struct {
		name  string
		tags  map[string]string
		check func(t *testing.T, value string)
	}{
		{
			name: "api-key",
			tags: map[string]string{"type": "api-key"},
			check: func(t *testing.T, value string) {
				raw, err := hex.DecodeString(value)
				require.NoError(t, err)
				assert.Len(t, raw, 32)
			},
		},
		{
			name: "password",
			tags: map[string]string{"type": "password"},
			check: func(t *testing.T, value string) {
				assert.Len(t, value, 24)
			},
		},
		{
			name: "default",
			tags: nil,
			check: func(t *testing.T, value string) {
				assert.Len(t, value, 32)
				for _, r := range value {
					assert.True(t, isAlphanumeric(r), "unexpected rune %q", r)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sec := createSecret(t, tv, vault.CreateSecretInput{
				Name: "rotate-" + tc.name, Value: "initial", AccountID: "acct-1", Tags: tc.tags,
			})

			rotated, err := tv.vault.RotateSecret(ctx, sec.ID, "")
			require.NoError(t, err)
			assert.Equal(t, 2, rotated.Version)
			require.NotNil(t, rotated.LastRotatedAt)

			value, err := tv.vault.GetSecretValue(ctx, sec.ID, "", "")
			require.NoError(t, err)
			assert.NotEqual(t, "initial", value)
			tc.check(t, value)
		})
	}
}

func TestRotateConnectionString(t *testing.T) {
	tv := newTestVault(t, "")
	ctx := context.Background()

	sec := createSecret(t, tv, vault.CreateSecretInput{
		Name:      "db_conn",
		Value:     "Server=db.internal;Database=app;User Id=svc;Password=old-pass;Timeout=30",
		AccountID: "acct-1",
		Tags:      map[string]string{"type": "connection-string"},
	})

	_, err := tv.vault.RotateSecret(ctx, sec.ID, "")
	require.NoError(t, err)

	value, err := tv.vault.GetSecretValue(ctx, sec.ID, "", "")
	require.NoError(t, err)
	assert.Contains(t, value, "Server=db.internal;")
	assert.Contains(t, value, "Database=app;")
	assert.Contains(t, value, "Timeout=30")
	assert.NotContains(t, value, "old-pass")
	assert.Contains(t, value, "Password=")

	// A connection string without a password segment cannot be rotated.
	broken := createSecret(t, tv, vault.CreateSecretInput{
		Name:      "db_conn_2",
		Value:     "Server=db.internal;Database=app",
		AccountID: "acct-1",
		Tags:      map[string]string{"type": "connection-string"},
	})
	_, err = tv.vault.RotateSecret(ctx, broken.ID, "")
	assert.True(t, core.IsValidationError(err))
}

func TestRotationVersionMonotonicAndCiphertextFresh(t *testing.T) {
	tv := newTestVault(t, "")
	ctx := context.Background()

	sec := createSecret(t, tv, vault.CreateSecretInput{
		Name: "api_key", Value: "initial", AccountID: "acct-1",
		Tags: map[string]string{"type": "api-key"},
	})

	seenCiphertexts := map[string]bool{}
	version := sec.Version
	for i := 0; i < 3; i++ {
		rotated, err := tv.vault.RotateSecret(ctx, sec.ID, "")
		require.NoError(t, err)
		assert.Greater(t, rotated.Version, version)
		version = rotated.Version

		cipher, err := tv.store.GetSecretCipher(ctx, sec.ID)
		require.NoError(t, err)
		key := string(cipher.Ciphertext)
		assert.False(t, seenCiphertexts[key], "ciphertext reused across rotations")
		seenCiphertexts[key] = true
	}
}

func TestRotationScheduling(t *testing.T) {
	tv := newTestVault(t, "")
	ctx := context.Background()

	sec := createSecret(t, tv, vault.CreateSecretInput{
		Name: "api_key", Value: "v", AccountID: "acct-1",
		RotationPeriod: time.Hour,
	})
	require.NotNil(t, sec.NextRotationAt)

	// Not due yet.
	due, err := tv.vault.DueForRotation(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = tv.vault.DueForRotation(ctx, time.Now().UTC().Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, sec.ID, due[0].ID)

	rotated, err := tv.vault.RotateSecret(ctx, sec.ID, "")
	require.NoError(t, err)
	require.NotNil(t, rotated.NextRotationAt)
	assert.True(t, rotated.NextRotationAt.After(time.Now().UTC().Add(30*time.Minute)))
}

func TestRotateDueSweep(t *testing.T) {
	tv := newTestVault(t, "")
	ctx := context.Background()

	// Due immediately: create with a period, then force NextRotationAt into
	// the past through the store.
	sec := createSecret(t, tv, vault.CreateSecretInput{
		Name: "due", Value: "v", AccountID: "acct-1", RotationPeriod: time.Minute,
	})
	rec, err := tv.store.GetSecret(ctx, sec.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Hour)
	rec.NextRotationAt = &past
	require.NoError(t, tv.store.UpdateSecret(ctx, rec, nil, rec.Version))

	createSecret(t, tv, vault.CreateSecretInput{
		Name: "not-due", Value: "v", AccountID: "acct-1", RotationPeriod: time.Hour,
	})

	rotated, err := tv.vault.RotateDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rotated)

	after, err := tv.store.GetSecret(ctx, sec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, after.Version)
	require.NotNil(t, after.NextRotationAt)
	assert.True(t, after.NextRotationAt.After(time.Now().UTC()))
}

func TestDeleteSecret(t *testing.T) {
	tv := newTestVault(t, "")
	ctx := context.Background()

	sec := createSecret(t, tv, vault.CreateSecretInput{
		Name: "gone", Value: "v", AccountID: "acct-1",
	})

	require.NoError(t, tv.vault.DeleteSecret(ctx, sec.ID))

	_, err := tv.vault.GetSecret(ctx, sec.ID)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))

	err = tv.vault.DeleteSecret(ctx, sec.ID)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestHasAccessAudited(t *testing.T) {
	tv := newTestVault(t, "")
	ctx := context.Background()

	sec := createSecret(t, tv, vault.CreateSecretInput{
		Name: "api_key", Value: "v", AccountID: "acct-1",
		AllowedFunctionIDs: []string{"fn-1"},
	})

	allowed, err := tv.vault.HasAccess(ctx, sec.ID, "fn-1")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = tv.vault.HasAccess(ctx, sec.ID, "fn-2")
	require.NoError(t, err)
	assert.False(t, allowed)

	lines := tv.auditBuf.String()
	assert.Contains(t, lines, "secret.access_checked")
	assert.Contains(t, lines, `"outcome":"granted"`)
	assert.Contains(t, lines, `"outcome":"denied"`)
}

func TestListSecretsScopedToAccount(t *testing.T) {
	tv := newTestVault(t, "")
	ctx := context.Background()

	createSecret(t, tv, vault.CreateSecretInput{Name: "a", Value: "v", AccountID: "acct-1"})
	createSecret(t, tv, vault.CreateSecretInput{Name: "b", Value: "v", AccountID: "acct-1"})
	createSecret(t, tv, vault.CreateSecretInput{Name: "c", Value: "v", AccountID: "acct-2"})

	secrets, err := tv.vault.ListSecrets(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, secrets, 2)

	all, err := tv.vault.ListSecrets(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDuplicateNamePerAccountConflicts(t *testing.T) {
	tv := newTestVault(t, "")
	ctx := context.Background()

	createSecret(t, tv, vault.CreateSecretInput{Name: "dup", Value: "v", AccountID: "acct-1"})

	_, err := tv.vault.CreateSecret(ctx, vault.CreateSecretInput{
		Name: "dup", Value: "v", AccountID: "acct-1",
	})
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))

	// Same name under another account is fine.
	_, err = tv.vault.CreateSecret(ctx, vault.CreateSecretInput{
		Name: "dup", Value: "v", AccountID: "acct-2",
	})
	require.NoError(t, err)
}

func isAlphanumeric(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return false
}
