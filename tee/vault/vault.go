// Package vault implements the enclave secret vault. Every secret value is
// encrypted under its own 256-bit data key, and the data key is wrapped
// under the vault master: either a provisioned master key or the enclave
// sealing key. Plaintext leaves the vault through exactly one operation,
// getSecretValue, and every read, grant and denial is audited.
package vault

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/neo-service-layer-sub002/internal/audit"
	"github.com/r3e-network/neo-service-layer-sub002/internal/core"
	"github.com/r3e-network/neo-service-layer-sub002/internal/crypto"
	"github.com/r3e-network/neo-service-layer-sub002/internal/storage"
	"github.com/r3e-network/neo-service-layer-sub002/pkg/logger"
	"github.com/r3e-network/neo-service-layer-sub002/tee/enclave"
)

// MaxValueSize caps a single secret value.
const MaxValueSize = 10 << 10

// Secret is the metadata view of a stored secret. The ciphertext and the
// wrapped data key never travel with it.
type Secret = storage.SecretRecord

// CreateSecretInput carries everything needed to store a new secret. Value
// is consumed during creation and never echoed back.
type CreateSecretInput struct {
	Name               string
	Value              string
	Description        string
	AccountID          string
	AllowedFunctionIDs []string
	Tags               map[string]string
	RotationPeriod     time.Duration
}

// SecretUpdate patches secret metadata. Nil fields are left unchanged; the
// name and the account binding are immutable because functions reference
// secrets by name.
type SecretUpdate struct {
	Description        *string
	AllowedFunctionIDs *[]string
	Tags               *map[string]string
	RotationPeriod     *time.Duration
}

// Config assembles a Vault.
type Config struct {
	// Runtime supplies enclave randomness and, when no master key is
	// provisioned, the sealing key that wraps data keys.
	Runtime enclave.Runtime
	Store   storage.SecretStore
	// MasterKeyHex, when set, is the hex-encoded 256-bit key wrapping
	// per-secret data keys instead of the enclave sealing key.
	MasterKeyHex string
	Audit        *audit.Sink
	Logger       *logger.Logger
}

// Vault stores secrets with per-secret envelope encryption.
type Vault struct {
	log     *logger.Logger
	runtime enclave.Runtime
	store   storage.SecretStore
	audit   *audit.Sink
	master  []byte
}

// New creates a Vault. When cfg.MasterKeyHex is empty, data keys are wrapped
// with the enclave sealing key, binding stored secrets to the enclave
// identity.
func New(cfg Config) (*Vault, error) {
	if cfg.Runtime == nil {
		return nil, core.RequiredError("runtime")
	}
	if cfg.Store == nil {
		return nil, core.RequiredError("store")
	}

	var master []byte
	if cfg.MasterKeyHex != "" {
		key, err := hex.DecodeString(cfg.MasterKeyHex)
		if err != nil {
			return nil, core.NewValidationError("masterKey", "not valid hex")
		}
		if len(key) != crypto.KeySize {
			return nil, core.NewValidationError("masterKey", fmt.Sprintf("must be %d bytes, got %d", crypto.KeySize, len(key)))
		}
		master = key
	}

	sink := cfg.Audit
	if sink == nil {
		sink = audit.Nop()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("vault")
	}

	return &Vault{
		log:     log,
		runtime: cfg.Runtime,
		store:   cfg.Store,
		audit:   sink,
		master:  master,
	}, nil
}

// CreateSecret encrypts and stores a new secret, returning its metadata.
func (v *Vault) CreateSecret(ctx context.Context, in CreateSecretInput) (Secret, error) {
	if in.Name == "" {
		return Secret{}, core.RequiredError("name")
	}
	if in.Value == "" {
		return Secret{}, core.RequiredError("value")
	}
	if in.AccountID == "" {
		return Secret{}, core.RequiredError("accountId")
	}
	if len(in.Value) > MaxValueSize {
		return Secret{}, core.NewValidationError("value", fmt.Sprintf("exceeds %d bytes", MaxValueSize))
	}
	if in.RotationPeriod < 0 {
		return Secret{}, core.NewValidationError("rotationPeriod", "must not be negative")
	}

	cipher, err := v.encryptValue(in.Value)
	if err != nil {
		return Secret{}, core.WrapServiceError("vault", "createSecret", err)
	}

	now := time.Now().UTC()
	rec := Secret{
		ID:                 uuid.NewString(),
		Name:               in.Name,
		Description:        in.Description,
		AccountID:          in.AccountID,
		AllowedFunctionIDs: append([]string(nil), in.AllowedFunctionIDs...),
		Tags:               cloneTags(in.Tags),
		Version:            1,
		RotationPeriod:     in.RotationPeriod,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if in.RotationPeriod > 0 {
		next := now.Add(in.RotationPeriod)
		rec.NextRotationAt = &next
	}

	if err := v.store.CreateSecret(ctx, rec, cipher); err != nil {
		return Secret{}, err
	}

	v.audit.Record(ctx, audit.Event{
		Type:       "secret.created",
		Actor:      in.AccountID,
		AccountID:  in.AccountID,
		Resource:   "secret",
		ResourceID: rec.ID,
		Outcome:    audit.OutcomeSuccess,
		Details:    map[string]string{"name": rec.Name},
	})
	v.log.WithFields(map[string]interface{}{
		"secret_id":  rec.ID,
		"account_id": rec.AccountID,
	}).Info("secret created")
	return rec, nil
}

// GetSecret returns secret metadata. It never returns the value.
func (v *Vault) GetSecret(ctx context.Context, id string) (Secret, error) {
	if id == "" {
		return Secret{}, core.RequiredError("id")
	}
	return v.store.GetSecret(ctx, id)
}

// GetSecretValue decrypts and returns the secret value. This is the sole
// plaintext exit of the vault. When functionID is set the secret's allowed
// list is enforced; grants and denials are both audited.
func (v *Vault) GetSecretValue(ctx context.Context, id, accountID, functionID string) (string, error) {
	_, value, err := v.readValue(ctx, id, accountID, functionID)
	return value, err
}

// FunctionSecret resolves a secret on behalf of an executing function and
// returns its name alongside the value, so the runtime can key the secrets
// object the way function code expects.
func (v *Vault) FunctionSecret(ctx context.Context, secretID, accountID, functionID string) (string, string, error) {
	if functionID == "" {
		return "", "", core.RequiredError("functionId")
	}
	rec, value, err := v.readValue(ctx, secretID, accountID, functionID)
	if err != nil {
		return "", "", err
	}
	return rec.Name, value, nil
}

func (v *Vault) readValue(ctx context.Context, id, accountID, functionID string) (Secret, string, error) {
	if id == "" {
		return Secret{}, "", core.RequiredError("id")
	}

	rec, err := v.store.GetSecret(ctx, id)
	if err != nil {
		return Secret{}, "", err
	}
	// A caller scoped to another account learns nothing, not even that
	// the id exists.
	if accountID != "" && rec.AccountID != accountID {
		return Secret{}, "", core.NewNotFoundError("secret", id)
	}

	actor := accountID
	if actor == "" {
		actor = "system"
	}
	if functionID != "" {
		actor = functionID
		if !contains(rec.AllowedFunctionIDs, functionID) {
			v.recordAccess(ctx, rec, actor, functionID, audit.OutcomeDenied)
			return Secret{}, "", core.NewAccessDeniedError("secret", id, functionID)
		}
	}

	cipher, err := v.store.GetSecretCipher(ctx, id)
	if err != nil {
		return Secret{}, "", err
	}
	value, err := v.decryptValue(cipher)
	if err != nil {
		return Secret{}, "", core.WrapServiceError("vault", "getSecretValue", err)
	}

	v.recordAccess(ctx, rec, actor, functionID, audit.OutcomeGranted)
	return rec, value, nil
}

// UpdateSecret patches secret metadata. Changing the rotation period
// reschedules the next rotation from the last one.
func (v *Vault) UpdateSecret(ctx context.Context, id string, upd SecretUpdate) (Secret, error) {
	if id == "" {
		return Secret{}, core.RequiredError("id")
	}

	rec, err := v.store.GetSecret(ctx, id)
	if err != nil {
		return Secret{}, err
	}

	if upd.Description != nil {
		rec.Description = *upd.Description
	}
	if upd.AllowedFunctionIDs != nil {
		rec.AllowedFunctionIDs = append([]string(nil), (*upd.AllowedFunctionIDs)...)
	}
	if upd.Tags != nil {
		rec.Tags = cloneTags(*upd.Tags)
	}
	if upd.RotationPeriod != nil {
		if *upd.RotationPeriod < 0 {
			return Secret{}, core.NewValidationError("rotationPeriod", "must not be negative")
		}
		rec.RotationPeriod = *upd.RotationPeriod
		rec.NextRotationAt = nil
		if rec.RotationPeriod > 0 {
			base := time.Now().UTC()
			if rec.LastRotatedAt != nil {
				base = *rec.LastRotatedAt
			}
			next := base.Add(rec.RotationPeriod)
			rec.NextRotationAt = &next
		}
	}
	rec.UpdatedAt = time.Now().UTC()

	if err := v.store.UpdateSecret(ctx, rec, nil, rec.Version); err != nil {
		return Secret{}, err
	}

	v.audit.Record(ctx, audit.Event{
		Type:       "secret.updated",
		Actor:      rec.AccountID,
		AccountID:  rec.AccountID,
		Resource:   "secret",
		ResourceID: rec.ID,
		Outcome:    audit.OutcomeSuccess,
	})
	return rec, nil
}

// UpdateSecretValue re-encrypts the secret with the given value under a
// fresh data key and bumps the version.
func (v *Vault) UpdateSecretValue(ctx context.Context, id, value string) (Secret, error) {
	if value == "" {
		return Secret{}, core.RequiredError("value")
	}
	if len(value) > MaxValueSize {
		return Secret{}, core.NewValidationError("value", fmt.Sprintf("exceeds %d bytes", MaxValueSize))
	}

	rec, err := v.rewrap(ctx, id, value, nil)
	if err != nil {
		return Secret{}, err
	}

	v.audit.Record(ctx, audit.Event{
		Type:       "secret.value_updated",
		Actor:      rec.AccountID,
		AccountID:  rec.AccountID,
		Resource:   "secret",
		ResourceID: rec.ID,
		Outcome:    audit.OutcomeSuccess,
		Details:    map[string]string{"version": fmt.Sprint(rec.Version)},
	})
	return rec, nil
}

// RotateSecret replaces the secret value, re-encrypts it under a fresh data
// key and reschedules the next rotation. A caller-supplied newValue is
// stored verbatim; when empty, a replacement is derived from the secret's
// "type" tag. The stored value is never returned.
func (v *Vault) RotateSecret(ctx context.Context, id, newValue string) (Secret, error) {
	if id == "" {
		return Secret{}, core.RequiredError("id")
	}
	if len(newValue) > MaxValueSize {
		return Secret{}, core.NewValidationError("newValue", fmt.Sprintf("exceeds %d bytes", MaxValueSize))
	}

	rec, err := v.store.GetSecret(ctx, id)
	if err != nil {
		return Secret{}, err
	}

	value := newValue
	if value == "" {
		value, err = v.rotatedValue(ctx, rec)
		if err != nil {
			return Secret{}, err
		}
	}

	now := time.Now().UTC()
	rec, err = v.rewrap(ctx, id, value, func(rec *Secret) {
		rec.LastRotatedAt = &now
		rec.NextRotationAt = nil
		if rec.RotationPeriod > 0 {
			next := now.Add(rec.RotationPeriod)
			rec.NextRotationAt = &next
		}
	})
	if err != nil {
		return Secret{}, err
	}

	v.audit.Record(ctx, audit.Event{
		Type:       "secret.rotated",
		Actor:      "system",
		AccountID:  rec.AccountID,
		Resource:   "secret",
		ResourceID: rec.ID,
		Outcome:    audit.OutcomeSuccess,
		Details: map[string]string{
			"type":    rec.Tags["type"],
			"version": fmt.Sprint(rec.Version),
		},
	})
	v.log.WithFields(map[string]interface{}{
		"secret_id": rec.ID,
		"version":   rec.Version,
	}).Info("secret rotated")
	return rec, nil
}

// rotatedValue derives the replacement value for a rotation from the
// secret's "type" tag.
func (v *Vault) rotatedValue(ctx context.Context, rec Secret) (string, error) {
	switch rec.Tags["type"] {
	case "api-key":
		raw, err := v.runtime.GenerateRandom(crypto.KeySize)
		if err != nil {
			return "", core.WrapServiceError("vault", "rotateSecret", err)
		}
		return hex.EncodeToString(raw), nil
	case "password":
		value, err := crypto.RandomPassword(24)
		if err != nil {
			return "", core.WrapServiceError("vault", "rotateSecret", err)
		}
		return value, nil
	case "connection-string":
		_, current, err := v.readValue(ctx, rec.ID, "", "")
		if err != nil {
			return "", err
		}
		password, err := crypto.RandomAlphanumeric(24)
		if err != nil {
			return "", core.WrapServiceError("vault", "rotateSecret", err)
		}
		return rotateConnectionString(current, password)
	default:
		value, err := crypto.RandomAlphanumeric(32)
		if err != nil {
			return "", core.WrapServiceError("vault", "rotateSecret", err)
		}
		return value, nil
	}
}

// rotateConnectionString replaces the password segment of a semicolon
// separated connection string, preserving every other segment verbatim.
func rotateConnectionString(current, password string) (string, error) {
	parts := strings.Split(current, ";")
	replaced := false
	for i, part := range parts {
		key, _, ok := strings.Cut(part, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "password") {
			continue
		}
		parts[i] = key + "=" + password
		replaced = true
	}
	if !replaced {
		return "", core.NewValidationError("value", "connection string has no password segment")
	}
	return strings.Join(parts, ";"), nil
}

// rewrapAttempts bounds the read-bump-write retries when concurrent
// writers race on one secret.
const rewrapAttempts = 3

// rewrap encrypts value under a fresh data key and commits it together with
// the bumped metadata record. The write is conditional on the version read,
// so two racing writers can never collapse their bumps into one: the loser
// re-reads and retries, and every committed update owns a distinct version.
// mutate, when non-nil, adjusts the record before the write.
func (v *Vault) rewrap(ctx context.Context, id, value string, mutate func(*Secret)) (Secret, error) {
	if id == "" {
		return Secret{}, core.RequiredError("id")
	}

	cipher, err := v.encryptValue(value)
	if err != nil {
		return Secret{}, core.WrapServiceError("vault", "updateSecretValue", err)
	}

	var lastErr error
	for attempt := 0; attempt < rewrapAttempts; attempt++ {
		rec, err := v.store.GetSecret(ctx, id)
		if err != nil {
			return Secret{}, err
		}

		prior := rec.Version
		rec.Version++
		rec.UpdatedAt = time.Now().UTC()
		if mutate != nil {
			mutate(&rec)
		}

		err = v.store.UpdateSecret(ctx, rec, &cipher, prior)
		if err == nil {
			return rec, nil
		}
		if core.KindOf(err) != core.KindConflict {
			return Secret{}, err
		}
		lastErr = err
	}
	return Secret{}, lastErr
}

// DeleteSecret removes the secret, its ciphertext and its wrapped data key.
func (v *Vault) DeleteSecret(ctx context.Context, id string) error {
	if id == "" {
		return core.RequiredError("id")
	}

	rec, err := v.store.GetSecret(ctx, id)
	if err != nil {
		return err
	}
	if err := v.store.DeleteSecret(ctx, id); err != nil {
		return err
	}

	v.audit.Record(ctx, audit.Event{
		Type:       "secret.deleted",
		Actor:      rec.AccountID,
		AccountID:  rec.AccountID,
		Resource:   "secret",
		ResourceID: id,
		Outcome:    audit.OutcomeSuccess,
	})
	return nil
}

// HasAccess reports whether the function may read the secret. The check
// itself is audited.
func (v *Vault) HasAccess(ctx context.Context, id, functionID string) (bool, error) {
	if id == "" {
		return false, core.RequiredError("id")
	}
	if functionID == "" {
		return false, core.RequiredError("functionId")
	}

	rec, err := v.store.GetSecret(ctx, id)
	if err != nil {
		return false, err
	}

	allowed := contains(rec.AllowedFunctionIDs, functionID)
	outcome := audit.OutcomeDenied
	if allowed {
		outcome = audit.OutcomeGranted
	}
	v.audit.Record(ctx, audit.Event{
		Type:       "secret.access_checked",
		Actor:      functionID,
		AccountID:  rec.AccountID,
		Resource:   "secret",
		ResourceID: id,
		Outcome:    outcome,
		Details:    map[string]string{"function_id": functionID},
	})
	return allowed, nil
}

// ListSecrets returns metadata for the account's secrets, every account
// when accountID is empty.
func (v *Vault) ListSecrets(ctx context.Context, accountID string) ([]Secret, error) {
	return v.store.ListSecrets(ctx, accountID)
}

// DueForRotation lists secrets whose next rotation is at or before now.
func (v *Vault) DueForRotation(ctx context.Context, now time.Time) ([]Secret, error) {
	return v.store.ListSecretsDueForRotation(ctx, now)
}

// RotateDue rotates every secret due at the time of the call and reports
// how many rotated. A failing secret is logged and skipped so one bad
// record cannot stall the sweep.
func (v *Vault) RotateDue(ctx context.Context) (int, error) {
	due, err := v.DueForRotation(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	rotated := 0
	for _, rec := range due {
		if _, err := v.RotateSecret(ctx, rec.ID, ""); err != nil {
			v.log.WithError(err).WithField("secret_id", rec.ID).Warn("rotation sweep: secret skipped")
			continue
		}
		rotated++
	}
	if len(due) > 0 {
		v.log.WithFields(map[string]interface{}{
			"due":     len(due),
			"rotated": rotated,
		}).Info("rotation sweep finished")
	}
	return rotated, nil
}

func (v *Vault) recordAccess(ctx context.Context, rec Secret, actor, functionID string, outcome audit.Outcome) {
	details := map[string]string{}
	if functionID != "" {
		details["function_id"] = functionID
	}
	v.audit.Record(ctx, audit.Event{
		Type:       "secret.value_accessed",
		Actor:      actor,
		AccountID:  rec.AccountID,
		Resource:   "secret",
		ResourceID: rec.ID,
		Outcome:    outcome,
		Details:    details,
	})
}

// encryptValue encrypts value under a fresh data key and wraps the data key
// under the vault master.
func (v *Vault) encryptValue(value string) (storage.SecretCipher, error) {
	dataKey, err := v.runtime.GenerateRandom(crypto.KeySize)
	if err != nil {
		return storage.SecretCipher{}, fmt.Errorf("generate data key: %w", err)
	}
	defer crypto.ZeroBytes(dataKey)

	ciphertext, err := crypto.Encrypt(dataKey, []byte(value))
	if err != nil {
		return storage.SecretCipher{}, fmt.Errorf("encrypt value: %w", err)
	}

	wrapped, err := v.wrapDataKey(dataKey)
	if err != nil {
		return storage.SecretCipher{}, fmt.Errorf("wrap data key: %w", err)
	}
	return storage.SecretCipher{Ciphertext: ciphertext, WrappedDataKey: wrapped}, nil
}

func (v *Vault) decryptValue(cipher storage.SecretCipher) (string, error) {
	dataKey, err := v.unwrapDataKey(cipher.WrappedDataKey)
	if err != nil {
		return "", fmt.Errorf("unwrap data key: %w", err)
	}
	defer crypto.ZeroBytes(dataKey)

	plaintext, err := crypto.Decrypt(dataKey, cipher.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt value: %w", err)
	}
	value := string(plaintext)
	crypto.ZeroBytes(plaintext)
	return value, nil
}

func (v *Vault) wrapDataKey(dataKey []byte) ([]byte, error) {
	if v.master != nil {
		return crypto.Encrypt(v.master, dataKey)
	}
	return v.runtime.Seal(dataKey)
}

func (v *Vault) unwrapDataKey(wrapped []byte) ([]byte, error) {
	if v.master != nil {
		return crypto.Decrypt(v.master, wrapped)
	}
	return v.runtime.Unseal(wrapped)
}

func cloneTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

func contains(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
