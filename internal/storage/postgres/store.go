// Package postgres implements the secret and wallet storage collaborators
// on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/r3e-network/neo-service-layer-sub002/internal/core"
	"github.com/r3e-network/neo-service-layer-sub002/internal/storage"
)

// Store implements storage.SecretStore and storage.WalletStore.
type Store struct {
	db *sqlx.DB
}

var _ storage.SecretStore = (*Store)(nil)
var _ storage.WalletStore = (*Store)(nil)

// Open connects to dsn, applies pending migrations and returns the store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an existing handle. Migrations are the caller's concern.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// Close releases the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- row types ----------------------------------------------------------

type secretRow struct {
	ID                    string       `db:"id"`
	Name                  string       `db:"name"`
	Description           string       `db:"description"`
	AccountID             string       `db:"account_id"`
	AllowedFunctionIDs    []byte       `db:"allowed_function_ids"`
	Tags                  []byte       `db:"tags"`
	Version               int          `db:"version"`
	RotationPeriodSeconds int64        `db:"rotation_period_seconds"`
	LastRotatedAt         sql.NullTime `db:"last_rotated_at"`
	NextRotationAt        sql.NullTime `db:"next_rotation_at"`
	CreatedAt             time.Time    `db:"created_at"`
	UpdatedAt             time.Time    `db:"updated_at"`
}

func (r secretRow) toRecord() (storage.SecretRecord, error) {
	rec := storage.SecretRecord{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		AccountID:      r.AccountID,
		Version:        r.Version,
		RotationPeriod: time.Duration(r.RotationPeriodSeconds) * time.Second,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if len(r.AllowedFunctionIDs) > 0 {
		if err := json.Unmarshal(r.AllowedFunctionIDs, &rec.AllowedFunctionIDs); err != nil {
			return rec, fmt.Errorf("decode allowed_function_ids: %w", err)
		}
	}
	if len(r.Tags) > 0 {
		if err := json.Unmarshal(r.Tags, &rec.Tags); err != nil {
			return rec, fmt.Errorf("decode tags: %w", err)
		}
	}
	if r.LastRotatedAt.Valid {
		t := r.LastRotatedAt.Time
		rec.LastRotatedAt = &t
	}
	if r.NextRotationAt.Valid {
		t := r.NextRotationAt.Time
		rec.NextRotationAt = &t
	}
	return rec, nil
}

type walletRow struct {
	ID           string    `db:"id"`
	Name         string    `db:"name"`
	AccountID    string    `db:"account_id"`
	Address      string    `db:"address"`
	ScriptHash   string    `db:"script_hash"`
	PublicKey    string    `db:"public_key"`
	EncryptedKey string    `db:"encrypted_key"`
	Tags         []byte    `db:"tags"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r walletRow) toRecord() (storage.WalletRecord, error) {
	rec := storage.WalletRecord{
		ID:           r.ID,
		Name:         r.Name,
		AccountID:    r.AccountID,
		Address:      r.Address,
		ScriptHash:   r.ScriptHash,
		PublicKey:    r.PublicKey,
		EncryptedKey: r.EncryptedKey,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if len(r.Tags) > 0 {
		if err := json.Unmarshal(r.Tags, &rec.Tags); err != nil {
			return rec, fmt.Errorf("decode tags: %w", err)
		}
	}
	return rec, nil
}

// --- SecretStore ----------------------------------------------------------

const secretColumns = `id, name, description, account_id, allowed_function_ids, tags,
	version, rotation_period_seconds, last_rotated_at, next_rotation_at, created_at, updated_at`

func (s *Store) CreateSecret(ctx context.Context, rec storage.SecretRecord, cipher storage.SecretCipher) error {
	allowed, tags, err := encodeSecretJSON(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO enclave_secrets (`+secretColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rec.ID, rec.Name, rec.Description, rec.AccountID, allowed, tags,
		rec.Version, int64(rec.RotationPeriod/time.Second),
		nullTime(rec.LastRotatedAt), nullTime(rec.NextRotationAt),
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return translateError("secret", rec.Name, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO enclave_secret_ciphers (secret_id, ciphertext, wrapped_data_key)
		VALUES ($1, $2, $3)
	`, rec.ID, cipher.Ciphertext, cipher.WrappedDataKey)
	if err != nil {
		return translateError("secret", rec.ID, err)
	}

	return tx.Commit()
}

func (s *Store) GetSecret(ctx context.Context, id string) (storage.SecretRecord, error) {
	var row secretRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+secretColumns+` FROM enclave_secrets WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SecretRecord{}, core.NewNotFoundError("secret", id)
		}
		return storage.SecretRecord{}, err
	}
	return row.toRecord()
}

func (s *Store) GetSecretByName(ctx context.Context, accountID, name string) (storage.SecretRecord, error) {
	var row secretRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+secretColumns+` FROM enclave_secrets WHERE account_id = $1 AND name = $2
	`, accountID, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SecretRecord{}, core.NewNotFoundError("secret", name)
		}
		return storage.SecretRecord{}, err
	}
	return row.toRecord()
}

func (s *Store) GetSecretCipher(ctx context.Context, id string) (storage.SecretCipher, error) {
	var cipher storage.SecretCipher
	err := s.db.QueryRowxContext(ctx, `
		SELECT ciphertext, wrapped_data_key FROM enclave_secret_ciphers WHERE secret_id = $1
	`, id).Scan(&cipher.Ciphertext, &cipher.WrappedDataKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SecretCipher{}, core.NewNotFoundError("secret", id)
		}
		return storage.SecretCipher{}, err
	}
	return cipher, nil
}

func (s *Store) UpdateSecret(ctx context.Context, rec storage.SecretRecord, cipher *storage.SecretCipher, expectedVersion int) error {
	allowed, tags, err := encodeSecretJSON(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE enclave_secrets
		SET name = $2, description = $3, allowed_function_ids = $4, tags = $5,
		    version = $6, rotation_period_seconds = $7, last_rotated_at = $8,
		    next_rotation_at = $9, updated_at = $10
		WHERE id = $1 AND version = $11
	`, rec.ID, rec.Name, rec.Description, allowed, tags,
		rec.Version, int64(rec.RotationPeriod/time.Second),
		nullTime(rec.LastRotatedAt), nullTime(rec.NextRotationAt), rec.UpdatedAt,
		expectedVersion)
	if err != nil {
		return translateError("secret", rec.ID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		// Zero rows is either a missing secret or a concurrent writer that
		// moved the version past what we read.
		var current int
		err := tx.QueryRowxContext(ctx, `
			SELECT version FROM enclave_secrets WHERE id = $1
		`, rec.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return core.NewNotFoundError("secret", rec.ID)
		}
		if err != nil {
			return err
		}
		return core.NewConflictError("secret", rec.ID,
			fmt.Sprintf("version is %d, expected %d", current, expectedVersion))
	}

	if cipher != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE enclave_secret_ciphers
			SET ciphertext = $2, wrapped_data_key = $3
			WHERE secret_id = $1
		`, rec.ID, cipher.Ciphertext, cipher.WrappedDataKey)
		if err != nil {
			return translateError("secret", rec.ID, err)
		}
	}

	return tx.Commit()
}

func (s *Store) DeleteSecret(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM enclave_secrets WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return core.NewNotFoundError("secret", id)
	}
	return nil
}

// ListSecrets lists one account's secrets, or every secret when accountID
// is empty, matching the memory store's contract.
func (s *Store) ListSecrets(ctx context.Context, accountID string) ([]storage.SecretRecord, error) {
	query := `SELECT ` + secretColumns + ` FROM enclave_secrets ORDER BY created_at`
	args := []any{}
	if accountID != "" {
		query = `SELECT ` + secretColumns + ` FROM enclave_secrets WHERE account_id = $1 ORDER BY created_at`
		args = append(args, accountID)
	}

	var rows []secretRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return secretRowsToRecords(rows)
}

func (s *Store) ListSecretsDueForRotation(ctx context.Context, now time.Time) ([]storage.SecretRecord, error) {
	var rows []secretRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+secretColumns+` FROM enclave_secrets
		WHERE next_rotation_at IS NOT NULL AND next_rotation_at <= $1
		ORDER BY next_rotation_at
	`, now)
	if err != nil {
		return nil, err
	}
	return secretRowsToRecords(rows)
}

// --- WalletStore ------------------------------------------------------------

const walletColumns = `id, name, account_id, address, script_hash, public_key,
	encrypted_key, tags, created_at, updated_at`

func (s *Store) CreateWallet(ctx context.Context, rec storage.WalletRecord) error {
	tags, err := encodeTags(rec.Tags)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO enclave_wallets (`+walletColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ID, rec.Name, rec.AccountID, rec.Address, rec.ScriptHash,
		rec.PublicKey, rec.EncryptedKey, tags, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return translateError("wallet", rec.Name, err)
	}
	return nil
}

func (s *Store) GetWallet(ctx context.Context, id string) (storage.WalletRecord, error) {
	var row walletRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+walletColumns+` FROM enclave_wallets WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.WalletRecord{}, core.NewNotFoundError("wallet", id)
		}
		return storage.WalletRecord{}, err
	}
	return row.toRecord()
}

func (s *Store) GetWalletByName(ctx context.Context, accountID, name string) (storage.WalletRecord, error) {
	var row walletRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+walletColumns+` FROM enclave_wallets WHERE account_id = $1 AND name = $2
	`, accountID, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.WalletRecord{}, core.NewNotFoundError("wallet", name)
		}
		return storage.WalletRecord{}, err
	}
	return row.toRecord()
}

func (s *Store) UpdateWallet(ctx context.Context, rec storage.WalletRecord) error {
	tags, err := encodeTags(rec.Tags)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE enclave_wallets
		SET name = $2, address = $3, script_hash = $4, public_key = $5,
		    encrypted_key = $6, tags = $7, updated_at = $8
		WHERE id = $1
	`, rec.ID, rec.Name, rec.Address, rec.ScriptHash, rec.PublicKey,
		rec.EncryptedKey, tags, rec.UpdatedAt)
	if err != nil {
		return translateError("wallet", rec.ID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return core.NewNotFoundError("wallet", rec.ID)
	}
	return nil
}

func (s *Store) DeleteWallet(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM enclave_wallets WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return core.NewNotFoundError("wallet", id)
	}
	return nil
}

// ListWallets lists one account's wallets, or every wallet when accountID
// is empty.
func (s *Store) ListWallets(ctx context.Context, accountID string) ([]storage.WalletRecord, error) {
	query := `SELECT ` + walletColumns + ` FROM enclave_wallets ORDER BY created_at`
	args := []any{}
	if accountID != "" {
		query = `SELECT ` + walletColumns + ` FROM enclave_wallets WHERE account_id = $1 ORDER BY created_at`
		args = append(args, accountID)
	}

	var rows []walletRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	out := make([]storage.WalletRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// --- helpers ------------------------------------------------------------

func encodeSecretJSON(rec storage.SecretRecord) (allowed, tags []byte, err error) {
	ids := rec.AllowedFunctionIDs
	if ids == nil {
		ids = []string{}
	}
	allowed, err = json.Marshal(ids)
	if err != nil {
		return nil, nil, fmt.Errorf("encode allowed_function_ids: %w", err)
	}
	tags, err = encodeTags(rec.Tags)
	return allowed, tags, err
}

func encodeTags(in map[string]string) ([]byte, error) {
	if in == nil {
		in = map[string]string{}
	}
	tags, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	return tags, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// translateError maps driver errors onto the shared taxonomy.
func translateError(resource, id string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return core.NewConflictError(resource, id, "already exists")
	}
	return err
}

func secretRowsToRecords(rows []secretRow) ([]storage.SecretRecord, error) {
	out := make([]storage.SecretRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
