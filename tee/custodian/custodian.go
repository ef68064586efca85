// Package custodian manages the enclave's wallets: key generation, WIF
// import, NEP-2 password encryption at rest, data signing and NEP-17
// transfers. Private keys exist in plaintext only inside a call and never
// appear in responses, logs or audit records.
package custodian

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/nspcc-dev/neo-go/pkg/wallet"
	"github.com/shopspring/decimal"

	"github.com/r3e-network/neo-service-layer-sub002/internal/audit"
	"github.com/r3e-network/neo-service-layer-sub002/internal/chain"
	"github.com/r3e-network/neo-service-layer-sub002/internal/core"
	"github.com/r3e-network/neo-service-layer-sub002/internal/storage"
	"github.com/r3e-network/neo-service-layer-sub002/pkg/logger"
)

// The service wallet is the one wallet the enclave itself signs with. It is
// provisioned from configuration and owned by the system account.
const (
	ServiceWalletName = "service-wallet"
	ServiceAccountID  = "system"
)

const (
	neoDecimals = 0
	gasDecimals = 8
)

// Wallet is the metadata view of a custodied wallet. The NEP-2 encrypted key
// is stripped before a record leaves the custodian.
type Wallet = storage.WalletRecord

// CreateWalletInput carries everything needed to create a wallet. The
// password encrypts the private key at rest and is needed again for every
// signing operation.
type CreateWalletInput struct {
	Name      string
	AccountID string
	Password  string
	Tags      map[string]string
}

// ImportWalletInput imports an existing WIF-encoded key.
type ImportWalletInput struct {
	WIF       string
	Name      string
	AccountID string
	Password  string
	Tags      map[string]string
}

// TransferInput describes one NEP-17 transfer. Amount is denominated in
// whole tokens and converted to base units against the token's decimals.
type TransferInput struct {
	WalletID  string
	AccountID string
	ToAddress string
	Amount    decimal.Decimal
	Password  string
	// TokenHash selects the token contract for TransferToken. TransferNeo
	// and TransferGas ignore it.
	TokenHash string
	// Network names the chain the caller expects to transfer on. When set
	// it must match the connected network; empty skips the check.
	Network string
}

// TransferResult reports a broadcast transfer.
type TransferResult struct {
	TxHash string `json:"txHash"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Asset  string `json:"asset"`
}

// Config assembles a Custodian.
type Config struct {
	Store storage.WalletStore
	// Client and Builder connect transfers to the chain. Both may be nil,
	// which disables the transfer operations.
	Client  *chain.Client
	Builder *chain.TxBuilder
	// ServiceWalletWIF provisions the service wallet used by
	// SignWithServiceWallet. ServiceWalletPassword encrypts its persisted
	// record; without it the service wallet stays memory-only.
	ServiceWalletWIF      string
	ServiceWalletPassword string
	Audit                 *audit.Sink
	Logger                *logger.Logger
}

// Custodian holds custodied wallets and signs on their behalf.
type Custodian struct {
	log             *logger.Logger
	store           storage.WalletStore
	client          *chain.Client
	builder         *chain.TxBuilder
	audit           *audit.Sink
	service         *wallet.Account
	servicePassword string
}

// New creates a Custodian. A configured service wallet WIF is parsed
// eagerly so a bad credential fails boot instead of the first signature.
func New(cfg Config) (*Custodian, error) {
	if cfg.Store == nil {
		return nil, core.RequiredError("store")
	}

	sink := cfg.Audit
	if sink == nil {
		sink = audit.Nop()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("custodian")
	}

	c := &Custodian{
		log:             log,
		store:           cfg.Store,
		client:          cfg.Client,
		builder:         cfg.Builder,
		audit:           sink,
		servicePassword: cfg.ServiceWalletPassword,
	}

	if cfg.ServiceWalletWIF != "" {
		acc, err := chain.AccountFromWIF(cfg.ServiceWalletWIF)
		if err != nil {
			return nil, fmt.Errorf("service wallet: %w", err)
		}
		c.service = acc
	}
	return c, nil
}

// CreateWallet generates a fresh secp256r1 key pair, encrypts it under the
// password and persists the wallet. The response never carries key material.
func (c *Custodian) CreateWallet(ctx context.Context, in CreateWalletInput) (Wallet, error) {
	if err := validateWalletInput(in.Name, in.AccountID, in.Password); err != nil {
		return Wallet{}, err
	}

	priv, err := keys.NewPrivateKey()
	if err != nil {
		return Wallet{}, core.WrapServiceError("custodian", "createWallet", err)
	}

	rec, err := c.storeWallet(ctx, priv, in.Name, in.AccountID, in.Password, in.Tags)
	if err != nil {
		return Wallet{}, err
	}

	c.recordWalletEvent(ctx, "wallet.created", rec)
	return redact(rec), nil
}

// ImportFromWIF imports a WIF-encoded private key through the same
// encryption and storage path as creation. The WIF checksum is validated
// before anything is stored.
func (c *Custodian) ImportFromWIF(ctx context.Context, in ImportWalletInput) (Wallet, error) {
	if in.WIF == "" {
		return Wallet{}, core.RequiredError("wif")
	}
	if err := validateWalletInput(in.Name, in.AccountID, in.Password); err != nil {
		return Wallet{}, err
	}

	priv, err := keys.NewPrivateKeyFromWIF(in.WIF)
	if err != nil {
		return Wallet{}, core.NewValidationError("wif", fmt.Sprintf("invalid WIF: %v", err))
	}

	rec, err := c.storeWallet(ctx, priv, in.Name, in.AccountID, in.Password, in.Tags)
	if err != nil {
		return Wallet{}, err
	}

	c.recordWalletEvent(ctx, "wallet.imported", rec)
	return redact(rec), nil
}

func validateWalletInput(name, accountID, password string) error {
	if name == "" {
		return core.RequiredError("name")
	}
	if accountID == "" {
		return core.RequiredError("accountId")
	}
	if password == "" {
		return core.RequiredError("password")
	}
	return nil
}

func (c *Custodian) storeWallet(ctx context.Context, priv *keys.PrivateKey, name, accountID, password string, tags map[string]string) (storage.WalletRecord, error) {
	encrypted, err := keys.NEP2Encrypt(priv, password, keys.NEP2ScryptParams())
	if err != nil {
		return storage.WalletRecord{}, core.WrapServiceError("custodian", "encrypt key", err)
	}

	pub := priv.PublicKey()
	now := time.Now().UTC()
	rec := storage.WalletRecord{
		ID:           uuid.NewString(),
		Name:         name,
		AccountID:    accountID,
		Address:      priv.Address(),
		ScriptHash:   "0x" + pub.GetScriptHash().StringLE(),
		PublicKey:    hex.EncodeToString(pub.Bytes()),
		EncryptedKey: encrypted,
		Tags:         cloneTags(tags),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := c.store.CreateWallet(ctx, rec); err != nil {
		return storage.WalletRecord{}, err
	}
	return rec, nil
}

// GetWallet returns wallet metadata without key material.
func (c *Custodian) GetWallet(ctx context.Context, id, accountID string) (Wallet, error) {
	rec, err := c.getScoped(ctx, id, accountID)
	if err != nil {
		return Wallet{}, err
	}
	return redact(rec), nil
}

// ListWallets returns the account's wallets, every account when accountID
// is empty. Key material is stripped from each record.
func (c *Custodian) ListWallets(ctx context.Context, accountID string) ([]Wallet, error) {
	recs, err := c.store.ListWallets(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := make([]Wallet, len(recs))
	for i, rec := range recs {
		out[i] = redact(rec)
	}
	return out, nil
}

// SignData decrypts the wallet key with the supplied password and signs the
// SHA-256 digest of data, returning the 64-byte r||s signature. A wrong
// password is an authentication failure, never NotFound.
func (c *Custodian) SignData(ctx context.Context, walletID, accountID, password string, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, core.RequiredError("data")
	}

	acc, rec, err := c.signingAccount(ctx, walletID, accountID, password)
	if err != nil {
		return nil, err
	}

	sig := acc.PrivateKey().Sign(data)

	c.audit.Record(ctx, audit.Event{
		Type:       "wallet.data_signed",
		Actor:      rec.AccountID,
		AccountID:  rec.AccountID,
		Resource:   "wallet",
		ResourceID: rec.ID,
		Outcome:    audit.OutcomeSuccess,
		Details:    map[string]string{"bytes": fmt.Sprint(len(data))},
	})
	return sig, nil
}

// TransferNeo moves whole NEO to toAddress.
func (c *Custodian) TransferNeo(ctx context.Context, in TransferInput) (TransferResult, error) {
	return c.transfer(ctx, in, chain.NEOTokenHash, neoDecimals, "NEO")
}

// TransferGas moves GAS to toAddress.
func (c *Custodian) TransferGas(ctx context.Context, in TransferInput) (TransferResult, error) {
	return c.transfer(ctx, in, chain.GASTokenHash, gasDecimals, "GAS")
}

// TransferToken moves an arbitrary NEP-17 token. The token's decimals are
// read from its contract to scale the amount.
func (c *Custodian) TransferToken(ctx context.Context, in TransferInput) (TransferResult, error) {
	if c.client == nil || c.builder == nil {
		return TransferResult{}, core.NewUnsupportedOperationError("transferToken")
	}
	if in.TokenHash == "" {
		return TransferResult{}, core.RequiredError("tokenHash")
	}
	if _, err := util.Uint160DecodeStringLE(strings.TrimPrefix(in.TokenHash, "0x")); err != nil {
		return TransferResult{}, core.NewValidationError("tokenHash", fmt.Sprintf("invalid script hash: %v", err))
	}

	decimals, err := c.tokenDecimals(ctx, in.TokenHash)
	if err != nil {
		return TransferResult{}, err
	}
	return c.transfer(ctx, in, in.TokenHash, decimals, in.TokenHash)
}

func (c *Custodian) transfer(ctx context.Context, in TransferInput, tokenHash string, decimals int32, asset string) (TransferResult, error) {
	if c.builder == nil {
		return TransferResult{}, core.NewUnsupportedOperationError("transfer")
	}
	if in.Network != "" && !strings.EqualFold(in.Network, c.builder.Network()) {
		return TransferResult{}, core.NewValidationError("network",
			fmt.Sprintf("%q does not match the connected network %q", in.Network, c.builder.Network()))
	}
	if in.ToAddress == "" {
		return TransferResult{}, core.RequiredError("toAddress")
	}
	if _, err := address.StringToUint160(in.ToAddress); err != nil {
		return TransferResult{}, core.NewValidationError("toAddress", fmt.Sprintf("invalid address: %v", err))
	}
	if in.Amount.Sign() <= 0 {
		return TransferResult{}, core.NewValidationError("amount", "must be positive")
	}

	base := in.Amount.Shift(decimals)
	if !base.IsInteger() {
		return TransferResult{}, core.NewValidationError("amount", fmt.Sprintf("exceeds the token's %d decimal places", decimals))
	}

	acc, rec, err := c.signingAccount(ctx, in.WalletID, in.AccountID, in.Password)
	if err != nil {
		return TransferResult{}, err
	}

	res, err := c.builder.TransferNEP17(ctx, acc, tokenHash, in.ToAddress, base.BigInt())
	if err != nil {
		c.recordTransfer(ctx, rec, in, asset, "", audit.OutcomeFailure)
		return TransferResult{}, core.WrapServiceError("custodian", "transfer", err)
	}

	c.recordTransfer(ctx, rec, in, asset, res.TxHash, audit.OutcomeSuccess)
	c.log.WithFields(map[string]interface{}{
		"wallet_id": rec.ID,
		"asset":     asset,
		"tx_hash":   res.TxHash,
	}).Info("transfer broadcast")

	return TransferResult{
		TxHash: res.TxHash,
		From:   rec.Address,
		To:     in.ToAddress,
		Amount: in.Amount.String(),
		Asset:  asset,
	}, nil
}

// tokenDecimals reads the token contract's decimals method.
func (c *Custodian) tokenDecimals(ctx context.Context, tokenHash string) (int32, error) {
	res, err := c.client.InvokeFunction(ctx, tokenHash, "decimals", nil)
	if err != nil {
		return 0, core.WrapServiceError("custodian", "token decimals", err)
	}
	if res.State != "HALT" || len(res.Stack) == 0 {
		return 0, core.NewValidationError("tokenHash", "contract does not expose decimals")
	}
	value, err := chain.ParseInteger(res.Stack[0])
	if err != nil {
		return 0, core.WrapServiceError("custodian", "token decimals", err)
	}
	return int32(value.Int64()), nil
}

// SignWithServiceWallet signs data with the provisioned service wallet. It
// backs the price oracle's payload signatures, so it skips per-call
// passwords and per-call audit records; the submission paths audit the
// resulting transactions instead.
func (c *Custodian) SignWithServiceWallet(ctx context.Context, data []byte) ([]byte, error) {
	if c.service == nil {
		return nil, core.NewUnsupportedOperationError("signWithServiceWallet")
	}
	if len(data) == 0 {
		return nil, core.RequiredError("data")
	}
	return c.service.PrivateKey().Sign(data), nil
}

// ServiceSigner hands the in-memory service wallet account to enclave-local
// callers that broadcast transactions, the price oracle submitter in
// particular.
func (c *Custodian) ServiceSigner() (*wallet.Account, error) {
	if c.service == nil {
		return nil, core.NewUnsupportedOperationError("signWithServiceWallet")
	}
	return c.service, nil
}

// SigningAccount decrypts a custodied wallet for enclave-local signing. The
// price oracle uses it to unlock a submission wallet once per batch.
func (c *Custodian) SigningAccount(ctx context.Context, walletID, accountID, password string) (*wallet.Account, error) {
	acc, _, err := c.signingAccount(ctx, walletID, accountID, password)
	return acc, err
}

// EnsureServiceWallet persists the configured service wallet so it is
// visible through getWallet/listWallets. Safe to call on every boot; a
// stored record whose address differs from the configured key fails hard.
func (c *Custodian) EnsureServiceWallet(ctx context.Context) error {
	if c.service == nil || c.servicePassword == "" {
		return nil
	}

	rec, err := c.store.GetWalletByName(ctx, ServiceAccountID, ServiceWalletName)
	switch {
	case err == nil:
		if rec.Address != c.service.Address {
			return fmt.Errorf("stored service wallet %s does not match configured key %s", rec.Address, c.service.Address)
		}
		return nil
	case core.KindOf(err) == core.KindNotFound:
		_, err := c.storeWallet(ctx, c.service.PrivateKey(), ServiceWalletName, ServiceAccountID, c.servicePassword, map[string]string{"role": "service"})
		if err != nil {
			return err
		}
		c.log.WithField("address", c.service.Address).Info("service wallet provisioned")
		return nil
	default:
		return err
	}
}

func (c *Custodian) getScoped(ctx context.Context, id, accountID string) (storage.WalletRecord, error) {
	if id == "" {
		return storage.WalletRecord{}, core.RequiredError("id")
	}
	rec, err := c.store.GetWallet(ctx, id)
	if err != nil {
		return storage.WalletRecord{}, err
	}
	// Wallets are invisible across accounts.
	if accountID != "" && rec.AccountID != accountID {
		return storage.WalletRecord{}, core.NewNotFoundError("wallet", id)
	}
	return rec, nil
}

func (c *Custodian) signingAccount(ctx context.Context, walletID, accountID, password string) (*wallet.Account, storage.WalletRecord, error) {
	if password == "" {
		return nil, storage.WalletRecord{}, core.RequiredError("password")
	}

	rec, err := c.getScoped(ctx, walletID, accountID)
	if err != nil {
		return nil, storage.WalletRecord{}, err
	}

	priv, err := keys.NEP2Decrypt(rec.EncryptedKey, password, keys.NEP2ScryptParams())
	if err != nil {
		return nil, storage.WalletRecord{}, core.NewAuthenticationError("wallet password rejected")
	}
	return wallet.NewAccountFromPrivateKey(priv), rec, nil
}

func (c *Custodian) recordWalletEvent(ctx context.Context, eventType string, rec storage.WalletRecord) {
	c.audit.Record(ctx, audit.Event{
		Type:       eventType,
		Actor:      rec.AccountID,
		AccountID:  rec.AccountID,
		Resource:   "wallet",
		ResourceID: rec.ID,
		Outcome:    audit.OutcomeSuccess,
		Details:    map[string]string{"address": rec.Address},
	})
}

func (c *Custodian) recordTransfer(ctx context.Context, rec storage.WalletRecord, in TransferInput, asset, txHash string, outcome audit.Outcome) {
	details := map[string]string{
		"from":    rec.Address,
		"to":      in.ToAddress,
		"amount":  in.Amount.String(),
		"asset":   asset,
		"network": c.builder.Network(),
	}
	if txHash != "" {
		details["tx_hash"] = txHash
	}
	c.audit.Record(ctx, audit.Event{
		Type:       "wallet.transfer",
		Actor:      rec.AccountID,
		AccountID:  rec.AccountID,
		Resource:   "wallet",
		ResourceID: rec.ID,
		Outcome:    outcome,
		Details:    details,
	})
}

func redact(rec storage.WalletRecord) Wallet {
	rec.EncryptedKey = ""
	return rec
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
