package chain

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/big"
	"math/rand"
	"strconv"

	"github.com/nspcc-dev/neo-go/pkg/config/netmode"
	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/nspcc-dev/neo-go/pkg/wallet"
)

// Native token contract hashes on Neo N3.
const (
	GASTokenHash = "0xd2a4cff31913016155e38e474a2c06d08be276cf"
	NEOTokenHash = "0xef4073a0f2b305a38ec4050e4d3d28bc40ea63f5"
)

// validUntilIncrement keeps a built transaction broadcastable for roughly an
// hour of 15s blocks.
const validUntilIncrement = 240

// AccountFromWIF builds a signing account from a WIF-encoded key.
func AccountFromWIF(wif string) (*wallet.Account, error) {
	priv, err := keys.NewPrivateKeyFromWIF(wif)
	if err != nil {
		return nil, fmt.Errorf("decode WIF: %w", err)
	}
	return wallet.NewAccountFromPrivateKey(priv), nil
}

// AccountFromPrivateKey builds a signing account from a hex-encoded key.
func AccountFromPrivateKey(hexKey string) (*wallet.Account, error) {
	priv, err := keys.NewPrivateKeyFromHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	return wallet.NewAccountFromPrivateKey(priv), nil
}

// TxBuilder turns simulated invocations into signed, broadcastable
// transactions. Signing never leaves the process.
type TxBuilder struct {
	client *Client
	magic  uint32
}

// NewTxBuilder creates a transaction builder for the client's network.
func NewTxBuilder(client *Client, networkMagic uint32) *TxBuilder {
	return &TxBuilder{client: client, magic: networkMagic}
}

// Network names the chain this builder signs for ("mainnet", "testnet",
// ...), derived from its network magic.
func (b *TxBuilder) Network() string {
	return netmode.Magic(b.magic).String()
}

// BuildAndSignTx assembles a transaction from a successful simulation and
// signs it with the account. The network fee is priced by the node against
// the attached verification script.
func (b *TxBuilder) BuildAndSignTx(ctx context.Context, invokeResult *InvokeResult, acc *wallet.Account, scope transaction.WitnessScope) (*transaction.Transaction, error) {
	script, err := base64.StdEncoding.DecodeString(invokeResult.Script)
	if err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}

	sysFee, err := strconv.ParseInt(invokeResult.GasConsumed, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse gas consumed %q: %w", invokeResult.GasConsumed, err)
	}

	height, err := b.client.GetBlockCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("get block count: %w", err)
	}

	tx := transaction.New(script, sysFee)
	tx.Nonce = rand.Uint32()
	tx.ValidUntilBlock = height + validUntilIncrement
	tx.Signers = []transaction.Signer{{
		Account: acc.ScriptHash(),
		Scopes:  scope,
	}}
	tx.Scripts = []transaction.Witness{{
		VerificationScript: acc.Contract.Script,
	}}

	netFee, err := b.client.CalculateNetworkFee(ctx, base64.StdEncoding.EncodeToString(tx.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("calculate network fee: %w", err)
	}
	tx.NetworkFee = netFee

	if err := acc.SignTx(netmode.Magic(b.magic), tx); err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, nil
}

// BroadcastTx sends a signed transaction and returns its hash.
func (b *TxBuilder) BroadcastTx(ctx context.Context, tx *transaction.Transaction) (util.Uint256, error) {
	txBase64 := base64.StdEncoding.EncodeToString(tx.Bytes())
	if _, err := b.client.SendRawTransaction(ctx, txBase64); err != nil {
		return util.Uint256{}, fmt.Errorf("broadcast transaction: %w", err)
	}
	return tx.Hash(), nil
}

// InvokeWithAccount simulates method on contractHash signed by acc, then
// builds, signs and broadcasts the real transaction.
func (b *TxBuilder) InvokeWithAccount(ctx context.Context, acc *wallet.Account, contractHash, method string, params []ContractParam) (*TxResult, error) {
	invokeResult, err := b.client.InvokeFunctionWithSigners(ctx, contractHash, method, params, acc.ScriptHash())
	if err != nil {
		return nil, fmt.Errorf("%s simulation failed: %w", method, err)
	}
	if invokeResult.State != "HALT" {
		return nil, fmt.Errorf("%s simulation faulted: %s", method, invokeResult.Exception)
	}

	tx, err := b.BuildAndSignTx(ctx, invokeResult, acc, transaction.CalledByEntry)
	if err != nil {
		return nil, fmt.Errorf("build %s transaction: %w", method, err)
	}

	txHash, err := b.BroadcastTx(ctx, tx)
	if err != nil {
		return nil, err
	}

	return &TxResult{
		TxHash:  "0x" + txHash.StringLE(),
		VMState: invokeResult.State,
	}, nil
}

// TransferNEP17 moves amount raw token units from the account to toAddress
// via the token's transfer method.
func (b *TxBuilder) TransferNEP17(ctx context.Context, acc *wallet.Account, tokenHash, toAddress string, amount *big.Int) (*TxResult, error) {
	toU160, err := address.StringToUint160(toAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid to address %q: %w", toAddress, err)
	}

	params := []ContractParam{
		NewHash160Param("0x" + acc.ScriptHash().StringLE()),
		NewHash160Param("0x" + toU160.StringLE()),
		NewIntegerParam(amount),
		NewAnyParam(),
	}

	return b.InvokeWithAccount(ctx, acc, tokenHash, "transfer", params)
}
