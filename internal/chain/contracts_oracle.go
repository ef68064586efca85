package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/nspcc-dev/neo-go/pkg/wallet"
)

// PriceUpdate is one signed price ready for on-chain submission. Value is
// the aggregated price scaled to the feed's integer representation and
// Signature covers the symbol:baseCurrency:value:timestampTicks preimage.
type PriceUpdate struct {
	Symbol         string
	BaseCurrency   string
	Value          *big.Int
	TimestampTicks int64
	Signature      []byte
}

// OracleContract submits signed price updates to the deployed price oracle
// contract. Transactions are simulated, priced, signed and broadcast through
// the TxBuilder; the feed signature rides inside the invocation so the
// contract can verify the enclave signed the payload.
type OracleContract struct {
	builder      *TxBuilder
	contractHash string
}

// NewOracleContract wraps the oracle contract deployed at contractHash.
func NewOracleContract(builder *TxBuilder, contractHash string) (*OracleContract, error) {
	if builder == nil {
		return nil, fmt.Errorf("tx builder is required")
	}
	if contractHash == "" {
		return nil, fmt.Errorf("oracle contract hash is required")
	}
	return &OracleContract{builder: builder, contractHash: contractHash}, nil
}

// Network names the chain the contract is deployed on.
func (o *OracleContract) Network() string {
	return o.builder.Network()
}

// UpdatePrice invokes updatePrice with one signed price, paying with acc.
func (o *OracleContract) UpdatePrice(ctx context.Context, acc *wallet.Account, upd PriceUpdate) (*TxResult, error) {
	if upd.Symbol == "" {
		return nil, fmt.Errorf("price update symbol is required")
	}
	if upd.Value == nil || upd.Value.Sign() <= 0 {
		return nil, fmt.Errorf("price update value must be positive")
	}
	if len(upd.Signature) == 0 {
		return nil, fmt.Errorf("price update signature is required")
	}

	params := []ContractParam{
		NewStringParam(upd.Symbol),
		NewStringParam(upd.BaseCurrency),
		NewIntegerParam(upd.Value),
		NewIntegerParam(big.NewInt(upd.TimestampTicks)),
		NewByteArrayParam(upd.Signature),
	}
	return o.builder.InvokeWithAccount(ctx, acc, o.contractHash, "updatePrice", params)
}
