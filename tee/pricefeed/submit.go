package pricefeed

import (
	"context"
	"fmt"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/wallet"
	"github.com/shopspring/decimal"

	"github.com/r3e-network/neo-service-layer-sub002/internal/audit"
	"github.com/r3e-network/neo-service-layer-sub002/internal/chain"
	"github.com/r3e-network/neo-service-layer-sub002/internal/core"
	"github.com/r3e-network/neo-service-layer-sub002/internal/metrics"
)

// oracleDecimals scales float prices to the oracle contract's integer
// representation.
const oracleDecimals = 8

// WalletCredentials selects and unlocks the wallet paying for oracle
// submission transactions. Empty credentials fall back to the provisioned
// service wallet.
type WalletCredentials struct {
	WalletID  string `json:"walletId,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	Password  string `json:"password,omitempty"`
}

// SubmitResult reports one oracle submission.
type SubmitResult struct {
	Symbol string `json:"symbol"`
	TxHash string `json:"txHash,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SubmitToOracle publishes one price to the oracle contract. An unsigned
// price is signed with the service wallet first; the submission wallet is
// unlocked from creds, or the service wallet when creds are empty. A
// non-empty network must name the chain the oracle is deployed on.
func (f *Feed) SubmitToOracle(ctx context.Context, price Price, creds WalletCredentials, network string) (SubmitResult, error) {
	acc, err := f.submissionAccount(ctx, creds, network)
	if err != nil {
		return SubmitResult{}, err
	}
	return f.submitOne(ctx, acc, price)
}

// SubmitBatchToOracle publishes each price independently, unlocking the
// submission wallet once for the whole batch. A failed item is reported in
// its result and never blocks the rest of the batch.
func (f *Feed) SubmitBatchToOracle(ctx context.Context, prices []Price, creds WalletCredentials, network string) ([]SubmitResult, error) {
	if len(prices) == 0 {
		return nil, core.RequiredError("prices")
	}
	acc, err := f.submissionAccount(ctx, creds, network)
	if err != nil {
		return nil, err
	}

	results := make([]SubmitResult, 0, len(prices))
	for _, price := range prices {
		res, err := f.submitOne(ctx, acc, price)
		if err != nil {
			results = append(results, SubmitResult{Symbol: price.Symbol, Error: err.Error()})
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

func (f *Feed) submitOne(ctx context.Context, acc *wallet.Account, price Price) (SubmitResult, error) {
	if err := validatePrice(price); err != nil {
		return SubmitResult{}, err
	}

	if len(price.Signature) == 0 {
		sig, err := f.sign(ctx, price)
		if err != nil {
			return SubmitResult{}, err
		}
		if len(sig) == 0 {
			return SubmitResult{}, core.NewAuthenticationError("no service wallet provisioned to sign the price")
		}
		price.Signature = sig
	}

	scaled := decimal.NewFromFloat(price.Value).Shift(oracleDecimals).Round(0).BigInt()
	res, err := f.oracle.UpdatePrice(ctx, acc, chain.PriceUpdate{
		Symbol:         price.Symbol,
		BaseCurrency:   price.BaseCurrency,
		Value:          scaled,
		TimestampTicks: Ticks(price.Timestamp),
		Signature:      price.Signature,
	})
	if err != nil {
		metrics.RecordOracleSubmission("failure")
		f.recordSubmission(ctx, price, "", audit.OutcomeFailure)
		return SubmitResult{}, core.NewUpstreamError("oracle", err)
	}

	metrics.RecordOracleSubmission("success")
	f.recordSubmission(ctx, price, res.TxHash, audit.OutcomeSuccess)
	f.log.WithFields(map[string]interface{}{
		"symbol":  price.Symbol,
		"tx_hash": res.TxHash,
	}).Info("price submitted to oracle")

	return SubmitResult{Symbol: price.Symbol, TxHash: res.TxHash}, nil
}

// submissionAccount unlocks the wallet that pays for submissions. Explicit
// credentials decrypt a custodied wallet; otherwise the service wallet is
// used directly.
func (f *Feed) submissionAccount(ctx context.Context, creds WalletCredentials, network string) (*wallet.Account, error) {
	if f.oracle == nil {
		return nil, core.NewUnsupportedOperationError("submitToOracle")
	}
	if network != "" && !strings.EqualFold(network, f.oracle.Network()) {
		return nil, core.NewValidationError("network",
			fmt.Sprintf("%q does not match the connected network %q", network, f.oracle.Network()))
	}
	if f.signer == nil {
		return nil, core.NewAuthenticationError("no signing wallet available for oracle submission")
	}
	if creds.WalletID != "" {
		return f.signer.SigningAccount(ctx, creds.WalletID, creds.AccountID, creds.Password)
	}
	return f.signer.ServiceSigner()
}

func validatePrice(price Price) error {
	if price.Symbol == "" {
		return core.RequiredError("symbol")
	}
	if price.BaseCurrency == "" {
		return core.RequiredError("baseCurrency")
	}
	if price.Value <= 0 {
		return core.NewValidationError("value", "must be positive")
	}
	if price.Timestamp.IsZero() {
		return core.NewValidationError("timestamp", "is required")
	}
	return nil
}

func (f *Feed) recordSubmission(ctx context.Context, price Price, txHash string, outcome audit.Outcome) {
	details := map[string]string{
		"base_currency": price.BaseCurrency,
		"value":         fmt.Sprintf("%v", price.Value),
		"network":       f.oracle.Network(),
	}
	if txHash != "" {
		details["tx_hash"] = txHash
	}
	f.audit.Record(ctx, audit.Event{
		Type:       "pricefeed.oracle_submission",
		Actor:      "system",
		Resource:   "price",
		ResourceID: price.Symbol,
		Outcome:    outcome,
		Details:    details,
	})
}
