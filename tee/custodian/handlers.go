package custodian

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/r3e-network/neo-service-layer-sub002/tee/dispatch"
)

type createWalletRequest struct {
	Name      string            `json:"name"`
	AccountID string            `json:"accountId"`
	Password  string            `json:"password"`
	Tags      map[string]string `json:"tags,omitempty"`
}

type importWalletRequest struct {
	WIF       string            `json:"wif"`
	Name      string            `json:"name"`
	AccountID string            `json:"accountId"`
	Password  string            `json:"password"`
	Tags      map[string]string `json:"tags,omitempty"`
}

type walletIDRequest struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId,omitempty"`
}

type listWalletsRequest struct {
	AccountID string `json:"accountId,omitempty"`
}

type signDataRequest struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId,omitempty"`
	Password  string `json:"password"`
	Data      []byte `json:"data"`
}

type signDataResponse struct {
	ID        string `json:"id"`
	Signature []byte `json:"signature"`
}

type transferRequest struct {
	ID        string          `json:"id"`
	AccountID string          `json:"accountId,omitempty"`
	ToAddress string          `json:"toAddress"`
	Amount    decimal.Decimal `json:"amount"`
	Password  string          `json:"password"`
	TokenHash string          `json:"tokenHash,omitempty"`
	Network   string          `json:"network,omitempty"`
}

func (r transferRequest) input() TransferInput {
	return TransferInput{
		WalletID:  r.ID,
		AccountID: r.AccountID,
		ToAddress: r.ToAddress,
		Amount:    r.Amount,
		Password:  r.Password,
		TokenHash: r.TokenHash,
		Network:   r.Network,
	}
}

// Register binds the wallet operations to the dispatcher.
func (c *Custodian) Register(r *dispatch.Registry) {
	r.Register("createWallet", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req createWalletRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return c.CreateWallet(ctx, CreateWalletInput{
			Name:      req.Name,
			AccountID: req.AccountID,
			Password:  req.Password,
			Tags:      req.Tags,
		})
	})

	r.Register("importFromWIF", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req importWalletRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return c.ImportFromWIF(ctx, ImportWalletInput{
			WIF:       req.WIF,
			Name:      req.Name,
			AccountID: req.AccountID,
			Password:  req.Password,
			Tags:      req.Tags,
		})
	})

	r.Register("getWallet", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req walletIDRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return c.GetWallet(ctx, req.ID, req.AccountID)
	})

	r.Register("listWallets", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req listWalletsRequest
		if len(payload) > 0 {
			if err := dispatch.DecodePayload(payload, &req); err != nil {
				return nil, err
			}
		}
		return c.ListWallets(ctx, req.AccountID)
	})

	r.Register("signData", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req signDataRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		sig, err := c.SignData(ctx, req.ID, req.AccountID, req.Password, req.Data)
		if err != nil {
			return nil, err
		}
		return signDataResponse{ID: req.ID, Signature: sig}, nil
	})

	r.Register("transferNeo", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req transferRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return c.TransferNeo(ctx, req.input())
	})

	r.Register("transferGas", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req transferRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return c.TransferGas(ctx, req.input())
	})

	r.Register("transferToken", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req transferRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return c.TransferToken(ctx, req.input())
	})
}
