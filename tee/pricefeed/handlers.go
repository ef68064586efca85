package pricefeed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/r3e-network/neo-service-layer-sub002/internal/core"
	"github.com/r3e-network/neo-service-layer-sub002/tee/dispatch"
)

type fetchPricesRequest struct {
	BaseCurrency string   `json:"baseCurrency"`
	Sources      []Source `json:"sources,omitempty"`
}

type fetchSymbolRequest struct {
	Symbol       string   `json:"symbol"`
	BaseCurrency string   `json:"baseCurrency"`
	Sources      []Source `json:"sources,omitempty"`
}

type fetchFromSourceRequest struct {
	Source       Source `json:"source"`
	BaseCurrency string `json:"baseCurrency"`
}

type historyRequest struct {
	Symbol       string       `json:"symbol"`
	BaseCurrency string       `json:"baseCurrency"`
	Interval     string       `json:"interval"`
	StartTime    time.Time    `json:"startTime"`
	EndTime      time.Time    `json:"endTime"`
	Points       []PricePoint `json:"points"`
}

type validateSourceRequest struct {
	Source Source `json:"source"`
}

type validateSourceResponse struct {
	Valid bool `json:"valid"`
}

type submitRequest struct {
	Price   Price             `json:"price"`
	Wallet  WalletCredentials `json:"wallet,omitempty"`
	Network string            `json:"network,omitempty"`
}

type submitBatchRequest struct {
	Prices  []Price           `json:"prices"`
	Wallet  WalletCredentials `json:"wallet,omitempty"`
	Network string            `json:"network,omitempty"`
}

type pricesResponse struct {
	Prices []Price `json:"prices"`
}

type submitBatchResponse struct {
	Results []SubmitResult `json:"results"`
}

// Register binds the price feed operations to the dispatcher.
func (f *Feed) Register(r *dispatch.Registry) {
	r.Register("fetchPrices", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req fetchPricesRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		prices, err := f.FetchPrices(ctx, req.BaseCurrency, req.Sources)
		if err != nil {
			return nil, err
		}
		return pricesResponse{Prices: prices}, nil
	})

	r.Register("fetchPriceForSymbol", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req fetchSymbolRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		prices, err := f.FetchPriceForSymbol(ctx, req.Symbol, req.BaseCurrency, req.Sources)
		if err != nil {
			return nil, err
		}
		return pricesResponse{Prices: prices}, nil
	})

	r.Register("fetchPriceFromSource", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req fetchFromSourceRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		prices, err := f.FetchPriceFromSource(ctx, req.Source, req.BaseCurrency)
		if err != nil {
			return nil, err
		}
		return pricesResponse{Prices: prices}, nil
	})

	r.Register("generatePriceHistory", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req historyRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		if len(req.Points) == 0 {
			return nil, core.RequiredError("points")
		}
		return f.GeneratePriceHistory(req.Symbol, req.BaseCurrency, req.Interval, req.StartTime, req.EndTime, req.Points)
	})

	r.Register("validateSource", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req validateSourceRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		if err := f.ValidateSource(ctx, req.Source); err != nil {
			return nil, err
		}
		return validateSourceResponse{Valid: true}, nil
	})

	r.Register("submitToOracle", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req submitRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return f.SubmitToOracle(ctx, req.Price, req.Wallet, req.Network)
	})

	r.Register("submitBatchToOracle", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req submitBatchRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		results, err := f.SubmitBatchToOracle(ctx, req.Prices, req.Wallet, req.Network)
		if err != nil {
			return nil, err
		}
		return submitBatchResponse{Results: results}, nil
	})
}
