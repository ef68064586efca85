package functions

import (
	"context"
	"encoding/json"

	"github.com/r3e-network/neo-service-layer-sub002/internal/events"
	"github.com/r3e-network/neo-service-layer-sub002/tee/dispatch"
)

type idRequest struct {
	ID string `json:"id"`
}

type updateFunctionRequest struct {
	ID string `json:"id"`
	Update
}

type updateSourceCodeRequest struct {
	ID         string `json:"id"`
	SourceCode string `json:"sourceCode"`
}

type executeRequest struct {
	ID         string         `json:"id"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type executeForEventRequest struct {
	ID    string       `json:"id"`
	Event events.Event `json:"event"`
}

type listFunctionsRequest struct {
	AccountID string `json:"accountId,omitempty"`
}

type storageRequest struct {
	FunctionID string `json:"functionId"`
	Key        string `json:"key"`
	Value      string `json:"value,omitempty"`
}

type storageValueResponse struct {
	FunctionID string `json:"functionId"`
	Key        string `json:"key"`
	Value      string `json:"value"`
}

type blockchainEventRequest struct {
	FunctionID   string `json:"functionId"`
	ContractHash string `json:"contractHash"`
	EventName    string `json:"eventName"`
}

type timeEventRequest struct {
	FunctionID string `json:"functionId"`
	Schedule   string `json:"schedule"`
}

type customEventRequest struct {
	FunctionID string         `json:"functionId"`
	EventName  string         `json:"eventName"`
	Data       map[string]any `json:"data,omitempty"`
}

// Register binds the function operations to the dispatcher.
func (e *Engine) Register(r *dispatch.Registry) {
	r.Register("createFunction", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req Metadata
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return e.CreateFunction(ctx, req)
	})

	r.Register("updateFunction", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req updateFunctionRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return e.UpdateFunction(ctx, req.ID, req.Update)
	})

	r.Register("updateSourceCode", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req updateSourceCodeRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return e.UpdateSourceCode(ctx, req.ID, req.SourceCode)
	})

	r.Register("deleteFunction", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req idRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return nil, e.DeleteFunction(ctx, req.ID)
	})

	r.Register("getFunction", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req idRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return e.GetFunction(ctx, req.ID)
	})

	r.Register("listFunctions", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req listFunctionsRequest
		if len(payload) > 0 {
			if err := dispatch.DecodePayload(payload, &req); err != nil {
				return nil, err
			}
		}
		return e.ListFunctions(ctx, req.AccountID), nil
	})

	r.Register("executeFunction", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req executeRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return e.Execute(ctx, req.ID, req.Parameters)
	})

	r.Register("executeFunctionForEvent", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req executeForEventRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return e.ExecuteForEvent(ctx, req.ID, req.Event)
	})

	r.Register("getStorageValue", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req storageRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		value, err := e.GetStorageValue(ctx, req.FunctionID, req.Key)
		if err != nil {
			return nil, err
		}
		return storageValueResponse{FunctionID: req.FunctionID, Key: req.Key, Value: value}, nil
	})

	r.Register("setStorageValue", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req storageRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return nil, e.SetStorageValue(ctx, req.FunctionID, req.Key, req.Value)
	})

	r.Register("deleteStorageValue", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req storageRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return nil, e.DeleteStorageValue(ctx, req.FunctionID, req.Key)
	})

	r.Register("registerBlockchainEvent", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req blockchainEventRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return e.RegisterBlockchainEvent(ctx, req.FunctionID, req.ContractHash, req.EventName)
	})

	r.Register("registerTimeEvent", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req timeEventRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return e.RegisterTimeEvent(ctx, req.FunctionID, req.Schedule)
	})

	r.Register("triggerCustomEvent", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req customEventRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return nil, e.TriggerCustomEvent(ctx, req.FunctionID, req.EventName, req.Data)
	})
}
