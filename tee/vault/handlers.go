package vault

import (
	"context"
	"encoding/json"
	"time"

	"github.com/r3e-network/neo-service-layer-sub002/tee/dispatch"
)

type createSecretRequest struct {
	Name                  string            `json:"name"`
	Value                 string            `json:"value"`
	Description           string            `json:"description,omitempty"`
	AccountID             string            `json:"accountId"`
	AllowedFunctionIDs    []string          `json:"allowedFunctionIds,omitempty"`
	Tags                  map[string]string `json:"tags,omitempty"`
	RotationPeriodSeconds int64             `json:"rotationPeriodSeconds,omitempty"`
}

type secretIDRequest struct {
	ID string `json:"id"`
}

type getSecretValueRequest struct {
	ID         string `json:"id"`
	AccountID  string `json:"accountId,omitempty"`
	FunctionID string `json:"functionId,omitempty"`
}

type secretValueResponse struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type updateSecretRequest struct {
	ID                    string             `json:"id"`
	Description           *string            `json:"description,omitempty"`
	AllowedFunctionIDs    *[]string          `json:"allowedFunctionIds,omitempty"`
	Tags                  *map[string]string `json:"tags,omitempty"`
	RotationPeriodSeconds *int64             `json:"rotationPeriodSeconds,omitempty"`
}

type updateSecretValueRequest struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type rotateSecretRequest struct {
	ID string `json:"id"`
	// NewValue, when set, replaces the stored value verbatim instead of a
	// type-derived replacement.
	NewValue string `json:"newValue,omitempty"`
}

type hasAccessRequest struct {
	ID         string `json:"id"`
	FunctionID string `json:"functionId"`
}

type hasAccessResponse struct {
	ID         string `json:"id"`
	FunctionID string `json:"functionId"`
	Allowed    bool   `json:"allowed"`
}

type listSecretsRequest struct {
	AccountID string `json:"accountId,omitempty"`
}

// Register binds the secret operations to the dispatcher.
func (v *Vault) Register(r *dispatch.Registry) {
	r.Register("createSecret", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req createSecretRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return v.CreateSecret(ctx, CreateSecretInput{
			Name:               req.Name,
			Value:              req.Value,
			Description:        req.Description,
			AccountID:          req.AccountID,
			AllowedFunctionIDs: req.AllowedFunctionIDs,
			Tags:               req.Tags,
			RotationPeriod:     time.Duration(req.RotationPeriodSeconds) * time.Second,
		})
	})
	r.Register("getSecret", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req secretIDRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return v.GetSecret(ctx, req.ID)
	})
	r.Register("getSecretValue", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req getSecretValueRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		value, err := v.GetSecretValue(ctx, req.ID, req.AccountID, req.FunctionID)
		if err != nil {
			return nil, err
		}
		return secretValueResponse{ID: req.ID, Value: value}, nil
	})
	r.Register("updateSecret", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req updateSecretRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		upd := SecretUpdate{
			Description:        req.Description,
			AllowedFunctionIDs: req.AllowedFunctionIDs,
			Tags:               req.Tags,
		}
		if req.RotationPeriodSeconds != nil {
			period := time.Duration(*req.RotationPeriodSeconds) * time.Second
			upd.RotationPeriod = &period
		}
		return v.UpdateSecret(ctx, req.ID, upd)
	})
	r.Register("updateSecretValue", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req updateSecretValueRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return v.UpdateSecretValue(ctx, req.ID, req.Value)
	})
	r.Register("rotateSecret", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req rotateSecretRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return v.RotateSecret(ctx, req.ID, req.NewValue)
	})
	r.Register("deleteSecret", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req secretIDRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return nil, v.DeleteSecret(ctx, req.ID)
	})
	r.Register("hasSecretAccess", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req hasAccessRequest
		if err := dispatch.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		allowed, err := v.HasAccess(ctx, req.ID, req.FunctionID)
		if err != nil {
			return nil, err
		}
		return hasAccessResponse{ID: req.ID, FunctionID: req.FunctionID, Allowed: allowed}, nil
	})
	r.Register("listSecrets", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req listSecretsRequest
		if len(payload) > 0 {
			if err := dispatch.DecodePayload(payload, &req); err != nil {
				return nil, err
			}
		}
		return v.ListSecrets(ctx, req.AccountID)
	})
}
