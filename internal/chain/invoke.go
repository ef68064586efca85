package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nspcc-dev/neo-go/pkg/util"
)

// InvokeFunction invokes a contract function read-only (simulation).
func (c *Client) InvokeFunction(ctx context.Context, scriptHash, method string, params []ContractParam) (*InvokeResult, error) {
	if params == nil {
		params = []ContractParam{}
	}

	result, err := c.Call(ctx, "invokefunction", []any{scriptHash, method, params})
	if err != nil {
		return nil, err
	}

	var invokeResult InvokeResult
	if err := json.Unmarshal(result, &invokeResult); err != nil {
		return nil, fmt.Errorf("unmarshal invoke result: %w", err)
	}
	return &invokeResult, nil
}

// InvokeFunctionWithSigners simulates a contract invocation on behalf of the
// given signer so the node prices it with the right witness scope.
func (c *Client) InvokeFunctionWithSigners(ctx context.Context, scriptHash, method string, params []ContractParam, signer util.Uint160) (*InvokeResult, error) {
	if params == nil {
		params = []ContractParam{}
	}

	signers := []Signer{{
		Account: "0x" + signer.StringLE(),
		Scopes:  "CalledByEntry",
	}}

	result, err := c.Call(ctx, "invokefunction", []any{scriptHash, method, params, signers})
	if err != nil {
		return nil, err
	}

	var invokeResult InvokeResult
	if err := json.Unmarshal(result, &invokeResult); err != nil {
		return nil, fmt.Errorf("unmarshal invoke result: %w", err)
	}
	return &invokeResult, nil
}
