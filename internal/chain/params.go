package chain

import (
	"encoding/base64"
	"math/big"
)

// ContractParam is a typed contract invocation parameter in the JSON shape
// the RPC node expects.
type ContractParam struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// NewHash160Param creates a Hash160 parameter from a 0x-prefixed script hash.
func NewHash160Param(scriptHash string) ContractParam {
	return ContractParam{Type: "Hash160", Value: scriptHash}
}

// NewIntegerParam creates an Integer parameter. The node wants the value as
// a decimal string.
func NewIntegerParam(value *big.Int) ContractParam {
	return ContractParam{Type: "Integer", Value: value.String()}
}

// NewStringParam creates a String parameter.
func NewStringParam(value string) ContractParam {
	return ContractParam{Type: "String", Value: value}
}

// NewByteArrayParam creates a ByteArray parameter (base64 on the wire).
func NewByteArrayParam(value []byte) ContractParam {
	return ContractParam{Type: "ByteArray", Value: base64.StdEncoding.EncodeToString(value)}
}

// NewBoolParam creates a Boolean parameter.
func NewBoolParam(value bool) ContractParam {
	return ContractParam{Type: "Boolean", Value: value}
}

// NewAnyParam creates a null Any parameter.
func NewAnyParam() ContractParam {
	return ContractParam{Type: "Any", Value: nil}
}
