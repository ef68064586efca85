package functions

import "time"

// Function status values. Only active functions execute.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// RuntimeJavaScript is the only runtime identifier currently supported.
const RuntimeJavaScript = "javascript"

// Limits applied when metadata leaves them unset.
const (
	DefaultMaxExecutionTime = 5 * time.Second
	DefaultMaxMemoryMB      = 128
	MaxSourceSize           = 1 << 20
)

// Metadata describes one registered function. The engine cache is its only
// home inside the enclave: the engine is not the system of record, and the
// host re-registers functions after a restart.
type Metadata struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Runtime     string `json:"runtime,omitempty"`
	SourceCode  string `json:"sourceCode"`
	EntryPoint  string `json:"entryPoint"`
	AccountID   string `json:"accountId,omitempty"`
	// MaxExecutionTime bounds one execution, in seconds. Zero applies
	// DefaultMaxExecutionTime.
	MaxExecutionTime int `json:"maxExecutionTime,omitempty"`
	// MaxMemoryMB is carried into the execution context; the JavaScript
	// runtime treats it as advisory.
	MaxMemoryMB int               `json:"maxMemoryMb,omitempty"`
	SecretIDs   []string          `json:"secretIds,omitempty"`
	EnvVars     map[string]string `json:"envVars,omitempty"`
	Status      string            `json:"status,omitempty"`
	CreatedAt   time.Time         `json:"createdAt,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt,omitempty"`
}

func (m Metadata) executionTimeout() time.Duration {
	if m.MaxExecutionTime <= 0 {
		return DefaultMaxExecutionTime
	}
	return time.Duration(m.MaxExecutionTime) * time.Second
}

// clone deep-copies the metadata so cache entries never alias caller slices.
func (m Metadata) clone() Metadata {
	out := m
	if m.SecretIDs != nil {
		out.SecretIDs = append([]string(nil), m.SecretIDs...)
	}
	if m.EnvVars != nil {
		out.EnvVars = make(map[string]string, len(m.EnvVars))
		for k, v := range m.EnvVars {
			out.EnvVars[k] = v
		}
	}
	return out
}

// Update carries the mutable metadata fields. Nil fields are left unchanged.
type Update struct {
	Name             *string            `json:"name,omitempty"`
	Description      *string            `json:"description,omitempty"`
	SourceCode       *string            `json:"sourceCode,omitempty"`
	EntryPoint       *string            `json:"entryPoint,omitempty"`
	MaxExecutionTime *int               `json:"maxExecutionTime,omitempty"`
	MaxMemoryMB      *int               `json:"maxMemoryMb,omitempty"`
	SecretIDs        *[]string          `json:"secretIds,omitempty"`
	EnvVars          *map[string]string `json:"envVars,omitempty"`
	Status           *string            `json:"status,omitempty"`
}

// Result is the outcome of one function execution.
type Result struct {
	FunctionID string    `json:"functionId"`
	Value      any       `json:"result"`
	Logs       []string  `json:"logs,omitempty"`
	DurationMS int64     `json:"durationMs"`
	ExecutedAt time.Time `json:"executedAt"`
}
