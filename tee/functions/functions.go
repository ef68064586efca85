// Package functions is the enclave's function execution engine: an
// in-memory metadata cache, a pluggable runtime that validates and executes
// user code, and thin function-scoped pass-throughs to the key-value store
// and the event monitor.
package functions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/r3e-network/neo-service-layer-sub002/internal/core"
	"github.com/r3e-network/neo-service-layer-sub002/internal/events"
	"github.com/r3e-network/neo-service-layer-sub002/internal/metrics"
	"github.com/r3e-network/neo-service-layer-sub002/internal/storage"
	"github.com/r3e-network/neo-service-layer-sub002/pkg/logger"
)

// Config wires the engine's collaborators.
type Config struct {
	Runtime Runtime
	KV      storage.KVStore
	Events  *events.Monitor
	Logger  *logger.Logger
}

// Engine executes registered functions. The cache is the only shared
// mutable state across concurrent requests and is guarded by mu.
type Engine struct {
	log     *logger.Logger
	runtime Runtime
	kv      storage.KVStore
	events  *events.Monitor

	mu    sync.RWMutex
	cache map[string]Metadata
}

// NewEngine creates the function execution engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if cfg.KV == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("event monitor is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("functions")
	}
	return &Engine{
		log:     log,
		runtime: cfg.Runtime,
		kv:      cfg.KV,
		events:  cfg.Events,
		cache:   make(map[string]Metadata),
	}, nil
}

// CreateFunction validates and compiles the function, then registers it
// with status active. Compilation happens before the cache is touched: a
// function that fails to compile is never registered.
func (e *Engine) CreateFunction(ctx context.Context, meta Metadata) (Metadata, error) {
	if meta.ID == "" {
		return Metadata{}, core.RequiredError("id")
	}
	if meta.Name == "" {
		return Metadata{}, core.RequiredError("name")
	}
	if meta.Runtime == "" {
		meta.Runtime = RuntimeJavaScript
	}
	if meta.Runtime != RuntimeJavaScript {
		return Metadata{}, core.NewValidationError("runtime", fmt.Sprintf("unsupported runtime %q", meta.Runtime))
	}

	if err := e.runtime.Compile(ctx, meta.SourceCode, meta.EntryPoint); err != nil {
		return Metadata{}, err
	}

	now := time.Now().UTC()
	meta.Status = StatusActive
	meta.CreatedAt = now
	meta.UpdatedAt = now

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.cache[meta.ID]; exists {
		return Metadata{}, core.NewConflictError("function", meta.ID, "already registered")
	}
	e.cache[meta.ID] = meta.clone()

	e.log.WithFields(map[string]interface{}{
		"function_id": meta.ID,
		"name":        meta.Name,
	}).Info("function registered")
	return meta, nil
}

// UpdateFunction applies partial metadata changes. When the source or
// entry point changes, the staged copy is compiled before anything is
// committed, so a failed compile leaves the cached record untouched.
func (e *Engine) UpdateFunction(ctx context.Context, id string, upd Update) (Metadata, error) {
	if id == "" {
		return Metadata{}, core.RequiredError("id")
	}

	staged, err := e.GetFunction(ctx, id)
	if err != nil {
		return Metadata{}, err
	}

	if upd.Name != nil {
		if *upd.Name == "" {
			return Metadata{}, core.RequiredError("name")
		}
		staged.Name = *upd.Name
	}
	if upd.Description != nil {
		staged.Description = *upd.Description
	}
	if upd.SourceCode != nil {
		staged.SourceCode = *upd.SourceCode
	}
	if upd.EntryPoint != nil {
		staged.EntryPoint = *upd.EntryPoint
	}
	if upd.MaxExecutionTime != nil {
		staged.MaxExecutionTime = *upd.MaxExecutionTime
	}
	if upd.MaxMemoryMB != nil {
		staged.MaxMemoryMB = *upd.MaxMemoryMB
	}
	if upd.SecretIDs != nil {
		staged.SecretIDs = *upd.SecretIDs
	}
	if upd.EnvVars != nil {
		staged.EnvVars = *upd.EnvVars
	}
	if upd.Status != nil {
		switch *upd.Status {
		case StatusActive, StatusDisabled:
			staged.Status = *upd.Status
		default:
			return Metadata{}, core.NewValidationError("status", fmt.Sprintf("unknown status %q", *upd.Status))
		}
	}

	if upd.SourceCode != nil || upd.EntryPoint != nil {
		if err := e.runtime.Compile(ctx, staged.SourceCode, staged.EntryPoint); err != nil {
			return Metadata{}, err
		}
	}

	staged.UpdatedAt = time.Now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.cache[id]; !exists {
		return Metadata{}, core.NewNotFoundError("function", id)
	}
	e.cache[id] = staged.clone()
	return staged, nil
}

// UpdateSourceCode replaces the function's source, compiling the staged
// copy before commit.
func (e *Engine) UpdateSourceCode(ctx context.Context, id, source string) (Metadata, error) {
	if source == "" {
		return Metadata{}, core.RequiredError("sourceCode")
	}
	return e.UpdateFunction(ctx, id, Update{SourceCode: &source})
}

// DeleteFunction removes the function and drops its event registrations.
func (e *Engine) DeleteFunction(ctx context.Context, id string) error {
	if id == "" {
		return core.RequiredError("id")
	}

	e.mu.Lock()
	_, exists := e.cache[id]
	delete(e.cache, id)
	e.mu.Unlock()

	if !exists {
		return core.NewNotFoundError("function", id)
	}

	e.events.UnregisterFunction(id)
	e.log.WithField("function_id", id).Info("function removed")
	return nil
}

// GetFunction returns the cached metadata for id.
func (e *Engine) GetFunction(ctx context.Context, id string) (Metadata, error) {
	if id == "" {
		return Metadata{}, core.RequiredError("id")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	meta, ok := e.cache[id]
	if !ok {
		return Metadata{}, core.NewNotFoundError("function", id)
	}
	return meta.clone(), nil
}

// ListFunctions returns all cached functions, optionally filtered by
// account, ordered by id.
func (e *Engine) ListFunctions(ctx context.Context, accountID string) []Metadata {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Metadata, 0, len(e.cache))
	for _, meta := range e.cache {
		if accountID != "" && meta.AccountID != accountID {
			continue
		}
		out = append(out, meta.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Execute runs the function with the given parameters.
func (e *Engine) Execute(ctx context.Context, id string, params map[string]any) (*Result, error) {
	return e.execute(ctx, id, params, nil)
}

// ExecuteForEvent runs the function with the triggering event bound to the
// event global.
func (e *Engine) ExecuteForEvent(ctx context.Context, id string, event events.Event) (*Result, error) {
	payload := map[string]any{
		"type":      event.Type,
		"name":      event.Name,
		"source":    event.Source,
		"data":      event.Data,
		"timestamp": event.Timestamp.UTC().Format(time.RFC3339),
	}
	return e.execute(ctx, id, nil, payload)
}

func (e *Engine) execute(ctx context.Context, id string, params map[string]any, event map[string]any) (*Result, error) {
	meta, err := e.GetFunction(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta.Status != StatusActive {
		return nil, core.NewValidationError("status", fmt.Sprintf("function %s is %s", id, meta.Status))
	}

	start := time.Now()
	result, err := e.runtime.Execute(ctx, meta, params, event)
	if err != nil {
		metrics.RecordFunctionExecution("failure", time.Since(start))
		e.log.WithError(err).WithField("function_id", id).Warn("function execution failed")
		return nil, core.WrapServiceError("functions", "execute", err)
	}
	metrics.RecordFunctionExecution("success", time.Since(start))

	result.FunctionID = id
	result.ExecutedAt = time.Now().UTC()
	return result, nil
}

// GetStorageValue reads one function-scoped key.
func (e *Engine) GetStorageValue(ctx context.Context, functionID, key string) (string, error) {
	if functionID == "" {
		return "", core.RequiredError("functionId")
	}
	if key == "" {
		return "", core.RequiredError("key")
	}
	return e.kv.Get(ctx, functionID, key)
}

// SetStorageValue writes one function-scoped key.
func (e *Engine) SetStorageValue(ctx context.Context, functionID, key, value string) error {
	if functionID == "" {
		return core.RequiredError("functionId")
	}
	if key == "" {
		return core.RequiredError("key")
	}
	return e.kv.Set(ctx, functionID, key, value)
}

// DeleteStorageValue removes one function-scoped key.
func (e *Engine) DeleteStorageValue(ctx context.Context, functionID, key string) error {
	if functionID == "" {
		return core.RequiredError("functionId")
	}
	if key == "" {
		return core.RequiredError("key")
	}
	return e.kv.Delete(ctx, functionID, key)
}

// RegisterBlockchainEvent subscribes the function to contract notifications.
func (e *Engine) RegisterBlockchainEvent(ctx context.Context, functionID, contractHash, eventName string) (events.Registration, error) {
	if _, err := e.GetFunction(ctx, functionID); err != nil {
		return events.Registration{}, err
	}
	return e.events.RegisterBlockchainEvent(functionID, contractHash, eventName)
}

// RegisterTimeEvent schedules the function on a cron spec.
func (e *Engine) RegisterTimeEvent(ctx context.Context, functionID, schedule string) (events.Registration, error) {
	if _, err := e.GetFunction(ctx, functionID); err != nil {
		return events.Registration{}, err
	}
	return e.events.RegisterTimeEvent(functionID, schedule)
}

// TriggerCustomEvent fires an ad-hoc event at the function.
func (e *Engine) TriggerCustomEvent(ctx context.Context, functionID, eventName string, data map[string]any) error {
	if _, err := e.GetFunction(ctx, functionID); err != nil {
		return err
	}
	return e.events.TriggerCustom(ctx, functionID, eventName, data)
}
