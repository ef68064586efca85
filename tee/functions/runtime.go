package functions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/r3e-network/neo-service-layer-sub002/internal/core"
	"github.com/r3e-network/neo-service-layer-sub002/pkg/logger"
)

// compileTimeout bounds top-level script evaluation during validation.
const compileTimeout = 5 * time.Second

// Runtime validates and executes function source code.
type Runtime interface {
	// Compile checks that source parses, that its top-level code runs, and
	// that entryPoint names a function. A function that fails Compile must
	// never become executable.
	Compile(ctx context.Context, source, entryPoint string) error
	// Execute runs the entry point with params bound to the args global.
	// A non-nil event is additionally bound to the event global and passed
	// as the second call argument.
	Execute(ctx context.Context, meta Metadata, params map[string]any, event map[string]any) (*Result, error)
}

// SecretSource resolves secret plaintext for an execution, enforcing the
// secret's allowed-function ACL. The vault implements it.
type SecretSource interface {
	FunctionSecret(ctx context.Context, secretID, accountID, functionID string) (name, value string, err error)
}

// GojaRuntime executes JavaScript functions in an embedded interpreter. One
// fresh VM per execution: nothing leaks between runs.
type GojaRuntime struct {
	secrets SecretSource
	log     *logger.Logger
}

// NewGojaRuntime creates the JavaScript runtime. secrets may be nil, in
// which case the secrets global is always empty.
func NewGojaRuntime(secrets SecretSource, log *logger.Logger) *GojaRuntime {
	if log == nil {
		log = logger.NewDefault("functions.runtime")
	}
	return &GojaRuntime{secrets: secrets, log: log}
}

// Compile validates source against the entry-point contract.
func (r *GojaRuntime) Compile(ctx context.Context, source, entryPoint string) error {
	if source == "" {
		return core.RequiredError("sourceCode")
	}
	if entryPoint == "" {
		return core.RequiredError("entryPoint")
	}
	if len(source) > MaxSourceSize {
		return core.NewValidationError("sourceCode", fmt.Sprintf("exceeds maximum size of %d bytes", MaxSourceSize))
	}

	program, err := goja.Compile("function", source, false)
	if err != nil {
		return core.NewValidationError("sourceCode", fmt.Sprintf("compile failed: %v", err))
	}

	vm := goja.New()
	attachConsole(vm, nil)

	stop := watchdog(ctx, vm, compileTimeout)
	defer stop()

	if _, err := vm.RunProgram(program); err != nil {
		return core.NewValidationError("sourceCode", fmt.Sprintf("top-level code failed: %v", jsError(err)))
	}
	if _, ok := goja.AssertFunction(vm.Get(entryPoint)); !ok {
		return core.NewValidationError("entryPoint", fmt.Sprintf("%q is not a function", entryPoint))
	}
	return nil
}

// Execute runs one function invocation in a fresh VM.
func (r *GojaRuntime) Execute(ctx context.Context, meta Metadata, params map[string]any, event map[string]any) (*Result, error) {
	timeout := meta.executionTimeout()
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	vm := goja.New()

	var logs []string
	attachConsole(vm, &logs)

	if params == nil {
		params = map[string]any{}
	}
	if err := vm.Set("args", params); err != nil {
		return nil, fmt.Errorf("set args: %w", err)
	}

	env := meta.EnvVars
	if env == nil {
		env = map[string]string{}
	}
	if err := vm.Set("env", env); err != nil {
		return nil, fmt.Errorf("set env: %w", err)
	}

	if err := vm.Set("secrets", r.loadSecrets(ctx, meta, &logs)); err != nil {
		return nil, fmt.Errorf("set secrets: %w", err)
	}

	if event != nil {
		if err := vm.Set("event", event); err != nil {
			return nil, fmt.Errorf("set event: %w", err)
		}
	}

	stop := watchdog(ctx, vm, timeout)
	defer stop()

	start := time.Now()

	if _, err := vm.RunString(meta.SourceCode); err != nil {
		return nil, r.executionError(ctx, err, timeout)
	}

	entryFn, ok := goja.AssertFunction(vm.Get(meta.EntryPoint))
	if !ok {
		return nil, fmt.Errorf("entry point %q is not a function", meta.EntryPoint)
	}

	callArgs := []goja.Value{vm.ToValue(params)}
	if event != nil {
		callArgs = append(callArgs, vm.ToValue(event))
	}
	value, err := entryFn(goja.Undefined(), callArgs...)
	if err != nil {
		return nil, r.executionError(ctx, err, timeout)
	}

	var exported any
	if value != nil && value != goja.Undefined() && value != goja.Null() {
		exported = value.Export()
	}

	return &Result{
		Value:      exported,
		Logs:       logs,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// loadSecrets resolves the function's declared secrets through the vault.
// A secret that cannot be resolved is skipped with a log line; it never
// aborts the execution.
func (r *GojaRuntime) loadSecrets(ctx context.Context, meta Metadata, logs *[]string) map[string]string {
	resolved := map[string]string{}
	if r.secrets == nil || len(meta.SecretIDs) == 0 {
		return resolved
	}
	for _, secretID := range meta.SecretIDs {
		name, value, err := r.secrets.FunctionSecret(ctx, secretID, meta.AccountID, meta.ID)
		if err != nil {
			*logs = append(*logs, fmt.Sprintf("secret %s unavailable", secretID))
			r.log.WithError(err).WithFields(map[string]interface{}{
				"function_id": meta.ID,
				"secret_id":   secretID,
			}).Warn("secret not resolved for execution")
			continue
		}
		resolved[name] = value
	}
	return resolved
}

func (r *GojaRuntime) executionError(ctx context.Context, err error, timeout time.Duration) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("execution timed out after %s: %w", timeout, core.ErrTimeout)
	}
	return fmt.Errorf("script error: %v", jsError(err))
}

// jsError unwraps a thrown JavaScript value so the message shows what the
// script threw rather than the goja wrapper.
func jsError(err error) any {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.Value()
	}
	return err
}

// attachConsole captures console output into logs. A nil logs sink still
// installs the object so top-level logging does not throw.
func attachConsole(vm *goja.Runtime, logs *[]string) {
	capture := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			if logs == nil {
				return goja.Undefined()
			}
			parts := make([]any, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.Export()
			}
			msg := fmt.Sprint(parts...)
			if level != "" {
				msg = level + ": " + msg
			}
			*logs = append(*logs, msg)
			return goja.Undefined()
		}
	}

	console := vm.NewObject()
	console.Set("log", capture(""))
	console.Set("info", capture("INFO"))
	console.Set("warn", capture("WARN"))
	console.Set("error", capture("ERROR"))
	vm.Set("console", console)
}

// watchdog interrupts the VM when the timeout elapses or ctx is cancelled.
// The returned stop function must be deferred.
func watchdog(ctx context.Context, vm *goja.Runtime, timeout time.Duration) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(timeout):
			vm.Interrupt("execution timed out")
		case <-ctx.Done():
			vm.Interrupt("execution cancelled")
		case <-done:
		}
	}()
	return func() { close(done) }
}
