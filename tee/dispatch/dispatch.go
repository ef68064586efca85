// Package dispatch routes enclave request envelopes to subsystem handlers.
// It is the single place where typed subsystem errors are normalized into
// the response envelope, and the choke point where every operation is
// audited and measured.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/neo-service-layer-sub002/internal/audit"
	"github.com/r3e-network/neo-service-layer-sub002/internal/core"
	"github.com/r3e-network/neo-service-layer-sub002/internal/metrics"
	"github.com/r3e-network/neo-service-layer-sub002/pkg/logger"
)

// Request is the inbound operation envelope. Payload carries the
// operation-specific JSON body.
type Request struct {
	RequestID string          `json:"requestId,omitempty"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Response is the outbound envelope. Exactly one of Payload or Error is
// populated; ErrorKind lets callers branch without parsing messages.
type Response struct {
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"errorMessage,omitempty"`
	ErrorKind core.Kind       `json:"errorKind,omitempty"`
}

// Handler executes one operation. The returned value is marshaled into the
// response payload.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Registry collects operation handlers at boot. Registration conflicts are
// programmer errors and panic immediately rather than surfacing at request
// time.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds an operation name to its handler.
func (r *Registry) Register(operation string, h Handler) {
	if operation == "" {
		panic("dispatch: empty operation name")
	}
	if h == nil {
		panic(fmt.Sprintf("dispatch: nil handler for operation %q", operation))
	}
	if _, exists := r.handlers[operation]; exists {
		panic(fmt.Sprintf("dispatch: operation %q registered twice", operation))
	}
	r.handlers[operation] = h
}

// Operations lists the registered operation names, sorted.
func (r *Registry) Operations() []string {
	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// DecodePayload unmarshals an operation payload into a request struct.
func DecodePayload(payload json.RawMessage, into any) error {
	if len(payload) == 0 {
		return core.RequiredError("payload")
	}
	if err := json.Unmarshal(payload, into); err != nil {
		return core.NewValidationError("payload", err.Error())
	}
	return nil
}

// Dispatcher processes request envelopes against a fixed handler table.
type Dispatcher struct {
	log      *logger.Logger
	audit    *audit.Sink
	handlers map[string]Handler
}

// New builds a dispatcher from a populated registry.
func New(reg *Registry, sink *audit.Sink, log *logger.Logger) *Dispatcher {
	if sink == nil {
		sink = audit.Nop()
	}
	if log == nil {
		log = logger.NewDefault("dispatch")
	}
	return &Dispatcher{
		log:      log,
		audit:    sink,
		handlers: reg.handlers,
	}
}

// Process routes one request to its handler and wraps the outcome in a
// response envelope. It never returns secret material in error messages:
// handlers raise typed errors carrying identifiers only.
func (d *Dispatcher) Process(ctx context.Context, req Request) Response {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	start := time.Now()

	d.log.WithFields(map[string]interface{}{
		"request_id":    requestID,
		"operation":     req.Operation,
		"payload_bytes": len(req.Payload),
	}).Info("processing enclave request")

	result, err := d.invoke(ctx, req)

	resp := Response{RequestID: requestID, Success: err == nil}
	if err != nil {
		resp.Error = err.Error()
		resp.ErrorKind = core.KindOf(err)
	} else if result != nil {
		payload, merr := json.Marshal(result)
		if merr != nil {
			resp.Success = false
			resp.Error = "failed to encode response payload"
			resp.ErrorKind = core.KindInternal
			err = merr
		} else {
			resp.Payload = payload
		}
	}

	outcome := audit.OutcomeSuccess
	if !resp.Success {
		outcome = audit.OutcomeFailure
	}
	d.audit.Record(ctx, audit.Event{
		Type:       "enclave.request",
		Actor:      "host",
		Resource:   "operation",
		ResourceID: req.Operation,
		Outcome:    outcome,
		Details: map[string]string{
			"request_id":    requestID,
			"payload_bytes": strconv.Itoa(len(req.Payload)),
			"duration_ms":   strconv.FormatInt(time.Since(start).Milliseconds(), 10),
		},
	})
	metrics.RecordRequest(req.Operation, string(outcome), time.Since(start))

	if err != nil {
		d.log.WithError(err).WithFields(map[string]interface{}{
			"request_id": requestID,
			"operation":  req.Operation,
			"error_kind": string(resp.ErrorKind),
		}).Warn("enclave request failed")
	} else {
		d.log.WithFields(map[string]interface{}{
			"request_id":  requestID,
			"operation":   req.Operation,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("enclave request completed")
	}

	return resp
}

// invoke resolves and runs the handler, converting panics into errors so a
// misbehaving handler cannot take down the host.
func (d *Dispatcher) invoke(ctx context.Context, req Request) (result any, err error) {
	if req.Operation == "" {
		return nil, core.RequiredError("operation")
	}
	handler, ok := d.handlers[req.Operation]
	if !ok {
		return nil, core.NewUnsupportedOperationError(req.Operation)
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("operation", req.Operation).
				Errorf("handler panic: %v", r)
			result = nil
			err = fmt.Errorf("internal error processing %s", req.Operation)
		}
	}()

	return handler(ctx, req.Payload)
}
