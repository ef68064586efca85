// Package events implements the event monitor collaborator behind the
// function engine's registration operations: cron time events, blockchain
// notifications over a node websocket, and programmatic custom events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"

	"github.com/r3e-network/neo-service-layer-sub002/internal/chain"
	"github.com/r3e-network/neo-service-layer-sub002/internal/core"
	"github.com/r3e-network/neo-service-layer-sub002/pkg/logger"
)

// Event types delivered to triggered functions.
const (
	TypeBlockchain = "blockchain"
	TypeTime       = "time"
	TypeCustom     = "custom"
)

// Event is the payload injected into an event-driven function execution.
type Event struct {
	Type      string         `json:"type"`
	Name      string         `json:"name"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Trigger is invoked for every fired registration. It is wired to the
// function engine's event execution path.
type Trigger func(ctx context.Context, functionID string, event Event)

// Registration ties an event source to a target function.
type Registration struct {
	ID           string    `json:"id"`
	FunctionID   string    `json:"functionId"`
	Type         string    `json:"type"`
	ContractHash string    `json:"contractHash,omitempty"`
	EventName    string    `json:"eventName,omitempty"`
	Schedule     string    `json:"schedule,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Config holds monitor configuration.
type Config struct {
	// WSURL is the node websocket endpoint. Empty disables the blockchain
	// stream; time and custom events still work.
	WSURL  string
	Logger *logger.Logger
}

// Monitor manages event registrations and fires the trigger when they match.
type Monitor struct {
	mu            sync.RWMutex
	log           *logger.Logger
	wsURL         string
	trigger       Trigger
	cron          *cron.Cron
	cronEntries   map[string]cron.EntryID
	registrations map[string]Registration

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

var contractHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// NewMonitor creates a stopped monitor.
func NewMonitor(cfg Config) *Monitor {
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Monitor{
		log:           log,
		wsURL:         cfg.WSURL,
		cron:          cron.New(),
		cronEntries:   make(map[string]cron.EntryID),
		registrations: make(map[string]Registration),
	}
}

// SetTrigger wires the fire callback. Must be called before Start.
func (m *Monitor) SetTrigger(fn Trigger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trigger = fn
}

// Start launches the cron scheduler and, when configured, the blockchain
// subscription loop. A node that is down at boot is retried with backoff
// rather than failing startup.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("event monitor already started")
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.cron.Start()

	if m.wsURL != "" {
		m.wg.Add(1)
		go m.runChainStream()
	}

	m.log.WithField("ws_url", m.wsURL).Info("event monitor started")
	return nil
}

// Stop cancels all registrations and waits for the stream loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.cancel()
	m.mu.Unlock()

	m.cron.Stop()
	m.wg.Wait()
	m.log.Info("event monitor stopped")
}

// RegisterBlockchainEvent subscribes functionID to notifications emitted by
// contractHash with the given event name.
func (m *Monitor) RegisterBlockchainEvent(functionID, contractHash, eventName string) (Registration, error) {
	if functionID == "" {
		return Registration{}, core.RequiredError("functionId")
	}
	if !contractHashPattern.MatchString(contractHash) {
		return Registration{}, core.NewValidationError("contractHash", "must be a 0x-prefixed 20-byte script hash")
	}
	if eventName == "" {
		return Registration{}, core.RequiredError("eventName")
	}

	reg := Registration{
		ID:           uuid.NewString(),
		FunctionID:   functionID,
		Type:         TypeBlockchain,
		ContractHash: strings.ToLower(contractHash),
		EventName:    eventName,
		CreatedAt:    time.Now().UTC(),
	}

	m.mu.Lock()
	m.registrations[reg.ID] = reg
	m.mu.Unlock()

	m.log.WithFields(map[string]any{
		"registration_id": reg.ID,
		"function_id":     functionID,
		"contract":        reg.ContractHash,
		"event":           eventName,
	}).Info("blockchain event registered")
	return reg, nil
}

// RegisterTimeEvent schedules functionID on a cron spec (standard five-field
// plus descriptors like @hourly and @every).
func (m *Monitor) RegisterTimeEvent(functionID, schedule string) (Registration, error) {
	if functionID == "" {
		return Registration{}, core.RequiredError("functionId")
	}
	if schedule == "" {
		return Registration{}, core.RequiredError("schedule")
	}

	reg := Registration{
		ID:         uuid.NewString(),
		FunctionID: functionID,
		Type:       TypeTime,
		Schedule:   schedule,
		CreatedAt:  time.Now().UTC(),
	}

	entryID, err := m.cron.AddFunc(schedule, func() {
		m.fire(reg.FunctionID, Event{
			Type:      TypeTime,
			Name:      schedule,
			Source:    reg.ID,
			Timestamp: time.Now().UTC(),
		})
	})
	if err != nil {
		return Registration{}, core.NewValidationError("schedule", err.Error())
	}

	m.mu.Lock()
	m.registrations[reg.ID] = reg
	m.cronEntries[reg.ID] = entryID
	m.mu.Unlock()

	m.log.WithFields(map[string]any{
		"registration_id": reg.ID,
		"function_id":     functionID,
		"schedule":        schedule,
	}).Info("time event registered")
	return reg, nil
}

// TriggerCustom fires an ad-hoc event against a target function.
func (m *Monitor) TriggerCustom(ctx context.Context, functionID, name string, data map[string]any) error {
	if functionID == "" {
		return core.RequiredError("functionId")
	}
	if name == "" {
		return core.RequiredError("eventName")
	}

	m.fire(functionID, Event{
		Type:      TypeCustom,
		Name:      name,
		Source:    "custom",
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// Unregister removes a registration and its cron entry if any.
func (m *Monitor) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.registrations[id]; !ok {
		return core.NewNotFoundError("registration", id)
	}
	if entryID, ok := m.cronEntries[id]; ok {
		m.cron.Remove(entryID)
		delete(m.cronEntries, id)
	}
	delete(m.registrations, id)
	return nil
}

// UnregisterFunction drops every registration targeting functionID. Used
// when a function is deleted.
func (m *Monitor) UnregisterFunction(functionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, reg := range m.registrations {
		if reg.FunctionID != functionID {
			continue
		}
		if entryID, ok := m.cronEntries[id]; ok {
			m.cron.Remove(entryID)
			delete(m.cronEntries, id)
		}
		delete(m.registrations, id)
	}
}

// Registrations lists active registrations.
func (m *Monitor) Registrations() []Registration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Registration, 0, len(m.registrations))
	for _, reg := range m.registrations {
		out = append(out, reg)
	}
	return out
}

func (m *Monitor) fire(functionID string, event Event) {
	m.mu.RLock()
	trigger := m.trigger
	ctx := m.ctx
	m.mu.RUnlock()

	if trigger == nil {
		m.log.WithField("function_id", functionID).Warn("event fired with no trigger wired")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go trigger(ctx, functionID, event)
}

// --- blockchain stream ------------------------------------------------------

type wsMessage struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func (m *Monitor) runChainStream() {
	defer m.wg.Done()

	backoff := time.Second
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		if err := m.streamOnce(); err != nil {
			m.log.WithError(err).WithField("backoff", backoff.String()).
				Warn("blockchain stream disconnected")
		}

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (m *Monitor) streamOnce() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(m.ctx, m.wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	// Unblock the read loop when the monitor stops.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-m.ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	subscribe := chain.RPCRequest{
		JSONRPC: "2.0",
		Method:  "subscribe",
		Params:  []any{"notification_from_execution"},
		ID:      1,
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	m.log.WithField("ws_url", m.wsURL).Info("blockchain stream connected")

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if m.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Method != "notification_from_execution" {
			continue
		}

		for _, raw := range msg.Params {
			var n chain.Notification
			if err := json.Unmarshal(raw, &n); err != nil {
				continue
			}
			m.dispatchNotification(n)
		}
	}
}

func (m *Monitor) dispatchNotification(n chain.Notification) {
	contract := strings.ToLower(n.Contract)

	m.mu.RLock()
	var matches []Registration
	for _, reg := range m.registrations {
		if reg.Type == TypeBlockchain && reg.ContractHash == contract && reg.EventName == n.EventName {
			matches = append(matches, reg)
		}
	}
	m.mu.RUnlock()

	for _, reg := range matches {
		m.fire(reg.FunctionID, Event{
			Type:   TypeBlockchain,
			Name:   n.EventName,
			Source: contract,
			Data: map[string]any{
				"contract":  contract,
				"eventName": n.EventName,
				"state":     n.State,
			},
			Timestamp: time.Now().UTC(),
		})
	}
}
