package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/r3e-network/neo-service-layer-sub002/internal/chain"
	"github.com/r3e-network/neo-service-layer-sub002/internal/core"
)

type firedEvent struct {
	functionID string
	event      Event
}

func newTestMonitor(wsURL string) (*Monitor, chan firedEvent) {
	m := NewMonitor(Config{WSURL: wsURL})
	fired := make(chan firedEvent, 16)
	m.SetTrigger(func(ctx context.Context, functionID string, event Event) {
		fired <- firedEvent{functionID: functionID, event: event}
	})
	return m, fired
}

func TestRegisterTimeEventValidatesSchedule(t *testing.T) {
	m, _ := newTestMonitor("")

	if _, err := m.RegisterTimeEvent("fn-1", "not a cron spec"); !core.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := m.RegisterTimeEvent("", "@hourly"); !core.IsValidationError(err) {
		t.Fatalf("expected validation error for missing function id, got %v", err)
	}
}

func TestRegisterBlockchainEventValidatesContract(t *testing.T) {
	m, _ := newTestMonitor("")

	if _, err := m.RegisterBlockchainEvent("fn-1", "nothex", "Transfer"); !core.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := m.RegisterBlockchainEvent("fn-1", "0xd2a4cff31913016155e38e474a2c06d08be276cf", ""); !core.IsValidationError(err) {
		t.Fatalf("expected validation error for missing event name, got %v", err)
	}

	reg, err := m.RegisterBlockchainEvent("fn-1", "0xD2A4CFF31913016155E38E474A2C06D08BE276CF", "Transfer")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.ContractHash != "0xd2a4cff31913016155e38e474a2c06d08be276cf" {
		t.Errorf("contract hash not normalized: %q", reg.ContractHash)
	}
}

func TestTimeEventFires(t *testing.T) {
	m, fired := newTestMonitor("")

	if _, err := m.RegisterTimeEvent("fn-timer", "@every 1s"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	select {
	case got := <-fired:
		if got.functionID != "fn-timer" {
			t.Errorf("function id = %q, want fn-timer", got.functionID)
		}
		if got.event.Type != TypeTime {
			t.Errorf("event type = %q, want %q", got.event.Type, TypeTime)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("time event did not fire")
	}
}

func TestCustomEventFires(t *testing.T) {
	m, fired := newTestMonitor("")

	err := m.TriggerCustom(context.Background(), "fn-custom", "deploy-finished", map[string]any{"version": "1.2.3"})
	if err != nil {
		t.Fatalf("trigger custom: %v", err)
	}

	select {
	case got := <-fired:
		if got.functionID != "fn-custom" || got.event.Name != "deploy-finished" {
			t.Errorf("unexpected fire: %+v", got)
		}
		if got.event.Data["version"] != "1.2.3" {
			t.Errorf("event data = %v", got.event.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("custom event did not fire")
	}

	if err := m.TriggerCustom(context.Background(), "", "x", nil); !core.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDispatchNotificationMatchesRegistrations(t *testing.T) {
	m, fired := newTestMonitor("")

	if _, err := m.RegisterBlockchainEvent("fn-transfer", "0xd2a4cff31913016155e38e474a2c06d08be276cf", "Transfer"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := m.RegisterBlockchainEvent("fn-other", "0xd2a4cff31913016155e38e474a2c06d08be276cf", "Approval"); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.dispatchNotification(chain.Notification{
		Contract:  "0xD2A4CFF31913016155E38E474A2C06D08BE276CF",
		EventName: "Transfer",
		State:     chain.StackItem{Type: "Array", Value: json.RawMessage(`[]`)},
	})

	select {
	case got := <-fired:
		if got.functionID != "fn-transfer" {
			t.Errorf("function id = %q, want fn-transfer", got.functionID)
		}
		if got.event.Source != "0xd2a4cff31913016155e38e474a2c06d08be276cf" {
			t.Errorf("source = %q", got.event.Source)
		}
	case <-time.After(time.Second):
		t.Fatal("notification did not fire")
	}

	select {
	case got := <-fired:
		t.Fatalf("unexpected second fire: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnregisterFunctionDropsRegistrations(t *testing.T) {
	m, _ := newTestMonitor("")

	if _, err := m.RegisterTimeEvent("fn-1", "@hourly"); err != nil {
		t.Fatalf("register time: %v", err)
	}
	if _, err := m.RegisterBlockchainEvent("fn-1", "0xd2a4cff31913016155e38e474a2c06d08be276cf", "Transfer"); err != nil {
		t.Fatalf("register chain: %v", err)
	}
	reg, err := m.RegisterTimeEvent("fn-2", "@hourly")
	if err != nil {
		t.Fatalf("register other: %v", err)
	}

	m.UnregisterFunction("fn-1")

	regs := m.Registrations()
	if len(regs) != 1 || regs[0].ID != reg.ID {
		t.Fatalf("registrations after drop = %+v", regs)
	}

	if err := m.Unregister(reg.ID); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := m.Unregister(reg.ID); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestChainStreamDeliversNotifications(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Consume the subscribe request and acknowledge it.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		ack := map[string]any{"jsonrpc": "2.0", "id": 1, "result": "sub0"}
		if err := conn.WriteJSON(ack); err != nil {
			return
		}

		push := map[string]any{
			"jsonrpc": "2.0",
			"method":  "notification_from_execution",
			"params": []any{map[string]any{
				"contract":  "0xd2a4cff31913016155e38e474a2c06d08be276cf",
				"eventname": "Transfer",
				"state":     map[string]any{"type": "Array", "value": []any{}},
			}},
		}
		if err := conn.WriteJSON(push); err != nil {
			return
		}

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	m, fired := newTestMonitor(wsURL)

	if _, err := m.RegisterBlockchainEvent("fn-stream", "0xd2a4cff31913016155e38e474a2c06d08be276cf", "Transfer"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	select {
	case got := <-fired:
		if got.functionID != "fn-stream" {
			t.Errorf("function id = %q, want fn-stream", got.functionID)
		}
		if got.event.Type != TypeBlockchain || got.event.Name != "Transfer" {
			t.Errorf("unexpected event: %+v", got.event)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream notification did not fire")
	}
}

func TestConcurrentRegistrationAccess(t *testing.T) {
	m, _ := newTestMonitor("")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				reg, err := m.RegisterBlockchainEvent("fn", "0xd2a4cff31913016155e38e474a2c06d08be276cf", "Transfer")
				if err != nil {
					t.Error(err)
					return
				}
				m.Registrations()
				if err := m.Unregister(reg.ID); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if regs := m.Registrations(); len(regs) != 0 {
		t.Fatalf("leftover registrations: %+v", regs)
	}
}
