package gocommand

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-command"
)

type okMessage struct{}

func (okMessage) Type() string { return "mailsync.test.ok" }

type invalidMessage struct{}

func (invalidMessage) Type() string { return "" }

type failingMessage struct{}

func (failingMessage) Type() string { return "mailsync.test.fail" }

func (failingMessage) Validate() error { return errors.New("invalid payload") }

type dispatchMessage struct {
	ID string
}

func (dispatchMessage) Type() string { return "mailsync.test.dispatch" }

type resultMessage struct {
	Value string
}

func (resultMessage) Type() string { return "mailsync.test.result" }

func TestValidateMessageContract(t *testing.T) {
	if err := ValidateMessageContract(okMessage{}); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}
	if err := ValidateMessageContract(invalidMessage{}); err == nil {
		t.Fatalf("expected empty type to fail contract validation")
	}
	if err := ValidateMessageContract(failingMessage{}); err == nil {
		t.Fatalf("expected Validate() failure to bubble")
	}
}

func TestRegistryAndDispatchWiring(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	executed := 0
	customResolverCalled := 0

	cmd := command.CommandFunc[dispatchMessage](func(context.Context, dispatchMessage) error {
		executed++
		return nil
	})

	if _, err := RegisterAndSubscribe(adapter, cmd); err != nil {
		t.Fatalf("register and subscribe: %v", err)
	}
	if err := adapter.AddResolver("custom", func(any, command.CommandMeta, *command.Registry) error {
		customResolverCalled++
		return nil
	}); err != nil {
		t.Fatalf("add resolver: %v", err)
	}
	if !adapter.HasResolver("custom") {
		t.Fatalf("expected custom resolver to be registered")
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	if customResolverCalled == 0 {
		t.Fatalf("expected resolver hook to run during initialization")
	}

	if err := Dispatch(context.Background(), dispatchMessage{ID: "m1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if executed != 1 {
		t.Fatalf("expected command execution count=1, got %d", executed)
	}
}

func TestDispatchWithResultReturnsStoredValue(t *testing.T) {
	cmd := command.CommandFunc[resultMessage](func(ctx context.Context, msg resultMessage) error {
		collector := command.ResultFromContext[string](ctx)
		if collector != nil {
			collector.Store("echo:" + msg.Value)
		}
		return nil
	})
	sub := SubscribeCommandFunc(cmd)
	defer sub.Unsubscribe()

	out, ok, err := DispatchWithResult[resultMessage, string](context.Background(), resultMessage{Value: "v1"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !ok || out != "echo:v1" {
		t.Fatalf("expected stored result, got %q (stored=%v)", out, ok)
	}

	if _, _, err := DispatchWithResult[failingMessage, string](context.Background(), failingMessage{}); err == nil {
		t.Fatalf("expected validation failure before dispatch")
	}
}

func TestBusCloseIsSafeOnNil(t *testing.T) {
	var bus *Bus
	bus.Close()
	if _, err := RegisterFacade(NewRegistryAdapter(nil), nil); err == nil {
		t.Fatalf("expected nil facade to be rejected")
	}
}
