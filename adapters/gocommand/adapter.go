package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"

	mailsync "github.com/goliatone/go-mailsync"
)

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(cmd)
}

func (a *RegistryAdapter) RegisterQuery(qry any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(qry)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func SubscribeCommand[T any](cmd command.Commander[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
}

func SubscribeCommandFunc[T any](handler command.CommandFunc[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(handler, runnerOpts...)
}

func SubscribeQuery[T any, R any](qry command.Querier[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func SubscribeQueryFunc[T any, R any](qry command.QueryFunc[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

// DispatchWithResult validates msg, dispatches it and returns whatever the
// commander stored as its result. ok is false when nothing was stored.
func DispatchWithResult[T any, R any](ctx context.Context, msg T) (out R, ok bool, err error) {
	if err := ValidateMessageContract(msg); err != nil {
		return out, false, err
	}
	collector := command.NewResult[R]()
	err = commanddispatcher.Dispatch(command.ContextWithResult(ctx, collector), msg)
	out, ok = collector.Load()
	return out, ok, err
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	if err := ValidateMessageContract(msg); err != nil {
		var zero R
		return zero, err
	}
	return commanddispatcher.Query[T, R](ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	subscription := SubscribeQuery(qry, runnerOpts...)
	if err := adapter.RegisterQuery(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// Bus holds the dispatcher subscriptions of every mailsync command and query.
type Bus struct {
	subscriptions []commanddispatcher.Subscription
}

// Close removes every subscription. The dispatcher is process wide, so a
// closed bus can be registered again.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	for _, sub := range b.subscriptions {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *Bus) add(sub commanddispatcher.Subscription, err error) error {
	if err != nil {
		return err
	}
	b.subscriptions = append(b.subscriptions, sub)
	return nil
}

// RegisterFacade subscribes every facade commander and querier.
func RegisterFacade(adapter *RegistryAdapter, facade *mailsync.Facade) (*Bus, error) {
	if facade == nil {
		return nil, fmt.Errorf("gocommand: facade is required")
	}
	commands := facade.Commands()
	queries := facade.Queries()
	bus := &Bus{}
	steps := []func() error{
		func() error { return bus.add(RegisterAndSubscribe(adapter, commands.RegisterAccount)) },
		func() error { return bus.add(RegisterAndSubscribe(adapter, commands.DeleteAccount)) },
		func() error { return bus.add(RegisterAndSubscribe(adapter, commands.StartAuthorization)) },
		func() error { return bus.add(RegisterAndSubscribe(adapter, commands.CompleteAuthorization)) },
		func() error { return bus.add(RegisterAndSubscribe(adapter, commands.StartDeviceCode)) },
		func() error { return bus.add(RegisterAndSubscribe(adapter, commands.PollDeviceCode)) },
		func() error { return bus.add(RegisterAndSubscribe(adapter, commands.RefreshTokens)) },
		func() error { return bus.add(RegisterAndSubscribe(adapter, commands.RevokeToken)) },
		func() error { return bus.add(RegisterAndSubscribe(adapter, commands.RunSync)) },
		func() error { return bus.add(RegisterAndSubscribe(adapter, commands.CreateSubscription)) },
		func() error { return bus.add(RegisterAndSubscribe(adapter, commands.RenewSubscriptions)) },
		func() error { return bus.add(RegisterAndSubscribe(adapter, commands.CancelSubscription)) },
		func() error { return bus.add(RegisterAndSubscribeQuery(adapter, queries.GetAccount)) },
		func() error { return bus.add(RegisterAndSubscribeQuery(adapter, queries.ListAccounts)) },
		func() error { return bus.add(RegisterAndSubscribeQuery(adapter, queries.AuthStatus)) },
		func() error { return bus.add(RegisterAndSubscribeQuery(adapter, queries.TokenStatus)) },
		func() error { return bus.add(RegisterAndSubscribeQuery(adapter, queries.SyncHistory)) },
		func() error { return bus.add(RegisterAndSubscribeQuery(adapter, queries.ListSubscriptions)) },
		func() error { return bus.add(RegisterAndSubscribeQuery(adapter, queries.ListMessages)) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			bus.Close()
			return nil, err
		}
	}
	return bus, nil
}
