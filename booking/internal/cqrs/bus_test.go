package cqrs

import (
	"context"
	"testing"
)

type testCommand struct{ name string }

func (c testCommand) CommandName() string { return c.name }

type testQuery struct{ name string }

func (q testQuery) QueryName() string { return q.name }

func TestDispatchCommand(t *testing.T) {
	bus := NewBus()
	bus.RegisterCommand("ping", func(ctx context.Context, cmd Command) CommandResult {
		return CommandResult{Success: true, Data: "pong"}
	})

	res := bus.DispatchCommand(context.Background(), testCommand{name: "ping"})
	if !res.Success || res.Data != "pong" {
		t.Fatalf("unexpected result: %+v", res)
	}

	res = bus.DispatchCommand(context.Background(), testCommand{name: "missing"})
	if res.Error == nil {
		t.Fatalf("expected error for unregistered command")
	}
}

func TestDispatchQuery(t *testing.T) {
	bus := NewBus()
	bus.RegisterQuery("count", func(ctx context.Context, qry Query) QueryResult {
		return QueryResult{Success: true, Data: []int{1, 2}, TotalCount: 2}
	})

	res := bus.DispatchQuery(context.Background(), testQuery{name: "count"})
	if !res.Success || res.TotalCount != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res := bus.DispatchQuery(context.Background(), testQuery{name: "missing"}); res.Error == nil {
		t.Fatalf("expected error for unregistered query")
	}
}

func TestCommandMiddlewareOrder(t *testing.T) {
	bus := NewBus()
	var trace []string
	mk := func(label string) CommandMiddleware {
		return func(name string, next CommandHandlerFunc) CommandHandlerFunc {
			return func(ctx context.Context, cmd Command) CommandResult {
				trace = append(trace, label)
				return next(ctx, cmd)
			}
		}
	}
	bus.UseCommandMiddleware(mk("outer"), mk("inner"))
	bus.RegisterCommand("ping", func(ctx context.Context, cmd Command) CommandResult {
		trace = append(trace, "handler")
		return CommandResult{Success: true}
	})

	bus.DispatchCommand(context.Background(), testCommand{name: "ping"})
	if len(trace) != 3 || trace[0] != "outer" || trace[1] != "inner" || trace[2] != "handler" {
		t.Fatalf("middleware order = %v", trace)
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	bus := NewBus()
	bus.RegisterCommand("ping", func(ctx context.Context, cmd Command) CommandResult { return CommandResult{} })
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	bus.RegisterCommand("ping", func(ctx context.Context, cmd Command) CommandResult { return CommandResult{} })
}
