// Package cqrs separates state-changing commands from read-only queries.
// Handlers register by name; middlewares wrap every dispatch uniformly, so
// logging and metrics live here instead of in each handler.
package cqrs

import (
	"context"
	"fmt"

	"tablebook/booking/internal/models"
)

// Command is a request to change state. Names are verb_noun, e.g.
// "create_booking".
type Command interface {
	CommandName() string
}

// Query is a read-only request. Queries never touch the event log or the
// outbox.
type Query interface {
	QueryName() string
}

// CommandResult reports what a command did. Events carries the domain events
// the command committed, already linked into the chain.
type CommandResult struct {
	Success bool
	Data    any
	Events  []models.DomainEvent
	Error   error
}

type QueryResult struct {
	Success    bool
	Data       any
	TotalCount int64
	Error      error
}

type CommandHandlerFunc func(ctx context.Context, cmd Command) CommandResult

type QueryHandlerFunc func(ctx context.Context, qry Query) QueryResult

// CommandMiddleware wraps a command handler; the name is the registered
// command name, available before the handler runs.
type CommandMiddleware func(name string, next CommandHandlerFunc) CommandHandlerFunc

type QueryMiddleware func(name string, next QueryHandlerFunc) QueryHandlerFunc

type Bus struct {
	commandHandlers    map[string]CommandHandlerFunc
	queryHandlers      map[string]QueryHandlerFunc
	commandMiddlewares []CommandMiddleware
	queryMiddlewares   []QueryMiddleware
}

func NewBus() *Bus {
	return &Bus{
		commandHandlers: make(map[string]CommandHandlerFunc),
		queryHandlers:   make(map[string]QueryHandlerFunc),
	}
}

func (b *Bus) UseCommandMiddleware(mw ...CommandMiddleware) {
	b.commandMiddlewares = append(b.commandMiddlewares, mw...)
}

func (b *Bus) UseQueryMiddleware(mw ...QueryMiddleware) {
	b.queryMiddlewares = append(b.queryMiddlewares, mw...)
}

// RegisterCommand panics on duplicate names: registration happens once at
// startup and a silent overwrite would route traffic to the wrong handler.
func (b *Bus) RegisterCommand(name string, handler CommandHandlerFunc) {
	if _, exists := b.commandHandlers[name]; exists {
		panic(fmt.Sprintf("cqrs: command %q registered twice", name))
	}
	b.commandHandlers[name] = handler
}

func (b *Bus) RegisterQuery(name string, handler QueryHandlerFunc) {
	if _, exists := b.queryHandlers[name]; exists {
		panic(fmt.Sprintf("cqrs: query %q registered twice", name))
	}
	b.queryHandlers[name] = handler
}

func (b *Bus) DispatchCommand(ctx context.Context, cmd Command) CommandResult {
	name := cmd.CommandName()
	handler, ok := b.commandHandlers[name]
	if !ok {
		return CommandResult{Error: fmt.Errorf("cqrs: no handler for command %q", name)}
	}
	// Middlewares apply outermost-first, matching registration order.
	for i := len(b.commandMiddlewares) - 1; i >= 0; i-- {
		handler = b.commandMiddlewares[i](name, handler)
	}
	return handler(ctx, cmd)
}

func (b *Bus) DispatchQuery(ctx context.Context, qry Query) QueryResult {
	name := qry.QueryName()
	handler, ok := b.queryHandlers[name]
	if !ok {
		return QueryResult{Error: fmt.Errorf("cqrs: no handler for query %q", name)}
	}
	for i := len(b.queryMiddlewares) - 1; i >= 0; i-- {
		handler = b.queryMiddlewares[i](name, handler)
	}
	return handler(ctx, qry)
}
