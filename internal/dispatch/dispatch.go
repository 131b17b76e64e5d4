// Package dispatch implements the message dispatch table: each
// request's operation tag (list-schemas, get-item, get-items,
// set-item, delete-item, move-item, validate, commit,
// discard-changes) maps to a handler, and anything else yields an
// UNSUPPORTED error. Handlers are registered per table instance so an
// engine can override individual operations.
package dispatch

import (
	"context"

	"github.com/dineshreddyk/sysrepo-go/internal/reqpool"
	"github.com/dineshreddyk/sysrepo-go/internal/shmerr"
)

// Op identifies one request kind.
type Op string

const (
	OpListSchemas    Op = "list-schemas"
	OpGetItem        Op = "get-item"
	OpGetItems       Op = "get-items"
	OpSetItem        Op = "set-item"
	OpDeleteItem     Op = "delete-item"
	OpMoveItem       Op = "move-item"
	OpValidate       Op = "validate"
	OpCommit         Op = "commit"
	OpDiscardChanges Op = "discard-changes"
)

// HandlerFunc processes one decoded request payload for a session.
type HandlerFunc func(ctx context.Context, sessionID uint64, payload any) (any, error)

// Table maps operation tags to handlers.
type Table struct {
	handlers map[Op]HandlerFunc
}

// NewTable builds an empty dispatch table.
func NewTable() *Table {
	return &Table{handlers: make(map[Op]HandlerFunc)}
}

// Register binds op to handler, replacing any existing binding.
func (t *Table) Register(op Op, handler HandlerFunc) {
	t.handlers[op] = handler
}

// Dispatch looks up and invokes the handler for op, returning an
// UNSUPPORTED error if none is registered.
func (t *Table) Dispatch(ctx context.Context, op Op, sessionID uint64, payload any) (any, error) {
	handler, ok := t.handlers[op]
	if !ok {
		return nil, shmerr.New("dispatch.Dispatch", shmerr.Unsupported, nil)
	}
	return handler(ctx, sessionID, payload)
}

// Handle adapts Dispatch into a reqpool.Handler, the entry point the
// request processor pool's workers call for each dequeued message.
func (t *Table) Handle(ctx context.Context) reqpool.Handler {
	return func(msg *reqpool.Message) reqpool.Response {
		data, err := t.Dispatch(ctx, Op(msg.Op), msg.SessionID, msg.Payload)
		return reqpool.Response{Data: data, Err: err}
	}
}
