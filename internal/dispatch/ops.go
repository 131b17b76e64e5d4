package dispatch

import (
	"context"

	"github.com/dineshreddyk/sysrepo-go/internal/shmerr"
)

// Result is the top-level outcome carried by every response.
type Result struct {
	Code shmerr.Code
	// Errors carries per-error xpath/message descriptors; validate and
	// commit attach one per failed constraint.
	Errors []ErrorDescriptor
}

// ErrorDescriptor is one typed error attached to a response.
type ErrorDescriptor struct {
	Xpath   string
	Message string
}

// MoveDirection selects where move-item relocates a list entry.
type MoveDirection int

const (
	MoveUp MoveDirection = iota
	MoveDown
)

// Schema describes one installed module in a list-schemas response.
type Schema struct {
	Module        string
	Revision      string
	Features      []string
	ReplaySupport bool
}

// Item is one datastore node in a get response.
type Item struct {
	Xpath string
	Value any
}

// Request payloads, one per operation tag.
type (
	ListSchemasRequest struct{}

	GetItemRequest struct {
		Xpath string
	}

	GetItemsRequest struct {
		Xpath     string
		Recursive bool
		Offset    uint32
		Limit     uint32
	}

	SetItemRequest struct {
		Xpath   string
		Value   any
		Options uint32
	}

	DeleteItemRequest struct {
		Xpath   string
		Options uint32
	}

	MoveItemRequest struct {
		Xpath     string
		Direction MoveDirection
	}

	ValidateRequest struct{}

	CommitRequest struct{}

	DiscardChangesRequest struct{}
)

// Response payloads, matched one-to-one with the requests above.
type (
	ListSchemasResponse struct {
		Result
		Schemas []Schema
	}

	GetItemResponse struct {
		Result
		Item Item
	}

	GetItemsResponse struct {
		Result
		Items []Item
	}

	SetItemResponse struct{ Result }

	DeleteItemResponse struct{ Result }

	MoveItemResponse struct{ Result }

	ValidateResponse struct{ Result }

	CommitResponse struct{ Result }

	DiscardChangesResponse struct{ Result }
)

// Storage is the datastore collaborator the handlers delegate to. The
// storage format itself is out of scope here; the engine is handed an
// implementation at wiring time.
type Storage interface {
	GetItem(ctx context.Context, xpath string) (Item, error)
	GetItems(ctx context.Context, req GetItemsRequest) ([]Item, error)
	SetItem(ctx context.Context, req SetItemRequest) error
	DeleteItem(ctx context.Context, req DeleteItemRequest) error
	MoveItem(ctx context.Context, req MoveItemRequest) error
	Validate(ctx context.Context) ([]ErrorDescriptor, error)
	Commit(ctx context.Context) ([]ErrorDescriptor, error)
	DiscardChanges(ctx context.Context) error
}

// SchemaLister supplies the list-schemas handler; the engine backs it
// with the module registry so the response reflects the shared-memory
// state rather than the storage files.
type SchemaLister func(ctx context.Context) ([]Schema, error)

func resultOf(err error) Result {
	return Result{Code: shmerr.CodeOf(err)}
}

func payloadErr(op string) error {
	return shmerr.Internalf("dispatch."+op, "payload has unexpected type")
}

// RegisterStorage installs the standard handler for every operation
// tag, delegating datastore access to storage and schema enumeration
// to schemas. Each handler builds exactly one typed response; failures
// surface as the response's result code, never as a missing response.
func RegisterStorage(t *Table, schemas SchemaLister, storage Storage) {
	t.Register(OpListSchemas, func(ctx context.Context, sessionID uint64, payload any) (any, error) {
		if _, ok := payload.(ListSchemasRequest); !ok && payload != nil {
			return nil, payloadErr("list-schemas")
		}
		list, err := schemas(ctx)
		return &ListSchemasResponse{Result: resultOf(err), Schemas: list}, nil
	})

	t.Register(OpGetItem, func(ctx context.Context, sessionID uint64, payload any) (any, error) {
		req, ok := payload.(GetItemRequest)
		if !ok {
			return nil, payloadErr("get-item")
		}
		item, err := storage.GetItem(ctx, req.Xpath)
		return &GetItemResponse{Result: resultOf(err), Item: item}, nil
	})

	t.Register(OpGetItems, func(ctx context.Context, sessionID uint64, payload any) (any, error) {
		req, ok := payload.(GetItemsRequest)
		if !ok {
			return nil, payloadErr("get-items")
		}
		items, err := storage.GetItems(ctx, req)
		return &GetItemsResponse{Result: resultOf(err), Items: items}, nil
	})

	t.Register(OpSetItem, func(ctx context.Context, sessionID uint64, payload any) (any, error) {
		req, ok := payload.(SetItemRequest)
		if !ok {
			return nil, payloadErr("set-item")
		}
		return &SetItemResponse{Result: resultOf(storage.SetItem(ctx, req))}, nil
	})

	t.Register(OpDeleteItem, func(ctx context.Context, sessionID uint64, payload any) (any, error) {
		req, ok := payload.(DeleteItemRequest)
		if !ok {
			return nil, payloadErr("delete-item")
		}
		return &DeleteItemResponse{Result: resultOf(storage.DeleteItem(ctx, req))}, nil
	})

	t.Register(OpMoveItem, func(ctx context.Context, sessionID uint64, payload any) (any, error) {
		req, ok := payload.(MoveItemRequest)
		if !ok {
			return nil, payloadErr("move-item")
		}
		return &MoveItemResponse{Result: resultOf(storage.MoveItem(ctx, req))}, nil
	})

	t.Register(OpValidate, func(ctx context.Context, sessionID uint64, payload any) (any, error) {
		descriptors, err := storage.Validate(ctx)
		return &ValidateResponse{Result: Result{Code: shmerr.CodeOf(err), Errors: descriptors}}, nil
	})

	t.Register(OpCommit, func(ctx context.Context, sessionID uint64, payload any) (any, error) {
		descriptors, err := storage.Commit(ctx)
		return &CommitResponse{Result: Result{Code: shmerr.CodeOf(err), Errors: descriptors}}, nil
	})

	t.Register(OpDiscardChanges, func(ctx context.Context, sessionID uint64, payload any) (any, error) {
		return &DiscardChangesResponse{Result: resultOf(storage.DiscardChanges(ctx))}, nil
	})
}
