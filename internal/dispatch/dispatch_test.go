package dispatch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dineshreddyk/sysrepo-go/internal/dispatch"
	"github.com/dineshreddyk/sysrepo-go/internal/reqpool"
	"github.com/dineshreddyk/sysrepo-go/internal/shmerr"
)

func TestTable_DispatchInvokesRegisteredHandler(t *testing.T) {
	table := dispatch.NewTable()
	table.Register(dispatch.OpGetItem, func(ctx context.Context, sessionID uint64, payload any) (any, error) {
		return payload.(string) + "!", nil
	})

	got, err := table.Dispatch(context.Background(), dispatch.OpGetItem, 1, "ok")
	require.NoError(t, err)
	assert.Equal(t, "ok!", got)
}

func TestTable_DispatchReturnsUnsupportedForUnknownOp(t *testing.T) {
	table := dispatch.NewTable()

	_, err := table.Dispatch(context.Background(), dispatch.OpCommit, 1, nil)
	require.Error(t, err)
	assert.Equal(t, shmerr.Unsupported, shmerr.CodeOf(err))
}

func TestTable_HandleAdaptsIntoReqpoolHandler(t *testing.T) {
	table := dispatch.NewTable()
	table.Register(dispatch.OpListSchemas, func(ctx context.Context, sessionID uint64, payload any) (any, error) {
		return []string{"ietf-interfaces"}, nil
	})

	handler := table.Handle(context.Background())
	resp := handler(&reqpool.Message{Op: string(dispatch.OpListSchemas), SessionID: 1})
	require.NoError(t, resp.Err)
	assert.Equal(t, []string{"ietf-interfaces"}, resp.Data)
}

func TestTable_HandleSurfacesUnsupportedAsResponseErr(t *testing.T) {
	table := dispatch.NewTable()
	handler := table.Handle(context.Background())

	resp := handler(&reqpool.Message{Op: "not-a-real-op", SessionID: 1})
	require.Error(t, resp.Err)
	assert.Equal(t, shmerr.Unsupported, shmerr.CodeOf(resp.Err))
}
