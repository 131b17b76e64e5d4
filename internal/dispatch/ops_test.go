package dispatch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dineshreddyk/sysrepo-go/internal/dispatch"
	"github.com/dineshreddyk/sysrepo-go/internal/shmerr"
)

// fakeStorage records the last call it served and returns canned data.
type fakeStorage struct {
	lastSet    dispatch.SetItemRequest
	commitErrs []dispatch.ErrorDescriptor
}

func (f *fakeStorage) GetItem(ctx context.Context, xpath string) (dispatch.Item, error) {
	if xpath == "/missing" {
		return dispatch.Item{}, shmerr.NotFoundf("storage.GetItem", "no node at %s", xpath)
	}
	return dispatch.Item{Xpath: xpath, Value: "v"}, nil
}

func (f *fakeStorage) GetItems(ctx context.Context, req dispatch.GetItemsRequest) ([]dispatch.Item, error) {
	return []dispatch.Item{{Xpath: req.Xpath + "/a"}, {Xpath: req.Xpath + "/b"}}, nil
}

func (f *fakeStorage) SetItem(ctx context.Context, req dispatch.SetItemRequest) error {
	f.lastSet = req
	return nil
}

func (f *fakeStorage) DeleteItem(ctx context.Context, req dispatch.DeleteItemRequest) error {
	return nil
}

func (f *fakeStorage) MoveItem(ctx context.Context, req dispatch.MoveItemRequest) error {
	return nil
}

func (f *fakeStorage) Validate(ctx context.Context) ([]dispatch.ErrorDescriptor, error) {
	return nil, nil
}

func (f *fakeStorage) Commit(ctx context.Context) ([]dispatch.ErrorDescriptor, error) {
	if len(f.commitErrs) > 0 {
		return f.commitErrs, shmerr.Internalf("storage.Commit", "validation failed")
	}
	return nil, nil
}

func (f *fakeStorage) DiscardChanges(ctx context.Context) error { return nil }

func newStorageTable(storage *fakeStorage) *dispatch.Table {
	table := dispatch.NewTable()
	lister := func(ctx context.Context) ([]dispatch.Schema, error) {
		return []dispatch.Schema{{Module: "ietf-interfaces", Revision: "2018-02-20"}}, nil
	}
	dispatch.RegisterStorage(table, lister, storage)
	return table
}

func TestRegisterStorage_GetItemBuildsTypedResponse(t *testing.T) {
	table := newStorageTable(&fakeStorage{})

	got, err := table.Dispatch(context.Background(), dispatch.OpGetItem, 1, dispatch.GetItemRequest{Xpath: "/x"})
	require.NoError(t, err)
	resp := got.(*dispatch.GetItemResponse)
	assert.Equal(t, shmerr.OK, resp.Code)
	assert.Equal(t, "/x", resp.Item.Xpath)
}

func TestRegisterStorage_LookupMissSurfacesAsNotFoundCode(t *testing.T) {
	table := newStorageTable(&fakeStorage{})

	got, err := table.Dispatch(context.Background(), dispatch.OpGetItem, 1, dispatch.GetItemRequest{Xpath: "/missing"})
	require.NoError(t, err)
	resp := got.(*dispatch.GetItemResponse)
	assert.Equal(t, shmerr.NotFound, resp.Code)
}

func TestRegisterStorage_SetItemForwardsOptions(t *testing.T) {
	storage := &fakeStorage{}
	table := newStorageTable(storage)

	got, err := table.Dispatch(context.Background(), dispatch.OpSetItem, 1, dispatch.SetItemRequest{
		Xpath: "/x", Value: 7, Options: 0b10,
	})
	require.NoError(t, err)
	resp := got.(*dispatch.SetItemResponse)
	assert.Equal(t, shmerr.OK, resp.Code)
	assert.Equal(t, uint32(0b10), storage.lastSet.Options)
}

func TestRegisterStorage_CommitAttachesErrorDescriptors(t *testing.T) {
	storage := &fakeStorage{commitErrs: []dispatch.ErrorDescriptor{
		{Xpath: "/x", Message: "leafref target missing"},
	}}
	table := newStorageTable(storage)

	got, err := table.Dispatch(context.Background(), dispatch.OpCommit, 1, dispatch.CommitRequest{})
	require.NoError(t, err)
	resp := got.(*dispatch.CommitResponse)
	assert.Equal(t, shmerr.Internal, resp.Code)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "/x", resp.Errors[0].Xpath)
}

func TestRegisterStorage_ListSchemasUsesLister(t *testing.T) {
	table := newStorageTable(&fakeStorage{})

	got, err := table.Dispatch(context.Background(), dispatch.OpListSchemas, 1, dispatch.ListSchemasRequest{})
	require.NoError(t, err)
	resp := got.(*dispatch.ListSchemasResponse)
	assert.Equal(t, shmerr.OK, resp.Code)
	require.Len(t, resp.Schemas, 1)
	assert.Equal(t, "ietf-interfaces", resp.Schemas[0].Module)
}

func TestRegisterStorage_WrongPayloadTypeIsAnInternalError(t *testing.T) {
	table := newStorageTable(&fakeStorage{})

	_, err := table.Dispatch(context.Background(), dispatch.OpGetItem, 1, "not-a-request")
	require.Error(t, err)
	assert.Equal(t, shmerr.Internal, shmerr.CodeOf(err))
}
