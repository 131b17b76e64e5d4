package shmerr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dineshreddyk/sysrepo-go/internal/shmerr"
)

func TestCodeOf_ExtractsWrappedCode(t *testing.T) {
	err := shmerr.NotFoundf("registry.FindModule", "module %q not found", "ietf-ip")
	assert.Equal(t, shmerr.NotFound, shmerr.CodeOf(err))
}

func TestCodeOf_DefaultsToInternalForPlainErrors(t *testing.T) {
	assert.Equal(t, shmerr.Internal, shmerr.CodeOf(errors.New("boom")))
}

func TestCodeOf_NilErrorIsOK(t *testing.T) {
	assert.Equal(t, shmerr.OK, shmerr.CodeOf(nil))
}

func TestError_UnwrapExposesCause(t *testing.T) {
	cause := errors.New("underlying")
	err := shmerr.New("arena.Append", shmerr.NoMem, cause)
	assert.ErrorIs(t, err, cause)
}

func TestCollector_AddAccumulatesAndIgnoresNil(t *testing.T) {
	var c shmerr.Collector
	c.Add(nil)
	assert.NoError(t, c.Err())

	c.Add(errors.New("first"))
	c.Add(errors.New("second"))
	assert.Len(t, c.Errors(), 2)
}
