package reglock_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dineshreddyk/sysrepo-go/internal/layout"
	"github.com/dineshreddyk/sysrepo-go/internal/reglock"
	"github.com/dineshreddyk/sysrepo-go/internal/shmio"
)

// deadPID is chosen high enough that it is vanishingly unlikely to be
// a live process on any test host.
const deadPID = uint32(0x7ffffffe)

func openMain(t *testing.T) *shmio.Region {
	t.Helper()
	region, _, err := shmio.Open(shmio.Options{Path: filepath.Join(t.TempDir(), "main"), MinSize: layout.HeaderSize})
	require.NoError(t, err)
	t.Cleanup(func() { _ = region.Clear() })
	return region
}

func TestRegistryLock_MultipleReadersAllowed(t *testing.T) {
	lock := reglock.NewRegistryLock(openMain(t))
	ctx := context.Background()

	require.NoError(t, lock.AcquireRead(ctx, reglock.Options{Timeout: time.Second}))
	require.NoError(t, lock.AcquireRead(ctx, reglock.Options{Timeout: time.Second}))
	lock.ReleaseRead()
	lock.ReleaseRead()
}

func TestRegistryLock_WriteIsNotRecursive(t *testing.T) {
	lock := reglock.NewRegistryLock(openMain(t))
	ctx := context.Background()
	self := uint32(os.Getpid())

	require.NoError(t, lock.AcquireWrite(ctx, reglock.ModeWrite, reglock.Options{Timeout: time.Second, SelfPID: self}))

	// A second acquisition from the same PID must contend like any
	// other waiter: goroutines share the process PID, so letting it
	// through would admit two writers at once.
	err := lock.AcquireWrite(ctx, reglock.ModeWrite, reglock.Options{Timeout: 30 * time.Millisecond, SelfPID: self})
	require.Error(t, err)
	assert.Equal(t, self, lock.CurrentWriterPID())

	lock.ReleaseWrite()
	assert.Equal(t, uint32(0), lock.CurrentWriterPID())

	require.NoError(t, lock.AcquireWrite(ctx, reglock.ModeWrite, reglock.Options{Timeout: time.Second, SelfPID: self}))
	lock.ReleaseWrite()
}

func TestRegistryLock_WriteTimesOutAgainstLiveHolder(t *testing.T) {
	lock := reglock.NewRegistryLock(openMain(t))
	ctx := context.Background()
	self := uint32(os.Getpid())

	require.NoError(t, lock.AcquireWrite(ctx, reglock.ModeWrite, reglock.Options{Timeout: time.Second, SelfPID: self}))

	err := lock.AcquireWrite(ctx, reglock.ModeWrite, reglock.Options{Timeout: 30 * time.Millisecond, SelfPID: self + 1})
	assert.Error(t, err)

	lock.ReleaseWrite()
}

func TestRegistryLock_WriteReclaimsFromDeadHolder(t *testing.T) {
	region := openMain(t)
	lock := reglock.NewRegistryLock(region)
	ctx := context.Background()

	require.NoError(t, lock.AcquireWrite(ctx, reglock.ModeWrite, reglock.Options{Timeout: time.Second, SelfPID: deadPID}))

	self := uint32(os.Getpid())
	require.NoError(t, lock.AcquireWrite(ctx, reglock.ModeWrite, reglock.Options{Timeout: 30 * time.Millisecond, SelfPID: self}))
	lock.ReleaseWrite()
}

func TestRemapGuard_WriteWaitsForReaders(t *testing.T) {
	guard := reglock.NewRemapGuard(openMain(t))
	ctx := context.Background()

	require.NoError(t, guard.AcquireRead(ctx))

	done := make(chan error, 1)
	go func() { done <- guard.AcquireWrite(ctx) }()

	select {
	case <-done:
		t.Fatal("remap guard write should not succeed while a reader holds the guard")
	case <-time.After(50 * time.Millisecond):
	}

	guard.ReleaseRead()
	require.NoError(t, <-done)
	guard.ReleaseWrite()
}

func TestIsAlive(t *testing.T) {
	assert.True(t, reglock.IsAlive(uint32(os.Getpid())))
	assert.False(t, reglock.IsAlive(deadPID))
}
