package ledger_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepsake/internal/domain"
	"keepsake/internal/ledger"
)

func threeDevices() *ledger.Ledger {
	return ledger.New([]ledger.Entry{
		{Device: domain.Device{Name: "dev1", MountPath: "/dev1"}, Available: 10},
		{Device: domain.Device{Name: "dev2", MountPath: "/dev2"}, Available: 100},
		{Device: domain.Device{Name: "dev3", MountPath: "/dev3"}, Available: 150},
	})
}

func TestReserveWithinCapacity(t *testing.T) {
	l := threeDevices()
	var granted uint64
	for _, size := range []uint64{10, 20, 30, 40} {
		ok, err := l.Reserve("/dev2", size)
		require.NoError(t, err)
		require.True(t, ok, "reserve %d", size)
		granted += size
	}
	e, err := l.Lookup("/dev2")
	require.NoError(t, err)
	assert.Equal(t, granted, e.Allocated)
	assert.Equal(t, uint64(100), e.Available)

	ok, err := l.Reserve("/dev2", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReserveUnknownDevice(t *testing.T) {
	l := threeDevices()
	_, err := l.Reserve("/nope", 1)
	assert.ErrorIs(t, err, ledger.ErrUnknownDevice)
	assert.False(t, l.Known("/nope"))
	assert.True(t, l.Known("/dev1"))
}

func TestSubstituteScansInLedgerOrderWithoutReserving(t *testing.T) {
	l := threeDevices()
	ok, err := l.Reserve("/dev1", 10)
	require.NoError(t, err)
	require.True(t, ok)

	d, found := l.Substitute(10)
	require.True(t, found)
	assert.Equal(t, "/dev2", d.MountPath)

	d, found = l.Substitute(101)
	require.True(t, found)
	assert.Equal(t, "/dev3", d.MountPath)

	_, found = l.Substitute(151)
	assert.False(t, found)

	for _, e := range l.Snapshot() {
		if e.Device.MountPath != "/dev1" {
			assert.Zero(t, e.Allocated, "substitution must not reserve on %s", e.Device.MountPath)
		}
	}
}

func TestConcurrentReserveNeverOverPromises(t *testing.T) {
	l := ledger.New([]ledger.Entry{{Device: domain.Device{MountPath: "/d"}, Available: 1000}})
	var wg sync.WaitGroup
	var mu sync.Mutex
	grants := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Reserve("/d", 30)
			if err == nil && ok {
				mu.Lock()
				grants++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	e, err := l.Lookup("/d")
	require.NoError(t, err)
	assert.Equal(t, 33, grants)
	assert.Equal(t, uint64(990), e.Allocated)
	assert.LessOrEqual(t, e.Allocated, e.Available)
}

func TestDuplicateMountPathIgnored(t *testing.T) {
	l := ledger.New([]ledger.Entry{
		{Device: domain.Device{Name: "a", MountPath: "/d"}, Available: 5},
		{Device: domain.Device{Name: "b", MountPath: "/d"}, Available: 500},
	})
	assert.Equal(t, 1, l.Len())
	e, err := l.Lookup("/d")
	require.NoError(t, err)
	assert.Equal(t, "a", e.Device.Name)
}
