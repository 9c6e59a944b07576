package fdtable

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAutoCreateAdoptsRegularFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "fdtable")
	require.NoError(t, err)
	defer f.Close()

	m := NewManager()
	ctx := m.Get(int(f.Fd()), true)
	require.NotNil(t, ctx)
	assert.False(t, ctx.IsSocket())
	assert.False(t, ctx.SysNonblock())
}

func TestGetWithoutAutoCreateReturnsNilWhenAbsent(t *testing.T) {
	m := NewManager()
	assert.Nil(t, m.Get(5, false))
}

func TestGetBeyondInitialCapacityGrows(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "fdtable")
	require.NoError(t, err)
	defer f.Close()

	m := NewManager()
	big := int(f.Fd()) + 200

	// fd numbers don't need a backing file past the default 64-slot
	// capacity to exercise growth; Get only stats them for socket-ness.
	got := m.Get(big, true)
	require.NotNil(t, got)
	assert.Equal(t, big, got.FD())
}

func TestDelMarksClosedAndDropsSlot(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "fdtable")
	require.NoError(t, err)
	defer f.Close()

	m := NewManager()
	fd := int(f.Fd())
	ctx := m.Get(fd, true)
	require.NotNil(t, ctx)

	m.Del(fd)
	assert.True(t, ctx.IsClosed())
	assert.Nil(t, m.Get(fd, false))
}

func TestTimeoutDefaultsToNoTimeout(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "fdtable")
	require.NoError(t, err)
	defer f.Close()

	m := NewManager()
	ctx := m.Get(int(f.Fd()), true)
	assert.Equal(t, NoTimeout, ctx.Timeout(RecvTimeout))
	assert.Equal(t, NoTimeout, ctx.Timeout(SendTimeout))

	ctx.SetTimeout(RecvTimeout, 50)
	assert.Equal(t, uint64(50), ctx.Timeout(RecvTimeout))
	assert.Equal(t, NoTimeout, ctx.Timeout(SendTimeout))
}

func TestUserNonblockRoundTrip(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "fdtable")
	require.NoError(t, err)
	defer f.Close()

	m := NewManager()
	ctx := m.Get(int(f.Fd()), true)
	assert.False(t, ctx.UserNonblock())
	ctx.SetUserNonblock(true)
	assert.True(t, ctx.UserNonblock())
}
