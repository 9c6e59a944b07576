package timer

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"
	"weak"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddTimerFiresAfterCollectExpired(t *testing.T) {
	m := NewManager(nil)
	var fired atomic.Bool
	tm := m.AddTimer(0, func() { fired.Store(true) }, false)
	_ = tm

	time.Sleep(5 * time.Millisecond)
	cbs := m.CollectExpired(nil)
	require.Len(t, cbs, 1)
	cbs[0]()
	assert.True(t, fired.Load())
	assert.False(t, m.HasTimer())
}

func TestCollectExpiredLeavesFutureTimersAlone(t *testing.T) {
	m := NewManager(nil)
	m.AddTimer(10_000, func() {}, false)
	cbs := m.CollectExpired(nil)
	assert.Empty(t, cbs)
	assert.True(t, m.HasTimer())
}

func TestRecurringTimerReinsertsItself(t *testing.T) {
	m := NewManager(nil)
	var count atomic.Int64
	tm := m.AddTimer(0, func() { count.Add(1) }, true)

	for i := 0; i < 3; i++ {
		time.Sleep(time.Millisecond)
		for _, cb := range m.CollectExpired(nil) {
			cb()
		}
	}
	assert.GreaterOrEqual(t, count.Load(), int64(3))
	assert.True(t, m.HasTimer())

	assert.True(t, tm.Cancel())
	assert.False(t, m.HasTimer())
}

func TestCancelIsIdempotent(t *testing.T) {
	m := NewManager(nil)
	tm := m.AddTimer(10_000, func() {}, false)
	assert.True(t, tm.Cancel())
	assert.False(t, tm.Cancel())
}

func TestResetFromNowBoundsNextTimeout(t *testing.T) {
	m := NewManager(nil)
	tm := m.AddTimer(10_000, func() {}, false)
	require.True(t, tm.Reset(50, true))
	next := m.NextTimeoutMS()
	assert.LessOrEqual(t, next, uint64(50))
}

func TestConditionTimerSkipsDeadWitness(t *testing.T) {
	m := NewManager(nil)
	var fired atomic.Bool

	witness := new(int)
	wp := weak.Make(witness)
	AddConditionTimer(m, 0, func() { fired.Store(true) }, wp, false)

	witness = nil
	runtime.GC()

	time.Sleep(5 * time.Millisecond)
	for _, cb := range m.CollectExpired(nil) {
		cb()
	}
	assert.False(t, fired.Load())
}

func TestConditionTimerFiresForLiveWitness(t *testing.T) {
	m := NewManager(nil)
	var fired atomic.Bool

	witness := new(int)
	wp := weak.Make(witness)
	AddConditionTimer(m, 0, func() { fired.Store(true) }, wp, false)

	time.Sleep(5 * time.Millisecond)
	for _, cb := range m.CollectExpired(nil) {
		cb()
	}
	assert.True(t, fired.Load())
	_ = witness
}

func TestOnTimerInsertedAtFrontFiresOnce(t *testing.T) {
	var calls atomic.Int64
	m := NewManager(func() { calls.Add(1) })

	m.AddTimer(10_000, func() {}, false)
	assert.Equal(t, int64(1), calls.Load())

	// A later timer that is not the new earliest must not notify again.
	m.AddTimer(20_000, func() {}, false)
	assert.Equal(t, int64(1), calls.Load())

	// NextTimeoutMS clears the "already tickled" flag, so a new front
	// insertion notifies again.
	m.NextTimeoutMS()
	m.AddTimer(1, func() {}, false)
	assert.Equal(t, int64(2), calls.Load())
}
