package breakpoint

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	inserted map[uint64]int
	removed  map[uint64]int
	failRm   bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{inserted: map[uint64]int{}, removed: map[uint64]int{}}
}

func (e *fakeEngine) InsertBreakpoint(addr uint64) error {
	e.inserted[addr]++
	return nil
}

func (e *fakeEngine) RemoveBreakpoint(addr uint64) error {
	if e.failRm {
		return errors.New("engine refused")
	}
	e.removed[addr]++
	return nil
}

func nop(Context) error { return nil }

func TestArmDisarmOnce(t *testing.T) {
	const x = 0x401000
	eng := newFakeEngine()
	bpmap := NewMap(eng)

	id1, err := bpmap.Add(x, nop)
	require.NoError(t, err)
	id2, err := bpmap.Add(x, nop)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2, "same callback added twice must get distinct identities")
	assert.Equal(t, 1, eng.inserted[x])

	require.NoError(t, bpmap.Remove(x, id1))
	assert.Equal(t, 0, eng.removed[x])
	assert.True(t, bpmap.Has(x))

	require.NoError(t, bpmap.Remove(x, id2))
	assert.Equal(t, 1, eng.removed[x])
	assert.False(t, bpmap.Has(x))

	// absent breaklets are ignored
	require.NoError(t, bpmap.Remove(x, id2))
	require.NoError(t, bpmap.Remove(0x1234, 99))
	assert.Equal(t, 1, eng.removed[x])
}

func TestTriggerSnapshot(t *testing.T) {
	const x = 0x401000
	bpmap := NewMap(newFakeEngine())

	var calls []string
	var id2 BreakletID
	_, err := bpmap.Add(x, func(ctx Context) error {
		calls = append(calls, "h1")
		return bpmap.Remove(ctx.Addr, id2)
	})
	require.NoError(t, err)
	id2, err = bpmap.Add(x, func(Context) error {
		calls = append(calls, "h2")
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bpmap.Trigger(Context{Addr: x}))
	assert.Equal(t, []string{"h1", "h2"}, calls)

	calls = nil
	require.NoError(t, bpmap.Trigger(Context{Addr: x}))
	assert.Equal(t, []string{"h1"}, calls)
	assert.Equal(t, uint64(2), bpmap.M[x].TotalHitCount)
}

func TestTriggerAddDuringDispatch(t *testing.T) {
	const x = 0x401000
	bpmap := NewMap(newFakeEngine())
	n := 0
	_, err := bpmap.Add(x, func(ctx Context) error {
		n++
		_, err := bpmap.Add(ctx.Addr, func(Context) error { n += 100; return nil })
		return err
	})
	require.NoError(t, err)
	require.NoError(t, bpmap.Trigger(Context{Addr: x}))
	assert.Equal(t, 1, n)
}

func TestTriggerUnknownAddress(t *testing.T) {
	bpmap := NewMap(newFakeEngine())
	err := bpmap.Trigger(Context{Addr: 0xdead})
	var nbp *NoBreakpointError
	require.True(t, errors.As(err, &nbp))
	assert.Equal(t, uint64(0xdead), nbp.Addr)
}

func TestTriggerStopsAtError(t *testing.T) {
	bpmap := NewMap(newFakeEngine())
	boom := errors.New("boom")
	ran := false
	bpmap.Add(0x10, func(Context) error { return boom })
	bpmap.Add(0x10, func(Context) error { ran = true; return nil })
	assert.ErrorIs(t, bpmap.Trigger(Context{Addr: 0x10}), boom)
	assert.False(t, ran)
}

func TestRemoveEngineFailureKeepsState(t *testing.T) {
	eng := newFakeEngine()
	bpmap := NewMap(eng)
	id, _ := bpmap.Add(0x10, nop)
	eng.failRm = true
	assert.Error(t, bpmap.Remove(0x10, id))
	assert.True(t, bpmap.Has(0x10))
	eng.failRm = false
	assert.NoError(t, bpmap.Remove(0x10, id))
	assert.Equal(t, 0, bpmap.Len())
}

func TestClear(t *testing.T) {
	eng := newFakeEngine()
	bpmap := NewMap(eng)
	bpmap.Add(0x30, nop)
	bpmap.Add(0x10, nop)
	bpmap.Add(0x10, nop)
	assert.Equal(t, []uint64{0x10, 0x30}, bpmap.Addrs())
	require.NoError(t, bpmap.Clear())
	assert.Equal(t, 0, bpmap.Len())
	assert.Equal(t, 1, eng.removed[0x10])
	assert.Equal(t, 1, eng.removed[0x30])
}
