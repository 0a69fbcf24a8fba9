package event

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUnknownKind(t *testing.T) {
	_, err := New("vmexit", 1, 2)
	var uerr *UnknownEventKindError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, "vmexit", uerr.Name)
}

func TestNewDoesNotCheckArity(t *testing.T) {
	raw, err := New("call")
	require.NoError(t, err)
	assert.Equal(t, KindCall, raw.Kind)

	_, err = raw.Decode()
	var merr *MalformedEventError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, KindCall, merr.Kind)
	assert.Equal(t, 0, merr.Len)
}

func TestKindNamesRoundTrip(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(k.String())
		require.NoError(t, err, "kind %d", k)
		assert.Equal(t, k, got)
		assert.NotZero(t, k.Arity(), "kind %s", k)
	}
}

func TestDecodeCall(t *testing.T) {
	raw, err := New("call", uint32(0x401000), 0x402000, int64(0x401005), uint64(0x12ff00))
	require.NoError(t, err)
	ev, err := raw.Decode()
	require.NoError(t, err)
	call, ok := ev.(*Call)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, &Call{From: 0x401000, To: 0x402000, Next: 0x401005, ESP: 0x12ff00}, call)
	assert.Equal(t, uint64(0x402000), Addr(ev))
}

func TestDecodeSignedAddress(t *testing.T) {
	raw, _ := New("breakpoint", int32(-0x7c000000))
	ev, err := raw.Decode()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x84000000), ev.(*Breakpoint).Addr)
}

func TestDecodeMemtraceDiscriminant(t *testing.T) {
	for _, tc := range []struct {
		flag  interface{}
		write bool
	}{
		{1, true},
		{0, false},
		{true, true},
		{2, false},
	} {
		raw, _ := New("memtrace", 0x1000, 0xdead, 4, tc.flag)
		ev, err := raw.Decode()
		require.NoError(t, err)
		assert.Equal(t, tc.write, ev.(*Memtrace).Write, "flag %v", tc.flag)
	}
}

func TestDecodeWrongFieldType(t *testing.T) {
	raw, _ := New("ret", 0x1000, "nope")
	_, err := raw.Decode()
	var merr *MalformedEventError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, 1, merr.Index)
	assert.Equal(t, KindRet, merr.Kind)
}

func TestDecodeAnalysisEvents(t *testing.T) {
	raw, _ := New("functionentropy", 0x401000, 0.75)
	ev, err := raw.Decode()
	require.NoError(t, err)
	assert.Equal(t, 0.75, ev.(*FunctionEntropy).EntropyChange)

	raw, _ = New("functiontaint", 0x401000, 3)
	ev, err = raw.Decode()
	require.NoError(t, err)
	assert.Equal(t, 3.0, ev.(*FunctionTaint).Quotient)

	raw, _ = New("constsearch", "\x67\xe6\x09\x6a", 0x401234)
	ev, err = raw.Decode()
	require.NoError(t, err)
	cs := ev.(*ConstSearch)
	assert.Equal(t, []byte{0x67, 0xe6, 0x09, 0x6a}, cs.Pattern)
	assert.Equal(t, uint64(0x401234), cs.EIP)

	raw, _ = New("codesearch", 17, 0x401234)
	_, err = raw.Decode()
	assert.Error(t, err)

	raw, _ = New("functiontrace", 0x401000, 2)
	ev, err = raw.Decode()
	require.NoError(t, err)
	ft := ev.(*FunctionTrace)
	assert.True(t, ft.IsLateRet())
	assert.False(t, ft.IsCall())
	assert.Equal(t, "lateret", ft.Type.String())

	raw, _ = New("caballero", 0x401000, 12, 9)
	ev, err = raw.Decode()
	require.NoError(t, err)
	assert.Equal(t, &Caballero{EIP: 0x401000, ICount: 12, Arith: 9}, ev)
}

func TestDecodeOutOfRangeKind(t *testing.T) {
	_, err := Raw{Kind: Kind(NumKinds)}.Decode()
	var uerr *UnknownEventKindError
	assert.True(t, errors.As(err, &uerr))
}
