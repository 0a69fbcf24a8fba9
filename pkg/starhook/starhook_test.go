package starhook_test

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flxtrace/flxtrace/pkg/logflags"
	"github.com/flxtrace/flxtrace/pkg/proc"
	protest "github.com/flxtrace/flxtrace/pkg/proc/test"
	"github.com/flxtrace/flxtrace/pkg/starhook"
)

func TestMain(m *testing.M) {
	var logConf string
	flag.StringVar(&logConf, "log", "", "configures logging")
	flag.Parse()
	logflags.Setup(logConf != "", logConf, "")
	os.Exit(m.Run())
}

const (
	exeEntry    = 0x401000
	createFileA = 0x7c810800
)

func newTarget(t *testing.T) (*proc.Target, *protest.Fakes) {
	t.Helper()
	f := protest.NewFakes()
	f.Loader["sample.exe"] = exeEntry
	p, err := proc.NewTarget(f.Backend(), proc.TargetConfig{Name: "sample.exe", ImagePath: "sample.exe", ASID: 0x1000})
	require.NoError(t, err)
	return p, f
}

func hooked(p *proc.Target) *proc.Function {
	return &proc.Function{
		Addr:     createFileA,
		Lib:      "kernel32.dll",
		Name:     "CreateFileA",
		Frame:    &proc.Frame{Target: createFileA, Ret: 0x401050, SP: 0x12fd00},
		ThreadID: 3,
		Target:   p,
	}
}

func messages(f *protest.Fakes) []string {
	return f.Logger.Strings("message")
}

func TestLoadRequiresCallback(t *testing.T) {
	_, err := starhook.Load("empty.star", "x = 1\n")
	assert.Error(t, err)

	_, err = starhook.Load("bad.star", "on_enter = 1\n")
	assert.Error(t, err)

	_, err = starhook.Load("arity.star", "def on_leave(fn, extra):\n    pass\n")
	assert.Error(t, err)

	_, err = starhook.Load("syntax.star", "def on_enter(fn)\n")
	assert.Error(t, err)

	s, err := starhook.Load("leave.star", "def on_leave(fn):\n    pass\n")
	require.NoError(t, err)
	assert.Equal(t, "leave.star (on_leave)", s.String())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "createfile.star")
	require.NoError(t, os.WriteFile(path, []byte("def on_enter(fn):\n    log(fn.name)\n"), 0600))
	s, err := starhook.Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "createfile.star", s.Name())

	_, err = starhook.Load(filepath.Join(t.TempDir(), "missing.star"), nil)
	assert.Error(t, err)
}

func TestHookCallbacks(t *testing.T) {
	const src = `
calls = []

def on_enter(fn):
    calls.append(fn.name)
    log("enter", fn.lib, fn.name, "0x%x" % fn.ret, fn.tid)

def on_leave(fn):
    print("leave %s after %d calls" % (fn.name, len(calls)))
`
	s, err := starhook.Load("createfile.star", src)
	require.NoError(t, err)
	p, f := newTarget(t)
	h := s.Factory()(p)

	fn := hooked(p)
	h.OnEnter(fn)
	h.OnEnter(fn)
	h.OnLeave(fn)
	assert.Equal(t, []string{
		"enter kernel32.dll CreateFileA 0x401050 3",
		"enter kernel32.dll CreateFileA 0x401050 3",
		"leave CreateFileA after 2 calls",
	}, messages(f))

	require.NotEmpty(t, f.Logger.Logged)
	logged := f.Logger.Logged[0]
	assert.Equal(t, 3, logged.TID)
	assert.Same(t, p, logged.Target)
	assert.Equal(t, "createfile.star", logged.Record.(*proc.MessageRecord).Source)
}

func TestHookStatePerTarget(t *testing.T) {
	const src = `
n = [0]

def on_enter(fn):
    n[0] += 1
    log(n[0])
`
	s, err := starhook.Load("count.star", src)
	require.NoError(t, err)
	p1, f1 := newTarget(t)
	p2, f2 := newTarget(t)
	h1, h2 := s.Factory()(p1), s.Factory()(p2)

	h1.OnEnter(hooked(p1))
	h1.OnEnter(hooked(p1))
	h2.OnEnter(hooked(p2))
	assert.Equal(t, []string{"1", "2"}, messages(f1))
	assert.Equal(t, []string{"1"}, messages(f2))
}

func TestHookBuiltins(t *testing.T) {
	const src = `
def on_enter(fn):
    regs = registers()
    log("0x%x" % regs["esp"])
    buf = read_memory(fn.sp, 4)
    log(len(buf), repr(buf))
`
	s, err := starhook.Load("mem.star", src)
	require.NoError(t, err)
	p, f := newTarget(t)
	f.Engine.SetSP(0x12fd00)
	f.Engine.Memory[0x12fd00] = []byte{0x50, 0x10, 0x40, 0x00}

	s.Factory()(p).OnEnter(hooked(p))
	assert.Equal(t, []string{"0x12fd00", `4 b"P\x10@\x00"`}, messages(f))
}

func TestHookErrorDoesNotStopTracing(t *testing.T) {
	const src = `
def on_enter(fn):
    read_memory(0xdead0000, 4)
    log("unreachable")

def on_leave(fn):
    log("leave")
`
	s, err := starhook.Load("fail.star", src)
	require.NoError(t, err)
	p, f := newTarget(t)
	h := s.Factory()(p)
	h.OnEnter(hooked(p))
	h.OnLeave(hooked(p))
	assert.Equal(t, []string{"leave"}, messages(f))
}

func TestBuiltinsDocumented(t *testing.T) {
	assert.Equal(t, []string{"help", "log", "read_memory", "registers"}, starhook.Builtins())
	for _, name := range starhook.Builtins() {
		doc, ok := starhook.Doc(name)
		assert.True(t, ok)
		assert.Contains(t, doc, name+"(")
	}
}
