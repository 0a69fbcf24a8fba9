// Package syscalls maps guest syscall numbers to names.
package syscalls

import (
	"fmt"
	"io/ioutil"
	"sort"

	yaml "gopkg.in/yaml.v2"
)

// Table maps syscall numbers to names. It implements proc.SyscallTable.
type Table struct {
	byNumber map[uint64]string
	byName   map[string]uint64
}

// defaultTable holds the Windows XP SP2 numbers of the syscalls the event
// router reacts to, and of a few others commonly seen in traces.
var defaultTable = map[uint64]string{
	0x11:  "NtAllocateVirtualMemory",
	0x19:  "NtClose",
	0x25:  "NtCreateFile",
	0x2f:  "NtCreateProcess",
	0x30:  "NtCreateProcessEx",
	0x35:  "NtCreateThread",
	0x53:  "NtFreeVirtualMemory",
	0x74:  "NtOpenFile",
	0xad:  "NtQuerySystemInformation",
	0xb7:  "NtReadFile",
	0x101: "NtTerminateProcess",
	0x102: "NtTerminateThread",
	0x112: "NtWriteFile",
}

// Default returns the built in table.
func Default() *Table {
	t, err := New(defaultTable)
	if err != nil {
		panic(err)
	}
	return t
}

// New returns a table with the given names.
func New(names map[uint64]string) (*Table, error) {
	t := &Table{
		byNumber: make(map[uint64]string, len(names)),
		byName:   make(map[string]uint64, len(names)),
	}
	for number, name := range names {
		if name == "" {
			return nil, fmt.Errorf("syscall %#x has no name", number)
		}
		if other, dup := t.byName[name]; dup {
			return nil, fmt.Errorf("syscall %s defined as both %#x and %#x", name, other, number)
		}
		t.byNumber[number] = name
		t.byName[name] = number
	}
	return t, nil
}

// Parse reads a table from YAML, a mapping from numbers to names:
//
//	0x101: NtTerminateProcess
//	0x102: NtTerminateThread
func Parse(data []byte) (*Table, error) {
	var names map[uint64]string
	if err := yaml.UnmarshalStrict(data, &names); err != nil {
		return nil, fmt.Errorf("could not parse syscall table: %w", err)
	}
	return New(names)
}

// Load reads a table from the YAML file at path. An empty path returns
// the built in table.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read syscall table: %w", err)
	}
	return Parse(data)
}

// SyscallName returns the name of syscall number.
func (t *Table) SyscallName(number uint64) (string, bool) {
	name, ok := t.byNumber[number]
	return name, ok
}

// Number returns the number of the syscall called name.
func (t *Table) Number(name string) (uint64, bool) {
	number, ok := t.byName[name]
	return number, ok
}

// Len returns the number of syscalls in the table.
func (t *Table) Len() int {
	return len(t.byNumber)
}

// Marshal returns t in the format read by Parse.
func (t *Table) Marshal() ([]byte, error) {
	numbers := make([]uint64, 0, len(t.byNumber))
	for number := range t.byNumber {
		numbers = append(numbers, number)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	ms := make(yaml.MapSlice, 0, len(numbers))
	for _, number := range numbers {
		ms = append(ms, yaml.MapItem{Key: number, Value: t.byNumber[number]})
	}
	return yaml.Marshal(ms)
}
