package config

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/user"
	"path"
	"strings"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".flxtrace"
	configFile string = "config.yml"

	// DefaultSymbolCacheSize is the number of resolved addresses kept per
	// process when symbol-cache-size is not set.
	DefaultSymbolCacheSize = 4096
)

// HookConfig describes a function hook implemented by a Starlark script.
type HookConfig struct {
	// Library exporting the function, empty means every loaded library.
	Library string `yaml:"library"`
	// Function is the exported name of the hooked function.
	Function string `yaml:"function"`
	// Script is the path of the Starlark script defining on_enter and/or
	// on_leave.
	Script string `yaml:"script"`
	// Cond, if not empty, is an expression over the register file that
	// must evaluate to true for the hook to run.
	Cond string `yaml:"cond,omitempty"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Image names of the processes to trace.
	Targets []string `yaml:"targets"`
	// Libraries (and the main executable) whose code is instrumented.
	Instrument []string `yaml:"instrument"`
	// Directory holding the guest's libraries on the host file system.
	DllDir string `yaml:"dll-dir"`
	// Directory holding the traced executables on the host file system.
	ExeDir string `yaml:"exe-dir"`
	// Additional addresses treated as the entry point of a traced process.
	ExtraEntryPoints []uint64 `yaml:"extra-entry-points,omitempty"`

	// SymbolCacheSize is the number of resolved addresses cached per
	// process.
	SymbolCacheSize int `yaml:"symbol-cache-size,omitempty"`
	// SyscallTable is the path of a YAML file mapping syscall numbers to
	// names. The built-in table is used when empty.
	SyscallTable string `yaml:"syscall-table,omitempty"`

	Hooks []HookConfig `yaml:"hooks"`

	// Diagnostic logging, see pkg/logflags.
	Log       bool   `yaml:"log"`
	LogOutput string `yaml:"log-output,omitempty"`
	LogDest   string `yaml:"log-dest,omitempty"`

	// TraceOutput is the file the trace is written to, standard error when
	// empty.
	TraceOutput string `yaml:"trace-output,omitempty"`
}

// LoadConfig attempts to populate a Config object from the file at
// fullConfigFile. If fullConfigFile is empty the default configuration
// file is used and created when missing.
func LoadConfig(fullConfigFile string) (*Config, error) {
	if fullConfigFile == "" {
		err := createConfigPath()
		if err != nil {
			return nil, fmt.Errorf("could not create config directory: %v", err)
		}
		fullConfigFile, err = GetConfigFilePath(configFile)
		if err != nil {
			return nil, fmt.Errorf("unable to get config file path: %v", err)
		}
		if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
			if err := createDefaultConfig(fullConfigFile); err != nil {
				return nil, fmt.Errorf("error creating default config file: %v", err)
			}
		}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file %s: %v", fullConfigFile, err)
	}
	return c, nil
}

// Parse decodes a configuration and fills in defaults.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, err
	}
	if c.SymbolCacheSize == 0 {
		c.SymbolCacheSize = DefaultSymbolCacheSize
	}
	return &c, nil
}

// Validate reports configurations that cannot trace anything.
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return errors.New("no targets configured")
	}
	if c.SymbolCacheSize < 0 {
		return fmt.Errorf("invalid symbol-cache-size %d", c.SymbolCacheSize)
	}
	for i, h := range c.Hooks {
		if h.Function == "" {
			return fmt.Errorf("hook %d: missing function", i)
		}
		if h.Script == "" {
			return fmt.Errorf("hook %s: missing script", h.Function)
		}
	}
	return nil
}

// IsInstrumented returns true if the library or executable name is in
// the instrument list. Names are compared case insensitively, the way the
// guest's loader compares them.
func (c *Config) IsInstrumented(name string) bool {
	for _, s := range c.Instrument {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config, fullConfigFile string) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	err = WriteDefaultConfig(f)
	if err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

// WriteDefaultConfig writes the commented default configuration to w.
func WriteDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w,
		`# Configuration file for flxtrace.

# Image names of the processes to trace.
targets: ["sample.exe"]

# Code in these images produces fine-grained events (calls, returns,
# memory accesses). Everything else is only observed through breakpoints.
instrument: ["sample.exe"]

# Host directories holding the guest's executables and libraries.
exe-dir: "./exe"
dll-dir: "./dll"

# Some packers never reach the PE entry point, list extra addresses that
# should start instrumentation.
# extra-entry-points: [0x401015]

# Number of resolved addresses cached per process.
# symbol-cache-size: 4096

# YAML file mapping syscall numbers to names, defaults to Windows XP SP2 x86.
# syscall-table: "./syscalls.yml"

# Function hooks written in Starlark.
hooks:
  # - {library: kernel32.dll, function: CreateFileW, script: hooks/createfile.star}
  # - {library: ws2_32.dll, function: connect, script: hooks/net.star, cond: "esp > 0x10000"}

# Diagnostic logging: router, breakpoints, threads, target, hooks, symbols.
log: false
# log-output: "router,threads"
# log-dest: "flxtrace.log"

# trace-output: "trace.jsonl"
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
