package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flxtrace/flxtrace/pkg/config"
	"github.com/flxtrace/flxtrace/pkg/logflags"
	"github.com/flxtrace/flxtrace/pkg/session"
	"github.com/flxtrace/flxtrace/pkg/starhook"
	"github.com/flxtrace/flxtrace/pkg/syscalls"
	"github.com/flxtrace/flxtrace/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configFile is the path of the configuration file, the default
	// configuration is used when empty.
	configFile string
	// extraHooks are hooks given on the command line, added to the
	// configured ones.
	extraHooks []string
	// verbose makes version print the build information.
	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command
)

const flxtraceCommandLongDesc = `flxtrace reconstructs the behaviour of processes running inside an
instrumented virtual machine.

The instrumentation engine delivers low level events (calls, returns, jumps,
memory accesses, system calls, breakpoints). flxtrace attributes them to the
traced processes and their threads, rebuilds each thread's call stack and
writes the resulting trace.

This tool validates configurations and hook scripts before they are loaded
by the engine.`

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand = &cobra.Command{
		Use:           "flxtrace",
		Short:         "flxtrace is a process tracer for instrumented virtual machines.",
		Long:          flxtraceCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logflags.Setup(log, logOutput, logDest)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable diagnostic logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'flxtrace help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'flxtrace help log').")
	rootCommand.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file, defaults to $HOME/.flxtrace/config.yml.")

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "flxtrace\n%s\n", version.FlxtraceVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	// 'config' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "config [path]",
		Short: "Writes the default configuration.",
		Long: `Writes the commented default configuration to path, or to standard output
when no path is given. An existing file is not overwritten.`,
		Args: cobra.MaximumNArgs(1),
		RunE: configCmd,
	})

	// 'check' subcommand.
	checkCommand := &cobra.Command{
		Use:   "check",
		Short: "Validates a configuration and compiles its hooks.",
		Long: `Loads the configuration, the syscall table and every hook script and
condition, reporting the first error found. Nothing is traced.`,
		Args: cobra.NoArgs,
		RunE: checkCmd,
	}
	checkCommand.Flags().StringArrayVar(&extraHooks, "hook", nil, `Additional hook, as "library function script ['cond']" (see 'flxtrace help hooks').`)
	rootCommand.AddCommand(checkCommand)

	// 'syscalls' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "syscalls [table]",
		Short: "Prints a syscall table.",
		Long: `Prints the syscall table given as argument, or the one selected by the
configuration, in the YAML format accepted by the syscall-table option.`,
		Args: cobra.MaximumNArgs(1),
		RunE: syscallsCmd,
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	router		Log every routed event
	breakpoints	Log breakpoint arming and disarming
	threads		Log thread creation, termination and call stack reconciliation
	target		Log process lifecycle transitions
	hooks		Log function hook installation and script errors
	symbols		Log symbol resolution

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

The same options are available in the configuration file as log,
log-output and log-dest.
`,
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "hooks",
		Short: "Help about function hooks.",
		Long:  hooksHelp(),
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func hooksHelp() string {
	var b strings.Builder
	b.WriteString(`Function hooks run a Starlark script when a function exported by a library
of the traced process is called. The script defines on_enter(fn) and/or
on_leave(fn), fn has the fields addr, lib, name, ret, sp and tid.

A hook can be gated by a condition over the registers at the call (eax, ebx,
ecx, edx, esi, edi, ebp, esp, eip, eflags) and lib, name, addr, tid.
u32(addr) reads a word of guest memory, arg(n) the n-th stack argument.

Hooks are listed in the hooks section of the configuration file or given
to 'flxtrace check' with --hook:

	--hook "kernel32.dll CreateFileW hooks/open.star 'arg(1) != 0'"

Builtins available to scripts:
`)
	for _, name := range starhook.Builtins() {
		doc, _ := starhook.Doc(name)
		b.WriteString("\n\t" + strings.Replace(doc, "\n", "\n\t", -1) + "\n")
	}
	return b.String()
}

func loadConfig() (*config.Config, error) {
	conf, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	for _, spec := range extraHooks {
		h, err := config.ParseHook(spec)
		if err != nil {
			return nil, err
		}
		conf.Hooks = append(conf.Hooks, h)
	}
	return conf, nil
}

func configCmd(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return config.WriteDefaultConfig(cmd.OutOrStdout())
	}
	f, err := os.OpenFile(args[0], os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return err
	}
	defer f.Close()
	return config.WriteDefaultConfig(f)
}

func checkCmd(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	if conf.Log && !log {
		if err := logflags.Setup(conf.Log, conf.LogOutput, conf.LogDest); err != nil {
			return err
		}
	}
	s, err := session.Prepare(conf)
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), conf, s)
	return nil
}

func printSummary(out io.Writer, conf *config.Config, s *session.Session) {
	fmt.Fprintf(out, "targets:\t%s\n", strings.Join(conf.Targets, ", "))
	fmt.Fprintf(out, "instrument:\t%s\n", strings.Join(conf.Instrument, ", "))
	for _, addr := range conf.ExtraEntryPoints {
		fmt.Fprintf(out, "entry point:\t%#x\n", addr)
	}
	fmt.Fprintf(out, "syscalls:\t%d\n", s.Syscalls.Len())
	for _, h := range s.Hooks {
		fmt.Fprintf(out, "hook:\t\t%v\n", h)
	}
	fmt.Fprintln(out, "ok")
}

func syscallsCmd(cmd *cobra.Command, args []string) error {
	var path string
	if len(args) > 0 {
		path = args[0]
	} else if configFile != "" {
		conf, err := config.LoadConfig(configFile)
		if err != nil {
			return err
		}
		path = conf.SyscallTable
	}
	table, err := syscalls.Load(path)
	if err != nil {
		return err
	}
	if table.Len() == 0 {
		return errors.New("empty syscall table")
	}
	buf, err := table.Marshal()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(buf)
	return err
}
