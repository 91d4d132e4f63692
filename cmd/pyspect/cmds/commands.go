package cmds

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"

	"github.com/go-pyspect/pyspect/cmd/pyspect/cmds/helphelpers"
	"github.com/go-pyspect/pyspect/pkg/config"
	"github.com/go-pyspect/pyspect/pkg/logflags"
	"github.com/go-pyspect/pyspect/pkg/pylayout"
	"github.com/go-pyspect/pyspect/pkg/pyproc"
	"github.com/go-pyspect/pyspect/pkg/pyproc/core"
	"github.com/go-pyspect/pyspect/pkg/pyproc/native"
	"github.com/go-pyspect/pyspect/pkg/terminal"
	"github.com/go-pyspect/pyspect/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of layers that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// initFile is the path to initialization file.
	initFile string
	// pythonVersion overrides the detection of the target's interpreter version.
	pythonVersion versionFlag

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf        *config.Config
	loadConfErr error
)

// versionFlag parses an interpreter version from the command line.
type versionFlag struct {
	v *semver.Version
}

func (f *versionFlag) String() string {
	if f.v == nil {
		return ""
	}
	return f.v.String()
}

func (f *versionFlag) Set(s string) error {
	v, err := semver.NewVersion(s)
	if err != nil {
		return fmt.Errorf("invalid python version %q: %v", s, err)
	}
	f.v = v
	return nil
}

func (f *versionFlag) Type() string {
	return "version"
}

const pyspectCommandLongDesc = `Pyspect is an inspector for CPython processes and core dumps.

Pyspect reads the raw memory of the target through ptrace or a core file and
reconstructs the Python-level state: the frame chain, local variables and
arbitrary object graphs. The target interpreter is never executed and needs
no instrumentation, no gdb hooks and no debug build.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf, loadConfErr = config.LoadConfig()

	// Main pyspect root command.
	rootCommand = &cobra.Command{
		Use:   "pyspect",
		Short: "Pyspect is an inspector for CPython processes and core dumps.",
		Long:  pyspectCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of layers that should produce debug output (see 'pyspect help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'pyspect help log').")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal on startup.")
	rootCommand.PersistentFlags().Var(&pythonVersion, "python-version", "Version of the target interpreter, e.g. '2.7.18'. Detected from the target when unset.")

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to a running Python process and begin inspecting.",
		Long: `Attach to an already running Python process and begin inspecting it.

This command will cause Pyspect to stop the process with ptrace and open the
terminal on it. The process stays stopped for the whole session and resumes
when the session exits.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	// 'core' subcommand.
	coreCommand := &cobra.Command{
		Use:   "core <core>",
		Short: "Examine the Python state in a core dump.",
		Long: `Examine the Python state in a core dump.

The core command will open the specified core file and let you examine the
state of the interpreter when the core dump was taken.

Currently supports linux/amd64 core files.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide a core file")
			}
			return nil
		},
		Run: coreCmd,
	}
	rootCommand.AddCommand(coreCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Pyspect Inspector\n%s\n", version.PyspectVersion)
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which layers should produce logs.

The argument of --log-output must be a comma separated list of layer
names selected from this list:


	pyproc		Log object classification and decoding
	layout		Log structure layout resolution
	native		Log ptrace operations on the live target
	core		Log core dump loading
	starlark	Log the starlark environment

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	defaultUsageFunc := rootCommand.UsageFunc()
	rootCommand.SetUsageFunc(func(cmd *cobra.Command) error {
		helphelpers.Prepare(cmd)
		return defaultUsageFunc(cmd)
	})
	defaultHelpFunc := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelpFunc(cmd, args)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func attachCmd(cmd *cobra.Command, args []string) {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(execute(pid, ""))
}

func coreCmd(cmd *cobra.Command, args []string) {
	os.Exit(execute(0, args[0]))
}

func execute(attachPid int, coreFile string) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()
	if loadConfErr != nil {
		fmt.Fprintf(os.Stderr, "%v\n", loadConfErr)
	}

	var (
		mem      pyproc.Memory
		mappings []pyproc.Mapping
		pid      int
		desc     string
		detach   func() error
	)

	if coreFile != "" {
		p, err := core.OpenCore(coreFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening core file: %v\n", err)
			return 1
		}
		mem, pid, detach = p, p.Pid(), p.Close
		desc = fmt.Sprintf("core file %s (%s)", coreFile, p.Cmdline())
		mappings, err = p.Mappings()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading core file mappings: %v\n", err)
			detach()
			return 1
		}
	} else {
		p, err := native.Attach(attachPid)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error attaching to pid %d: %v\n", attachPid, err)
			return 1
		}
		mem, pid, detach = p, p.Pid(), p.Detach
		desc = fmt.Sprintf("process %d", attachPid)
		mappings, err = p.Mappings()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading process mappings: %v\n", err)
			detach()
			return 1
		}
	}

	ver := pythonVersion.v
	if ver == nil && conf.PythonVersion != "" {
		v, err := semver.NewVersion(conf.PythonVersion)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid python-version in configuration file: %v\n", err)
			detach()
			return 1
		}
		ver = v
	}
	if ver == nil {
		v, err := pyproc.DetectVersion(mappings)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not detect the interpreter version: %v\n", err)
			fmt.Fprintf(os.Stderr, "Set one with --python-version or the python-version configuration parameter.\n")
			detach()
			return 1
		}
		ver = v
	}

	reg := pylayout.NewRegistry()
	if err := reg.Resolve(ver, pylayout.AMD64, pylayout.Params{}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		detach()
		return 1
	}

	tgt := pyproc.NewTarget(mem, reg)
	sess := terminal.NewSession(tgt, pid, desc, detach)

	// Best effort. The frameaddr command recovers when any of these fail.
	if addrs, err := pyproc.ResolveAnchors(mappings); err != nil {
		fmt.Fprintf(os.Stderr, "Could not locate the interpreter state: %v\n", err)
	} else if frame, err := tgt.CurrentFrame(addrs); err != nil {
		fmt.Fprintf(os.Stderr, "Could not find the current frame: %v\n", err)
	} else if err := sess.SetFrameRoot(frame); err != nil {
		fmt.Fprintf(os.Stderr, "Could not walk the frame chain: %v\n", err)
	}

	fmt.Printf("Inspecting %s, python %s.\n", desc, ver)

	term := terminal.New(sess, conf)
	term.InitFile = initFile
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}
