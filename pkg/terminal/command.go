// Package terminal implements functions for responding to user
// input and dispatching to appropriate inspection commands.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/go-pyspect/pyspect/pkg/pyproc"
	"github.com/go-pyspect/pyspect/pkg/terminal/colorize"
)

type cmdfunc func(t *Term, ctx callContext, args string) error

// callContext carries the modifiers a command was invoked with. Frame
// overrides the chain's selected frame for the duration of one call;
// it is -1 when the command should use the current selection.
type callContext struct {
	Frame int
}

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for pyspect terminal process.
type Commands struct {
	cmds []command
}

// InspectCommands returns a Commands object with the known commands.
func InspectCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"bt", "stack"}, group: stackCmds, cmdFn: stackCommand, helpMsg: `Print the frame chain, innermost frame first.

	bt [<depth>]

The optional argument truncates the listing after <depth> frames.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config substitute-path <from> <to>
	config substitute-path <from>

Adds or removes a path substitution rule.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"down"}, group: stackCmds, cmdFn: func(t *Term, ctx callContext, args string) error {
			return moveFrame(t, args, -1)
		}, helpMsg: `Move the current frame down.

	down [<m>]

Move the current frame down by <m>. The default is 1.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: "Exit pyspect."},
		{aliases: []string{"frame"}, group: stackCmds, cmdFn: c.frameCommand, helpMsg: `Set the current frame, or execute command on a different frame.

	frame <m>
	frame <m> <command>

The first form sets the frame used by subsequent commands such as "print"
or "locals". The second form runs the command on the given frame without
changing the selection.`},
		{aliases: []string{"frameaddr"}, group: stackCmds, cmdFn: frameAddrCommand, helpMsg: `Rebuild the frame chain starting at the given frame object address.

	frameaddr <address>

Useful when automatic stack discovery fails, or to inspect the stack of a
thread other than the one found at startup.`},
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"list", "ls", "l"}, group: stackCmds, cmdFn: listCommand, helpMsg: `Show source around the current line of the selected frame.

	[frame <m>] list [<line>]

Shows the source of the file recorded in the selected frame's code
object, centered on its current line or on <line>. The file is read from
the local filesystem after applying substitute-path rules.`},
		{aliases: []string{"locals"}, group: dataCmds, cmdFn: locals, helpMsg: `Print the local variables of the selected frame.

	[frame <m>] locals`},
		{aliases: []string{"print", "p"}, group: dataCmds, cmdFn: printVar, helpMsg: `Reify and print a foreign object.

	[frame <m>] print <name>
	print <address>

Looks up <name> among the locals of the selected frame, or reifies the
object header at <address> directly.`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of pyspect commands

	source <path>

If path ends with the .star extension it will be interpreted as a
starlark script.

If path is a single '-' character an interactive starlark interpreter
will start instead. Type 'exit' to exit.`},
		{aliases: []string{"up"}, group: stackCmds, cmdFn: func(t *Term, ctx callContext, args string) error {
			return moveFrame(t, args, 1)
		}, helpMsg: `Move the current frame up.

	up [<m>]

Move the current frame up by <m>. The default is 1.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	return c
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		// If the command already exists, replace it.
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			c.cmds[i].helpMsg = helpMsg
			return
		}
	}
	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) command {
	// If <enter> use the null command.
	if cmdstr == "" {
		return command{aliases: []string{"nullcmd"}, cmdFn: nullCommand}
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v
		}
	}

	return command{aliases: []string{"nocmd"}, cmdFn: noCmdAvailable}
}

// CallWithContext takes a command and a context that command should be executed in.
func (c *Commands) CallWithContext(cmdstr string, t *Term, ctx callContext) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname).cmdFn(t, ctx, args)
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	ctx := callContext{Frame: -1}
	return c.CallWithContext(cmdstr, t, ctx)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

var noCmdError = errors.New("command not available")

func noCmdAvailable(t *Term, ctx callContext, args string) error {
	return noCmdError
}

func nullCommand(t *Term, ctx callContext, args string) error {
	return nil
}

func (c *Commands) help(t *Term, ctx callContext, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return noCmdError
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// snapshotScope returns the snapshot of the frame a command should
// operate on: the one requested through the frame modifier, or the
// chain's current selection.
func snapshotScope(t *Term, ctx callContext) (*pyproc.FrameSnapshot, error) {
	chain, err := t.sess.Chain()
	if err != nil {
		return nil, err
	}
	i := ctx.Frame
	if i < 0 {
		i = chain.Index()
	}
	addr, ok := chain.At(i)
	if !ok {
		return nil, fmt.Errorf("no frame %d in the chain (depth %d)", i, chain.Depth())
	}
	return t.sess.Target.FrameSnapshot(addr)
}

func printVar(t *Term, ctx callContext, args string) error {
	if len(args) == 0 {
		return errors.New("not enough arguments")
	}

	if addr, err := strconv.ParseUint(args, 0, 64); err == nil {
		v, err := t.sess.Target.Reify(addr)
		if err != nil {
			return err
		}
		fmt.Fprintln(t.stdout, v)
		return nil
	}

	snap, err := snapshotScope(t, ctx)
	if err != nil {
		return err
	}
	for _, lv := range snap.Locals {
		if lv.Name == args {
			fmt.Fprintln(t.stdout, lv.Value)
			return nil
		}
	}
	return fmt.Errorf("no local variable %q in the selected frame", args)
}

func locals(t *Term, ctx callContext, args string) error {
	snap, err := snapshotScope(t, ctx)
	if err != nil {
		return err
	}
	if len(snap.Locals) == 0 {
		fmt.Fprintln(t.stdout, "(no locals)")
		return nil
	}
	for _, lv := range snap.Locals {
		fmt.Fprintf(t.stdout, "%s = %s\n", lv.Name, lv.Value)
	}
	return nil
}

func stackCommand(t *Term, ctx callContext, args string) error {
	chain, err := t.sess.Chain()
	if err != nil {
		return err
	}
	depth := chain.Depth()
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid depth %q", args)
		}
		if n < depth {
			depth = n
		}
	}
	for i := 0; i < depth; i++ {
		addr, _ := chain.At(i)
		snap, err := t.sess.Target.FrameSnapshot(addr)
		if err != nil {
			return err
		}
		t.Println(fmt.Sprintf("#%d ", i), snap.String())
	}
	return nil
}

func printFrameLine(t *Term) error {
	chain, err := t.sess.Chain()
	if err != nil {
		return err
	}
	snap, err := chain.Snapshot()
	if err != nil {
		return err
	}
	t.Println(fmt.Sprintf("#%d ", chain.Index()), snap.String())
	return nil
}

func (c *Commands) frameCommand(t *Term, ctx callContext, args string) error {
	v := split2PartsBySpace(args)
	n, err := strconv.Atoi(v[0])
	if err != nil {
		return fmt.Errorf("invalid frame %q", v[0])
	}
	chain, err := t.sess.Chain()
	if err != nil {
		return err
	}
	if len(v) > 1 && v[1] != "" {
		if _, ok := chain.At(n); !ok {
			return fmt.Errorf("no frame %d in the chain (depth %d)", n, chain.Depth())
		}
		return c.CallWithContext(v[1], t, callContext{Frame: n})
	}
	if !chain.Select(n) {
		return fmt.Errorf("no frame %d in the chain (depth %d)", n, chain.Depth())
	}
	return printFrameLine(t)
}

func moveFrame(t *Term, args string, dir int) error {
	n := 1
	if args != "" {
		var err error
		n, err = strconv.Atoi(args)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid count %q", args)
		}
	}
	chain, err := t.sess.Chain()
	if err != nil {
		return err
	}
	if !chain.Select(chain.Index() + dir*n) {
		if dir > 0 {
			return errors.New("unable to find an older frame")
		}
		return errors.New("unable to find a newer frame")
	}
	return printFrameLine(t)
}

func listCommand(t *Term, ctx callContext, args string) error {
	snap, err := snapshotScope(t, ctx)
	if err != nil {
		return err
	}
	line := snap.Line
	showArrow := true
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid line number %q", args)
		}
		line = n
		showArrow = false
	}
	return printfile(t, snap.File, line, showArrow)
}

func printfile(t *Term, filename string, line int, showArrow bool) error {
	if filename == "" {
		return errors.New("the selected frame has no file name")
	}

	lineCount := t.conf.GetSourceListLineCount()
	arrowLine := 0
	if showArrow {
		arrowLine = line
	}

	file, err := os.Open(t.substitutePath(filename))
	if err != nil {
		return err
	}
	defer file.Close()

	return colorize.Print(t.stdout, file.Name(), file, line-lineCount, line+lineCount+1, arrowLine, t.colorEscapes)
}

func frameAddrCommand(t *Term, ctx callContext, args string) error {
	addr, err := strconv.ParseUint(args, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q", args)
	}
	if err := t.sess.SetFrameRoot(addr); err != nil {
		return err
	}
	return printFrameLine(t)
}

// ExitRequestError is returned when the user
// exits pyspect.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, ctx callContext, args string) error {
	return ExitRequestError{}
}

func (c *Commands) sourceCommand(t *Term, ctx callContext, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("wrong number of arguments: source <filename>")
	}

	if args == "-" {
		return t.starlarkEnv.REPL()
	}

	v, err := argv.Argv(args, func(s string) (string, error) {
		return "", fmt.Errorf("backtick not supported in '%s'", s)
	}, nil)
	if err != nil {
		return err
	}
	if len(v) != 1 {
		return fmt.Errorf("illegal commandline '%s'", args)
	}
	w := v[0]
	name := w[0]

	if filepath.Ext(name) == ".star" {
		scriptArgs := make([]interface{}, len(w)-1)
		for i := range w[1:] {
			scriptArgs[i] = w[i+1]
		}
		_, err := t.starlarkEnv.Execute(name, nil, "main", scriptArgs)
		return err
	}

	return c.executeFile(t, name)
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(os.Stderr, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}

func split2PartsBySpace(s string) []string {
	v := strings.SplitN(s, " ", 2)
	for i := range v {
		v[i] = strings.TrimSpace(v[i])
	}
	return v
}

type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }
