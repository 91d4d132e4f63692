package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"

	"syscall"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"
	"github.com/mattn/go-isatty"

	"github.com/go-pyspect/pyspect/pkg/config"
	"github.com/go-pyspect/pyspect/pkg/pyproc"
	"github.com/go-pyspect/pyspect/pkg/terminal/colorize"
	"github.com/go-pyspect/pyspect/pkg/terminal/starbind"
)

const (
	historyFile                 string = ".pyspect_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiBlack     = 30
	ansiRed       = 31
	ansiGreen     = 32
	ansiYellow    = 33
	ansiBlue      = 34
	ansiMagenta   = 35
	ansiCyan      = 36
	ansiWhite     = 37
	ansiBrBlack   = 90
	ansiBrRed     = 91
	ansiBrGreen   = 92
	ansiBrYellow  = 93
	ansiBrBlue    = 94
	ansiBrMagenta = 95
	ansiBrCyan    = 96
	ansiBrWhite   = 97
)

var errNoFrameChain = errors.New("no frame selected, use frameaddr <address> to pick a starting frame")

// Session binds the terminal to one inspection target: the reification
// engine over some memory backend, plus the frame chain the stack
// commands navigate. The target stays stopped for the whole session.
type Session struct {
	Target *pyproc.Target
	Pid    int    // 0 when inspecting a core dump
	Desc   string // one line description of the target

	chain  *pyproc.FrameChain
	detach func() error
}

// NewSession returns a Session over tgt. detach releases the memory
// backend (resuming a live process, closing a core dump) and may be
// nil.
func NewSession(tgt *pyproc.Target, pid int, desc string, detach func() error) *Session {
	return &Session{Target: tgt, Pid: pid, Desc: desc, detach: detach}
}

// SetFrameRoot rebuilds the frame chain from the frame object at root.
// The previous chain and its selection are discarded.
func (s *Session) SetFrameRoot(root uint64) error {
	chain, err := s.Target.NewFrameChain(root)
	if err != nil {
		return err
	}
	s.chain = chain
	return nil
}

// Chain returns the session's frame chain. It fails until a chain root
// has been established, either at startup or through SetFrameRoot.
func (s *Session) Chain() (*pyproc.FrameChain, error) {
	if s.chain == nil || s.chain.Depth() == 0 {
		return nil, errNoFrameChain
	}
	return s.chain, nil
}

// Detach releases the target. It is safe to call more than once.
func (s *Session) Detach() error {
	if s.detach == nil {
		return nil
	}
	fn := s.detach
	s.detach = nil
	return fn()
}

// Term represents the terminal running pyspect.
type Term struct {
	sess     *Session
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	dumb     bool
	stdout   io.Writer
	InitFile string

	starlarkEnv *starbind.Env

	colorEscapes map[colorize.Style]string
}

// New returns a new Term.
func New(sess *Session, conf *config.Config) *Term {
	cmds := InspectCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	if conf == nil {
		conf = &config.Config{}
	}

	var w io.Writer

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb" || !isatty.IsTerminal(os.Stdout.Fd())
	if dumb {
		w = os.Stdout
	} else {
		w = getColorableWriter()
	}

	if (conf.SourceListLineColor > ansiWhite &&
		conf.SourceListLineColor < ansiBrBlack) ||
		conf.SourceListLineColor < ansiBlack ||
		conf.SourceListLineColor > ansiBrWhite {
		conf.SourceListLineColor = ansiBlue
	}

	t := &Term{
		sess:   sess,
		conf:   conf,
		prompt: "(pyspect) ",
		line:   liner.NewLiner(),
		cmds:   cmds,
		dumb:   dumb,
		stdout: w,
	}

	if !dumb {
		t.colorEscapes = map[colorize.Style]string{
			colorize.NormalStyle:  terminalResetEscapeCode,
			colorize.KeywordStyle: fmt.Sprintf(terminalHighlightEscapeCode, ansiYellow),
			colorize.StringStyle:  fmt.Sprintf(terminalHighlightEscapeCode, ansiGreen),
			colorize.CommentStyle: fmt.Sprintf(terminalHighlightEscapeCode, ansiBrMagenta),
			colorize.LineNoStyle:  fmt.Sprintf(terminalHighlightEscapeCode, conf.SourceListLineColor),
			colorize.ArrowStyle:   fmt.Sprintf(terminalHighlightEscapeCode, ansiBrYellow),
		}
	}

	t.starlarkEnv = starbind.New(starlarkContext{t}, termWriter{t})

	return t
}

// termWriter writes to the terminal's current stdout.
type termWriter struct {
	t *Term
}

func (w termWriter) Write(p []byte) (int, error) {
	return w.t.stdout.Write(p)
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

// sigintGuard cancels a running script on SIGINT. The target itself is
// stopped for the whole session, so there is nothing else to
// interrupt.
func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		fmt.Println("received SIGINT")
		t.starlarkEnv.Cancel()
	}
}

// Run begins running pyspect in the terminal.
func (t *Term) Run() (int, error) {
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	go t.sigintGuard(ch)

	cmdTrie := trie.New()
	for _, cmd := range t.cmds.cmds {
		for _, alias := range cmd.aliases {
			cmdTrie.Add(alias, nil)
		}
	}

	t.line.SetCompleter(func(line string) (c []string) {
		if idx := strings.LastIndex(line, " "); idx >= 0 {
			// complete an argument with the selected frame's locals
			locals := trie.New()
			for _, name := range t.localNames() {
				locals.Add(name, nil)
			}
			for _, name := range locals.PrefixSearch(line[idx+1:]) {
				c = append(c, line[:idx+1]+name)
			}
			return
		}
		return cmdTrie.PrefixSearch(strings.ToLower(line))
	})

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}

	fmt.Println("Type 'help' for list of commands.")

	if t.InitFile != "" {
		err := t.cmds.executeFile(t, t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Println("exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("Prompt for input failed.\n")
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// localNames returns the names of the selected frame's locals, for
// completion. A session without a frame chain completes nothing.
func (t *Term) localNames() []string {
	chain, err := t.sess.Chain()
	if err != nil {
		return nil
	}
	snap, err := chain.Snapshot()
	if err != nil {
		return nil
	}
	names := make([]string, len(snap.Locals))
	for i := range snap.Locals {
		names[i] = snap.Locals[i].Name
	}
	return names
}

// Println prints a line to the terminal, highlighting the prefix.
func (t *Term) Println(prefix, str string) {
	if !t.dumb {
		terminalColorEscapeCode := fmt.Sprintf(terminalHighlightEscapeCode, t.conf.SourceListLineColor)
		prefix = fmt.Sprintf("%s%s%s", terminalColorEscapeCode, prefix, terminalResetEscapeCode)
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

// Substitutes directory to source file.
//
// Ensures that only directory is substituted, for example:
// substitute from `/dir/subdir`, substitute to `/new`
// for file path `/dir/subdir/file` will return file path `/new/file`.
// for file path `/dir/subdir-2/file` substitution will not be applied.
//
// If more than one substitution rule is defined, the rules are applied
// in the order they are defined, first rule that matches is used for
// substitution.
func (t *Term) substitutePath(path string) string {
	path = crossPlatformPath(path)
	if t.conf == nil {
		return path
	}

	separator := "/"
	if strings.Index(path, "\\") != -1 {
		separator = "\\"
	}
	for _, r := range t.conf.SubstitutePath {
		from := crossPlatformPath(r.From)
		to := r.To

		if !strings.HasSuffix(from, separator) {
			from = from + separator
		}
		if !strings.HasSuffix(to, separator) {
			to = to + separator
		}
		if strings.HasPrefix(path, from) {
			return strings.Replace(path, from, to, 1)
		}
	}
	return path
}

func crossPlatformPath(path string) string {
	if runtime.GOOS == "windows" {
		return strings.ToLower(path)
	}
	return path
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}

	if err := t.sess.Detach(); err != nil {
		return 1, err
	}
	return 0, nil
}
