package terminal

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-pyspect/pyspect/pkg/config"
	"github.com/go-pyspect/pyspect/pkg/pyproc"
	pytest "github.com/go-pyspect/pyspect/pkg/pyproc/test"
)

type FakeTerminal struct {
	*Term
	t testing.TB
	h *pytest.Heap

	// frames of the fixture stack, innermost first
	frames [3]uint64
}

const logCommandOutput = false

func (ft *FakeTerminal) Exec(cmdstr string) (outstr string, err error) {
	outfh, err := ioutil.TempFile("", "cmdtestout")
	if err != nil {
		ft.t.Fatalf("could not create temporary file: %v", err)
	}

	stdout, stderr, termstdout := os.Stdout, os.Stderr, ft.Term.stdout
	os.Stdout, os.Stderr, ft.Term.stdout = outfh, outfh, outfh
	defer func() {
		os.Stdout, os.Stderr, ft.Term.stdout = stdout, stderr, termstdout
		outfh.Close()
		outbs, err1 := ioutil.ReadFile(outfh.Name())
		if err1 != nil {
			ft.t.Fatalf("could not read temporary output file: %v", err)
		}
		outstr = string(outbs)
		if logCommandOutput {
			ft.t.Logf("command %q -> %q", cmdstr, outstr)
		}
		os.Remove(outfh.Name())
	}()
	err = ft.cmds.Call(cmdstr, ft.Term)
	return
}

func (ft *FakeTerminal) ExecStarlark(starlarkProgram string) (outstr string, err error) {
	outfh, err := ioutil.TempFile("", "cmdtestout")
	if err != nil {
		ft.t.Fatalf("could not create temporary file: %v", err)
	}

	stdout, stderr, termstdout := os.Stdout, os.Stderr, ft.Term.stdout
	os.Stdout, os.Stderr, ft.Term.stdout = outfh, outfh, outfh
	defer func() {
		os.Stdout, os.Stderr, ft.Term.stdout = stdout, stderr, termstdout
		outfh.Close()
		outbs, err1 := ioutil.ReadFile(outfh.Name())
		if err1 != nil {
			ft.t.Fatalf("could not read temporary output file: %v", err)
		}
		outstr = string(outbs)
		if logCommandOutput {
			ft.t.Logf("command %q -> %q", starlarkProgram, outstr)
		}
		os.Remove(outfh.Name())
	}()
	_, err = ft.Term.starlarkEnv.Execute("<stdin>", starlarkProgram, "main", nil)
	return
}

func (ft *FakeTerminal) MustExec(cmdstr string) string {
	outstr, err := ft.Exec(cmdstr)
	if err != nil {
		ft.t.Errorf("output of %q: %q", cmdstr, outstr)
		ft.t.Fatalf("Error executing <%s>: %v", cmdstr, err)
	}
	return outstr
}

func (ft *FakeTerminal) MustExecStarlark(starlarkProgram string) string {
	outstr, err := ft.ExecStarlark(starlarkProgram)
	if err != nil {
		ft.t.Errorf("output of %q: %q", starlarkProgram, outstr)
		ft.t.Fatalf("Error executing <%s>: %v", starlarkProgram, err)
	}
	return outstr
}

func (ft *FakeTerminal) AssertExec(cmdstr, tgt string) {
	out := ft.MustExec(cmdstr)
	if out != tgt {
		ft.t.Fatalf("Error executing %q, expected %q got %q", cmdstr, tgt, out)
	}
}

func (ft *FakeTerminal) AssertExecError(cmdstr, tgterr string) {
	_, err := ft.Exec(cmdstr)
	if err == nil {
		ft.t.Fatalf("Expected error executing %q", cmdstr)
	}
	if err.Error() != tgterr {
		ft.t.Fatalf("Expected error %q executing %q, got error %q", tgterr, cmdstr, err.Error())
	}
}

// withTestTerminal runs fn on a terminal inspecting a synthetic heap
// with a three frame stack: step, called by run, called by main.
func withTestTerminal(t testing.TB, fn func(*FakeTerminal)) {
	os.Setenv("TERM", "dumb")
	reg := pytest.Registry27()
	h := pytest.NewHeap(reg)
	tgt := pyproc.NewTarget(h, reg)

	mainCode := h.Code("main.py", "main", 3, nil, "cfg")
	runCode := h.Code("worker.py", "run", 10, []byte{4, 1, 6, 2}, "a")
	stepCode := h.Code("worker.py", "step", 21, nil, "x", "y")

	outer := h.Frame(mainCode, 0, 0, h.Str("prod"))
	mid := h.Frame(runCode, outer, 5, h.Int(1))
	inner := h.Frame(stepCode, mid, 0, h.Int(42), h.List(h.Int(1), h.Int(2)))
	h.SetTrace(inner, 23)

	sess := NewSession(tgt, 0, "test fixture", nil)
	if err := sess.SetFrameRoot(inner); err != nil {
		t.Fatal(err)
	}

	ft := &FakeTerminal{
		Term:   New(sess, &config.Config{}),
		t:      t,
		h:      h,
		frames: [3]uint64{inner, mid, outer},
	}
	fn(ft)
}

func TestCommandDefault(t *testing.T) {
	var (
		cmds = Commands{}
		cmd  = cmds.Find("non-existent-command")
	)

	err := cmd.cmdFn(nil, callContext{}, "")
	if err == nil {
		t.Fatal("cmd() did not default")
	}

	if err.Error() != "command not available" {
		t.Fatal("wrong command output")
	}
}

func TestCommandNull(t *testing.T) {
	var (
		cmds = InspectCommands()
		cmd  = cmds.Find("")
		err  = cmd.cmdFn(nil, callContext{}, "")
	)

	if err != nil {
		t.Error("Null command not returned", err)
	}
}

func TestPrintLocal(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		ft.AssertExec("print x", "42\n")
		ft.AssertExec("print y", "[1, 2]\n")
		ft.AssertExec("p x", "42\n")
		ft.AssertExecError("print nosuch", `no local variable "nosuch" in the selected frame`)
		ft.AssertExecError("print", "not enough arguments")
	})
}

func TestPrintAddress(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		addr := ft.h.Str("direct")
		ft.AssertExec(fmt.Sprintf("print %#x", addr), "'direct'\n")
		ft.AssertExec(fmt.Sprintf("print %d", addr), "'direct'\n")
	})
}

func TestLocals(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		ft.AssertExec("locals", "x = 42\ny = [1, 2]\n")

		code := ft.h.Code("empty.py", "noop", 1, nil)
		fr := ft.h.Frame(code, 0, 0)
		ft.MustExec(fmt.Sprintf("frameaddr %#x", fr))
		ft.AssertExec("locals", "(no locals)\n")
	})
}

func TestStackCommand(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		want := fmt.Sprintf("#0 Frame %#x, for file worker.py, line 23, in step (x=42, y=[1, 2])\n", ft.frames[0]) +
			fmt.Sprintf("#1 Frame %#x, for file worker.py, line 11, in run (a=1)\n", ft.frames[1]) +
			fmt.Sprintf("#2 Frame %#x, for file main.py, line 3, in main (cfg='prod')\n", ft.frames[2])
		ft.AssertExec("bt", want)
		ft.AssertExec("stack", want)

		out := ft.MustExec("bt 2")
		if n := strings.Count(out, "\n"); n != 2 {
			t.Errorf("wrong number of frames in truncated stack: %d", n)
		}
		ft.AssertExecError("bt 0", `invalid depth "0"`)
		ft.AssertExecError("bt xyz", `invalid depth "xyz"`)
	})
}

func TestFrameNavigation(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		ft.AssertExec("frame 1", fmt.Sprintf("#1 Frame %#x, for file worker.py, line 11, in run (a=1)\n", ft.frames[1]))
		ft.AssertExec("print a", "1\n")

		ft.AssertExec("up", fmt.Sprintf("#2 Frame %#x, for file main.py, line 3, in main (cfg='prod')\n", ft.frames[2]))
		ft.AssertExec("print cfg", "'prod'\n")
		ft.AssertExecError("up", "unable to find an older frame")

		ft.AssertExec("down 2", fmt.Sprintf("#0 Frame %#x, for file worker.py, line 23, in step (x=42, y=[1, 2])\n", ft.frames[0]))
		ft.AssertExecError("down", "unable to find a newer frame")
		ft.AssertExecError("up 9", "unable to find an older frame")
		ft.AssertExecError("up 0", `invalid count "0"`)

		ft.AssertExecError("frame 9", "no frame 9 in the chain (depth 3)")
		ft.AssertExecError("frame xyz", `invalid frame "xyz"`)
	})
}

func TestFrameScopedCommand(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		ft.AssertExec("frame 1 locals", "a = 1\n")
		ft.AssertExec("frame 2 print cfg", "'prod'\n")
		// the selection is left untouched
		ft.AssertExec("locals", "x = 42\ny = [1, 2]\n")
		ft.AssertExecError("frame 9 locals", "no frame 9 in the chain (depth 3)")
	})
}

func TestFrameAddrCommand(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		ft.AssertExec(fmt.Sprintf("frameaddr %#x", ft.frames[1]),
			fmt.Sprintf("#0 Frame %#x, for file worker.py, line 11, in run (a=1)\n", ft.frames[1]))

		out := ft.MustExec("bt")
		if n := strings.Count(out, "\n"); n != 2 {
			t.Errorf("wrong chain depth after reroot: %d", n)
		}
		ft.AssertExecError("frameaddr zzz", `invalid address "zzz"`)
	})
}

func TestListCommand(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		src := "import sys\n\ndef step(x, y):\n    y.append(x)\n    return y\n\nprint step(1, [])\n"
		fh, err := ioutil.TempFile("", "listtest*.py")
		if err != nil {
			t.Fatal(err)
		}
		defer os.Remove(fh.Name())
		if _, err := fh.WriteString(src); err != nil {
			t.Fatal(err)
		}
		fh.Close()

		want := "     1:\timport sys\n" +
			"     2:\t\n" +
			"     3:\tdef step(x, y):\n" +
			"=>   4:\t    y.append(x)\n" +
			"     5:\t    return y\n" +
			"     6:\t\n" +
			"     7:\tprint step(1, [])\n"

		code := ft.h.Code(fh.Name(), "step", 3, nil)
		fr := ft.h.Frame(code, 0, 0)
		ft.h.SetTrace(fr, 4)
		ft.MustExec(fmt.Sprintf("frameaddr %#x", fr))
		ft.AssertExec("list", want)

		out := ft.MustExec("list 6")
		if strings.Contains(out, "=>") {
			t.Errorf("arrow printed for explicit line: %q", out)
		}
		if !strings.Contains(out, "     4:\t    y.append(x)\n") {
			t.Errorf("missing source line: %q", out)
		}
		ft.AssertExecError("list xyz", `invalid line number "xyz"`)

		// same listing through a path substitution rule
		base, dir := filepath.Base(fh.Name()), filepath.Dir(fh.Name())
		code2 := ft.h.Code("/remote/src/"+base, "step", 3, nil)
		fr2 := ft.h.Frame(code2, 0, 0)
		ft.h.SetTrace(fr2, 4)
		ft.MustExec(fmt.Sprintf("config substitute-path /remote/src %s", dir))
		ft.MustExec(fmt.Sprintf("frameaddr %#x", fr2))
		ft.AssertExec("list", want)
	})
}

func TestConfigCommand(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		out := ft.MustExec("config -list")
		for _, param := range []string{"aliases", "substitute-path", "python-version", "source-list-line-count"} {
			if !strings.Contains(out, param) {
				t.Errorf("parameter %q missing from config -list: %q", param, out)
			}
		}

		ft.MustExec("config source-list-line-count 2")
		if n := ft.conf.GetSourceListLineCount(); n != 2 {
			t.Errorf("source-list-line-count not set: %d", n)
		}

		ft.MustExec("config python-version 2.7.13")
		if ft.conf.PythonVersion != "2.7.13" {
			t.Errorf("python-version not set: %q", ft.conf.PythonVersion)
		}

		ft.AssertExecError("config nonexistent 1", `"nonexistent" is not a configuration parameter`)
		ft.AssertExecError("config", `wrong number of arguments to "config"`)

		ft.MustExec("config alias print pr")
		ft.AssertExec("pr x", "42\n")
	})
}

func TestHelpCommand(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		out := ft.MustExec("help")
		for _, group := range []string{"Viewing foreign objects:", "Viewing the frame chain and selecting frames:", "Other commands:"} {
			if !strings.Contains(out, group) {
				t.Errorf("group %q missing from help: %q", group, out)
			}
		}
		for _, cmd := range ft.cmds.cmds {
			if !strings.Contains(out, cmd.aliases[0]) {
				t.Errorf("command %q missing from help", cmd.aliases[0])
			}
			if strings.Index(cmd.helpMsg, "\n") >= 0 {
				continue
			}
			if !strings.Contains(out, cmd.helpMsg) {
				t.Errorf("short help of %q missing from help", cmd.aliases[0])
			}
		}

		out = ft.MustExec("help print")
		if !strings.Contains(out, "Reify and print a foreign object.") {
			t.Errorf("wrong help for print: %q", out)
		}
		ft.AssertExecError("help nonexistent", "command not available")
	})
}

func TestSourceCommand(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		fh, err := ioutil.TempFile("", "sourcetest")
		if err != nil {
			t.Fatal(err)
		}
		defer os.Remove(fh.Name())
		fmt.Fprintln(fh, "# fixture script")
		fmt.Fprintln(fh, "print x")
		fmt.Fprintln(fh, "")
		fmt.Fprintln(fh, "locals")
		fh.Close()

		ft.AssertExec("source "+fh.Name(), "42\nx = 42\ny = [1, 2]\n")
		ft.AssertExecError("source", "wrong number of arguments: source <filename>")
	})
}

func TestSourceStarlark(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		fh, err := ioutil.TempFile("", "sourcetest*.star")
		if err != nil {
			t.Fatal(err)
		}
		defer os.Remove(fh.Name())
		fmt.Fprintln(fh, "def main(name):")
		fmt.Fprintln(fh, "\tpyspect_command(\"print\", name)")
		fh.Close()

		ft.AssertExec("source "+fh.Name()+" x", "42\n")
	})
}

func TestStarlarkCustomCommand(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		ft.MustExecStarlark("def command_answer(args):\n\tprint(\"answer \" + args)\n")
		ft.AssertExec("answer 42", "answer 42\n")
	})
}

func TestStarlarkReify(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		out := ft.MustExecStarlark(fmt.Sprintf("print(py_backtrace(%d)[2].function)", ft.frames[0]))
		if out != "main\n" {
			t.Errorf("wrong backtrace output: %q", out)
		}

		tup := ft.h.Tuple(ft.h.Int(1), ft.h.None())
		out = ft.MustExecStarlark(fmt.Sprintf("print(py_reify(%d))", tup))
		if out != "(1, None)\n" {
			t.Errorf("wrong reify output: %q", out)
		}
	})
}

func TestExitRequest(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		for _, cmdstr := range []string{"exit", "quit", "q"} {
			_, err := ft.Exec(cmdstr)
			if _, ok := err.(ExitRequestError); !ok {
				t.Errorf("%q did not request exit: %v", cmdstr, err)
			}
		}
	})
}

func TestNoFrameChain(t *testing.T) {
	os.Setenv("TERM", "dumb")
	reg := pytest.Registry27()
	h := pytest.NewHeap(reg)
	sess := NewSession(pyproc.NewTarget(h, reg), 0, "test", nil)
	ft := &FakeTerminal{Term: New(sess, &config.Config{}), t: t, h: h}

	for _, cmdstr := range []string{"bt", "locals", "print x", "frame 1", "up", "list"} {
		_, err := ft.Exec(cmdstr)
		if err != errNoFrameChain {
			t.Errorf("%q without a chain: %v", cmdstr, err)
		}
	}
}
