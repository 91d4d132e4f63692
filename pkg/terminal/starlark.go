package terminal

import (
	"github.com/go-pyspect/pyspect/pkg/pyproc"
	"github.com/go-pyspect/pyspect/pkg/terminal/starbind"
)

type starlarkContext struct {
	term *Term
}

var _ starbind.Context = starlarkContext{}

func (ctx starlarkContext) Target() *pyproc.Target {
	return ctx.term.sess.Target
}

func (ctx starlarkContext) Pid() int {
	return ctx.term.sess.Pid
}

func (ctx starlarkContext) RegisterCommand(name, helpMsg string, fn func(args string) error) {
	cmdfn := func(t *Term, ctx callContext, args string) error {
		return fn(args)
	}

	ctx.term.cmds.Register(name, cmdfn, helpMsg)
}

func (ctx starlarkContext) CallCommand(cmdstr string) error {
	return ctx.term.cmds.Call(cmdstr, ctx.term)
}
