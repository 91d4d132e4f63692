package starbind

import (
	"fmt"
	"strconv"

	"go.starlark.net/starlark"
)

// starlarkPredeclare returns the predeclared environment seen by all
// scripts, with the documentation for each builtin.
func (env *Env) starlarkPredeclare() (starlark.StringDict, map[string]string) {
	r := starlark.StringDict{}
	doc := make(map[string]string)

	r["py_reify"] = starlark.NewBuiltin("py_reify", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := isCancelled(thread); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		if len(args) != 1 {
			return nil, decorateError(thread, fmt.Errorf("wrong number of arguments"))
		}
		addr, err := addrArg(args[0])
		if err != nil {
			return nil, decorateError(thread, err)
		}
		v, err := env.ctx.Target().Reify(addr)
		if err != nil {
			return nil, decorateError(thread, err)
		}
		return valueToStarlarkValue(v), nil
	})
	doc["py_reify"] = "builtin py_reify(Addr)\n\npy_reify decodes the object at address Addr and converts it to a starlark value.\nLists, tuples, dicts and sets convert to their starlark counterparts, other\nobjects convert to a wrapper with address, type_name and field attributes."

	r["py_frame"] = starlark.NewBuiltin("py_frame", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := isCancelled(thread); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		if len(args) != 1 {
			return nil, decorateError(thread, fmt.Errorf("wrong number of arguments"))
		}
		addr, err := addrArg(args[0])
		if err != nil {
			return nil, decorateError(thread, err)
		}
		snap, err := env.ctx.Target().FrameSnapshot(addr)
		if err != nil {
			return nil, decorateError(thread, err)
		}
		return frameAsStarlarkValue{snap}, nil
	})
	doc["py_frame"] = "builtin py_frame(Addr)\n\npy_frame decodes the frame object at address Addr. The returned value has\naddress, file, line, function and locals attributes."

	r["py_backtrace"] = starlark.NewBuiltin("py_backtrace", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := isCancelled(thread); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		if len(args) != 1 {
			return nil, decorateError(thread, fmt.Errorf("wrong number of arguments"))
		}
		addr, err := addrArg(args[0])
		if err != nil {
			return nil, decorateError(thread, err)
		}
		chain, err := env.ctx.Target().NewFrameChain(addr)
		if err != nil {
			return nil, decorateError(thread, err)
		}
		frames := make([]starlark.Value, 0, chain.Depth())
		for i := 0; i < chain.Depth(); i++ {
			frameAddr, _ := chain.At(i)
			snap, err := env.ctx.Target().FrameSnapshot(frameAddr)
			if err != nil {
				return nil, decorateError(thread, err)
			}
			frames = append(frames, frameAsStarlarkValue{snap})
		}
		return starlark.NewList(frames), nil
	})
	doc["py_backtrace"] = "builtin py_backtrace(Addr)\n\npy_backtrace walks the frame chain rooted at the frame object at address Addr\nand returns the list of frames, innermost first."

	r["target_pid"] = starlark.NewBuiltin("target_pid", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return starlark.MakeInt64(int64(env.ctx.Pid())), nil
	})
	doc["target_pid"] = "builtin target_pid()\n\ntarget_pid returns the pid of the inspected process, 0 for core dumps."

	return r, doc
}

// addrArg converts a starlark value to an object address. Strings are
// accepted so that addresses beyond 1<<63 can be written conveniently.
func addrArg(v starlark.Value) (uint64, error) {
	switch v := v.(type) {
	case starlark.Int:
		addr, ok := v.Uint64()
		if !ok {
			return 0, fmt.Errorf("address out of range")
		}
		return addr, nil
	case starlark.String:
		addr, err := strconv.ParseUint(string(v), 0, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid address %q", string(v))
		}
		return addr, nil
	default:
		return 0, fmt.Errorf("argument must be an address, got %s", v.Type())
	}
}
