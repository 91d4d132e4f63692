package starbind

import (
	"fmt"
	"go/constant"
	"math/big"
	"sort"

	"go.starlark.net/starlark"

	"github.com/go-pyspect/pyspect/pkg/pyproc"
)

// valueToStarlarkValue converts a reified value to its closest starlark
// equivalent. Containers convert recursively, instances and opaque
// objects convert to a read only wrapper exposing their attributes.
func valueToStarlarkValue(v *pyproc.Value) starlark.Value {
	if v == nil {
		return starlark.None
	}
	switch v.Kind {
	case pyproc.ValNone:
		return starlark.None
	case pyproc.ValBool:
		return starlark.Bool(constant.BoolVal(v.Num))
	case pyproc.ValInt:
		if n, exact := constant.Int64Val(v.Num); exact {
			return starlark.MakeInt64(n)
		}
		x := new(big.Int)
		x.SetString(v.Num.ExactString(), 10)
		return starlark.MakeBigInt(x)
	case pyproc.ValStr, pyproc.ValUnicode, pyproc.ValVisited:
		return starlark.String(v.Str)
	case pyproc.ValList:
		elems := make([]starlark.Value, len(v.Elems))
		for i := range v.Elems {
			elems[i] = valueToStarlarkValue(v.Elems[i])
		}
		return starlark.NewList(elems)
	case pyproc.ValTuple:
		elems := make(starlark.Tuple, len(v.Elems))
		for i := range v.Elems {
			elems[i] = valueToStarlarkValue(v.Elems[i])
		}
		return elems
	case pyproc.ValDict:
		d := starlark.NewDict(len(v.Pairs))
		for _, p := range v.Pairs {
			k := valueToStarlarkValue(p.Key)
			if err := d.SetKey(k, valueToStarlarkValue(p.Val)); err != nil {
				// key not hashable in starlark, fall back to its repr
				d.SetKey(starlark.String(p.Key.String()), valueToStarlarkValue(p.Val))
			}
		}
		return d
	case pyproc.ValSet, pyproc.ValFrozenSet:
		s := starlark.NewSet(len(v.Elems))
		for _, e := range v.Elems {
			if err := s.Insert(valueToStarlarkValue(e)); err != nil {
				s.Insert(starlark.String(e.String()))
			}
		}
		return s
	case pyproc.ValFrame:
		if v.Frame != nil {
			return frameAsStarlarkValue{v.Frame}
		}
		return objectAsStarlarkValue{v}
	default:
		return objectAsStarlarkValue{v}
	}
}

// objectAsStarlarkValue exposes instances, exceptions and opaque
// objects to starlark scripts.
type objectAsStarlarkValue struct {
	v *pyproc.Value
}

var _ starlark.HasAttrs = objectAsStarlarkValue{}

func (v objectAsStarlarkValue) Freeze() {
}

func (v objectAsStarlarkValue) Hash() (uint32, error) {
	return 0, fmt.Errorf("not hashable")
}

func (v objectAsStarlarkValue) String() string {
	return v.v.String()
}

func (v objectAsStarlarkValue) Truth() starlark.Bool {
	return true
}

func (v objectAsStarlarkValue) Type() string {
	return fmt.Sprintf("Object<%s>", v.v.TypeName)
}

func (v objectAsStarlarkValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "address":
		return starlark.MakeUint64(v.v.Addr), nil
	case "type_name":
		return starlark.String(v.v.TypeName), nil
	}
	if name == "args" && v.v.Kind == pyproc.ValException {
		args := make(starlark.Tuple, len(v.v.Elems))
		for i := range v.v.Elems {
			args[i] = valueToStarlarkValue(v.v.Elems[i])
		}
		return args, nil
	}
	for _, p := range v.v.Pairs {
		if p.Key != nil && p.Key.Str == name {
			return valueToStarlarkValue(p.Val), nil
		}
	}
	return starlark.None, fmt.Errorf("no attribute named %q in %s", name, v.v.TypeName)
}

func (v objectAsStarlarkValue) AttrNames() []string {
	names := []string{"address", "type_name"}
	if v.v.Kind == pyproc.ValException {
		names = append(names, "args")
	}
	for _, p := range v.v.Pairs {
		if p.Key != nil && p.Key.Str != "" {
			names = append(names, p.Key.Str)
		}
	}
	sort.Strings(names)
	return names
}

// frameAsStarlarkValue exposes a frame snapshot to starlark scripts.
type frameAsStarlarkValue struct {
	snap *pyproc.FrameSnapshot
}

var _ starlark.HasAttrs = frameAsStarlarkValue{}

func (v frameAsStarlarkValue) Freeze() {
}

func (v frameAsStarlarkValue) Hash() (uint32, error) {
	return 0, fmt.Errorf("not hashable")
}

func (v frameAsStarlarkValue) String() string {
	return v.snap.String()
}

func (v frameAsStarlarkValue) Truth() starlark.Bool {
	return true
}

func (v frameAsStarlarkValue) Type() string {
	return "Frame"
}

func (v frameAsStarlarkValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "address":
		return starlark.MakeUint64(v.snap.Addr), nil
	case "file":
		return starlark.String(v.snap.File), nil
	case "line":
		return starlark.MakeInt(v.snap.Line), nil
	case "function":
		return starlark.String(v.snap.Function), nil
	case "locals":
		d := starlark.NewDict(len(v.snap.Locals))
		for _, lv := range v.snap.Locals {
			d.SetKey(starlark.String(lv.Name), valueToStarlarkValue(lv.Value))
		}
		return d, nil
	}
	return starlark.None, fmt.Errorf("no attribute named %q in Frame", name)
}

func (v frameAsStarlarkValue) AttrNames() []string {
	return []string{"address", "file", "function", "line", "locals"}
}

// interfaceToStarlarkValue converts the arguments passed to a script's
// main function.
func interfaceToStarlarkValue(v interface{}) starlark.Value {
	switch v := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(v)
	case int:
		return starlark.MakeInt(v)
	case int64:
		return starlark.MakeInt64(v)
	case uint64:
		return starlark.MakeUint64(v)
	case string:
		return starlark.String(v)
	case error:
		return starlark.String(v.Error())
	default:
		return starlark.String(fmt.Sprintf("%v", v))
	}
}
