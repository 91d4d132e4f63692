package pyproc

import (
	"bytes"
	"fmt"
	"go/constant"
	"strings"
)

// ValueKind identifies which shape of proxy a Value carries.
type ValueKind int

const (
	// ValOpaque is the fallback for objects with no decoder: only the
	// type name and address are known. It is the zero value on purpose.
	ValOpaque ValueKind = iota
	ValNone
	ValBool
	ValInt
	ValStr
	ValUnicode
	ValList
	ValTuple
	ValDict
	ValSet
	ValFrozenSet
	ValInstance
	ValException
	ValFrame
	// ValVisited is the placeholder produced when decoding re-enters an
	// address already on the current path.
	ValVisited
)

// Pair is one key/value binding of a decoded mapping.
type Pair struct {
	Key *Value
	Val *Value
}

// Value is the in-debugger proxy for one foreign object. Values form a
// tree (never a graph: cycles are cut by ValVisited placeholders) and
// are immutable once the decoder returns them.
type Value struct {
	Kind     ValueKind
	Addr     uint64
	TypeName string

	Num   constant.Value // ValBool, ValInt
	Str   string         // ValStr, ValUnicode, ValVisited placeholder text
	Elems []*Value       // ValList, ValTuple, ValSet, ValFrozenSet, ValException args
	Pairs []Pair         // ValDict, ValInstance attributes

	// HasDict distinguishes an instance whose attribute dict reified to
	// a real mapping (possibly empty) from one where it did not.
	HasDict bool

	Frame *FrameSnapshot // ValFrame
}

// String renders the value using the conventions of the target's own
// repr: quoting, brackets, trailing commas and the "at remote" forms
// all match what the runtime would print for the reconstructed value.
func (v *Value) String() string {
	var buf bytes.Buffer
	v.writeTo(&buf)
	return buf.String()
}

func (v *Value) writeTo(buf *bytes.Buffer) {
	switch v.Kind {
	case ValNone:
		buf.WriteString("None")

	case ValBool:
		if constant.BoolVal(v.Num) {
			buf.WriteString("True")
		} else {
			buf.WriteString("False")
		}

	case ValInt:
		buf.WriteString(v.Num.ExactString())

	case ValStr:
		writeStringRepr(buf, v.Str)

	case ValUnicode:
		writeUnicodeRepr(buf, v.Str)

	case ValList:
		buf.WriteByte('[')
		for i, e := range v.Elems {
			if i > 0 {
				buf.WriteString(", ")
			}
			e.writeTo(buf)
		}
		buf.WriteByte(']')

	case ValTuple:
		v.writeTupleTo(buf)

	case ValDict:
		buf.WriteByte('{')
		for i, p := range v.Pairs {
			if i > 0 {
				buf.WriteString(", ")
			}
			p.Key.writeTo(buf)
			buf.WriteString(": ")
			p.Val.writeTo(buf)
		}
		buf.WriteByte('}')

	case ValSet, ValFrozenSet:
		if v.Kind == ValFrozenSet {
			buf.WriteString("frozenset([")
		} else {
			buf.WriteString("set([")
		}
		for i, e := range v.Elems {
			if i > 0 {
				buf.WriteString(", ")
			}
			e.writeTo(buf)
		}
		buf.WriteString("])")

	case ValInstance:
		if v.HasDict {
			fmt.Fprintf(buf, "<%s(", v.TypeName)
			for i, p := range v.Pairs {
				if i > 0 {
					buf.WriteString(", ")
				}
				p.Key.writeBare(buf)
				buf.WriteByte('=')
				p.Val.writeTo(buf)
			}
			fmt.Fprintf(buf, ") at remote %#x>", v.Addr)
		} else {
			fmt.Fprintf(buf, "<%s at remote %#x>", v.TypeName, v.Addr)
		}

	case ValException:
		buf.WriteString(v.TypeName)
		if v.Str != "" {
			buf.WriteString(v.Str)
			return
		}
		v.writeTupleTo(buf)

	case ValFrame:
		v.Frame.writeTo(buf)

	case ValVisited:
		buf.WriteString(v.Str)

	default: // ValOpaque
		if v.Addr == 0 {
			// A null pointer carries no type information at all.
			buf.WriteString("0x0")
			return
		}
		fmt.Fprintf(buf, "<%s at remote %#x>", v.TypeName, v.Addr)
	}
}

func (v *Value) writeTupleTo(buf *bytes.Buffer) {
	buf.WriteByte('(')
	for i, e := range v.Elems {
		if i > 0 {
			buf.WriteString(", ")
		}
		e.writeTo(buf)
	}
	if len(v.Elems) == 1 {
		buf.WriteByte(',')
	}
	buf.WriteByte(')')
}

// writeBare renders the value str()-style instead of repr()-style:
// strings lose their quotes. Instance attribute names are written this
// way.
func (v *Value) writeBare(buf *bytes.Buffer) {
	switch v.Kind {
	case ValStr, ValUnicode:
		buf.WriteString(v.Str)
	default:
		v.writeTo(buf)
	}
}

// writeStringRepr writes s as a Python 2 byte-string literal: the quote
// flips to double quotes when the text contains a single quote but no
// double quote, non-printable bytes become \xHH escapes.
func writeStringRepr(buf *bytes.Buffer, s string) {
	quote := byte('\'')
	if strings.IndexByte(s, '\'') >= 0 && strings.IndexByte(s, '"') < 0 {
		quote = '"'
	}
	buf.WriteByte(quote)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == quote || c == '\\':
			buf.WriteByte('\\')
			buf.WriteByte(c)
		case c == '\t':
			buf.WriteString(`\t`)
		case c == '\n':
			buf.WriteString(`\n`)
		case c == '\r':
			buf.WriteString(`\r`)
		case c < 0x20 || c >= 0x7f:
			fmt.Fprintf(buf, `\x%02x`, c)
		default:
			buf.WriteByte(c)
		}
	}
	buf.WriteByte(quote)
}

// writeUnicodeRepr writes s as a Python 2 unicode literal (u'...'),
// escaping everything outside printable ASCII with \xHH, \uHHHH or
// \UHHHHHHHH depending on the code point.
func writeUnicodeRepr(buf *bytes.Buffer, s string) {
	buf.WriteByte('u')
	quote := rune('\'')
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		quote = '"'
	}
	buf.WriteRune(quote)
	for _, r := range s {
		switch {
		case r == quote || r == '\\':
			buf.WriteByte('\\')
			buf.WriteRune(r)
		case r == '\t':
			buf.WriteString(`\t`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r > 0xffff:
			fmt.Fprintf(buf, `\U%08x`, r)
		case r > 0xff:
			fmt.Fprintf(buf, `\u%04x`, r)
		case r < 0x20 || r >= 0x7f:
			fmt.Fprintf(buf, `\x%02x`, r)
		default:
			buf.WriteRune(r)
		}
	}
	buf.WriteRune(quote)
}
