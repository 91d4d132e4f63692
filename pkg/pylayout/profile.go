package pylayout

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Profile is the set of structure descriptions for one family of
// interpreter versions.
type Profile struct {
	// Name identifies the profile in logs.
	Name string
	// DefaultParams are the build parameters assumed when the caller
	// doesn't know better: CPython 2 defaults to 15-bit digits and most
	// distributions build with UCS-4 wide characters.
	DefaultParams Params

	constraint *semver.Constraints
	structs    map[string]structSpec
}

// Matches reports whether the profile covers the given interpreter version.
func (p *Profile) Matches(v *semver.Version) bool {
	return p.constraint.Check(v)
}

var profiles []*Profile

// SelectProfile returns the layout profile covering the given interpreter
// version.
func SelectProfile(v *semver.Version) (*Profile, error) {
	for _, p := range profiles {
		if p.Matches(v) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no layout profile for interpreter version %s", v)
}

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

func ptr(name string) fieldSpec             { return fieldSpec{name: name, kind: fPtr} }
func ptrArr(name string, n int) fieldSpec   { return fieldSpec{name: name, kind: fPtr, count: n} }
func ssize(name string) fieldSpec           { return fieldSpec{name: name, kind: fSSize} }
func clong(name string) fieldSpec           { return fieldSpec{name: name, kind: fLong} }
func cint(name string) fieldSpec            { return fieldSpec{name: name, kind: fInt} }
func cuint(name string) fieldSpec           { return fieldSpec{name: name, kind: fUInt} }
func cdouble(name string) fieldSpec         { return fieldSpec{name: name, kind: fDouble} }
func digitArr(name string, n int) fieldSpec { return fieldSpec{name: name, kind: fDigit, count: n} }
func charArr(name string, n int) fieldSpec  { return fieldSpec{name: name, kind: fChar, count: n} }
func embed(name, structName string) fieldSpec {
	return fieldSpec{name: name, kind: fEmbed, embed: structName}
}
func embedArr(name, structName string, n int) fieldSpec {
	return fieldSpec{name: name, kind: fEmbed, embed: structName, count: n}
}

func structTable(specs ...structSpec) map[string]structSpec {
	m := make(map[string]structSpec, len(specs))
	for _, s := range specs {
		m[s.name] = s
	}
	return m
}

// python2Profile describes the CPython 2 series. The 2.x object headers
// were stable from 2.3 (when Py_TPFLAGS subclass bits appeared) through
// the end of the series.
var python2Profile = &Profile{
	Name:          "cpython2",
	DefaultParams: Params{DigitSize: 2, UnicodeSize: 4},
	constraint:    mustConstraint(">= 2.3, < 3.0"),
	structs: structTable(
		structSpec{"PyObject", []fieldSpec{
			ssize("ob_refcnt"),
			ptr("ob_type"),
		}},
		structSpec{"PyVarObject", []fieldSpec{
			embed("ob_base", "PyObject"),
			ssize("ob_size"),
		}},
		structSpec{"PyTypeObject", []fieldSpec{
			embed("ob_base", "PyVarObject"),
			ptr("tp_name"),
			ssize("tp_basicsize"),
			ssize("tp_itemsize"),
			ptr("tp_dealloc"),
			ptr("tp_print"),
			ptr("tp_getattr"),
			ptr("tp_setattr"),
			ptr("tp_compare"),
			ptr("tp_repr"),
			ptr("tp_as_number"),
			ptr("tp_as_sequence"),
			ptr("tp_as_mapping"),
			ptr("tp_hash"),
			ptr("tp_call"),
			ptr("tp_str"),
			ptr("tp_getattro"),
			ptr("tp_setattro"),
			ptr("tp_as_buffer"),
			clong("tp_flags"),
			ptr("tp_doc"),
			ptr("tp_traverse"),
			ptr("tp_clear"),
			ptr("tp_richcompare"),
			ssize("tp_weaklistoffset"),
			ptr("tp_iter"),
			ptr("tp_iternext"),
			ptr("tp_methods"),
			ptr("tp_members"),
			ptr("tp_getset"),
			ptr("tp_base"),
			ptr("tp_dict"),
			ptr("tp_descr_get"),
			ptr("tp_descr_set"),
			ssize("tp_dictoffset"),
			ptr("tp_init"),
			ptr("tp_alloc"),
			ptr("tp_new"),
			ptr("tp_free"),
			ptr("tp_is_gc"),
			ptr("tp_bases"),
			ptr("tp_mro"),
			ptr("tp_cache"),
			ptr("tp_subclasses"),
			ptr("tp_weaklist"),
			ptr("tp_del"),
			cuint("tp_version_tag"),
		}},
		structSpec{"PyIntObject", []fieldSpec{
			embed("ob_base", "PyObject"),
			clong("ob_ival"),
		}},
		structSpec{"PyBoolObject", []fieldSpec{
			embed("ob_base", "PyObject"),
			clong("ob_ival"),
		}},
		structSpec{"PyLongObject", []fieldSpec{
			embed("ob_base", "PyVarObject"),
			digitArr("ob_digit", 1),
		}},
		structSpec{"PyFloatObject", []fieldSpec{
			embed("ob_base", "PyObject"),
			cdouble("ob_fval"),
		}},
		structSpec{"PyStringObject", []fieldSpec{
			embed("ob_base", "PyVarObject"),
			clong("ob_shash"),
			cint("ob_sstate"),
			charArr("ob_sval", 1),
		}},
		structSpec{"PyUnicodeObject", []fieldSpec{
			embed("ob_base", "PyObject"),
			ssize("length"),
			ptr("str"),
			clong("hash"),
			ptr("defenc"),
		}},
		structSpec{"PyListObject", []fieldSpec{
			embed("ob_base", "PyVarObject"),
			ptr("ob_item"),
			ssize("allocated"),
		}},
		structSpec{"PyTupleObject", []fieldSpec{
			embed("ob_base", "PyVarObject"),
			ptrArr("ob_item", 1),
		}},
		structSpec{"PyDictEntry", []fieldSpec{
			ssize("me_hash"),
			ptr("me_key"),
			ptr("me_value"),
		}},
		structSpec{"PyDictObject", []fieldSpec{
			embed("ob_base", "PyObject"),
			ssize("ma_fill"),
			ssize("ma_used"),
			ssize("ma_mask"),
			ptr("ma_table"),
			ptr("ma_lookup"),
			embedArr("ma_smalltable", "PyDictEntry", 8),
		}},
		structSpec{"PySetEntry", []fieldSpec{
			clong("hash"),
			ptr("key"),
		}},
		structSpec{"PySetObject", []fieldSpec{
			embed("ob_base", "PyObject"),
			ssize("fill"),
			ssize("used"),
			ssize("mask"),
			ptr("table"),
			ptr("lookup"),
			embedArr("smalltable", "PySetEntry", 8),
			clong("hash"),
			ptr("weakreflist"),
		}},
		structSpec{"PyInstanceObject", []fieldSpec{
			embed("ob_base", "PyObject"),
			ptr("in_class"),
			ptr("in_dict"),
			ptr("in_weakreflist"),
		}},
		structSpec{"PyClassObject", []fieldSpec{
			embed("ob_base", "PyObject"),
			ptr("cl_bases"),
			ptr("cl_dict"),
			ptr("cl_name"),
			ptr("cl_getattr"),
			ptr("cl_setattr"),
			ptr("cl_delattr"),
			ptr("cl_weakreflist"),
		}},
		structSpec{"PyBaseExceptionObject", []fieldSpec{
			embed("ob_base", "PyObject"),
			ptr("dict"),
			ptr("args"),
			ptr("message"),
		}},
		structSpec{"PyTryBlock", []fieldSpec{
			cint("b_type"),
			cint("b_handler"),
			cint("b_level"),
		}},
		structSpec{"PyFrameObject", []fieldSpec{
			embed("ob_base", "PyVarObject"),
			ptr("f_back"),
			ptr("f_code"),
			ptr("f_builtins"),
			ptr("f_globals"),
			ptr("f_locals"),
			ptr("f_valuestack"),
			ptr("f_stacktop"),
			ptr("f_trace"),
			ptr("f_exc_type"),
			ptr("f_exc_value"),
			ptr("f_exc_traceback"),
			ptr("f_tstate"),
			cint("f_lasti"),
			cint("f_lineno"),
			cint("f_iblock"),
			embedArr("f_blockstack", "PyTryBlock", 20),
			ptrArr("f_localsplus", 1),
		}},
		structSpec{"PyCodeObject", []fieldSpec{
			embed("ob_base", "PyObject"),
			cint("co_argcount"),
			cint("co_nlocals"),
			cint("co_stacksize"),
			cint("co_flags"),
			ptr("co_code"),
			ptr("co_consts"),
			ptr("co_names"),
			ptr("co_varnames"),
			ptr("co_freevars"),
			ptr("co_cellvars"),
			ptr("co_filename"),
			ptr("co_name"),
			cint("co_firstlineno"),
			ptr("co_lnotab"),
			ptr("co_zombieframe"),
			ptr("co_weakreflist"),
		}},
		structSpec{"PyInterpreterState", []fieldSpec{
			ptr("next"),
			ptr("tstate_head"),
			ptr("modules"),
			ptr("sysdict"),
			ptr("builtins"),
			ptr("modules_reloading"),
			ptr("codec_search_path"),
			ptr("codec_search_cache"),
			ptr("codec_error_registry"),
		}},
		structSpec{"PyThreadState", []fieldSpec{
			ptr("next"),
			ptr("interp"),
			ptr("frame"),
			cint("recursion_depth"),
			cint("tracing"),
			cint("use_tracing"),
			ptr("c_profilefunc"),
			ptr("c_tracefunc"),
			ptr("c_profileobj"),
			ptr("c_traceobj"),
			ptr("curexc_type"),
			ptr("curexc_value"),
			ptr("curexc_traceback"),
			ptr("exc_type"),
			ptr("exc_value"),
			ptr("exc_traceback"),
			ptr("dict"),
			ptr("async_exc"),
			clong("thread_id"),
		}},
	),
}

func init() {
	profiles = append(profiles, python2Profile)
}
