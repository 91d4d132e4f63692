package config

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// SplitQuotedFields is like strings.Fields but ignores spaces inside areas
// surrounded by the specified quote character.
// To specify a single quote use backslash to escape it: '\''
func SplitQuotedFields(in string, quote rune) []string {
	type stateEnum int
	const (
		inSpace stateEnum = iota
		inField
		inQuote
		inQuoteEscaped
	)
	state := inSpace
	r := []string{}
	var buf bytes.Buffer

	for _, ch := range in {
		switch state {
		case inSpace:
			if ch == quote {
				state = inQuote
			} else if !unicode.IsSpace(ch) {
				buf.WriteRune(ch)
				state = inField
			}

		case inField:
			if ch == quote {
				state = inQuote
			} else if unicode.IsSpace(ch) {
				r = append(r, buf.String())
				buf.Reset()
				state = inSpace
			} else {
				buf.WriteRune(ch)
			}

		case inQuote:
			if ch == quote {
				state = inField
			} else if ch == '\\' {
				state = inQuoteEscaped
			} else {
				buf.WriteRune(ch)
			}

		case inQuoteEscaped:
			buf.WriteRune(ch)
			state = inQuote
		}
	}

	if state != inSpace {
		r = append(r, buf.String())
	}

	return r
}

// ConfigureSetSimple sets a configuration field to the value parsed from
// rest. Pointer fields are allocated as needed.
func ConfigureSetSimple(rest string, normalizedConfigName string, field reflect.Value) (bool, error) {
	simpleArg := func(typ reflect.Type) (reflect.Value, error) {
		switch typ.Kind() {
		case reflect.Int:
			n, err := strconv.Atoi(rest)
			if err != nil {
				return reflect.ValueOf(nil), fmt.Errorf("argument to %q must be a number", normalizedConfigName)
			}
			if n < 0 {
				return reflect.ValueOf(nil), fmt.Errorf("argument to %q must be a number greater than zero", normalizedConfigName)
			}
			return reflect.ValueOf(&n).Elem(), nil
		case reflect.Bool:
			v := rest == "true"
			return reflect.ValueOf(&v).Elem(), nil
		case reflect.String:
			unquoted, err := strconv.Unquote(rest)
			if err == nil {
				rest = unquoted
			}
			return reflect.ValueOf(&rest).Elem(), nil
		default:
			return reflect.ValueOf(nil), fmt.Errorf("unsupported type for configuration key %q", normalizedConfigName)
		}
	}
	if field.Kind() == reflect.Ptr {
		val, err := simpleArg(field.Type().Elem())
		if err != nil {
			return false, err
		}
		field.Set(val.Addr())
	} else {
		val, err := simpleArg(field.Type())
		if err != nil {
			return false, err
		}
		field.Set(val)
	}
	return true, nil
}

// ConfigureList writes the name and value of every configuration field of
// sargs to w, one per line. The configuration name of a field is taken from
// the given struct tag.
func ConfigureList(w io.Writer, sargs interface{}, tag string) {
	it := IterateConfiguration(sargs, tag)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == "" {
			continue
		}
		writeField(w, field, fieldName)
	}
}

// ConfigureFindFieldByName returns the field of the configuration struct
// pointed to by conf with the given configuration name.
func ConfigureFindFieldByName(conf interface{}, name, tag string) reflect.Value {
	it := IterateConfiguration(conf, tag)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == name {
			return field
		}
	}
	return reflect.ValueOf(nil)
}

// ConfigureListByName works like ConfigureList for a single field,
// identified by its configuration name.
func ConfigureListByName(sargs interface{}, cfgname, tag string) string {
	if cfgname == "" {
		return ""
	}
	buf := bytes.NewBuffer([]byte{})
	it := IterateConfiguration(sargs, tag)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == cfgname {
			writeField(buf, field, fieldName)
		}
	}
	return buf.String()
}

type configureIterator struct {
	cfgValue reflect.Value
	cfgType  reflect.Type
	tag      string
	i        int
}

// IterateConfiguration returns an iterator over the fields of the
// configuration struct pointed to by conf.
func IterateConfiguration(conf interface{}, tag string) *configureIterator {
	cfgValue := reflect.ValueOf(conf).Elem()
	cfgType := cfgValue.Type()

	return &configureIterator{cfgValue, cfgType, tag, -1}
}

func (it *configureIterator) Next() bool {
	it.i++
	return it.i < it.cfgValue.NumField()
}

func (it *configureIterator) Field() (name string, field reflect.Value) {
	name = it.cfgType.Field(it.i).Tag.Get(it.tag)
	if comma := strings.Index(name, ","); comma >= 0 {
		name = name[:comma]
	}
	field = it.cfgValue.Field(it.i)
	return
}

func writeField(w io.Writer, field reflect.Value, fieldName string) {
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			fmt.Fprintf(w, "%s\t<not defined>\n", fieldName)
			return
		}
		field = field.Elem()
	}
	fmt.Fprintf(w, "%s\t%v\n", fieldName, field)
}
