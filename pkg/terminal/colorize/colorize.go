// Package colorize prints syntax highlighted python source listings.
package colorize

import (
	"fmt"
	"io"
	"io/ioutil"
	"path/filepath"
)

// Style describes the style of a chunk of text.
type Style uint8

const (
	NormalStyle Style = iota
	KeywordStyle
	StringStyle
	NumberStyle
	CommentStyle
	LineNoStyle
	ArrowStyle
)

// Print prints to out a syntax highlighted version of the text read from
// reader, between lines startLine and endLine.
func Print(out io.Writer, path string, reader io.Reader, startLine, endLine, arrowLine int, colorEscapes map[Style]string) error {
	buf, err := ioutil.ReadAll(reader)
	if err != nil {
		return err
	}

	w := &lineWriter{
		w:            out,
		lineRange:    [2]int{startLine, endLine},
		arrowLine:    arrowLine,
		colorEscapes: colorEscapes,
	}

	if ext := filepath.Ext(path); ext != ".py" && ext != ".pyw" {
		w.Write(NormalStyle, buf, true)
		return nil
	}

	for _, tok := range tokenize(buf) {
		w.Write(tok.style, buf[tok.start:tok.end], tok.end == len(buf))
	}

	return nil
}

type span struct {
	style      Style
	start, end int
}

var pythonKeywords = map[string]bool{
	"and": true, "as": true, "assert": true, "break": true, "class": true,
	"continue": true, "def": true, "del": true, "elif": true, "else": true,
	"except": true, "exec": true, "finally": true, "for": true, "from": true,
	"global": true, "if": true, "import": true, "in": true, "is": true,
	"lambda": true, "not": true, "or": true, "pass": true, "print": true,
	"raise": true, "return": true, "try": true, "while": true, "with": true,
	"yield": true,
}

// tokenize splits buf into consecutive spans covering the whole buffer.
// It is a loose lexer, a file that does not parse still gets a
// reasonable highlight.
func tokenize(buf []byte) []span {
	toks := []span{}
	cur := 0
	emit := func(style Style, start, end int) {
		if start > cur {
			toks = append(toks, span{NormalStyle, cur, start})
		}
		toks = append(toks, span{style, start, end})
		cur = end
	}

	for i := 0; i < len(buf); {
		c := buf[i]
		switch {
		case c == '#':
			j := i
			for j < len(buf) && buf[j] != '\n' {
				j++
			}
			emit(CommentStyle, i, j)
			i = j

		case c == '\'' || c == '"':
			j := scanString(buf, i)
			emit(StringStyle, i, j)
			i = j

		case c >= '0' && c <= '9':
			j := scanNumber(buf, i)
			emit(NumberStyle, i, j)
			i = j

		case isIdentStart(c):
			j := i + 1
			for j < len(buf) && isIdent(buf[j]) {
				j++
			}
			word := string(buf[i:j])
			switch {
			case pythonKeywords[word]:
				emit(KeywordStyle, i, j)
			case isStringPrefix(word) && j < len(buf) && (buf[j] == '\'' || buf[j] == '"'):
				j = scanString(buf, j)
				emit(StringStyle, i, j)
			}
			i = j

		default:
			i++
		}
	}

	if cur < len(buf) {
		toks = append(toks, span{NormalStyle, cur, len(buf)})
	}
	return toks
}

// scanString returns the position past the string literal starting at
// buf[i], which must be a quote character. Unterminated single quoted
// strings stop at the end of the line.
func scanString(buf []byte, i int) int {
	q := buf[i]
	if i+2 < len(buf) && buf[i+1] == q && buf[i+2] == q {
		// triple quoted string
		for j := i + 3; j < len(buf); j++ {
			if buf[j] == '\\' {
				j++
			} else if buf[j] == q && j+2 < len(buf) && buf[j+1] == q && buf[j+2] == q {
				return j + 3
			}
		}
		return len(buf)
	}
	for j := i + 1; j < len(buf); j++ {
		switch buf[j] {
		case '\\':
			j++
		case q:
			return j + 1
		case '\n':
			return j
		}
	}
	return len(buf)
}

func scanNumber(buf []byte, i int) int {
	j := i
	for j < len(buf) {
		c := buf[j]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		case c == '.', c == 'x', c == 'X', c == 'l', c == 'L', c == 'j', c == 'J', c == 'o', c == 'O':
		case (c == '+' || c == '-') && j > i && (buf[j-1] == 'e' || buf[j-1] == 'E'):
		default:
			return j
		}
		j++
	}
	return j
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdent(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// isStringPrefix returns whether word can prefix a string literal, such
// as r'...' or ub"...".
func isStringPrefix(word string) bool {
	if len(word) > 2 {
		return false
	}
	for i := 0; i < len(word); i++ {
		switch word[i] {
		case 'r', 'R', 'u', 'U', 'b', 'B':
		default:
			return false
		}
	}
	return true
}

type lineWriter struct {
	w         io.Writer
	lineRange [2]int
	arrowLine int

	curStyle Style
	started  bool
	lineno   int

	colorEscapes map[Style]string
}

func (w *lineWriter) style(style Style) {
	if w.colorEscapes == nil {
		return
	}
	esc := w.colorEscapes[style]
	if esc == "" {
		esc = w.colorEscapes[NormalStyle]
	}
	fmt.Fprintf(w.w, "%s", esc)
}

func (w *lineWriter) inrange() bool {
	lno := w.lineno
	if !w.started {
		lno = w.lineno + 1
	}
	return lno >= w.lineRange[0] && lno < w.lineRange[1]
}

func (w *lineWriter) nl() {
	w.lineno++
	if !w.inrange() || !w.started {
		return
	}
	w.style(ArrowStyle)
	if w.lineno == w.arrowLine {
		fmt.Fprintf(w.w, "=>")
	} else {
		fmt.Fprintf(w.w, "  ")
	}
	w.style(LineNoStyle)
	fmt.Fprintf(w.w, "%4d:\t", w.lineno)
	w.style(w.curStyle)
}

func (w *lineWriter) writeInternal(style Style, data []byte) {
	if !w.inrange() {
		return
	}

	if !w.started {
		w.started = true
		w.curStyle = style
		w.nl()
	} else if w.curStyle != style {
		w.curStyle = style
		w.style(w.curStyle)
	}

	w.w.Write(data)
}

func (w *lineWriter) Write(style Style, data []byte, last bool) {
	cur := 0
	for i := range data {
		if data[i] == '\n' {
			if last && i == len(data)-1 {
				w.writeInternal(style, data[cur:i])
				if w.curStyle != NormalStyle {
					w.style(NormalStyle)
				}
				if w.inrange() {
					w.w.Write([]byte{'\n'})
				}
				last = false
			} else {
				w.writeInternal(style, data[cur:i+1])
				w.nl()
			}
			cur = i + 1
		}
	}
	if cur < len(data) {
		w.writeInternal(style, data[cur:])
	}
	if last {
		if w.curStyle != NormalStyle {
			w.style(NormalStyle)
		}
		if w.inrange() {
			w.w.Write([]byte{'\n'})
		}
	}
}
