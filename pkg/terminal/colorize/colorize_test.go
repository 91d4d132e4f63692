package colorize

import (
	"bytes"
	"strings"
	"testing"
)

var styleChars = map[Style]byte{
	NormalStyle:  'n',
	KeywordStyle: 'k',
	StringStyle:  's',
	NumberStyle:  'd',
	CommentStyle: 'c',
}

// styleString renders the tokenization of src as a string with one
// style character per input byte.
func styleString(src string) string {
	buf := []byte(src)
	out := make([]byte, len(buf))
	for _, tok := range tokenize(buf) {
		for i := tok.start; i < tok.end; i++ {
			out[i] = styleChars[tok.style]
		}
	}
	return string(out)
}

func TestTokenize(t *testing.T) {
	for _, tc := range []struct {
		src, want string
	}{
		{
			`if x == 10: return r'\d+'  # done`,
			`kknnnnnnddnnkkkkkknssssssnncccccc`,
		},
		{
			`x = """a'b"""`,
			`nnnnsssssssss`,
		},
		{
			"s = 'abc\nt = 0x1f",
			"nnnnssssnnnnndddd",
		},
		{
			`while not done: pass`,
			`kkkkknkkknnnnnnnkkkk`,
		},
	} {
		if out := styleString(tc.src); out != tc.want {
			t.Errorf("tokenize(%q):\ngot  %q\nwant %q", tc.src, out, tc.want)
		}
	}
}

func TestPrintRange(t *testing.T) {
	src := "a = 1\nb = 2\nc = 3\nd = 4\ne = 5\n"
	var buf bytes.Buffer
	if err := Print(&buf, "test.py", strings.NewReader(src), 2, 5, 3, nil); err != nil {
		t.Fatal(err)
	}
	want := "     2:\tb = 2\n=>   3:\tc = 3\n     4:\td = 4\n"
	if buf.String() != want {
		t.Errorf("wrong source listing:\ngot  %q\nwant %q", buf.String(), want)
	}
}

func TestPrintEscapes(t *testing.T) {
	escapes := map[Style]string{
		NormalStyle:  "N",
		KeywordStyle: "K",
		StringStyle:  "S",
		NumberStyle:  "D",
		CommentStyle: "C",
		LineNoStyle:  "L",
		ArrowStyle:   "A",
	}
	src := "def f(): # hi\n"
	var buf bytes.Buffer
	if err := Print(&buf, "test.py", strings.NewReader(src), 1, 2, 0, escapes); err != nil {
		t.Fatal(err)
	}
	want := "A  L   1:\tKdefN f(): C# hiN\n"
	if buf.String() != want {
		t.Errorf("wrong highlight:\ngot  %q\nwant %q", buf.String(), want)
	}
}

func TestPrintNotPython(t *testing.T) {
	src := "def f():\n"
	var buf bytes.Buffer
	if err := Print(&buf, "test.txt", strings.NewReader(src), 1, 2, 0, nil); err != nil {
		t.Fatal(err)
	}
	want := "     1:\tdef f():\n"
	if buf.String() != want {
		t.Errorf("wrong listing:\ngot  %q\nwant %q", buf.String(), want)
	}
}
