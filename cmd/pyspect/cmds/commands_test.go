package cmds

import (
	"os"
	"testing"
)

func TestVersionFlag(t *testing.T) {
	var f versionFlag
	if f.String() != "" {
		t.Errorf("unset flag renders as %q", f.String())
	}
	if f.Type() != "version" {
		t.Errorf("wrong flag type %q", f.Type())
	}
	if err := f.Set("2.7.18"); err != nil {
		t.Fatal(err)
	}
	if f.v.Major() != 2 || f.v.Minor() != 7 || f.v.Patch() != 18 {
		t.Errorf("wrong parsed version %v", f.v)
	}
	if f.String() != "2.7.18" {
		t.Errorf("flag renders as %q", f.String())
	}
	if err := f.Set("splat"); err == nil {
		t.Error("junk version accepted")
	}
}

func TestNewCommandTree(t *testing.T) {
	os.Setenv("XDG_CONFIG_HOME", t.TempDir())
	root := New()

	names := make(map[string]bool)
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"attach", "core", "version", "log"} {
		if !names[want] {
			t.Errorf("subcommand %q missing", want)
		}
	}

	for _, flag := range []string{"log", "log-output", "log-dest", "init", "python-version"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("flag %q missing", flag)
		}
	}
}
