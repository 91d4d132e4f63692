package config

import (
	"os"
	"reflect"
	"testing"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	os.Setenv("XDG_CONFIG_HOME", t.TempDir())

	conf, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if conf == nil {
		t.Fatal("LoadConfig returned a nil config")
	}

	path, err := GetConfigFilePath(configFile)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("default config file was not created: %v", err)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	os.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if _, err := LoadConfig(); err != nil {
		t.Fatal(err)
	}

	n := 7
	want := &Config{
		Aliases:             map[string][]string{"print": {"pr"}},
		SubstitutePath:      SubstitutePathRules{{From: "/remote", To: "/local"}},
		PythonVersion:       "2.7.18",
		SourceListLineCount: &n,
	}
	if err := SaveConfig(want); err != nil {
		t.Fatal(err)
	}

	got, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("config did not round trip: got %+v, want %+v", got, want)
	}
}

func TestGetSourceListLineCountDefault(t *testing.T) {
	var conf *Config
	if n := conf.GetSourceListLineCount(); n != 5 {
		t.Errorf("nil config line count = %d, want 5", n)
	}
	conf = &Config{}
	if n := conf.GetSourceListLineCount(); n != 5 {
		t.Errorf("empty config line count = %d, want 5", n)
	}
	two := 2
	conf.SourceListLineCount = &two
	if n := conf.GetSourceListLineCount(); n != 2 {
		t.Errorf("line count = %d, want 2", n)
	}
}
