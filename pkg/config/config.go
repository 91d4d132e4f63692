package config

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/user"
	"path"
	"runtime"

	"gopkg.in/yaml.v2"
)

const (
	configDirHidden string = ".pyspect"
	configDir       string = "pyspect"
	configFile      string = "config.yml"
)

// SubstitutePathRule describes a rule for substitution of file paths read
// from the target's code objects.
type SubstitutePathRule struct {
	// Directory path will be substituted if it matches `From`.
	From string
	// Path to which substitution is performed.
	To string
}

// SubstitutePathRules is a slice of source code path substitution rules.
type SubstitutePathRules []SubstitutePathRule

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Aliases maps command names to a list of extra aliases.
	Aliases map[string][]string `yaml:"aliases"`
	// SubstitutePath rewrites source paths stored in the target's code
	// objects, for when the sources live somewhere else on the inspecting
	// machine.
	SubstitutePath SubstitutePathRules `yaml:"substitute-path"`

	// PythonVersion overrides the auto-detected version of the target
	// interpreter, e.g. "2.7.18".
	PythonVersion string `yaml:"python-version,omitempty"`

	// SourceListLineColor is the ANSI color code used for line numbers
	// in source listings.
	SourceListLineColor int `yaml:"source-list-line-color"`

	// SourceListLineCount is the number of lines of context that the list
	// command shows around the current line.
	SourceListLineCount *int `yaml:"source-list-line-count,omitempty"`
}

// GetSourceListLineCount returns the number of lines of context shown
// before and after the current line by the list command, defaulting
// to 5.
func (c *Config) GetSourceListLineCount() int {
	n := 5
	if c != nil && c.SourceListLineCount != nil {
		n = *c.SourceListLineCount
	}
	return n
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer func() {
		f.Close()
	}()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}

	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	_, err = f.Seek(0, io.SeekStart)
	if err != nil {
		return nil, fmt.Errorf("unable to restore config file pointer: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for pyspect.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Define source path substitution rules, used to rewrite file paths read from
# the target's code objects when the sources live somewhere else on this
# machine.
substitute-path:
  # - {from: path, to: path}

# Override the auto-detected version of the target interpreter.
# python-version: 2.7.18

# Number of lines of context shown around the current line by the list command.
# source-list-line-count: 5
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("XDG_CONFIG_HOME"); configPath != "" {
		return path.Join(configPath, configDir, file), nil
	}

	userHomeDir := getUserHomeDir()

	if runtime.GOOS == "linux" {
		return path.Join(userHomeDir, ".config", configDir, file), nil
	}
	return path.Join(userHomeDir, configDirHidden, file), nil
}

func getUserHomeDir() string {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return userHomeDir
}
